package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voicecoach/internal/app"
	"github.com/MrWong99/voicecoach/internal/config"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/resilience"
	"github.com/MrWong99/voicecoach/internal/web"
	"github.com/MrWong99/voicecoach/pkg/chat"
	"github.com/MrWong99/voicecoach/pkg/provider/live"
	livemock "github.com/MrWong99/voicecoach/pkg/provider/live/mock"
)

// testConfig returns a validated config with defaults and an in-memory store.
func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return met
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

// runApp starts application.Run and returns the base URL. The app is stopped
// when the test ends.
func runApp(t *testing.T, application *app.App, ln net.Listener) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	base := "http://" + ln.Addr().String()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			return base
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestRun_ServesRoutes(t *testing.T) {
	t.Parallel()

	ln := listen(t)
	log := &chat.MemoryLog{}
	_ = log.Append(context.Background(), "s1", chat.Message{Role: chat.RoleUser, Text: "hello"})
	application, err := app.New(context.Background(), testConfig(t, ""),
		app.WithLiveProvider(&livemock.Provider{AutoOpen: true}),
		app.WithChatLog(log),
		app.WithMetrics(testMetrics(t)),
		app.WithListener(ln),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base := runApp(t, application, ln)

	status, body := get(t, base+"/readyz")
	if status != http.StatusOK || !strings.Contains(body, `"live":{"status":"ok"`) {
		t.Errorf("readyz = %d %s", status, body)
	}
	if status, _ := get(t, base+"/metrics"); status != http.StatusOK {
		t.Errorf("metrics status = %d", status)
	}
	status, body = get(t, base+"/api/sessions/s1/messages")
	if status != http.StatusOK || !strings.Contains(body, "hello") {
		t.Errorf("messages = %d %s", status, body)
	}
	// No profile store without postgres.
	if status, _ := get(t, base+"/api/profiles/u1"); status != http.StatusNotFound {
		t.Errorf("profiles status = %d, want route missing", status)
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "providers: {live: {name: nope}}")
	_, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_BuildsFallbacksFromRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	primary := &livemock.Provider{ConnectErr: errors.New("primary down")}
	backup := &livemock.Provider{AutoOpen: true}
	reg.RegisterLive("a", func(config.ProviderEntry) (live.Provider, error) { return primary, nil })
	reg.RegisterLive("b", func(config.ProviderEntry) (live.Provider, error) { return backup, nil })

	cfg := testConfig(t, "providers: {live: {name: a}, live_fallbacks: [{name: b}]}")
	application, err := app.New(context.Background(), cfg,
		app.WithRegistry(reg),
		app.WithChatLog(&chat.MemoryLog{}),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	states := application.LiveStates()
	if len(states) != 2 || states["a"] != resilience.StateClosed || states["b"] != resilience.StateClosed {
		t.Errorf("LiveStates = %v", states)
	}
	_ = application.Shutdown(context.Background())
}

func TestVoice_UsesReloadedProfile(t *testing.T) {
	t.Parallel()

	ln := listen(t)
	prov := &livemock.Provider{AutoOpen: true}
	old := testConfig(t, "profile: {name: Ada}")
	application, err := app.New(context.Background(), old,
		app.WithLiveProvider(prov),
		app.WithChatLog(&chat.MemoryLog{}),
		app.WithMetrics(testMetrics(t)),
		app.WithListener(ln),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runApp(t, application, ln)
	application.Reload(old, testConfig(t, "profile: {name: Grace}"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+ln.Addr().String()+"/voice", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.CloseNow()

	expect := func(typ string) {
		t.Helper()
		for {
			var m web.ServerMessage
			if err := wsjson.Read(ctx, ws, &m); err != nil {
				t.Fatalf("waiting for %s: %v", typ, err)
			}
			if m.Type == typ {
				return
			}
		}
	}
	_ = wsjson.Write(ctx, ws, web.ClientMessage{Type: web.TypeHello, ChatSessionID: "c1"})
	expect(web.TypeReady)
	_ = wsjson.Write(ctx, ws, web.ClientMessage{Type: web.TypeToggle})
	expect(web.TypeMicRequest)
	_ = wsjson.Write(ctx, ws, web.ClientMessage{Type: web.TypeMic, Result: web.MicGranted, SampleRate: 16000})
	expect(web.TypeState)

	if n := prov.ConnectCount(); n != 1 {
		t.Fatalf("ConnectCount = %d, want 1", n)
	}
	if instr := prov.Call(0).Cfg.Instructions; !strings.Contains(instr, "Grace") {
		t.Errorf("instructions %q do not use the reloaded profile", instr)
	}
}

func TestRun_WatcherAppliesLogLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voicecoach.yaml")
	write := func(content string, mtime time.Time) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	write("server: {log_level: info}\n", time.Now().Add(-time.Minute))

	var application *app.App
	w, err := config.NewWatcher(path, func(old, new *config.Config) { application.Reload(old, new) },
		config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	level := new(slog.LevelVar)
	ln := listen(t)
	application, err = app.New(context.Background(), w.Current(),
		app.WithWatcher(w),
		app.WithLogLevel(level),
		app.WithLiveProvider(&livemock.Provider{}),
		app.WithChatLog(&chat.MemoryLog{}),
		app.WithMetrics(testMetrics(t)),
		app.WithListener(ln),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runApp(t, application, ln)

	write("server: {log_level: debug}\n", time.Now())
	deadline := time.Now().Add(3 * time.Second)
	for level.Level() != slog.LevelDebug {
		if time.Now().After(deadline) {
			t.Fatalf("level = %v, want debug after reload", level.Level())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	names := reg.LiveNames()
	if len(names) != 2 || names[0] != "gemini-genai" || names[1] != "gemini-live" {
		t.Fatalf("LiveNames = %v", names)
	}
	if _, err := reg.CreateLive(config.ProviderEntry{Name: "gemini-live", APIKey: "k", Options: map[string]any{"keepalive": "10s"}}); err != nil {
		t.Errorf("gemini-live: %v", err)
	}
	if _, err := reg.CreateLive(config.ProviderEntry{Name: "gemini-live", Options: map[string]any{"keepalive": "often"}}); err == nil {
		t.Error("expected error for invalid keepalive")
	}
	if _, err := reg.CreateLive(config.ProviderEntry{Name: "gemini-genai", APIKey: "k"}); err != nil {
		t.Errorf("gemini-genai: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(t, ""),
		app.WithLiveProvider(&livemock.Provider{}),
		app.WithChatLog(&chat.MemoryLog{}),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
