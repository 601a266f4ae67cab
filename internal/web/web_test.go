package web_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/voice"
	"github.com/MrWong99/voicecoach/internal/web"
	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	"github.com/MrWong99/voicecoach/pkg/chat"
	"github.com/MrWong99/voicecoach/pkg/profile"
	"github.com/MrWong99/voicecoach/pkg/provider/live"
	livemock "github.com/MrWong99/voicecoach/pkg/provider/live/mock"
)

// ── Test helpers ─────────────────────────────────────────────────────────────

type memProfiles struct {
	mu sync.Mutex
	m  map[string]profile.Profile
}

func (s *memProfiles) Profile(_ context.Context, userID string) (profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[userID]
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	return p, nil
}

func (s *memProfiles) Upsert(_ context.Context, userID string, p profile.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]profile.Profile)
	}
	s.m[userID] = p
	return nil
}

type harness struct {
	srv  *httptest.Server
	prov *livemock.Provider
	log  *chat.MemoryLog
}

func newHarness(t *testing.T, opts ...web.Option) *harness {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{prov: &livemock.Provider{AutoOpen: true}, log: &chat.MemoryLog{}}
	base := []web.Option{
		web.WithMetrics(met),
		web.WithHelloTimeout(time.Second),
		web.WithSettings(func() web.Settings {
			return web.Settings{
				DefaultProfile: profile.Profile{Business: "Default Co"},
				Voice:          "Puck",
				Framing:        capture.FramingConfig{FrameSize: 160, SampleRate: 16000},
			}
		}),
	}
	s, err := web.NewServer(h.prov, h.log, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	s.Register(mux)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/voice"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg web.ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, msg); err != nil {
		t.Fatalf("write %s: %v", msg.Type, err)
	}
}

func sendSamples(t *testing.T, ws *websocket.Conn, n int, v float32) {
	t.Helper()
	data := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Fatalf("write samples: %v", err)
	}
}

type frame struct {
	binary []byte
	msg    web.ServerMessage
}

func next(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ == websocket.MessageBinary {
		return frame{binary: data}
	}
	var m web.ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return frame{msg: m}
}

// readUntil reads frames until match returns true and returns that frame.
func readUntil(t *testing.T, ws *websocket.Conn, what string, match func(frame) bool) frame {
	t.Helper()
	for range 100 {
		f := next(t, ws)
		if match(f) {
			return f
		}
	}
	t.Fatalf("never received %s", what)
	return frame{}
}

func isType(typ string) func(frame) bool {
	return func(f frame) bool { return f.binary == nil && f.msg.Type == typ }
}

func isState(state string) func(frame) bool {
	return func(f frame) bool { return f.binary == nil && f.msg.Type == web.TypeState && f.msg.State == state }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startSession says hello, toggles voice on and grants the microphone.
func startSession(t *testing.T, ws *websocket.Conn, hello web.ClientMessage) {
	t.Helper()
	hello.Type = web.TypeHello
	send(t, ws, hello)
	readUntil(t, ws, "ready", isType(web.TypeReady))
	send(t, ws, web.ClientMessage{Type: web.TypeToggle})
	readUntil(t, ws, "mic_request", isType(web.TypeMicRequest))
	send(t, ws, web.ClientMessage{Type: web.TypeMic, Result: web.MicGranted, SampleRate: 16000})
	readUntil(t, ws, "listening", isState("listening"))
}

// ── Voice websocket ──────────────────────────────────────────────────────────

func TestVoice_FullTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dial(t)

	startSession(t, ws, web.ClientMessage{
		UserID:        "u1",
		ChatSessionID: "chat-1",
		Profile:       &profile.Profile{Name: "Ada"},
	})

	if n := h.prov.ConnectCount(); n != 1 {
		t.Fatalf("ConnectCount = %d, want 1", n)
	}
	cfg := h.prov.Call(0).Cfg
	if !strings.Contains(cfg.Instructions, "Ada") || !strings.Contains(cfg.Instructions, "Default Co") {
		t.Errorf("instructions %q do not carry the hello profile merged with the default", cfg.Instructions)
	}
	if cfg.Voice != "Puck" {
		t.Errorf("voice = %q, want Puck", cfg.Voice)
	}

	conn := h.prov.LastConn()
	sendSamples(t, ws, 160, 0.25)
	waitFor(t, "first frame sent", func() bool { return len(conn.Sent()) >= 1 })
	if got := conn.Sent()[0].MIMEType; got != "audio/pcm;rate=16000" {
		t.Errorf("frame MIME type = %q", got)
	}

	conn.Emit(live.ServerMessage{InputTranscript: "How do I grow?"})
	conn.Emit(live.ServerMessage{
		OutputTranscript: "Focus.",
		Audio:            []live.Media{{MIMEType: "audio/pcm;rate=24000", Data: make([]byte, 480)}},
	})
	conn.Emit(live.ServerMessage{TurnComplete: true})

	var segment []byte
	var roles []chat.Role
	for segment == nil || len(roles) < 2 {
		f := next(t, ws)
		switch {
		case f.binary != nil:
			segment = f.binary
		case f.msg.Type == web.TypeMessage:
			roles = append(roles, f.msg.Message.Role)
		}
	}
	if len(segment) != 22+480 {
		t.Errorf("segment length = %d, want %d", len(segment), 22+480)
	}
	if rate := binary.LittleEndian.Uint32(segment[16:]); rate != 24000 {
		t.Errorf("segment rate = %d, want 24000", rate)
	}
	if roles[0] != chat.RoleUser || roles[1] != chat.RoleModel {
		t.Errorf("message roles = %v, want [user model]", roles)
	}

	resp, err := http.Get(h.srv.URL + "/api/sessions/chat-1/messages")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 2 || body.Messages[0].Text != "How do I grow?" || body.Messages[1].Text != "Focus." {
		t.Errorf("stored messages = %+v", body.Messages)
	}

	send(t, ws, web.ClientMessage{Type: web.TypeStop})
	var released, idle bool
	for !released || !idle {
		f := next(t, ws)
		switch {
		case isType(web.TypeMicRelease)(f):
			released = true
		case isState("idle")(f):
			idle = true
			if f.msg.Active == nil || *f.msg.Active {
				t.Errorf("idle state reports active = %v", f.msg.Active)
			}
		}
	}
	if n := conn.CloseCount(); n != 1 {
		t.Errorf("CloseCount = %d, want 1", n)
	}
}

func TestVoice_GeneratesChatSessionID(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, web.ClientMessage{Type: web.TypeHello})
	f := readUntil(t, ws, "ready", isType(web.TypeReady))
	if f.msg.ChatSessionID == "" {
		t.Fatal("ready carries no chat session id")
	}
}

func TestVoice_RequiresHelloFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, web.ClientMessage{Type: web.TypeToggle})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v (err %v), want policy violation", got, err)
	}
	if n := h.prov.ConnectCount(); n != 0 {
		t.Errorf("ConnectCount = %d, want 0", n)
	}
}

func TestVoice_MicDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, web.ClientMessage{Type: web.TypeHello, ChatSessionID: "c"})
	readUntil(t, ws, "ready", isType(web.TypeReady))
	send(t, ws, web.ClientMessage{Type: web.TypeToggle})
	readUntil(t, ws, "mic_request", isType(web.TypeMicRequest))
	send(t, ws, web.ClientMessage{Type: web.TypeMic, Result: web.MicDenied})

	f := readUntil(t, ws, "error", isType(web.TypeError))
	if want := voice.UserMessage(capture.ErrPermissionDenied); f.msg.Error != want {
		t.Errorf("error = %q, want %q", f.msg.Error, want)
	}
	if n := h.prov.ConnectCount(); n != 0 {
		t.Errorf("ConnectCount = %d, want 0", n)
	}
}

func TestVoice_StopWhileWaitingForMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, web.ClientMessage{Type: web.TypeHello})
	readUntil(t, ws, "ready", isType(web.TypeReady))
	send(t, ws, web.ClientMessage{Type: web.TypeToggle})
	readUntil(t, ws, "mic_request", isType(web.TypeMicRequest))

	// Toggling again cancels the pending start.
	send(t, ws, web.ClientMessage{Type: web.TypeToggle})
	send(t, ws, web.ClientMessage{Type: web.TypeStart})
	readUntil(t, ws, "new mic_request", isType(web.TypeMicRequest))
	if n := h.prov.ConnectCount(); n != 0 {
		t.Errorf("ConnectCount = %d, want 0", n)
	}
}

func TestVoice_SecondToggleCancelsPendingStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, web.ClientMessage{Type: web.TypeHello, ChatSessionID: "c1"})
	readUntil(t, ws, "ready", isType(web.TypeReady))

	send(t, ws, web.ClientMessage{Type: web.TypeToggle})
	send(t, ws, web.ClientMessage{Type: web.TypeToggle})
	// Handled strictly after both toggles; its reply marks the point where
	// the second toggle has finished stopping.
	send(t, ws, web.ClientMessage{Type: web.TypeHello})
	for {
		f := next(t, ws)
		if isState("listening")(f) {
			t.Fatal("second toggle left the session running")
		}
		if isType(web.TypeMicRequest)(f) {
			send(t, ws, web.ClientMessage{Type: web.TypeMic, Result: web.MicGranted, SampleRate: 16000})
		}
		if isType(web.TypeError)(f) && strings.Contains(f.msg.Error, "duplicate hello") {
			break
		}
	}
	if n := h.prov.ConnectCount(); n != 0 {
		t.Fatalf("Connect called %d times, want 0", n)
	}

	send(t, ws, web.ClientMessage{Type: web.TypeToggle})
	readUntil(t, ws, "mic_request", isType(web.TypeMicRequest))
	send(t, ws, web.ClientMessage{Type: web.TypeMic, Result: web.MicGranted, SampleRate: 16000})
	readUntil(t, ws, "listening", isState("listening"))
	if n := h.prov.ConnectCount(); n != 1 {
		t.Errorf("Connect called %d times after third toggle, want 1", n)
	}
}

func TestVoice_DisconnectStopsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dial(t)

	startSession(t, ws, web.ClientMessage{ChatSessionID: "c"})
	conn := h.prov.LastConn()

	ws.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "connection closed", func() bool { return conn.CloseCount() == 1 })
}

func TestVoice_MalformedFramesReportErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, web.ClientMessage{Type: web.TypeHello})
	readUntil(t, ws, "ready", isType(web.TypeReady))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readUntil(t, ws, "error", isType(web.TypeError)); !strings.Contains(f.msg.Error, "dance") {
		t.Errorf("error = %q, want it to name the type", f.msg.Error)
	}
	if err := ws.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, ws, "error", isType(web.TypeError))
	send(t, ws, web.ClientMessage{Type: web.TypeHello})
	readUntil(t, ws, "duplicate hello error", isType(web.TypeError))
}

// ── REST ─────────────────────────────────────────────────────────────────────

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_ = h.log.Append(ctx, "s1", chat.Message{Role: chat.RoleUser, Text: "hi"})
	_ = h.log.Append(ctx, "s2", chat.Message{Role: chat.RoleUser, Text: "other"})

	if resp := do(t, http.MethodDelete, h.srv.URL+"/api/sessions/s1", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", resp.StatusCode)
	}
	if got, _ := h.log.Messages(ctx, "s1"); len(got) != 0 {
		t.Errorf("s1 still has %d messages", len(got))
	}
	if got, _ := h.log.Messages(ctx, "s2"); len(got) != 1 {
		t.Errorf("s2 has %d messages, want 1", len(got))
	}
}

func TestProfiles(t *testing.T) {
	t.Parallel()
	store := &memProfiles{}
	h := newHarness(t, web.WithProfiles(store))

	if resp := do(t, http.MethodGet, h.srv.URL+"/api/profiles/u1", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET unknown status = %d, want 404", resp.StatusCode)
	}
	if resp := do(t, http.MethodPut, h.srv.URL+"/api/profiles/u1", `{"name":"Ada","role":"CEO"}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT status = %d, want 204", resp.StatusCode)
	}
	if resp := do(t, http.MethodPut, h.srv.URL+"/api/profiles/u1", `{"nickname":"x"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("PUT unknown field status = %d, want 400", resp.StatusCode)
	}

	resp := do(t, http.MethodGet, h.srv.URL+"/api/profiles/u1", "")
	var got profile.Profile
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "Ada" || got.Role != "CEO" {
		t.Errorf("profile = %+v", got)
	}

	// A stored profile takes precedence over the one sent in hello.
	ws := h.dial(t)
	startSession(t, ws, web.ClientMessage{UserID: "u1", Profile: &profile.Profile{Name: "Someone"}})
	instr := h.prov.Call(0).Cfg.Instructions
	if !strings.Contains(instr, "Ada") || strings.Contains(instr, "Someone") {
		t.Errorf("instructions %q do not use the stored profile", instr)
	}
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := web.NewServer(nil, &chat.MemoryLog{}); err == nil {
		t.Error("expected error without provider")
	}
	if _, err := web.NewServer(&livemock.Provider{}, nil); err == nil {
		t.Error("expected error without chat log")
	}
}
