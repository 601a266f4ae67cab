package googlegenai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicecoach/pkg/provider/live"
	"github.com/MrWong99/voicecoach/pkg/provider/live/googlegenai"
)

// startLiveServer serves the Live endpoint on any path. The handler receives
// the accepted connection and the request.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProvider(t *testing.T, srv *httptest.Server) *googlegenai.Provider {
	t.Helper()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	p, err := googlegenai.New(context.Background(), "test-key", googlegenai.WithBaseURL(base), googlegenai.WithModel("test-model"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("read: %v", err)
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("unmarshal: %v", err)
	}
	return m
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("write: %v (may be expected on close)", err)
	}
}

func TestConnect_SetupAndMessages(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0}
	setups := make(chan map[string]any, 1)
	paths := make(chan string, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		paths <- r.URL.Path
		setups <- readJSON(t, conn)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription":  map[string]any{"text": "hel"},
			"outputTranscription": map[string]any{"text": "hi"},
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				}},
			}},
			"turnComplete": true,
		}})
		<-conn.CloseRead(context.Background()).Done()
	})

	opened := make(chan struct{}, 1)
	messages := make(chan live.ServerMessage, 4)
	c, err := newProvider(t, srv).Connect(context.Background(), live.SessionConfig{
		Instructions: "Coach me.",
		Voice:        "Puck",
	}, live.Callbacks{
		OnOpen:    func() { opened <- struct{}{} },
		OnMessage: func(m live.ServerMessage) { messages <- m },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case p := <-paths:
		if !strings.HasSuffix(p, "BidiGenerateContent") {
			t.Errorf("path = %q, want BidiGenerateContent endpoint", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for connection")
	}

	setup := <-setups
	raw, _ := json.Marshal(setup)
	for _, want := range []string{`"models/test-model"`, `"AUDIO"`, `"inputAudioTranscription"`, `"outputAudioTranscription"`, `"Coach me."`, `"Puck"`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("setup %s missing %s", raw, want)
		}
	}

	select {
	case <-opened:
	case <-time.After(3 * time.Second):
		t.Fatal("OnOpen not fired")
	}

	select {
	case m := <-messages:
		if m.InputTranscript != "hel" || m.OutputTranscript != "hi" || !m.TurnComplete {
			t.Errorf("unexpected message %+v", m)
		}
		if len(m.Audio) != 1 || string(m.Audio[0].Data) != string(pcm) || m.Audio[0].MIMEType != "audio/pcm;rate=24000" {
			t.Errorf("audio = %+v, want one decoded pcm chunk", m.Audio)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnMessage not fired")
	}
}

func TestSendRealtimeInput(t *testing.T) {
	t.Parallel()

	inputs := make(chan map[string]any, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		inputs <- readJSON(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(t, srv).Connect(context.Background(), live.SessionConfig{}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.SendRealtimeInput(context.Background(), live.Media{MIMEType: "audio/pcm;rate=16000", Data: []byte{9, 8}}); err != nil {
		t.Fatalf("SendRealtimeInput: %v", err)
	}

	select {
	case msg := <-inputs:
		raw, _ := json.Marshal(msg)
		if !strings.Contains(string(raw), `"realtimeInput"`) || !strings.Contains(string(raw), "audio/pcm;rate=16000") {
			t.Errorf("unexpected realtime input %s", raw)
		}
		if !strings.Contains(string(raw), base64.StdEncoding.EncodeToString([]byte{9, 8})) {
			t.Errorf("payload %s does not carry the base64 audio", raw)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtime input")
	}
}

func TestRemoteClose_FiresOnClose(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	closes := make(chan live.CloseEvent, 1)
	errs := make(chan error, 1)
	c, err := newProvider(t, srv).Connect(context.Background(), live.SessionConfig{}, live.Callbacks{
		OnClose: func(ev live.CloseEvent) { closes <- ev },
		OnError: func(err error) { errs <- err },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case ev := <-closes:
		if ev.Code != int(websocket.StatusGoingAway) || ev.Reason != "bye" {
			t.Errorf("close event = %+v, want 1001 bye", ev)
		}
	case err := <-errs:
		t.Fatalf("got OnError %v, want OnClose", err)
	case <-time.After(3 * time.Second):
		t.Fatal("OnClose not fired")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readJSON(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := newProvider(t, srv).Connect(context.Background(), live.SessionConfig{}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = c.Close()
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.SendRealtimeInput(context.Background(), live.Media{}); err == nil {
		t.Fatal("expected error after Close")
	}
}
