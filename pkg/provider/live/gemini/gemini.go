// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio is transmitted as base64-encoded PCM media chunks. The
// session counts as open once the server acknowledges the setup message.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicecoach/pkg/provider/live"
)

// Compile-time assertions that Provider and conn satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	defaultKeepalive = 20 * time.Second
	keepaliveTimeout = 5 * time.Second
)

// ErrClosed is returned by SendRealtimeInput after the connection is closed.
var ErrClosed = errors.New("gemini: connection closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithKeepalive sets the interval between WebSocket pings. Zero or negative
// disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: defaultKeepalive,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Gemini Live endpoint and sends the setup message. OnOpen
// fires when the server answers with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Model audio chunks can exceed the library's default read limit.
	ws.SetReadLimit(8 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		cb:     cb,
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	if err := c.sendSetup(ctx, model, cfg); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go c.receiveLoop()
	if p.keepalive > 0 {
		go c.keepaliveLoop(p.keepalive)
	}
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws *websocket.Conn
	cb live.Callbacks

	mu     sync.Mutex
	closed bool
	opened bool
	ended  bool // a terminal callback has fired

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// sendSetup sends the initial BidiGenerateContent setup message with audio
// output and transcription of both speakers enabled.
func (c *conn) sendSetup(ctx context.Context, model string, cfg live.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return c.writeJSON(ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them to the
// callbacks. It exits after the first terminal event.
func (c *conn) receiveLoop() {
	defer close(c.done)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// Closed by us: no callbacks.
			if c.ctx.Err() != nil {
				return
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				c.fireClose(live.CloseEvent{Code: int(ce.Code), Reason: ce.Reason})
				return
			}
			c.fireError(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.fireError(fmt.Errorf("gemini: malformed server message: %w", err))
			return
		}
		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage dispatches one message. It returns false after a
// terminal event.
func (c *conn) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		c.fireError(fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, text))
		return false
	}
	if msg.SetupComplete != nil {
		c.mu.Lock()
		first := !c.opened
		c.opened = true
		c.mu.Unlock()
		if first && c.cb.OnOpen != nil {
			c.cb.OnOpen()
		}
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		out := convertServerContent(msg.ServerContent)
		if !out.Empty() && c.cb.OnMessage != nil {
			c.cb.OnMessage(out)
		}
	}
	return true
}

// convertServerContent maps the wire representation onto live.ServerMessage.
// Inline data with invalid base64 is dropped with a warning.
func convertServerContent(sc *serverContent) live.ServerMessage {
	var out live.ServerMessage
	if sc.InputTranscription != nil {
		out.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				slog.Warn("gemini: dropping inline data with invalid base64", "mime_type", p.InlineData.MIMEType, "err", err)
				continue
			}
			if len(data) == 0 {
				continue
			}
			out.Audio = append(out.Audio, live.Media{MIMEType: p.InlineData.MIMEType, Data: data})
		}
	}
	out.TurnComplete = sc.TurnComplete
	out.Interrupted = sc.Interrupted
	return out
}

// terminate claims the single terminal callback. It reports false after a
// local Close or once OnError or OnClose has fired.
func (c *conn) terminate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ended {
		return false
	}
	c.ended = true
	return true
}

func (c *conn) fireError(err error) {
	if !c.terminate() {
		return
	}
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}

func (c *conn) fireClose(ev live.CloseEvent) {
	if !c.terminate() {
		return
	}
	if c.cb.OnClose != nil {
		c.cb.OnClose(ev)
	}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// keepaliveLoop pings the server every interval. A pong that does not arrive
// within min(interval, keepaliveTimeout) fails the connection with OnError
// and drops the socket.
func (c *conn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	timeout := min(interval, keepaliveTimeout)

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, timeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.fireError(fmt.Errorf("gemini: keepalive: %w", err))
				c.ws.CloseNow()
				return
			}
		}
	}
}

// ── live.Conn methods ──────────────────────────────────────────────────────────

// SendRealtimeInput base64-encodes m and sends it as a realtimeInput media
// chunk.
func (c *conn) SendRealtimeInput(ctx context.Context, m live.Media) error {
	if c.isClosed() {
		return ErrClosed
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: m.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(m.Data),
			}},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send realtime input: %w", err)
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel() // unblocks receiveLoop and keepaliveLoop
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
