// Package googlegenai implements live.Provider on top of the official Google
// Gen AI SDK (google.golang.org/genai) Live API.
//
// It is functionally equivalent to the gemini package but delegates wire
// handling to the SDK, which keeps the provider current with protocol changes
// at the cost of less control over the socket.
package googlegenai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/voicecoach/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Conn = (*conn)(nil)

const defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// ErrClosed is returned by SendRealtimeInput after the connection is closed.
var ErrClosed = errors.New("googlegenai: connection closed")

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL. A ws:// or wss:// scheme is used
// verbatim; any other scheme is replaced with wss by the SDK.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements live.Provider using genai.Client.Live.
type Provider struct {
	client  *genai.Client
	model   string
	baseURL string
}

// New creates a Provider backed by a Gemini API client for apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{model: defaultModel}
	for _, o := range opts {
		o(p)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("googlegenai: new client: %w", err)
	}
	p.client = client
	return p, nil
}

// Connect opens a Live session. OnOpen fires when the server acknowledges
// the setup.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Conn, error) {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("googlegenai: connect: %w", err)
	}

	sess, err := p.client.Live.Connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("googlegenai: connect: %w", err)
	}

	c := &conn{sess: sess, cb: cb, done: make(chan struct{})}
	go c.receiveLoop()
	return c, nil
}

// connectConfig builds the fixed session configuration: audio responses and
// transcription of both speakers.
func connectConfig(cfg live.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	return lc
}

type conn struct {
	sess *genai.Session
	cb   live.Callbacks

	writeMu sync.Mutex // genai.Session writes are not concurrency-safe

	mu     sync.Mutex
	closed bool
	opened bool
	done   chan struct{}
}

func (c *conn) receiveLoop() {
	defer close(c.done)
	for {
		msg, err := c.sess.Receive()
		if err != nil {
			if c.isClosed() {
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if c.cb.OnClose != nil {
					c.cb.OnClose(live.CloseEvent{Code: ce.Code, Reason: ce.Text})
				}
				return
			}
			if c.cb.OnError != nil {
				c.cb.OnError(fmt.Errorf("googlegenai: receive: %w", err))
			}
			return
		}
		if c.isClosed() {
			return
		}
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg *genai.LiveServerMessage) {
	if msg.SetupComplete != nil {
		c.markOpen()
	}
	if msg.GoAway != nil {
		slog.Info("googlegenai: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent == nil {
		return
	}
	// Content never arrives before setupComplete in practice; open anyway so
	// it is not lost.
	c.markOpen()
	out := convertServerContent(msg.ServerContent)
	if !out.Empty() && c.cb.OnMessage != nil {
		c.cb.OnMessage(out)
	}
}

func (c *conn) markOpen() {
	c.mu.Lock()
	first := !c.opened
	c.opened = true
	c.mu.Unlock()
	if first && c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}
}

func convertServerContent(sc *genai.LiveServerContent) live.ServerMessage {
	var out live.ServerMessage
	if sc.InputTranscription != nil {
		out.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			out.Audio = append(out.Audio, live.Media{
				MIMEType: part.InlineData.MIMEType,
				Data:     part.InlineData.Data,
			})
		}
	}
	out.TurnComplete = sc.TurnComplete
	out.Interrupted = sc.Interrupted
	return out
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SendRealtimeInput sends m as realtime audio input.
func (c *conn) SendRealtimeInput(_ context.Context, m live.Media) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: m.MIMEType, Data: m.Data},
	})
	if err != nil {
		return fmt.Errorf("googlegenai: send realtime input: %w", err)
	}
	return nil
}

// Close terminates the session. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.sess.Close(); err != nil {
		return fmt.Errorf("googlegenai: close: %w", err)
	}
	return nil
}
