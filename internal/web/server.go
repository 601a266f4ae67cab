// Package web serves the browser side of voice coaching. A page connects to
// /voice over a websocket, says hello with its chat session, and then toggles
// voice sessions whose microphone and speaker live in the page. Plain HTTP
// endpoints expose the chat log and user profiles.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/voice"
	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	"github.com/MrWong99/voicecoach/pkg/chat"
	"github.com/MrWong99/voicecoach/pkg/profile"
	"github.com/MrWong99/voicecoach/pkg/provider/live"
)

const (
	defaultHelloTimeout = 10 * time.Second
	writeTimeout        = 5 * time.Second
	readLimit           = 1 << 20
)

// Settings are the voice parameters applied to every new session. They are
// read at connection time so configuration reloads reach new connections.
type Settings struct {
	DefaultProfile profile.Profile
	Model          string
	Voice          string
	Framing        capture.FramingConfig
	Output         audio.Format
}

// ProfileStore reads and writes stored user profiles.
type ProfileStore interface {
	profile.Provider
	Upsert(ctx context.Context, userID string, p profile.Profile) error
}

// Option is a functional option for [NewServer].
type Option func(*Server)

// WithProfiles enables stored profile lookups for sessions and the
// /api/profiles endpoints.
func WithProfiles(s ProfileStore) Option {
	return func(srv *Server) { srv.profiles = s }
}

// WithSettings sets the function that supplies per-connection settings.
func WithSettings(fn func() Settings) Option {
	return func(srv *Server) { srv.settings = fn }
}

// WithMetrics sets the metric instruments passed to every session.
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) { srv.log = l }
}

// WithAllowedOrigins sets the origin patterns accepted for websocket
// connections from other hosts. See [websocket.AcceptOptions].
func WithAllowedOrigins(patterns []string) Option {
	return func(srv *Server) { srv.origins = patterns }
}

// WithHelloTimeout bounds how long a new connection may take to say hello.
func WithHelloTimeout(d time.Duration) Option {
	return func(srv *Server) { srv.helloTimeout = d }
}

// Server bridges browser connections to voice sessions.
type Server struct {
	provider live.Provider
	chat     chat.Log
	profiles ProfileStore
	settings func() Settings
	metrics  *observe.Metrics
	log      *slog.Logger
	origins  []string

	helloTimeout time.Duration
}

// NewServer creates a Server that connects sessions through provider and
// stores finished turns in log.
func NewServer(provider live.Provider, log chat.Log, opts ...Option) (*Server, error) {
	if provider == nil {
		return nil, errors.New("web: live provider is required")
	}
	if log == nil {
		return nil, errors.New("web: chat log is required")
	}
	s := &Server{
		provider:     provider,
		chat:         log,
		helloTimeout: defaultHelloTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.settings == nil {
		s.settings = func() Settings { return Settings{} }
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Register adds the server's routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /voice", s.handleVoice)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	if s.profiles != nil {
		mux.HandleFunc("GET /api/profiles/{user}", s.handleGetProfile)
		mux.HandleFunc("PUT /api/profiles/{user}", s.handlePutProfile)
	}
}

// ── REST ─────────────────────────────────────────────────────────────────────

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.chat.Messages(r.Context(), id)
	if err != nil {
		observe.Logger(r.Context(), s.log).Error("web: list messages", "session", id, "err", err)
		http.Error(w, "failed to load messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_session_id": id,
		"messages":        msgs,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.chat.DeleteSession(r.Context(), id); err != nil {
		observe.Logger(r.Context(), s.log).Error("web: delete session", "session", id, "err", err)
		http.Error(w, "failed to delete session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	p, err := s.profiles.Profile(r.Context(), user)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		http.Error(w, "profile not found", http.StatusNotFound)
	case err != nil:
		observe.Logger(r.Context(), s.log).Error("web: get profile", "user", user, "err", err)
		http.Error(w, "failed to load profile", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	var p profile.Profile
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		http.Error(w, "invalid profile: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.profiles.Upsert(r.Context(), user, p); err != nil {
		observe.Logger(r.Context(), s.log).Error("web: put profile", "user", user, "err", err)
		http.Error(w, "failed to store profile", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ── Voice websocket ──────────────────────────────────────────────────────────

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		// Accept has already written the response.
		s.log.Debug("web: websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	hello, err := s.readHello(ctx, ws)
	if err != nil {
		s.log.Info("web: rejecting voice connection", "err", err)
		ws.Close(websocket.StatusPolicyViolation, "expected hello")
		return
	}

	c, err := s.newClient(ctx, ws, hello)
	if err != nil {
		s.log.Error("web: create voice session", "err", err)
		ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	c.run()
	ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readHello(ctx context.Context, ws *websocket.Conn) (ClientMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.helloTimeout)
	defer cancel()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		return ClientMessage{}, fmt.Errorf("read hello: %w", err)
	}
	if typ != websocket.MessageText {
		return ClientMessage{}, fmt.Errorf("%w: binary frame before hello", errBadMessage)
	}
	msg, err := DecodeClientMessage(data)
	if err != nil {
		return ClientMessage{}, err
	}
	if msg.Type != TypeHello {
		return ClientMessage{}, fmt.Errorf("%w: first message is %q", errBadMessage, msg.Type)
	}
	return msg, nil
}

func (s *Server) newClient(ctx context.Context, ws *websocket.Conn, hello ClientMessage) (*client, error) {
	chatID := hello.ChatSessionID
	if chatID == "" {
		chatID = uuid.NewString()
	}
	c := &client{
		ctx:    ctx,
		ws:     ws,
		chatID: chatID,
		log:    s.log.With("chat_session", chatID, "user", hello.UserID),
	}
	c.mic = newBrowserMic(c)

	set := s.settings()
	var providers []profile.Provider
	if s.profiles != nil {
		providers = append(providers, s.profiles)
	}
	if hello.Profile != nil && !hello.Profile.IsZero() {
		providers = append(providers, profile.Static(*hello.Profile))
	}
	mgr, err := voice.NewManager(voice.Config{
		Microphone:     c.mic,
		Speaker:        &browserSpeaker{out: c},
		Provider:       s.provider,
		Chat:           s.chat,
		ChatSessionID:  chatID,
		UserID:         hello.UserID,
		Profiles:       providers,
		DefaultProfile: set.DefaultProfile,
		Model:          set.Model,
		Voice:          set.Voice,
		Framing:        set.Framing,
		Output:         set.Output,
	}, voice.WithObserver(c), voice.WithMetrics(s.metrics), voice.WithLogger(c.log))
	if err != nil {
		return nil, err
	}
	c.mgr = mgr
	return c, nil
}

// client is one browser connection. It owns a voice.Manager for the
// connection's lifetime and implements [voice.Observer] by forwarding updates
// as JSON.
type client struct {
	ctx    context.Context
	ws     *websocket.Conn
	chatID string
	log    *slog.Logger
	mic    *browserMic
	mgr    *voice.Manager

	starts sync.WaitGroup
}

var _ voice.Observer = (*client)(nil)

func (c *client) run() {
	c.sendJSON(ServerMessage{Type: TypeReady, ChatSessionID: c.chatID})
	defer func() {
		c.mgr.Stop()
		c.starts.Wait()
	}()

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				c.log.Debug("web: voice connection lost", "err", err)
			}
			return
		}
		if typ == websocket.MessageBinary {
			samples, err := DecodeSamples(data)
			if err != nil {
				c.sendError(err)
				continue
			}
			c.mic.push(samples)
			continue
		}
		msg, err := DecodeClientMessage(data)
		if err != nil {
			c.sendError(err)
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg ClientMessage) {
	switch msg.Type {
	case TypeToggle:
		if !c.start() {
			c.mgr.Stop()
		}
	case TypeStart:
		c.start()
	case TypeStop:
		c.mgr.Stop()
	case TypeMic:
		if !c.mic.answer(msg) {
			c.log.Debug("web: unsolicited mic reply", "result", msg.Result)
		}
	case TypeHello:
		c.sendError(fmt.Errorf("%w: duplicate hello", errBadMessage))
	}
}

// start reserves a session on the read loop and opens it on another
// goroutine, since the read loop must keep reading to deliver the microphone
// answer the open waits for. It reports false when a session is already
// running or starting.
func (c *client) start() bool {
	run, err := c.mgr.Reserve(c.ctx)
	if err != nil {
		return false
	}
	c.starts.Go(func() {
		if err := run(); err != nil {
			c.log.Debug("web: voice start returned", "err", err)
		}
	})
	return true
}

func (c *client) sendError(err error) {
	c.sendJSON(ServerMessage{Type: TypeError, Error: err.Error()})
}

func (c *client) sendJSON(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("web: encode message", "type", msg.Type, "err", err)
		return
	}
	c.write(websocket.MessageText, data)
}

func (c *client) sendBinary(data []byte) { c.write(websocket.MessageBinary, data) }

func (c *client) write(typ websocket.MessageType, data []byte) {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, typ, data); err != nil {
		c.log.Debug("web: write failed", "err", err)
	}
}

// ── voice.Observer ───────────────────────────────────────────────────────────

func (c *client) OnStateChange(st voice.State) {
	active := c.mgr.Active()
	c.sendJSON(ServerMessage{Type: TypeState, State: st.String(), Active: &active})
}

func (c *client) OnTranscript(p voice.PendingTranscript) {
	c.sendJSON(ServerMessage{Type: TypeTranscript, Transcript: &p})
}

func (c *client) OnMessage(m chat.Message) {
	c.sendJSON(ServerMessage{Type: TypeMessage, Message: &m})
}

func (c *client) OnError(_ error, message string) {
	c.sendJSON(ServerMessage{Type: TypeError, Error: message})
}
