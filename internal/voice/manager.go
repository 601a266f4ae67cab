// Package voice runs full-duplex voice conversations with the coaching model.
//
// A [Manager] owns at most one session at a time. Starting a session acquires
// the microphone, opens an output, connects a [Transport] to the model and
// starts framing captured audio into it. Server events are funnelled into a
// single event-loop goroutine per session which drives the [State] machine,
// schedules model audio on a [playback.Scheduler] and feeds transcripts into
// an [Aggregator] that writes one chat message per speaker per turn.
//
// Every failure, whether at start or mid-call, goes through one path: the
// state returns to [StateIdle], all [Resources] are released and the
// [Observer] receives the error with a user-facing message.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	"github.com/MrWong99/voicecoach/pkg/audio/playback"
	"github.com/MrWong99/voicecoach/pkg/chat"
	"github.com/MrWong99/voicecoach/pkg/profile"
	"github.com/MrWong99/voicecoach/pkg/provider/live"
)

// eventBuffer is the capacity of a session's event queue. Provider callbacks
// block once it is full, which only happens if the event loop stalls.
const eventBuffer = 256

// Observer receives session updates. Methods are called from the session's
// event loop, or from the goroutine calling Start or Stop, and never
// concurrently. They must not call [Manager.Stop] or [Manager.Toggle]
// synchronously.
type Observer interface {
	OnStateChange(State)
	OnTranscript(PendingTranscript)
	OnMessage(chat.Message)
	OnError(err error, message string)
}

// NopObserver ignores every update. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) OnStateChange(State)            {}
func (NopObserver) OnTranscript(PendingTranscript) {}
func (NopObserver) OnMessage(chat.Message)         {}
func (NopObserver) OnError(error, string)          {}

// Config holds the collaborators and settings of a [Manager].
type Config struct {
	// Microphone, Speaker, Provider and Chat are required.
	Microphone capture.Microphone
	Speaker    playback.Device
	Provider   live.Provider
	Chat       chat.Sink

	// ChatSessionID is the chat log that finished turns are appended to.
	ChatSessionID string

	// UserID, Profiles and DefaultProfile build the system instruction at
	// every start via [profile.Resolve].
	UserID         string
	Profiles       []profile.Provider
	DefaultProfile profile.Profile

	// Model and Voice override the provider defaults when set.
	Model string
	Voice string

	// Framing configures capture. Zero values take the capture defaults.
	Framing capture.FramingConfig

	// Output is the format the speaker is opened with and the fallback for
	// model audio whose MIME type carries no rate. Default 24 kHz mono.
	Output audio.Format
}

func (c Config) validate() error {
	var errs []error
	if c.Microphone == nil {
		errs = append(errs, errors.New("microphone is required"))
	}
	if c.Speaker == nil {
		errs = append(errs, errors.New("speaker is required"))
	}
	if c.Provider == nil {
		errs = append(errs, errors.New("live provider is required"))
	}
	if c.Chat == nil {
		errs = append(errs, errors.New("chat sink is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("voice: invalid config: %w", err)
	}
	return nil
}

// Option is a functional option for a [Manager].
type Option func(*Manager)

// WithObserver sets the receiver of session updates.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithLogger sets the base logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager is the public start/stop surface of voice chat. All exported
// methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	observer Observer
	metrics  *observe.Metrics
	log      *slog.Logger

	mu          sync.Mutex
	state       State
	sess        *session
	last        *session // most recently installed, possibly still tearing down
	cancelStart context.CancelFunc
	startDone   chan struct{}
}

// NewManager validates cfg and returns an idle Manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Output.SampleRate <= 0 {
		cfg.Output.SampleRate = 24000
	}
	if cfg.Output.Channels <= 0 {
		cfg.Output.Channels = 1
	}
	m := &Manager{cfg: cfg}
	for _, o := range opts {
		o(m)
	}
	if m.observer == nil {
		m.observer = NopObserver{}
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m, nil
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether a session is running or starting.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil || m.startDone != nil
}

// SessionID returns the ID of the running session, or "".
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.id
}

// LiveTranscription returns the in-progress transcript of the current turn.
// It is empty when no session is running.
func (m *Manager) LiveTranscription() PendingTranscript {
	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s == nil {
		return PendingTranscript{}
	}
	return s.agg.Pending()
}

// Toggle stops the running or starting session, or starts a new one.
func (m *Manager) Toggle(ctx context.Context) error {
	if m.Active() {
		m.Stop()
		return nil
	}
	return m.Start(ctx)
}

// Start runs a new session. It returns after the connection has been
// accepted; the state moves to [StateListening] when the model signals that
// the session is ready. On failure nothing acquired so far is kept, the state
// stays [StateIdle] and the error is also reported to the Observer unless the
// start was cancelled. Start returns [ErrSessionActive] while another session
// is running or starting.
func (m *Manager) Start(ctx context.Context) error {
	run, err := m.Reserve(ctx)
	if err != nil {
		return err
	}
	return run()
}

// Reserve claims the manager for a new session and returns the function that
// opens it. From the moment Reserve returns, [Manager.Active] reports true and
// [Manager.Stop] cancels the pending start. The caller must invoke run exactly
// once, typically on another goroutine; Stop waits for it. Reserve returns
// [ErrSessionActive] while another session is running or starting.
func (m *Manager) Reserve(ctx context.Context) (run func() error, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil || m.startDone != nil {
		return nil, ErrSessionActive
	}
	startCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancelStart, m.startDone = cancel, done
	last := m.last
	return func() error { return m.open(startCtx, cancel, done, last) }, nil
}

// open waits for the previous session to finish releasing, then acquires
// and connects the new one.
func (m *Manager) open(startCtx context.Context, cancel context.CancelFunc, done chan struct{}, last *session) error {
	defer func() {
		cancel()
		m.mu.Lock()
		m.cancelStart, m.startDone = nil, nil
		m.mu.Unlock()
		close(done)
	}()

	if last != nil {
		<-last.done
	}
	if err := startCtx.Err(); err != nil {
		m.metrics.RecordSessionStart(startCtx, "cancelled")
		return err
	}

	spanCtx, span := observe.StartSpan(startCtx, "voice.session.start",
		attribute.String("chat_session_id", m.cfg.ChatSessionID))
	defer span.End()

	s, err := m.acquire(spanCtx)
	if err != nil {
		m.metrics.RecordSessionStart(spanCtx, startStatus(err))
		span.RecordError(err)
		if startCtx.Err() != nil || errors.Is(err, context.Canceled) {
			m.log.Info("voice session start cancelled", "err", err)
			return err
		}
		m.log.Error("voice session start failed", "err", err)
		m.observer.OnError(err, UserMessage(err))
		return err
	}

	m.mu.Lock()
	if err := startCtx.Err(); err != nil {
		m.mu.Unlock()
		s.cancel()
		m.release(s)
		m.metrics.RecordSessionStart(spanCtx, "cancelled")
		return err
	}
	m.sess = s
	m.last = s
	m.mu.Unlock()

	go m.loop(s)
	m.metrics.ActiveSessions.Add(spanCtx, 1)
	m.metrics.RecordSessionStart(spanCtx, "ok")
	s.log.Info("voice session started")
	return nil
}

// Stop tears down the running session, or cancels one that is starting, and
// returns once every resource has been released. It is idempotent and safe
// to call when no session was ever started. Teardown errors are logged only.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancelStart != nil {
		m.cancelStart()
	}
	startDone := m.startDone
	s := m.sess
	last := m.last
	m.sess = nil
	prev := m.state
	m.state = StateIdle
	m.mu.Unlock()

	if startDone != nil {
		<-startDone
	}
	if s == nil {
		// A session that failed on its own may still be releasing.
		if last != nil {
			<-last.done
		}
		if prev != StateIdle {
			m.observer.OnStateChange(StateIdle)
		}
		return
	}

	s.cancel()
	<-s.done
	s.agg.Reset()
	m.release(s)
	m.metrics.ActiveSessions.Add(context.Background(), -1)

	if prev != StateIdle {
		m.observer.OnStateChange(StateIdle)
	}
	m.observer.OnTranscript(PendingTranscript{})
	s.log.Info("voice session stopped")
}

// ── Session ──────────────────────────────────────────────────────────────────

type eventKind int

const (
	evOpen eventKind = iota
	evMessage
	evError
	evClose
	evCaptureError
	evDrained
)

type event struct {
	kind  eventKind
	msg   live.ServerMessage
	err   error
	close live.CloseEvent
}

// session is one running conversation. Everything but post is confined to
// its event loop once installed.
type session struct {
	id     string
	log    *slog.Logger
	res    *Resources
	agg    *Aggregator
	sched  *playback.Scheduler
	format audio.Format

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}
}

// post hands ev to the event loop. It gives up once the session has ended.
func (s *session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// acquire obtains every resource of a new session in order and connects.
func (m *Manager) acquire(ctx context.Context) (*session, error) {
	id := uuid.NewString()
	sctx, scancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:     id,
		log:    observe.Logger(ctx, m.log).With("session_id", id, "chat_session_id", m.cfg.ChatSessionID),
		res:    &Resources{},
		agg:    NewAggregator(m.cfg.Chat, m.cfg.ChatSessionID),
		format: m.cfg.Output,
		ctx:    sctx,
		cancel: scancel,
		events: make(chan event, eventBuffer),
		done:   make(chan struct{}),
	}
	abort := func(err error) (*session, error) {
		scancel()
		m.release(s)
		return nil, err
	}

	p, err := profile.Resolve(ctx, m.cfg.UserID, m.cfg.DefaultProfile, m.cfg.Profiles...)
	if err != nil {
		s.log.Warn("profile lookup failed, using default profile", "err", err)
		p = m.cfg.DefaultProfile
	}

	stream, err := m.cfg.Microphone.Acquire(ctx)
	if err != nil {
		return abort(fmt.Errorf("voice: acquire microphone: %w", err))
	}
	s.res.Stream = stream

	out, err := m.cfg.Speaker.Open(ctx, m.cfg.Output)
	if err != nil {
		return abort(fmt.Errorf("voice: open output: %w", err))
	}
	s.res.Output = out
	s.sched = playback.New(out, func() { s.post(event{kind: evDrained}) })
	s.res.Scheduler = s.sched

	transport := NewTransport(m.cfg.Provider, m.metrics, s.log)
	s.res.Transport = transport

	connectStart := time.Now()
	err = transport.Open(ctx, live.SessionConfig{
		Model:        m.cfg.Model,
		Instructions: profile.Instruction(p),
		Voice:        m.cfg.Voice,
	}, live.Callbacks{
		OnOpen:    func() { s.post(event{kind: evOpen}) },
		OnMessage: func(msg live.ServerMessage) { s.post(event{kind: evMessage, msg: msg}) },
		OnError:   func(err error) { s.post(event{kind: evError, err: err}) },
		OnClose:   func(ev live.CloseEvent) { s.post(event{kind: evClose, close: ev}) },
	})
	m.metrics.ConnectDuration.Record(ctx, time.Since(connectStart).Seconds())
	if err != nil {
		return abort(err)
	}

	framer, err := capture.StartFraming(stream, m.cfg.Framing, transport.Send, func(err error) {
		s.post(event{kind: evCaptureError, err: err})
	})
	if err != nil {
		return abort(fmt.Errorf("voice: start capture: %w", err))
	}
	s.res.Framer = framer
	return s, nil
}

func (m *Manager) release(s *session) {
	err := s.res.Release()
	if err == nil {
		return
	}
	var te *TeardownError
	n := 1
	if errors.As(err, &te) {
		n = len(te.Errs)
	}
	m.metrics.TeardownErrors.Add(context.Background(), int64(n))
	s.log.Warn("voice session teardown incomplete", "err", err)
}

// loop is the single goroutine that applies server and device events to the
// session. It exits when the session context is cancelled.
func (m *Manager) loop(s *session) {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			if s.ctx.Err() != nil {
				return
			}
			m.dispatch(s, ev)
		}
	}
}

func (m *Manager) dispatch(s *session, ev event) {
	switch ev.kind {
	case evOpen:
		m.transition(s, StateListening, StateIdle)
	case evMessage:
		m.handleMessage(s, ev.msg)
	case evDrained:
		m.transition(s, StateListening, StateSpeaking)
	case evError:
		m.end(s, &ConnectionError{Op: "receive", Err: ev.err})
	case evClose:
		if ev.close.Code == live.CloseNormal {
			s.log.Info("model closed the voice session", "close", ev.close.String())
			m.end(s, nil)
			return
		}
		cl := ev.close
		m.end(s, &ConnectionError{Op: "close", Close: &cl})
	case evCaptureError:
		m.end(s, fmt.Errorf("voice: capture: %w", ev.err))
	}
}

func (m *Manager) handleMessage(s *session, msg live.ServerMessage) {
	changed := false
	if msg.InputTranscript != "" {
		s.agg.OnDelta(chat.RoleUser, msg.InputTranscript)
		m.transition(s, StateProcessing)
		changed = true
	}
	if msg.OutputTranscript != "" {
		s.agg.OnDelta(chat.RoleModel, msg.OutputTranscript)
		m.transition(s, StateSpeaking)
		changed = true
	}
	if len(msg.Audio) > 0 && m.play(s, msg.Audio) {
		m.transition(s, StateSpeaking)
	}
	if msg.Interrupted {
		s.log.Debug("model turn interrupted by user speech")
	}
	if changed {
		m.observer.OnTranscript(s.agg.Pending())
	}
	if msg.TurnComplete {
		m.completeTurn(s)
	}
}

// play decodes and schedules every chunk. Malformed chunks are dropped. It
// reports whether anything was scheduled.
func (m *Manager) play(s *session, chunks []live.Media) bool {
	scheduled := false
	for _, c := range chunks {
		rate, ok := audio.ParsePCMRate(c.MIMEType)
		if !ok {
			rate = s.format.SampleRate
		}
		buf, err := audio.DecodePCM16(c.Data, rate, s.format.Channels)
		if err != nil {
			m.metrics.DecodeErrors.Add(s.ctx, 1)
			s.log.Warn("dropping malformed audio segment", "mime", c.MIMEType, "bytes", len(c.Data), "err", err)
			continue
		}
		if buf.Len() == 0 {
			continue
		}
		if _, err := s.sched.Schedule(buf); err != nil {
			s.log.Warn("could not schedule audio segment", "err", err)
			continue
		}
		scheduled = true
	}
	return scheduled
}

func (m *Manager) completeTurn(s *session) {
	msgs, err := s.agg.OnTurnComplete(s.ctx)
	if err != nil {
		s.log.Error("failed to persist turn", "err", err)
	}
	for _, msg := range msgs {
		m.metrics.RecordTurn(s.ctx, string(msg.Role))
		m.observer.OnMessage(msg)
	}
	m.observer.OnTranscript(PendingTranscript{})
	m.transition(s, StateListening)
}

// transition moves s to next if s is still the running session and, when
// from is non-empty, its current state is one of from.
func (m *Manager) transition(s *session, next State, from ...State) {
	m.mu.Lock()
	if m.sess != s || m.state == next {
		m.mu.Unlock()
		return
	}
	if len(from) > 0 {
		allowed := false
		for _, st := range from {
			if m.state == st {
				allowed = true
				break
			}
		}
		if !allowed {
			m.mu.Unlock()
			return
		}
	}
	m.state = next
	m.mu.Unlock()
	s.log.Debug("voice state changed", "state", next.String())
	m.observer.OnStateChange(next)
}

// end is the error path for a running session. It runs on the event loop.
func (m *Manager) end(s *session, err error) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	prev := m.state
	m.state = StateIdle
	m.mu.Unlock()

	s.cancel()
	s.agg.Reset()
	m.release(s)
	m.metrics.ActiveSessions.Add(context.Background(), -1)

	if prev != StateIdle {
		m.observer.OnStateChange(StateIdle)
	}
	m.observer.OnTranscript(PendingTranscript{})
	if err == nil {
		return
	}
	s.log.Error("voice session failed", "err", err)
	m.observer.OnError(err, UserMessage(err))
}

func startStatus(err error) string {
	var ce *ConnectionError
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &ce):
		return "connection_error"
	default:
		return "error"
	}
}
