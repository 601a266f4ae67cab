package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/provider/live"
)

// errTransportClosed is returned by Open when Close won the race against the
// connect.
var errTransportClosed = errors.New("voice: transport closed")

// Transport owns the single model connection of a session. Outgoing frames
// go through an unbounded FIFO drained by one writer goroutine, so [Send]
// never blocks and frames sent before the connection opens are delivered in
// capture order once it does.
type Transport struct {
	provider live.Provider
	metrics  *observe.Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	phase   Phase
	conn    live.Conn
	queue   []audio.Frame
	started bool
}

// NewTransport returns an idle Transport that connects through provider.
// log receives per-frame diagnostics; nil means [slog.Default].
func NewTransport(provider live.Provider, metrics *observe.Metrics, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		provider: provider,
		metrics:  metrics,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Phase returns the current connection phase.
func (t *Transport) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Open connects and registers cb. It returns once the provider has accepted
// the connection; cb.OnOpen fires later when the session is ready, at which
// point queued frames are flushed. A failed connect returns a
// [*ConnectionError] and leaves the transport closed.
func (t *Transport) Open(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) error {
	t.mu.Lock()
	if t.phase != PhaseIdle {
		p := t.phase
		t.mu.Unlock()
		return fmt.Errorf("voice: transport open in phase %s", p)
	}
	t.phase = PhaseConnecting
	t.started = true
	t.mu.Unlock()

	go t.writeLoop()

	wrapped := cb
	wrapped.OnOpen = func() {
		t.markActive()
		if cb.OnOpen != nil {
			cb.OnOpen()
		}
	}

	conn, err := t.provider.Connect(ctx, cfg, wrapped)
	if err != nil {
		_ = t.Close()
		return &ConnectionError{Op: "connect", Err: err}
	}

	t.mu.Lock()
	if t.phase == PhaseClosed {
		t.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{Op: "connect", Err: errTransportClosed}
	}
	t.conn = conn
	t.mu.Unlock()
	t.signal()
	return nil
}

func (t *Transport) markActive() {
	t.mu.Lock()
	if t.phase == PhaseConnecting {
		t.phase = PhaseActive
	}
	t.mu.Unlock()
	t.signal()
}

func (t *Transport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Send queues f for delivery and returns immediately. After Close it is a
// silent no-op.
func (t *Transport) Send(f audio.Frame) {
	t.mu.Lock()
	if t.phase == PhaseClosed || t.phase == PhaseIdle {
		t.mu.Unlock()
		t.metrics.FramesDropped.Add(context.Background(), 1)
		return
	}
	t.queue = append(t.queue, f)
	t.mu.Unlock()
	t.signal()
}

// Queued returns the number of frames waiting to be written.
func (t *Transport) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Transport) writeLoop() {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		}
		for {
			f, conn, ok := t.next()
			if !ok {
				break
			}
			err := conn.SendRealtimeInput(t.ctx, live.Media{
				MIMEType: audio.PCMMIMEType(f.SampleRate),
				Data:     f.Bytes(),
			})
			if err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.metrics.FramesDropped.Add(t.ctx, 1)
				t.log.Debug("voice: frame send failed", "seq", f.Seq, "err", err)
				continue
			}
			t.metrics.FramesSent.Add(t.ctx, 1)
		}
	}
}

// next pops the oldest frame once the connection is open.
func (t *Transport) next() (audio.Frame, live.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase != PhaseActive || t.conn == nil || len(t.queue) == 0 {
		return audio.Frame{}, nil, false
	}
	f := t.queue[0]
	t.queue[0] = audio.Frame{}
	t.queue = t.queue[1:]
	return f, t.conn, true
}

// Close stops the writer, discards unsent frames and closes the connection.
// It is idempotent; only the first call can return an error.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.phase == PhaseClosed {
		t.mu.Unlock()
		return nil
	}
	t.phase = PhaseClosed
	conn := t.conn
	t.conn = nil
	dropped := len(t.queue)
	t.queue = nil
	started := t.started
	t.mu.Unlock()

	t.cancel()
	if started {
		<-t.done
	}
	if dropped > 0 {
		t.metrics.FramesDropped.Add(context.Background(), int64(dropped))
	}
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("voice: close connection: %w", err)
	}
	return nil
}
