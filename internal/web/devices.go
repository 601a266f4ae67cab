package web

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	"github.com/MrWong99/voicecoach/pkg/audio/playback"
)

// maxBufferedSamples bounds the microphone samples held for a stream that is
// not being read: ten seconds at a 48 kHz device rate.
const maxBufferedSamples = 480000

// sender delivers frames to the browser. Implementations must not block for
// long and must be safe for concurrent use.
type sender interface {
	sendJSON(ServerMessage)
	sendBinary([]byte)
}

// ── Microphone ───────────────────────────────────────────────────────────────

// browserMic is a [capture.Microphone] whose device lives in the browser.
// Acquire asks the page for access and waits for its answer.
type browserMic struct {
	out sender

	mu      sync.Mutex
	pending chan ClientMessage
	stream  *browserStream
}

var _ capture.Microphone = (*browserMic)(nil)

func newBrowserMic(out sender) *browserMic { return &browserMic{out: out} }

func (m *browserMic) Acquire(ctx context.Context) (capture.Stream, error) {
	reply := make(chan ClientMessage, 1)
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return nil, errors.New("web: microphone request already pending")
	}
	m.pending = reply
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.pending == reply {
			m.pending = nil
		}
		m.mu.Unlock()
	}()

	m.out.sendJSON(ServerMessage{Type: TypeMicRequest})

	var r ClientMessage
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("web: waiting for microphone: %w", ctx.Err())
	case r = <-reply:
	}

	switch r.Result {
	case MicDenied:
		return nil, capture.ErrPermissionDenied
	case MicUnavailable:
		return nil, capture.ErrDeviceUnavailable
	}
	s := &browserStream{
		mic:    m,
		rate:   r.SampleRate,
		avail:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	m.mu.Lock()
	m.stream = s
	m.mu.Unlock()
	return s, nil
}

// answer routes a mic reply to the waiting Acquire. It reports false when no
// request is outstanding.
func (m *browserMic) answer(msg ClientMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return false
	}
	select {
	case m.pending <- msg:
	default:
		return false
	}
	m.pending = nil
	return true
}

// push feeds samples to the current stream. Samples arriving while no
// stream is open are dropped.
func (m *browserMic) push(samples []float32) {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s != nil {
		s.push(samples)
	}
}

func (m *browserMic) released(s *browserStream) {
	m.mu.Lock()
	current := m.stream == s
	if current {
		m.stream = nil
	}
	m.mu.Unlock()
	if current {
		m.out.sendJSON(ServerMessage{Type: TypeMicRelease})
	}
}

// browserStream buffers samples received from the page until the framer
// reads them.
type browserStream struct {
	mic  *browserMic
	rate int

	mu     sync.Mutex
	buf    []float32
	avail  chan struct{}
	closed chan struct{}
	once   sync.Once
}

var _ capture.Stream = (*browserStream)(nil)

func (s *browserStream) SampleRate() int { return s.rate }

func (s *browserStream) push(samples []float32) {
	s.mu.Lock()
	s.buf = append(s.buf, samples...)
	if over := len(s.buf) - maxBufferedSamples; over > 0 {
		s.buf = s.buf[over:]
	}
	s.mu.Unlock()
	select {
	case s.avail <- struct{}{}:
	default:
	}
}

func (s *browserStream) Read(ctx context.Context, p []float32) (int, error) {
	for {
		select {
		case <-s.closed:
			return 0, capture.ErrStreamClosed
		default:
		}
		s.mu.Lock()
		if len(s.buf) > 0 {
			n := copy(p, s.buf)
			s.buf = s.buf[n:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.closed:
			return 0, capture.ErrStreamClosed
		case <-s.avail:
		}
	}
}

func (s *browserStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.mic.released(s)
	})
	return nil
}

// ── Speaker ──────────────────────────────────────────────────────────────────

// browserSpeaker is a [playback.Device] that streams scheduled buffers to the
// page. The page anchors the output clock when it receives output_open and
// plays every segment at its start offset from that anchor.
type browserSpeaker struct {
	out sender
}

var _ playback.Device = (*browserSpeaker)(nil)

func (d *browserSpeaker) Open(ctx context.Context, format audio.Format) (playback.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.out.sendJSON(ServerMessage{Type: TypeOutputOpen})
	return &browserOutput{
		out:     d.out,
		opened:  time.Now(),
		sources: make(map[uint64]*browserSource),
	}, nil
}

// browserOutput approximates the page's audio clock with the server's
// monotonic clock since open. Segment ends are reported by timers.
type browserOutput struct {
	out    sender
	opened time.Time

	mu      sync.Mutex
	nextID  uint64
	sources map[uint64]*browserSource
	closed  bool
}

var _ playback.Output = (*browserOutput)(nil)

func (o *browserOutput) Now() time.Duration { return time.Since(o.opened) }

func (o *browserOutput) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (playback.Source, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, errors.New("web: output closed")
	}
	o.nextID++
	src := &browserSource{out: o, id: o.nextID, onEnded: onEnded}
	o.sources[src.id] = src
	o.mu.Unlock()

	o.out.sendBinary(EncodeSegment(src.id, at, buf))
	src.mu.Lock()
	src.timer = time.AfterFunc(max(at+buf.Duration()-o.Now(), 0), src.end)
	src.mu.Unlock()
	return src, nil
}

func (o *browserOutput) forget(id uint64) {
	o.mu.Lock()
	delete(o.sources, id)
	o.mu.Unlock()
}

func (o *browserOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	sources := make([]*browserSource, 0, len(o.sources))
	for _, s := range o.sources {
		sources = append(sources, s)
	}
	clear(o.sources)
	o.mu.Unlock()
	for _, s := range sources {
		s.Stop()
	}
	return nil
}

type browserSource struct {
	out     *browserOutput
	id      uint64
	onEnded func()

	mu    sync.Mutex
	timer *time.Timer
	once  sync.Once
}

func (s *browserSource) end() {
	s.once.Do(func() {
		s.out.forget(s.id)
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}

// Stop ends the segment now and tells the page to drop it.
func (s *browserSource) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
		s.out.forget(s.id)
		s.out.out.sendJSON(ServerMessage{Type: TypeStopSegment, Segment: s.id})
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}
