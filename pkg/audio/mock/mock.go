// Package mock provides in-memory implementations of [capture.Microphone],
// [capture.Stream], [playback.Device] and [playback.Output] for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16000)
//	mic := &mock.Microphone{AcquireResult: stream}
//	out := mock.NewOutput()
//	...
//	stream.Push(samples...)   // feed the capture pipeline
//	out.Advance(time.Second)  // end every source that finished by then
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	"github.com/MrWong99/voicecoach/pkg/audio/playback"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [capture.Microphone].
type Microphone struct {
	mu sync.Mutex

	// AcquireResult is the stream returned by Acquire. When nil and
	// SampleRate is positive, every Acquire returns a fresh stream at that
	// rate instead.
	AcquireResult *Stream

	// SampleRate is the rate of streams created when AcquireResult is nil.
	SampleRate int

	// AcquireError is returned by Acquire when non-nil.
	AcquireError error

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// Acquired records every stream handed out, in order.
	Acquired []*Stream
}

// Last returns the most recently acquired stream, or nil.
func (m *Microphone) Last() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Acquired) == 0 {
		return nil
	}
	return m.Acquired[len(m.Acquired)-1]
}

// Acquire implements [capture.Microphone].
func (m *Microphone) Acquire(ctx context.Context) (capture.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountAcquire++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.AcquireError != nil {
		return nil, m.AcquireError
	}
	stream := m.AcquireResult
	if stream == nil {
		if m.SampleRate <= 0 {
			return nil, capture.ErrDeviceUnavailable
		}
		stream = NewStream(m.SampleRate)
	}
	m.Acquired = append(m.Acquired, stream)
	return stream, nil
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [capture.Stream]. Samples pushed with
// [Stream.Push] are returned by Read in order.
type Stream struct {
	rate int

	mu      sync.Mutex
	buf     []float32
	readErr error
	avail   chan struct{} // signalled when buf or readErr changes
	closed  chan struct{}
	once    sync.Once

	// CloseError is returned by Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns an open stream reporting the given sample rate.
func NewStream(sampleRate int) *Stream {
	return &Stream{
		rate:   sampleRate,
		avail:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// SampleRate implements [capture.Stream].
func (s *Stream) SampleRate() int { return s.rate }

// Push appends samples to the stream.
func (s *Stream) Push(samples ...float32) {
	s.mu.Lock()
	s.buf = append(s.buf, samples...)
	s.mu.Unlock()
	s.signal()
}

// Fail makes the next Read return err once buffered samples are consumed.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) signal() {
	select {
	case s.avail <- struct{}{}:
	default:
	}
}

// Read implements [capture.Stream].
func (s *Stream) Read(ctx context.Context, p []float32) (int, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			n := copy(p, s.buf)
			s.buf = s.buf[n:]
			more := len(s.buf) > 0
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return n, nil
		}
		if s.readErr != nil {
			err := s.readErr
			s.mu.Unlock()
			return 0, err
		}
		s.mu.Unlock()

		select {
		case <-s.avail:
		case <-s.closed:
			return 0, capture.ErrStreamClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	err := s.CloseError
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return err
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records one [Output.Schedule] invocation.
type ScheduleCall struct {
	Buffer *audio.Buffer
	At     time.Duration
}

// Output is a mock implementation of [playback.Output] driven by a manual
// clock. Sources end when [Output.Advance] moves the clock past their end
// time, or when they are stopped.
type Output struct {
	mu      sync.Mutex
	now     time.Duration
	sources []*Source // not yet ended by the clock
	all     []*Source

	// ScheduleError is returned by Schedule when non-nil.
	ScheduleError error

	// CloseError is returned by Close.
	CloseError error

	// ScheduleCalls records all Schedule invocations in call order.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutput returns an Output whose clock starts at zero.
func NewOutput() *Output { return &Output{} }

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [playback.Output].
func (o *Output) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (playback.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{Buffer: buf, At: at})
	if o.ScheduleError != nil {
		return nil, o.ScheduleError
	}
	src := &Source{end: at + buf.Duration(), onEnded: onEnded}
	o.sources = append(o.sources, src)
	o.all = append(o.all, src)
	return src, nil
}

// Advance moves the clock forward by d and ends every source whose end time
// has been reached.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	now := o.now
	var done []*Source
	keep := o.sources[:0]
	for _, src := range o.sources {
		if src.end <= now {
			done = append(done, src)
		} else {
			keep = append(keep, src)
		}
	}
	o.sources = keep
	o.mu.Unlock()

	for _, src := range done {
		src.finish()
	}
}

// Close implements [playback.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseError
}

// CloseCount returns how many times Close was called.
func (o *Output) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}

// Calls returns a copy of the recorded Schedule calls.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.ScheduleCalls))
	copy(out, o.ScheduleCalls)
	return out
}

// Sources returns every source created by Schedule, in call order.
func (o *Output) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Source, len(o.all))
	copy(out, o.all)
	return out
}

// Source is the [playback.Source] returned by [Output.Schedule].
type Source struct {
	end     time.Duration
	onEnded func()
	once    sync.Once
	stopped bool
	mu      sync.Mutex
}

// Stop implements [playback.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.finish()
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Source) finish() {
	s.once.Do(func() {
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [playback.Device]. Each Open returns a
// fresh [Output] unless OpenError is set.
type Speaker struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// Formats records the format of every Open call.
	Formats []audio.Format

	// Opened records every Output handed out, in order.
	Opened []*Output
}

// Open implements [playback.Device].
func (s *Speaker) Open(ctx context.Context, format audio.Format) (playback.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Formats = append(s.Formats, format)
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	out := NewOutput()
	s.Opened = append(s.Opened, out)
	return out, nil
}

// Last returns the most recently opened Output, or nil.
func (s *Speaker) Last() *Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Opened) == 0 {
		return nil
	}
	return s.Opened[len(s.Opened)-1]
}

var (
	_ playback.Device    = (*Speaker)(nil)
	_ capture.Microphone = (*Microphone)(nil)
	_ capture.Stream     = (*Stream)(nil)
	_ playback.Output    = (*Output)(nil)
	_ playback.Source    = (*Source)(nil)
)
