// Package playback schedules decoded audio segments for gapless, strictly
// ordered output.
//
// A [Scheduler] sits in front of an [Output] device. Every segment handed to
// [Scheduler.Schedule] starts exactly where the previous one ends, or at the
// device's current clock if the queue has already run dry. Arrival jitter on
// the network therefore never introduces overlap, and only introduces silence
// when the queue genuinely underruns.
package playback

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Output is an audio device with its own monotonic clock.
type Output interface {
	// Now returns the device clock. It starts at zero when the output is
	// opened and never goes backwards.
	Now() time.Duration

	// Schedule starts playing buf at device time at. onEnded is called once
	// when playback finishes or the source is stopped.
	Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (Source, error)

	// Close releases the device.
	Close() error
}

// Device opens outputs. A voice session opens one Output when it starts and
// closes it on teardown.
type Device interface {
	Open(ctx context.Context, format audio.Format) (Output, error)
}

// Source is one scheduled buffer on an [Output].
type Source interface {
	// Stop ends playback immediately. Calling Stop on a finished source is a
	// no-op.
	Stop()
}

// Entry describes one tracked segment in the scheduler's queue.
type Entry struct {
	Start    time.Duration
	Duration time.Duration
}

// End returns the time the segment finishes playing.
func (e Entry) End() time.Duration { return e.Start + e.Duration }

type scheduled struct {
	entry  Entry
	source Source
}

// Scheduler tracks the set of scheduled-but-unfinished segments and computes
// their start times. It is safe for concurrent use.
type Scheduler struct {
	out       Output
	onDrained func()

	mu     sync.Mutex
	next   time.Duration
	active map[uint64]scheduled
	seq    uint64
	gen    uint64 // bumped by Flush so stale end callbacks are ignored
	closed bool
}

// New returns a Scheduler writing to out. onDrained, if non-nil, is called
// whenever the last scheduled segment finishes and the queue becomes empty.
// It is never called for segments removed by [Scheduler.Flush].
func New(out Output, onDrained func()) *Scheduler {
	return &Scheduler{
		out:       out,
		onDrained: onDrained,
		active:    make(map[uint64]scheduled),
	}
}

// Schedule queues buf to start at max(next available time, device clock)
// and advances the next available time by the buffer's duration. It returns
// the computed start time.
func (s *Scheduler) Schedule(buf *audio.Buffer) (time.Duration, error) {
	if buf == nil || buf.Len() == 0 {
		return 0, fmt.Errorf("playback: empty buffer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	start := max(s.next, s.out.Now())
	entry := Entry{Start: start, Duration: buf.Duration()}
	id := s.seq
	s.seq++
	gen := s.gen

	// onEnded may fire on any goroutine, even synchronously inside
	// out.Schedule; bookkeeping waits until the entry is tracked.
	ended := make(chan struct{})
	src, err := s.out.Schedule(buf, start, func() {
		go func() {
			<-ended
			s.finish(id, gen)
		}()
	})
	if err != nil {
		close(ended)
		return 0, fmt.Errorf("playback: schedule at %v: %w", start, err)
	}

	s.active[id] = scheduled{entry: entry, source: src}
	s.next = entry.End()
	close(ended)
	return start, nil
}

func (s *Scheduler) finish(id, gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if _, ok := s.active[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	drained := len(s.active) == 0 && !s.closed
	s.mu.Unlock()

	if drained && s.onDrained != nil {
		s.onDrained()
	}
}

// Flush stops every scheduled or playing segment immediately and resets the
// next available time to zero. Turn boundaries must not call Flush; it is
// meant for teardown.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	sources := make([]Source, 0, len(s.active))
	for _, sc := range s.active {
		sources = append(sources, sc.source)
	}
	clear(s.active)
	s.next = 0
	s.gen++
	s.mu.Unlock()

	for _, src := range sources {
		src.Stop()
	}
}

// Close flushes the queue and rejects further segments. It does not close
// the underlying Output; the owner of the output does that. Safe to call
// more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Flush()
}

// Pending returns the tracked entries ordered by start time.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.active))
	for _, sc := range s.active {
		out = append(out, sc.entry)
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.Start, b.Start) })
	return out
}

// Len returns the number of tracked segments.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the time the next scheduled segment would start if the
// device clock had not passed it.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
