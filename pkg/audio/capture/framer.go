package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

const (
	// DefaultFrameSize is the number of samples per emitted frame.
	DefaultFrameSize = 4096

	// DefaultSampleRate is the capture rate the model expects for input audio.
	DefaultSampleRate = 16000

	// readChunk is the number of device samples requested per Read.
	readChunk = 1024
)

// FramingConfig controls the frames produced by a [Framer].
type FramingConfig struct {
	// FrameSize is the fixed number of samples per frame. Defaults to
	// DefaultFrameSize.
	FrameSize int

	// SampleRate is the rate of the emitted frames in Hz. Device audio at a
	// different rate is resampled. Defaults to DefaultSampleRate.
	SampleRate int
}

func (c FramingConfig) withDefaults() FramingConfig {
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	return c
}

// Framer reads a [Stream] and emits constant-size [audio.Frame] values.
// Create one with [StartFraming]; stop it with [Framer.Stop].
type Framer struct {
	stream Stream
	cfg    FramingConfig
	send   func(audio.Frame)
	onErr  func(error)
	rs     resampling.Resampler

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex // serialises send against Stop
	stopped bool
	pending []float32
	seq     uint64
}

// StartFraming starts a goroutine that converts stream samples into frames
// and calls send once per frame, in capture order. send must not block; it
// is called with an internal lock held so that no frame is delivered after
// [Framer.Stop] returns.
//
// onErr is called at most once if the stream fails for any reason other than
// being closed or stopped. It may be nil.
func StartFraming(stream Stream, cfg FramingConfig, send func(audio.Frame), onErr func(error)) (*Framer, error) {
	if stream == nil {
		return nil, errors.New("capture: nil stream")
	}
	if send == nil {
		return nil, errors.New("capture: nil send function")
	}
	cfg = cfg.withDefaults()

	f := &Framer{
		stream:  stream,
		cfg:     cfg,
		send:    send,
		onErr:   onErr,
		done:    make(chan struct{}),
		pending: make([]float32, 0, cfg.FrameSize*2),
	}

	if rate := stream.SampleRate(); rate != cfg.SampleRate {
		rs, err := resampling.New(&resampling.Config{
			InputRate:  float64(rate),
			OutputRate: float64(cfg.SampleRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("capture: create resampler %d->%d: %w", rate, cfg.SampleRate, err)
		}
		f.rs = rs
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.run(ctx)
	return f, nil
}

// Done is closed when the framing goroutine has exited.
func (f *Framer) Done() <-chan struct{} { return f.done }

// Stop disconnects the framer from the stream. After Stop returns no further
// frame is delivered. It does not close the stream. Safe to call repeatedly.
func (f *Framer) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.pending = nil
	f.mu.Unlock()
	f.cancel()
}

func (f *Framer) run(ctx context.Context) {
	defer close(f.done)

	buf := make([]float32, readChunk)
	for {
		n, err := f.stream.Read(ctx, buf)
		if n > 0 {
			if perr := f.push(buf[:n]); perr != nil {
				f.fail(perr)
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrStreamClosed) {
				f.fail(fmt.Errorf("capture: read: %w", err))
			}
			return
		}
	}
}

func (f *Framer) fail(err error) {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if stopped {
		return
	}
	slog.Warn("capture framing stopped", "err", err)
	if f.onErr != nil {
		f.onErr(err)
	}
}

// push appends device samples, resampling if needed, and emits every full
// frame.
func (f *Framer) push(samples []float32) error {
	if f.rs != nil {
		in := make([]float64, len(samples))
		for i, s := range samples {
			in[i] = float64(s)
		}
		out, err := f.rs.Process(in)
		if err != nil {
			return fmt.Errorf("capture: resample: %w", err)
		}
		samples = make([]float32, len(out))
		for i, s := range out {
			samples[i] = float32(s)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil
	}
	f.pending = append(f.pending, samples...)
	off := 0
	for len(f.pending)-off >= f.cfg.FrameSize {
		frame := audio.Frame{
			Samples:    audio.EncodeFloats(f.pending[off : off+f.cfg.FrameSize]),
			SampleRate: f.cfg.SampleRate,
			Seq:        f.seq,
		}
		f.seq++
		off += f.cfg.FrameSize
		f.send(frame)
	}
	// Move the partial frame to the front, reusing the backing array.
	if off > 0 {
		f.pending = f.pending[:copy(f.pending, f.pending[off:])]
	}
	return nil
}
