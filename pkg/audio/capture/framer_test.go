package capture_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	"github.com/MrWong99/voicecoach/pkg/audio/mock"
)

type frameSink struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (s *frameSink) send(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *frameSink) snapshot() []audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func waitFrames(t *testing.T, s *frameSink, n int) []audio.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := s.snapshot(); len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d frames within 2s, want %d", len(s.snapshot()), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartFraming_FixedSizeFramesInOrder(t *testing.T) {
	t.Parallel()

	stream := mock.NewStream(16000)
	sink := &frameSink{}
	f, err := capture.StartFraming(stream, capture.FramingConfig{FrameSize: 256}, sink.send, nil)
	if err != nil {
		t.Fatalf("StartFraming: %v", err)
	}
	t.Cleanup(f.Stop)

	// 3.5 frames of a ramp; only three full frames may be emitted.
	samples := make([]float32, 256*3+128)
	for i := range samples {
		samples[i] = float32(i%256) / 256
	}
	stream.Push(samples...)

	frames := waitFrames(t, sink, 3)
	time.Sleep(20 * time.Millisecond)
	if got := len(sink.snapshot()); got != 3 {
		t.Fatalf("emitted %d frames, want 3 (partial frame must be held back)", got)
	}
	for i, fr := range frames {
		if fr.Seq != uint64(i) {
			t.Errorf("frame %d seq = %d", i, fr.Seq)
		}
		if fr.SampleRate != 16000 {
			t.Errorf("frame %d rate = %d, want 16000", i, fr.SampleRate)
		}
		if len(fr.Samples) != 256 {
			t.Fatalf("frame %d has %d samples, want 256", i, len(fr.Samples))
		}
		if fr.Samples[128] != audio.FloatToPCM16(0.5) {
			t.Errorf("frame %d sample 128 = %d, want %d", i, fr.Samples[128], audio.FloatToPCM16(0.5))
		}
	}
}

func TestStartFraming_Defaults(t *testing.T) {
	t.Parallel()

	stream := mock.NewStream(capture.DefaultSampleRate)
	sink := &frameSink{}
	f, err := capture.StartFraming(stream, capture.FramingConfig{}, sink.send, nil)
	if err != nil {
		t.Fatalf("StartFraming: %v", err)
	}
	t.Cleanup(f.Stop)

	stream.Push(make([]float32, capture.DefaultFrameSize)...)
	frames := waitFrames(t, sink, 1)
	if len(frames[0].Samples) != capture.DefaultFrameSize {
		t.Errorf("frame size = %d, want %d", len(frames[0].Samples), capture.DefaultFrameSize)
	}
	if frames[0].Duration() != 256*time.Millisecond {
		t.Errorf("frame duration = %v, want 256ms", frames[0].Duration())
	}
}

func TestStartFraming_ResamplesDeviceRate(t *testing.T) {
	t.Parallel()

	// A 48 kHz device must yield 16 kHz frames: one second of input is
	// roughly 16000 output samples.
	stream := mock.NewStream(48000)
	sink := &frameSink{}
	f, err := capture.StartFraming(stream, capture.FramingConfig{FrameSize: 1000, SampleRate: 16000}, sink.send, nil)
	if err != nil {
		t.Fatalf("StartFraming: %v", err)
	}
	t.Cleanup(f.Stop)

	stream.Push(make([]float32, 48000*2)...)
	frames := waitFrames(t, sink, 20)
	for _, fr := range frames {
		if fr.SampleRate != 16000 || len(fr.Samples) != 1000 {
			t.Fatalf("frame = %d samples at %d Hz, want 1000 at 16000", len(fr.Samples), fr.SampleRate)
		}
	}
}

func TestFramer_StopIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()

	stream := mock.NewStream(16000)
	sink := &frameSink{}
	f, err := capture.StartFraming(stream, capture.FramingConfig{FrameSize: 64}, sink.send, nil)
	if err != nil {
		t.Fatalf("StartFraming: %v", err)
	}

	stream.Push(make([]float32, 64)...)
	waitFrames(t, sink, 1)

	f.Stop()
	f.Stop()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("framing goroutine did not exit after Stop")
	}

	stream.Push(make([]float32, 640)...)
	time.Sleep(20 * time.Millisecond)
	if got := len(sink.snapshot()); got != 1 {
		t.Errorf("frames after Stop: got %d total, want 1", got)
	}
	if stream.Closed() {
		t.Error("Stop must not close the stream")
	}
}

func TestFramer_StreamClosedIsNormalEnd(t *testing.T) {
	t.Parallel()

	stream := mock.NewStream(16000)
	errCh := make(chan error, 1)
	f, err := capture.StartFraming(stream, capture.FramingConfig{}, func(audio.Frame) {}, func(err error) { errCh <- err })
	if err != nil {
		t.Fatalf("StartFraming: %v", err)
	}
	t.Cleanup(f.Stop)

	_ = stream.Close()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("framing goroutine did not exit after stream close")
	}
	select {
	case err := <-errCh:
		t.Fatalf("onErr called for a closed stream: %v", err)
	default:
	}
}

func TestFramer_ReadErrorReported(t *testing.T) {
	t.Parallel()

	boom := errors.New("device unplugged")
	stream := mock.NewStream(16000)
	errCh := make(chan error, 1)
	f, err := capture.StartFraming(stream, capture.FramingConfig{}, func(audio.Frame) {}, func(err error) { errCh <- err })
	if err != nil {
		t.Fatalf("StartFraming: %v", err)
	}
	t.Cleanup(f.Stop)

	stream.Fail(boom)
	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Errorf("onErr got %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onErr not called")
	}
}

func TestStartFraming_InvalidArgs(t *testing.T) {
	t.Parallel()

	if _, err := capture.StartFraming(nil, capture.FramingConfig{}, func(audio.Frame) {}, nil); err == nil {
		t.Error("expected error for nil stream")
	}
	if _, err := capture.StartFraming(mock.NewStream(16000), capture.FramingConfig{}, nil, nil); err == nil {
		t.Error("expected error for nil send")
	}
}
