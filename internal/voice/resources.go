package voice

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	"github.com/MrWong99/voicecoach/pkg/audio/playback"
)

// framerExitTimeout bounds how long Release waits for the capture goroutine
// after the microphone stream is closed.
const framerExitTimeout = 2 * time.Second

// Resources is every live handle a session owns. Fields are filled in as
// Start acquires them; Release frees whatever is set.
type Resources struct {
	mu sync.Mutex

	Stream    capture.Stream
	Framer    *capture.Framer
	Transport *Transport
	Scheduler *playback.Scheduler
	Output    playback.Output
}

// Held reports whether any handle is still owned.
func (r *Resources) Held() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Stream != nil || r.Framer != nil || r.Transport != nil || r.Scheduler != nil || r.Output != nil
}

// Release frees every held handle. Each step runs even when an earlier one
// fails; failures are returned together as a [*TeardownError]. Release is
// idempotent.
func (r *Resources) Release() error {
	r.mu.Lock()
	stream, framer, transport, sched, out := r.Stream, r.Framer, r.Transport, r.Scheduler, r.Output
	r.Stream, r.Framer, r.Transport, r.Scheduler, r.Output = nil, nil, nil, nil, nil
	r.mu.Unlock()

	var errs []error
	step := func(name string, fn func() error) {
		defer func() {
			if p := recover(); p != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", name, p))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if framer != nil {
		step("stop capture", func() error { framer.Stop(); return nil })
	}
	if stream != nil {
		step("close microphone", stream.Close)
	}
	if framer != nil {
		step("wait capture", func() error {
			select {
			case <-framer.Done():
				return nil
			case <-time.After(framerExitTimeout):
				return errors.New("capture goroutine did not exit")
			}
		})
	}
	if transport != nil {
		step("close transport", transport.Close)
	}
	if sched != nil {
		step("flush playback", func() error { sched.Close(); return nil })
	}
	if out != nil {
		step("close output", out.Close)
	}

	if len(errs) == 0 {
		return nil
	}
	return &TeardownError{Errs: errs}
}
