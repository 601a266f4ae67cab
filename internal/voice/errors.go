package voice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voicecoach/pkg/audio/capture"
	"github.com/MrWong99/voicecoach/pkg/provider/live"
)

// ErrSessionActive is returned by [Manager.Start] while another session is
// running or starting.
var ErrSessionActive = errors.New("voice: a session is already active")

// ConnectionError reports a failure of the model connection: a failed
// connect, a transport error, or an unexpected remote close.
type ConnectionError struct {
	// Op is "connect", "receive" or "close".
	Op string

	// Close is set when the remote side closed the connection.
	Close *live.CloseEvent

	Err error
}

func (e *ConnectionError) Error() string {
	switch {
	case e.Close != nil:
		return fmt.Sprintf("voice: connection closed by server: %s", e.Close)
	case e.Err != nil:
		return fmt.Sprintf("voice: %s: %v", e.Op, e.Err)
	default:
		return "voice: " + e.Op + " failed"
	}
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TeardownError collects the failures of individual release steps. It is
// logged and never returned to callers of Stop.
type TeardownError struct {
	Errs []error
}

func (e *TeardownError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return "voice: teardown: " + strings.Join(msgs, "; ")
}

func (e *TeardownError) Unwrap() []error { return e.Errs }

// UserMessage turns a session error into the short text shown next to the
// microphone button.
func UserMessage(err error) string {
	var ce *ConnectionError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capture.ErrPermissionDenied):
		return "Microphone access was denied. Allow microphone access and try again."
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return "No microphone was found."
	case errors.As(err, &ce) && ce.Op == "connect":
		return "Could not connect to the voice service. Please try again."
	case errors.As(err, &ce):
		return "The voice connection was lost. You can continue in text or start voice again."
	default:
		return "Voice chat stopped because of an unexpected error."
	}
}
