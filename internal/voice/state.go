package voice

// State is the user-visible lifecycle state of a voice session.
type State int

const (
	// StateIdle means no session is running, or one is still connecting.
	StateIdle State = iota

	// StateListening means the session is open and waiting for the user.
	StateListening

	// StateProcessing means the model is transcribing user speech.
	StateProcessing

	// StateSpeaking means model audio is arriving or playing.
	StateSpeaking
)

// String returns the lowercase name used in logs and on the wire.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Phase is the connection phase of a [Transport].
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseActive
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}
