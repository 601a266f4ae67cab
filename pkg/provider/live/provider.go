// Package live defines the Provider interface for bidirectional streaming
// conversation backends.
//
// A live provider wraps a real-time voice model that accepts a continuous
// stream of microphone audio and answers with streamed audio, transcripts of
// both speakers, and turn boundaries, all over a single long-lived
// connection. Examples include the Gemini Live API.
//
// Unlike request/response APIs the connection is event driven: the caller
// registers four callbacks ([Callbacks]) when connecting and feeds audio with
// [Conn.SendRealtimeInput]. There is no acknowledgement or flow-control
// signal for outgoing audio.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"fmt"
)

// Media is one chunk of inline media, such as a 16-bit PCM audio frame.
// Data holds raw bytes; providers apply any wire encoding (for example
// base64) themselves.
type Media struct {
	// MIMEType describes the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the raw payload.
	Data []byte
}

// SessionConfig is the fixed configuration of a new streaming session.
// Audio output and transcription of both speakers are always enabled.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Instructions is the system instruction for the session, built from the
	// caller's profile context.
	Instructions string

	// Voice is the provider-specific prebuilt voice name. Empty selects the
	// provider default.
	Voice string
}

// ServerMessage is one inbound event. A single message may carry any
// combination of the fields below; consumers must handle every populated
// field, in the order they are declared.
type ServerMessage struct {
	// InputTranscript is a partial transcript of the user's speech.
	InputTranscript string

	// OutputTranscript is a partial transcript of the model's speech.
	OutputTranscript string

	// Audio holds inline audio payloads in arrival order.
	Audio []Media

	// TurnComplete marks the end of the current conversational turn.
	TurnComplete bool

	// Interrupted reports that the model stopped generating because the user
	// started speaking.
	Interrupted bool
}

// Empty reports whether the message carries nothing of interest.
func (m ServerMessage) Empty() bool {
	return m.InputTranscript == "" && m.OutputTranscript == "" && len(m.Audio) == 0 &&
		!m.TurnComplete && !m.Interrupted
}

// CloseNormal is the close code of an orderly shutdown (WebSocket 1000).
const CloseNormal = 1000

// CloseEvent describes why a connection ended.
type CloseEvent struct {
	// Code is the transport close code, if any (WebSocket status codes for
	// WebSocket-based providers).
	Code int

	// Reason is the human-readable close reason sent by the peer.
	Reason string
}

func (e CloseEvent) String() string {
	if e.Reason == "" {
		return fmt.Sprintf("code %d", e.Code)
	}
	return fmt.Sprintf("code %d: %s", e.Code, e.Reason)
}

// Callbacks receive connection events. Providers invoke them sequentially
// from a single goroutine, never concurrently with each other. Nil callbacks
// are skipped.
//
// OnOpen fires once when the session is ready for input. OnError and OnClose
// are terminal: after either fires, no further callbacks are made. Callbacks
// may still arrive after the caller invoked [Conn.Close]; the caller is
// responsible for ignoring them.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(ServerMessage)
	OnError   func(error)
	OnClose   func(CloseEvent)
}

// Conn is an open streaming session.
type Conn interface {
	// SendRealtimeInput forwards one media chunk to the model. It returns an
	// error if the connection is closed or the write fails.
	SendRealtimeInput(ctx context.Context, m Media) error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming conversation backend.
type Provider interface {
	// Connect opens a new session. It returns once the transport is
	// established; the session may not accept input until OnOpen fires. The
	// caller owns the returned Conn and must Close it.
	Connect(ctx context.Context, cfg SessionConfig, cb Callbacks) (Conn, error)
}
