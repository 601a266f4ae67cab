package web

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/voicecoach/internal/voice"
	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/chat"
	"github.com/MrWong99/voicecoach/pkg/profile"
)

// Client → server text message types.
const (
	TypeHello  = "hello"
	TypeToggle = "toggle"
	TypeStart  = "start"
	TypeStop   = "stop"
	TypeMic    = "mic"
)

// Server → client text message types.
const (
	TypeReady       = "ready"
	TypeState       = "state"
	TypeTranscript  = "transcript"
	TypeMessage     = "message"
	TypeError       = "error"
	TypeMicRequest  = "mic_request"
	TypeMicRelease  = "mic_release"
	TypeOutputOpen  = "output_open"
	TypeStopSegment = "stop_segment"
)

// Answers to a mic_request.
const (
	MicGranted     = "granted"
	MicDenied      = "denied"
	MicUnavailable = "unavailable"
)

// ClientMessage is a JSON control message from the browser. Binary messages
// carry microphone samples instead, see [DecodeSamples].
type ClientMessage struct {
	Type string `json:"type"`

	// hello
	UserID        string           `json:"user_id,omitempty"`
	ChatSessionID string           `json:"chat_session_id,omitempty"`
	Profile       *profile.Profile `json:"profile,omitempty"`

	// mic
	Result     string `json:"result,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// ServerMessage is a JSON message to the browser.
type ServerMessage struct {
	Type string `json:"type"`

	ChatSessionID string                   `json:"chat_session_id,omitempty"`
	State         string                   `json:"state,omitempty"`
	Active        *bool                    `json:"active,omitempty"`
	Transcript    *voice.PendingTranscript `json:"transcript,omitempty"`
	Message       *chat.Message            `json:"message,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Segment       uint64                   `json:"segment,omitempty"`
}

var errBadMessage = errors.New("web: malformed client message")

// DecodeClientMessage parses one text frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", errBadMessage, err)
	}
	switch m.Type {
	case TypeHello, TypeToggle, TypeStart, TypeStop:
	case TypeMic:
		switch m.Result {
		case MicGranted:
			if m.SampleRate <= 0 {
				return ClientMessage{}, fmt.Errorf("%w: granted mic without sample_rate", errBadMessage)
			}
		case MicDenied, MicUnavailable:
		default:
			return ClientMessage{}, fmt.Errorf("%w: unknown mic result %q", errBadMessage, m.Result)
		}
	default:
		return ClientMessage{}, fmt.Errorf("%w: unknown type %q", errBadMessage, m.Type)
	}
	return m, nil
}

// DecodeSamples parses a binary frame of little-endian float32 microphone
// samples.
func DecodeSamples(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of float32 samples", errBadMessage, len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}

// segmentHeaderSize is the length of the header in front of every playback
// frame.
const segmentHeaderSize = 22

// EncodeSegment builds the binary playback frame for one scheduled buffer.
// Layout, little-endian:
//
//	[0:8]   segment id
//	[8:16]  start time on the output clock in microseconds
//	[16:20] sample rate
//	[20:22] channel count
//	[22:]   interleaved 16-bit PCM
func EncodeSegment(id uint64, at time.Duration, buf *audio.Buffer) []byte {
	pcm := audio.EncodeBuffer(buf)
	out := make([]byte, segmentHeaderSize+len(pcm))
	binary.LittleEndian.PutUint64(out[0:], id)
	binary.LittleEndian.PutUint64(out[8:], uint64(at/time.Microsecond))
	binary.LittleEndian.PutUint32(out[16:], uint32(buf.SampleRate))
	binary.LittleEndian.PutUint16(out[20:], uint16(buf.Channels()))
	copy(out[segmentHeaderSize:], pcm)
	return out
}
