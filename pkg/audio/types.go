// Package audio defines the PCM data types that flow through the voice
// pipeline and the codec helpers that move samples between their float and
// 16-bit integer representations.
//
// Two shapes of audio exist:
//
//   - [Frame]: a fixed-length block of 16-bit mono samples produced by the
//     capture pipeline and sent to the model.
//   - [Buffer]: an arbitrary-length, de-interleaved float buffer decoded from
//     a model audio payload and handed to the playback scheduler.
//
// Both are transient: produced and consumed within one processing step and
// never persisted.
package audio

import "time"

// Frame is one block of captured 16-bit PCM audio.
type Frame struct {
	// Samples holds signed 16-bit mono samples.
	Samples []int16

	// SampleRate in Hz (e.g., 16000 for model input).
	SampleRate int

	// Seq is the capture order of this frame, starting at zero for each
	// framing run.
	Seq uint64
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Buffer is a decoded, playable audio segment. Channel data is
// de-interleaved: Data[c][i] is sample i of channel c, in [-1, 1).
type Buffer struct {
	SampleRate int
	Data       [][]float32
}

// Channels returns the number of channels in the buffer.
func (b *Buffer) Channels() int { return len(b.Data) }

// Len returns the number of sample frames (samples per channel).
func (b *Buffer) Len() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Len()) * time.Second / time.Duration(b.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
