package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
)

// ErrMalformedPCM is returned by [DecodePCM16] when a payload cannot be
// interpreted as interleaved 16-bit samples for the requested channel count.
var ErrMalformedPCM = errors.New("audio: malformed pcm payload")

// PCMMIMEType returns the MIME descriptor the model expects for raw 16-bit
// PCM at the given rate, e.g. "audio/pcm;rate=16000".
func PCMMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// ParsePCMRate extracts the sample rate from a descriptor such as
// "audio/pcm;rate=24000". ok is false when mimeType is not raw PCM or carries
// no usable rate.
func ParsePCMRate(mimeType string) (rate int, ok bool) {
	mt, params, err := mime.ParseMediaType(mimeType)
	if err != nil || (mt != "audio/pcm" && mt != "audio/l16") {
		return 0, false
	}
	rate, err = strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// FloatToPCM16 converts one float sample to a signed 16-bit sample using
// clamp(round(x*32768), -32768, 32767).
func FloatToPCM16(x float32) int16 {
	v := math.Round(float64(x) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// PCM16ToFloat converts one signed 16-bit sample back to float via x/32768.
func PCM16ToFloat(s int16) float32 {
	return float32(s) / 32768.0
}

// EncodeFloats converts float samples in [-1, 1] to 16-bit PCM samples.
func EncodeFloats(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, x := range samples {
		out[i] = FloatToPCM16(x)
	}
	return out
}

// PCM16Bytes serialises samples as little-endian 16-bit PCM.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Bytes returns the frame's samples as little-endian 16-bit PCM, the wire
// layout expected by the model.
func (f Frame) Bytes() []byte { return PCM16Bytes(f.Samples) }

// DecodePCM16 interprets raw as interleaved little-endian signed 16-bit PCM
// with the given channel count and returns a de-interleaved float [Buffer].
// It has no shared state and is safe to call from any goroutine.
func DecodePCM16(raw []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid format %dHz/%dch", ErrMalformedPCM, sampleRate, channels)
	}
	frameBytes := 2 * channels
	if len(raw)%frameBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedPCM, len(raw), frameBytes)
	}

	n := len(raw) / frameBytes
	buf := &Buffer{SampleRate: sampleRate, Data: make([][]float32, channels)}
	for c := range buf.Data {
		buf.Data[c] = make([]float32, n)
	}
	for i := range n {
		for c := range channels {
			off := (i*channels + c) * 2
			buf.Data[c][i] = PCM16ToFloat(int16(binary.LittleEndian.Uint16(raw[off:])))
		}
	}
	return buf, nil
}

// EncodeBuffer interleaves buf back into little-endian 16-bit PCM. It is the
// inverse of [DecodePCM16] up to one quantisation step.
func EncodeBuffer(buf *Buffer) []byte {
	channels := buf.Channels()
	n := buf.Len()
	out := make([]byte, n*channels*2)
	for i := range n {
		for c := range channels {
			off := (i*channels + c) * 2
			binary.LittleEndian.PutUint16(out[off:], uint16(FloatToPCM16(buf.Data[c][i])))
		}
	}
	return out
}
