// Package capture turns a granted microphone into a steady stream of
// fixed-size 16-bit PCM frames suitable for network transmission.
//
// A [Microphone] is acquired once per voice session and yields an owned
// [Stream]. [StartFraming] reads the stream on its own goroutine, resamples
// to the capture rate when the device runs at a different rate, and hands
// every full frame to a send function. Sending is fire-and-forget: the framer
// never waits for the transport, and there is no backpressure signal.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by [Microphone.Acquire] when the user or
	// the operating system refuses access to the input device.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceUnavailable is returned by [Microphone.Acquire] when no input
	// device exists.
	ErrDeviceUnavailable = errors.New("capture: no microphone available")

	// ErrStreamClosed is returned by [Stream.Read] after the stream has been
	// closed. The framer treats it as a normal end of capture.
	ErrStreamClosed = errors.New("capture: stream closed")
)

// Microphone requests audio-only media access.
type Microphone interface {
	// Acquire blocks until access is granted or refused, or ctx is done.
	// On success the caller owns the returned Stream and must Close it.
	// Failures wrap ErrPermissionDenied or ErrDeviceUnavailable where
	// applicable.
	Acquire(ctx context.Context) (Stream, error)
}

// Stream is an open microphone handle delivering mono float samples in
// [-1, 1].
//
// Implementations must allow Close to be called concurrently with a blocked
// Read; the Read must then return ErrStreamClosed.
type Stream interface {
	// SampleRate reports the native rate of the samples returned by Read.
	SampleRate() int

	// Read fills buf with up to len(buf) samples and returns the count.
	// It blocks until at least one sample is available.
	Read(ctx context.Context, buf []float32) (int, error)

	// Close releases the device. Calling Close more than once is safe.
	Close() error
}
