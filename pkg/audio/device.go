// Package audio defines the capability interfaces and PCM helpers shared by
// the capture and playback sides of a parley voice call.
//
// The engine never talks to audio hardware directly. It depends on three
// narrow interfaces:
//
//   - [Source]: a microphone that delivers 32-bit float samples from a
//     driver-owned goroutine.
//   - [Sink]: a speaker that plays one decoded buffer at a time.
//   - [Device]: the factory that opens a Source and a Sink for one call.
//
// Real implementations live in platform adapter packages (audio/portaudio);
// deterministic fakes live in audio/mock.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned (wrapped) by a [Source] when the
	// operating system or user refused microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrUnsupportedEnvironment is returned (wrapped) when the host cannot
	// provide audio capture at all, e.g. no input device or an insecure
	// execution context.
	ErrUnsupportedEnvironment = errors.New("audio: capture not supported in this environment")
)

// Source is a capture device producing mono float samples in [-1, 1].
//
// Start must return once the device is running; onSamples is then invoked on
// a driver-owned goroutine with buffers of arbitrary, driver-chosen length.
// The slice passed to onSamples is only valid for the duration of the call.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start opens the device at sampleRate (mono) and begins delivering
	// samples. Returns an error wrapping [ErrPermissionDenied] or
	// [ErrUnsupportedEnvironment] if access cannot be granted.
	Start(ctx context.Context, sampleRate int, onSamples func([]float32)) error

	// Stop halts delivery and releases the device. After Stop returns no
	// further onSamples calls are made. Safe to call more than once.
	Stop() error
}

// Sink is a playback device.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Play renders samples (mono, float in [-1, 1]) at sampleRate and blocks
	// until they have been played or ctx is cancelled. A cancelled Play must
	// return promptly; the remaining samples are discarded.
	Play(ctx context.Context, samples []float32, sampleRate int) error

	// Close releases the output device. Play must not be called afterwards.
	Close() error
}

// Device opens the capture and playback endpoints for a single call. Each
// call gets fresh endpoints; the caller owns and closes them.
type Device interface {
	OpenSource() (Source, error)
	OpenSink() (Sink, error)
}
