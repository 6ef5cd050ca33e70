// Package capture turns a microphone [audio.Source] into a stream of
// fixed-size 16-bit PCM chunks ready to be written to the voice socket.
//
// Driver callbacks arrive with arbitrary buffer lengths. The [Encoder]
// accumulates converted bytes across callbacks and slices off chunks of
// exactly ChunkSamples*2 bytes, so callback boundaries never determine chunk
// boundaries.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// DefaultSampleRate is the capture rate expected by the voice backend.
	DefaultSampleRate = 16000

	// DefaultChunkSamples is the number of samples per outbound chunk
	// (64 ms at 16 kHz).
	DefaultChunkSamples = 1024
)

// ErrAlreadyStarted is returned by [Encoder.Start] when the encoder is running.
var ErrAlreadyStarted = errors.New("capture: encoder already started")

// Option configures an [Encoder].
type Option func(*Encoder)

// WithSampleRate sets the rate at which the source is opened.
func WithSampleRate(hz int) Option {
	return func(e *Encoder) {
		if hz > 0 {
			e.sampleRate = hz
		}
	}
}

// WithChunkSamples sets the number of samples per emitted chunk.
func WithChunkSamples(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.chunkSamples = n
		}
	}
}

// WithLevelFunc registers a callback that receives the RMS level of every
// chunk, or 0 while muted. It is invoked on the source goroutine.
func WithLevelFunc(fn func(level float64)) Option {
	return func(e *Encoder) {
		e.onLevel = fn
	}
}

// Encoder converts float capture buffers into little-endian int16 chunks.
//
// All exported methods are safe for concurrent use.
type Encoder struct {
	src          audio.Source
	sampleRate   int
	chunkSamples int
	onLevel      func(float64)

	muted atomic.Bool

	mu      sync.Mutex
	running bool
	buf     []byte
	onChunk func([]byte)
	chunks  uint64
}

// New creates an Encoder reading from src. The source is not opened until
// [Encoder.Start] is called.
func New(src audio.Source, opts ...Option) *Encoder {
	e := &Encoder{
		src:          src,
		sampleRate:   DefaultSampleRate,
		chunkSamples: DefaultChunkSamples,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SampleRate returns the capture rate in Hz.
func (e *Encoder) SampleRate() int { return e.sampleRate }

// ChunkBytes returns the size of every full chunk in bytes.
func (e *Encoder) ChunkBytes() int { return e.chunkSamples * 2 }

// Start opens the source and begins delivering chunks to onChunk. The slice
// passed to onChunk is owned by the receiver.
//
// Source failures are returned wrapping [audio.ErrPermissionDenied] or
// [audio.ErrUnsupportedEnvironment]. Errors that match neither are reported
// as [audio.ErrUnsupportedEnvironment].
func (e *Encoder) Start(ctx context.Context, onChunk func([]byte)) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.running = true
	e.onChunk = onChunk
	e.buf = make([]byte, 0, e.ChunkBytes()*2)
	e.mu.Unlock()

	if err := e.src.Start(ctx, e.sampleRate, e.handle); err != nil {
		e.mu.Lock()
		e.running = false
		e.onChunk = nil
		e.mu.Unlock()
		if errors.Is(err, audio.ErrPermissionDenied) || errors.Is(err, audio.ErrUnsupportedEnvironment) {
			return fmt.Errorf("capture: start source: %w", err)
		}
		return fmt.Errorf("capture: start source: %w: %w", audio.ErrUnsupportedEnvironment, err)
	}
	return nil
}

// Stop halts the source and flushes a trailing partial chunk unless muted.
// Calling Stop on a stopped encoder is a no-op.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	// The source must be stopped outside the lock: a driver may be blocked
	// in handle waiting for it.
	err := e.src.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.buf) > 0 {
		e.emitLocked(append([]byte(nil), e.buf...))
	}
	e.buf = nil
	e.running = false
	e.onChunk = nil
	if err != nil {
		return fmt.Errorf("capture: stop source: %w", err)
	}
	return nil
}

// SetMuted suppresses or resumes chunk delivery. Muting is idempotent.
func (e *Encoder) SetMuted(muted bool) { e.muted.Store(muted) }

// Muted reports whether chunk delivery is suppressed.
func (e *Encoder) Muted() bool { return e.muted.Load() }

// Chunks returns the number of chunks produced so far, muted or not.
func (e *Encoder) Chunks() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunks
}

// handle is the source callback.
func (e *Encoder) handle(samples []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.buf = audio.EncodePCM16(e.buf, samples)

	size := e.ChunkBytes()
	off := 0
	for len(e.buf)-off >= size {
		chunk := make([]byte, size)
		copy(chunk, e.buf[off:off+size])
		off += size
		e.emitLocked(chunk)
	}
	if off > 0 {
		n := copy(e.buf, e.buf[off:])
		e.buf = e.buf[:n]
	}
}

// emitLocked forwards one chunk. Must be called with e.mu held.
func (e *Encoder) emitLocked(chunk []byte) {
	e.chunks++
	if e.muted.Load() {
		if e.onLevel != nil {
			e.onLevel(0)
		}
		return
	}
	if e.onLevel != nil {
		e.onLevel(audio.Level(chunk))
	}
	if e.onChunk != nil {
		e.onChunk(chunk)
	}
}
