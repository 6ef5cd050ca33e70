// Package mock provides in-memory mock implementations of the [audio.Source],
// [audio.Sink], and [audio.Device] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	sink := &mock.Sink{}
//	dev := &mock.Device{SourceResult: src, SinkResult: sink}
//	// ... start a call against dev ...
//	src.Emit(make([]float32, 480)) // simulate one driver callback
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
	_ audio.Device = (*Device)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Samples are injected by
// the test through [Source.Emit].
type Source struct {
	mu sync.Mutex

	// StartError is returned by [Source.Start]. When non-nil the source does
	// not enter the running state.
	StartError error

	// StopError is returned by [Source.Stop].
	StopError error

	// StartRates records the sampleRate argument of every Start call.
	StartRates []int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	running   bool
	onSamples func([]float32)
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context, sampleRate int, onSamples func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartRates = append(s.StartRates, sampleRate)
	if s.StartError != nil {
		return s.StartError
	}
	s.running = true
	s.onSamples = onSamples
	return nil
}

// Stop implements [audio.Source]. After Stop, [Source.Emit] is a no-op.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	s.onSamples = nil
	return s.StopError
}

// Running reports whether the source has been started and not yet stopped.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Emit delivers samples to the registered callback as a driver would. It
// reports whether the callback was invoked.
func (s *Source) Emit(samples []float32) bool {
	s.mu.Lock()
	cb := s.onSamples
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(samples)
	return true
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Sink.Play] invocation.
type PlayCall struct {
	// Samples is a copy of the buffer passed to Play.
	Samples []float32
	// SampleRate is the sampleRate argument passed to Play.
	SampleRate int
	// Cancelled is true when Play returned because its context was cancelled.
	Cancelled bool
}

// Sink is a mock implementation of [audio.Sink].
//
// By default Play returns immediately. Set PlayDuration to simulate real
// playback time, or set Hold to a channel to keep every Play blocked until
// the channel is closed or the context is cancelled.
type Sink struct {
	mu sync.Mutex

	// PlayError is returned by [Sink.Play] when playback is not cancelled.
	PlayError error

	// PlayDuration makes each Play block for the given duration.
	PlayDuration time.Duration

	// Hold, when non-nil, blocks every Play until it is closed.
	Hold chan struct{}

	// CloseError is returned by [Sink.Close].
	CloseError error

	// PlayCalls records all Play invocations in order.
	PlayCalls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	started chan struct{}
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, samples []float32, sampleRate int) error {
	s.mu.Lock()
	idx := len(s.PlayCalls)
	s.PlayCalls = append(s.PlayCalls, PlayCall{
		Samples:    append([]float32(nil), samples...),
		SampleRate: sampleRate,
	})
	hold, d := s.Hold, s.PlayDuration
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()

	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	if hold == nil && timer == nil {
		return s.result(ctx, idx)
	}
	select {
	case <-ctx.Done():
	case <-hold:
	case <-timer:
	}
	return s.result(ctx, idx)
}

func (s *Sink) result(ctx context.Context, idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		s.PlayCalls[idx].Cancelled = true
		return err
	}
	return s.PlayError
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Started returns a channel that receives a value each time Play begins. Call
// it before the first Play so no signal is missed. The channel is buffered so
// an unread signal never blocks playback.
func (s *Sink) Started() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started == nil {
		s.started = make(chan struct{}, 64)
	}
	return s.started
}

// Calls returns a snapshot of the recorded Play invocations.
func (s *Sink) Calls() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PlayCall(nil), s.PlayCalls...)
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device]. It hands out the same
// Source and Sink on every call.
type Device struct {
	mu sync.Mutex

	// SourceResult is returned by OpenSource.
	SourceResult *Source

	// SinkResult is returned by OpenSink.
	SinkResult *Sink

	// OpenSourceError is returned by OpenSource.
	OpenSourceError error

	// OpenSinkError is returned by OpenSink.
	OpenSinkError error

	// CallCountOpenSource records how many times OpenSource was called.
	CallCountOpenSource int

	// CallCountOpenSink records how many times OpenSink was called.
	CallCountOpenSink int
}

// OpenSource implements [audio.Device].
func (d *Device) OpenSource() (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenSource++
	if d.OpenSourceError != nil {
		return nil, d.OpenSourceError
	}
	if d.SourceResult == nil {
		d.SourceResult = &Source{}
	}
	return d.SourceResult, nil
}

// OpenSink implements [audio.Device].
func (d *Device) OpenSink() (audio.Sink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenSink++
	if d.OpenSinkError != nil {
		return nil, d.OpenSinkError
	}
	if d.SinkResult == nil {
		d.SinkResult = &Sink{}
	}
	return d.SinkResult, nil
}
