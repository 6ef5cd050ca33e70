// Package null provides an [audio.Device] without hardware. The source
// delivers silence in real time and the sink discards samples after their
// playback duration. It is used for headless runs and load tests.
package null

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// frameInterval is how often the source delivers a buffer.
const frameInterval = 20 * time.Millisecond

var _ audio.Device = Device{}

// Device opens silent sources and discarding sinks.
type Device struct{}

// OpenSource implements [audio.Device].
func (Device) OpenSource() (audio.Source, error) { return &Source{}, nil }

// OpenSink implements [audio.Device].
func (Device) OpenSink() (audio.Sink, error) { return Sink{}, nil }

// Source emits one buffer of silence every 20ms.
type Source struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context, sampleRate int, onSamples func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	buf := make([]float32, sampleRate*int(frameInterval/time.Millisecond)/1000)

	go func(stop, done chan struct{}) {
		defer close(done)
		t := time.NewTicker(frameInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				onSamples(buf)
			}
		}
	}(s.stop, s.done)
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Sink waits for the playback duration of each buffer.
type Sink struct{}

// Play implements [audio.Sink].
func (Sink) Play(ctx context.Context, samples []float32, sampleRate int) error {
	if sampleRate <= 0 || len(samples) == 0 {
		return nil
	}
	d := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close implements [audio.Sink].
func (Sink) Close() error { return nil }
