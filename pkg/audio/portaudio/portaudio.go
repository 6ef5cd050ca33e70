// Package portaudio implements [audio.Device] on top of PortAudio through
// github.com/gordonklaus/portaudio.
//
// PortAudio must be initialised once per process: call [Open] at startup and
// [Device.Close] on shutdown. Capture uses a callback stream; playback uses a
// blocking stream that is reopened only when the sample rate changes.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultFramesPerBuffer is the playback buffer size in frames. It also
// bounds how long a cancelled Play keeps sounding.
const DefaultFramesPerBuffer = 512

var errClosed = errors.New("portaudio: sink closed")

var _ audio.Device = (*Device)(nil)

// Option configures a [Device].
type Option func(*Device)

// WithInputDevice selects the capture device by name. The default input is
// used when empty.
func WithInputDevice(name string) Option {
	return func(d *Device) { d.inputName = name }
}

// WithOutputDevice selects the playback device by name. The default output
// is used when empty.
func WithOutputDevice(name string) Option {
	return func(d *Device) { d.outputName = name }
}

// WithFramesPerBuffer overrides [DefaultFramesPerBuffer].
func WithFramesPerBuffer(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.frames = n
		}
	}
}

// Device opens PortAudio capture and playback streams.
type Device struct {
	inputName  string
	outputName string
	frames     int
}

// Open initialises PortAudio and returns a Device.
func Open(opts ...Option) (*Device, error) {
	d := &Device{frames: DefaultFramesPerBuffer}
	for _, o := range opts {
		o(d)
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: initialize: %v", audio.ErrUnsupportedEnvironment, err)
	}
	return d, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (d *Device) Close() error {
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// OpenSource implements [audio.Device].
func (d *Device) OpenSource() (audio.Source, error) {
	info, err := lookup(d.inputName, true)
	if err != nil {
		return nil, err
	}
	return &source{info: info}, nil
}

// OpenSink implements [audio.Device].
func (d *Device) OpenSink() (audio.Sink, error) {
	info, err := lookup(d.outputName, false)
	if err != nil {
		return nil, err
	}
	return &sink{info: info, buf: make([]float32, d.frames)}, nil
}

func lookup(name string, input bool) (*pa.DeviceInfo, error) {
	if name == "" {
		var (
			info *pa.DeviceInfo
			err  error
		)
		if input {
			info, err = pa.DefaultInputDevice()
		} else {
			info, err = pa.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: portaudio: no default device: %v", audio.ErrUnsupportedEnvironment, err)
		}
		return info, nil
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: portaudio: list devices: %v", audio.ErrUnsupportedEnvironment, err)
	}
	for _, info := range devices {
		if info.Name != name {
			continue
		}
		if (input && info.MaxInputChannels > 0) || (!input && info.MaxOutputChannels > 0) {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: portaudio: device %q not found", audio.ErrUnsupportedEnvironment, name)
}

// classify wraps a stream open failure in the matching audio sentinel.
func classify(op string, err error) error {
	sentinel := audio.ErrUnsupportedEnvironment
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		sentinel = audio.ErrPermissionDenied
	}
	return fmt.Errorf("%w: portaudio: %s: %v", sentinel, op, err)
}

// ─── capture ─────────────────────────────────────────────────────────────────

type source struct {
	info *pa.DeviceInfo

	mu     sync.Mutex
	stream *pa.Stream
}

func (s *source) Start(_ context.Context, sampleRate int, onSamples func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return nil
	}

	params := pa.LowLatencyParameters(s.info, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = pa.FramesPerBufferUnspecified

	stream, err := pa.OpenStream(params, func(in []float32) { onSamples(in) })
	if err != nil {
		return classify("open input", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return classify("start input", err)
	}
	s.stream = stream
	return nil
}

func (s *source) Stop() error {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream == nil {
		return nil
	}
	err := stream.Stop()
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("portaudio: stop input: %w", err)
	}
	return nil
}

// ─── playback ────────────────────────────────────────────────────────────────

type sink struct {
	info *pa.DeviceInfo

	// mu serialises Play; buf is the blocking stream's transfer buffer.
	mu     sync.Mutex
	buf    []float32
	stream *pa.Stream
	rate   int
	closed bool
}

func (s *sink) Play(ctx context.Context, samples []float32, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if err := s.ensure(sampleRate); err != nil {
		return err
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output: %w", err)
	}

	for off := 0; off < len(samples); off += len(s.buf) {
		if err := ctx.Err(); err != nil {
			_ = s.stream.Abort()
			return err
		}
		n := copy(s.buf, samples[off:])
		clear(s.buf[n:])
		if err := s.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			_ = s.stream.Abort()
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	// Stop drains the buffers already written.
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop output: %w", err)
	}
	return nil
}

// ensure opens a blocking output stream at rate, replacing one opened at a
// different rate.
func (s *sink) ensure(rate int) error {
	if s.stream != nil && s.rate == rate {
		return nil
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	params := pa.HighLatencyParameters(nil, s.info)
	params.Output.Channels = 1
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = len(s.buf)

	stream, err := pa.OpenStream(params, &s.buf)
	if err != nil {
		return classify("open output", err)
	}
	s.stream = stream
	s.rate = rate
	return nil
}

func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	if err != nil {
		return fmt.Errorf("portaudio: close output: %w", err)
	}
	return nil
}
