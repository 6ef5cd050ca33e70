package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	stereo := samplesToBytes([]int16{100, 200, -100, -200, 32767, 32767})
	equalSamples(t, bytesToSamples(audio.StereoToMono(stereo)), []int16{150, -150, 32767})
}

func TestResampleMono16(t *testing.T) {
	t.Run("same rate is a no-op", func(t *testing.T) {
		pcm := samplesToBytes([]int16{100, 200, 300})
		if out := audio.ResampleMono16(pcm, 16000, 16000); len(out) != len(pcm) {
			t.Fatalf("len = %d, want %d", len(out), len(pcm))
		}
	})

	t.Run("upsample 3x", func(t *testing.T) {
		got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{1000, 2000}), 16000, 48000))
		if len(got) != 6 {
			t.Fatalf("expected 6 samples, got %d", len(got))
		}
		if got[0] != 1000 {
			t.Errorf("first sample = %d, want 1000", got[0])
		}
		if last := got[len(got)-1]; last < 1800 || last > 2200 {
			t.Errorf("last sample = %d, want close to 2000", last)
		}
	})

	t.Run("downsample 3x", func(t *testing.T) {
		got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{100, 200, 300, 400, 500, 600}), 48000, 16000))
		if len(got) != 2 {
			t.Fatalf("expected 2 samples, got %d", len(got))
		}
	})

	t.Run("invalid rates return input", func(t *testing.T) {
		pcm := samplesToBytes([]int16{100, 200})
		for _, rates := range [][2]int{{0, 48000}, {48000, 0}, {-1, 48000}} {
			if out := audio.ResampleMono16(pcm, rates[0], rates[1]); len(out) != len(pcm) {
				t.Errorf("rates %v: len = %d, want %d", rates, len(out), len(pcm))
			}
		}
	})
}

func TestToMono(t *testing.T) {
	t.Run("matching mono frame is returned as is", func(t *testing.T) {
		f := audio.Frame{Data: samplesToBytes([]int16{1, 2}), SampleRate: 16000, Channels: 1}
		got := audio.ToMono(f, 16000)
		if &got.Data[0] != &f.Data[0] {
			t.Error("expected the same backing slice for a matching frame")
		}
	})

	t.Run("stereo is downmixed then resampled", func(t *testing.T) {
		f := audio.Frame{Data: samplesToBytes([]int16{100, 300, 100, 300}), SampleRate: 8000, Channels: 2}
		got := audio.ToMono(f, 16000)
		if got.Channels != 1 || got.SampleRate != 16000 {
			t.Fatalf("format = %dHz %dch, want 16000Hz 1ch", got.SampleRate, got.Channels)
		}
		samples := bytesToSamples(got.Data)
		if len(samples) != 4 {
			t.Fatalf("expected 4 samples, got %d", len(samples))
		}
		for i, s := range samples {
			if s != 200 {
				t.Errorf("sample %d = %d, want 200", i, s)
			}
		}
	})

	t.Run("multi-channel keeps channel zero", func(t *testing.T) {
		f := audio.Frame{Data: samplesToBytes([]int16{7, 8, 9, 10, 11, 12}), SampleRate: 16000, Channels: 3}
		equalSamples(t, bytesToSamples(audio.ToMono(f, 16000).Data), []int16{7, 10})
	})

	t.Run("odd byte count drops the frame", func(t *testing.T) {
		got := audio.ToMono(audio.Frame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}, 24000)
		if len(got.Data) != 0 {
			t.Errorf("expected empty data, got %d bytes", len(got.Data))
		}
		if got.SampleRate != 24000 {
			t.Errorf("dropped frame rate = %d, want target 24000", got.SampleRate)
		}
	})
}
