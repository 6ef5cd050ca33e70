package audio

import "math"

// Frame is a block of 16-bit little-endian PCM audio together with its
// format. Decoders produce Frames; [ToMono] normalises them for playback.
type Frame struct {
	// Data holds interleaved little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (e.g. 16000 for capture, 24000 or 44100 for TTS).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int
}

// FloatToPCM16 converts a float sample to a signed 16-bit sample. The input
// is clamped to [-1, 1]; negative values scale by 32768 and non-negative
// values by 32767 so that +1.0 maps to 32767 instead of overflowing.
func FloatToPCM16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// PCM16ToFloat converts a signed 16-bit sample to a float in [-1, 1).
func PCM16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

// EncodePCM16 appends the little-endian int16 encoding of samples to dst and
// returns the extended slice.
func EncodePCM16(dst []byte, samples []float32) []byte {
	for _, f := range samples {
		v := FloatToPCM16(f)
		dst = append(dst, byte(v), byte(v>>8))
	}
	return dst
}

// DecodePCM16 converts little-endian int16 PCM to float samples. A trailing
// odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = PCM16ToFloat(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out
}

// Level returns the RMS level of a little-endian int16 PCM block, normalised
// to [0, 1]. An empty block has level 0.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / 32768
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms > 1 {
		rms = 1
	}
	return rms
}
