package audio

import (
	"fmt"
	"log/slog"
)

// ToMono normalises f to mono PCM at targetRate. Stereo input is downmixed
// before resampling so that only one channel is interpolated. Frames that
// already match are returned unchanged. Frames with an odd byte count are
// corrupt for int16 PCM and yield an empty frame.
func ToMono(f Frame, targetRate int) Frame {
	if len(f.Data)%2 != 0 {
		slog.Warn("audio: odd byte count in PCM data, dropping frame",
			"bytes", len(f.Data),
			"format", formatString(f.SampleRate, f.Channels),
		)
		return Frame{SampleRate: targetRate, Channels: 1}
	}
	if f.Channels <= 1 && f.SampleRate == targetRate {
		f.Channels = 1
		return f
	}

	pcm := f.Data
	switch {
	case f.Channels == 2:
		pcm = StereoToMono(pcm)
	case f.Channels > 2:
		pcm = firstChannel(pcm, f.Channels)
	}
	pcm = ResampleMono16(pcm, f.SampleRate, targetRate)

	return Frame{Data: pcm, SampleRate: targetRate, Channels: 1}
}

// StereoToMono averages each interleaved L/R pair. The sum is computed in
// int32 so it cannot overflow.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 converts 16-bit mono PCM from srcRate to dstRate by linear
// interpolation. Invalid rates or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcN := len(pcm) / 2
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	sample := func(i int) int16 {
		return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}

	out := make([]byte, dstN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstN {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample(idx)
		s1 := s0
		if idx+1 < srcN {
			s1 = sample(idx + 1)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// firstChannel extracts channel 0 from interleaved multi-channel PCM.
func firstChannel(pcm []byte, channels int) []byte {
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		out[i*2] = pcm[i*stride]
		out[i*2+1] = pcm[i*stride+1]
	}
	return out
}

// formatString renders a rate/channel pair for log output, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	switch {
	case channels <= 1:
		return fmt.Sprintf("%dHz mono", rate)
	case channels == 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
