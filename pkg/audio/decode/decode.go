// Package decode turns synthesized speech payloads into PCM frames.
//
// Payloads arrive either as binary socket frames (paired with a metadata
// frame that may carry a format hint) or as base64 inside JSON. The [Chain]
// decoder tries self-describing containers first (WAV by RIFF header, MP3 by
// ID3 tag or frame sync), then Opus when the hint asks for it, and finally
// falls back to raw little-endian PCM16 at the hinted sample rate.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hajimehoshi/go-mp3"
	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultSampleRate is assumed for raw PCM payloads without a rate hint.
const DefaultSampleRate = 24000

const (
	opusSampleRate = 48000
	// opusMaxFrameSize is the largest Opus frame (120 ms) per channel at 48 kHz.
	opusMaxFrameSize = 5760
)

// ErrUndecodable is returned when no decode path accepted the payload.
var ErrUndecodable = errors.New("decode: payload could not be decoded")

// Hint carries the format metadata announced alongside a payload. Zero
// values mean "unknown".
type Hint struct {
	// Format is a codec name such as "wav", "mp3", "opus", or "pcm".
	Format string
	// SampleRate applies to raw PCM and Opus payloads.
	SampleRate int
}

// Decoder converts one payload into a PCM frame.
type Decoder interface {
	Decode(data []byte, hint Hint) (audio.Frame, error)
}

// Chain is the default [Decoder]. The zero value is ready to use.
type Chain struct {
	// FallbackRate is used for raw PCM when the hint carries no rate.
	// Zero means [DefaultSampleRate].
	FallbackRate int
}

var _ Decoder = Chain{}

// Decode implements [Decoder].
func (c Chain) Decode(data []byte, hint Hint) (audio.Frame, error) {
	if len(data) == 0 {
		return audio.Frame{}, fmt.Errorf("%w: empty payload", ErrUndecodable)
	}
	format := strings.ToLower(hint.Format)

	if IsWAV(data) {
		f, err := DecodeWAV(data)
		if err == nil {
			return f, nil
		}
		slog.Debug("decode: wav path failed", "err", err)
	}

	if format == "mp3" || format == "mpeg" || IsMP3(data) {
		f, err := DecodeMP3(data)
		if err == nil {
			return f, nil
		}
		slog.Debug("decode: mp3 path failed", "err", err)
	}

	if format == "opus" {
		f, err := DecodeOpus(data)
		if err == nil {
			return f, nil
		}
		slog.Debug("decode: opus path failed", "err", err)
	}

	rate := hint.SampleRate
	if rate <= 0 {
		rate = c.FallbackRate
	}
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	if len(data)%2 != 0 {
		return audio.Frame{}, fmt.Errorf("%w: odd byte count %d for raw pcm", ErrUndecodable, len(data))
	}
	return audio.Frame{Data: data, SampleRate: rate, Channels: 1}, nil
}

// IsMP3 reports whether data starts with an ID3v2 tag or an MPEG audio frame
// sync word.
func IsMP3(data []byte) bool {
	if len(data) >= 3 && string(data[:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

// DecodeMP3 decodes an MP3 stream. go-mp3 always produces 16-bit stereo.
func DecodeMP3(data []byte) (audio.Frame, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return audio.Frame{}, fmt.Errorf("decode: mp3: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("decode: mp3: %w", err)
	}
	if len(raw) == 0 {
		return audio.Frame{}, errors.New("decode: mp3: no samples")
	}
	// Trim a trailing partial stereo frame.
	raw = raw[:len(raw)-len(raw)%4]
	return audio.Frame{Data: raw, SampleRate: dec.SampleRate(), Channels: 2}, nil
}

// DecodeOpus decodes a single Opus packet as 48 kHz mono.
func DecodeOpus(data []byte) (audio.Frame, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, 1)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("decode: create opus decoder: %w", err)
	}
	pcm, err := dec.Decode(data, opusMaxFrameSize, false)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("decode: opus: %w", err)
	}
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return audio.Frame{Data: out, SampleRate: opusSampleRate, Channels: 1}, nil
}
