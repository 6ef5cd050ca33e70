package decode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
)

// IsWAV reports whether data carries a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV extracts the PCM payload of a 16-bit RIFF/WAVE container. The
// chunk list is walked rather than assuming a fixed 44-byte header, since
// encoders emit fmt chunks of varying size and extra LIST chunks.
func DecodeWAV(wav []byte) (audio.Frame, error) {
	if !IsWAV(wav) {
		return audio.Frame{}, errors.New("decode: wav: missing RIFF/WAVE header")
	}

	var (
		f        audio.Frame
		bits     = 16
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch id {
		case "fmt ":
			if size < 16 || offset+8+16 > len(wav) {
				return audio.Frame{}, errors.New("decode: wav: truncated fmt chunk")
			}
			fmtData := wav[offset+8:]
			if tag := binary.LittleEndian.Uint16(fmtData[0:2]); tag != 1 && tag != 0xFFFE {
				return audio.Frame{}, fmt.Errorf("decode: wav: unsupported format tag %#x", tag)
			}
			f.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			bits = int(binary.LittleEndian.Uint16(fmtData[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return audio.Frame{}, errors.New("decode: wav: data chunk before fmt chunk")
			}
			if bits != 16 {
				return audio.Frame{}, fmt.Errorf("decode: wav: unsupported bit depth %d", bits)
			}
			end := offset + 8 + size
			// Streaming encoders write 0 or 0xFFFFFFFF when the length is unknown.
			if size == 0 || end > len(wav) || end < offset {
				end = len(wav)
			}
			data := wav[offset+8 : end]
			f.Data = data[:len(data)-len(data)%2]
			if f.Channels <= 0 {
				f.Channels = 1
			}
			return f, nil
		}

		offset += 8 + size
		if size%2 != 0 {
			offset++
		}
	}
	return audio.Frame{}, errors.New("decode: wav: missing data chunk")
}
