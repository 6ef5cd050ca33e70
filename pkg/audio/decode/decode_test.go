package decode_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio/decode"
)

// buildWAV assembles a minimal 16-bit PCM RIFF/WAVE container. extra chunks
// are inserted between fmt and data.
func buildWAV(rate, channels int, pcm []byte, extra ...[]byte) []byte {
	fmtChunk := make([]byte, 24)
	copy(fmtChunk[0:4], "fmt ")
	binary.LittleEndian.PutUint32(fmtChunk[4:8], 16)
	binary.LittleEndian.PutUint16(fmtChunk[8:10], 1)
	binary.LittleEndian.PutUint16(fmtChunk[10:12], uint16(channels))
	binary.LittleEndian.PutUint32(fmtChunk[12:16], uint32(rate))
	binary.LittleEndian.PutUint32(fmtChunk[16:20], uint32(rate*channels*2))
	binary.LittleEndian.PutUint16(fmtChunk[20:22], uint16(channels*2))
	binary.LittleEndian.PutUint16(fmtChunk[22:24], 16)

	body := append([]byte("WAVE"), fmtChunk...)
	for _, e := range extra {
		body = append(body, e...)
	}
	dataHdr := make([]byte, 8)
	copy(dataHdr[0:4], "data")
	binary.LittleEndian.PutUint32(dataHdr[4:8], uint32(len(pcm)))
	body = append(body, dataHdr...)
	body = append(body, pcm...)

	hdr := make([]byte, 8)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
	return append(hdr, body...)
}

func TestChain_WAV(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	wav := buildWAV(22050, 2, pcm, list)

	f, err := decode.Chain{}.Decode(wav, decode.Hint{Format: "pcm", SampleRate: 16000})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.SampleRate != 22050 || f.Channels != 2 {
		t.Errorf("format = %dHz %dch, want 22050Hz 2ch", f.SampleRate, f.Channels)
	}
	if string(f.Data) != string(pcm) {
		t.Errorf("data = %v, want %v", f.Data, pcm)
	}
}

func TestChain_RawPCMFallback(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	tests := []struct {
		name     string
		chain    decode.Chain
		hint     decode.Hint
		wantRate int
	}{
		{"hinted rate", decode.Chain{}, decode.Hint{SampleRate: 16000}, 16000},
		{"chain fallback rate", decode.Chain{FallbackRate: 44100}, decode.Hint{}, 44100},
		{"default rate", decode.Chain{}, decode.Hint{}, decode.DefaultSampleRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := tt.chain.Decode(pcm, tt.hint)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if f.SampleRate != tt.wantRate || f.Channels != 1 {
				t.Errorf("format = %dHz %dch, want %dHz 1ch", f.SampleRate, f.Channels, tt.wantRate)
			}
		})
	}
}

func TestChain_FailedHintFallsThroughToPCM(t *testing.T) {
	t.Parallel()

	// Not a valid opus packet and not mp3; the raw path still accepts it.
	data := []byte{0x00, 0x01, 0x02, 0x03}
	f, err := decode.Chain{}.Decode(data, decode.Hint{Format: "mp3", SampleRate: 8000})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.SampleRate != 8000 || len(f.Data) != 4 {
		t.Errorf("got %dHz %d bytes, want 8000Hz 4 bytes", f.SampleRate, len(f.Data))
	}
}

func TestChain_Undecodable(t *testing.T) {
	t.Parallel()

	for _, data := range [][]byte{nil, {0x01, 0x02, 0x03}} {
		if _, err := (decode.Chain{}).Decode(data, decode.Hint{}); !errors.Is(err, decode.ErrUndecodable) {
			t.Errorf("Decode(%v) error = %v, want ErrUndecodable", data, err)
		}
	}
}

func TestDecodeWAV_Errors(t *testing.T) {
	t.Parallel()

	good := buildWAV(16000, 1, []byte{0, 0})
	noData := good[:len(good)-10]
	eightBit := buildWAV(16000, 1, []byte{0, 0})
	binary.LittleEndian.PutUint16(eightBit[34:36], 8)

	tests := map[string][]byte{
		"not riff":  []byte("not a wav file at all"),
		"no data":   noData,
		"8 bit pcm": eightBit,
	}
	for name, wav := range tests {
		if _, err := decode.DecodeWAV(wav); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestIsMP3(t *testing.T) {
	t.Parallel()

	tests := []struct {
		data []byte
		want bool
	}{
		{[]byte("ID3\x04\x00"), true},
		{[]byte{0xFF, 0xFB, 0x90, 0x00}, true},
		{[]byte{0x00, 0xFB}, false},
		{[]byte("RIFF"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := decode.IsMP3(tt.data); got != tt.want {
			t.Errorf("IsMP3(%v) = %v, want %v", tt.data, got, tt.want)
		}
	}
}

func TestChain_Opus(t *testing.T) {
	t.Parallel()

	enc, err := gopus.NewEncoder(48000, 1, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := make([]int16, 960) // 20 ms
	for i := range pcm {
		pcm[i] = int16((i % 64) * 256)
	}
	packet, err := enc.Encode(pcm, 960, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	f, err := decode.Chain{}.Decode(packet, decode.Hint{Format: "opus"})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.SampleRate != 48000 || f.Channels != 1 {
		t.Errorf("format = %dHz %dch, want 48000Hz 1ch", f.SampleRate, f.Channels)
	}
	if len(f.Data) != 960*2 {
		t.Errorf("decoded %d bytes, want %d", len(f.Data), 960*2)
	}
}
