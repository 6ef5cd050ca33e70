package capture_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/mock"
)

// collectChunks returns an onChunk callback and a getter for what it received.
func collectChunks() (func([]byte), func() [][]byte) {
	var mu sync.Mutex
	var chunks [][]byte
	on := func(b []byte) {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, b)
	}
	get := func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		return append([][]byte(nil), chunks...)
	}
	return on, get
}

func TestEncoder_ChunkBoundariesIgnoreCallbackSizes(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	enc := capture.New(src)
	on, get := collectChunks()
	if err := enc.Start(t.Context(), on); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// 300 + 500 + 1000 + 248 = 2048 samples = exactly two chunks.
	for _, n := range []int{300, 500, 1000, 248} {
		src.Emit(make([]float32, n))
	}

	chunks := get()
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if len(c) != 2048 {
			t.Errorf("chunk %d: %d bytes, want 2048", i, len(c))
		}
	}
	if got := src.StartRates; len(got) != 1 || got[0] != 16000 {
		t.Errorf("source opened at %v, want [16000]", got)
	}
}

func TestEncoder_ChunkContentIsContinuous(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	enc := capture.New(src, capture.WithChunkSamples(4))
	on, get := collectChunks()
	if err := enc.Start(t.Context(), on); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.Emit([]float32{0.5, -0.5, 1})
	src.Emit([]float32{-1, 0, 0.25})

	chunks := get()
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	want := audio.EncodePCM16(nil, []float32{0.5, -0.5, 1, -1})
	if string(chunks[0]) != string(want) {
		t.Errorf("chunk = %v, want %v", chunks[0], want)
	}

	if err := enc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	chunks = get()
	if len(chunks) != 2 {
		t.Fatalf("after Stop got %d chunks, want 2 (flushed partial)", len(chunks))
	}
	if len(chunks[1]) != 4 {
		t.Errorf("partial chunk = %d bytes, want 4", len(chunks[1]))
	}
}

func TestEncoder_MuteIsIdempotent(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var levels []float64
	src := &mock.Source{}
	enc := capture.New(src, capture.WithChunkSamples(2), capture.WithLevelFunc(func(l float64) {
		mu.Lock()
		levels = append(levels, l)
		mu.Unlock()
	}))
	on, get := collectChunks()
	if err := enc.Start(t.Context(), on); err != nil {
		t.Fatalf("Start: %v", err)
	}

	enc.SetMuted(true)
	enc.SetMuted(true)
	if !enc.Muted() {
		t.Fatal("Muted() = false after SetMuted(true)")
	}
	src.Emit([]float32{1, 1, 1, 1})
	if n := len(get()); n != 0 {
		t.Fatalf("muted encoder forwarded %d chunks", n)
	}
	if enc.Chunks() != 2 {
		t.Errorf("Chunks() = %d, want 2 (produced while muted)", enc.Chunks())
	}

	enc.SetMuted(false)
	enc.SetMuted(false)
	src.Emit([]float32{-1, -1})
	if n := len(get()); n != 1 {
		t.Fatalf("unmuted encoder forwarded %d chunks, want 1", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(levels) != 3 {
		t.Fatalf("got %d level reports, want 3", len(levels))
	}
	if levels[0] != 0 || levels[1] != 0 {
		t.Errorf("muted levels = %v, want zeros", levels[:2])
	}
	if levels[2] != 1 {
		t.Errorf("unmuted level = %v, want 1", levels[2])
	}
}

func TestEncoder_MutedStopDropsPartial(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	enc := capture.New(src, capture.WithChunkSamples(8))
	on, get := collectChunks()
	if err := enc.Start(t.Context(), on); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Emit(make([]float32, 3))
	enc.SetMuted(true)
	if err := enc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(get()); n != 0 {
		t.Errorf("got %d chunks, want 0", n)
	}
	if src.Running() {
		t.Error("source still running after Stop")
	}
	// Second Stop is a no-op.
	if err := enc.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if src.CallCountStop != 1 {
		t.Errorf("source stopped %d times, want 1", src.CallCountStop)
	}
}

func TestEncoder_StartErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		srcErr  error
		wantErr error
	}{
		{"permission", audio.ErrPermissionDenied, audio.ErrPermissionDenied},
		{"unsupported", audio.ErrUnsupportedEnvironment, audio.ErrUnsupportedEnvironment},
		{"other", errors.New("device busy"), audio.ErrUnsupportedEnvironment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			enc := capture.New(&mock.Source{StartError: tt.srcErr})
			err := enc.Start(t.Context(), func([]byte) {})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, tt.srcErr) {
				t.Errorf("Start error %v does not wrap source error", err)
			}
		})
	}
}

func TestEncoder_DoubleStart(t *testing.T) {
	t.Parallel()

	enc := capture.New(&mock.Source{})
	if err := enc.Start(t.Context(), func([]byte) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer enc.Stop()
	if err := enc.Start(t.Context(), func([]byte) {}); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}
