package transcript_test

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/transcript"
)

func TestLog_PartialReplacement(t *testing.T) {
	t.Parallel()

	var l transcript.Log
	steps := []struct {
		e            transcript.Entry
		wantReplaced bool
		wantLen      int
	}{
		{transcript.Entry{Sender: transcript.SenderUser, Text: "hel"}, false, 1},
		{transcript.Entry{Sender: transcript.SenderUser, Text: "hello"}, true, 1},
		{transcript.Entry{Sender: transcript.SenderUser, Text: "hello there", Final: true}, true, 1},
		// Final entries are immutable.
		{transcript.Entry{Sender: transcript.SenderUser, Text: "again"}, false, 2},
		// Different sender never replaces.
		{transcript.Entry{Sender: transcript.SenderAssistant, Text: "Hi"}, false, 3},
		{transcript.Entry{Sender: transcript.SenderAssistant, Text: "Hi!", Final: true}, true, 3},
		{transcript.Entry{Sender: transcript.SenderAssistant, Text: "Anything else?", Final: true}, false, 4},
	}
	for i, s := range steps {
		if got := l.Add(s.e); got != s.wantReplaced {
			t.Errorf("step %d: replaced = %v, want %v", i, got, s.wantReplaced)
		}
		if got := l.Len(); got != s.wantLen {
			t.Errorf("step %d: len = %d, want %d", i, got, s.wantLen)
		}
	}

	entries := l.Entries()
	want := []string{"hello there", "again", "Hi!", "Anything else?"}
	for i, w := range want {
		if entries[i].Text != w {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Text, w)
		}
		if entries[i].Timestamp.IsZero() {
			t.Errorf("entry %d has no timestamp", i)
		}
	}
}

func TestLog_KeepsExplicitTimestamp(t *testing.T) {
	t.Parallel()

	var l transcript.Log
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.Add(transcript.Entry{Sender: transcript.SenderUser, Text: "x", Timestamp: ts})
	if got := l.Entries()[0].Timestamp; !got.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got, ts)
	}
	l.Reset()
	if l.Len() != 0 {
		t.Error("Reset did not empty the log")
	}
}
