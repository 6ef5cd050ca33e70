// Package transcript keeps the ordered record of what the user said and what
// the assistant answered during one call.
//
// Both sides stream partial hypotheses before a final one. A new entry from
// sender S replaces the last entry of the log when that entry is from S and
// still partial; otherwise it is appended. Final entries are never modified.
package transcript

import (
	"context"
	"sync"
	"time"
)

// Sender identifies who spoke.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Entry is one utterance.
type Entry struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink persists final entries outside the process.
type Sink interface {
	Write(ctx context.Context, sessionID string, e Entry) error
}

// Log is an append-only transcript with partial-entry replacement.
//
// All methods are safe for concurrent use. The zero value is ready to use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// Add records e and reports whether it replaced a partial entry.
func (l *Log) Add(e Entry) (replaced bool) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.entries); n > 0 {
		last := &l.entries[n-1]
		if last.Sender == e.Sender && !last.Final {
			*last = e
			return true
		}
	}
	l.entries = append(l.entries, e)
	return false
}

// Entries returns a copy of the log in order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Reset empties the log.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
