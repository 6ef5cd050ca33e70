package engine

import (
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/transcript"
)

// Config holds the per-engine call parameters.
type Config struct {
	TenantID    string
	BotID       string
	UserID      string
	Fingerprint string

	Voice    string
	Language string

	// WebsocketURL is used when the ticket carries no endpoint.
	WebsocketURL string

	// SampleRate and ChunkSamples shape the capture stream. Defaults: 16000
	// and 1024.
	SampleRate   int
	ChunkSamples int

	// OutputSampleRate is the playback device rate. Default: 24000.
	OutputSampleRate int

	Reconnect session.ReconnectorConfig

	// KeepaliveInterval is the PING period while a call is active.
	// Default: 30s.
	KeepaliveInterval time.Duration

	// ConnectTimeout bounds ticket fetch plus dial. Default: 15s.
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single socket write. Default: 5s.
	WriteTimeout time.Duration

	// LeadTimeout bounds the lead submission request. Default: 10s.
	LeadTimeout time.Duration
}

const (
	defaultKeepalive      = 30 * time.Second
	defaultConnectTimeout = 15 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultLeadTimeout    = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = defaultKeepalive
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.LeadTimeout <= 0 {
		c.LeadTimeout = defaultLeadTimeout
	}
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithOnStateChange registers a callback for every call state change.
func WithOnStateChange(fn func(from, to session.State)) Option {
	return func(e *Engine) { e.onState = fn }
}

// WithOnTranscript registers a callback for every transcript update,
// partial entries included.
func WithOnTranscript(fn func(transcript.Entry)) Option {
	return func(e *Engine) { e.onTranscript = fn }
}

// WithOnError registers the callback through which every surfaced error is
// delivered. A fatal error is delivered exactly once.
func WithOnError(fn func(*SessionError)) Option {
	return func(e *Engine) { e.onError = fn }
}

// WithOnLevel registers a callback for the capture level of every chunk.
func WithOnLevel(fn func(level float64)) Option {
	return func(e *Engine) { e.onLevel = fn }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}
