package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/ticket"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts  = 5
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 30 * time.Second
)

// ErrNoIssuer is returned by [Reconnector.Ticket] when no issuer is configured.
var ErrNoIssuer = errors.New("session: no ticket issuer configured")

// Reconnector owns the connection ticket and the backoff schedule of one call.
//
// The engine arms it when a call starts and disarms it on teardown. While
// armed, every abnormal close calls [Reconnector.Schedule], which runs the
// reconnect function after min(initial*2^attempts, max) and increments the
// attempt counter. Only a successful handshake calls [Reconnector.Reset].
//
// All methods are safe for concurrent use.
type Reconnector struct {
	issuer      ticket.Issuer
	request     ticket.Request
	maxAttempts int
	initial     time.Duration
	max         time.Duration

	// afterFunc is time.AfterFunc outside tests.
	afterFunc func(d time.Duration, fn func()) stopper

	mu       sync.Mutex
	attempts int
	armed    bool
	tk       ticket.Ticket
	haveTk   bool
	timer    stopper
	timerSeq uint64
}

type stopper interface {
	Stop() bool
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Issuer supplies fresh tickets.
	Issuer ticket.Issuer

	// Request is sent to the issuer on every issuance.
	Request ticket.Request

	// MaxAttempts is the number of reconnects tried before giving up.
	// Defaults to 5 if zero.
	MaxAttempts int

	// InitialDelay is the delay before the first reconnect. Doubles each
	// attempt up to MaxDelay. Defaults to 1s if zero.
	InitialDelay time.Duration

	// MaxDelay caps the backoff. Defaults to 30s if zero.
	MaxDelay time.Duration
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return &Reconnector{
		issuer:      cfg.Issuer,
		request:     cfg.Request,
		maxAttempts: maxAttempts,
		initial:     initial,
		max:         maxDelay,
		afterFunc: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
	}
}

// MaxAttempts returns the attempt ceiling.
func (r *Reconnector) MaxAttempts() int { return r.maxAttempts }

// Delay returns the backoff before reconnect number attempt (zero-based).
func (r *Reconnector) Delay(attempt int) time.Duration {
	d := r.initial
	for range attempt {
		if d >= r.max {
			break
		}
		d *= 2
	}
	return min(d, r.max)
}

// Schedule arranges for fn to run after the next backoff delay. It returns
// false, and schedules nothing, when the reconnector is disarmed or the
// attempt ceiling has been reached. A previously scheduled run is replaced.
func (r *Reconnector) Schedule(fn func()) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.armed || r.attempts >= r.maxAttempts {
		return 0, false
	}
	d := r.Delay(r.attempts)
	r.attempts++
	attempt := r.attempts

	r.stopTimerLocked()
	r.timerSeq++
	seq := r.timerSeq
	r.timer = r.afterFunc(d, func() {
		r.mu.Lock()
		current := r.armed && r.timerSeq == seq
		if current {
			r.timer = nil
		}
		r.mu.Unlock()
		if current {
			fn()
		}
	})

	slog.Info("reconnect scheduled",
		"attempt", attempt,
		"max_attempts", r.maxAttempts,
		"delay", d,
	)
	return d, true
}

// Cancel stops a pending scheduled run.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimerLocked()
}

// Pending reports whether a scheduled run has not fired yet.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Reset clears the attempt counter after a successful handshake.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

// Attempts returns the number of reconnects scheduled since the last Reset.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Arm enables scheduling for a new call and clears all per-call state.
func (r *Reconnector) Arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = true
	r.attempts = 0
}

// Disarm disables scheduling and cancels a pending run.
func (r *Reconnector) Disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = false
	r.stopTimerLocked()
}

// Armed reports whether scheduling is enabled.
func (r *Reconnector) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}

// Ticket returns the last-known ticket, or requests a new one when none is
// held or the held one was invalidated.
func (r *Reconnector) Ticket(ctx context.Context) (ticket.Ticket, error) {
	r.mu.Lock()
	if r.haveTk {
		tk := r.tk
		r.mu.Unlock()
		return tk, nil
	}
	issuer, req := r.issuer, r.request
	r.mu.Unlock()

	if issuer == nil {
		return ticket.Ticket{}, ErrNoIssuer
	}
	tk, err := issuer.Issue(ctx, req)
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("session: issue ticket: %w", err)
	}

	r.mu.Lock()
	r.tk = tk
	r.haveTk = true
	r.mu.Unlock()
	return tk, nil
}

// Invalidate forces the next [Reconnector.Ticket] call to request a fresh
// ticket.
func (r *Reconnector) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.haveTk = false
	r.tk = ticket.Ticket{}
}

func (r *Reconnector) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerSeq++
}
