package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/lead"
	"github.com/MrWong99/parley/pkg/transcript"
)

// ErrNoActiveCall is returned by [CallManager.Stop] when no call is running.
var ErrNoActiveCall = errors.New("app: no active call")

// Caller is the part of [engine.Engine] the application drives.
type Caller interface {
	StartCall(ctx context.Context, info *lead.Info) error
	EndCall(ctx context.Context) error
	Done() <-chan struct{}
	State() session.State
	SessionID() string
	Status() engine.Status
	Transcript() []transcript.Entry
	ToggleMute() bool
	Interrupt()
	UpdateConfig(ctx context.Context, voice, language string) error
	Close() error
}

var _ Caller = (*engine.Engine)(nil)

// CallInfo holds metadata about the current or last call.
type CallInfo struct {
	SessionID string    `json:"session_id,omitempty"`
	TenantID  string    `json:"tenant_id"`
	BotID     string    `json:"bot_id"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	// Result is the final call state once the call has ended.
	Result string `json:"result,omitempty"`

	// Fault describes why the call failed.
	Fault *session.Fault `json:"fault,omitempty"`
}

// CallManager runs one call at a time on a [Caller] and records its outcome.
// All exported methods are safe for concurrent use.
type CallManager struct {
	caller   Caller
	tenantID string
	botID    string
	lead     *lead.Info

	mu     sync.Mutex
	active bool
	info   CallInfo
	ended  chan struct{}
}

// NewCallManager creates a CallManager. info, if non-nil, is submitted with
// every call.
func NewCallManager(caller Caller, tenantID, botID string, info *lead.Info) *CallManager {
	ended := make(chan struct{})
	close(ended)
	return &CallManager{
		caller:   caller,
		tenantID: tenantID,
		botID:    botID,
		lead:     info,
		ended:    ended,
	}
}

// Start begins a call. Returns an error if a call is already active or the
// first connect fails.
func (cm *CallManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.active {
		id := cm.info.SessionID
		cm.mu.Unlock()
		return fmt.Errorf("app: a call is already active (session=%s)", id)
	}
	cm.active = true
	cm.info = CallInfo{TenantID: cm.tenantID, BotID: cm.botID, StartedAt: time.Now().UTC()}
	ended := make(chan struct{})
	cm.ended = ended
	cm.mu.Unlock()

	err := cm.caller.StartCall(ctx, cm.lead)
	done := cm.caller.Done()
	go cm.watch(done, ended)
	if err != nil {
		return fmt.Errorf("app: start call: %w", err)
	}
	slog.Info("call started", "tenant_id", cm.tenantID, "bot_id", cm.botID)
	return nil
}

// watch records the outcome once the caller reports the call over.
func (cm *CallManager) watch(done <-chan struct{}, ended chan struct{}) {
	<-done
	st := cm.caller.Status()

	cm.mu.Lock()
	cm.active = false
	cm.info.EndedAt = time.Now().UTC()
	cm.info.Result = st.State
	cm.info.Fault = st.Fault
	if st.SessionID != "" {
		cm.info.SessionID = st.SessionID
	}
	info := cm.info
	cm.mu.Unlock()
	close(ended)

	slog.Info("call finished",
		"session_id", info.SessionID,
		"result", info.Result,
		"duration", info.EndedAt.Sub(info.StartedAt).Round(time.Second),
	)
}

// Stop ends the active call.
func (cm *CallManager) Stop(ctx context.Context) error {
	cm.mu.Lock()
	active, ended := cm.active, cm.ended
	cm.mu.Unlock()
	if !active {
		return ErrNoActiveCall
	}
	if err := cm.caller.EndCall(ctx); err != nil {
		return fmt.Errorf("app: end call: %w", err)
	}
	select {
	case <-ended:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Ended returns a channel closed once the current call's outcome is recorded.
func (cm *CallManager) Ended() <-chan struct{} {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.ended
}

// IsActive reports whether a call is currently running.
func (cm *CallManager) IsActive() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.active
}

// Info returns metadata about the current or last call. SessionID is live
// while the call runs.
func (cm *CallManager) Info() CallInfo {
	cm.mu.Lock()
	info, active := cm.info, cm.active
	cm.mu.Unlock()
	if active {
		info.SessionID = cm.caller.SessionID()
	}
	return info
}

// Failed reports whether the last call ended in a terminal error.
func (cm *CallManager) Failed() bool {
	info := cm.Info()
	return info.Result == session.StateError.String()
}
