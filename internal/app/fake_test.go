package app_test

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/lead"
	"github.com/MrWong99/parley/pkg/transcript"
)

// fakeCaller is a scriptable [app.Caller].
type fakeCaller struct {
	mu       sync.Mutex
	state    session.State
	fault    *session.Fault
	done     chan struct{}
	muted    bool
	voice    string
	language string
	lead     *lead.Info
	entries  []transcript.Entry

	startErr   error
	starts     int
	ends       int
	interrupts int
	updates    [][2]string
}

func newFakeCaller() *fakeCaller {
	done := make(chan struct{})
	close(done)
	return &fakeCaller{done: done}
}

func (f *fakeCaller) StartCall(_ context.Context, info *lead.Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.lead = info
	f.done = make(chan struct{})
	if f.startErr != nil {
		f.state = session.StateError
		f.fault = &session.Fault{Message: f.startErr.Error()}
		close(f.done)
		return f.startErr
	}
	f.state = session.StateListening
	return nil
}

func (f *fakeCaller) EndCall(context.Context) error {
	f.finish(session.StateIdle, nil)
	f.mu.Lock()
	f.ends++
	f.mu.Unlock()
	return nil
}

// finish ends the call in state.
func (f *fakeCaller) finish(state session.State, fault *session.Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	f.fault = fault
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *fakeCaller) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *fakeCaller) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCaller) SessionID() string {
	if f.State().Active() {
		return "s-1"
	}
	return ""
}

func (f *fakeCaller) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{
		State:    f.state.String(),
		Muted:    f.muted,
		Voice:    f.voice,
		Language: f.language,
		Fault:    f.fault,
	}
}

func (f *fakeCaller) Transcript() []transcript.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcript.Entry(nil), f.entries...)
}

func (f *fakeCaller) ToggleMute() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted
}

func (f *fakeCaller) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
}

var errNotReady = errors.New("fake: not ready")

func (f *fakeCaller) UpdateConfig(_ context.Context, voice, language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if voice == "fail" {
		return errNotReady
	}
	if voice != "" {
		f.voice = voice
	}
	if language != "" {
		f.language = language
	}
	f.updates = append(f.updates, [2]string{voice, language})
	return nil
}

func (f *fakeCaller) Close() error { return f.EndCall(context.Background()) }

func (f *fakeCaller) counts() (starts, ends, interrupts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.ends, f.interrupts
}
