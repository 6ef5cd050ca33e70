// Package session owns the lifecycle of one voice call: the state machine
// that validates every transition and the reconnection manager that decides
// whether and when a dropped socket is re-dialled.
package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// State is a call lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateReceiving
	StateProcessing
	StateSpeaking
	StateDisconnected
	StateError
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateListening:    "listening",
	StateReceiving:    "receiving",
	StateProcessing:   "processing",
	StateSpeaking:     "speaking",
	StateDisconnected: "disconnected",
	StateError:        "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Active reports whether s is one of the in-call turn-taking states.
func (s State) Active() bool {
	return s >= StateListening && s <= StateSpeaking
}

// ParseActive maps a server-asserted state value to an active State. Both
// "listening" and "active-listening" spellings are accepted.
func ParseActive(v string) (State, bool) {
	v = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "active-")
	for s := StateListening; s <= StateSpeaking; s++ {
		if stateNames[s] == v {
			return s, true
		}
	}
	return StateIdle, false
}

// ErrInvalidTransition is returned by [Machine.Transition] for a move the
// lifecycle does not allow.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// Fault describes why the machine entered [StateError].
type Fault struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// Machine is the call state machine.
//
// Observers are invoked synchronously, outside the machine's lock, in the
// order the transitions were applied. All methods are safe for concurrent use.
type Machine struct {
	mu        sync.Mutex
	state     State
	fault     *Fault
	observers []func(from, to State)

	// notifyMu keeps observer calls in transition order.
	notifyMu sync.Mutex
}

// NewMachine returns a Machine in [StateIdle].
func NewMachine() *Machine {
	return &Machine{}
}

// OnChange registers an observer for every effective transition.
func (m *Machine) OnChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fault returns the fault of the current error state, or nil.
func (m *Machine) Fault() *Fault {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault == nil {
		return nil
	}
	f := *m.fault
	return &f
}

// Transition moves to state to. fault is recorded when to is [StateError]
// and cleared otherwise. A transition to the current state updates the fault
// but does not notify observers.
func (m *Machine) Transition(to State, fault *Fault) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.state
	if from != to && !allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.fault = nil
	if to == StateError && fault != nil {
		f := *fault
		m.fault = &f
	}
	obs := slices.Clone(m.observers)
	m.mu.Unlock()

	if from == to {
		return nil
	}
	for _, fn := range obs {
		fn(from, to)
	}
	return nil
}

func allowed(from, to State) bool {
	if to == StateIdle {
		return true
	}
	switch {
	case from == StateIdle:
		return to == StateConnecting
	case from == StateConnecting, from.Active():
		return to.Active() || to == StateError || to == StateDisconnected
	case from == StateError:
		return to == StateConnecting || to.Active() || to == StateDisconnected
	case from == StateDisconnected:
		return to == StateConnecting
	}
	return false
}
