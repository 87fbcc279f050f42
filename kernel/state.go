package kernel

import (
	"sync"
)

// State is the kernel lifecycle state.
type State int

const (
	StateStarting State = iota
	StateIdle
	StateBusy
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// legalTransition encodes the lifecycle: Starting -> Idle,
// Idle <-> Busy, anything -> Stopping. Stopping is terminal.
func legalTransition(from, to State) bool {
	if from == to {
		return false
	}
	if to == StateStopping {
		return true
	}
	switch from {
	case StateStarting:
		return to == StateIdle
	case StateIdle:
		return to == StateBusy
	case StateBusy:
		return to == StateIdle
	}
	return false
}

// StateMachine guards kernel state transitions and notifies observers.
type StateMachine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewStateMachine starts in Starting. onChange, if set, is called
// after each successful transition without the lock held.
func NewStateMachine(onChange func(from, to State)) *StateMachine {
	if onChange == nil {
		onChange = func(State, State) {}
	}
	return &StateMachine{state: StateStarting, onChange: onChange}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to state to, failing with a State error on illegal
// moves. Transitions out of Stopping never succeed.
func (m *StateMachine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !legalTransition(from, to) {
		m.mu.Unlock()
		return Errorf(KindState, "illegal kernel state transition %s -> %s", from, to)
	}
	m.state = to
	m.mu.Unlock()
	m.onChange(from, to)
	return nil
}
