package runner

import (
	"sync"

	"github.com/pkg/errors"
)

// State is the run lifecycle state.
type State int

const (
	// StateIdle is a run that has not started.
	StateIdle State = iota
	// StateRunning is a run actively scheduling ticks.
	StateRunning
	// StateStopping is a run that is cancelling but has not finished teardown.
	StateStopping
	// StateCompleted is a finished run.
	StateCompleted
	// StateErrored is a run ended by an unrecoverable failure.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// validTransitions makes run state monotone: terminal states have no
// successors, so a completed run can never re-enter running without a new
// explicit start (which builds a fresh machine).
var validTransitions = map[State][]State{
	StateIdle:      {StateRunning},
	StateRunning:   {StateStopping, StateCompleted, StateErrored},
	StateStopping:  {StateCompleted, StateErrored},
	StateCompleted: {},
	StateErrored:   {},
}

// stateMachine guards lifecycle transitions of a single run.
type stateMachine struct {
	mu      sync.Mutex
	current State
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// transition moves to the given state, rejecting anything the transition
// table does not allow.
func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range validTransitions[m.current] {
		if allowed == to {
			m.current = to
			return nil
		}
	}
	return errors.Errorf("invalid run state transition %s -> %s", m.current, to)
}
