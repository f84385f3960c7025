package task

import "fmt"

// State represents the lifecycle state of a task
type State string

const (
	// StatePending indicates the task is queued and waiting for a pool slot
	StatePending State = "pending"
	// StateRunning indicates an attempt is executing on a pool
	StateRunning State = "running"
	// StateRetrying indicates the task failed and is waiting out its backoff
	StateRetrying State = "retrying"
	// StateCompleted indicates the task finished successfully
	StateCompleted State = "completed"
	// StateFailed indicates the task exhausted its attempts
	StateFailed State = "failed"
	// StateCancelled indicates the task was cancelled by request
	StateCancelled State = "cancelled"
)

// AllStates lists every state in lifecycle order
var AllStates = []State{
	StatePending,
	StateRunning,
	StateRetrying,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is one of the known states
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateRunning, StateRetrying, StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transition can occur
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransitionTo checks if a transition from the current state to target is valid
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StatePending:
		return target == StateRunning || target == StateCancelled
	case StateRunning:
		return target == StateCompleted || target == StateFailed ||
			target == StateRetrying || target == StateCancelled
	case StateRetrying:
		return target == StatePending || target == StateCancelled
	default:
		return false // Terminal state
	}
}

// ParseState parses a state name
func ParseState(s string) (State, error) {
	state := State(s)
	if !state.IsValid() {
		return "", fmt.Errorf("unknown task state: %q", s)
	}
	return state, nil
}
