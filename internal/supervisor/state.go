// Package supervisor tracks the lifecycle state of a test phase and tears
// down the server process tree when the phase ends.
package supervisor

// State represents where a phase is in its lifecycle.
//
//	Idle -> Spawning -> AwaitingHealth -> Running -> Terminating -> Done
//
// Failed is reachable only from Spawning or AwaitingHealth.
type State int

const (
	// StateIdle is the initial state before the server has been started.
	StateIdle State = iota

	// StateSpawning indicates the server process is being started.
	StateSpawning

	// StateAwaitingHealth indicates the server is up but not yet healthy.
	StateAwaitingHealth

	// StateRunning indicates the test collaborator is running.
	StateRunning

	// StateTerminating indicates the server tree is being shut down.
	StateTerminating

	// StateDone indicates the phase finished and produced a result code.
	StateDone

	// StateFailed indicates the server could not be started or never became healthy.
	StateFailed
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateIdle,
	StateSpawning,
	StateAwaitingHealth,
	StateRunning,
	StateTerminating,
	StateDone,
	StateFailed,
}

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawning:
		return "spawning"
	case StateAwaitingHealth:
		return "awaiting_health"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsActive returns true while a server process may be alive.
func (s State) IsActive() bool {
	return s == StateSpawning || s == StateAwaitingHealth || s == StateRunning || s == StateTerminating
}

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransition reports whether moving from s to next is a legal step.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateIdle:
		return next == StateSpawning
	case StateSpawning:
		return next == StateAwaitingHealth || next == StateFailed
	case StateAwaitingHealth:
		return next == StateRunning || next == StateFailed
	case StateRunning:
		return next == StateTerminating
	case StateTerminating:
		return next == StateDone
	default:
		return false
	}
}
