package bot

import "fmt"

// StateConflictError is returned when a lifecycle method is called in a
// state that does not allow it, such as starting a running bot.
type StateConflictError struct {
	Op    string
	State State
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s a bot that is %s", e.Op, e.State)
}

// State is the lifecycle state of a Bot.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
