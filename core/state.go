package core

// State is the lifecycle state of a Runtime. Transitions:
//
// uninitialized -> initialized | shutdown
// initialized   -> running | shutdown
// running       -> interrupted | shutdown
// interrupted   -> shutdown
//
// shutdown is terminal.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateInterrupted
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateInterrupted:
		return "interrupted"
	case StateShutDown:
		return "shutdown"
	default:
		return "unknown"
	}
}
