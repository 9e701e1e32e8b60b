package worker

// State is a step of the worker lifecycle:
//
//	Idle → Connecting → Running → Draining → Reporting → Terminated
//
// Connecting is skipped for local runs.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateRunning
	StateDraining
	StateReporting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateReporting:
		return "Reporting"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}
