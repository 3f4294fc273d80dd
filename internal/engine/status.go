package engine

import "fmt"

// Status is the outcome of loading or dispatching to a handler.
type Status int

const (
	Success Status = iota
	FailedToCompileJs
	NoHandlersDefined
	FailedInitStoreHandle
	OnUpdateCallFailed
	OnDeleteCallFailed
	ConversionFailed
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case FailedToCompileJs:
		return "FailedToCompileJs"
	case NoHandlersDefined:
		return "NoHandlersDefined"
	case FailedInitStoreHandle:
		return "FailedInitStoreHandle"
	case OnUpdateCallFailed:
		return "OnUpdateCallFailed"
	case OnDeleteCallFailed:
		return "OnDeleteCallFailed"
	case ConversionFailed:
		return "ConversionFailed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is the router's position in its dispatch cycle.
type State int32

const (
	StateIdle State = iota
	StateDispatching
	StateInvoking
	StateSkipped
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateInvoking:
		return "invoking"
	case StateSkipped:
		return "skipped"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
