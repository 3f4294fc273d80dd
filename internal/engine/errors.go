package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Run on a worker that is running.
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrNoHandler is returned by debugger calls before a handler is loaded.
	ErrNoHandler = errors.New("no handler loaded")

	// ErrDebuggerBusy is returned when another debug session holds the
	// process-wide debug capability.
	ErrDebuggerBusy = errors.New("debugger already attached in this process")

	// ErrDebuggerDetached is returned by debug calls without an attached session.
	ErrDebuggerDetached = errors.New("debugger not attached")
)

// LoadError reports why Load refused a handler.
type LoadError struct {
	Status Status
	Err    error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError returns true if the error is (or wraps) a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
