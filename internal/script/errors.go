package script

import (
	"errors"
	"fmt"
)

// CompileError reports a handler that could not be loaded.
type CompileError struct {
	// NoHandlers is set when the source compiled but defines neither
	// OnUpdate nor OnDelete.
	NoHandlers bool

	// Line and Column locate syntax errors in the user source (1-based,
	// header lines excluded). Zero when unknown.
	Line   int
	Column int

	Message string
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("compile: line %d, column %d: %s", e.Line, e.Column, e.Message)
	}
	return "compile: " + e.Message
}

// IsCompileError returns true if the error is (or wraps) a *CompileError.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// IsNoHandlers returns true if the source defined no entry points.
func IsNoHandlers(err error) bool {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce.NoHandlers
	}
	return false
}

// Exception classifications.
const (
	// ClassException is a value thrown by user code and not caught.
	ClassException = "exception"

	// ClassTimeout is an invocation stopped by Interrupt.
	ClassTimeout = "timeout"

	// ClassUndefined is a call to an entry point the handler does not define.
	ClassUndefined = "undefined_entry"

	// ClassInternal is any other failure inside the runtime.
	ClassInternal = "internal"
)

// Exception is a structured failure of a single invocation.
type Exception struct {
	// Name is the thrown error's name property (TypeError, StoreError, ...).
	Name string

	Message string

	// Stack is the runtime's rendering of the exception with its stack.
	Stack string

	Classification string
}

// Error implements the error interface.
func (e *Exception) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s: %s", e.Classification, e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Classification, e.Message)
}

// IsException returns true if the error is (or wraps) an *Exception.
func IsException(err error) bool {
	var ex *Exception
	return errors.As(err, &ex)
}

// IsTimeout returns true if the invocation was interrupted.
func IsTimeout(err error) bool {
	var ex *Exception
	if errors.As(err, &ex) {
		return ex.Classification == ClassTimeout
	}
	return false
}
