package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get for a missing or expired key.
	ErrNotFound = errors.New("store: key not found")

	// ErrPoolClosed is returned by a Pool after Close.
	ErrPoolClosed = errors.New("store: pool closed")

	// ErrUnsupported is returned by backends that cannot serve an operation.
	ErrUnsupported = errors.New("store: operation not supported by backend")
)

// Error codes recorded in the accounting registry.
const (
	CodeTimeout      = "timeout"
	CodeCanceled     = "canceled"
	CodePoolClosed   = "pool_closed"
	CodeNotConnected = "not_connected"
	CodeUnsupported  = "unsupported"
	CodeBackend      = "backend"
)

// Error is a store operation that failed after its retries ran out.
type Error struct {
	Op       string
	Key      string
	Code     string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %q failed after %d attempt(s) [%s]: %v", e.Op, e.Key, e.Attempts, e.Code, e.Err)
	}
	return fmt.Sprintf("store %s failed after %d attempt(s) [%s]: %v", e.Op, e.Attempts, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err is (or wraps) a *Error.
func IsStoreError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// dialError marks failures to establish a connection.
type dialError struct{ err error }

func (e *dialError) Error() string { return "dial: " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

func classify(err error) string {
	var de *dialError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, ErrPoolClosed):
		return CodePoolClosed
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	case errors.As(err, &de):
		return CodeNotConnected
	default:
		return CodeBackend
	}
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch classify(err) {
	case CodeCanceled, CodePoolClosed, CodeUnsupported:
		return false
	default:
		return true
	}
}
