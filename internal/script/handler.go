package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/roach88/cdcrun/internal/frame"
)

// Write is a store mutation staged by an invocation.
type Write struct {
	Op     string // "set" or "delete"
	Key    string
	Value  []byte
	Expiry time.Duration
}

// Write ops.
const (
	OpSet    = "set"
	OpDelete = "delete"
)

// Result is what a successful invocation produced.
type Result struct {
	// Writes in the order the handler issued them.
	Writes []Write

	// Timers registered with createTimer.
	Timers []frame.TimerEntry

	// Value is the exported return value of the entry point.
	Value any
}

// invocation is the per-call state the bindings stage into.
type invocation struct {
	ctx    context.Context
	writes []Write
	timers []frame.TimerEntry
}

// CompiledHandler is a loaded handler and the runtime that hosts it.
//
// Thread-safety: Invoke and ExecuteRaw must be called from one goroutine
// at a time. Interrupt may be called from any goroutine.
type CompiledHandler struct {
	rt      *goja.Runtime
	opts    Options
	version string
	source  string

	onUpdate goja.Callable
	onDelete goja.Callable

	// cached JSON helpers from the handler runtime
	jsonParse     goja.Callable
	jsonStringify goja.Callable

	cur *invocation
}

// Version returns the fingerprint of the source this handler was built from.
func (h *CompiledHandler) Version() string {
	return h.version
}

// Source returns the unwrapped user source.
func (h *CompiledHandler) Source() string {
	return h.source
}

// Has reports whether the handler defines the given entry point.
func (h *CompiledHandler) Has(entry string) bool {
	switch entry {
	case EntryOnUpdate:
		return h.onUpdate != nil
	case EntryOnDelete:
		return h.onDelete != nil
	default:
		return h.resolve(entry) != nil
	}
}

// Interrupt stops the running invocation at its next bytecode boundary.
// The invocation returns an *Exception classified ClassTimeout.
// Safe to call from any goroutine.
func (h *CompiledHandler) Interrupt(reason any) {
	h.rt.Interrupt(reason)
}

// ClearInterrupt drops a pending interrupt that arrived after the
// invocation it targeted had already returned.
func (h *CompiledHandler) ClearInterrupt() {
	h.rt.ClearInterrupt()
}

// Invoke calls an entry point (OnUpdate, OnDelete, or a timer callback
// defined at top level). json.RawMessage arguments are parsed into script
// values; everything else goes through the runtime's Go value mapping.
//
// A failed invocation returns a nil Result and an *Exception; writes and
// timers it staged are discarded.
func (h *CompiledHandler) Invoke(ctx context.Context, entry string, args ...any) (*Result, error) {
	var fn goja.Callable
	switch entry {
	case EntryOnUpdate:
		fn = h.onUpdate
	case EntryOnDelete:
		fn = h.onDelete
	default:
		fn = h.resolve(entry)
	}
	if fn == nil {
		return nil, &Exception{
			Message:        fmt.Sprintf("%s is not defined", entry),
			Classification: ClassUndefined,
		}
	}

	jsArgs := make([]goja.Value, 0, len(args))
	for _, a := range args {
		v, err := h.toValue(a)
		if err != nil {
			return nil, &Exception{
				Message:        fmt.Sprintf("convert argument: %v", err),
				Classification: ClassInternal,
			}
		}
		jsArgs = append(jsArgs, v)
	}

	inv := &invocation{ctx: ctx}
	h.cur = inv
	defer func() { h.cur = nil }()

	ret, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, toException(err)
	}

	res := &Result{Writes: inv.writes, Timers: inv.timers}
	if ret != nil && !goja.IsUndefined(ret) {
		res.Value = ret.Export()
	}
	return res, nil
}

// ExecuteRaw evaluates a script in this handler's runtime, bypassing
// entry-point dispatch. Store writes it stages are discarded.
func (h *CompiledHandler) ExecuteRaw(ctx context.Context, src string) (any, error) {
	h.cur = &invocation{ctx: ctx}
	defer func() { h.cur = nil }()
	return executeRaw(ctx, h.rt, src)
}

func (h *CompiledHandler) resolve(name string) goja.Callable {
	v := h.rt.Get(name)
	if v == nil {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return fn
}

func (h *CompiledHandler) toValue(a any) (goja.Value, error) {
	raw, ok := a.(json.RawMessage)
	if !ok {
		return h.rt.ToValue(a), nil
	}
	if len(raw) == 0 {
		return goja.Null(), nil
	}
	return h.jsonParse(goja.Undefined(), h.rt.ToValue(string(raw)))
}

// toException converts a runtime error into an *Exception.
func toException(err error) *Exception {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return &Exception{
			Message:        fmt.Sprintf("execution interrupted: %v", ie.Value()),
			Stack:          ie.String(),
			Classification: ClassTimeout,
		}
	}

	var je *goja.Exception
	if errors.As(err, &je) {
		ex := &Exception{
			Message:        je.Error(),
			Stack:          je.String(),
			Classification: ClassException,
		}
		if obj, ok := je.Value().(*goja.Object); ok {
			if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
				ex.Name = n.String()
			}
			if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
				ex.Message = m.String()
			}
		} else if v := je.Value(); v != nil {
			ex.Message = v.String()
		}
		return ex
	}

	return &Exception{Message: err.Error(), Classification: ClassInternal}
}
