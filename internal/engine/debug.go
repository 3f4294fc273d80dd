package engine

import (
	"context"
	"sync/atomic"

	"github.com/roach88/cdcrun/internal/script"
)

// debugActive records whether any debug session exists in this process.
// One session per process; DebugCapability is the only way to set it.
var debugActive atomic.Bool

// DebugCapability is the right to run a debug session.
// At most one exists at a time per process.
type DebugCapability struct {
	released atomic.Bool
}

// AcquireDebug takes the process-wide debug capability.
func AcquireDebug() (*DebugCapability, error) {
	if !debugActive.CompareAndSwap(false, true) {
		return nil, ErrDebuggerBusy
	}
	return &DebugCapability{}, nil
}

// Release gives the capability back. Safe to call more than once.
func (c *DebugCapability) Release() {
	if c.released.CompareAndSwap(false, true) {
		debugActive.Store(false)
	}
}

// DebuggerActive reports whether a debug session exists in this process.
func DebuggerActive() bool {
	return debugActive.Load()
}

// debugSession is a private compiled copy of the handler. It never shares
// a runtime with the router, so debugger calls cannot race dispatch.
type debugSession struct {
	capability *DebugCapability
	handler    *script.CompiledHandler
}

// AttachDebugger acquires the debug capability and compiles a private
// copy of the current handler. Router invocations stay under the
// watchdog while the session is open.
func (w *Worker) AttachDebugger() error {
	h := w.handler.Load()
	if h == nil {
		return ErrNoHandler
	}

	dc, err := AcquireDebug()
	if err != nil {
		return err
	}

	dh, err := w.env.Compile(h.Source())
	if err != nil {
		dc.Release()
		return err
	}

	w.debugMu.Lock()
	defer w.debugMu.Unlock()
	w.debug = &debugSession{capability: dc, handler: dh}

	w.logger.Info("debugger attached",
		"worker_id", w.workerID,
		"port", w.cfg.Settings.DebuggerPort)
	return nil
}

// DetachDebugger ends the session and releases the capability.
func (w *Worker) DetachDebugger() {
	w.debugMu.Lock()
	defer w.debugMu.Unlock()

	if w.debug == nil {
		return
	}
	w.debug.capability.Release()
	w.debug = nil
	w.logger.Info("debugger detached", "worker_id", w.workerID)
}

// DebugExecute invokes an entry point on the debug copy, bypassing the
// queue. Staged writes and timers are returned, not committed.
func (w *Worker) DebugExecute(ctx context.Context, entry string, args ...any) (*script.Result, error) {
	w.debugMu.Lock()
	defer w.debugMu.Unlock()

	if w.debug == nil {
		return nil, ErrDebuggerDetached
	}
	return w.debug.handler.Invoke(ctx, entry, args...)
}

// DebugEval evaluates a script in the debug copy's runtime.
func (w *Worker) DebugEval(ctx context.Context, src string) (any, error) {
	w.debugMu.Lock()
	defer w.debugMu.Unlock()

	if w.debug == nil {
		return nil, ErrDebuggerDetached
	}
	return w.debug.handler.ExecuteRaw(ctx, src)
}
