package engine

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/cdcrun/internal/accounting"
)

// Interrupter stops a running invocation. *script.CompiledHandler
// satisfies it.
type Interrupter interface {
	Interrupt(reason any)
}

// Watchdog polls the in-flight invocation and aborts it once it runs past
// the execution timeout.
//
// goja interrupts are cooperative: they take effect at the next bytecode
// boundary. A handler blocked inside a native store call finishes that
// call first, which is why the watchdog also cancels the invocation
// context; pool operations honour it.
//
// Thread-safety: Begin/End are called by the router, Run by the watchdog
// goroutine. The in-flight record is guarded by mu, which is never held
// while the script runs.
type Watchdog struct {
	timeout  time.Duration
	interval time.Duration
	reg      *accounting.Registry
	log      *errorLog

	mu     sync.Mutex
	nextID uint64
	cur    *inflight
}

type inflight struct {
	id     uint64
	start  time.Time
	target Interrupter
	cancel context.CancelFunc
	fired  bool
}

// PollInterval derives the watchdog poll interval from the execution
// timeout: a quarter of it, clamped to [1ms, 100ms].
func PollInterval(timeout time.Duration) time.Duration {
	iv := timeout / 4
	if iv < time.Millisecond {
		iv = time.Millisecond
	}
	if iv > 100*time.Millisecond {
		iv = 100 * time.Millisecond
	}
	return iv
}

// NewWatchdog creates a watchdog. A zero timeout disables it.
func NewWatchdog(timeout time.Duration, reg *accounting.Registry, log *errorLog) *Watchdog {
	return &Watchdog{
		timeout:  timeout,
		interval: PollInterval(timeout),
		reg:      reg,
		log:      log,
	}
}

// Begin records the start of an invocation and returns its id.
func (w *Watchdog) Begin(target Interrupter, cancel context.CancelFunc) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	w.cur = &inflight{
		id:     w.nextID,
		start:  time.Now(),
		target: target,
		cancel: cancel,
	}
	return w.nextID
}

// End clears the in-flight record and reports whether the watchdog
// aborted the invocation. After End returns no further interrupt is
// issued for id.
func (w *Watchdog) End(id uint64) (timedOut bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cur == nil || w.cur.id != id {
		return false
	}
	timedOut = w.cur.fired
	w.cur = nil
	return timedOut
}

// Run polls until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	if w.timeout <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.check(now)
		}
	}
}

// check aborts the in-flight invocation if it is overdue.
// Each invocation is aborted and counted at most once.
func (w *Watchdog) check(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cur := w.cur
	if cur == nil || cur.fired {
		return
	}
	elapsed := now.Sub(cur.start)
	if elapsed < w.timeout {
		return
	}

	cur.fired = true
	w.reg.Timeouts.Add(1)
	cur.target.Interrupt("execution timeout")
	if cur.cancel != nil {
		cur.cancel()
	}
	w.log.warn(logTimeout, "invocation exceeded execution timeout",
		"elapsed", elapsed,
		"timeout", w.timeout)
}
