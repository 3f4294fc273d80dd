// Package engine implements the cdcrun worker runtime.
//
// A Worker receives change events, timer firings and control messages,
// runs the loaded handler against them, commits the writes the handler
// staged, and reports progress upstream as response frames.
//
// ARCHITECTURE:
//
// Single-Router Event Loop:
// One goroutine (the router, inside Run) dequeues messages and is the only
// caller of the handler runtime. This ensures:
// - Per-partition processing order matches arrival order
// - Script state never needs locking
// - Progress tracking has a single writer per event
//
// Message Flow:
// 1. Producers call Enqueue / EnqueueFrame (never blocks)
// 2. The router dequeues one message at a time
// 3. dispatch() routes on event kind and opcode; unknown pairs are counted
// 4. Change events are filtered against the partition Tracker, then invoked
// 5. Staged writes are flushed through the store pool, acknowledged with a
//    StoreAck frame, and only then is the partition checkpoint advanced
// 6. Timers created by the handler are emitted as TimerCreate frames
//
// The Watchdog runs on its own goroutine. It aborts an invocation that
// exceeds the execution timeout; the router counts it as a failure and
// moves on.
//
// CRITICAL PATTERNS:
//
// Checkpoint Safety:
// A checkpoint never passes writes the store has not acknowledged. A failed
// flush pins the partition until it is erased by reassignment.
//
// Log and Continue:
// Handler exceptions, timeouts, parse failures and store failures are
// counted in the accounting registry and logged (rate limited per
// category). None of them stop the router.
package engine
