// Package script hosts user handler scripts in goja runtimes.
//
// Each worker has two kinds of execution context:
//
//   - Handler context: a CompiledHandler owns one goja.Runtime with the
//     wrapped user source loaded and its OnUpdate/OnDelete entry points
//     resolved. Only the router goroutine invokes it.
//   - Utility context: an Environment owns a separate runtime for internal
//     helper evaluation. User code never runs there, so helper state cannot
//     be observed or corrupted by a handler.
//
// Handlers see these globals:
//
//	bucket.get(key)                  // synchronous read through the pool
//	bucket.set(key, value[, secs])   // staged until the invocation succeeds
//	bucket.delete(key)               // staged
//	query(sql, ...params)            // synchronous, backend permitting
//	createTimer(cb, dueMs, ref, ctx) // staged timer registration
//	log(...args)
//
// Store and query failures are thrown as catchable StoreError and
// QueryError objects. Exceptions that escape a handler are returned to the
// caller as *Exception values; nothing a script does can panic the caller.
//
// Reloading never mutates a live handler: Compile builds a fresh runtime
// and the caller swaps it in.
package script
