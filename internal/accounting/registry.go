// Package accounting holds the failure counters and latency histogram of a
// worker.
//
// A Registry is created with the worker and lives as long as it does. There
// is no global instance, so tests can build as many independent registries as
// they need.
package accounting

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Registry is the metrics registry of one worker.
//
// Counters are plain atomics. The store error-code map is guarded by its own
// mutex, held only for the map access.
type Registry struct {
	// failure accounting
	StoreErrors       atomic.Int64 // store op failed after retries
	QueryErrors       atomic.Int64
	Timeouts          atomic.Int64 // watchdog-forced aborts
	CheckpointFailure atomic.Int64 // write flush failed, checkpoint pinned
	StoreRetryFailure atomic.Int64 // individual failed attempts that were retried
	TimerCreateFailed atomic.Int64
	ParseFailures     atomic.Int64
	Unrecognized      atomic.Int64

	// handler outcomes
	OnUpdateSuccess atomic.Int64
	OnUpdateFailure atomic.Int64
	OnDeleteSuccess atomic.Int64
	OnDeleteFailure atomic.Int64
	TimerSuccess    atomic.Int64
	TimerFailure    atomic.Int64

	// routing
	MessagesProcessed atomic.Int64
	MutationMsgs      atomic.Int64
	DeletionMsgs      atomic.Int64
	TimerMsgs         atomic.Int64
	ControlMsgs       atomic.Int64
	Skipped           atomic.Int64

	EnqueuedMutations atomic.Int64
	EnqueuedDeletions atomic.Int64
	EnqueuedTimers    atomic.Int64

	Latency *Histogram

	storeExcMu sync.Mutex
	storeExc   map[string]int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		Latency:  NewHistogram(),
		storeExc: make(map[string]int64),
	}
}

// AddStoreException counts one store error by its code.
func (r *Registry) AddStoreException(code string) {
	r.storeExcMu.Lock()
	r.storeExc[code]++
	r.storeExcMu.Unlock()
}

// ListStoreExceptions returns a copy of the store error-code counts.
func (r *Registry) ListStoreExceptions() map[string]int64 {
	r.storeExcMu.Lock()
	defer r.storeExcMu.Unlock()
	out := make(map[string]int64, len(r.storeExc))
	for k, v := range r.storeExc {
		out[k] = v
	}
	return out
}

// Snapshot is a point-in-time copy of a Registry, suitable for JSON output.
type Snapshot struct {
	Counters        map[string]int64 `json:"counters"`
	StoreExceptions map[string]int64 `json:"store_exceptions,omitempty"`
	Latency         map[int64]int64  `json:"latency_us,omitempty"`
	LatencySamples  int64            `json:"latency_samples"`
}

// Snapshot copies every counter.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Counters: map[string]int64{
			"bucket_op_exception_count": r.StoreErrors.Load(),
			"query_exception_count":     r.QueryErrors.Load(),
			"timeout_count":             r.Timeouts.Load(),
			"checkpoint_failure_count":  r.CheckpointFailure.Load(),
			"store_retry_failure":       r.StoreRetryFailure.Load(),
			"timer_create_failure":      r.TimerCreateFailed.Load(),
			"parse_failure_count":       r.ParseFailures.Load(),
			"unrecognized_msg_count":    r.Unrecognized.Load(),
			"on_update_success":         r.OnUpdateSuccess.Load(),
			"on_update_failure":         r.OnUpdateFailure.Load(),
			"on_delete_success":         r.OnDeleteSuccess.Load(),
			"on_delete_failure":         r.OnDeleteFailure.Load(),
			"timer_callback_success":    r.TimerSuccess.Load(),
			"timer_callback_failure":    r.TimerFailure.Load(),
			"messages_processed":        r.MessagesProcessed.Load(),
			"dcp_mutation_msg_counter":  r.MutationMsgs.Load(),
			"dcp_delete_msg_counter":    r.DeletionMsgs.Load(),
			"timer_msg_counter":         r.TimerMsgs.Load(),
			"control_msg_counter":       r.ControlMsgs.Load(),
			"skipped_msg_counter":       r.Skipped.Load(),
			"enqueued_dcp_mutation":     r.EnqueuedMutations.Load(),
			"enqueued_dcp_delete":       r.EnqueuedDeletions.Load(),
			"enqueued_timer":            r.EnqueuedTimers.Load(),
		},
		StoreExceptions: r.ListStoreExceptions(),
		Latency:         r.Latency.Snapshot(),
		LatencySamples:  r.Latency.Count(),
	}
}

// CounterNames returns the counter names of a snapshot in sorted order.
func (s Snapshot) CounterNames() []string {
	names := make([]string, 0, len(s.Counters))
	for k := range s.Counters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
