package harness

import "encoding/json"

// Trace event types, one per outbound frame kind.
const (
	EventStoreAck    = "store_ack"
	EventCheckpoint  = "checkpoint"
	EventTimerCreate = "timer_create"
)

// TraceEvent is one outbound frame produced by the worker.
type TraceEvent struct {
	Type      string          `json:"type"`
	Partition int16           `json:"partition"`
	Metadata  string          `json:"metadata,omitempty"`
	Body      json.RawMessage `json:"body"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if the load status matched and all assertions held.
	Pass bool `json:"pass"`

	// LoadStatus is the status returned when loading the handler.
	LoadStatus string `json:"load_status"`

	// Trace contains the outbound frames: store responses in emission
	// order, then timer responses in emission order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Counters holds the non-zero worker counters after the run.
	Counters map[string]int64 `json:"counters"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Counters: make(map[string]int64),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an outbound frame to the trace.
func (r *Result) AddTrace(eventType string, partition int16, metadata string, body []byte) {
	if len(body) == 0 {
		body = []byte("null")
	}
	r.Trace = append(r.Trace, TraceEvent{
		Type:      eventType,
		Partition: partition,
		Metadata:  metadata,
		Body:      json.RawMessage(body),
	})
}
