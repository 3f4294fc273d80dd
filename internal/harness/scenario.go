package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a handler test scenario.
// A scenario loads one handler into a worker, feeds it a sequence of
// frames, and asserts on the outbound frames, counters and store contents.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Handler is a path to the handler source. Relative paths resolve
	// against the scenario file's directory. Exclusive with Source.
	Handler string `yaml:"handler,omitempty"`

	// Source is inline handler source. Exclusive with Handler.
	Source string `yaml:"source,omitempty"`

	// Config overrides handler settings, using the keys of the handler
	// section of the worker config file.
	Config yaml.Node `yaml:"config,omitempty"`

	// LoadStatus is the expected status of loading the handler.
	// Defaults to "Success".
	LoadStatus string `yaml:"load_status,omitempty"`

	// Seed documents are written to the store before the worker starts.
	Seed []Document `yaml:"seed,omitempty"`

	// Steps are enqueued in order. A shutdown is appended automatically.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace, counters and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Document is a store entry.
type Document struct {
	Key   string `yaml:"key"`
	Value any    `yaml:"value"`
}

// Step is one inbound frame. Exactly one field must be set.
type Step struct {
	Mutation *ChangeStep  `yaml:"mutation,omitempty"`
	Deletion *ChangeStep  `yaml:"deletion,omitempty"`
	Timer    *TimerStep   `yaml:"timer,omitempty"`
	Control  *ControlStep `yaml:"control,omitempty"`
	Raw      *RawStep     `yaml:"raw,omitempty"`
}

// ChangeStep is a mutation or deletion.
type ChangeStep struct {
	VB    int16  `yaml:"vb"`
	Seq   uint64 `yaml:"seq"`
	Type  string `yaml:"type,omitempty"` // document type, default "json"
	Key   string `yaml:"key"`
	Value any    `yaml:"value,omitempty"` // mutations only
	Ack   bool   `yaml:"ack,omitempty"`
}

// TimerStep is a timer firing.
type TimerStep struct {
	Callback  string `yaml:"callback"`
	Reference string `yaml:"reference,omitempty"`
	DueMs     int64  `yaml:"due_ms,omitempty"`
	Context   any    `yaml:"context,omitempty"`
}

// ControlStep is an administrative message.
type ControlStep struct {
	// Op is one of update_filter, erase_filter, flush_checkpoint, shutdown.
	Op  string `yaml:"op"`
	VB  int16  `yaml:"vb,omitempty"`
	Seq uint64 `yaml:"seq,omitempty"`
}

// RawStep is an arbitrary frame, for malformed or unrecognized input.
type RawStep struct {
	Event     uint8  `yaml:"event"`
	Opcode    uint8  `yaml:"opcode"`
	Partition int16  `yaml:"partition"`
	Metadata  string `yaml:"metadata,omitempty"`
	Payload   string `yaml:"payload,omitempty"`
}

// Control ops.
const (
	ControlUpdateFilter    = "update_filter"
	ControlEraseFilter     = "erase_filter"
	ControlFlushCheckpoint = "flush_checkpoint"
	ControlShutdown        = "shutdown"
)

// Assertion validates trace, counters or state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event of Event type (with Key, if set) was emitted
	// - "trace_order": event types appear in order
	// - "trace_count": Event type appears exactly Count times
	// - "counter": counter Name equals Value
	// - "checkpoint": partition VB's checkpoint equals Seq
	// - "document": store key Key holds JSON equal to Expect, or is Absent
	// - "final_state": query a store table and verify expected values
	Type string `yaml:"type"`

	// Event is the trace event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Events is the expected event order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Name and Value identify a counter (counter).
	Name  string `yaml:"name,omitempty"`
	Value int64  `yaml:"value,omitempty"`

	// VB and Seq identify a checkpoint (checkpoint).
	VB  int16  `yaml:"vb,omitempty"`
	Seq uint64 `yaml:"seq,omitempty"`

	// Key is a document key (document), or a written or timer key
	// (trace_contains).
	Key string `yaml:"key,omitempty"`

	// Absent asserts the document does not exist (document).
	Absent bool `yaml:"absent,omitempty"`

	// Table is the store table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state).
	// All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected values: the document JSON (document), or
	// a subset of row fields (final_state).
	Expect any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertCounter       = "counter"
	AssertCheckpoint    = "checkpoint"
	AssertDocument      = "document"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative handler path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the handler path relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Handler != "" && !filepath.IsAbs(scenario.Handler) && basePath != "" {
		scenario.Handler = filepath.Join(basePath, scenario.Handler)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case s.Handler == "" && s.Source == "":
		return fmt.Errorf("one of handler or source is required")
	case s.Handler != "" && s.Source != "":
		return fmt.Errorf("handler and source are mutually exclusive")
	}
	if s.Handler != "" {
		if _, err := os.Stat(s.Handler); os.IsNotExist(err) {
			return &HandlerNotFoundError{Scenario: s.Name, Path: s.Handler}
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, d := range s.Seed {
		if d.Key == "" {
			return fmt.Errorf("seed[%d]: key is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateStep checks that exactly one frame kind is set.
func validateStep(index int, st *Step) error {
	set := 0
	for _, present := range []bool{st.Mutation != nil, st.Deletion != nil, st.Timer != nil, st.Control != nil, st.Raw != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of mutation, deletion, timer, control, raw is required", index)
	}

	switch {
	case st.Mutation != nil:
		if st.Mutation.Key == "" {
			return fmt.Errorf("steps[%d]: mutation key is required", index)
		}
	case st.Deletion != nil:
		if st.Deletion.Key == "" {
			return fmt.Errorf("steps[%d]: deletion key is required", index)
		}
	case st.Timer != nil:
		if st.Timer.Callback == "" {
			return fmt.Errorf("steps[%d]: timer callback is required", index)
		}
	case st.Control != nil:
		switch st.Control.Op {
		case ControlUpdateFilter, ControlEraseFilter, ControlFlushCheckpoint, ControlShutdown:
		default:
			return fmt.Errorf("steps[%d]: unknown control op %q", index, st.Control.Op)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertCounter:
		if a.Name == "" {
			return fmt.Errorf("assertions[%d]: name is required for counter", index)
		}
	case AssertCheckpoint:
		if a.Seq == 0 {
			return fmt.Errorf("assertions[%d]: seq is required for checkpoint", index)
		}
	case AssertDocument:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for document", index)
		}
		if a.Expect == nil && !a.Absent {
			return fmt.Errorf("assertions[%d]: expect or absent is required for document", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if m, ok := a.Expect.(map[string]any); !ok || len(m) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// HandlerNotFoundError is returned when a scenario's handler file doesn't exist.
type HandlerNotFoundError struct {
	Scenario string
	Path     string
}

// Error implements the error interface.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("scenario %q references handler file %q which does not exist", e.Scenario, e.Path)
}
