package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/cdcrun/internal/config"
	"github.com/roach88/cdcrun/internal/engine"
	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/store"
)

// HarnessWorkerID is the worker id used in every scenario, so checkpoint
// frames are deterministic.
const HarnessWorkerID = "harness"

// runTimeout bounds one scenario run.
const runTimeout = 30 * time.Second

// Harness is the test execution engine.
// It runs one scenario against a real worker and a scratch SQLite store.
type Harness struct {
	store  *store.SQLite
	worker *engine.Worker
	logger *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh SQLite database in a temp directory,
// so scenarios are isolated from each other.
//
// Execution flow:
// 1. Create fresh store and seed it
// 2. Build a worker from the default config plus scenario overrides
// 3. Load the handler and compare the load status
// 4. Enqueue the steps followed by a shutdown, run until drained
// 5. Collect outbound frames and counters, evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	source, err := scenarioSource(scenario)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "cdcrun-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	cfg, err := scenarioConfig(scenario)
	if err != nil {
		return nil, err
	}

	st, err := store.OpenSQLite(filepath.Join(dir, "scenario.db"), cfg.Handler.PoolCapacity+2)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	w, err := engine.New(cfg, st, engine.WithLogger(logger), engine.WithLogRates(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	h := &Harness{store: st, worker: w, logger: logger}
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if err := h.seed(ctx, scenario.Seed); err != nil {
		return nil, fmt.Errorf("failed to seed store: %w", err)
	}

	result := NewResult()

	status, _ := w.Load(ctx, source)
	result.LoadStatus = status.String()
	want := scenario.LoadStatus
	if want == "" {
		want = engine.Success.String()
	}
	if result.LoadStatus != want {
		result.AddError(fmt.Sprintf("load status: expected %s, got %s", want, result.LoadStatus))
	}

	if err := h.executeSteps(scenario.Steps); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}
	if err := w.Run(ctx); err != nil {
		return nil, fmt.Errorf("worker run: %w", err)
	}

	if err := h.collect(result); err != nil {
		return nil, err
	}

	actx := &AssertionContext{
		Store:   st,
		Tracker: w.Tracker(),
		Ctx:     ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func scenarioSource(s *Scenario) (string, error) {
	if s.Source != "" {
		return s.Source, nil
	}
	b, err := os.ReadFile(s.Handler)
	if err != nil {
		return "", fmt.Errorf("failed to read handler: %w", err)
	}
	return string(b), nil
}

// scenarioConfig applies the scenario's overrides to the default config.
// Checkpoints are only emitted on explicit flushes and at shutdown, so
// traces do not depend on timing.
func scenarioConfig(s *Scenario) (config.Config, error) {
	cfg := config.Default()
	cfg.Settings.WorkerID = HarnessWorkerID
	cfg.Settings.CheckpointInterval = 0
	cfg.Handler.AppName = s.Name

	if s.Config.Kind != 0 {
		if err := s.Config.Decode(&cfg.Handler); err != nil {
			return config.Config{}, fmt.Errorf("invalid config override: %w", err)
		}
	}
	return cfg, nil
}

// seed writes the scenario's initial documents.
func (h *Harness) seed(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	c, err := h.store.Dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, d := range docs {
		b, err := json.Marshal(d.Value)
		if err != nil {
			return fmt.Errorf("seed %q: %w", d.Key, err)
		}
		if err := c.Set(ctx, d.Key, b, 0); err != nil {
			return fmt.Errorf("seed %q: %w", d.Key, err)
		}
	}
	return nil
}

// executeSteps encodes and enqueues every step, then a shutdown.
// Frames the worker rejects (for example a timer with a bad payload) are
// counted by the worker and otherwise ignored.
func (h *Harness) executeSteps(steps []Step) error {
	for i, step := range steps {
		body, err := encodeStep(step)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if err := h.worker.EnqueueFrame(body); err != nil {
			h.logger.Info("step rejected", "step", i, "error", err)
		}
	}

	shutdown, err := frame.NewMessage(frame.EventControl, frame.OpShutdown, frame.Unpartitioned, "", nil)
	if err != nil {
		return err
	}
	h.worker.Enqueue(shutdown)
	return nil
}

// encodeStep renders a step as a frame body.
func encodeStep(st Step) ([]byte, error) {
	var (
		msg *frame.WorkerMessage
		err error
	)

	switch {
	case st.Mutation != nil:
		m := st.Mutation
		value, verr := json.Marshal(m.Value)
		if verr != nil {
			return nil, verr
		}
		payload, perr := json.Marshal(frame.Mutation{Key: m.Key, Value: value})
		if perr != nil {
			return nil, perr
		}
		msg, err = frame.NewMessage(frame.EventChange, frame.OpMutation, m.VB, changeMetadata(m), payload)

	case st.Deletion != nil:
		d := st.Deletion
		payload, perr := json.Marshal(frame.Deletion{Key: d.Key})
		if perr != nil {
			return nil, perr
		}
		msg, err = frame.NewMessage(frame.EventChange, frame.OpDeletion, d.VB, changeMetadata(d), payload)

	case st.Timer != nil:
		t := st.Timer
		entry := frame.TimerEntry{Callback: t.Callback, Reference: t.Reference, DueMs: t.DueMs}
		if t.Context != nil {
			b, cerr := json.Marshal(t.Context)
			if cerr != nil {
				return nil, cerr
			}
			entry.Context = b
		}
		payload, perr := json.Marshal(entry)
		if perr != nil {
			return nil, perr
		}
		msg, err = frame.NewMessage(frame.EventTimer, frame.OpTimerFire, frame.Unpartitioned, "", payload)

	case st.Control != nil:
		msg, err = controlMessage(st.Control)

	case st.Raw != nil:
		r := st.Raw
		msg, err = frame.NewMessage(frame.Event(r.Event), frame.Opcode(r.Opcode), r.Partition, r.Metadata, []byte(r.Payload))

	default:
		return nil, fmt.Errorf("empty step")
	}
	if err != nil {
		return nil, err
	}
	return frame.Encode(msg)
}

func changeMetadata(c *ChangeStep) string {
	docType := c.Type
	if docType == "" {
		docType = "json"
	}
	return frame.FormatMetadata(frame.Metadata{Partition: c.VB, Seq: c.Seq, DocType: docType, Ack: c.Ack})
}

func controlMessage(c *ControlStep) (*frame.WorkerMessage, error) {
	switch c.Op {
	case ControlUpdateFilter:
		meta := frame.FormatMetadata(frame.Metadata{Partition: c.VB, Seq: c.Seq, DocType: "control"})
		return frame.NewMessage(frame.EventControl, frame.OpUpdateFilter, c.VB, meta, nil)
	case ControlEraseFilter:
		return frame.NewMessage(frame.EventControl, frame.OpEraseFilter, c.VB, "", nil)
	case ControlFlushCheckpoint:
		return frame.NewMessage(frame.EventControl, frame.OpFlushCheckpoint, frame.Unpartitioned, "", nil)
	case ControlShutdown:
		return frame.NewMessage(frame.EventControl, frame.OpShutdown, frame.Unpartitioned, "", nil)
	default:
		return nil, fmt.Errorf("unknown control op %q", c.Op)
	}
}

// collect moves outbound frames and non-zero counters into the result.
func (h *Harness) collect(result *Result) error {
	for _, body := range h.worker.DrainStoreResponses() {
		if err := addResponse(result, body); err != nil {
			return err
		}
	}
	for _, body := range h.worker.DrainTimerResponses(0) {
		if err := addResponse(result, body); err != nil {
			return err
		}
	}

	snap := h.worker.Registry().Snapshot()
	for name, v := range snap.Counters {
		if v != 0 {
			result.Counters[name] = v
		}
	}
	return nil
}

func addResponse(result *Result, body []byte) error {
	ev, err := DecodeResponse(body)
	if err != nil {
		return err
	}
	result.Trace = append(result.Trace, ev)
	return nil
}

// DecodeResponse turns an outbound frame body into a trace event.
func DecodeResponse(body []byte) (TraceEvent, error) {
	msg, err := frame.Decode(body)
	if err != nil {
		return TraceEvent{}, fmt.Errorf("decode response: %w", err)
	}
	var eventType string
	switch msg.Header.Opcode {
	case frame.OpStoreAck:
		eventType = EventStoreAck
	case frame.OpCheckpoint:
		eventType = EventCheckpoint
	case frame.OpTimerCreate:
		eventType = EventTimerCreate
	default:
		return TraceEvent{}, fmt.Errorf("unexpected response opcode %d", msg.Header.Opcode)
	}
	var r Result
	r.AddTrace(eventType, msg.Header.Partition, msg.Header.Metadata, msg.Payload.Payload)
	return r.Trace[0], nil
}
