// Package harness runs handler scenarios against a real worker.
//
// A scenario loads one handler, seeds a scratch SQLite store, feeds the
// worker a list of frames, and asserts on what came out: response frames,
// counters, checkpoints and stored documents.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: copy_on_update
//	description: "Mutations are copied under a prefix"
//	handler: handlers/copy.js        # or inline: source: |
//	config:                          # handler config overrides
//	  execution_timeout: 50ms
//	seed:
//	  - key: existing
//	    value: { n: 1 }
//	steps:
//	  - mutation: { vb: 1, seq: 5, key: a, value: { n: 1 } }
//	  - deletion: { vb: 1, seq: 6, key: existing }
//	  - timer: { callback: Remind, context: { id: a } }
//	  - control: { op: flush_checkpoint }
//	  - raw: { event: 9, opcode: 1, partition: 0 }
//	assertions:
//	  - type: document
//	    key: copy::a
//	    expect: { n: 1 }
//	  - type: checkpoint
//	    vb: 1
//	    seq: 6
//
// A shutdown is appended to the steps; the worker drains everything before
// the assertions run.
//
// # Assertion Types
//
//   - trace_contains: an event type appears, optionally referring to a key
//   - trace_order: event types appear in the given order
//   - trace_count: an event type appears exactly N times
//   - counter: a worker counter has the given value (absent counters are 0)
//   - checkpoint: a partition's acknowledged checkpoint
//   - document: a stored document equals the expected JSON, or is absent
//   - final_state: query a store table and verify expected values
//
// # Deterministic Testing
//
// Every scenario runs with worker id "harness", no periodic checkpoints and
// a fresh database, so the trace depends only on the scenario. Golden files
// (RunWithGolden) capture the load status, the trace and the non-zero
// counters.
package harness
