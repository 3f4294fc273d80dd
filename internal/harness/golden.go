package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot captures the observable outcome of a scenario execution.
// Latency samples are left out; everything else is deterministic.
type TraceSnapshot struct {
	ScenarioName string           `json:"scenario_name"`
	LoadStatus   string           `json:"load_status"`
	Trace        []TraceEvent     `json:"trace"`
	Counters     map[string]int64 `json:"counters"`
}

// MarshalSnapshot renders a snapshot as indented JSON with a trailing
// newline. Map keys are sorted, so output is byte-stable.
func MarshalSnapshot(s TraceSnapshot) ([]byte, error) {
	if s.Trace == nil {
		s.Trace = []TraceEvent{}
	}
	if s.Counters == nil {
		s.Counters = map[string]int64{}
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalSnapshot(TraceSnapshot{
		ScenarioName: scenarioName,
		LoadStatus:   result.LoadStatus,
		Trace:        result.Trace,
		Counters:     result.Counters,
	})
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
