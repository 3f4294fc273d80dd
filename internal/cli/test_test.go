package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: %s
source: |
  function OnUpdate(doc, meta) { bucket.set("copy::" + meta.id, doc); }
steps:
  - mutation: { vb: 0, seq: 1, key: a, value: { n: 1 } }
assertions:
  - type: document
    key: copy::a
    expect: { n: 1 }
`

const failingScenario = `name: broken
source: |
  function OnUpdate(doc, meta) { bucket.set("copy::" + meta.id, doc); }
steps:
  - mutation: { vb: 0, seq: 1, key: a, value: { n: 1 } }
assertions:
  - type: document
    key: copy::a
    expect: { n: 2 }
`

func scenarioDir(t *testing.T, scenarios map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range scenarios {
		writeFile(t, dir, name+".yaml", body)
	}
	return dir
}

func TestTestCommandShippedScenarios(t *testing.T) {
	dir := filepath.Join("..", "..", "testdata", "scenarios")
	goldenDir := filepath.Join("..", "harness", "testdata", "golden")

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), dir, "--golden-dir", goldenDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ copy_on_update")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandUpdateThenMatch(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"one": fmt.Sprintf(passingScenario, "one")})

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "(golden updated)")
	assert.FileExists(t, filepath.Join(dir, "golden", "one.golden"))

	out, err = execute(NewTestCommand(&RootOptions{Format: "json"}), dir)
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "match", resp.Data.Scenarios[0].Golden)
	assert.Equal(t, 1, resp.Data.Passed)
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"one": fmt.Sprintf(passingScenario, "one")})
	writeFile(t, dir, filepath.Join("golden", "one.golden"), "{}\n")

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommandFailures(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"one":    fmt.Sprintf(passingScenario, "one"),
		"broken": failingScenario,
	})

	out, err := execute(NewTestCommand(&RootOptions{Format: "json"}), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	assert.Equal(t, 2, resp.Data.Total)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
}

func TestTestCommandFilter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"one":    fmt.Sprintf(passingScenario, "one"),
		"broken": failingScenario,
	})

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), dir, "--filter", "on*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")

	_, err = execute(NewTestCommand(&RootOptions{Format: "text"}), dir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandUnloadableScenario(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"bad": "name: bad\nbogus_field: 1\n"})

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), dir)
	require.Error(t, err)
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandMissingDir(t *testing.T) {
	_, err := execute(NewTestCommand(&RootOptions{Format: "text"}), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
