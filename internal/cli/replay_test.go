package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/harness"
)

var timersScenario = filepath.Join("..", "..", "testdata", "scenarios", "timers.yaml")

// sqliteConfig writes a config whose store lives in dir.
func sqliteConfig(t *testing.T, dir string) string {
	t.Helper()
	return writeFile(t, dir, "worker.yaml", fmt.Sprintf(
		"handler:\n  app_name: replay\nsettings:\n  store_backend: sqlite\n  store_path: %s\n",
		filepath.Join(dir, "store.db")))
}

func mutationFrame(t *testing.T, vb int16, seq uint64, key, value string) []byte {
	t.Helper()
	payload, err := json.Marshal(frame.Mutation{Key: key, Value: json.RawMessage(value)})
	require.NoError(t, err)
	meta := frame.FormatMetadata(frame.Metadata{Partition: vb, Seq: seq, DocType: "json"})
	msg, err := frame.NewMessage(frame.EventChange, frame.OpMutation, vb, meta, payload)
	require.NoError(t, err)
	body, err := frame.Encode(msg)
	require.NoError(t, err)
	return body
}

func controlFrame(t *testing.T, op frame.Opcode) []byte {
	t.Helper()
	msg, err := frame.NewMessage(frame.EventControl, op, frame.Unpartitioned, "", nil)
	require.NoError(t, err)
	body, err := frame.Encode(msg)
	require.NoError(t, err)
	return body
}

func writeFrames(t *testing.T, path string, bodies ...[]byte) {
	t.Helper()
	var buf bytes.Buffer
	for _, b := range bodies {
		require.NoError(t, frame.WriteFrame(&buf, b))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestReplayScenarioText(t *testing.T) {
	out, err := execute(NewReplayCommand(&RootOptions{Format: "text"}), timersScenario)
	require.NoError(t, err)
	assert.Contains(t, out, "Replay: timers")
	assert.Contains(t, out, harness.EventTimerCreate)
	assert.Contains(t, out, "frame(s) emitted")
}

func TestReplayScenarioJSON(t *testing.T) {
	out, err := execute(NewReplayCommand(&RootOptions{Format: "json"}), timersScenario)
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Pass)
	assert.Equal(t, "Success", resp.Data.LoadStatus)
	assert.NotEmpty(t, resp.Data.Trace)
}

func TestReplayScenarioFailedAssertions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "copy.js", "function OnUpdate(doc, meta) { bucket.set(\"copy::\" + meta.id, doc); }\n")
	path := writeFile(t, dir, "s.yaml", `name: wrong_count
handler: copy.js
steps:
  - mutation: { vb: 0, seq: 1, key: a, value: { n: 1 } }
assertions:
  - type: trace_count
    event: store_ack
    count: 5
`)

	out, err := execute(NewReplayCommand(&RootOptions{Format: "text"}), path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Replay did not pass")
}

func TestReplayFrames(t *testing.T) {
	dir := t.TempDir()
	cfgPath := sqliteConfig(t, dir)
	framesPath := filepath.Join(dir, "capture.bin")
	writeFrames(t, framesPath,
		mutationFrame(t, 3, 10, "a", `{"n":1}`),
		mutationFrame(t, 3, 11, "b", `{"n":2}`),
		controlFrame(t, frame.OpFlushCheckpoint),
	)

	out, err := execute(NewReplayCommand(&RootOptions{Format: "json"}),
		"--frames", framesPath, "--handler", copyHandler, "-c", cfgPath)
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Pass)

	var types []string
	for _, ev := range resp.Data.Trace {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{harness.EventStoreAck, harness.EventStoreAck, harness.EventCheckpoint}, types)
	assert.Equal(t, int16(3), resp.Data.Trace[2].Partition)
	assert.EqualValues(t, 2, resp.Data.Counters["on_update_success"])
}

func TestReplayFramesTruncated(t *testing.T) {
	dir := t.TempDir()
	cfgPath := sqliteConfig(t, dir)
	framesPath := filepath.Join(dir, "capture.bin")
	body := mutationFrame(t, 0, 1, "a", `{"n":1}`)
	var buf bytes.Buffer
	require.NoError(t, frame.WriteFrame(&buf, body))
	require.NoError(t, os.WriteFile(framesPath, buf.Bytes()[:buf.Len()-3], 0o644))

	_, err := execute(NewReplayCommand(&RootOptions{Format: "text"}),
		"--frames", framesPath, "--handler", copyHandler, "-c", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReplayArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"nothing", nil},
		{"both scenario and frames", []string{timersScenario, "--frames", "x.bin"}},
		{"frames without handler", []string{"--frames", "x.bin"}},
		{"missing scenario", []string{filepath.Join("testdata", "nope.yaml")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(NewReplayCommand(&RootOptions{Format: "text"}), tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}
