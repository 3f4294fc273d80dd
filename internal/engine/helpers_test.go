package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cdcrun/internal/config"
	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Handler.AppName = "test"
	cfg.Handler.ExecutionTimeout = 2 * time.Second
	cfg.Handler.StoreRetries = 1
	cfg.Handler.StoreRetryBackoff = time.Millisecond
	cfg.Settings.CheckpointInterval = 0
	cfg.Settings.WorkerID = "w-test"
	return cfg
}

// openTestStore creates a SQLite store in a temp dir.
func openTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "worker.db"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestWorker builds a worker with the given dialer and loads source.
func newTestWorker(t *testing.T, cfg config.Config, d store.Dialer, source string) *Worker {
	t.Helper()
	w, err := New(cfg, d, WithLogger(discardLogger()))
	require.NoError(t, err)
	if source != "" {
		status, err := w.Load(context.Background(), source)
		require.NoError(t, err)
		require.Equal(t, Success, status)
	}
	return w
}

// runToCompletion enqueues msgs followed by a Shutdown and runs the
// worker until it drains.
func runToCompletion(t *testing.T, w *Worker, msgs ...*frame.WorkerMessage) {
	t.Helper()
	for _, m := range msgs {
		require.True(t, w.Enqueue(m), "enqueue %s/%d", m.Header.Event, m.Header.Opcode)
	}
	require.True(t, w.Enqueue(control(t, frame.OpShutdown, frame.Unpartitioned, "")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))
}

func mutation(t *testing.T, p int16, seq uint64, key, value string) *frame.WorkerMessage {
	t.Helper()
	return mutationMeta(t, p, frame.Metadata{Partition: p, Seq: seq, DocType: "json"}, key, value)
}

func mutationMeta(t *testing.T, headerPartition int16, meta frame.Metadata, key, value string) *frame.WorkerMessage {
	t.Helper()
	body, err := json.Marshal(frame.Mutation{Key: key, Value: json.RawMessage(value)})
	require.NoError(t, err)
	msg, err := frame.NewMessage(frame.EventChange, frame.OpMutation, headerPartition, frame.FormatMetadata(meta), body)
	require.NoError(t, err)
	return msg
}

func deletion(t *testing.T, p int16, seq uint64, key string) *frame.WorkerMessage {
	t.Helper()
	body, err := json.Marshal(frame.Deletion{Key: key})
	require.NoError(t, err)
	meta := frame.FormatMetadata(frame.Metadata{Partition: p, Seq: seq, DocType: "json"})
	msg, err := frame.NewMessage(frame.EventChange, frame.OpDeletion, p, meta, body)
	require.NoError(t, err)
	return msg
}

func timerFire(t *testing.T, entry frame.TimerEntry) *frame.WorkerMessage {
	t.Helper()
	body, err := json.Marshal(entry)
	require.NoError(t, err)
	msg, err := frame.NewMessage(frame.EventTimer, frame.OpTimerFire, frame.Unpartitioned, "", body)
	require.NoError(t, err)
	return msg
}

func control(t *testing.T, op frame.Opcode, p int16, metadata string) *frame.WorkerMessage {
	t.Helper()
	msg, err := frame.NewMessage(frame.EventControl, op, p, metadata, nil)
	require.NoError(t, err)
	return msg
}

// responses decodes outbound frames, keeping only those with opcode op.
func responses(t *testing.T, bodies [][]byte, op frame.Opcode) []*frame.WorkerMessage {
	t.Helper()
	var out []*frame.WorkerMessage
	for _, b := range bodies {
		msg, err := frame.Decode(b)
		require.NoError(t, err)
		require.Equal(t, frame.EventResponse, msg.Header.Event)
		if msg.Header.Opcode == op {
			out = append(out, msg)
		}
	}
	return out
}

func decodeAck(t *testing.T, msg *frame.WorkerMessage) frame.StoreAck {
	t.Helper()
	var ack frame.StoreAck
	require.NoError(t, json.Unmarshal(msg.Payload.Payload, &ack))
	return ack
}

// readDoc reads a key straight from the store, bypassing the worker pool.
func readDoc(t *testing.T, s *store.SQLite, key string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	c, err := s.Dial(ctx)
	require.NoError(t, err)
	defer c.Close()

	b, err := c.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", false
	}
	require.NoError(t, err)
	return string(b), true
}

func writeDoc(t *testing.T, s *store.SQLite, key, value string) {
	t.Helper()
	ctx := context.Background()
	c, err := s.Dial(ctx)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Set(ctx, key, []byte(value), 0))
}

// faultyDialer wraps a real dialer. Sets to keys with failPrefix fail.
type faultyDialer struct {
	inner      store.Dialer
	failPrefix string
	dialErr    error
}

func (d *faultyDialer) Dial(ctx context.Context) (store.Conn, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c, err := d.inner.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyConn{Conn: c, failPrefix: d.failPrefix}, nil
}

type faultyConn struct {
	store.Conn
	failPrefix string
}

var errDiskFull = errors.New("disk full")

func (c *faultyConn) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if c.failPrefix != "" && strings.HasPrefix(key, c.failPrefix) {
		return errDiskFull
	}
	return c.Conn.Set(ctx, key, value, expiry)
}
