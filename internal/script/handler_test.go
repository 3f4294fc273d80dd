package script

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cdcrun/internal/accounting"
	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/store"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	docs     map[string][]byte
	getErr   error
	queryErr error
	queries  []string
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string][]byte)}
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.docs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Query(ctx context.Context, q string, args ...any) ([]map[string]any, error) {
	m.queries = append(m.queries, q)
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return []map[string]any{{"key": "a", "n": int64(len(args))}}, nil
}

func compileWith(t *testing.T, opts Options, src string) *CompiledHandler {
	t.Helper()
	env := newTestEnv(t, opts)
	h, err := env.Compile(src)
	require.NoError(t, err)
	return h
}

func TestInvoke_OnUpdateStagesWrites(t *testing.T) {
	h := compileWith(t, Options{Store: newMemStore()}, `
function OnUpdate(doc, meta) {
	bucket.set("copy::" + meta.id, {name: doc.name, seq: meta.seq});
	bucket.delete("stale::" + meta.id);
}
`)

	meta := map[string]any{"id": "user::1", "seq": 7}
	res, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{"name":"ada"}`), meta)
	require.NoError(t, err)

	require.Len(t, res.Writes, 2)
	assert.Equal(t, OpSet, res.Writes[0].Op)
	assert.Equal(t, "copy::user::1", res.Writes[0].Key)
	assert.JSONEq(t, `{"name":"ada","seq":7}`, string(res.Writes[0].Value))
	assert.Equal(t, Write{Op: OpDelete, Key: "stale::user::1"}, res.Writes[1])
}

func TestInvoke_SetExpiry(t *testing.T) {
	h := compileWith(t, Options{}, `function OnUpdate(doc, meta) { bucket.set("k", 1, 30); }`)

	res, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
	require.NoError(t, err)
	require.Len(t, res.Writes, 1)
	assert.Equal(t, 30*time.Second, res.Writes[0].Expiry)
}

func TestInvoke_ReadsThroughStore(t *testing.T) {
	ms := newMemStore()
	ms.docs["profile::1"] = []byte(`{"visits":3}`)
	ms.docs["raw"] = []byte(`not json`)

	h := compileWith(t, Options{Store: ms}, `
function OnUpdate(doc, meta) {
	var p = bucket.get("profile::1");
	return p.visits + "|" + bucket.get("raw") + "|" + (bucket.get("missing") === undefined);
}
`)

	res, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "3|not json|true", res.Value)
}

func TestInvoke_ReadYourWrites(t *testing.T) {
	ms := newMemStore()
	ms.docs["k"] = []byte(`"old"`)

	h := compileWith(t, Options{Store: ms}, `
function OnUpdate(doc, meta) {
	bucket.set("k", "new");
	var a = bucket.get("k");
	bucket.delete("k");
	var b = bucket.get("k");
	return [a, b === undefined];
}
`)

	res, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []any{"new", true}, res.Value)
	assert.Equal(t, []byte(`"old"`), ms.docs["k"], "staged writes do not reach the store")
}

func TestInvoke_StoreErrorIsCatchable(t *testing.T) {
	ms := newMemStore()
	ms.getErr = &store.Error{Op: "get", Key: "k", Code: store.CodeTimeout, Attempts: 3, Err: context.DeadlineExceeded}

	h := compileWith(t, Options{Store: ms}, `
function OnUpdate(doc, meta) {
	try {
		bucket.get("k");
	} catch (e) {
		return e.name + ":" + e.code;
	}
	return "no error";
}
`)

	res, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "StoreError:timeout", res.Value)
}

func TestInvoke_UncaughtStoreError(t *testing.T) {
	ms := newMemStore()
	ms.getErr = errors.New("connection refused")

	h := compileWith(t, Options{Store: ms}, `
function OnUpdate(doc, meta) {
	bucket.set("x", 1);
	bucket.get("k");
}
`)

	res, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
	assert.Nil(t, res, "failed invocation discards staged writes")

	var ex *Exception
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, ClassException, ex.Classification)
	assert.Equal(t, StoreErrorName, ex.Name)
	assert.Contains(t, ex.Message, "connection refused")
}

func TestInvoke_QueryBinding(t *testing.T) {
	ms := newMemStore()
	h := compileWith(t, Options{Store: ms}, `
function OnUpdate(doc, meta) {
	var rows = query("SELECT key FROM documents WHERE key > ? AND key < ?", "a", "z");
	return rows.length + ":" + rows[0].n;
}
function OnDelete(meta) {
	try { query("SELECT 1"); } catch (e) { return e.name; }
}
`)

	res, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "1:2", res.Value)

	ms.queryErr = errors.New("no such table")
	res, err = h.Invoke(context.Background(), EntryOnDelete, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, QueryErrorName, res.Value)
}

func TestInvoke_NoStoreConfigured(t *testing.T) {
	h := compileWith(t, Options{}, `function OnUpdate(doc, meta) { bucket.get("k"); }`)

	_, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
	var ex *Exception
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, StoreErrorName, ex.Name)
}

func TestInvoke_NoStoreErrorsAreCounted(t *testing.T) {
	reg := accounting.NewRegistry()
	h := compileWith(t, Options{Registry: reg}, `
function OnUpdate(doc, meta) {
	var names = [];
	try { bucket.get("k"); } catch (e) { names.push(e.name); }
	try { query("SELECT 1"); } catch (e) { names.push(e.name); }
	return names.join(",");
}
`)

	res, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, StoreErrorName+","+QueryErrorName, res.Value)
	assert.Equal(t, int64(1), reg.StoreErrors.Load())
	assert.Equal(t, int64(1), reg.QueryErrors.Load())
}

func TestInvoke_ThrownError(t *testing.T) {
	h := compileWith(t, Options{}, `
function OnUpdate(doc, meta) { throw new TypeError("bad doc"); }
function OnDelete(meta) { throw "plain string"; }
`)

	_, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
	var ex *Exception
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "TypeError", ex.Name)
	assert.Equal(t, "bad doc", ex.Message)
	assert.Contains(t, ex.Stack, "handler.js")
	assert.False(t, IsTimeout(err))

	_, err = h.Invoke(context.Background(), EntryOnDelete, map[string]any{})
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "plain string", ex.Message)
}

func TestInvoke_UndefinedEntry(t *testing.T) {
	h := compileWith(t, Options{}, `function OnUpdate(doc, meta) {}`)

	_, err := h.Invoke(context.Background(), EntryOnDelete, map[string]any{})
	var ex *Exception
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, ClassUndefined, ex.Classification)
}

func TestInvoke_Interrupt(t *testing.T) {
	h := compileWith(t, Options{}, `
function OnUpdate(doc, meta) { while (true) {} }
function OnDelete(meta) { return "ok"; }
`)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Interrupt("deadline")
	}()

	done := make(chan error, 1)
	go func() {
		_, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
		done <- err
	}()

	select {
	case err := <-done:
		assert.True(t, IsTimeout(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Interrupt did not stop the invocation")
	}

	h.ClearInterrupt()
	res, err := h.Invoke(context.Background(), EntryOnDelete, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
}

func TestInvoke_CreateTimer(t *testing.T) {
	h := compileWith(t, Options{TimerContextSize: 64}, `
function OnUpdate(doc, meta) {
	createTimer(Expire, 5000, "ref-" + meta.id, {id: meta.id});
}
function Expire(ctx) {}
`)

	res, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{"id": "d1"})
	require.NoError(t, err)
	require.Len(t, res.Timers, 1)
	assert.Equal(t, frame.TimerEntry{
		Callback:  "Expire",
		Reference: "ref-d1",
		DueMs:     5000,
		Context:   json.RawMessage(`{"id":"d1"}`),
	}, res.Timers[0])
}

func TestInvoke_CreateTimerContextTooLarge(t *testing.T) {
	reg := accounting.NewRegistry()
	h := compileWith(t, Options{TimerContextSize: 16, Registry: reg}, `
function OnUpdate(doc, meta) {
	try {
		createTimer(Expire, 0, "r", {payload: "this is far too long for the limit"});
	} catch (e) {
		return e.name;
	}
}
function Expire(ctx) {}
`)

	res, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "RangeError", res.Value)
	assert.Empty(t, res.Timers)
	assert.Equal(t, int64(1), reg.TimerCreateFailed.Load())
}

func TestInvoke_CreateTimerUnknownCallback(t *testing.T) {
	reg := accounting.NewRegistry()
	h := compileWith(t, Options{Registry: reg}, `
function OnUpdate(doc, meta) { createTimer("Nope", 0, "r", {}); }
`)

	_, err := h.Invoke(context.Background(), EntryOnUpdate, json.RawMessage(`{}`), map[string]any{})
	var ex *Exception
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "TypeError", ex.Name)
	assert.Equal(t, int64(1), reg.TimerCreateFailed.Load())
}

func TestInvoke_TimerCallbackReceivesContext(t *testing.T) {
	h := compileWith(t, Options{}, `
function OnUpdate(doc, meta) {}
function Expire(ctx) { bucket.delete(ctx.id); }
`)

	res, err := h.Invoke(context.Background(), "Expire", json.RawMessage(`{"id":"doc::9"}`))
	require.NoError(t, err)
	assert.Equal(t, []Write{{Op: OpDelete, Key: "doc::9"}}, res.Writes)
}
