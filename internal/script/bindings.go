package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/store"
)

// Names of errors thrown into handler code.
const (
	StoreErrorName = "StoreError"
	QueryErrorName = "QueryError"
)

var errNoStore = errors.New("store not configured")

// install defines the handler globals on a fresh runtime.
func (h *CompiledHandler) install() error {
	rt := h.rt

	jsonObj := rt.Get("JSON").ToObject(rt)
	parse, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return errors.New("JSON.parse unavailable")
	}
	stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return errors.New("JSON.stringify unavailable")
	}
	h.jsonParse = parse
	h.jsonStringify = stringify

	bucket := rt.NewObject()
	if err := bucket.Set("get", h.bucketGet); err != nil {
		return err
	}
	if err := bucket.Set("set", h.bucketSet); err != nil {
		return err
	}
	if err := bucket.Set("delete", h.bucketDelete); err != nil {
		return err
	}
	if err := rt.Set("bucket", bucket); err != nil {
		return err
	}
	if err := rt.Set("query", h.query); err != nil {
		return err
	}
	if err := rt.Set("createTimer", h.createTimer); err != nil {
		return err
	}
	return rt.Set("log", h.log)
}

// ctx returns the context of the running invocation.
func (h *CompiledHandler) ctx() context.Context {
	if h.cur == nil || h.cur.ctx == nil {
		return context.Background()
	}
	return h.cur.ctx
}

// throwNamed throws a catchable error object carrying name and code.
func (h *CompiledHandler) throwNamed(name string, err error) {
	obj := h.rt.NewGoError(err)
	_ = obj.Set("name", name)
	code := "backend"
	var se *store.Error
	if errors.As(err, &se) {
		code = se.Code
	}
	_ = obj.Set("code", code)
	panic(obj)
}

func (h *CompiledHandler) throwRange(msg string) {
	obj, err := h.rt.New(h.rt.Get("RangeError"), h.rt.ToValue(msg))
	if err != nil {
		panic(h.rt.NewTypeError(msg))
	}
	panic(obj)
}

func (h *CompiledHandler) keyArg(call goja.FunctionCall, fn string) string {
	v := call.Argument(0)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		panic(h.rt.NewTypeError("%s: key is required", fn))
	}
	key := v.String()
	if key == "" {
		panic(h.rt.NewTypeError("%s: key must be a non-empty string", fn))
	}
	return key
}

// stringify renders a script value as JSON text.
func (h *CompiledHandler) stringify(v goja.Value) (string, error) {
	out, err := h.jsonStringify(goja.Undefined(), v)
	if err != nil {
		return "", err
	}
	if goja.IsUndefined(out) {
		return "", fmt.Errorf("value is not serializable")
	}
	return out.String(), nil
}

// decode turns stored bytes into a script value, falling back to a string
// for documents that are not JSON.
func (h *CompiledHandler) decode(b []byte) goja.Value {
	v, err := h.jsonParse(goja.Undefined(), h.rt.ToValue(string(b)))
	if err != nil {
		return h.rt.ToValue(string(b))
	}
	return v
}

// staged returns the latest write this invocation made to key.
func (h *CompiledHandler) staged(key string) (Write, bool) {
	if h.cur == nil {
		return Write{}, false
	}
	for i := len(h.cur.writes) - 1; i >= 0; i-- {
		if h.cur.writes[i].Key == key {
			return h.cur.writes[i], true
		}
	}
	return Write{}, false
}

func (h *CompiledHandler) bucketGet(call goja.FunctionCall) goja.Value {
	key := h.keyArg(call, "bucket.get")

	// Reads observe this invocation's own staged writes.
	if w, ok := h.staged(key); ok {
		if w.Op == OpDelete {
			return goja.Undefined()
		}
		return h.decode(w.Value)
	}

	if h.opts.Store == nil {
		h.opts.Registry.StoreErrors.Add(1)
		h.throwNamed(StoreErrorName, errNoStore)
	}
	b, err := h.opts.Store.Get(h.ctx(), key)
	if errors.Is(err, store.ErrNotFound) {
		return goja.Undefined()
	}
	if err != nil {
		h.throwNamed(StoreErrorName, err)
	}
	return h.decode(b)
}

func (h *CompiledHandler) bucketSet(call goja.FunctionCall) goja.Value {
	key := h.keyArg(call, "bucket.set")
	text, err := h.stringify(call.Argument(1))
	if err != nil {
		panic(h.rt.NewTypeError("bucket.set: %v", err))
	}

	var expiry time.Duration
	if e := call.Argument(2); !goja.IsUndefined(e) && !goja.IsNull(e) {
		secs := e.ToInteger()
		if secs < 0 {
			h.throwRange("bucket.set: expiry must not be negative")
		}
		expiry = time.Duration(secs) * time.Second
	}

	if h.cur != nil {
		h.cur.writes = append(h.cur.writes, Write{Op: OpSet, Key: key, Value: []byte(text), Expiry: expiry})
	}
	return goja.Undefined()
}

func (h *CompiledHandler) bucketDelete(call goja.FunctionCall) goja.Value {
	key := h.keyArg(call, "bucket.delete")
	if h.cur != nil {
		h.cur.writes = append(h.cur.writes, Write{Op: OpDelete, Key: key})
	}
	return goja.Undefined()
}

func (h *CompiledHandler) query(call goja.FunctionCall) goja.Value {
	q := call.Argument(0)
	if goja.IsUndefined(q) || q.String() == "" {
		panic(h.rt.NewTypeError("query: statement is required"))
	}
	if h.opts.Store == nil {
		h.opts.Registry.QueryErrors.Add(1)
		h.throwNamed(QueryErrorName, errNoStore)
	}

	params := make([]any, 0, len(call.Arguments))
	for _, a := range call.Arguments[1:] {
		params = append(params, a.Export())
	}

	rows, err := h.opts.Store.Query(h.ctx(), q.String(), params...)
	if err != nil {
		h.throwNamed(QueryErrorName, err)
	}

	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return h.rt.NewArray(out...)
}

// createTimer(callback, dueMs, reference, context)
func (h *CompiledHandler) createTimer(call goja.FunctionCall) goja.Value {
	var callback string
	cb := call.Argument(0)
	if obj, ok := cb.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); isFn {
			callback = obj.Get("name").String()
		}
	}
	if callback == "" && !goja.IsUndefined(cb) && !goja.IsNull(cb) {
		callback = cb.String()
	}
	if callback == "" || h.resolve(callback) == nil {
		h.opts.Registry.TimerCreateFailed.Add(1)
		panic(h.rt.NewTypeError("createTimer: callback must be a top-level function"))
	}

	due := call.Argument(1).ToInteger()
	if due < 0 {
		h.opts.Registry.TimerCreateFailed.Add(1)
		h.throwRange("createTimer: due time must not be negative")
	}

	var ctxJSON json.RawMessage
	if c := call.Argument(3); !goja.IsUndefined(c) {
		text, err := h.stringify(c)
		if err != nil {
			h.opts.Registry.TimerCreateFailed.Add(1)
			panic(h.rt.NewTypeError("createTimer: context: %v", err))
		}
		if limit := h.opts.TimerContextSize; limit > 0 && len(text) > limit {
			h.opts.Registry.TimerCreateFailed.Add(1)
			h.throwRange(fmt.Sprintf("createTimer: context is %d bytes, limit is %d", len(text), limit))
		}
		ctxJSON = json.RawMessage(text)
	}

	ref := ""
	if r := call.Argument(2); !goja.IsUndefined(r) && !goja.IsNull(r) {
		ref = r.String()
	}

	if h.cur != nil {
		h.cur.timers = append(h.cur.timers, frame.TimerEntry{
			Callback:  callback,
			Reference: ref,
			DueMs:     due,
			Context:   ctxJSON,
		})
	}
	return h.rt.ToValue(ref)
}

func (h *CompiledHandler) log(call goja.FunctionCall) goja.Value {
	parts := make([]string, 0, len(call.Arguments))
	for _, a := range call.Arguments {
		if _, isObj := a.(*goja.Object); isObj {
			if text, err := h.stringify(a); err == nil {
				parts = append(parts, text)
				continue
			}
		}
		parts = append(parts, a.String())
	}
	h.opts.Logger.Info("handler log",
		"app", h.opts.AppName,
		"msg", strings.Join(parts, " "))
	return goja.Undefined()
}
