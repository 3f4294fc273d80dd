package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/script"
	"github.com/roach88/cdcrun/internal/store"
)

// errShutdown is returned by dispatch when a Shutdown control message was
// handled. The router keeps draining what is already queued.
var errShutdown = errors.New("shutdown requested")

// route is the router loop. It is the only caller of the handler.
//
// Policy is "log and continue": a failing message never stops the loop.
// Returns nil once the event queue is closed and drained, or ctx.Err()
// when ctx is cancelled.
func (w *Worker) route(ctx context.Context) error {
	for {
		w.setState(StateIdle)
		msg, err := w.events.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				w.logger.Info("router stopping: queue closed")
				return nil
			}
			w.logger.Info("router stopping: context cancelled")
			return err
		}

		w.setState(StateDispatching)
		if err := w.dispatch(ctx, msg); err != nil {
			if errors.Is(err, errShutdown) {
				w.logger.Info("shutdown requested", "pending", w.events.Len())
				w.events.Close()
			} else {
				w.log.error(logException, "dispatch failed",
					"event", msg.Header.Event.String(),
					"opcode", int(msg.Header.Opcode),
					"partition", msg.Header.Partition,
					"error", err)
			}
		}
		w.reg.MessagesProcessed.Add(1)
		w.maybeCheckpoint()
	}
}

// dispatch routes one message by event kind and opcode. Every
// combination without an arm is counted as unrecognized.
func (w *Worker) dispatch(ctx context.Context, msg *frame.WorkerMessage) error {
	switch msg.Header.Event {
	case frame.EventChange:
		switch msg.Header.Opcode {
		case frame.OpMutation:
			w.reg.MutationMsgs.Add(1)
			return w.handleChange(ctx, msg)
		case frame.OpDeletion:
			w.reg.DeletionMsgs.Add(1)
			return w.handleChange(ctx, msg)
		}

	case frame.EventTimer:
		if msg.Header.Opcode == frame.OpTimerFire {
			w.reg.TimerMsgs.Add(1)
			return w.fireTimers(ctx)
		}

	case frame.EventControl:
		switch msg.Header.Opcode {
		case frame.OpUpdateFilter, frame.OpEraseFilter, frame.OpFlushCheckpoint, frame.OpShutdown:
			w.reg.ControlMsgs.Add(1)
			return w.handleControl(msg)
		}
	}

	w.reg.Unrecognized.Add(1)
	w.log.warn(logUnrecognized, "unrecognized message",
		"event", msg.Header.Event.String(),
		"opcode", int(msg.Header.Opcode))
	return nil
}

// changeEvent is a decoded mutation or deletion.
type changeEvent struct {
	meta     frame.Metadata
	metaRaw  string
	entry    string
	key      string
	cas      uint64
	expiry   uint32
	doc      []byte // mutations only
	deletion bool
}

func (w *Worker) decodeChange(msg *frame.WorkerMessage) (changeEvent, error) {
	meta, err := frame.ParseMetadata(msg.Header.Metadata)
	if err != nil {
		return changeEvent{}, err
	}
	if p := msg.Header.Partition; p != frame.Unpartitioned && p != meta.Partition {
		return changeEvent{}, fmt.Errorf("header partition %d does not match metadata partition %d", p, meta.Partition)
	}

	ev := changeEvent{meta: meta, metaRaw: msg.Header.Metadata}
	if msg.Header.Opcode == frame.OpDeletion {
		d, err := frame.DecodeDeletion(msg.Payload.Payload)
		if err != nil {
			return changeEvent{}, err
		}
		ev.entry = script.EntryOnDelete
		ev.key, ev.cas, ev.deletion = d.Key, d.Cas, true
		return ev, nil
	}

	m, err := frame.DecodeMutation(msg.Payload.Payload)
	if err != nil {
		return changeEvent{}, err
	}
	ev.entry = script.EntryOnUpdate
	ev.key, ev.cas, ev.expiry, ev.doc = m.Key, m.Cas, m.Expiration, m.Value
	return ev, nil
}

// metaArg is the meta object handed to the handler.
func (ev changeEvent) metaArg() map[string]any {
	return map[string]any{
		"id":         ev.key,
		"cas":        ev.cas,
		"expiration": ev.expiry,
		"type":       ev.meta.DocType,
		"vb":         ev.meta.Partition,
		"seq":        ev.meta.Seq,
	}
}

func (w *Worker) handleChange(ctx context.Context, msg *frame.WorkerMessage) error {
	ev, err := w.decodeChange(msg)
	if err != nil {
		w.reg.ParseFailures.Add(1)
		w.log.warn(logParse, "dropping malformed change event",
			"metadata", msg.Header.Metadata,
			"error", err)
		return nil
	}
	p, seq := ev.meta.Partition, ev.meta.Seq

	if w.tracker.ShouldSkip(p, seq) {
		w.setState(StateSkipped)
		w.reg.Skipped.Add(1)
		if ev.meta.Ack && w.cfg.Handler.AckCheck {
			w.emitStoreAck(p, ev.metaRaw, nil)
		}
		return nil
	}

	h := w.handler.Load()
	if h == nil {
		// Not seen and not applied: both marks stay put so a redelivery
		// after Load runs the handler.
		if ev.deletion {
			w.reg.OnDeleteFailure.Add(1)
		} else {
			w.reg.OnUpdateFailure.Add(1)
		}
		w.log.warn(logException, "change event with no handler loaded",
			"entry", ev.entry, "partition", p, "seq", seq)
		return nil
	}
	if !h.Has(ev.entry) {
		// Nothing to run, so nothing to commit.
		w.tracker.UpdateFilter(p, seq)
		w.tracker.UpdateCheckpoint(p, seq)
		return nil
	}

	var args []any
	if ev.deletion {
		args = []any{ev.metaArg()}
	} else {
		args = []any{jsonArg(ev.doc), ev.metaArg()}
	}

	res, err := w.invoke(ctx, h, ev.entry, args...)
	w.tracker.UpdateFilter(p, seq)

	if err != nil {
		if ev.deletion {
			w.reg.OnDeleteFailure.Add(1)
		} else {
			w.reg.OnUpdateFailure.Add(1)
		}
		w.logException(ev.entry, err, "partition", p, "seq", seq, "key", ev.key)
		w.tracker.UpdateCheckpoint(p, seq)
		return nil
	}
	if ev.deletion {
		w.reg.OnDeleteSuccess.Add(1)
	} else {
		w.reg.OnUpdateSuccess.Add(1)
	}

	w.commit(ctx, p, seq, ev.metaRaw, ev.meta.Ack, res)
	return nil
}

// jsonArg hands raw JSON to the handler as a parsed value.
func jsonArg(b []byte) any {
	return json.RawMessage(b)
}

// invoke runs one entry point under the watchdog and records its latency.
// An invocation the watchdog aborted is reported as a timeout even if it
// managed to return.
func (w *Worker) invoke(ctx context.Context, h *script.CompiledHandler, entry string, args ...any) (*script.Result, error) {
	w.setState(StateInvoking)

	invCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A stale interrupt left on the runtime would abort this call
	// without the watchdog having counted it.
	h.ClearInterrupt()

	start := time.Now()
	id := w.watchdog.Begin(h, cancel)
	res, err := h.Invoke(invCtx, entry, args...)
	timedOut := w.watchdog.End(id)
	h.ClearInterrupt()
	w.reg.Latency.Since(start)

	if timedOut && err == nil {
		err = &script.Exception{
			Message:        "execution interrupted: execution timeout",
			Classification: script.ClassTimeout,
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// logException logs a failed invocation. Timeouts are already logged by
// the watchdog.
func (w *Worker) logException(entry string, err error, args ...any) {
	if script.IsTimeout(err) {
		return
	}
	var ex *script.Exception
	if errors.As(err, &ex) {
		args = append(args, "name", ex.Name, "classification", ex.Classification)
	}
	w.log.warn(logException, "handler invocation failed",
		append([]any{"entry", entry, "error", err}, args...)...)
}

// commit flushes the writes of a successful invocation, acknowledges
// them, and only then advances the checkpoint and emits the timers the
// invocation created. A failed flush pins the partition's checkpoint.
func (w *Worker) commit(ctx context.Context, partition int16, seq uint64, metadata string, ack bool, res *script.Result) {
	ops, err := flushWrites(ctx, w.writer(), res.Writes, w.cfg.Handler.PoolCapacity)
	if err != nil {
		w.reg.CheckpointFailure.Add(1)
		w.tracker.Pin(partition)
		w.log.error(logStore, "write flush failed, checkpoint pinned",
			"partition", partition,
			"seq", seq,
			"writes", len(res.Writes),
			"code", storeCode(err),
			"error", err)
		return
	}

	if len(ops) > 0 || (ack && w.cfg.Handler.AckCheck) {
		w.emitStoreAck(partition, metadata, ops)
	}
	w.tracker.UpdateCheckpoint(partition, seq)
	w.emitTimers(partition, res.Timers)
}

func storeCode(err error) string {
	var se *store.Error
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, errNoStore) {
		return store.CodeNotConnected
	}
	return store.CodeBackend
}

// writer returns the pool as a Writer, or a nil interface when no store
// is configured.
func (w *Worker) writer() Writer {
	if w.pool == nil {
		return nil
	}
	return w.pool
}

func (w *Worker) emitStoreAck(partition int16, metadata string, ops []frame.WriteOp) {
	if ops == nil {
		ops = []frame.WriteOp{}
	}
	body, err := frame.Response(frame.OpStoreAck, partition, metadata, frame.StoreAck{Writes: ops})
	if err != nil {
		w.log.error(logStore, "encode store ack", "partition", partition, "error", err)
		return
	}
	w.storeResp.Enqueue(body)
}

func (w *Worker) emitTimers(partition int16, timers []frame.TimerEntry) {
	for _, t := range timers {
		body, err := frame.Response(frame.OpTimerCreate, partition, "", t)
		if err != nil {
			w.reg.TimerCreateFailed.Add(1)
			w.log.warn(logTimer, "encode timer", "callback", t.Callback, "error", err)
			continue
		}
		w.timerResp.Enqueue(body)
	}
}

// fireTimers drains up to the fire window from the timer queue and runs
// each callback with its context. Failures are counted and logged.
func (w *Worker) fireTimers(ctx context.Context) error {
	entries := w.timers.DrainUpTo(w.cfg.Handler.TimerFireWindow)
	if len(entries) == 0 {
		return nil
	}

	h := w.handler.Load()
	for _, t := range entries {
		if h == nil {
			w.reg.TimerFailure.Add(1)
			w.log.warn(logTimer, "timer fired with no handler loaded", "callback", t.Callback)
			continue
		}

		res, err := w.invoke(ctx, h, t.Callback, jsonArg(t.Context))
		if err != nil {
			w.reg.TimerFailure.Add(1)
			w.logException(t.Callback, err, "reference", t.Reference)
			continue
		}
		w.reg.TimerSuccess.Add(1)

		ops, err := flushWrites(ctx, w.writer(), res.Writes, w.cfg.Handler.PoolCapacity)
		if err != nil {
			w.log.error(logStore, "timer write flush failed",
				"callback", t.Callback,
				"code", storeCode(err),
				"error", err)
			continue
		}
		if len(ops) > 0 {
			w.emitStoreAck(frame.Unpartitioned, "", ops)
		}
		w.emitTimers(frame.Unpartitioned, res.Timers)
	}
	return nil
}

// handleControl applies an administrative message inline.
func (w *Worker) handleControl(msg *frame.WorkerMessage) error {
	switch msg.Header.Opcode {
	case frame.OpUpdateFilter:
		meta, err := frame.ParseMetadata(msg.Header.Metadata)
		if err != nil {
			w.reg.ParseFailures.Add(1)
			w.log.warn(logParse, "dropping malformed filter update",
				"metadata", msg.Header.Metadata,
				"error", err)
			return nil
		}
		if !w.tracker.UpdateFilter(meta.Partition, meta.Seq) {
			w.logger.Debug("filter update rejected", "partition", meta.Partition, "seq", meta.Seq)
		}
	case frame.OpEraseFilter:
		w.tracker.Erase(msg.Header.Partition)
		w.logger.Info("partition erased", "partition", msg.Header.Partition)
	case frame.OpFlushCheckpoint:
		w.flushCheckpoints()
	case frame.OpShutdown:
		return errShutdown
	}
	return nil
}

// maybeCheckpoint emits checkpoint frames once the interval has elapsed.
func (w *Worker) maybeCheckpoint() {
	iv := w.cfg.Settings.CheckpointInterval
	if iv <= 0 || time.Since(w.lastCheckpoint) < iv {
		return
	}
	w.flushCheckpoints()
}

// flushCheckpoints emits one Checkpoint frame per partition whose
// checkpoint advanced since the last flush, in partition order.
func (w *Worker) flushCheckpoints() {
	w.lastCheckpoint = time.Now()

	dirty := w.tracker.TakeDirty()
	if len(dirty) == 0 {
		return
	}
	parts := make([]int16, 0, len(dirty))
	for p := range dirty {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })

	for _, p := range parts {
		seq := dirty[p]
		meta := frame.FormatMetadata(frame.Metadata{Partition: p, Seq: seq, DocType: "checkpoint"})
		body, err := frame.Response(frame.OpCheckpoint, p, meta, frame.Checkpoint{WorkerID: w.workerID, Seq: seq})
		if err != nil {
			w.log.error(logStore, "encode checkpoint", "partition", p, "error", err)
			continue
		}
		w.storeResp.Enqueue(body)
	}
}
