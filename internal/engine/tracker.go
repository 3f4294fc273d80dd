package engine

import "sync"

// Tracker records per-partition progress.
//
// The filter is the highest sequence number dispatched for a partition;
// redeliveries at or below it are skipped. The checkpoint is the highest
// sequence number whose side effects the store has acknowledged. Both are
// monotonic: an update with a smaller value is rejected.
//
// A partition's checkpoint can be pinned after a failed write flush. A
// pinned checkpoint stops advancing until the partition is erased, so a
// restart replays from before the lost writes.
//
// Thread-safety: the filter and checkpoint maps each have their own lock,
// held only for the map access.
type Tracker struct {
	filterMu sync.Mutex
	filters  map[int16]uint64

	cpMu        sync.Mutex
	checkpoints map[int16]uint64
	pinned      map[int16]bool
	dirty       map[int16]bool // advanced since the last TakeDirty
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		filters:     make(map[int16]uint64),
		checkpoints: make(map[int16]uint64),
		pinned:      make(map[int16]bool),
		dirty:       make(map[int16]bool),
	}
}

// UpdateFilter raises the partition's filter to seq.
// Returns false, leaving the stored value unchanged, if seq is smaller.
func (t *Tracker) UpdateFilter(partition int16, seq uint64) bool {
	t.filterMu.Lock()
	defer t.filterMu.Unlock()

	if cur, ok := t.filters[partition]; ok && seq < cur {
		return false
	}
	t.filters[partition] = seq
	return true
}

// Filter returns the partition's filter. ok is false if none is set.
func (t *Tracker) Filter(partition int16) (seq uint64, ok bool) {
	t.filterMu.Lock()
	defer t.filterMu.Unlock()
	seq, ok = t.filters[partition]
	return seq, ok
}

// ShouldSkip reports whether seq was already dispatched for the partition.
func (t *Tracker) ShouldSkip(partition int16, seq uint64) bool {
	f, ok := t.Filter(partition)
	return ok && seq <= f
}

// UpdateCheckpoint raises the partition's checkpoint to seq.
// Returns false if seq is smaller than the current value or the
// partition is pinned.
func (t *Tracker) UpdateCheckpoint(partition int16, seq uint64) bool {
	t.cpMu.Lock()
	defer t.cpMu.Unlock()

	if t.pinned[partition] {
		return false
	}
	if cur, ok := t.checkpoints[partition]; ok && seq < cur {
		return false
	}
	if cur, ok := t.checkpoints[partition]; !ok || seq != cur {
		t.dirty[partition] = true
	}
	t.checkpoints[partition] = seq
	return true
}

// Checkpoint returns the partition's checkpoint. ok is false if none is set.
func (t *Tracker) Checkpoint(partition int16) (seq uint64, ok bool) {
	t.cpMu.Lock()
	defer t.cpMu.Unlock()
	seq, ok = t.checkpoints[partition]
	return seq, ok
}

// Pin freezes the partition's checkpoint at its current value.
func (t *Tracker) Pin(partition int16) {
	t.cpMu.Lock()
	defer t.cpMu.Unlock()
	t.pinned[partition] = true
}

// Pinned reports whether the partition's checkpoint is frozen.
func (t *Tracker) Pinned(partition int16) bool {
	t.cpMu.Lock()
	defer t.cpMu.Unlock()
	return t.pinned[partition]
}

// Erase forgets everything about a partition, typically after it was
// reassigned to another worker.
func (t *Tracker) Erase(partition int16) {
	t.filterMu.Lock()
	delete(t.filters, partition)
	t.filterMu.Unlock()

	t.cpMu.Lock()
	delete(t.checkpoints, partition)
	delete(t.pinned, partition)
	delete(t.dirty, partition)
	t.cpMu.Unlock()
}

// TakeDirty returns the checkpoints that advanced since the previous call
// and resets the set.
func (t *Tracker) TakeDirty() map[int16]uint64 {
	t.cpMu.Lock()
	defer t.cpMu.Unlock()

	if len(t.dirty) == 0 {
		return nil
	}
	out := make(map[int16]uint64, len(t.dirty))
	for p := range t.dirty {
		out[p] = t.checkpoints[p]
	}
	t.dirty = make(map[int16]bool)
	return out
}

// Partitions returns the number of partitions with a filter set.
func (t *Tracker) Partitions() int {
	t.filterMu.Lock()
	defer t.filterMu.Unlock()
	return len(t.filters)
}
