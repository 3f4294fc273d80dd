package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/script"
)

// Writer applies committed writes. *store.Pool satisfies it.
type Writer interface {
	Set(ctx context.Context, key string, value []byte, expiry time.Duration) error
	Delete(ctx context.Context, key string) error
}

// coalesce keeps the last write to each key. Keys keep the order of their
// first appearance.
func coalesce(writes []script.Write) []script.Write {
	if len(writes) < 2 {
		return writes
	}
	index := make(map[string]int, len(writes))
	out := make([]script.Write, 0, len(writes))
	for _, w := range writes {
		if i, ok := index[w.Key]; ok {
			out[i] = w
			continue
		}
		index[w.Key] = len(out)
		out = append(out, w)
	}
	return out
}

// flushWrites applies writes concurrently, at most limit at a time, and
// returns the acknowledged ops in coalesced order. Any failure fails the
// whole flush.
func flushWrites(ctx context.Context, wr Writer, writes []script.Write, limit int) ([]frame.WriteOp, error) {
	writes = coalesce(writes)
	if len(writes) == 0 {
		return nil, nil
	}
	if wr == nil {
		return nil, errNoStore
	}

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, w := range writes {
		w := w
		g.Go(func() error {
			if w.Op == script.OpDelete {
				return wr.Delete(gctx, w.Key)
			}
			return wr.Set(gctx, w.Key, w.Value, w.Expiry)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ops := make([]frame.WriteOp, len(writes))
	for i, w := range writes {
		ops[i] = frame.WriteOp{Op: w.Op, Key: w.Key}
	}
	return ops, nil
}
