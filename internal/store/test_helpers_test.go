package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// createTestStore creates a new SQLite store in a temp dir for testing.
func createTestStore(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path, 4)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeDialer hands out in-memory connections sharing one map.
// Failures can be scripted per operation.
type fakeDialer struct {
	mu       sync.Mutex
	data     map[string][]byte
	dialErr  error
	failNext int   // number of upcoming ops that fail with opErr
	opErr    error // error returned by scripted failures
	block    chan struct{}

	dials  atomic.Int64
	closes atomic.Int64
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{data: make(map[string][]byte)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	err := d.dialErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.dials.Add(1)
	return &fakeConn{d: d}, nil
}

func (d *fakeDialer) failOps(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
	d.opErr = err
}

func (d *fakeDialer) takeFailure() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext > 0 {
		d.failNext--
		return d.opErr
	}
	return nil
}

type fakeConn struct {
	d *fakeDialer
}

func (c *fakeConn) wait(ctx context.Context) error {
	if c.d.block == nil {
		return nil
	}
	select {
	case <-c.d.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Get(ctx context.Context, key string) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if err := c.d.takeFailure(); err != nil {
		return nil, err
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	v, ok := c.d.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (c *fakeConn) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.d.takeFailure(); err != nil {
		return err
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.data[key] = value
	return nil
}

func (c *fakeConn) Delete(ctx context.Context, key string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.d.takeFailure(); err != nil {
		return err
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	delete(c.d.data, key)
	return nil
}

func (c *fakeConn) Close() error {
	c.d.closes.Add(1)
	return nil
}

var errBackend = errors.New("backend unavailable")
