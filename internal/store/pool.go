package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cdcrun/internal/accounting"
)

// PoolConfig sizes a Pool and its retry policy.
type PoolConfig struct {
	// Capacity is the maximum number of live connections.
	Capacity int

	// Retries is the number of extra attempts after a failed operation.
	Retries int

	// Backoff is the pause between attempts.
	Backoff time.Duration

	// OpTimeout bounds each attempt, including checkout. Zero means no bound.
	OpTimeout time.Duration
}

// DefaultPoolConfig returns the settings used when none are configured.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Capacity:  4,
		Retries:   2,
		Backoff:   10 * time.Millisecond,
		OpTimeout: 2 * time.Second,
	}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger used for retry diagnostics.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

// Pool is a bounded set of reusable connections, dialled on demand.
//
// Thread-safety: all methods may be called from any goroutine. The lock
// guards only the idle list; it is never held during dial or I/O.
type Pool struct {
	dialer Dialer
	cfg    PoolConfig
	reg    *accounting.Registry
	logger *slog.Logger

	slots chan struct{} // one token per live checkout

	mu     sync.Mutex
	idle   []Conn
	closed bool
}

// NewPool creates an empty pool. No connection is dialled until first use.
func NewPool(d Dialer, cfg PoolConfig, reg *accounting.Registry, opts ...PoolOption) *Pool {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if reg == nil {
		reg = accounting.NewRegistry()
	}
	p := &Pool{
		dialer: d,
		cfg:    cfg,
		reg:    reg,
		logger: slog.Default(),
		slots:  make(chan struct{}, cfg.Capacity),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Checkout returns a connection, blocking while all Capacity connections
// are in use. Every successful Checkout must be paired with Release.
func (p *Pool) Checkout(ctx context.Context) (Conn, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dialer.Dial(ctx)
	if err != nil {
		<-p.slots
		return nil, &dialError{err: err}
	}
	return c, nil
}

// Release returns a connection to the pool. Broken connections, and any
// released after Close, are closed instead of reused.
func (p *Pool) Release(c Conn, broken bool) {
	p.mu.Lock()
	if broken || p.closed {
		p.mu.Unlock()
		c.Close()
	} else {
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
	<-p.slots
}

// Warm establishes one connection, failing if the backend is unreachable.
func (p *Pool) Warm(ctx context.Context) error {
	c, err := p.Checkout(ctx)
	if err != nil {
		return err
	}
	p.Release(c, false)
	return nil
}

// Close closes idle connections and rejects further checkouts.
// Connections still checked out are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InUse returns the number of connections currently checked out.
func (p *Pool) InUse() int {
	return len(p.slots)
}

// Idle returns the number of established connections waiting for reuse.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Get reads a document. A missing key returns ErrNotFound unwrapped and is
// not counted as a failure.
func (p *Pool) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.do(ctx, "get", key, false, func(ctx context.Context, c Conn) error {
		v, err := c.Get(ctx, key)
		value = v
		return err
	})
	return value, err
}

// Set writes a document. A zero expiry never expires.
func (p *Pool) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	return p.do(ctx, "set", key, false, func(ctx context.Context, c Conn) error {
		return c.Set(ctx, key, value, expiry)
	})
}

// Delete removes a document.
func (p *Pool) Delete(ctx context.Context, key string) error {
	return p.do(ctx, "delete", key, false, func(ctx context.Context, c Conn) error {
		return c.Delete(ctx, key)
	})
}

// Query runs an ad-hoc query on backends that implement Querier.
// Failures are counted as query errors rather than store errors.
func (p *Pool) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var rows []map[string]any
	err := p.do(ctx, "query", "", true, func(ctx context.Context, c Conn) error {
		q, ok := c.(Querier)
		if !ok {
			return ErrUnsupported
		}
		r, err := q.Query(ctx, query, args...)
		rows = r
		return err
	})
	return rows, err
}

// do runs fn on a pooled connection with the configured retry policy.
// Each failed attempt that will be retried is counted as a retry failure;
// the final failure is counted once and returned as a *Error.
func (p *Pool) do(ctx context.Context, op, key string, query bool, fn func(context.Context, Conn) error) error {
	attempts := 0
	var err error
	for {
		attempts++
		err = p.attempt(ctx, fn)
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if attempts > p.cfg.Retries || !retryable(err) || ctx.Err() != nil {
			break
		}

		p.reg.StoreRetryFailure.Add(1)
		p.logger.Debug("retrying store operation",
			"op", op,
			"key", key,
			"attempt", attempts,
			"error", err)

		if p.cfg.Backoff > 0 {
			t := time.NewTimer(p.cfg.Backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				err = ctx.Err()
			}
			if ctx.Err() != nil {
				break
			}
		}
	}

	code := classify(err)
	p.reg.AddStoreException(code)
	if query {
		p.reg.QueryErrors.Add(1)
	} else {
		p.reg.StoreErrors.Add(1)
	}
	return &Error{Op: op, Key: key, Code: code, Attempts: attempts, Err: err}
}

func (p *Pool) attempt(ctx context.Context, fn func(context.Context, Conn) error) error {
	if p.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.OpTimeout)
		defer cancel()
	}

	c, err := p.Checkout(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, c)
	broken := err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnsupported)
	p.Release(c, broken)
	return err
}
