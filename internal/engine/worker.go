package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/roach88/cdcrun/internal/accounting"
	"github.com/roach88/cdcrun/internal/config"
	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/script"
	"github.com/roach88/cdcrun/internal/store"
)

var errNoStore = errors.New("store not configured")

// Worker runs one handler against a stream of change events.
//
// Thread-safety model:
//   - Enqueue, EnqueueFrame, Drain*, Stats: safe from any goroutine
//   - Load: safe from any goroutine; compiles off the router and swaps
//     the handler in atomically
//   - Run: must be called from exactly one goroutine
//
// The router goroutine (inside Run) is the only one that invokes the
// handler. The watchdog goroutine only observes timing state.
type Worker struct {
	cfg      config.Config
	workerID string
	reg      *accounting.Registry
	logger   *slog.Logger
	log      *errorLog
	logRates map[time.Duration]int

	events    *Queue[*frame.WorkerMessage]
	timers    *Queue[frame.TimerEntry]
	storeResp *Queue[[]byte] // StoreAck and Checkpoint frames
	timerResp *Queue[[]byte] // TimerCreate frames

	tracker  *Tracker
	pool     *store.Pool // nil when no store is configured
	env      *script.Environment
	handler  atomic.Pointer[script.CompiledHandler]
	watchdog *Watchdog

	state   atomic.Int32
	running atomic.Bool
	done    chan error

	loadMu sync.Mutex // serializes Load

	debugMu sync.Mutex
	debug   *debugSession

	// router-only
	lastCheckpoint time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithRegistry sets the metrics registry. Default: a fresh registry.
func WithRegistry(r *accounting.Registry) Option {
	return func(w *Worker) {
		w.reg = r
	}
}

// WithLogRates sets per-category error log rates. An empty map disables
// rate limiting. Default: DefaultLogRates().
func WithLogRates(rates map[time.Duration]int) Option {
	return func(w *Worker) {
		w.logRates = rates
	}
}

// New creates a worker. dialer may be nil, in which case handler store
// operations fail with StoreError and writes cannot be committed.
func New(cfg config.Config, dialer store.Dialer, opts ...Option) (*Worker, error) {
	w := &Worker{
		cfg:       cfg,
		workerID:  cfg.Settings.WorkerID,
		logger:    slog.Default(),
		logRates:  DefaultLogRates(),
		events:    NewQueue[*frame.WorkerMessage](),
		timers:    NewQueue[frame.TimerEntry](),
		storeResp: NewQueue[[]byte](),
		timerResp: NewQueue[[]byte](),
		tracker:   NewTracker(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.reg == nil {
		w.reg = accounting.NewRegistry()
	}
	if w.workerID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate worker id: %w", err)
		}
		w.workerID = id.String()
	}
	w.logger = w.logger.With("worker_id", w.workerID)
	w.log = newErrorLog(w.logger, w.logRates)

	hc := cfg.Handler
	opts2 := script.Options{
		Headers:          hc.HandlerHeaders,
		Footers:          hc.HandlerFooters,
		AppName:          hc.AppName,
		TimerContextSize: hc.TimerContextSize,
		LoadTimeout:      hc.ExecutionTimeout,
		Registry:         w.reg,
		Logger:           w.logger,
	}
	if dialer != nil {
		w.pool = store.NewPool(dialer, store.PoolConfig{
			Capacity:  hc.PoolCapacity,
			Retries:   hc.StoreRetries,
			Backoff:   hc.StoreRetryBackoff,
			OpTimeout: hc.StoreOpTimeout,
		}, w.reg, store.WithPoolLogger(w.logger))
		opts2.Store = w.pool
	}

	env, err := script.NewEnvironment(opts2)
	if err != nil {
		return nil, err
	}
	w.env = env
	w.watchdog = NewWatchdog(hc.ExecutionTimeout, w.reg, w.log)

	return w, nil
}

// WorkerID returns the id used in logs and checkpoint frames.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Registry returns the worker's metrics registry.
func (w *Worker) Registry() *accounting.Registry {
	return w.reg
}

// Tracker returns the partition progress tracker.
func (w *Worker) Tracker() *Tracker {
	return w.tracker
}

// State returns the router state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Load compiles source and swaps it in as the active handler. On failure
// the previously loaded handler, if any, stays active. Reloading the same
// source (by fingerprint) is a no-op.
func (w *Worker) Load(ctx context.Context, source string) (Status, error) {
	w.loadMu.Lock()
	defer w.loadMu.Unlock()

	if !utf8.ValidString(source) {
		return ConversionFailed, &LoadError{Status: ConversionFailed, Err: errors.New("handler source is not valid UTF-8")}
	}

	if cur := w.handler.Load(); cur != nil && cur.Version() == script.IdentifyVersion(source) {
		w.logger.Debug("handler unchanged", "version", cur.Version())
		return Success, nil
	}

	if w.pool != nil && !w.cfg.Handler.SkipStoreBootstrap {
		warmCtx, cancel := context.WithTimeout(ctx, w.storeTimeout())
		err := w.pool.Warm(warmCtx)
		cancel()
		if err != nil {
			return FailedInitStoreHandle, &LoadError{Status: FailedInitStoreHandle, Err: err}
		}
	}

	h, err := w.env.Compile(source)
	if err != nil {
		if script.IsNoHandlers(err) {
			return NoHandlersDefined, &LoadError{Status: NoHandlersDefined, Err: err}
		}
		return FailedToCompileJs, &LoadError{Status: FailedToCompileJs, Err: err}
	}

	w.handler.Store(h)
	w.logger.Info("handler loaded",
		"app", w.cfg.Handler.AppName,
		"version", h.Version(),
		"on_update", h.Has(script.EntryOnUpdate),
		"on_delete", h.Has(script.EntryOnDelete))
	return Success, nil
}

func (w *Worker) storeTimeout() time.Duration {
	if d := w.cfg.Handler.StoreOpTimeout; d > 0 {
		return d
	}
	return 5 * time.Second
}

// HandlerVersion returns the fingerprint of the active handler, or "".
func (w *Worker) HandlerVersion() string {
	if h := w.handler.Load(); h != nil {
		return h.Version()
	}
	return ""
}

// CompileHandler checks source without loading it.
func (w *Worker) CompileHandler(source string) script.CompileInfo {
	return w.env.CompileInfo(source)
}

// ExecuteRaw evaluates a script in the utility context.
func (w *Worker) ExecuteRaw(ctx context.Context, src string) (any, error) {
	return w.env.ExecuteRaw(ctx, src)
}

// Enqueue hands a message to the router without blocking. Timer fire
// messages put their entry on the timer queue and a wake marker on the
// event queue. Returns false if the worker is shutting down or the timer
// payload cannot be decoded.
func (w *Worker) Enqueue(msg *frame.WorkerMessage) bool {
	if msg.Header.Event == frame.EventTimer && msg.Header.Opcode == frame.OpTimerFire {
		entry, err := frame.DecodeTimerEntry(msg.Payload.Payload)
		if err != nil {
			w.reg.ParseFailures.Add(1)
			w.log.warn(logParse, "dropping timer with bad payload", "error", err)
			return false
		}
		if !w.timers.Enqueue(entry) {
			return false
		}
		w.reg.EnqueuedTimers.Add(1)
		return w.events.Enqueue(msg)
	}

	if !w.events.Enqueue(msg) {
		return false
	}
	if msg.Header.Event == frame.EventChange {
		switch msg.Header.Opcode {
		case frame.OpMutation:
			w.reg.EnqueuedMutations.Add(1)
		case frame.OpDeletion:
			w.reg.EnqueuedDeletions.Add(1)
		}
	}
	return true
}

// EnqueueFrame decodes a frame body and enqueues it.
func (w *Worker) EnqueueFrame(body []byte) error {
	msg, err := frame.Decode(body)
	if err != nil {
		w.reg.ParseFailures.Add(1)
		return err
	}
	if !w.Enqueue(msg) {
		return fmt.Errorf("enqueue %s/%d: rejected", msg.Header.Event, msg.Header.Opcode)
	}
	return nil
}

// DrainTimerResponses pulls up to window pending TimerCreate frames.
// window <= 0 drains all.
func (w *Worker) DrainTimerResponses(window int) [][]byte {
	return w.timerResp.DrainUpTo(window)
}

// DrainStoreResponses pulls all pending StoreAck and Checkpoint frames.
func (w *Worker) DrainStoreResponses() [][]byte {
	return w.storeResp.DrainUpTo(0)
}

// Run starts the watchdog and runs the router until the event queue is
// closed and drained (Stop or a Shutdown control message) or ctx is
// cancelled. Before returning it joins the watchdog, emits a final
// checkpoint flush and closes the pool.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	w.logger.Info("worker starting",
		"execution_timeout", w.cfg.Handler.ExecutionTimeout,
		"pool_capacity", w.cfg.Handler.PoolCapacity)

	wdCtx, cancelWatchdog := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.watchdog.Run(wdCtx)
	}()

	w.lastCheckpoint = time.Now()
	err := w.route(ctx)

	w.setState(StateShuttingDown)
	w.events.Close()
	w.timers.Close()
	cancelWatchdog()
	wg.Wait()

	w.flushCheckpoints()
	if w.pool != nil {
		if cerr := w.pool.Close(); cerr != nil {
			w.logger.Warn("closing store pool", "error", cerr)
		}
	}
	w.DetachDebugger()

	w.logger.Info("worker stopped", "error", err)
	return err
}

// Start runs the worker in a new goroutine. Use Stop to shut it down.
func (w *Worker) Start(ctx context.Context) {
	w.done = make(chan error, 1)
	go func() {
		w.done <- w.Run(ctx)
	}()
}

// Stop closes the event queue, waits for the router to drain what was
// already enqueued, and returns Run's result.
func (w *Worker) Stop() error {
	w.events.Close()
	if w.done == nil {
		return nil
	}
	return <-w.done
}

// Stats is a point-in-time view of the worker.
type Stats struct {
	WorkerID       string              `json:"worker_id"`
	State          string              `json:"state"`
	HandlerVersion string              `json:"handler_version"`
	EventQueue     int                 `json:"event_queue"`
	TimerQueue     int                 `json:"timer_queue"`
	StoreResponses int                 `json:"store_responses"`
	TimerResponses int                 `json:"timer_responses"`
	Partitions     int                 `json:"partitions"`
	PoolInUse      int                 `json:"pool_in_use"`
	Metrics        accounting.Snapshot `json:"metrics"`
}

// Stats returns a snapshot of counters, histogram and queue sizes.
func (w *Worker) Stats() Stats {
	s := Stats{
		WorkerID:       w.workerID,
		State:          w.State().String(),
		HandlerVersion: w.HandlerVersion(),
		EventQueue:     w.events.Len(),
		TimerQueue:     w.timers.Len(),
		StoreResponses: w.storeResp.Len(),
		TimerResponses: w.timerResp.Len(),
		Partitions:     w.tracker.Partitions(),
		Metrics:        w.reg.Snapshot(),
	}
	if w.pool != nil {
		s.PoolInUse = w.pool.InUse()
	}
	return s
}
