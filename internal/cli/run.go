package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/cdcrun/internal/config"
	"github.com/roach88/cdcrun/internal/engine"
	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/store"
)

// responseFlushInterval is how often drained responses are written back.
const responseFlushInterval = 5 * time.Millisecond

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config  string
	Handler string
	Listen  string // overrides host_addr:service_port
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a worker and serve one orchestrator connection",
		Long: `Start a worker with the given handler and serve frames over TCP.

The worker loads the handler, opens the configured store, and accepts a
single orchestrator connection. Inbound frames are decoded and enqueued;
store acknowledgements, checkpoints and timer registrations are written
back on the same connection. The worker stops when the orchestrator sends
a shutdown control frame, closes the connection, or on SIGINT/SIGTERM.

Example:
  cdcrun run --config ./worker.yaml --handler ./handler.js
  cdcrun run --handler ./handler.js --listen 127.0.0.1:9140 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "worker config file")
	cmd.Flags().StringVar(&opts.Handler, "handler", "", "handler script (required)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default host_addr:service_port)")
	_ = cmd.MarkFlagRequired("handler")

	return cmd
}

func runWorker(opts *RunOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := newLogger(opts.RootOptions)
	slog.SetDefault(logger)

	source, err := readSource(opts.Handler)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFileNotFound, fmt.Sprintf("cannot read handler %s", opts.Handler), err)
	}
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dialer, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "cannot open store", err)
	}
	defer func() {
		if closeErr := closeStore(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()

	w, err := engine.New(cfg, dialer, engine.WithLogger(logger))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "cannot create worker", err)
	}
	if status, err := w.Load(ctx, source); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeLoad, fmt.Sprintf("handler load failed: %s", status), err)
	}

	addr := opts.Listen
	if addr == "" {
		addr = net.JoinHostPort(cfg.Settings.HostAddr, strconv.Itoa(cfg.Settings.ServicePort))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeListenFailed, fmt.Sprintf("cannot listen on %s", addr), err)
	}
	defer ln.Close()

	logger.Info("worker listening", "addr", ln.Addr().String(), "handler", opts.Handler, "version", w.HandlerVersion())
	formatter.VerboseLog("Worker %s listening on %s", w.WorkerID(), ln.Addr())

	conn, err := accept(ctx, ln)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("stopped before orchestrator connected")
			return nil
		}
		return formatter.Fail(ExitCommandError, ErrCodeListenFailed, "accept failed", err)
	}
	logger.Info("orchestrator connected", "remote", conn.RemoteAddr().String())

	if err := serve(ctx, w, conn, cfg.Handler.TimerFireWindow, logger); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "worker error", err)
	}
	logger.Info("worker stopped gracefully")

	return printStats(formatter, w.Stats())
}

// accept waits for one connection or ctx cancellation.
func accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	return ln.Accept()
}

// openStore dials the configured backend. The "none" backend returns a nil
// dialer; handlers that touch the store then fail with a StoreError.
func openStore(ctx context.Context, cfg config.Config) (store.Dialer, func() error, error) {
	noop := func() error { return nil }
	s := cfg.Settings

	switch s.StoreBackend {
	case config.BackendNone:
		return nil, noop, nil

	case config.BackendRedis:
		r, err := store.OpenRedis(ctx, store.RedisOptions{
			Addr:     s.StoreHostPort,
			PoolSize: cfg.Handler.PoolCapacity,
		})
		if err != nil {
			return nil, noop, err
		}
		return r, r.Close, nil

	default:
		path := s.StorePath
		if !filepath.IsAbs(path) && s.WorkDir != "" {
			path = filepath.Join(s.WorkDir, path)
		}
		sq, err := store.OpenSQLite(path, cfg.Handler.PoolCapacity+1)
		if err != nil {
			return nil, noop, err
		}
		return sq, sq.Close, nil
	}
}

// serve runs w against one connection until the worker stops. Inbound
// frames are enqueued as they arrive; responses are drained every
// responseFlushInterval, timer responses at most window per tick.
func serve(ctx context.Context, w *engine.Worker, conn io.ReadWriteCloser, window int, logger *slog.Logger) error {
	var closed atomic.Bool
	closeConn := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}
	stop := context.AfterFunc(ctx, closeConn)
	defer stop()

	runDone := make(chan struct{})
	var runErr error

	var g errgroup.Group
	g.Go(func() error {
		defer close(runDone)
		runErr = w.Run(ctx)
		return nil
	})

	g.Go(func() error {
		err := readFrames(conn, w, logger)
		// Orchestrator hung up, or we closed the connection: drain and stop.
		_ = w.Stop()
		<-runDone
		if closed.Load() {
			return nil
		}
		return err
	})

	g.Go(func() error {
		t := time.NewTicker(responseFlushInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := writeResponses(conn, w, window); err != nil {
					closeConn()
					return fmt.Errorf("write responses: %w", err)
				}
			case <-runDone:
				err := writeResponses(conn, w, 0)
				closeConn()
				if err != nil && ctx.Err() == nil {
					return fmt.Errorf("write responses: %w", err)
				}
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	return nil
}

// readFrames enqueues frames until EOF. Frames the worker rejects are
// logged and skipped; the worker counts them.
func readFrames(r io.Reader, w *engine.Worker, logger *slog.Logger) error {
	br := bufio.NewReader(r)
	for {
		body, err := frame.ReadFrame(br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if err := w.EnqueueFrame(body); err != nil {
			logger.Warn("frame rejected", "error", err)
		}
	}
}

// writeResponses writes pending store responses, then timer responses.
func writeResponses(wr io.Writer, w *engine.Worker, window int) error {
	bw := bufio.NewWriter(wr)
	for _, body := range w.DrainStoreResponses() {
		if err := frame.WriteFrame(bw, body); err != nil {
			return err
		}
	}
	for _, body := range w.DrainTimerResponses(window) {
		if err := frame.WriteFrame(bw, body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// printStats reports the worker's final counters.
func printStats(f *OutputFormatter, s engine.Stats) error {
	if f.JSON() {
		return f.Success(s)
	}

	m := s.Metrics
	fmt.Fprintf(f.Writer, "Worker %s stopped (handler %s)\n", s.WorkerID, s.HandlerVersion)
	fmt.Fprintf(f.Writer, "  messages processed: %d\n", m.Counters["messages_processed"])
	fmt.Fprintf(f.Writer, "  on_update: %d ok, %d failed\n", m.Counters["on_update_success"], m.Counters["on_update_failure"])
	fmt.Fprintf(f.Writer, "  on_delete: %d ok, %d failed\n", m.Counters["on_delete_success"], m.Counters["on_delete_failure"])
	fmt.Fprintf(f.Writer, "  timers: %d ok, %d failed\n", m.Counters["timer_callback_success"], m.Counters["timer_callback_failure"])
	fmt.Fprintf(f.Writer, "  timeouts: %d, checkpoint failures: %d\n", m.Counters["timeout_count"], m.Counters["checkpoint_failure_count"])
	fmt.Fprintf(f.Writer, "  partitions tracked: %d\n", s.Partitions)
	return nil
}
