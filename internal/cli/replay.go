package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cdcrun/internal/engine"
	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/harness"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Frames  string // captured frame stream instead of a scenario
	Handler string // handler for --frames
	Config  string // config for --frames
}

// ReplayResult is the outbound trace of a replay.
type ReplayResult struct {
	Name       string               `json:"name"`
	LoadStatus string               `json:"load_status"`
	Pass       bool                 `json:"pass"`
	Errors     []string             `json:"errors,omitempty"`
	Trace      []harness.TraceEvent `json:"trace"`
	Counters   map[string]int64     `json:"counters"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [scenario.yaml]",
		Short: "Replay events through an in-process worker and print its output",
		Long: `Replay a scenario, or a captured frame stream, through an in-process
worker and print every outbound frame it produced.

With a scenario file the worker runs against a scratch store, exactly as
in "cdcrun test", and the scenario's assertions are evaluated. With
--frames the file holds size-prefixed frames as sent by an orchestrator;
they are replayed against the configured store.

Exit codes:
  0 - Replay completed (and assertions held)
  1 - Assertions failed or the handler did not load
  2 - Command error (file not found, unreadable frames)

Examples:
  cdcrun replay testdata/scenarios/timers.yaml
  cdcrun replay --frames capture.bin --handler handler.js --config worker.yaml
  cdcrun replay testdata/scenarios/failures.yaml --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
			switch {
			case opts.Frames != "" && len(args) == 0:
				return replayFrames(cmd.Context(), opts, formatter)
			case opts.Frames == "" && len(args) == 1:
				return replayScenario(args[0], formatter)
			default:
				return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "exactly one of a scenario file or --frames is required", nil)
			}
		},
	}

	cmd.Flags().StringVar(&opts.Frames, "frames", "", "file of size-prefixed frames to replay")
	cmd.Flags().StringVar(&opts.Handler, "handler", "", "handler script (with --frames)")
	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "worker config file (with --frames)")

	return cmd
}

func replayScenario(path string, formatter *OutputFormatter) error {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeScenario, fmt.Sprintf("cannot load scenario %s", path), err)
	}
	formatter.VerboseLog("Replaying %d step(s) of %s", len(scenario.Steps), scenario.Name)

	result, err := harness.Run(scenario)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeScenario, fmt.Sprintf("scenario %s failed to run", scenario.Name), err)
	}

	return outputReplay(formatter, ReplayResult{
		Name:       scenario.Name,
		LoadStatus: result.LoadStatus,
		Pass:       result.Pass,
		Errors:     result.Errors,
		Trace:      result.Trace,
		Counters:   result.Counters,
	})
}

func replayFrames(ctx context.Context, opts *ReplayOptions, formatter *OutputFormatter) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Handler == "" {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "--handler is required with --frames", nil)
	}
	source, err := readSource(opts.Handler)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFileNotFound, fmt.Sprintf("cannot read handler %s", opts.Handler), err)
	}
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}
	// Only explicit flushes and shutdown emit checkpoints during a replay.
	cfg.Settings.CheckpointInterval = 0

	f, err := os.Open(opts.Frames)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFileNotFound, fmt.Sprintf("cannot open %s", opts.Frames), err)
	}
	defer f.Close()

	dialer, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "cannot open store", err)
	}
	defer closeStore()

	w, err := engine.New(cfg, dialer, engine.WithLogger(discardLogger()))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "cannot create worker", err)
	}
	status, loadErr := w.Load(ctx, source)
	if loadErr != nil {
		formatter.VerboseLog("Handler load: %v", loadErr)
	}

	n, err := enqueueFrames(f, w)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("cannot read frames from %s", opts.Frames), err)
	}
	formatter.VerboseLog("Replaying %d frame(s)", n)

	w.Start(ctx)
	if err := w.Stop(); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "worker error", err)
	}

	result := ReplayResult{
		Name:       opts.Frames,
		LoadStatus: status.String(),
		Pass:       loadErr == nil,
		Trace:      []harness.TraceEvent{},
		Counters:   map[string]int64{},
	}
	if loadErr != nil {
		result.Errors = append(result.Errors, loadErr.Error())
	}
	bodies := append(w.DrainStoreResponses(), w.DrainTimerResponses(0)...)
	for _, body := range bodies {
		ev, err := harness.DecodeResponse(body)
		if err != nil {
			return formatter.Fail(ExitFailure, ErrCodeGeneric, "worker produced an undecodable frame", err)
		}
		result.Trace = append(result.Trace, ev)
	}
	for name, v := range w.Registry().Snapshot().Counters {
		if v != 0 {
			result.Counters[name] = v
		}
	}

	return outputReplay(formatter, result)
}

// enqueueFrames feeds every frame in r to w. Frames the worker rejects are
// counted by the worker and skipped.
func enqueueFrames(r io.Reader, w *engine.Worker) (int, error) {
	br := bufio.NewReader(r)
	n := 0
	for {
		body, err := frame.ReadFrame(br)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		_ = w.EnqueueFrame(body)
		n++
	}
}

// outputReplay prints the trace in the configured format.
func outputReplay(formatter *OutputFormatter, result ReplayResult) error {
	if formatter.JSON() {
		response := CLIResponse{Status: "ok", Data: result}
		if !result.Pass {
			response.Status = "error"
			response.Error = &CLIError{Code: ErrCodeTestFailed, Message: "replay did not pass"}
		}
		if err := formatter.encode(response); err != nil {
			return err
		}
		if !result.Pass {
			return NewExitError(ExitFailure, "replay did not pass")
		}
		return nil
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Replay: %s (load status %s)\n", result.Name, result.LoadStatus)
	fmt.Fprintln(w)
	for i, ev := range result.Trace {
		meta := ev.Metadata
		if meta == "" {
			meta = "-"
		}
		fmt.Fprintf(w, "  [%d] %-12s vb=%-4d %s %s\n", i+1, ev.Type, ev.Partition, meta, ev.Body)
	}
	if len(result.Trace) == 0 {
		fmt.Fprintln(w, "  (no outbound frames)")
	}
	fmt.Fprintln(w)

	if result.Pass {
		fmt.Fprintf(w, "✓ %d frame(s) emitted\n", len(result.Trace))
		return nil
	}
	fmt.Fprintln(w, "✗ Replay did not pass")
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	return NewExitError(ExitFailure, "replay did not pass")
}
