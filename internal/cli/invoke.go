package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cdcrun/internal/engine"
	"github.com/roach88/cdcrun/internal/frame"
	"github.com/roach88/cdcrun/internal/script"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	Handler string
	Config  string
	Args    string // JSON array of entry point arguments
}

// InvokeWrite is a staged write reported by invoke.
type InvokeWrite struct {
	Op     string          `json:"op"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
	Expiry string          `json:"expiry,omitempty"`
}

// InvokeResult is what one debug invocation staged.
type InvokeResult struct {
	Entry  string             `json:"entry"`
	Writes []InvokeWrite      `json:"writes"`
	Timers []frame.TimerEntry `json:"timers"`
	Value  any                `json:"value,omitempty"`
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <entry-point>",
		Short: "Call a handler entry point through the debugger",
		Long: `Call one handler entry point outside the event queue.

The handler is loaded into a worker and a debug session is attached; the
entry point runs on the session's private copy with the given arguments.
Reads go to the configured store, but writes and timers are only reported,
never committed.

Example:
  cdcrun invoke OnUpdate --handler h.js --args '[{"n":1},{"id":"a","vb":0,"seq":1}]'
  cdcrun invoke Remind --handler h.js --args '[{"id":"a"}]' --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeEntry(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Handler, "handler", "", "handler script (required)")
	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "worker config file")
	cmd.Flags().StringVar(&opts.Args, "args", "[]", "entry point arguments as a JSON array")
	_ = cmd.MarkFlagRequired("handler")

	return cmd
}

func invokeEntry(opts *InvokeOptions, entry string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	// Validate args JSON
	var rawArgs []json.RawMessage
	if err := json.Unmarshal([]byte(opts.Args), &rawArgs); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid --args JSON array", err)
	}

	source, err := readSource(opts.Handler)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFileNotFound, fmt.Sprintf("cannot read handler %s", opts.Handler), err)
	}
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	dialer, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "cannot open store", err)
	}
	defer closeStore()

	w, err := engine.New(cfg, dialer, engine.WithLogger(newLogger(opts.RootOptions)))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "cannot create worker", err)
	}
	if status, err := w.Load(ctx, source); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeLoad, fmt.Sprintf("handler load failed: %s", status), err)
	}

	if err := w.AttachDebugger(); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDebugger, "cannot attach debugger", err)
	}
	defer w.DetachDebugger()

	args := make([]any, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = a
	}
	formatter.VerboseLog("Invoking %s with %d argument(s)", entry, len(args))

	res, err := w.DebugExecute(ctx, entry, args...)
	if err != nil {
		var details any = err.Error()
		var ex *script.Exception
		if errors.As(err, &ex) {
			details = ex
		}
		_ = formatter.Error(ErrCodeInvoke, fmt.Sprintf("%s threw", entry), details)
		return WrapExitError(ExitFailure, fmt.Sprintf("%s failed", entry), err)
	}

	return outputInvoke(formatter, newInvokeResult(entry, res))
}

func newInvokeResult(entry string, res *script.Result) InvokeResult {
	out := InvokeResult{
		Entry:  entry,
		Writes: make([]InvokeWrite, 0, len(res.Writes)),
		Timers: res.Timers,
		Value:  res.Value,
	}
	if out.Timers == nil {
		out.Timers = []frame.TimerEntry{}
	}
	for _, wr := range res.Writes {
		iw := InvokeWrite{Op: wr.Op, Key: wr.Key}
		if len(wr.Value) > 0 {
			iw.Value = json.RawMessage(wr.Value)
		}
		if wr.Expiry > 0 {
			iw.Expiry = wr.Expiry.String()
		}
		out.Writes = append(out.Writes, iw)
	}
	return out
}

func outputInvoke(f *OutputFormatter, r InvokeResult) error {
	if f.JSON() {
		return f.Success(r)
	}

	fmt.Fprintf(f.Writer, "✓ %s returned", r.Entry)
	if r.Value != nil {
		fmt.Fprintf(f.Writer, " %v", r.Value)
	}
	fmt.Fprintln(f.Writer)
	for _, w := range r.Writes {
		fmt.Fprintf(f.Writer, "  %s %s", w.Op, w.Key)
		if len(w.Value) > 0 {
			fmt.Fprintf(f.Writer, " = %s", w.Value)
		}
		if w.Expiry != "" {
			fmt.Fprintf(f.Writer, " (expires in %s)", w.Expiry)
		}
		fmt.Fprintln(f.Writer)
	}
	for _, t := range r.Timers {
		fmt.Fprintf(f.Writer, "  timer %s at %dms", t.Callback, t.DueMs)
		if t.Reference != "" {
			fmt.Fprintf(f.Writer, " ref %s", t.Reference)
		}
		fmt.Fprintln(f.Writer)
	}
	if len(r.Writes) == 0 && len(r.Timers) == 0 {
		fmt.Fprintln(f.Writer, "  (no writes or timers staged)")
	}
	return nil
}
