package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cdcrun/internal/config"
	"github.com/roach88/cdcrun/internal/engine"
	"github.com/roach88/cdcrun/internal/script"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Config string // optional config for handler headers/footers
}

// CompileResult is the compile command's output.
type CompileResult struct {
	Handler string `json:"handler"`
	script.CompileInfo
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <handler.js>",
		Short: "Check that a handler compiles",
		Long: `Compile a handler script without loading it into a worker.

Reports whether the source compiles and, if not, the line, column and
description of the first error. Handler headers and footers from the
config are applied the same way the worker applies them, so reported
positions refer to the handler file.

Exit codes:
  0 - Handler compiles
  1 - Compilation failed
  2 - Command error (missing file, invalid config)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "worker config file")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	source, err := readSource(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFileNotFound, fmt.Sprintf("cannot read handler %s", path), err)
	}

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}

	w, err := engine.New(cfg, nil, engine.WithLogger(discardLogger()))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "cannot create worker", err)
	}

	formatter.VerboseLog("Compiling %s (%d bytes)", path, len(source))
	info := w.CompileHandler(source)
	result := CompileResult{Handler: path, CompileInfo: info}

	if formatter.JSON() {
		if !info.CompileSuccess {
			_ = formatter.Error(ErrCodeCompile, info.Description, result)
			return NewExitError(ExitFailure, "compilation failed")
		}
		return formatter.Success(result)
	}

	if !info.CompileSuccess {
		fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
		fmt.Fprintf(formatter.Writer, "%s:%d:%d\n", path, info.Line, info.Column)
		fmt.Fprintf(formatter.Writer, "  %s\n", info.Description)
		return NewExitError(ExitFailure, "compilation failed")
	}

	fmt.Fprintf(formatter.Writer, "✓ Compiled %s (%s)\n", path, info.Language)
	return nil
}

// loadConfig reads a config file, or returns the defaults for "".
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return config.Config{}, err
	}
	return config.Load(path)
}
