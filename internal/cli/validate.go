package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cdcrun/internal/config"
	"github.com/roach88/cdcrun/internal/engine"
)

// ValidationIssue is one problem found by validate.
type ValidationIssue struct {
	Source  string `json:"source"` // "config" or "handler"
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Config *config.Config    `json:"config,omitempty"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Handler string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a worker config without starting a worker",
		Long: `Validate a worker config file against the config schema.

Reports unknown keys, malformed durations and out-of-range values. With
--handler, also checks that the handler compiles with the config's
headers and footers applied.

Exit codes:
  0 - Config (and handler) valid
  1 - Validation failed
  2 - Command error (file not found)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Handler, "handler", "", "handler script to compile with this config")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if _, err := os.Stat(path); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeFileNotFound, fmt.Sprintf("config not found: %s", path), err)
	}

	formatter.VerboseLog("Validating config %s", path)
	cfg, err := config.Load(path)
	if err != nil {
		return outputValidationErrors(formatter, configIssues(err))
	}

	if opts.Handler != "" {
		source, err := readSource(opts.Handler)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeFileNotFound, fmt.Sprintf("cannot read handler %s", opts.Handler), err)
		}
		formatter.VerboseLog("Compiling handler %s", opts.Handler)

		w, err := engine.New(cfg, nil, engine.WithLogger(discardLogger()))
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, "cannot create worker", err)
		}
		if info := w.CompileHandler(source); !info.CompileSuccess {
			return outputValidationErrors(formatter, []ValidationIssue{{
				Source:  "handler",
				Message: info.Description,
				Line:    info.Line,
				Column:  info.Column,
			}})
		}
	}

	return outputValidateSuccess(formatter, cfg)
}

// configIssues splits a config error into one issue per schema violation.
func configIssues(err error) []ValidationIssue {
	var ve *config.ValidationError
	if !errors.As(err, &ve) {
		return []ValidationIssue{{Source: "config", Message: err.Error()}}
	}

	var issues []ValidationIssue
	for _, line := range strings.Split(ve.Details, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		issues = append(issues, ValidationIssue{Source: "config", Message: line})
	}
	if len(issues) == 0 {
		issues = append(issues, ValidationIssue{Source: "config", Message: err.Error()})
	}
	return issues
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, cfg config.Config) error {
	if formatter.JSON() {
		return formatter.Success(ValidationResult{Valid: true, Config: &cfg})
	}

	fmt.Fprintln(formatter.Writer, "✓ Config valid")
	fmt.Fprintf(formatter.Writer, "  app: %s, execution timeout: %s, pool capacity: %d, store: %s\n",
		cfg.Handler.AppName, cfg.Handler.ExecutionTimeout, cfg.Handler.PoolCapacity, cfg.Settings.StoreBackend)
	return nil
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []ValidationIssue) error {
	if formatter.JSON() {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    issueCode(errs[0]),
				Message: errs[0].Message,
			},
		}
		if err := formatter.encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, issue := range errs {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d:%d\n", issue.Line, issue.Column)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Source, issue.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}

func issueCode(i ValidationIssue) string {
	if i.Source == "handler" {
		return ErrCodeCompile
	}
	return ErrCodeConfig
}
