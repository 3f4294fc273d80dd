// Package config loads and validates worker configuration.
//
// A Config is read from YAML, layered over Default, and validated against
// an embedded CUE schema. It is immutable once handed to a worker.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

// HandlerConfig holds execution limits, pool sizing and source wrapping.
type HandlerConfig struct {
	AppName            string        `yaml:"app_name" json:"app_name"`
	ExecutionTimeout   time.Duration `yaml:"execution_timeout" json:"execution_timeout"`
	StoreOpTimeout     time.Duration `yaml:"store_op_timeout" json:"store_op_timeout"`
	StoreRetryBackoff  time.Duration `yaml:"store_retry_backoff" json:"store_retry_backoff"`
	PoolCapacity       int           `yaml:"pool_capacity" json:"pool_capacity"`
	StoreRetries       int           `yaml:"store_retries" json:"store_retries"`
	SkipStoreBootstrap bool          `yaml:"skip_store_bootstrap" json:"skip_store_bootstrap"`
	TimerContextSize   int           `yaml:"timer_context_size" json:"timer_context_size"`
	HandlerHeaders     []string      `yaml:"handler_headers" json:"handler_headers"`
	HandlerFooters     []string      `yaml:"handler_footers" json:"handler_footers"`
	TimerFireWindow    int           `yaml:"timer_fire_window" json:"timer_fire_window"`
	AckCheck           bool          `yaml:"ack_check" json:"ack_check"`
}

// ServerSettings holds addressing and service-level settings.
type ServerSettings struct {
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	DebuggerPort       int           `yaml:"debugger_port" json:"debugger_port"`
	WorkDir            string        `yaml:"work_dir" json:"work_dir"`
	ServicePort        int           `yaml:"service_port" json:"service_port"`
	HostAddr           string        `yaml:"host_addr" json:"host_addr"`
	StoreBackend       string        `yaml:"store_backend" json:"store_backend"`
	StoreHostPort      string        `yaml:"store_host_port" json:"store_host_port"`
	StorePath          string        `yaml:"store_path" json:"store_path"`

	// WorkerID identifies this worker in logs and checkpoint frames.
	// Generated when empty.
	WorkerID string `yaml:"worker_id" json:"worker_id"`
}

// Config is the complete worker configuration.
type Config struct {
	Handler  HandlerConfig  `yaml:"handler" json:"handler"`
	Settings ServerSettings `yaml:"settings" json:"settings"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Handler: HandlerConfig{
			AppName:           "cdcrun",
			ExecutionTimeout:  time.Second,
			StoreOpTimeout:    2 * time.Second,
			StoreRetryBackoff: 10 * time.Millisecond,
			PoolCapacity:      4,
			StoreRetries:      2,
			TimerContextSize:  1024,
			TimerFireWindow:   32,
		},
		Settings: ServerSettings{
			CheckpointInterval: time.Second,
			HostAddr:           "127.0.0.1",
			StoreBackend:       BackendSQLite,
			StorePath:          "cdcrun.db",
		},
	}
}

// Load reads a YAML config file. Missing fields take their Default values.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML config from r and validates it.
// Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config against the embedded CUE schema.
func (c Config) Validate() error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename("config.json"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("compile config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Details: cueerrors.Details(err, nil), err: err}
	}
	return nil
}

// ValidationError reports a config that does not satisfy the schema.
type ValidationError struct {
	Details string
	err     error
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.TrimSpace(e.Details)
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
