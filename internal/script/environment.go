package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/roach88/cdcrun/internal/accounting"
)

// Store is the read path handlers reach the backing store through.
// *store.Pool satisfies it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// Entry point names resolved at compile time.
const (
	EntryOnUpdate = "OnUpdate"
	EntryOnDelete = "OnDelete"
)

// handlerFile names the wrapped source in positions and stack traces.
const handlerFile = "handler.js"

// Options configures how handlers are compiled and what they can reach.
type Options struct {
	// Headers and Footers wrap the user source, one snippet per line group.
	Headers []string
	Footers []string

	// AppName is attached to handler log lines.
	AppName string

	// TimerContextSize caps the JSON size of a createTimer context.
	// Zero means no limit.
	TimerContextSize int

	// LoadTimeout bounds top-level evaluation during Compile.
	// Zero means no limit.
	LoadTimeout time.Duration

	// Store serves bucket reads and queries. Nil makes them throw.
	Store Store

	Registry *accounting.Registry
	Logger   *slog.Logger
}

// CompileInfo describes the outcome of a compile check.
type CompileInfo struct {
	CompileSuccess bool   `json:"compile_success"`
	Language       string `json:"language"`
	Line           int    `json:"line"`
	Column         int    `json:"column"`
	Description    string `json:"description"`
}

// Environment compiles handlers and owns the utility context.
type Environment struct {
	opts Options

	// utility context; the lock serializes callers since goja runtimes are
	// not goroutine-safe.
	mu   sync.Mutex
	util *goja.Runtime
}

// utilityPrelude defines the helpers available in the utility context.
const utilityPrelude = `
var __cdcrun = Object.freeze({
	stringify: function (v) { return JSON.stringify(v); },
	describe: function (v) {
		if (v === null) return "null";
		if (Array.isArray(v)) return "array";
		return typeof v;
	}
});
`

// NewEnvironment creates an environment with a fresh utility context.
func NewEnvironment(opts Options) (*Environment, error) {
	if opts.Registry == nil {
		opts.Registry = accounting.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	util := goja.New()
	if _, err := util.RunString(utilityPrelude); err != nil {
		return nil, fmt.Errorf("init utility context: %w", err)
	}

	return &Environment{opts: opts, util: util}, nil
}

// Options returns the options handlers are compiled with.
func (e *Environment) Options() Options {
	return e.opts
}

// ExecuteRaw evaluates a script in the utility context and returns its
// exported result. Cancelling ctx interrupts the script.
func (e *Environment) ExecuteRaw(ctx context.Context, src string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return executeRaw(ctx, e.util, src)
}

func executeRaw(ctx context.Context, rt *goja.Runtime, src string) (any, error) {
	stop := context.AfterFunc(ctx, func() {
		rt.Interrupt(ctx.Err())
	})
	defer func() {
		if !stop() {
			// AfterFunc ran or is running; the interrupt must not leak
			// into the next evaluation.
			rt.ClearInterrupt()
		}
	}()

	v, err := rt.RunString(src)
	if err != nil {
		return nil, toException(err)
	}
	if v == nil {
		return nil, nil
	}
	return v.Export(), nil
}

// wrap joins headers, source and footers. It returns the wrapped source
// and the number of lines that precede the user source.
func (e *Environment) wrap(source string) (string, int) {
	var b strings.Builder
	offset := 0
	for _, h := range e.opts.Headers {
		b.WriteString(h)
		b.WriteByte('\n')
		offset += strings.Count(h, "\n") + 1
	}
	b.WriteString(source)
	for _, f := range e.opts.Footers {
		b.WriteByte('\n')
		b.WriteString(f)
	}
	return b.String(), offset
}

// parse compiles the wrapped source without running it.
func (e *Environment) parse(source string) (*goja.Program, error) {
	wrapped, offset := e.wrap(source)
	prog, err := goja.Compile(handlerFile, wrapped, false)
	if err == nil {
		return prog, nil
	}

	ce := &CompileError{Message: err.Error()}
	var se *goja.CompilerSyntaxError
	if errors.As(err, &se) {
		ce.Message = se.Message
		if se.File != nil {
			pos := se.File.Position(se.Offset)
			ce.Line = pos.Line - offset
			ce.Column = pos.Column
			if ce.Line < 1 {
				// Error inside a header snippet.
				ce.Line = 0
				ce.Column = 0
			}
		}
	}
	return nil, ce
}

// CompileInfo checks that source compiles, without loading it.
func (e *Environment) CompileInfo(source string) CompileInfo {
	info := CompileInfo{Language: "JavaScript"}
	if _, err := e.parse(source); err != nil {
		var ce *CompileError
		if errors.As(err, &ce) {
			info.Line = ce.Line
			info.Column = ce.Column
			info.Description = ce.Message
		} else {
			info.Description = err.Error()
		}
		return info
	}
	info.CompileSuccess = true
	return info
}

// Compile wraps, compiles and loads source into a new handler context.
//
// Top-level code runs once during Compile. A syntax error, or a throw
// from top-level code, returns a *CompileError; so does a source that
// defines neither entry point (NoHandlers set).
func (e *Environment) Compile(source string) (*CompiledHandler, error) {
	prog, err := e.parse(source)
	if err != nil {
		return nil, err
	}

	h := &CompiledHandler{
		rt:      goja.New(),
		opts:    e.opts,
		version: IdentifyVersion(source),
		source:  source,
	}
	if err := h.install(); err != nil {
		return nil, fmt.Errorf("install bindings: %w", err)
	}

	// The timer callback may already be running when RunProgram returns,
	// so it checks done under mu before interrupting.
	var (
		mu   sync.Mutex
		done bool
	)
	if e.opts.LoadTimeout > 0 {
		t := time.AfterFunc(e.opts.LoadTimeout, func() {
			mu.Lock()
			defer mu.Unlock()
			if !done {
				h.rt.Interrupt("load timeout")
			}
		})
		defer t.Stop()
	}
	_, err = h.rt.RunProgram(prog)
	mu.Lock()
	done = true
	mu.Unlock()
	if err != nil {
		return nil, &CompileError{Message: toException(err).Error()}
	}
	h.rt.ClearInterrupt()

	h.onUpdate = h.resolve(EntryOnUpdate)
	h.onDelete = h.resolve(EntryOnDelete)
	if h.onUpdate == nil && h.onDelete == nil {
		return nil, &CompileError{NoHandlers: true, Message: "no OnUpdate or OnDelete handler defined"}
	}

	return h, nil
}
