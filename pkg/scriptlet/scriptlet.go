// Package scriptlet runs package scriptlets shipped as WASI modules.
//
// A scriptlet is the _start entry point of a WebAssembly module. It runs with
// the install root mounted at "/", receives the package name, version and
// phase through its arguments and environment, and fails the surrounding
// operation by exiting with a non-zero code or trapping.
package scriptlet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Phase names the point of a package operation a scriptlet runs at.
type Phase string

const (
	PreInstall  Phase = "pre-install"
	PostInstall Phase = "post-install"
	PreRemove   Phase = "pre-remove"
	PostRemove  Phase = "post-remove"
)

// Phases lists every phase in execution order.
var Phases = []Phase{PreInstall, PostInstall, PreRemove, PostRemove}

// FileName returns the name a phase's module is stored under.
func (p Phase) FileName() string {
	return string(p) + ".wasm"
}

// Config configures the runner.
type Config struct {
	// Root is mounted at "/" inside the module. Empty runs without a filesystem.
	Root string

	// Timeout bounds a single scriptlet (default: 30s).
	Timeout time.Duration

	// MemoryLimitPages caps linear memory in 64KB pages (default: 256, 16MB).
	MemoryLimitPages uint32
}

// Script is one scriptlet invocation.
type Script struct {
	Package string
	Version string
	Phase   Phase
	Module  []byte
}

// Result is the outcome of a scriptlet that ran to completion.
type Result struct {
	ExitCode uint32
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes scriptlets in a shared wazero runtime.
type Runner struct {
	cfg     Config
	runtime wazero.Runtime
	logger  zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runtime with WASI preview1 instantiated.
func NewRunner(ctx context.Context, cfg Config, opts ...Option) (*Runner, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	r := &Runner{
		cfg:     cfg,
		runtime: runtime,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes s. A non-zero exit code is returned as an error together with
// the result; traps and timeouts return only an error.
func (r *Runner) Run(ctx context.Context, s Script) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	compiled, err := r.runtime.CompileModule(ctx, s.Module)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s scriptlet of %s: %w", s.Phase, s.Package, err)
	}
	defer compiled.Close(ctx)

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(s.Package, string(s.Phase)).
		WithEnv("EPM_PACKAGE", s.Package).
		WithEnv("EPM_VERSION", s.Version).
		WithEnv("EPM_PHASE", string(s.Phase)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithSysWalltime().
		WithSysNanotime()
	if r.cfg.Root != "" {
		moduleConfig = moduleConfig.WithFSConfig(wazero.NewFSConfig().WithDirMount(r.cfg.Root, "/"))
	}

	result := &Result{}
	mod, err := r.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if mod != nil {
		mod.Close(ctx)
	}
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s scriptlet of %s failed: %w", s.Phase, s.Package, err)
		}
		switch exitErr.ExitCode() {
		case 0:
		case sys.ExitCodeDeadlineExceeded:
			return nil, fmt.Errorf("%s scriptlet of %s timed out after %s", s.Phase, s.Package, r.cfg.Timeout)
		case sys.ExitCodeContextCanceled:
			return nil, fmt.Errorf("%s scriptlet of %s cancelled: %w", s.Phase, s.Package, context.Canceled)
		default:
			result.ExitCode = exitErr.ExitCode()
		}
	}

	r.logger.Debug().
		Str("package", s.Package).
		Str("phase", string(s.Phase)).
		Uint32("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Scriptlet finished")

	if result.ExitCode != 0 {
		return result, fmt.Errorf("%s scriptlet of %s exited with code %d: %s",
			s.Phase, s.Package, result.ExitCode, bytes.TrimSpace(stderr.Bytes()))
	}
	return result, nil
}

// Close releases the runtime.
func (r *Runner) Close(ctx context.Context) error {
	if err := r.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}
