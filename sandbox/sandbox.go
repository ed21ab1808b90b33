// Package sandbox executes compiled WASM modules inside an isolated
// wazero runtime with a minimal syscall-emulation surface.
//
// Every execution gets a fresh [hostfunc.State] (empty output buffers,
// its own argument vector, a memory binding established only after
// instantiation), so no state survives from one task to the next even
// when the same compiled module is reused.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/helix-os/wasm-worker/hostfunc"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Result holds the structured outcome of one execution.
type Result struct {
	Success  bool
	Output   any // parsed JSON if stdout parses cleanly, raw string otherwise
	Stderr   string
	ExitCode int
	Duration time.Duration
	Error    error
}

// Sandbox owns a wazero runtime with the syscall-emulation table
// installed. Compiled modules from [Sandbox.Compile] are instantiated
// fresh on every [Sandbox.Execute]; the Sandbox itself is safe to reuse
// across sequential executions.
type Sandbox struct {
	runtime wazero.Runtime
}

// Option configures a Sandbox at creation time.
type Option func(*config)

type config struct {
	memoryLimitPages uint32
}

// WithMemoryLimit sets the maximum memory available to modules, in 64KB
// pages. Zero means the wazero default (4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// New creates a Sandbox. The runtime is configured to tear down modules
// when the execution context is done, which is what makes the watchdog
// timeout effective against non-terminating modules.
func New(ctx context.Context, opts ...Option) (*Sandbox, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if err := hostfunc.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate syscall table: %w", err)
	}

	return &Sandbox{runtime: rt}, nil
}

// Compile validates and compiles raw module bytes. The compiled artifact
// is immutable and carries no instance state, so callers may cache and
// share it across executions.
func (s *Sandbox) Compile(ctx context.Context, binary []byte) (wazero.CompiledModule, error) {
	return s.runtime.CompileModule(ctx, binary)
}

// Execute instantiates compiled against the syscall table, invokes its
// entry point with input as the single logical argument, and converts
// the outcome into a Result. Success is true iff the exit code is 0.
func (s *Sandbox) Execute(ctx context.Context, compiled wazero.CompiledModule, input string) Result {
	start := time.Now()

	state := hostfunc.NewState(input)
	ctx = hostfunc.WithState(ctx, state)

	modConfig := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := s.runtime.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return failure(state, &InstantiationError{Err: err}, start)
	}
	defer mod.Close(ctx)

	state.BindMemory(mod.Memory())

	entry := entryPoint(mod)
	if entry == nil {
		return failure(state, &InstantiationError{Err: errors.New("module exports no start or main entry point")}, start)
	}

	_, err = entry.Call(ctx)

	exitCode := 0
	var execErr error
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && !syntheticExit(exitErr.ExitCode()) {
			// Controlled termination via proc_exit.
			exitCode = int(exitErr.ExitCode())
		} else {
			// Uncaught trap, or watchdog teardown.
			exitCode = 1
			state.AppendStderr(err.Error())
			execErr = &TrapError{Err: err}
		}
	}

	return Result{
		Success:  exitCode == 0,
		Output:   parseOutput(state.Stdout()),
		Stderr:   state.Stderr(),
		ExitCode: exitCode,
		Duration: time.Since(start),
		Error:    execErr,
	}
}

// Close releases the runtime and every module compiled against it.
func (s *Sandbox) Close() error {
	return s.runtime.Close(context.Background())
}

// entryPoint prefers a start entry point, then a main entry point.
func entryPoint(mod api.Module) api.Function {
	for _, name := range []string{"_start", "start", "main"} {
		if fn := mod.ExportedFunction(name); fn != nil {
			return fn
		}
	}
	return nil
}

// syntheticExit reports wazero's internal teardown codes, which signal a
// closed runtime rather than a module calling proc_exit.
func syntheticExit(code uint32) bool {
	return code == sys.ExitCodeDeadlineExceeded || code == sys.ExitCodeContextCanceled
}

// parseOutput lets modules return either structured or plain-text
// results without a protocol negotiation step.
func parseOutput(stdout string) any {
	var v any
	if err := json.Unmarshal([]byte(stdout), &v); err != nil {
		return stdout
	}
	return v
}

func failure(state *hostfunc.State, err error, start time.Time) Result {
	state.AppendStderr(err.Error())
	return Result{
		Success:  false,
		Output:   parseOutput(state.Stdout()),
		Stderr:   state.Stderr(),
		ExitCode: 1,
		Duration: time.Since(start),
		Error:    err,
	}
}
