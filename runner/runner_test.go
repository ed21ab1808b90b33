package runner_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/helix-os/wasm-worker/internal/wasmtest"
	"github.com/helix-os/wasm-worker/modules"
	"github.com/helix-os/wasm-worker/runner"
	"github.com/helix-os/wasm-worker/sandbox"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestRunner wires a runner over a directory source populated with
// the given modules.
func newTestRunner(t *testing.T, files map[string][]byte, opts ...runner.Option) *runner.Runner {
	t.Helper()

	dir := t.TempDir()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	sb, err := sandbox.New(context.Background())
	if err != nil {
		t.Fatalf("create sandbox: %v", err)
	}
	t.Cleanup(func() { sb.Close() })

	cache, err := modules.NewCache(modules.NewSource(dir), sb, 0)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}

	opts = append([]runner.Option{runner.WithLogger(quietLogger())}, opts...)
	r := runner.New(sb, cache, opts...)
	t.Cleanup(r.Close)
	return r
}

func TestExecuteSuccess(t *testing.T) {
	r := newTestRunner(t, map[string][]byte{"echo.wasm": wasmtest.EchoInput()})

	res, err := r.Execute(context.Background(), "t1", "echo.wasm", "hello")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, stderr: %q", res.Stderr)
	}
	if res.Output != "hello" {
		t.Errorf("expected echoed input, got %#v", res.Output)
	}
}

func TestExecuteResolutionFailure(t *testing.T) {
	r := newTestRunner(t, nil)

	res, err := r.Execute(context.Background(), "t1", "missing.wasm", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure for an unresolvable module")
	}
	var fe *modules.FetchError
	if !errors.As(res.Error, &fe) {
		t.Errorf("expected FetchError, got %v", res.Error)
	}
	if res.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", res.ExitCode)
	}
}

func TestWatchdogStopsHungModule(t *testing.T) {
	r := newTestRunner(t, map[string][]byte{"loop.wasm": wasmtest.Loop()},
		runner.WithTimeout(200*time.Millisecond))

	start := time.Now()
	res, err := r.Execute(context.Background(), "t1", "loop.wasm", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure after watchdog teardown")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("watchdog took too long: %v", elapsed)
	}
}

func TestPing(t *testing.T) {
	r := newTestRunner(t, nil)

	before := time.Now()
	ts, err := r.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if ts.Before(before) {
		t.Errorf("ping timestamp %v precedes the request", ts)
	}
}

func TestClearCacheForcesRecompile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.wasm")
	if err := os.WriteFile(path, wasmtest.ProcExit(3), 0o644); err != nil {
		t.Fatal(err)
	}

	sb, err := sandbox.New(context.Background())
	if err != nil {
		t.Fatalf("create sandbox: %v", err)
	}
	t.Cleanup(func() { sb.Close() })
	cache, err := modules.NewCache(modules.NewSource(dir), sb, 0)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	r := runner.New(sb, cache, runner.WithLogger(quietLogger()))
	t.Cleanup(r.Close)

	res, err := r.Execute(context.Background(), "t1", "mod.wasm", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}

	// Swap the bytes on disk. The cached artifact keeps serving until
	// the cache is cleared.
	if err := os.WriteFile(path, wasmtest.ProcExit(4), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err = r.Execute(context.Background(), "t2", "mod.wasm", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected cached exit 3, got %d", res.ExitCode)
	}

	if err := r.ClearCache(context.Background()); err != nil {
		t.Fatalf("clear cache: %v", err)
	}
	res, err = r.Execute(context.Background(), "t3", "mod.wasm", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 4 {
		t.Errorf("expected exit 4 after clear, got %d", res.ExitCode)
	}
}

func TestClosedRunnerRejectsRequests(t *testing.T) {
	r := newTestRunner(t, nil)
	r.Close()

	if _, err := r.Execute(context.Background(), "t1", "any.wasm", ""); !errors.Is(err, runner.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := r.Ping(context.Background()); !errors.Is(err, runner.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
