// Package bench provides honest benchmarks for the worker's execution
// path: compilation cost, cache benefit, and per-task overhead.
//
// Run with: go test -v -run=Test ./bench/
// Benchmarks: go test -bench=. ./bench/
package bench

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/helix-os/wasm-worker/internal/wasmtest"
	"github.com/helix-os/wasm-worker/modules"
	"github.com/helix-os/wasm-worker/sandbox"
)

// memorySource serves module bytes without touching disk, so the
// measurements isolate compile and execute cost.
type memorySource struct {
	data map[string][]byte
}

func (s *memorySource) Fetch(_ context.Context, ref string) ([]byte, error) {
	data, ok := s.data[ref]
	if !ok {
		return nil, fmt.Errorf("no such module %q", ref)
	}
	return data, nil
}

func newBenchSandbox(b *testing.B) *sandbox.Sandbox {
	b.Helper()
	sb, err := sandbox.New(context.Background())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { sb.Close() })
	return sb
}

// --- Compilation: cold vs cached ---

func BenchmarkColdCompile(b *testing.B) {
	sb := newBenchSandbox(b)
	binary := wasmtest.EchoInput()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cm, err := sb.Compile(context.Background(), binary)
		if err != nil {
			b.Fatal(err)
		}
		cm.Close(context.Background())
	}
}

func BenchmarkCacheHitResolve(b *testing.B) {
	sb := newBenchSandbox(b)
	src := &memorySource{data: map[string][]byte{"echo.wasm": wasmtest.EchoInput()}}
	cache, err := modules.NewCache(src, sb, 0)
	if err != nil {
		b.Fatal(err)
	}
	if _, err := cache.Resolve(context.Background(), "echo.wasm"); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cache.Resolve(context.Background(), "echo.wasm"); err != nil {
			b.Fatal(err)
		}
	}
}

// --- Execution: instantiate-per-task overhead ---

func BenchmarkWarmExecute(b *testing.B) {
	sb := newBenchSandbox(b)
	cm, err := sb.Compile(context.Background(), wasmtest.NopStart())
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if res := sb.Execute(context.Background(), cm, ""); !res.Success {
			b.Fatalf("execution failed: %v", res.Error)
		}
	}
}

func BenchmarkWarmExecuteWithOutput(b *testing.B) {
	sb := newBenchSandbox(b)
	cm, err := sb.Compile(context.Background(), wasmtest.EchoInput())
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if res := sb.Execute(context.Background(), cm, "payload"); !res.Success {
			b.Fatalf("execution failed: %v", res.Error)
		}
	}
}

// --- Human readable comparison ---

func TestCacheBenefit(t *testing.T) {
	sb, err := sandbox.New(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sb.Close()

	src := &memorySource{data: map[string][]byte{"echo.wasm": wasmtest.EchoInput()}}
	cache, err := modules.NewCache(src, sb, 0)
	if err != nil {
		t.Fatal(err)
	}

	var times []time.Duration
	for i := 0; i < 5; i++ {
		start := time.Now()
		cm, err := cache.Resolve(context.Background(), "echo.wasm")
		if err != nil {
			t.Fatal(err)
		}
		if res := sb.Execute(context.Background(), cm, "x"); !res.Success {
			t.Fatalf("execution failed: %v", res.Error)
		}
		times = append(times, time.Since(start))
	}

	fmt.Println()
	fmt.Println("=== Module Cache Benefit (resolve + execute) ===")
	for i, d := range times {
		label := "cached"
		if i == 0 {
			label = "compile"
		}
		fmt.Printf("Task %d (%s): %v\n", i+1, label, d)
	}
	fmt.Println()

	t.Log("Cache benefit test complete - see stdout for results")
}

func TestMemoryUsage(t *testing.T) {
	var m runtime.MemStats

	runtime.GC()
	runtime.ReadMemStats(&m)
	before := m.Alloc

	sb, err := sandbox.New(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	cm, err := sb.Compile(context.Background(), wasmtest.EchoInput())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if res := sb.Execute(context.Background(), cm, "x"); !res.Success {
			t.Fatalf("execution failed: %v", res.Error)
		}
	}

	runtime.ReadMemStats(&m)
	after := m.Alloc

	sb.Close()

	runtime.GC()
	runtime.ReadMemStats(&m)
	afterGC := m.Alloc

	t.Logf("Memory before: %d KB", before/1024)
	t.Logf("Memory after 5 runs: %d KB", after/1024)
	t.Logf("Memory after GC: %d KB", afterGC/1024)
}
