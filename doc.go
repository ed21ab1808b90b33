// Package wasmworker provides a distributed, sandboxed task-execution
// worker for WebAssembly modules.
//
// # Overview
//
// A worker joins a NATS task subject as a member of a queue group,
// receives task envelopes referencing a WASM module and an input string,
// executes the module inside an isolated wazero runtime with no
// filesystem and no ambient environment, and replies with a structured
// result. Compiled modules are cached per reference so repeated tasks
// skip recompilation, while every execution gets a fresh, stateless
// instantiation.
//
// # Basic Usage
//
//	sb, _ := sandbox.New(ctx)
//	defer sb.Close()
//
//	cache, _ := modules.NewCache(modules.NewSource(baseDir), sb, 64)
//	run := runner.New(sb, cache)
//	defer run.Close()
//
//	client, _ := dispatch.Connect(natsURL, run)
//	defer client.Close()
//
// See the [sandbox], [hostfunc], [modules], [runner], and [dispatch]
// packages for detailed API documentation.
package wasmworker
