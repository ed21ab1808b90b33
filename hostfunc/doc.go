// Package hostfunc provides the syscall-emulation table for sandboxed
// WASM modules.
//
// Host functions are the only system surface a sandboxed module can
// reach. The table implements a minimal subset of WASI preview1:
// argument retrieval, wall-clock time, output capture, and strong random
// bytes. Everything else is either a success no-op or an explicit denial.
//
// # Isolation Model
//
//   - Environment retrieval always reports zero variables; no ambient
//     environment leaks into the module.
//   - Every directory-preopen query fails with EBADF, so a module cannot
//     discover or open any directory. There is no filesystem access.
//   - fd_write captures descriptors 1 and 2 into per-execution buffers;
//     writes to any other descriptor are accepted but discarded.
//
// # Per-execution State
//
// Each execution owns exactly one [State]: output buffers, the argument
// vector, and (after instantiation) a binding to the module's linear
// memory. The State travels to the host functions through the
// instantiation context via [WithState], so a single host module serves
// any number of sequential executions without sharing mutable state
// between them.
package hostfunc
