package hostfunc

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// ModuleName is the import namespace sandboxed modules link against.
const ModuleName = "wasi_snapshot_preview1"

// WASI preview1 errno values used by the table.
const (
	errnoSuccess uint32 = 0
	errnoBadf    uint32 = 8  // bad file descriptor
	errnoFault   uint32 = 21 // out-of-range memory access
	errnoInval   uint32 = 28 // host call without an execution State
)

// Instantiate registers the syscall-emulation table with the runtime.
// Call once per runtime; per-execution state arrives via [WithState].
func Instantiate(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder(ModuleName).
		NewFunctionBuilder().WithFunc(argsSizesGet).Export("args_sizes_get").
		NewFunctionBuilder().WithFunc(argsGet).Export("args_get").
		NewFunctionBuilder().WithFunc(environSizesGet).Export("environ_sizes_get").
		NewFunctionBuilder().WithFunc(environGet).Export("environ_get").
		NewFunctionBuilder().WithFunc(clockTimeGet).Export("clock_time_get").
		NewFunctionBuilder().WithFunc(fdWrite).Export("fd_write").
		NewFunctionBuilder().WithFunc(fdRead).Export("fd_read").
		NewFunctionBuilder().WithFunc(fdSeek).Export("fd_seek").
		NewFunctionBuilder().WithFunc(fdClose).Export("fd_close").
		NewFunctionBuilder().WithFunc(fdFdstatGet).Export("fd_fdstat_get").
		NewFunctionBuilder().WithFunc(fdPrestatGet).Export("fd_prestat_get").
		NewFunctionBuilder().WithFunc(fdPrestatDirName).Export("fd_prestat_dir_name").
		NewFunctionBuilder().WithFunc(procExit).Export("proc_exit").
		NewFunctionBuilder().WithFunc(randomGet).Export("random_get").
		NewFunctionBuilder().WithFunc(schedYield).Export("sched_yield").
		NewFunctionBuilder().WithFunc(pollOneoff).Export("poll_oneoff").
		Instantiate(ctx)
	return err
}

func argsSizesGet(ctx context.Context, mod api.Module, resultArgc, resultBufSize uint32) uint32 {
	s, ok := FromContext(ctx)
	if !ok {
		return errnoInval
	}
	mem := s.memory(mod)

	var bufSize uint32
	for _, arg := range s.args {
		bufSize += uint32(len(arg)) + 1 // NUL terminator
	}
	if !mem.WriteUint32Le(resultArgc, uint32(len(s.args))) {
		return errnoFault
	}
	if !mem.WriteUint32Le(resultBufSize, bufSize) {
		return errnoFault
	}
	return errnoSuccess
}

func argsGet(ctx context.Context, mod api.Module, argv, argvBuf uint32) uint32 {
	s, ok := FromContext(ctx)
	if !ok {
		return errnoInval
	}
	mem := s.memory(mod)

	offset := argvBuf
	for i, arg := range s.args {
		if !mem.WriteUint32Le(argv+uint32(4*i), offset) {
			return errnoFault
		}
		if !mem.Write(offset, append([]byte(arg), 0)) {
			return errnoFault
		}
		offset += uint32(len(arg)) + 1
	}
	return errnoSuccess
}

// environSizesGet always reports zero variables: the sandbox never leaks
// the host environment into a module.
func environSizesGet(ctx context.Context, mod api.Module, resultEnvironc, resultBufSize uint32) uint32 {
	s, ok := FromContext(ctx)
	if !ok {
		return errnoInval
	}
	mem := s.memory(mod)
	if !mem.WriteUint32Le(resultEnvironc, 0) || !mem.WriteUint32Le(resultBufSize, 0) {
		return errnoFault
	}
	return errnoSuccess
}

func environGet(ctx context.Context, mod api.Module, environ, environBuf uint32) uint32 {
	return errnoSuccess
}

// clockTimeGet reports wall-clock nanoseconds since epoch for every clock
// id. No monotonic guarantee is provided.
func clockTimeGet(ctx context.Context, mod api.Module, id uint32, precision uint64, resultTimestamp uint32) uint32 {
	s, ok := FromContext(ctx)
	if !ok {
		return errnoInval
	}
	if !s.memory(mod).WriteUint64Le(resultTimestamp, uint64(time.Now().UnixNano())) {
		return errnoFault
	}
	return errnoSuccess
}

// fdWrite decodes exactly the byte ranges described by the iovec array.
// Descriptor 1 appends to the stdout buffer, descriptor 2 to the stderr
// buffer; any other descriptor is accepted but produces no effect. The
// total byte count is reported either way.
func fdWrite(ctx context.Context, mod api.Module, fd, iovs, iovsCount, resultNwritten uint32) uint32 {
	s, ok := FromContext(ctx)
	if !ok {
		return errnoInval
	}
	mem := s.memory(mod)

	var total uint32
	for i := uint32(0); i < iovsCount; i++ {
		base := iovs + 8*i
		ptr, ok := mem.ReadUint32Le(base)
		if !ok {
			return errnoFault
		}
		size, ok := mem.ReadUint32Le(base + 4)
		if !ok {
			return errnoFault
		}
		data, ok := mem.Read(ptr, size)
		if !ok {
			return errnoFault
		}
		switch fd {
		case 1:
			s.stdout.Write(data)
		case 2:
			s.stderr.Write(data)
		}
		total += size
	}
	if !mem.WriteUint32Le(resultNwritten, total) {
		return errnoFault
	}
	return errnoSuccess
}

// fdRead is a success no-op: no module in this design performs file I/O.
func fdRead(ctx context.Context, mod api.Module, fd, iovs, iovsCount, resultNread uint32) uint32 {
	s, ok := FromContext(ctx)
	if !ok {
		return errnoInval
	}
	if !s.memory(mod).WriteUint32Le(resultNread, 0) {
		return errnoFault
	}
	return errnoSuccess
}

func fdSeek(ctx context.Context, mod api.Module, fd uint32, offset int64, whence, resultNewoffset uint32) uint32 {
	s, ok := FromContext(ctx)
	if !ok {
		return errnoInval
	}
	if !s.memory(mod).WriteUint64Le(resultNewoffset, 0) {
		return errnoFault
	}
	return errnoSuccess
}

func fdClose(ctx context.Context, mod api.Module, fd uint32) uint32 {
	return errnoSuccess
}

func fdFdstatGet(ctx context.Context, mod api.Module, fd, resultFdstat uint32) uint32 {
	s, ok := FromContext(ctx)
	if !ok {
		return errnoInval
	}
	// Zeroed fdstat record (24 bytes): character device, no rights.
	if !s.memory(mod).Write(resultFdstat, make([]byte, 24)) {
		return errnoFault
	}
	return errnoSuccess
}

// fdPrestatGet fails every directory-preopen query. This is the core
// isolation invariant: a module cannot discover any preopened directory,
// so it has no filesystem access at all.
func fdPrestatGet(ctx context.Context, mod api.Module, fd, resultPrestat uint32) uint32 {
	return errnoBadf
}

func fdPrestatDirName(ctx context.Context, mod api.Module, fd, path, pathLen uint32) uint32 {
	return errnoBadf
}

// procExit raises the controlled-exit signal. The panic unwinds the wasm
// call stack and surfaces from the invocation as *sys.ExitError, which
// the sandbox converts into the result's exit code.
func procExit(ctx context.Context, mod api.Module, exitCode uint32) {
	_ = mod.CloseWithExitCode(ctx, exitCode)
	panic(sys.NewExitError(exitCode))
}

// randomGet fills the requested range with cryptographically strong
// random bytes.
func randomGet(ctx context.Context, mod api.Module, buf, bufLen uint32) uint32 {
	s, ok := FromContext(ctx)
	if !ok {
		return errnoInval
	}
	b := make([]byte, bufLen)
	if _, err := rand.Read(b); err != nil {
		return errnoFault
	}
	if !s.memory(mod).Write(buf, b) {
		return errnoFault
	}
	return errnoSuccess
}

func schedYield(ctx context.Context, mod api.Module) uint32 {
	return errnoSuccess
}

// pollOneoff reports every subscription as immediately ready without
// writing event records. Enough to keep a module that sleeps or yields
// from wedging on a syscall the sandbox does not model.
func pollOneoff(ctx context.Context, mod api.Module, in, out, nsubscriptions, resultNevents uint32) uint32 {
	s, ok := FromContext(ctx)
	if !ok {
		return errnoInval
	}
	if !s.memory(mod).WriteUint32Le(resultNevents, nsubscriptions) {
		return errnoFault
	}
	return errnoSuccess
}
