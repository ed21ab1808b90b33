// Package wasmtest provides hand-assembled WebAssembly binaries for
// tests, so the test suite needs no wasm toolchain.
//
// Every length and index below fits in a single LEB128 byte, and every
// i32.const immediate stays in [0, 63] so the signed encoding is also a
// single byte. Keep it that way when adding fixtures.
package wasmtest

// Linear memory layout shared by the fixtures that use memory:
//
//	0	iovec (WriteFD) / scratch result slots
//	8	string data (WriteFD) / argv offset array (EchoArgs)
//	16	iovec (EchoArgs)
//	24	nwritten
//	32	argv buffer (EchoArgs)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Common function type encodings.
var (
	typeVoid       = []byte{0x60, 0x00, 0x00}                               // () -> ()
	typeI32        = []byte{0x60, 0x01, 0x7f, 0x00}                         // (i32) -> ()
	type2I32RetI32 = []byte{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f}             // (i32,i32) -> i32
	type4I32RetI32 = []byte{0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f} // (i32,i32,i32,i32) -> i32
)

const wasiModule = "wasi_snapshot_preview1"

func module(sections ...[]byte) []byte {
	out := append([]byte{}, header...)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

func section(id byte, payload ...[]byte) []byte {
	var body []byte
	for _, p := range payload {
		body = append(body, p...)
	}
	return append([]byte{id, byte(len(body))}, body...)
}

// vec prepends the item count.
func vec(items ...[]byte) []byte {
	out := []byte{byte(len(items))}
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func name(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func wasiImport(field string, typeIdx byte) []byte {
	var out []byte
	out = append(out, name(wasiModule)...)
	out = append(out, name(field)...)
	return append(out, 0x00, typeIdx)
}

func funcExport(n string, idx byte) []byte {
	return append(name(n), 0x00, idx)
}

func memExport() []byte {
	return append(name("memory"), 0x02, 0x00)
}

// body wraps instructions into a code entry: no locals, trailing end.
func body(instrs ...byte) []byte {
	b := append([]byte{0x00}, instrs...)
	b = append(b, 0x0b)
	return append([]byte{byte(len(b))}, b...)
}

func onePageMemory() []byte {
	return section(5, vec([]byte{0x00, 0x01}))
}

// activeData places data at the given offset in memory 0.
func activeData(offset byte, data []byte) []byte {
	seg := []byte{0x00, 0x41, offset, 0x0b, byte(len(data))}
	seg = append(seg, data...)
	return section(11, vec(seg))
}

// Empty returns a valid module with no exports, so the sandbox finds no
// entry point.
func Empty() []byte {
	return module()
}

// NopStart returns a module whose _start does nothing: a normal return,
// exit code 0.
func NopStart() []byte {
	return module(
		section(1, vec(typeVoid)),
		section(3, vec([]byte{0x00})),
		section(7, vec(funcExport("_start", 0x00))),
		section(10, vec(body())),
	)
}

// Unreachable returns a module whose _start hits an unreachable
// instruction, producing an uncaught trap.
func Unreachable() []byte {
	return module(
		section(1, vec(typeVoid)),
		section(3, vec([]byte{0x00})),
		section(7, vec(funcExport("_start", 0x00))),
		section(10, vec(body(0x00))), // unreachable
	)
}

// Loop returns a module whose _start never terminates. Used to exercise
// the watchdog teardown.
func Loop() []byte {
	return module(
		section(1, vec(typeVoid)),
		section(3, vec([]byte{0x00})),
		section(7, vec(funcExport("_start", 0x00))),
		section(10, vec(body(
			0x03, 0x40, // loop (void)
			0x0c, 0x00, // br 0
			0x0b, // end loop
		))),
	)
}

// ProcExit returns a module that calls proc_exit with the given code.
// code must stay below 64.
func ProcExit(code byte) []byte {
	return module(
		section(1, vec(typeI32, typeVoid)),
		section(2, vec(wasiImport("proc_exit", 0x00))),
		section(3, vec([]byte{0x01})),
		section(7, vec(funcExport("_start", 0x01))),
		section(10, vec(body(
			0x41, code, // i32.const code
			0x10, 0x00, // call proc_exit
		))),
	)
}

// WriteFD returns a module that writes text to the given descriptor
// via a single fd_write iovec, then returns normally. text must be
// shorter than 52 bytes to respect the fixture memory layout.
func WriteFD(fd byte, text string) []byte {
	if len(text) > 51 {
		panic("wasmtest: WriteFD text too long for fixture layout")
	}
	// iovec at 0 pointing at the string at 8; nwritten at 24.
	data := []byte{0x08, 0x00, 0x00, 0x00, byte(len(text)), 0x00, 0x00, 0x00}
	data = append(data, text...)

	return module(
		section(1, vec(type4I32RetI32, typeVoid)),
		section(2, vec(wasiImport("fd_write", 0x00))),
		section(3, vec([]byte{0x01})),
		onePageMemory(),
		section(7, vec(funcExport("_start", 0x01), memExport())),
		section(10, vec(body(
			0x41, fd, // i32.const fd
			0x41, 0x00, // i32.const 0 (iovs)
			0x41, 0x01, // i32.const 1 (iovs count)
			0x41, 0x18, // i32.const 24 (nwritten)
			0x10, 0x00, // call fd_write
			0x1a, // drop errno
		))),
		activeData(0x00, data),
	)
}

// WriteStdout writes text to descriptor 1.
func WriteStdout(text string) []byte { return WriteFD(1, text) }

// WriteStderr writes text to descriptor 2.
func WriteStderr(text string) []byte { return WriteFD(2, text) }

// EchoArgs returns a module that retrieves its argument vector and
// writes the whole NUL-separated argv buffer to stdout, then returns
// normally. The sandbox convention makes that buffer "agent\0<input>\0".
func EchoArgs() []byte {
	return module(
		section(1, vec(type2I32RetI32, type4I32RetI32, typeVoid)),
		section(2, vec(
			wasiImport("args_sizes_get", 0x00),
			wasiImport("args_get", 0x00),
			wasiImport("fd_write", 0x01),
		)),
		section(3, vec([]byte{0x02})),
		onePageMemory(),
		section(7, vec(funcExport("_start", 0x03), memExport())),
		section(10, vec(body(
			// args_sizes_get(argc@0, buf_size@4)
			0x41, 0x00, 0x41, 0x04, 0x10, 0x00, 0x1a,
			// args_get(offsets@8, buffer@32)
			0x41, 0x08, 0x41, 0x20, 0x10, 0x01, 0x1a,
			// iovec.ptr@16 = 32
			0x41, 0x10, 0x41, 0x20, 0x36, 0x02, 0x00,
			// iovec.len@20 = buf_size (load from 4)
			0x41, 0x14, 0x41, 0x04, 0x28, 0x02, 0x00, 0x36, 0x02, 0x00,
			// fd_write(1, iovec@16, 1, nwritten@24)
			0x41, 0x01, 0x41, 0x10, 0x41, 0x01, 0x41, 0x18, 0x10, 0x02, 0x1a,
		))),
	)
}

// EchoInput returns a module that writes exactly its input argument
// (argv[1]) to stdout, then returns normally. The argument length is
// computed from the args_sizes_get buffer size and the argv[1] offset.
func EchoInput() []byte {
	return module(
		section(1, vec(type2I32RetI32, type4I32RetI32, typeVoid)),
		section(2, vec(
			wasiImport("args_sizes_get", 0x00),
			wasiImport("args_get", 0x00),
			wasiImport("fd_write", 0x01),
		)),
		section(3, vec([]byte{0x02})),
		onePageMemory(),
		section(7, vec(funcExport("_start", 0x03), memExport())),
		section(10, vec(body(
			// args_sizes_get(argc@0, buf_size@4)
			0x41, 0x00, 0x41, 0x04, 0x10, 0x00, 0x1a,
			// args_get(offsets@8, buffer@32)
			0x41, 0x08, 0x41, 0x20, 0x10, 0x01, 0x1a,
			// iovec.ptr@16 = argv[1] (load from 12)
			0x41, 0x10, 0x41, 0x0c, 0x28, 0x02, 0x00, 0x36, 0x02, 0x00,
			// iovec.len@20 = 32 + buf_size - argv[1] - 1 (drop trailing NUL)
			0x41, 0x14,
			0x41, 0x20,
			0x41, 0x04, 0x28, 0x02, 0x00,
			0x6a, // i32.add
			0x41, 0x0c, 0x28, 0x02, 0x00,
			0x6b, // i32.sub
			0x41, 0x01,
			0x6b, // i32.sub
			0x36, 0x02, 0x00,
			// fd_write(1, iovec@16, 1, nwritten@24)
			0x41, 0x01, 0x41, 0x10, 0x41, 0x01, 0x41, 0x18, 0x10, 0x02, 0x1a,
		))),
	)
}

// BadImport returns a module importing a syscall the emulation table
// does not provide, so instantiation must fail.
func BadImport() []byte {
	return module(
		section(1, vec(type2I32RetI32, typeVoid)),
		section(2, vec(wasiImport("path_open", 0x00))),
		section(3, vec([]byte{0x01})),
		section(7, vec(funcExport("_start", 0x01))),
		section(10, vec(body(
			0x41, 0x00, 0x41, 0x00, // i32.const 0, i32.const 0
			0x10, 0x00, // call path_open
			0x1a, // drop
		))),
	)
}

// PrestatProbe returns a module that queries the first preopen slot and
// exits with the returned errno. Under the sandbox's isolation invariant
// the probe must fail, so the module exits 8 (EBADF).
func PrestatProbe() []byte {
	return module(
		section(1, vec(type2I32RetI32, typeI32, typeVoid)),
		section(2, vec(
			wasiImport("fd_prestat_get", 0x00),
			wasiImport("proc_exit", 0x01),
		)),
		section(3, vec([]byte{0x02})),
		section(7, vec(funcExport("_start", 0x02))),
		section(10, vec(body(
			0x41, 0x03, // i32.const 3 (first candidate preopen fd)
			0x41, 0x00, // i32.const 0 (prestat out)
			0x10, 0x00, // call fd_prestat_get
			0x10, 0x01, // call proc_exit(errno)
		))),
	)
}

// RandomExit returns a module that fills 8 bytes from random_get and
// exits with the returned errno, so exit 0 means the syscall succeeded.
func RandomExit() []byte {
	return module(
		section(1, vec(type2I32RetI32, typeI32, typeVoid)),
		section(2, vec(
			wasiImport("random_get", 0x00),
			wasiImport("proc_exit", 0x01),
		)),
		section(3, vec([]byte{0x02})),
		onePageMemory(),
		section(7, vec(funcExport("_start", 0x02), memExport())),
		section(10, vec(body(
			0x41, 0x00, // i32.const 0 (buf)
			0x41, 0x08, // i32.const 8 (len)
			0x10, 0x00, // call random_get
			0x10, 0x01, // call proc_exit(errno)
		))),
	)
}
