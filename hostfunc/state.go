package hostfunc

import (
	"bytes"
	"context"

	"github.com/tetratelabs/wazero/api"
)

// State holds everything a single execution may mutate: the captured
// output streams, the argument vector, and the module's linear memory.
// A State is created fresh for every execution and must never be reused;
// sharing one across executions would leak output between unrelated
// tasks.
type State struct {
	args   []string
	stdout bytes.Buffer
	stderr bytes.Buffer
	mem    api.Memory
}

// NewState returns a State carrying the process argument convention
// ["agent", input]: the input string is always the module's single
// logical argument.
func NewState(input string) *State {
	return &State{args: []string{"agent", input}}
}

// Args returns the argument vector passed to the module.
func (s *State) Args() []string { return s.args }

// Stdout returns the accumulated stdout text.
func (s *State) Stdout() string { return s.stdout.String() }

// Stderr returns the accumulated stderr text.
func (s *State) Stderr() string { return s.stderr.String() }

// AppendStderr adds host-side failure text to the captured stderr, used
// when a trap message must surface in the result.
func (s *State) AppendStderr(msg string) {
	if s.stderr.Len() > 0 {
		s.stderr.WriteByte('\n')
	}
	s.stderr.WriteString(msg)
}

// BindMemory attaches the instantiated module's linear memory. Memory
// size is module-defined, so the binding exists only after instantiation
// succeeds.
func (s *State) BindMemory(mem api.Memory) { s.mem = mem }

// memory returns the bound memory, falling back to the calling module's
// own memory for host calls that arrive before BindMemory.
func (s *State) memory(mod api.Module) api.Memory {
	if s.mem != nil {
		return s.mem
	}
	return mod.Memory()
}

type stateKey struct{}

// WithState returns a context carrying the per-execution State. The
// sandbox passes this context into instantiation and invocation so the
// syscall table can reach the right buffers.
func WithState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

// FromContext extracts the per-execution State, if any.
func FromContext(ctx context.Context) (*State, bool) {
	s, ok := ctx.Value(stateKey{}).(*State)
	return s, ok
}
