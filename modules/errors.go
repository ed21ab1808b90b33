package modules

import "fmt"

// FetchError reports module bytes that were unreachable or served with a
// non-success status. Surfaced to the requester as a failed reply, never
// retried by the worker itself.
type FetchError struct {
	Ref string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch module %q: %v", e.Ref, e.Err) }

func (e *FetchError) Unwrap() error { return e.Err }

// CompileError reports bytes that are not a valid module.
type CompileError struct {
	Ref string
	Err error
}

func (e *CompileError) Error() string { return fmt.Sprintf("compile module %q: %v", e.Ref, e.Err) }

func (e *CompileError) Unwrap() error { return e.Err }
