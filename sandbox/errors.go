package sandbox

// InstantiationError reports a module whose imports or exports do not
// match the sandbox environment, or that cannot be instantiated at all.
type InstantiationError struct {
	Err error
}

func (e *InstantiationError) Error() string { return "instantiate module: " + e.Err.Error() }

func (e *InstantiationError) Unwrap() error { return e.Err }

// TrapError reports a runtime fault during invocation. Traps are
// captured and converted into a non-zero exit result; they never crash
// the dispatcher.
type TrapError struct {
	Err error
}

func (e *TrapError) Error() string { return "module trap: " + e.Err.Error() }

func (e *TrapError) Unwrap() error { return e.Err }
