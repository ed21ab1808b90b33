package dispatch

// Task is the envelope published on the task subject.
type Task struct {
	TaskID    string  `json:"task_id"`
	ModuleRef string  `json:"module_ref"`
	Input     string  `json:"input"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// TaskReply is the reply payload for one task. Every task receives
// exactly one reply, success or failure; Error carries the failure
// message when the module never ran or the requester's envelope could
// not be decoded.
type TaskReply struct {
	TaskID          string  `json:"task_id"`
	WorkerID        string  `json:"worker_id"`
	Success         bool    `json:"success"`
	Output          any     `json:"output"`
	Stderr          string  `json:"stderr,omitempty"`
	ExitCode        int     `json:"exit_code"`
	Error           string  `json:"error,omitempty"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
}

// PingReply answers a liveness probe. Timestamp is Unix seconds.
type PingReply struct {
	WorkerID  string  `json:"worker_id"`
	Workers   int     `json:"workers"`
	Timestamp float64 `json:"timestamp"`
}

// ControlReply answers non-ping control messages.
type ControlReply struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
}

// controlMessage selects the control operation on the probe subject. An
// empty payload is a plain liveness probe.
type controlMessage struct {
	Type string `json:"type"`
}

// State is the dispatch client's connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Dispatching
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Dispatching:
		return "dispatching"
	default:
		return "unknown"
	}
}

// Status is the client's status-query result.
type Status struct {
	State    State  `json:"state"`
	WorkerID string `json:"worker_id"`
	InFlight int    `json:"in_flight"`
}
