package domain

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
)

// Terminal reports whether the status is a terminal state. A run in a
// terminal state can be re-queued by appending a new user.message.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusTimeout:
		return true
	}
	return false
}

// EventType tags an entry in a run's event log.
type EventType string

const (
	EventTypeUserMessage      EventType = "user.message"
	EventTypeAssistantMessage EventType = "assistant.message"
	EventTypePlanning         EventType = "assistant.planning"
	EventTypeProgress         EventType = "assistant.progress"
	EventTypeToolStart        EventType = "tool.start"
	EventTypeToolBlocked      EventType = "tool.blocked"
	EventTypeRunCompleted     EventType = "run.completed"
	EventTypeRunFailed        EventType = "run.failed"
	EventTypeRunTimeout       EventType = "run.timeout"
)

// Error codes recorded on failed/timeout runs.
const (
	ErrorCodeCancelled  = "cancelled"
	ErrorCodeTimeout    = "timeout"
	ErrorCodeUpstream   = "upstream_error"
	ErrorCodeUnexpected = "unexpected"
)
