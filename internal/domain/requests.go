package domain

import "encoding/json"

// CreateRunRequest starts a new run with its first user message.
type CreateRunRequest struct {
	ProjectID string          `json:"project_id"`
	UserID    string          `json:"user_id"`
	ChatID    string          `json:"chat_id,omitempty"`
	Message   string          `json:"message"`
	Prompt    string          `json:"prompt,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// AppendMessageRequest adds a follow-up user message to a finished run,
// re-queueing it for another turn.
type AppendMessageRequest struct {
	Message string `json:"message"`
	Prompt  string `json:"prompt,omitempty"`
}

// StopResult acknowledges a stop request. Status is always "stopping":
// cancellation is cooperative and the terminal state lands in the event
// log, not in this response.
type StopResult struct {
	RunID   string `json:"run_id"`
	TurnSeq int64  `json:"turn_seq"`
	Status  string `json:"status"`
}

// EventsPage is one page of a run's event log.
type EventsPage struct {
	RunID   string    `json:"run_id"`
	Status  RunStatus `json:"status"`
	Events  []Event   `json:"events"`
	NextSeq int64     `json:"next_seq"`
	Done    bool      `json:"done"`
}
