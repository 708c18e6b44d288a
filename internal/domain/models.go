// Package domain defines the core domain models for the run orchestrator.
package domain

import (
	"encoding/json"
	"time"
)

// Run represents one conversational session with independent turns.
type Run struct {
	RunID           string          `json:"run_id"`
	ProjectID       string          `json:"project_id"`
	ChatID          string          `json:"chat_id,omitempty"`
	UserID          string          `json:"user_id"`
	Status          RunStatus       `json:"status"`
	LastEventSeq    int64           `json:"last_event_seq"`
	LatestOutput    string          `json:"latest_output,omitempty"`
	LatestError     string          `json:"latest_error,omitempty"`
	LatestErrorCode string          `json:"latest_error_code,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// Event is one immutable entry in a run's append-only log. Seq values are
// assigned by the store and are strictly increasing per run with no gaps
// from 1.
type Event struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts"` // Unix milliseconds
}

// UserMessagePayload is the payload for user.message events. The seq of the
// most recent user.message identifies the run's current turn.
type UserMessagePayload struct {
	Message string `json:"message"`
	Prompt  string `json:"prompt"`
}

// AssistantMessagePayload is the payload for assistant.message events.
type AssistantMessagePayload struct {
	Content string `json:"content"`
}

// PlanningPayload is the payload for assistant.planning events (model text
// produced while tool calls are still pending).
type PlanningPayload struct {
	Content string `json:"content"`
}

// ToolStartPayload is the payload for tool.start and tool.blocked events.
type ToolStartPayload struct {
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// RunFailedPayload is the payload for run.failed events.
type RunFailedPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunTimeoutPayload is the payload for run.timeout events.
type RunTimeoutPayload struct {
	Message string `json:"message"`
}

// RunCompletedPayload is the payload for run.completed events.
type RunCompletedPayload struct {
	FinalOutput string `json:"final_output,omitempty"`
}
