// Package agent provides the client for the external agent event source.
// The agent is an opaque collaborator that produces a stream of SSE events
// for one turn; this package consumes the stream and surfaces typed errors
// so the turn processor can distinguish timeouts from upstream failures.
package agent

import (
	"encoding/json"
	"fmt"
)

// Event is one raw SSE event from the agent.
type Event struct {
	Event string
	Data  string
}

// Handler is called for each SSE event from the agent.
type Handler func(event Event) error

// TurnRequest is the request sent to the agent's /invoke endpoint.
type TurnRequest struct {
	RunID   string `json:"run_id"`
	TurnSeq int64  `json:"turn_seq"`
	Prompt  string `json:"prompt"`
}

// Known data shapes carried by agent SSE events.

// MessageData is the payload of "message" events: model text, possibly
// produced while tool calls are still pending.
type MessageData struct {
	Text             string `json:"text"`
	PendingToolCalls bool   `json:"pending_tool_calls,omitempty"`
	Final            bool   `json:"final,omitempty"`
}

// ToolData is the payload of "tool" events.
type ToolData struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ErrorData is the payload of "error" events.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TimeoutError means the agent source exceeded its time budget.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "agent source timed out"
	}
	return e.Message
}

// UpstreamError means the agent source returned a non-success status or a
// protocol-level error event.
type UpstreamError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("agent upstream error (status=%d code=%s): %s", e.StatusCode, e.Code, e.Message)
}

// ParseMessageData parses a message event payload.
func ParseMessageData(data string) (*MessageData, error) {
	var msg MessageData
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message event: %w", err)
	}
	return &msg, nil
}

// ParseToolData parses a tool event payload.
func ParseToolData(data string) (*ToolData, error) {
	var tool ToolData
	if err := json.Unmarshal([]byte(data), &tool); err != nil {
		return nil, fmt.Errorf("failed to parse tool event: %w", err)
	}
	return &tool, nil
}

// ParseErrorData parses an error event payload.
func ParseErrorData(data string) (*ErrorData, error) {
	var errEvt ErrorData
	if err := json.Unmarshal([]byte(data), &errEvt); err != nil {
		return nil, fmt.Errorf("failed to parse error event: %w", err)
	}
	return &errEvt, nil
}
