package worker

import (
	"encoding/json"
	"fmt"

	"github.com/driftlock/conductor/internal/agent"
)

// The agent stream is classified once at ingestion into a closed set of
// variants so the rest of the processor never branches on raw event shape.

type variant interface {
	isVariant()
}

// modelText is model-produced text, either final output or planning text
// emitted while tool calls are still pending.
type modelText struct {
	Text    string
	Pending bool
}

// toolStart marks the start of a tool call.
type toolStart struct {
	Name string
	Args json.RawMessage
}

// upstreamFailure is a protocol-level error event from the agent.
type upstreamFailure struct {
	Code    string
	Message string
}

// generic is any event the processor records verbatim.
type generic struct {
	Type string
	Data json.RawMessage
}

func (modelText) isVariant()       {}
func (toolStart) isVariant()       {}
func (upstreamFailure) isVariant() {}
func (generic) isVariant()         {}

// classify translates one raw agent event into a variant.
func classify(ev agent.Event) (variant, error) {
	switch ev.Event {
	case "message":
		msg, err := agent.ParseMessageData(ev.Data)
		if err != nil {
			return nil, err
		}
		return modelText{Text: msg.Text, Pending: msg.PendingToolCalls}, nil

	case "tool":
		tool, err := agent.ParseToolData(ev.Data)
		if err != nil {
			return nil, err
		}
		if tool.Name == "" {
			return nil, fmt.Errorf("tool event missing name")
		}
		return toolStart{Name: tool.Name, Args: tool.Args}, nil

	case "error":
		errEvt, err := agent.ParseErrorData(ev.Data)
		if err != nil {
			return nil, err
		}
		return upstreamFailure{Code: errEvt.Code, Message: errEvt.Message}, nil

	default:
		var data json.RawMessage
		if ev.Data != "" && json.Valid([]byte(ev.Data)) {
			data = json.RawMessage(ev.Data)
		}
		return generic{Type: "agent." + ev.Event, Data: data}, nil
	}
}
