// Package worker executes one turn of a run: it consumes the external
// agent event source, translates events into domain events, persists and
// publishes them, enforces safety limits, and reacts to cancellation,
// timeout, and upstream failure. It also implements the claim protocol
// that guarantees at most one active processor per (run, turn) across the
// fleet.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/driftlock/conductor/internal/agent"
	"github.com/driftlock/conductor/internal/bus"
	"github.com/driftlock/conductor/internal/config"
	"github.com/driftlock/conductor/internal/domain"
	"github.com/driftlock/conductor/internal/lease"
	"github.com/driftlock/conductor/internal/policy"
	"github.com/driftlock/conductor/internal/store"
	"github.com/driftlock/conductor/internal/transcript"
)

// Messages surfaced to the user while tools are running.
const (
	introProgressMessage    = "Working on it. I'll run a few tools to gather what I need."
	midpointProgressMessage = "Still working. This turn is taking more tool calls than usual."
	toolLimitMessage        = "Stopping early: this turn reached its tool call limit, so the answer above may be incomplete."
)

// errToolLimit ends the event loop when the hard cap on tool calls is
// crossed. It is a graceful truncation, not a failure.
var errToolLimit = errors.New("tool call limit reached")

// Processor runs single turns.
type Processor struct {
	store      store.Store
	bus        *bus.Bus
	cancels    *lease.CancelSignals
	source     agent.Source
	transcript transcript.Mirror
	policy     *policy.Engine
	cfg        *config.Config
}

// NewProcessor creates a turn processor. transcript and policyEngine are
// optional collaborators and may be nil.
func NewProcessor(st store.Store, b *bus.Bus, cancels *lease.CancelSignals, source agent.Source,
	mirror transcript.Mirror, policyEngine *policy.Engine, cfg *config.Config) *Processor {
	return &Processor{
		store:      st,
		bus:        b,
		cancels:    cancels,
		source:     source,
		transcript: mirror,
		policy:     policyEngine,
		cfg:        cfg,
	}
}

// turnState is the mutable state of one turn's event loop.
type turnState struct {
	lastOutput   string
	toolCalls    int
	introSent    bool
	midpointSent bool
}

// ProcessTurn consumes the agent event source for one turn and drives the
// run to exactly one terminal status. The cancel flag for the turn is
// cleared on every exit path.
func (p *Processor) ProcessTurn(ctx context.Context, run *domain.Run, turnSeq int64, prompt string) {
	defer func() {
		// A stale flag from this turn must never suppress a future turn.
		// A deposed worker leaves the flag alone: it belongs to the new
		// owner's turn now.
		if leaseLost(ctx) {
			return
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.cancels.ClearCancel(cleanupCtx, run.RunID, turnSeq); err != nil {
			log.Printf("ERROR: failed to clear cancel flag for run %s turn %d: %v", run.RunID, turnSeq, err)
		}
	}()

	if _, err := p.store.SetStatus(ctx, run.RunID, domain.RunStatusRunning, store.StatusChange{}); err != nil {
		log.Printf("ERROR: failed to mark run %s running: %v", run.RunID, err)
	}

	state := &turnState{}
	req := &agent.TurnRequest{RunID: run.RunID, TurnSeq: turnSeq, Prompt: prompt}

	err := p.source.Stream(ctx, req, func(raw agent.Event) error {
		// Cancellation checkpoint before each upstream event.
		if p.cancels.IsCancelRequested(ctx, run.RunID, turnSeq) {
			return domain.ErrCancelled
		}

		v, err := classify(raw)
		if err != nil {
			log.Printf("WARN: skipping malformed agent event for run %s: %v", run.RunID, err)
			return nil
		}
		return p.handle(ctx, run, state, v)
	})

	// A lost lease means another owner is authoritative for this turn. No
	// terminal event or status may be written from here.
	if leaseLost(ctx) {
		log.Printf("WARN: lease lost for run %s turn %d, leaving terminal state to the new owner", run.RunID, turnSeq)
		return
	}

	p.finish(run, turnSeq, state, err)
}

// leaseLost reports whether the turn context was cancelled because lease
// ownership could no longer be confirmed.
func leaseLost(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errLeaseLost)
}

func (p *Processor) handle(ctx context.Context, run *domain.Run, state *turnState, v variant) error {
	switch v := v.(type) {
	case modelText:
		if v.Pending {
			content := truncate(v.Text, p.cfg.PlanningBudgetChars)
			_, err := p.record(ctx, run.RunID, domain.EventTypePlanning, domain.PlanningPayload{Content: content})
			return err
		}
		if _, err := p.record(ctx, run.RunID, domain.EventTypeAssistantMessage, domain.AssistantMessagePayload{Content: v.Text}); err != nil {
			return err
		}
		state.lastOutput = v.Text
		p.mirror(ctx, run, v.Text)
		return nil

	case toolStart:
		if p.blocked(ctx, run, v) {
			_, err := p.record(ctx, run.RunID, domain.EventTypeToolBlocked, domain.ToolStartPayload{
				Name: v.Name, Args: v.Args, Reason: "blocked by policy",
			})
			return err
		}

		state.toolCalls++
		if state.toolCalls > p.cfg.MaxToolCalls {
			if _, err := p.record(ctx, run.RunID, domain.EventTypeAssistantMessage, domain.AssistantMessagePayload{Content: toolLimitMessage}); err != nil {
				return err
			}
			state.lastOutput = toolLimitMessage
			return errToolLimit
		}

		if _, err := p.record(ctx, run.RunID, domain.EventTypeToolStart, domain.ToolStartPayload{Name: v.Name, Args: v.Args}); err != nil {
			return err
		}
		if !state.introSent {
			state.introSent = true
			if _, err := p.record(ctx, run.RunID, domain.EventTypeProgress, domain.AssistantMessagePayload{Content: introProgressMessage}); err != nil {
				return err
			}
		}
		if !state.midpointSent && state.toolCalls >= p.cfg.ToolProgressThreshold {
			state.midpointSent = true
			if _, err := p.record(ctx, run.RunID, domain.EventTypeProgress, domain.AssistantMessagePayload{Content: midpointProgressMessage}); err != nil {
				return err
			}
		}
		return nil

	case upstreamFailure:
		if v.Code == "timeout" {
			return &agent.TimeoutError{Message: v.Message}
		}
		return &agent.UpstreamError{Code: v.Code, Message: v.Message}

	case generic:
		_, err := p.record(ctx, run.RunID, domain.EventType(v.Type), v.Data)
		return err
	}
	return nil
}

// finish converts the event loop's outcome into exactly one terminal event
// and one terminal status transition. It runs on a detached context so the
// terminal record survives cancellation of the turn context.
func (p *Processor) finish(run *domain.Run, turnSeq int64, state *turnState, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case err == nil || errors.Is(err, errToolLimit):
		if _, recErr := p.record(ctx, run.RunID, domain.EventTypeRunCompleted, domain.RunCompletedPayload{FinalOutput: state.lastOutput}); recErr != nil {
			log.Printf("ERROR: failed to record run.completed for run %s: %v", run.RunID, recErr)
		}
		p.setTerminal(ctx, run.RunID, domain.RunStatusCompleted, store.StatusChange{Output: &state.lastOutput})

	case errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled):
		msg := "turn cancelled"
		p.recordFailure(ctx, run.RunID, domain.ErrorCodeCancelled, msg)
		p.setTerminal(ctx, run.RunID, domain.RunStatusFailed, failureChange(msg, domain.ErrorCodeCancelled))

	case isTimeout(err):
		msg := err.Error()
		if _, recErr := p.record(ctx, run.RunID, domain.EventTypeRunTimeout, domain.RunTimeoutPayload{Message: msg}); recErr != nil {
			log.Printf("ERROR: failed to record run.timeout for run %s: %v", run.RunID, recErr)
		}
		p.setTerminal(ctx, run.RunID, domain.RunStatusTimeout, failureChange(msg, domain.ErrorCodeTimeout))

	default:
		var upstream *agent.UpstreamError
		if errors.As(err, &upstream) {
			code := upstream.Code
			if code == "" {
				code = domain.ErrorCodeUpstream
			}
			p.recordFailure(ctx, run.RunID, code, upstream.Message)
			p.setTerminal(ctx, run.RunID, domain.RunStatusFailed, failureChange(upstream.Message, code))
			return
		}
		log.Printf("ERROR: unexpected turn failure for run %s: %v", run.RunID, err)
		msg := "unexpected error"
		p.recordFailure(ctx, run.RunID, domain.ErrorCodeUnexpected, msg)
		p.setTerminal(ctx, run.RunID, domain.RunStatusFailed, failureChange(msg, domain.ErrorCodeUnexpected))
	}
}

func isTimeout(err error) bool {
	var timeout *agent.TimeoutError
	return errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded)
}

func failureChange(msg, code string) store.StatusChange {
	return store.StatusChange{Error: &msg, ErrorCode: &code}
}

func (p *Processor) recordFailure(ctx context.Context, runID, code, msg string) {
	if _, err := p.record(ctx, runID, domain.EventTypeRunFailed, domain.RunFailedPayload{Code: code, Message: msg}); err != nil {
		log.Printf("ERROR: failed to record run.failed for run %s: %v", runID, err)
	}
}

func (p *Processor) setTerminal(ctx context.Context, runID string, status domain.RunStatus, change store.StatusChange) {
	if _, err := p.store.SetStatus(ctx, runID, status, change); err != nil {
		log.Printf("ERROR: failed to set run %s status %s: %v", runID, status, err)
	}
}

// record persists the event and publishes it to the live bus. The store
// write is authoritative; publishing is best effort.
func (p *Processor) record(ctx context.Context, runID string, eventType domain.EventType, payload any) (*domain.Event, error) {
	event, err := p.store.AppendEvent(ctx, runID, eventType, payload)
	if err != nil {
		return nil, err
	}
	if p.bus != nil {
		p.bus.Publish(bus.Message{RunID: runID, Seq: event.Seq, Type: event.Type, Payload: event.Payload})
	}
	return event, nil
}

// mirror copies an assistant message into the chat transcript. Mirroring
// must never fail the turn.
func (p *Processor) mirror(ctx context.Context, run *domain.Run, content string) {
	if p.transcript == nil || run.ChatID == "" {
		return
	}
	if err := p.transcript.AppendAssistantMessage(ctx, run.ChatID, run.RunID, content); err != nil {
		log.Printf("ERROR: failed to mirror assistant message for run %s: %v", run.RunID, err)
	}
}

func (p *Processor) blocked(ctx context.Context, run *domain.Run, v toolStart) bool {
	if p.policy == nil {
		return false
	}
	input := map[string]any{
		"tool_name": v.Name,
		"user_id":   run.UserID,
	}
	if len(v.Args) > 0 {
		var args any
		if err := json.Unmarshal(v.Args, &args); err == nil {
			input["args"] = args
		}
	}
	decision, err := p.policy.EvaluateTool(ctx, input)
	if err != nil {
		log.Printf("WARN: policy evaluation failed for run %s tool %s: %v", run.RunID, v.Name, err)
		return false
	}
	return decision == policy.DecisionBlock
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
