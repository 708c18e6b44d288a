package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/driftlock/conductor/internal/bus"
	"github.com/driftlock/conductor/internal/domain"
	"github.com/driftlock/conductor/internal/store"
	"github.com/driftlock/conductor/internal/stream"
)

// CreateRun creates a run and records its first user.message. The turn is
// not started here: the first stream subscriber claims it.
func (s *Service) CreateRun(ctx context.Context, req domain.CreateRunRequest) (*domain.Run, error) {
	if req.ProjectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", domain.ErrInvalidRequest)
	}
	if req.Message == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrInvalidRequest)
	}

	run, err := s.store.CreateRun(ctx, req.ProjectID, req.UserID, req.ChatID, req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if err := s.recordUserMessage(ctx, run.RunID, req.Message, req.Prompt); err != nil {
		return nil, err
	}

	// Re-read so last_event_seq reflects the user message.
	return s.store.GetRun(ctx, run.RunID)
}

// AppendMessage adds a follow-up user message to a finished run and
// re-queues it for another turn. A run that is still queued or running
// rejects the message.
func (s *Service) AppendMessage(ctx context.Context, runID string, req domain.AppendMessageRequest) (*domain.Run, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrInvalidRequest)
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	if !run.Status.Terminal() {
		return nil, domain.ErrRunInProgress
	}

	// Append before re-queueing: if the append fails the run stays
	// terminal, so no claimant can pick up the finished turn's message
	// again.
	if err := s.recordUserMessage(ctx, runID, req.Message, req.Prompt); err != nil {
		return nil, err
	}

	if _, err := s.store.SetStatus(ctx, runID, domain.RunStatusQueued, store.StatusChange{}); err != nil {
		return nil, fmt.Errorf("failed to re-queue run: %w", err)
	}

	return s.store.GetRun(ctx, runID)
}

// GetRun retrieves a run snapshot.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}

// ListEvents returns one page of the run's event log after the given seq.
func (s *Service) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) (*domain.EventsPage, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	events, err := s.store.ListEvents(ctx, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	nextSeq := afterSeq
	if len(events) > 0 {
		nextSeq = events[len(events)-1].Seq
	}
	return &domain.EventsPage{
		RunID:   runID,
		Status:  run.Status,
		Events:  events,
		NextSeq: nextSeq,
		Done:    run.Status.Terminal() && nextSeq >= run.LastEventSeq,
	}, nil
}

// OpenStream attaches a live event stream to the run, starting at
// afterSeq. If the run still has work pending, this subscriber races the
// other replicas to claim and execute the turn; losers (and subscribers to
// an already-owned run) just observe. Blocks until the run reaches a
// terminal state or ctx is cancelled.
func (s *Service) OpenStream(ctx context.Context, runID string, afterSeq int64, em stream.Emitter) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return domain.ErrRunNotFound
	}

	if !run.Status.Terminal() {
		owned, turnSeq, err := s.runner.TryStart(ctx, run)
		if err != nil && !errors.Is(err, domain.ErrNoActiveTurn) {
			return fmt.Errorf("failed to claim turn: %w", err)
		}
		if owned {
			log.Printf("INFO: claimed turn %d of run %s for this stream", turnSeq, runID)
		}
	}

	return s.streams.Serve(ctx, runID, afterSeq, em)
}

// WatchRun attaches a passive event stream to the run: it observes without
// racing for the turn. Used by dashboards and other secondary viewers.
func (s *Service) WatchRun(ctx context.Context, runID string, afterSeq int64, em stream.Emitter) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return domain.ErrRunNotFound
	}
	return s.streams.Serve(ctx, runID, afterSeq, em)
}

// StopRun requests cooperative cancellation of the run's current turn. The
// cancel flag is visible to whichever replica owns the turn; the local
// worker, if any, is cancelled immediately.
func (s *Service) StopRun(ctx context.Context, runID string) (*domain.StopResult, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, domain.ErrNoActiveTurn
	}

	turnSeq, _, err := s.runner.CurrentTurn(ctx, runID)
	if err != nil {
		return nil, err
	}

	if err := s.cancels.RequestCancel(ctx, runID, turnSeq, s.config.AgentTimeout); err != nil {
		return nil, fmt.Errorf("failed to set cancel flag: %w", err)
	}
	if s.runner.CancelLocal(runID) {
		log.Printf("INFO: cancelled local worker for run %s turn %d", runID, turnSeq)
	}

	return &domain.StopResult{RunID: runID, TurnSeq: turnSeq, Status: "stopping"}, nil
}

func (s *Service) recordUserMessage(ctx context.Context, runID, message, prompt string) error {
	if prompt == "" {
		prompt = message
	}
	ev, err := s.store.AppendEvent(ctx, runID, domain.EventTypeUserMessage, domain.UserMessagePayload{
		Message: message,
		Prompt:  prompt,
	})
	if err != nil {
		return fmt.Errorf("failed to record user message: %w", err)
	}
	s.bus.Publish(bus.Message{RunID: runID, Seq: ev.Seq, Type: ev.Type, Payload: ev.Payload})
	return nil
}
