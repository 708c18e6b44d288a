// Package store provides durable persistence for runs and their
// append-only event logs.
package store

import (
	"context"
	"encoding/json"

	"github.com/driftlock/conductor/internal/domain"
)

// StatusChange carries the optional fields of a status transition. Nil
// pointers leave the corresponding run field untouched.
type StatusChange struct {
	Output    *string
	Error     *string
	ErrorCode *string
}

// Store is the run/event persistence contract. The store is the only
// component allowed to mutate a run or append events, and it serializes
// seq assignment per run: two concurrent appends for the same run never
// receive the same seq.
type Store interface {
	// CreateRun creates a new run with status queued. Metadata is an
	// opaque caller-supplied JSON blob stored with the run.
	CreateRun(ctx context.Context, projectID, userID, chatID string, metadata json.RawMessage) (*domain.Run, error)

	// GetRun retrieves a run by ID, or nil if it does not exist.
	GetRun(ctx context.Context, runID string) (*domain.Run, error)

	// SetStatus transitions a run to the given status. Side effects:
	// started_at is set on the first transition into running, completed_at
	// is set on any transition into a terminal status and cleared when the
	// run is re-queued.
	SetStatus(ctx context.Context, runID string, status domain.RunStatus, change StatusChange) (*domain.Run, error)

	// AppendEvent appends an event with seq = current max + 1 and updates
	// the run's last_event_seq atomically.
	AppendEvent(ctx context.Context, runID string, eventType domain.EventType, payload any) (*domain.Event, error)

	// ListEvents returns events with seq > afterSeq in ascending seq order.
	ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.Event, error)

	// GetLatestEvent returns the highest-seq event for the run, optionally
	// filtered by type, or nil if none exists.
	GetLatestEvent(ctx context.Context, runID string, eventType domain.EventType) (*domain.Event, error)

	Close() error
}
