// Package lease provides the distributed coordination primitives for turn
// processing: a TTL-bound single-owner lease per (run, turn) and a shared
// cancellation flag observed cooperatively by the worker.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/driftlock/conductor/internal/ttlkv"
)

// Manager grants at most one live lease per (run_id, turn_seq). TTL-bounded
// ownership tolerates worker crashes: the lease simply expires and a new
// claimant can acquire it, and never before.
type Manager struct {
	kv ttlkv.KV
}

// NewManager creates a lease manager over the given TTL store.
func NewManager(kv ttlkv.KV) *Manager {
	return &Manager{kv: kv}
}

func leaseKey(runID string, turnSeq int64) string {
	return fmt.Sprintf("lease:%s:%d", runID, turnSeq)
}

// Acquire atomically sets the lease only if absent. Returns whether this
// call created it; false means another owner already holds it. An error
// means the backing store is unavailable; callers must treat that as not
// acquired (fail closed).
func (m *Manager) Acquire(ctx context.Context, runID string, turnSeq int64, ownerToken string, ttl time.Duration) (bool, error) {
	return m.kv.SetNX(ctx, leaseKey(runID, turnSeq), ownerToken, ttl)
}

// Refresh extends the TTL only if the caller is still the current owner.
// A false return means the lease expired or was taken by someone else; the
// caller must stop mutating shared state promptly.
func (m *Manager) Refresh(ctx context.Context, runID string, turnSeq int64, ownerToken string, ttl time.Duration) (bool, error) {
	return m.kv.CompareAndSet(ctx, leaseKey(runID, turnSeq), ownerToken, ownerToken, ttl)
}

// Release deletes the lease only if owned by the caller. Releasing a lease
// held by another owner is a no-op.
func (m *Manager) Release(ctx context.Context, runID string, turnSeq int64, ownerToken string) error {
	return m.kv.CompareAndDelete(ctx, leaseKey(runID, turnSeq), ownerToken)
}

// CancelSignals is a shared flag store letting any process request
// cancellation of a specific (run, turn).
type CancelSignals struct {
	kv ttlkv.KV
}

// NewCancelSignals creates a cancel-flag store over the given TTL store.
func NewCancelSignals(kv ttlkv.KV) *CancelSignals {
	return &CancelSignals{kv: kv}
}

func cancelKey(runID string, turnSeq int64) string {
	return fmt.Sprintf("cancel:%s:%d", runID, turnSeq)
}

// RequestCancel sets the flag. Fire-and-forget and idempotent.
func (c *CancelSignals) RequestCancel(ctx context.Context, runID string, turnSeq int64, ttl time.Duration) error {
	return c.kv.Set(ctx, cancelKey(runID, turnSeq), "1", ttl)
}

// IsCancelRequested reports whether cancellation has been requested for
// the turn.
func (c *CancelSignals) IsCancelRequested(ctx context.Context, runID string, turnSeq int64) bool {
	_, found, err := c.kv.Get(ctx, cancelKey(runID, turnSeq))
	if err != nil {
		return false
	}
	return found
}

// ClearCancel removes the flag regardless of which process set it. Always
// runs in the turn processor's cleanup path so a stale flag can never
// suppress a future turn.
func (c *CancelSignals) ClearCancel(ctx context.Context, runID string, turnSeq int64) error {
	return c.kv.Delete(ctx, cancelKey(runID, turnSeq))
}
