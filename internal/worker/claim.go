package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftlock/conductor/internal/config"
	"github.com/driftlock/conductor/internal/domain"
	"github.com/driftlock/conductor/internal/lease"
	"github.com/driftlock/conductor/internal/store"
)

// errLeaseLost is the cancellation cause set when the refresh loop can no
// longer confirm lease ownership. A worker cancelled with this cause is
// deposed: another owner is authoritative and this process must not write
// any further turn state.
var errLeaseLost = errors.New("turn lease lost")

// Runner executes the claim protocol: it resolves the run's current turn,
// races other replicas for the turn lease, and on success starts the turn
// processor together with a lease-refresh loop. Losing the lease cancels
// the local processor; completion releases it.
type Runner struct {
	proc   *Processor
	leases *lease.Manager
	store  store.Store
	cfg    *config.Config

	mu     sync.Mutex
	active map[string]context.CancelFunc
	done   map[string]chan struct{}
}

// NewRunner creates a claim runner.
func NewRunner(proc *Processor, leases *lease.Manager, st store.Store, cfg *config.Config) *Runner {
	return &Runner{
		proc:   proc,
		leases: leases,
		store:  st,
		cfg:    cfg,
		active: make(map[string]context.CancelFunc),
		done:   make(map[string]chan struct{}),
	}
}

// CurrentTurn resolves the run's current turn from its latest user.message
// event. Returns the turn seq and the prompt for the turn.
func (r *Runner) CurrentTurn(ctx context.Context, runID string) (int64, string, error) {
	latest, err := r.store.GetLatestEvent(ctx, runID, domain.EventTypeUserMessage)
	if err != nil {
		return 0, "", err
	}
	if latest == nil {
		return 0, "", domain.ErrNoActiveTurn
	}
	var payload domain.UserMessagePayload
	if err := json.Unmarshal(latest.Payload, &payload); err != nil {
		return 0, "", err
	}
	prompt := payload.Prompt
	if prompt == "" {
		prompt = payload.Message
	}
	return latest.Seq, prompt, nil
}

// TryStart attempts to claim the run's current turn and start processing
// it. Returns whether this process now owns the turn. A lease-store error
// fails closed: the turn is simply not started here.
func (r *Runner) TryStart(ctx context.Context, run *domain.Run) (bool, int64, error) {
	turnSeq, prompt, err := r.CurrentTurn(ctx, run.RunID)
	if err != nil {
		return false, 0, err
	}

	ownerToken := uuid.New().String()
	acquired, err := r.leases.Acquire(ctx, run.RunID, turnSeq, ownerToken, r.cfg.LeaseTTL)
	if err != nil {
		log.Printf("ERROR: lease store unavailable for run %s turn %d, not starting worker: %v", run.RunID, turnSeq, err)
		return false, turnSeq, nil
	}
	if !acquired {
		// Another replica owns processing; this process only observes.
		return false, turnSeq, nil
	}

	baseCtx, cancelCause := context.WithCancelCause(context.Background())
	workerCtx, cancel := context.WithTimeout(baseCtx, r.cfg.AgentTimeout)
	stop := func() {
		cancelCause(nil)
		cancel()
	}
	doneCh := make(chan struct{})

	r.mu.Lock()
	r.active[run.RunID] = stop
	r.done[run.RunID] = doneCh
	r.mu.Unlock()

	go r.refreshLoop(workerCtx, cancelCause, run.RunID, turnSeq, ownerToken)

	go func() {
		defer func() {
			stop()

			r.mu.Lock()
			delete(r.active, run.RunID)
			delete(r.done, run.RunID)
			r.mu.Unlock()

			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			if err := r.leases.Release(releaseCtx, run.RunID, turnSeq, ownerToken); err != nil {
				log.Printf("ERROR: failed to release lease for run %s turn %d: %v", run.RunID, turnSeq, err)
			}
			close(doneCh)
		}()
		r.proc.ProcessTurn(workerCtx, run, turnSeq, prompt)
	}()

	return true, turnSeq, nil
}

// refreshLoop extends the lease on a period shorter than its TTL. A failed
// refresh means another owner believes it owns the turn, or the lease
// expired; either way this process must stop mutating state, so the worker
// is cancelled with errLeaseLost as the cause. A refresh error fails
// closed the same way: ownership can no longer be confirmed.
func (r *Runner) refreshLoop(ctx context.Context, cancelCause context.CancelCauseFunc, runID string, turnSeq int64, ownerToken string) {
	ticker := time.NewTicker(r.cfg.LeaseRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.leases.Refresh(ctx, runID, turnSeq, ownerToken, r.cfg.LeaseTTL)
			if err != nil {
				log.Printf("ERROR: lease refresh failed for run %s turn %d, stopping worker: %v", runID, turnSeq, err)
				cancelCause(errLeaseLost)
				return
			}
			if !ok {
				log.Printf("WARN: lease lost for run %s turn %d, cancelling local worker", runID, turnSeq)
				cancelCause(errLeaseLost)
				return
			}
		}
	}
}

// CancelLocal cancels the in-process worker for the run, if one exists.
func (r *Runner) CancelLocal(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until the in-process worker for the run finishes, or returns
// immediately if none is active. Used by tests and graceful shutdown.
func (r *Runner) Wait(runID string) {
	r.mu.Lock()
	doneCh, ok := r.done[runID]
	r.mu.Unlock()
	if ok {
		<-doneCh
	}
}
