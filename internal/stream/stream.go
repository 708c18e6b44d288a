// Package stream serves a client-facing live view of a run's event log.
// The coordinator merges best-effort live-bus pushes with authoritative
// store polling, so a client sees every event exactly once in seq order
// even when the bus drops or duplicates messages.
package stream

import (
	"context"
	"log"
	"time"

	"github.com/driftlock/conductor/internal/bus"
	"github.com/driftlock/conductor/internal/domain"
	"github.com/driftlock/conductor/internal/store"
)

const drainBatchSize = 100

// Record is one emitted stream record. A zero Seq marks a record that does
// not advance the cursor (heartbeats).
type Record struct {
	Seq   int64
	Event string
	Data  []byte
}

// Heartbeat is the keep-alive record sent on idle streams.
var Heartbeat = Record{Event: "heartbeat", Data: []byte("{}")}

// Emitter delivers records to one client over some transport (SSE,
// WebSocket, test buffer). Emit errors end the stream.
type Emitter interface {
	Emit(rec Record) error
}

// Options holds the coordinator's timing knobs.
type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Coordinator serves stream connections for runs.
type Coordinator struct {
	store store.Store
	bus   *bus.Bus
	opts  Options
}

// NewCoordinator creates a stream coordinator. The bus may be nil, in
// which case every stream runs on pure store polling.
func NewCoordinator(st store.Store, b *bus.Bus, opts Options) *Coordinator {
	return &Coordinator{store: st, bus: b, opts: opts}
}

// Serve streams the run's events to the emitter, starting after afterSeq,
// until the run reaches a terminal status or the context ends. The store
// cursor only moves forward, so no event is ever emitted twice or out of
// order.
func (c *Coordinator) Serve(ctx context.Context, runID string, afterSeq int64, em Emitter) error {
	cursor := afterSeq
	lastEmit := time.Now()

	var sub *bus.Subscription
	if c.bus != nil {
		s, err := c.bus.Subscribe(runID)
		if err != nil {
			// The bus is an optimization; correctness never depends on it.
			log.Printf("WARN: live bus subscription failed for run %s, falling back to polling: %v", runID, err)
		} else {
			sub = s
			defer sub.Close()
		}
	}

	for {
		n, err := c.drain(ctx, runID, &cursor, em)
		if err != nil {
			return err
		}
		if n > 0 {
			lastEmit = time.Now()
		}

		var live <-chan bus.Message
		if sub != nil {
			live = sub.C
		}

		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case msg, ok := <-live:
			timer.Stop()
			if !ok {
				sub = nil
				continue
			}
			// The bus is not authoritative: catch up from the store first,
			// then emit the pushed record only if it is still ahead of the
			// cursor.
			if msg.Seq <= cursor {
				continue
			}
			if _, err := c.drain(ctx, runID, &cursor, em); err != nil {
				return err
			}
			if msg.Seq > cursor {
				if err := em.Emit(Record{Seq: msg.Seq, Event: string(msg.Type), Data: msg.Payload}); err != nil {
					return err
				}
				cursor = msg.Seq
			}
			lastEmit = time.Now()

		case <-timer.C:
			run, err := c.store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			if run == nil {
				return domain.ErrRunNotFound
			}
			if run.Status.Terminal() {
				// One final drain covers events appended just before the
				// terminal transition.
				_, err := c.drain(ctx, runID, &cursor, em)
				return err
			}
			if c.opts.HeartbeatInterval > 0 && time.Since(lastEmit) >= c.opts.HeartbeatInterval {
				if err := em.Emit(Heartbeat); err != nil {
					return err
				}
				lastEmit = time.Now()
			}
		}
	}
}

// drain emits every stored event past the cursor in seq order.
func (c *Coordinator) drain(ctx context.Context, runID string, cursor *int64, em Emitter) (int, error) {
	emitted := 0
	for {
		events, err := c.store.ListEvents(ctx, runID, *cursor, drainBatchSize)
		if err != nil {
			return emitted, err
		}
		for _, ev := range events {
			if err := em.Emit(Record{Seq: ev.Seq, Event: string(ev.Type), Data: ev.Payload}); err != nil {
				return emitted, err
			}
			*cursor = ev.Seq
			emitted++
		}
		if len(events) < drainBatchSize {
			return emitted, nil
		}
	}
}
