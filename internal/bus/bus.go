// Package bus provides a best-effort per-run live event channel. The bus
// exists to avoid poll latency on active streams; the event log in the
// store stays authoritative, so dropped or duplicated bus messages are
// always recoverable by re-reading the store.
package bus

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/driftlock/conductor/internal/domain"
)

const subscriberBuffer = 256

// Message is one live event notification for a run.
type Message struct {
	RunID   string           `json:"run_id"`
	Seq     int64            `json:"seq"`
	Type    domain.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// Subscription receives live messages for a single run until closed.
type Subscription struct {
	C <-chan Message

	bus   *Bus
	runID string
	ch    chan Message

	once sync.Once
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// Bus fans out messages to the subscribers of each run.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string]map[*Subscription]bool),
	}
}

// Subscribe registers a subscriber for the run's live messages.
func (b *Bus) Subscribe(runID string) (*Subscription, error) {
	ch := make(chan Message, subscriberBuffer)
	sub := &Subscription{C: ch, bus: b, runID: runID, ch: ch}

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*Subscription]bool)
	}
	b.subs[runID][sub] = true
	b.mu.Unlock()

	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.subs[sub.runID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.runID)
		}
	}
	b.mu.Unlock()
	close(sub.ch)
}

// Publish delivers the message to every subscriber of the run. Delivery is
// non-blocking: a subscriber with a full buffer misses the message and
// recovers via store polling.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[msg.RunID] {
		select {
		case sub.ch <- msg:
		default:
			log.Printf("WARN: bus subscriber for run %s is full, dropping seq %d", msg.RunID, msg.Seq)
		}
	}
}

// SubscriberCount returns the number of active subscribers for a run.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
