package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/driftlock/conductor/internal/agent"
	"github.com/driftlock/conductor/internal/bus"
	"github.com/driftlock/conductor/internal/config"
	"github.com/driftlock/conductor/internal/domain"
	"github.com/driftlock/conductor/internal/lease"
	"github.com/driftlock/conductor/internal/store"
	"github.com/driftlock/conductor/internal/stream"
	"github.com/driftlock/conductor/internal/ttlkv"
	"github.com/driftlock/conductor/internal/worker"
)

// scriptedSource plays back a fixed list of agent events per turn.
type scriptedSource struct {
	events []agent.Event
	err    error
}

func (s *scriptedSource) Stream(ctx context.Context, req *agent.TurnRequest, handler agent.Handler) error {
	for _, ev := range s.events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := handler(ev); err != nil {
			return err
		}
	}
	return s.err
}

// sink collects stream records for assertions.
type sink struct {
	mu      sync.Mutex
	records []stream.Record
}

func (s *sink) Emit(rec stream.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *sink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, rec := range s.records {
		if rec.Seq > 0 {
			names = append(names, rec.Event)
		}
	}
	return names
}

func finalMessage(text string) agent.Event {
	b, _ := json.Marshal(agent.MessageData{Text: text, Final: true})
	return agent.Event{Event: "message", Data: string(b)}
}

func newService(t *testing.T, source agent.Source) (*Service, *worker.Runner) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return newServiceWithStore(t, source, st)
}

func newServiceWithStore(t *testing.T, source agent.Source, st store.Store) (*Service, *worker.Runner) {
	t.Helper()
	cfg := &config.Config{
		AgentTimeout:          5 * time.Second,
		LeaseTTL:              time.Second,
		LeaseRefresh:          200 * time.Millisecond,
		HeartbeatInterval:     time.Minute,
		PollInterval:          20 * time.Millisecond,
		MaxToolCalls:          25,
		ToolProgressThreshold: 8,
		PlanningBudgetChars:   480,
	}

	kv := ttlkv.NewMemory(ttlkv.DefaultCleanupInterval)
	cancels := lease.NewCancelSignals(kv)
	leases := lease.NewManager(kv)
	b := bus.New()

	proc := worker.NewProcessor(st, b, cancels, source, nil, nil, cfg)
	runner := worker.NewRunner(proc, leases, st, cfg)
	streams := stream.NewCoordinator(st, b, stream.Options{
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	return New(st, b, cancels, runner, streams, cfg), runner
}

func TestCreateRunRecordsUserMessage(t *testing.T) {
	svc, _ := newService(t, &scriptedSource{})
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, domain.CreateRunRequest{ProjectID: "p1", UserID: "u1", Message: "hello"})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.Status != domain.RunStatusQueued {
		t.Fatalf("expected queued, got %s", run.Status)
	}
	if run.LastEventSeq != 1 {
		t.Fatalf("expected last_event_seq 1, got %d", run.LastEventSeq)
	}

	page, err := svc.ListEvents(ctx, run.RunID, 0, 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].Type != domain.EventTypeUserMessage {
		t.Fatalf("expected one user.message event, got %+v", page.Events)
	}
	var payload domain.UserMessagePayload
	if err := json.Unmarshal(page.Events[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Message != "hello" || payload.Prompt != "hello" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestCreateRunValidation(t *testing.T) {
	svc, _ := newService(t, &scriptedSource{})
	ctx := context.Background()

	if _, err := svc.CreateRun(ctx, domain.CreateRunRequest{Message: "hi"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing project_id, got %v", err)
	}
	if _, err := svc.CreateRun(ctx, domain.CreateRunRequest{ProjectID: "p1"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing message, got %v", err)
	}
}

func TestOpenStreamExecutesTurnToCompletion(t *testing.T) {
	svc, _ := newService(t, &scriptedSource{events: []agent.Event{finalMessage("hi there")}})
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, domain.CreateRunRequest{ProjectID: "p1", Message: "hello"})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	out := &sink{}
	if err := svc.OpenStream(ctx, run.RunID, 0, out); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	got, err := svc.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.LatestError)
	}
	if got.LatestOutput != "hi there" {
		t.Fatalf("unexpected latest_output: %q", got.LatestOutput)
	}

	names := out.events()
	want := []string{"user.message", "assistant.message", "run.completed"}
	if len(names) != len(want) {
		t.Fatalf("expected events %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, names)
		}
	}
}

func TestAppendMessageRejectsActiveRun(t *testing.T) {
	svc, _ := newService(t, &scriptedSource{})
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, domain.CreateRunRequest{ProjectID: "p1", Message: "hello"})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	_, err = svc.AppendMessage(ctx, run.RunID, domain.AppendMessageRequest{Message: "again"})
	if !errors.Is(err, domain.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress on queued run, got %v", err)
	}
}

func TestAppendMessageRequeuesFinishedRun(t *testing.T) {
	svc, _ := newService(t, &scriptedSource{events: []agent.Event{finalMessage("first answer")}})
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, domain.CreateRunRequest{ProjectID: "p1", Message: "hello"})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := svc.OpenStream(ctx, run.RunID, 0, &sink{}); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	requeued, err := svc.AppendMessage(ctx, run.RunID, domain.AppendMessageRequest{Message: "follow up"})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if requeued.Status != domain.RunStatusQueued {
		t.Fatalf("expected queued after follow-up, got %s", requeued.Status)
	}
	if requeued.CompletedAt != nil {
		t.Fatal("expected completed_at cleared on re-queue")
	}

	// The second stream runs the new turn on the follow-up prompt.
	out := &sink{}
	if err := svc.OpenStream(ctx, run.RunID, requeued.LastEventSeq, out); err != nil {
		t.Fatalf("second OpenStream failed: %v", err)
	}
	got, err := svc.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusCompleted {
		t.Fatalf("expected completed after second turn, got %s", got.Status)
	}
}

// appendFaultStore rejects event appends on demand.
type appendFaultStore struct {
	store.Store
	fail bool
}

func (s *appendFaultStore) AppendEvent(ctx context.Context, runID string, eventType domain.EventType, payload any) (*domain.Event, error) {
	if s.fail {
		return nil, errors.New("append rejected")
	}
	return s.Store.AppendEvent(ctx, runID, eventType, payload)
}

func TestAppendMessageFailureLeavesRunTerminal(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	faulty := &appendFaultStore{Store: st}
	svc, _ := newServiceWithStore(t, &scriptedSource{events: []agent.Event{finalMessage("done")}}, faulty)
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, domain.CreateRunRequest{ProjectID: "p1", Message: "hello"})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := svc.OpenStream(ctx, run.RunID, 0, &sink{}); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	faulty.fail = true
	if _, err := svc.AppendMessage(ctx, run.RunID, domain.AppendMessageRequest{Message: "follow up"}); err == nil {
		t.Fatal("expected AppendMessage to fail when the append is rejected")
	}

	// The failed follow-up must not leave the run claimable: a queued run
	// with no new user message would replay the finished turn's prompt.
	got, err := svc.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusCompleted {
		t.Fatalf("expected run to stay completed after failed append, got %s", got.Status)
	}

	faulty.fail = false
	requeued, err := svc.AppendMessage(ctx, run.RunID, domain.AppendMessageRequest{Message: "follow up"})
	if err != nil {
		t.Fatalf("AppendMessage after recovery failed: %v", err)
	}
	if requeued.Status != domain.RunStatusQueued {
		t.Fatalf("expected queued after recovered follow-up, got %s", requeued.Status)
	}
}

func TestAppendMessageUnknownRun(t *testing.T) {
	svc, _ := newService(t, &scriptedSource{})
	_, err := svc.AppendMessage(context.Background(), "run_nope", domain.AppendMessageRequest{Message: "hi"})
	if !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestStopRunCancelsCurrentTurn(t *testing.T) {
	started := make(chan struct{})
	source := &blockingSource{started: started}
	svc, runner := newService(t, source)
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, domain.CreateRunRequest{ProjectID: "p1", Message: "hello"})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	streamDone := make(chan error, 1)
	go func() { streamDone <- svc.OpenStream(streamCtx, run.RunID, 0, &sink{}) }()
	<-started

	res, err := svc.StopRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("StopRun failed: %v", err)
	}
	if res.Status != "stopping" || res.TurnSeq != 1 {
		t.Fatalf("unexpected stop result: %+v", res)
	}

	runner.Wait(run.RunID)
	got, err := svc.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusFailed || got.LatestErrorCode != domain.ErrorCodeCancelled {
		t.Fatalf("expected failed/cancelled, got %s/%s", got.Status, got.LatestErrorCode)
	}

	// The terminal status also ends the live stream.
	if err := <-streamDone; err != nil {
		t.Fatalf("expected stream to end cleanly, got %v", err)
	}
}

func TestStopRunRejectsFinishedRun(t *testing.T) {
	svc, _ := newService(t, &scriptedSource{events: []agent.Event{finalMessage("done")}})
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, domain.CreateRunRequest{ProjectID: "p1", Message: "hello"})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := svc.OpenStream(ctx, run.RunID, 0, &sink{}); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	if _, err := svc.StopRun(ctx, run.RunID); !errors.Is(err, domain.ErrNoActiveTurn) {
		t.Fatalf("expected ErrNoActiveTurn, got %v", err)
	}
}

func TestListEventsPagination(t *testing.T) {
	svc, _ := newService(t, &scriptedSource{events: []agent.Event{finalMessage("answer")}})
	ctx := context.Background()

	run, err := svc.CreateRun(ctx, domain.CreateRunRequest{ProjectID: "p1", Message: "hello"})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := svc.OpenStream(ctx, run.RunID, 0, &sink{}); err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	// 3 events total: user.message, assistant.message, run.completed.
	page, err := svc.ListEvents(ctx, run.RunID, 0, 2)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(page.Events) != 2 || page.NextSeq != 2 || page.Done {
		t.Fatalf("unexpected first page: next_seq=%d done=%v events=%d", page.NextSeq, page.Done, len(page.Events))
	}

	page, err = svc.ListEvents(ctx, run.RunID, page.NextSeq, 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(page.Events) != 1 || page.NextSeq != 3 || !page.Done {
		t.Fatalf("unexpected last page: next_seq=%d done=%v events=%d", page.NextSeq, page.Done, len(page.Events))
	}
}

// blockingSource blocks mid-turn until its context is cancelled.
type blockingSource struct {
	started chan struct{}
	once    sync.Once
}

func (s *blockingSource) Stream(ctx context.Context, req *agent.TurnRequest, handler agent.Handler) error {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return ctx.Err()
}
