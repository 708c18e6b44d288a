package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStreamParsesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected SSE accept header, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message\ndata: {\"text\":\"hi\",\"final\":true}\n\n"))
		w.Write([]byte("event: tool\ndata: {\"name\":\"search\"}\n\n"))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	var events []Event
	err := client.Stream(context.Background(), &TurnRequest{RunID: "r1", TurnSeq: 1, Prompt: "hello"}, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Event != "message" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	msg, err := ParseMessageData(events[0].Data)
	if err != nil {
		t.Fatalf("ParseMessageData failed: %v", err)
	}
	if msg.Text != "hi" || !msg.Final {
		t.Fatalf("unexpected message data: %+v", msg)
	}
	if events[1].Event != "tool" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestStreamMultiLineData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("event: message\ndata: line1\ndata: line2\n\n"))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	var got string
	err := client.Stream(context.Background(), &TurnRequest{RunID: "r1"}, func(ev Event) error {
		got = ev.Data
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if got != "line1\nline2" {
		t.Fatalf("expected joined data lines, got %q", got)
	}
}

func TestStreamBadStatusIsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent broke", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	err := client.Stream(context.Background(), &TurnRequest{RunID: "r1"}, func(Event) error { return nil })

	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", upstream.StatusCode)
	}
}

func TestStreamDeadlineIsTimeoutError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(server.URL)
	err := client.Stream(ctx, &TurnRequest{RunID: "r1"}, func(Event) error { return nil })

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestStreamHandlerErrorStopsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("event: message\ndata: {}\n\n"))
		w.Write([]byte("event: message\ndata: {}\n\n"))
	}))
	defer server.Close()

	stop := errors.New("stop")
	client := NewClient(server.URL)
	calls := 0
	err := client.Stream(context.Background(), &TurnRequest{RunID: "r1"}, func(Event) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected stream to stop after first handler error, got %d calls", calls)
	}
}
