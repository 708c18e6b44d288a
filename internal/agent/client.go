package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Source is the opaque async event source for one turn. The HTTP Client
// below is the production implementation; tests script their own.
type Source interface {
	Stream(ctx context.Context, req *TurnRequest, handler Handler) error
}

// Client invokes the external agent over HTTP and streams its SSE events.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new agent client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute, // outer bound; per-turn budget comes from ctx
		},
	}
}

// Stream calls the agent's /invoke endpoint and feeds each SSE event to
// the handler. A context deadline hit mid-stream surfaces as *TimeoutError;
// a non-200 response surfaces as *UpstreamError.
func (c *Client) Stream(ctx context.Context, req *TurnRequest, handler Handler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.baseURL, "/") + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Run-ID", req.RunID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{}
		}
		return &UpstreamError{Code: "transport_error", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &UpstreamError{
			StatusCode: resp.StatusCode,
			Code:       "bad_status",
			Message:    strings.TrimSpace(string(bodyBytes)),
		}
	}

	if err := c.parseSSE(resp.Body, handler); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{}
		}
		return err
	}
	return nil
}

// parseSSE parses an SSE stream and calls the handler for each event.
func (c *Client) parseSSE(reader io.Reader, handler Handler) error {
	scanner := bufio.NewScanner(reader)
	var event Event

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = Event{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	// Handle any remaining event
	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
