// Package transcript mirrors externally visible assistant messages into a
// separate chat service. Mirroring is a side effect of turn processing and
// must never block or fail the turn: callers log and continue on error.
package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Mirror receives assistant messages for a chat.
type Mirror interface {
	AppendAssistantMessage(ctx context.Context, chatID, runID, content string) error
}

// Client posts assistant messages to the chat service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a transcript client. An empty baseURL yields a client
// whose calls are no-ops, mirroring how an unset collaborator behaves.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type appendMessageRequest struct {
	RunID   string `json:"run_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AppendAssistantMessage mirrors one assistant message into the chat.
func (c *Client) AppendAssistantMessage(ctx context.Context, chatID, runID, content string) error {
	if c.baseURL == "" || chatID == "" {
		return nil
	}

	body, err := json.Marshal(appendMessageRequest{RunID: runID, Role: "assistant", Content: content})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/internal/chats/%s/messages", c.baseURL, chatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to mirror message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}
