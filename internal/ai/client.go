// Package ai is the conversational AI service client. Replies are a
// convenience layer: they are gated on the patient's agent lock, run
// after escalation handling, and their failures never affect recorded
// alerts or data.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/carebridge/triage/internal/shared/config"
)

// Replier generates an automated reply to a patient message.
type Replier interface {
	GenerateReply(ctx context.Context, patientText string) (string, error)
	Enabled() bool
}

// Client is the HTTP client for the reply-generation service
type Client struct {
	url        string
	enabled    bool
	httpClient *http.Client
}

// NewClient creates a new AI client
func NewClient(cfg config.AIConfig) *Client {
	return &Client{
		url:     cfg.URL,
		enabled: cfg.Enabled,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Enabled reports whether reply generation is configured at all
func (c *Client) Enabled() bool {
	return c.enabled && c.url != ""
}

type replyRequest struct {
	Text string `json:"text"`
}

type replyResponse struct {
	Reply string `json:"reply"`
}

// GenerateReply asks the AI service for a conversational reply. The
// caller decides whether to use it; this client never sends messages.
func (c *Client) GenerateReply(ctx context.Context, patientText string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("ai service is disabled")
	}

	body, err := json.Marshal(replyRequest{Text: patientText})
	if err != nil {
		return "", fmt.Errorf("failed to marshal reply request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/v1/reply", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("reply request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ai service returned status %d", resp.StatusCode)
	}

	var parsed replyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode reply: %w", err)
	}

	return parsed.Reply, nil
}

var _ Replier = (*Client)(nil)
