// Package gateway talks to the messaging gateway. The gateway owns
// message delivery and encryption at rest; the engine posts outbound
// instructions and receives inbound webhooks, nothing more.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/carebridge/triage/internal/shared/config"
	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

// Channel identifies the inbound transport.
type Channel string

const (
	ChannelSMS    Channel = "sms"
	ChannelVoice  Channel = "voice"
	ChannelPortal Channel = "portal"
)

// InboundMessage is the webhook payload for a patient message. Text
// arrives already decrypted by the gateway; an empty Text with
// Unreadable=true means decryption failed upstream.
type InboundMessage struct {
	// ExternalID is the gateway's message identifier, the dedupe key.
	// The gateway may redeliver; processing is idempotent per this ID.
	ExternalID string    `json:"external_id"`
	PatientID  types.ID  `json:"patient_id"`
	Channel    Channel   `json:"channel"`
	Text       string    `json:"text"`
	Unreadable bool      `json:"unreadable,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Sender posts outbound messages to a patient.
type Sender interface {
	SendInstruction(ctx context.Context, patientID types.ID, message string) error
}

// Client is the HTTP messaging-gateway client
type Client struct {
	http *resty.Client
}

// NewClient creates a gateway client with retries and a request timeout
func NewClient(cfg config.GatewayConfig) *Client {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryAttempts).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Client{http: http}
}

// SendInstruction posts an outbound instruction to the patient. Used
// for the emergency-care instruction on escalation; delivery itself is
// the gateway's job.
func (c *Client) SendInstruction(ctx context.Context, patientID types.ID, message string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"patient_id": patientID,
			"message":    message,
		}).
		Post("/v1/messages")

	if err != nil {
		return errors.Wrap(err, "failed to send gateway message")
	}

	if resp.IsError() {
		return errors.Unavailable(fmt.Sprintf("gateway returned status %d", resp.StatusCode()))
	}

	return nil
}

var _ Sender = (*Client)(nil)
