package notifier

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

// WebhookConfig holds generic webhook configuration.
type WebhookConfig struct {
	URL     string            // Destination URL
	Headers map[string]string // Extra headers, e.g. authorization
	Timeout time.Duration
}

// Validate validates the webhook configuration.
func (c *WebhookConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("webhook URL must be HTTP or HTTPS")
	}
	return nil
}

// WebhookChannel posts notifications as JSON to an arbitrary HTTP endpoint.
type WebhookChannel struct {
	config     WebhookConfig
	httpClient *http.Client
}

// NewWebhookChannel creates a new generic webhook channel.
func NewWebhookChannel(config WebhookConfig) (*WebhookChannel, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid webhook config: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &WebhookChannel{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Name returns "webhook".
func (w *WebhookChannel) Name() string {
	return "webhook"
}

// Endpoint returns the destination URL.
func (w *WebhookChannel) Endpoint() string {
	return w.config.URL
}

// webhookPayload is the JSON body posted to the endpoint.
type webhookPayload struct {
	Rule            string    `json:"rule"`
	Severity        string    `json:"severity"`
	Reason          string    `json:"reason"`
	GroupID         string    `json:"group_id"`
	TenantID        string    `json:"tenant_id"`
	ProjectID       string    `json:"project_id"`
	Environment     string    `json:"environment"`
	ErrorType       string    `json:"error_type"`
	SampleMessage   string    `json:"sample_message"`
	Fingerprint     string    `json:"fingerprint"`
	OccurrenceCount int64     `json:"occurrence_count"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// Send posts the notification.
func (w *WebhookChannel) Send(ctx context.Context, n *Notification) error {
	payload := webhookPayload{
		Rule:            n.RuleName,
		Severity:        string(n.Severity),
		Reason:          n.Reason,
		GroupID:         n.GroupID,
		TenantID:        n.TenantID,
		ProjectID:       n.ProjectID,
		Environment:     n.Environment,
		ErrorType:       n.ErrorType,
		SampleMessage:   n.SampleMessage,
		Fingerprint:     n.Fingerprint,
		OccurrenceCount: n.OccurrenceCount,
		FirstSeenAt:     n.FirstSeenAt,
		LastSeenAt:      n.LastSeenAt,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return Permanentf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(jsonData))
	if err != nil {
		return Permanentf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Transientf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("webhook error: status %d, body: %s", resp.StatusCode, string(body))
		return classifyStatus(resp.StatusCode, err)
	}

	return nil
}

// Close is a no-op for the webhook channel.
func (w *WebhookChannel) Close() error {
	return nil
}
