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

// SlackConfig holds Slack webhook configuration.
type SlackConfig struct {
	WebhookURL string // Slack incoming webhook URL
	Timeout    time.Duration
}

// Validate validates the Slack configuration.
func (c *SlackConfig) Validate() error {
	if c.WebhookURL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if !strings.HasPrefix(c.WebhookURL, "https://") {
		return fmt.Errorf("webhook URL must use HTTPS")
	}
	return nil
}

// SlackChannel sends notifications to Slack via incoming webhook.
type SlackChannel struct {
	config     SlackConfig
	httpClient *http.Client
}

// NewSlackChannel creates a new Slack channel.
func NewSlackChannel(config SlackConfig) (*SlackChannel, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid slack config: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &SlackChannel{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Name returns "slack".
func (s *SlackChannel) Name() string {
	return "slack"
}

// Endpoint returns the webhook URL.
func (s *SlackChannel) Endpoint() string {
	return s.config.WebhookURL
}

// Send posts the notification to the Slack webhook.
func (s *SlackChannel) Send(ctx context.Context, n *Notification) error {
	payload := s.buildPayload(n)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return Permanentf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return Permanentf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Transientf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("slack API error: status %d, body: %s", resp.StatusCode, string(body))
		return classifyStatus(resp.StatusCode, err)
	}

	return nil
}

// Close is a no-op for the Slack channel.
func (s *SlackChannel) Close() error {
	return nil
}

// classifyStatus maps an HTTP status to a retry classification. Throttling
// and server errors are retryable, other client errors are not.
func classifyStatus(status int, err error) error {
	if status == http.StatusTooManyRequests || status >= 500 {
		return Transient(err)
	}
	return Permanent(err)
}

// slackMessage represents the Slack webhook payload.
type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

// slackBlock represents a Slack Block Kit block.
type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *SlackChannel) buildPayload(n *Notification) slackMessage {
	emoji := severityEmoji(n.Severity)

	header := slackBlock{
		Type: "header",
		Text: &slackText{
			Type: "plain_text",
			Text: fmt.Sprintf("%s %s: %s", emoji, strings.ToUpper(string(n.Severity)), n.ErrorType),
		},
	}

	body := slackBlock{
		Type: "section",
		Text: &slackText{
			Type: "mrkdwn",
			Text: fmt.Sprintf("*%s*\n```%s```", n.RuleName, truncate(n.SampleMessage, 500)),
		},
	}

	fields := slackBlock{
		Type: "section",
		Fields: []slackText{
			{Type: "mrkdwn", Text: fmt.Sprintf("*Project:*\n%s/%s", n.ProjectID, n.Environment)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Reason:*\n%s", n.Reason)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Occurrences:*\n%d", n.OccurrenceCount)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Fingerprint:*\n`%s`", truncate(n.Fingerprint, 16))},
		},
	}

	return slackMessage{Blocks: []slackBlock{header, body, fields}}
}

func severityEmoji(s any) string {
	switch fmt.Sprint(s) {
	case "critical":
		return "🔥"
	case "high":
		return "🚨"
	case "medium":
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
