package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client delivers queue notifications to a Slack webhook.
type Client struct {
	webhookURL string
	channel    string
	username   string
	retryLimit int
	client     *http.Client
}

// NewClient builds a Slack webhook client. Callers should pass a validated config.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	retries := cfg.RetryLimit
	if retries < 0 {
		retries = 0
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		webhookURL: webhookURL,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   fallbackString(strings.TrimSpace(cfg.Username), "crudefn"),
		retryLimit: retries,
		client:     hc,
	}, nil
}

// SendJobFailure posts a formatted message to Slack.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	msg := c.formatJobFailure(payload)
	return c.deliver(ctx, msg)
}

// SendSchedulePause posts a schedule pause notice to Slack.
func (c *Client) SendSchedulePause(ctx context.Context, payload notify.SchedulePausePayload) error {
	msg := c.formatSchedulePause(payload)
	return c.deliver(ctx, msg)
}

func (c *Client) deliver(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		err = c.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < attempts-1 {
			// Simple linear backoff to avoid thundering retries.
			delay := time.Duration(attempt+1) * 200 * time.Millisecond
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return lastErr
}

func (c *Client) formatJobFailure(payload notify.JobFailurePayload) map[string]any {
	timestamp := payload.OccurredAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	text := strings.Builder{}
	writeSlackHeader(&text, "Job failure alert", payload.JobID, payload.JobType)
	appendSlackField(&text, "Severity", fallbackString(payload.Severity, notify.SeverityCritical))
	appendSlackField(&text, "Reference", formatReference(payload.ReferenceType, payload.ReferenceID))
	appendSlackField(&text, "Attempt", formatAttempt(payload.Attempt, payload.MaxRetries))
	appendSlackField(&text, "Final status", payload.FinalStatus)
	appendSlackField(&text, "Error class", payload.ErrorClass)
	appendSlackField(&text, "Error", escapeSlackText(payload.Error))
	appendSlackMetadata(&text, payload.Metadata)
	writeSlackTimestamp(&text, timestamp)

	return c.wrap(text.String())
}

func (c *Client) formatSchedulePause(payload notify.SchedulePausePayload) map[string]any {
	timestamp := payload.OccurredAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	text := strings.Builder{}
	writeSlackHeader(&text, "Schedule paused", payload.ScheduleName, payload.JobType)
	appendSlackField(&text, "Severity", fallbackString(payload.Severity, notify.SeverityWarning))
	appendSlackField(&text, "Reason", payload.Reason)
	appendSlackField(&text, "Consecutive failures", formatCount(payload.ConsecutiveFailures))
	appendSlackField(&text, "Last error", escapeSlackText(payload.LastError))
	writeSlackTimestamp(&text, timestamp)

	return c.wrap(text.String())
}

func (c *Client) wrap(text string) map[string]any {
	msg := map[string]any{
		"text":     text,
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func fallbackString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}

	return drainSlackSuccess(resp)
}

func writeSlackHeader(text *strings.Builder, title, subject, jobType string) {
	text.WriteByte('*')
	text.WriteString(title)
	text.WriteByte('*')
	if subject != "" {
		text.WriteString(" `")
		text.WriteString(subject)
		text.WriteByte('`')
	}
	if jobType != "" {
		text.WriteString(" (")
		text.WriteString(jobType)
		text.WriteByte(')')
	}
	text.WriteByte('\n')
}

func formatReference(refType, refID string) string {
	refType = escapeSlackText(strings.TrimSpace(refType))
	refID = escapeSlackText(strings.TrimSpace(refID))
	switch {
	case refType != "" && refID != "":
		return fmt.Sprintf("%s/%s", refType, refID)
	case refID != "":
		return refID
	default:
		return refType
	}
}

func formatAttempt(attempt, maxRetries int) string {
	if maxRetries <= 0 {
		return fmt.Sprintf("%d", attempt+1)
	}
	return fmt.Sprintf("%d of %d", attempt+1, maxRetries+1)
}

func formatCount(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", n)
}

func escapeSlackText(value string) string {
	if value == "" {
		return ""
	}
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	).Replace(value)
}

func drainSlackSuccess(resp *http.Response) error {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("drain slack response body: %w", err),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("drain slack response body: %w", err)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			return errors.Join(
				fmt.Errorf("read slack error response: %w", readErr),
				fmt.Errorf("close response body: %w", closeErr),
			)
		}
		return fmt.Errorf("read slack error response: %w", readErr)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return fmt.Errorf("slack webhook %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
}

func appendSlackField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	text.WriteString("• ")
	text.WriteString(label)
	text.WriteString(": ")
	text.WriteString(value)
	text.WriteByte('\n')
}

func appendSlackMetadata(text *strings.Builder, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	text.WriteString("• Metadata:\n")
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := metadata[k]
		text.WriteString("    • ")
		text.WriteString(k)
		text.WriteString(": ")
		text.WriteString(v)
		text.WriteByte('\n')
	}
}

func writeSlackTimestamp(text *strings.Builder, timestamp time.Time) {
	text.WriteString("• Timestamp: ")
	text.WriteString(timestamp.UTC().Format(time.RFC3339))
}

var (
	_ notify.Sink      = (*Client)(nil)
	_ notify.PauseSink = (*Client)(nil)
)
