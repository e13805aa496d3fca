package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event is one ops notification posted to the worker log webhook.
type Event struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	SourceKey string                 `json:"source_key,omitempty"`
	FeedKind  string                 `json:"feed_kind,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	SentAt    time.Time              `json:"sent_at"`
}

type Client struct {
	webhookURL string
	secret     string
	httpClient *http.Client
}

// NewClient returns a webhook client. An empty URL disables sending; every
// call becomes a no-op so callers never need to guard.
func NewClient(webhookURL, secret string) *Client {
	return &Client{
		webhookURL: webhookURL,
		secret:     secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Send(ev Event) error {
	if c.webhookURL == "" {
		return nil
	}

	if ev.SentAt.IsZero() {
		ev.SentAt = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %w", err)
	}

	req, err := http.NewRequest("POST", c.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Log-Secret", c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook request failed with status: %d", resp.StatusCode)
	}

	return nil
}

// Notify builds and sends an Event in one call.
func (c *Client) Notify(level, message, sourceKey, feedKind string, detail map[string]interface{}) error {
	return c.Send(Event{
		Level:     level,
		Message:   message,
		SourceKey: sourceKey,
		FeedKind:  feedKind,
		Detail:    detail,
	})
}
