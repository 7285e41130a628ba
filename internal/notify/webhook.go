package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook POSTs events as JSON to a configured URL
type Webhook struct {
	url     string
	client  *http.Client
	retries int
}

// NewWebhook creates a webhook notifier
func NewWebhook(url string, timeout time.Duration) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:     url,
		retries: 2,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

func (w *Webhook) Progress(ctx context.Context, ev ProgressEvent) error {
	return w.post(ctx, "campaign.progress", ev)
}

func (w *Webhook) Status(ctx context.Context, ev StatusEvent) error {
	return w.post(ctx, "campaign.status", ev)
}

func (w *Webhook) Risk(ctx context.Context, ev RiskEvent) error {
	return w.post(ctx, "campaign.risk", ev)
}

func (w *Webhook) post(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(webhookEnvelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Blastline-Event", event)

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			// a 4xx will not get better on retry
			break
		}
	}

	return fmt.Errorf("webhook delivery failed: %w", lastErr)
}
