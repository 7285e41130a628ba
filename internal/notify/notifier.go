// Package notify delivers fire-and-forget campaign events to external
// observers. Delivery is best-effort; the engine never inspects the result.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// ProgressEvent is a periodic progress snapshot
type ProgressEvent struct {
	CampaignID string    `json:"campaign_id"`
	AccountID  string    `json:"account_id"`
	Status     string    `json:"status"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Total      int       `json:"total"`
	Progress   float64   `json:"progress"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusEvent is a toast-style lifecycle change
type StatusEvent struct {
	CampaignID string    `json:"campaign_id"`
	AccountID  string    `json:"account_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	ResumeAt   *time.Time `json:"resume_at,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RiskEvent reports a fresh risk assessment
type RiskEvent struct {
	CampaignID string    `json:"campaign_id"`
	AccountID  string    `json:"account_id"`
	Score      int       `json:"score"`
	Level      string    `json:"level"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier delivers events addressed to a campaign's owning account
type Notifier interface {
	Progress(ctx context.Context, ev ProgressEvent) error
	Status(ctx context.Context, ev StatusEvent) error
	Risk(ctx context.Context, ev RiskEvent) error
}

// Multi fans events out to several notifiers, logging and continuing on
// individual failures
type Multi struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewMulti combines notifiers
func NewMulti(logger *slog.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger}
}

func (m *Multi) Progress(ctx context.Context, ev ProgressEvent) error {
	for _, n := range m.notifiers {
		if err := n.Progress(ctx, ev); err != nil {
			m.logger.Debug("progress notification failed", "campaign_id", ev.CampaignID, "error", err)
		}
	}
	return nil
}

func (m *Multi) Status(ctx context.Context, ev StatusEvent) error {
	for _, n := range m.notifiers {
		if err := n.Status(ctx, ev); err != nil {
			m.logger.Debug("status notification failed", "campaign_id", ev.CampaignID, "error", err)
		}
	}
	return nil
}

func (m *Multi) Risk(ctx context.Context, ev RiskEvent) error {
	for _, n := range m.notifiers {
		if err := n.Risk(ctx, ev); err != nil {
			m.logger.Debug("risk notification failed", "campaign_id", ev.CampaignID, "error", err)
		}
	}
	return nil
}

// NoOp discards all events
type NoOp struct{}

func (NoOp) Progress(ctx context.Context, ev ProgressEvent) error { return nil }
func (NoOp) Status(ctx context.Context, ev StatusEvent) error     { return nil }
func (NoOp) Risk(ctx context.Context, ev RiskEvent) error         { return nil }
