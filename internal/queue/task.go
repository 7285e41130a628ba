package queue

import (
	"time"
)

// TaskStatus represents the status of a send task in the queue
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusSent       TaskStatus = "sent"
	StatusFailed     TaskStatus = "failed"
	StatusSkipped    TaskStatus = "skipped"
)

// Terminal reports whether a task status permits no further transitions
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Task represents one recipient's send unit within a campaign.
// Index is assigned at enqueue time and never changes.
type Task struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaign_id"`
	Index        int        `json:"index"`
	Recipient    string     `json:"recipient"`
	Body         string     `json:"body"`
	Status       TaskStatus `json:"status"`
	ProviderID   string     `json:"provider_id,omitempty"`
	FailReason   string     `json:"fail_reason,omitempty"`
	FailCategory string     `json:"fail_category,omitempty"`
	RetryCount   int        `json:"retry_count"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Stats represents per-campaign queue statistics
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Remaining  int64 `json:"remaining"`
	Total      int64 `json:"total"`
}
