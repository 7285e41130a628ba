package campaign

import (
	"time"
)

// Status represents the lifecycle status of a campaign
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// Terminal reports whether the status permits no further transitions.
// StatusError is terminal too, but a forced restart may re-enter it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// Campaign represents one bulk-send run targeting an ordered recipient list
type Campaign struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	Template  string `json:"template"`

	Status     Status `json:"status"`
	TotalTasks int    `json:"total_tasks"`
	Cursor     int    `json:"cursor"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	LastError  string `json:"last_error,omitempty"`

	ResumeAt    *time.Time `json:"resume_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	ResumedAt   *time.Time `json:"resumed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Settings Settings `json:"settings"`
}

// Processed returns the number of tasks that reached a terminal status
func (c *Campaign) Processed() int {
	return c.Sent + c.Failed + c.Skipped
}

// Progress returns completion percentage, capped at 100
func (c *Campaign) Progress() float64 {
	if c.TotalTasks <= 0 {
		return 0
	}
	p := float64(c.Processed()) / float64(c.TotalTasks) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Settings is the per-campaign pacing configuration bag
type Settings struct {
	QuietHours   QuietHours `json:"quiet_hours" yaml:"quiet_hours"`
	MessageDelay DelayRange `json:"message_delay" yaml:"message_delay"`
	ContactDelay DelayRange `json:"contact_delay" yaml:"contact_delay"`
	Rest         Rest       `json:"rest" yaml:"rest"`
	DailyCap     DailyCap   `json:"daily_cap" yaml:"daily_cap"`
}

// QuietHours describes the window in which sending is allowed.
// Hours are in the campaign's local time, start inclusive, end exclusive.
type QuietHours struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	StartHour       int  `json:"start_hour" yaml:"start_hour"`
	EndHour         int  `json:"end_hour" yaml:"end_hour"`
	LunchBreak      bool `json:"lunch_break" yaml:"lunch_break"`
	LunchStartHour  int  `json:"lunch_start_hour" yaml:"lunch_start_hour"`
	LunchEndHour    int  `json:"lunch_end_hour" yaml:"lunch_end_hour"`
	ExcludeWeekends bool `json:"exclude_weekends" yaml:"exclude_weekends"`
}

// Valid reports whether the window bounds are usable
func (q QuietHours) Valid() bool {
	if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 24 {
		return false
	}
	return q.StartHour != q.EndHour
}

// DelayRange is an inclusive [min,max] delay range in seconds
type DelayRange struct {
	MinSeconds int `json:"min_seconds" yaml:"min_seconds"`
	MaxSeconds int `json:"max_seconds" yaml:"max_seconds"`
}

// Rest configures deliberate breaks after a threshold of sent messages
type Rest struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	Threshold int  `json:"threshold" yaml:"threshold"`
}

// DailyCap bounds the number of messages sent per channel per day.
// The effective cap is drawn inside [Min,Max] at decision time.
type DailyCap struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Min     int  `json:"min" yaml:"min"`
	Max     int  `json:"max" yaml:"max"`
}
