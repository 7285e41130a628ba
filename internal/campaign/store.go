package campaign

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a campaign does not exist
	ErrNotFound = errors.New("campaign not found")

	// ErrExists is returned when creating a campaign with a taken ID
	ErrExists = errors.New("campaign already exists")
)

// ListFilter represents filter options for listing campaigns
type ListFilter struct {
	Status    Status
	AccountID string
	Limit     int
	Offset    int
}

// Store defines persistence for campaigns and per-channel daily counters
type Store interface {
	// Create persists a new campaign
	Create(ctx context.Context, c *Campaign) error

	// Get retrieves a campaign by ID
	Get(ctx context.Context, id string) (*Campaign, error)

	// Update persists the full campaign row
	Update(ctx context.Context, c *Campaign) error

	// UpdateStatus changes status and records the reason on terminal transitions
	UpdateStatus(ctx context.Context, id string, status Status, reason string) error

	// UpdateCounters atomically sets progress counters and the cursor
	UpdateCounters(ctx context.Context, id string, sent, failed, skipped, cursor int) error

	// SetResumeAt records (or clears, when nil) the next scheduled resumption time
	SetResumeAt(ctx context.Context, id string, at *time.Time) error

	// List returns campaigns matching the filter
	List(ctx context.Context, filter ListFilter) ([]*Campaign, error)

	// AddDailySent increments the channel's counter for day and returns the new value
	AddDailySent(ctx context.Context, channelID string, day time.Time, n int) (int, error)

	// DailySent returns the channel's counter for day
	DailySent(ctx context.Context, channelID string, day time.Time) (int, error)

	// PruneDailyCounters removes counters for days before cutoff
	PruneDailyCounters(ctx context.Context, cutoff time.Time) (int, error)

	// Close closes the storage connection
	Close() error
}

// DayKey normalizes a timestamp to its calendar day in UTC
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
