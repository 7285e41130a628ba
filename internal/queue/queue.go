package queue

import (
	"context"
	"errors"
)

var (
	// ErrInvalidInput is returned for malformed enqueue requests
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a task does not exist
	ErrNotFound = errors.New("task not found")
)

// Queue defines the per-campaign ordered task queue.
//
// NextBatch does not mutate status; delivery is at-least-once and the caller
// must mark tasks processing. Mark transitions on a task already in a
// terminal status are no-ops that return the stored task.
type Queue interface {
	// Enqueue bulk-inserts tasks in index order
	Enqueue(ctx context.Context, campaignID string, tasks []*Task) error

	// NextBatch returns up to n pending tasks, lowest index first
	NextBatch(ctx context.Context, campaignID string, n int) ([]*Task, error)

	// MarkProcessing transitions a pending task to processing
	MarkProcessing(ctx context.Context, taskID string) (*Task, error)

	// MarkSent records a successful delivery
	MarkSent(ctx context.Context, taskID, providerID string) (*Task, error)

	// MarkFailed records a delivery failure and bumps the retry count
	MarkFailed(ctx context.Context, taskID, reason, category string) (*Task, error)

	// MarkSkipped records a task that was never attempted
	MarkSkipped(ctx context.Context, taskID, reason string) (*Task, error)

	// Get retrieves a task by ID
	Get(ctx context.Context, taskID string) (*Task, error)

	// Stats returns per-status counts; Remaining==0 means queue-complete
	Stats(ctx context.Context, campaignID string) (*Stats, error)

	// GlobalStats returns queue-wide pending and processing totals
	GlobalStats(ctx context.Context) (pending, processing int64, err error)

	// ResetProcessing returns in-flight tasks to pending after a restart
	ResetProcessing(ctx context.Context, campaignID string) (int, error)

	// Close closes the storage connection
	Close() error
}
