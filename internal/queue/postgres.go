package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresQueue implements Queue on PostgreSQL
type PostgresQueue struct {
	db *sql.DB
}

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	campaign_id   TEXT NOT NULL,
	idx           INTEGER NOT NULL,
	recipient     TEXT NOT NULL,
	body          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	provider_id   TEXT NOT NULL DEFAULT '',
	fail_reason   TEXT NOT NULL DEFAULT '',
	fail_category TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	sent_at       TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (campaign_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_tasks_campaign_status ON tasks(campaign_id, status, idx);
`

// NewPostgresQueue opens a task queue on a shared database handle
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	if _, err := db.Exec(taskSchema); err != nil {
		return nil, fmt.Errorf("failed to create task schema: %w", err)
	}
	return &PostgresQueue{db: db}, nil
}

// Enqueue bulk-inserts tasks in index order
func (q *PostgresQueue) Enqueue(ctx context.Context, campaignID string, tasks []*Task) error {
	if campaignID == "" {
		return fmt.Errorf("%w: empty campaign id", ErrInvalidInput)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (id, campaign_id, idx, recipient, body, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, t := range tasks {
		if t.Recipient == "" {
			return fmt.Errorf("%w: task %d has no recipient", ErrInvalidInput, t.Index)
		}
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.CampaignID = campaignID
		t.Status = StatusPending
		t.CreatedAt = now
		t.UpdatedAt = now

		if _, err := stmt.ExecContext(ctx, t.ID, campaignID, t.Index, t.Recipient, t.Body, t.Status, now); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: duplicate task index %d", ErrInvalidInput, t.Index)
			}
			return fmt.Errorf("failed to insert task: %w", err)
		}
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	if c, ok := err.(coder); ok {
		return c.SQLState() == "23505"
	}
	return false
}

const taskColumns = `id, campaign_id, idx, recipient, body, status,
	provider_id, fail_reason, fail_category, retry_count, sent_at, created_at, updated_at`

// NextBatch returns up to n pending tasks, lowest index first
func (q *PostgresQueue) NextBatch(ctx context.Context, campaignID string, n int) ([]*Task, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE campaign_id=$1 AND status=$2
		ORDER BY idx LIMIT $3`, campaignID, StatusPending, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch: %w", err)
	}
	defer rows.Close()

	var batch []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, t)
	}
	return batch, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.CampaignID, &t.Index, &t.Recipient, &t.Body, &t.Status,
		&t.ProviderID, &t.FailReason, &t.FailCategory, &t.RetryCount,
		&t.SentAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return &t, nil
}

// MarkProcessing transitions a pending task to processing
func (q *PostgresQueue) MarkProcessing(ctx context.Context, taskID string) (*Task, error) {
	return q.transition(ctx, taskID, func(t *Task) {
		t.Status = StatusProcessing
	})
}

// MarkSent records a successful delivery
func (q *PostgresQueue) MarkSent(ctx context.Context, taskID, providerID string) (*Task, error) {
	return q.transition(ctx, taskID, func(t *Task) {
		now := time.Now()
		t.Status = StatusSent
		t.ProviderID = providerID
		t.SentAt = &now
	})
}

// MarkFailed records a delivery failure and bumps the retry count
func (q *PostgresQueue) MarkFailed(ctx context.Context, taskID, reason, category string) (*Task, error) {
	return q.transition(ctx, taskID, func(t *Task) {
		t.Status = StatusFailed
		t.FailReason = reason
		t.FailCategory = category
		t.RetryCount++
	})
}

// MarkSkipped records a task that was never attempted
func (q *PostgresQueue) MarkSkipped(ctx context.Context, taskID, reason string) (*Task, error) {
	return q.transition(ctx, taskID, func(t *Task) {
		t.Status = StatusSkipped
		t.FailReason = reason
	})
}

// transition runs read-modify-write in one transaction with a row lock.
// Terminal tasks are returned unchanged.
func (q *PostgresQueue) transition(ctx context.Context, taskID string, fn func(*Task)) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id=$1 FOR UPDATE`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil, err
	}

	if t.Status.Terminal() {
		return t, tx.Commit()
	}

	fn(t)
	t.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status=$2, provider_id=$3, fail_reason=$4, fail_category=$5,
			retry_count=$6, sent_at=$7, updated_at=$8
		WHERE id=$1`,
		t.ID, t.Status, t.ProviderID, t.FailReason, t.FailCategory,
		t.RetryCount, t.SentAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	return t, tx.Commit()
}

// Get retrieves a task by ID
func (q *PostgresQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil, err
	}
	return t, nil
}

// Stats returns per-status counts for a campaign
func (q *PostgresQueue) Stats(ctx context.Context, campaignID string) (*Stats, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status TaskStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}

		stats.Total += count
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusSent:
			stats.Sent = count
		case StatusFailed:
			stats.Failed = count
		case StatusSkipped:
			stats.Skipped = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.Remaining = stats.Pending + stats.Processing
	return stats, nil
}

// GlobalStats counts pending and processing tasks across all campaigns
func (q *PostgresQueue) GlobalStats(ctx context.Context) (int64, int64, error) {
	var pending, processing int64
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status=$1),
			COUNT(*) FILTER (WHERE status=$2)
		FROM tasks`, StatusPending, StatusProcessing).Scan(&pending, &processing)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query global stats: %w", err)
	}
	return pending, processing, nil
}

// ResetProcessing returns in-flight tasks to pending after a restart
func (q *PostgresQueue) ResetProcessing(ctx context.Context, campaignID string) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status=$3, updated_at=$4
		WHERE campaign_id=$1 AND status=$2`,
		campaignID, StatusProcessing, StatusPending, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close is a no-op; the underlying database handle is shared
func (q *PostgresQueue) Close() error {
	return nil
}
