package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

const campaignSchema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL,
	channel_id   TEXT NOT NULL,
	name         TEXT NOT NULL,
	template     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	total_tasks  INTEGER NOT NULL DEFAULT 0,
	cursor       INTEGER NOT NULL DEFAULT 0,
	sent         INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	resume_at    TIMESTAMPTZ,
	started_at   TIMESTAMPTZ,
	paused_at    TIMESTAMPTZ,
	resumed_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	stopped_at   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	settings     JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);

CREATE TABLE IF NOT EXISTS daily_sent (
	channel_id TEXT NOT NULL,
	day        TEXT NOT NULL,
	count      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, day)
);
`

// NewPostgresStore opens a campaign store on a shared database handle
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if _, err := db.Exec(campaignSchema); err != nil {
		return nil, fmt.Errorf("failed to create campaign schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

const campaignColumns = `id, account_id, channel_id, name, template, status,
	total_tasks, cursor, sent, failed, skipped, last_error,
	resume_at, started_at, paused_at, resumed_at, completed_at, stopped_at,
	created_at, updated_at, settings`

// Create persists a new campaign
func (s *PostgresStore) Create(ctx context.Context, c *Campaign) error {
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusIdle
	}

	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO campaigns (` + campaignColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.AccountID, c.ChannelID, c.Name, c.Template, c.Status,
		c.TotalTasks, c.Cursor, c.Sent, c.Failed, c.Skipped, c.LastError,
		c.ResumeAt, c.StartedAt, c.PausedAt, c.ResumedAt, c.CompletedAt, c.StoppedAt,
		c.CreatedAt, c.UpdatedAt, settings,
	)
	if err != nil {
		return fmt.Errorf("failed to insert campaign: %w", err)
	}
	return nil
}

// Get retrieves a campaign by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	return scanCampaign(row)
}

func scanCampaign(row *sql.Row) (*Campaign, error) {
	var c Campaign
	var settings []byte

	err := row.Scan(
		&c.ID, &c.AccountID, &c.ChannelID, &c.Name, &c.Template, &c.Status,
		&c.TotalTasks, &c.Cursor, &c.Sent, &c.Failed, &c.Skipped, &c.LastError,
		&c.ResumeAt, &c.StartedAt, &c.PausedAt, &c.ResumedAt, &c.CompletedAt, &c.StoppedAt,
		&c.CreatedAt, &c.UpdatedAt, &settings,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan campaign: %w", err)
	}

	if err := json.Unmarshal(settings, &c.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &c, nil
}

// Update persists the full campaign row
func (s *PostgresStore) Update(ctx context.Context, c *Campaign) error {
	c.UpdatedAt = time.Now()

	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		UPDATE campaigns SET
			account_id=$2, channel_id=$3, name=$4, template=$5, status=$6,
			total_tasks=$7, cursor=$8, sent=$9, failed=$10, skipped=$11, last_error=$12,
			resume_at=$13, started_at=$14, paused_at=$15, resumed_at=$16,
			completed_at=$17, stopped_at=$18, updated_at=$19, settings=$20
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query,
		c.ID, c.AccountID, c.ChannelID, c.Name, c.Template, c.Status,
		c.TotalTasks, c.Cursor, c.Sent, c.Failed, c.Skipped, c.LastError,
		c.ResumeAt, c.StartedAt, c.PausedAt, c.ResumedAt,
		c.CompletedAt, c.StoppedAt, c.UpdatedAt, settings,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	return checkAffected(res, c.ID)
}

// UpdateStatus changes status and records the reason on terminal transitions
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, reason string) error {
	now := time.Now()
	var tsColumn string
	switch status {
	case StatusRunning:
		// started_at is set once; later transitions to running are resumes
		res, err := s.db.ExecContext(ctx, `
			UPDATE campaigns SET status=$2, updated_at=$3, resume_at=NULL,
				started_at=COALESCE(started_at, $3),
				resumed_at=CASE WHEN started_at IS NULL THEN resumed_at ELSE $3 END
			WHERE id=$1`, id, status, now)
		if err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		return checkAffected(res, id)
	case StatusPaused:
		tsColumn = "paused_at"
	case StatusCompleted:
		tsColumn = "completed_at"
	case StatusStopped:
		tsColumn = "stopped_at"
	}

	query := `UPDATE campaigns SET status=$2, updated_at=$3, last_error=CASE WHEN $4 <> '' THEN $4 ELSE last_error END`
	if tsColumn != "" {
		query += `, ` + tsColumn + `=$3`
	}
	query += ` WHERE id=$1`

	res, err := s.db.ExecContext(ctx, query, id, status, now, reason)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return checkAffected(res, id)
}

// UpdateCounters atomically sets progress counters and the cursor
func (s *PostgresStore) UpdateCounters(ctx context.Context, id string, sent, failed, skipped, cursor int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET sent=$2, failed=$3, skipped=$4, cursor=$5, updated_at=$6
		WHERE id=$1`, id, sent, failed, skipped, cursor, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update counters: %w", err)
	}
	return checkAffected(res, id)
}

// SetResumeAt records (or clears) the next scheduled resumption time
func (s *PostgresStore) SetResumeAt(ctx context.Context, id string, at *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET resume_at=$2, updated_at=$3 WHERE id=$1`,
		id, at, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set resume time: %w", err)
	}
	return checkAffected(res, id)
}

// List returns campaigns matching the filter
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		query += fmt.Sprintf(" AND account_id=$%d", len(args))
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		var c Campaign
		var settings []byte
		err := rows.Scan(
			&c.ID, &c.AccountID, &c.ChannelID, &c.Name, &c.Template, &c.Status,
			&c.TotalTasks, &c.Cursor, &c.Sent, &c.Failed, &c.Skipped, &c.LastError,
			&c.ResumeAt, &c.StartedAt, &c.PausedAt, &c.ResumedAt, &c.CompletedAt, &c.StoppedAt,
			&c.CreatedAt, &c.UpdatedAt, &settings,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		if err := json.Unmarshal(settings, &c.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
		campaigns = append(campaigns, &c)
	}

	return campaigns, rows.Err()
}

// AddDailySent increments the channel's counter for day and returns the new value
func (s *PostgresStore) AddDailySent(ctx context.Context, channelID string, day time.Time, n int) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO daily_sent (channel_id, day, count) VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, day) DO UPDATE SET count = daily_sent.count + $3
		RETURNING count`, channelID, DayKey(day), n).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to increment daily counter: %w", err)
	}
	return total, nil
}

// DailySent returns the channel's counter for day
func (s *PostgresStore) DailySent(ctx context.Context, channelID string, day time.Time) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM daily_sent WHERE channel_id=$1 AND day=$2`,
		channelID, DayKey(day)).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily counter: %w", err)
	}
	return total, nil
}

// PruneDailyCounters removes counters for days before cutoff
func (s *PostgresStore) PruneDailyCounters(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_sent WHERE day < $1`, DayKey(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune daily counters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close is a no-op; the underlying database handle is shared
func (s *PostgresStore) Close() error {
	return nil
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
