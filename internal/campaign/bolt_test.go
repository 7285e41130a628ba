package campaign

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestStore(t *testing.T) *BoltStore {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewBoltStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestCampaign(id string) *Campaign {
	return &Campaign{
		ID:         id,
		AccountID:  "acct-1",
		ChannelID:  "chan-1",
		Name:       "launch",
		Template:   "hello {{name}}",
		TotalTasks: 100,
	}
}

func TestCreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	c := newTestCampaign("c1")
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if c.Status != StatusIdle {
		t.Errorf("default status = %q, want idle", c.Status)
	}
	if c.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "launch" || got.TotalTasks != 100 {
		t.Errorf("unexpected campaign %+v", got)
	}

	if err := store.Create(ctx, newTestCampaign("c1")); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create: expected ErrExists, got %v", err)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusTimestamps(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	store.Create(ctx, newTestCampaign("c1"))

	if err := store.UpdateStatus(ctx, "c1", StatusRunning, ""); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	got, _ := store.Get(ctx, "c1")
	if got.StartedAt == nil {
		t.Fatal("started_at not set on first run")
	}
	if got.ResumedAt != nil {
		t.Error("resumed_at set on first run")
	}

	store.UpdateStatus(ctx, "c1", StatusPaused, "daily cap")
	got, _ = store.Get(ctx, "c1")
	if got.PausedAt == nil {
		t.Error("paused_at not set")
	}
	if got.LastError != "daily cap" {
		t.Errorf("last_error = %q, want reason recorded", got.LastError)
	}

	// A second running transition is a resume, not a restart
	store.UpdateStatus(ctx, "c1", StatusRunning, "")
	got, _ = store.Get(ctx, "c1")
	if got.ResumedAt == nil {
		t.Error("resumed_at not set on second run")
	}

	store.UpdateStatus(ctx, "c1", StatusCompleted, "")
	got, _ = store.Get(ctx, "c1")
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if !got.Status.Terminal() {
		t.Errorf("completed should be terminal")
	}
}

func TestUpdateCounters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	store.Create(ctx, newTestCampaign("c1"))

	if err := store.UpdateCounters(ctx, "c1", 40, 3, 2, 45); err != nil {
		t.Fatalf("update counters failed: %v", err)
	}

	got, _ := store.Get(ctx, "c1")
	if got.Sent != 40 || got.Failed != 3 || got.Skipped != 2 || got.Cursor != 45 {
		t.Errorf("unexpected counters %+v", got)
	}
	if got.Processed() != 45 {
		t.Errorf("processed = %d, want 45", got.Processed())
	}
	if got.Progress() != 45 {
		t.Errorf("progress = %v, want 45", got.Progress())
	}
}

func TestSetResumeAt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	store.Create(ctx, newTestCampaign("c1"))

	at := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := store.SetResumeAt(ctx, "c1", &at); err != nil {
		t.Fatalf("set resume failed: %v", err)
	}
	got, _ := store.Get(ctx, "c1")
	if got.ResumeAt == nil || !got.ResumeAt.Equal(at) {
		t.Errorf("resume_at = %v, want %v", got.ResumeAt, at)
	}

	if err := store.SetResumeAt(ctx, "c1", nil); err != nil {
		t.Fatalf("clear resume failed: %v", err)
	}
	got, _ = store.Get(ctx, "c1")
	if got.ResumeAt != nil {
		t.Error("resume_at not cleared")
	}
}

func TestListFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, spec := range []struct {
		id      string
		account string
		status  Status
	}{
		{"c1", "acct-1", StatusRunning},
		{"c2", "acct-1", StatusCompleted},
		{"c3", "acct-2", StatusRunning},
		{"c4", "acct-2", StatusIdle},
	} {
		c := newTestCampaign(spec.id)
		c.AccountID = spec.account
		if err := store.Create(ctx, c); err != nil {
			t.Fatalf("create %s failed: %v", spec.id, err)
		}
		if spec.status != StatusIdle {
			store.UpdateStatus(ctx, spec.id, spec.status, "")
		}
	}

	all, err := store.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 campaigns, got %d", len(all))
	}

	running, _ := store.List(ctx, ListFilter{Status: StatusRunning})
	if len(running) != 2 {
		t.Errorf("expected 2 running campaigns, got %d", len(running))
	}

	acct1, _ := store.List(ctx, ListFilter{AccountID: "acct-1"})
	if len(acct1) != 2 {
		t.Errorf("expected 2 campaigns for acct-1, got %d", len(acct1))
	}

	page, _ := store.List(ctx, ListFilter{Limit: 2, Offset: 1})
	if len(page) != 2 {
		t.Errorf("expected a 2-row page, got %d", len(page))
	}
}

func TestDailyCounters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)

	n, err := store.AddDailySent(ctx, "chan-1", day, 1)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if n != 1 {
		t.Errorf("counter = %d, want 1", n)
	}

	n, _ = store.AddDailySent(ctx, "chan-1", day, 5)
	if n != 6 {
		t.Errorf("counter = %d, want 6", n)
	}

	// Different channel and different day track independently
	store.AddDailySent(ctx, "chan-2", day, 3)
	store.AddDailySent(ctx, "chan-1", day.AddDate(0, 0, 1), 2)

	got, err := store.DailySent(ctx, "chan-1", day)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got != 6 {
		t.Errorf("counter = %d, want 6", got)
	}

	got, _ = store.DailySent(ctx, "chan-1", day.AddDate(0, 0, 1))
	if got != 2 {
		t.Errorf("next-day counter = %d, want 2", got)
	}

	got, _ = store.DailySent(ctx, "chan-3", day)
	if got != 0 {
		t.Errorf("untouched channel counter = %d, want 0", got)
	}
}

func TestPruneDailyCounters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	store.AddDailySent(ctx, "chan-1", old, 10)
	store.AddDailySent(ctx, "chan-2", old, 10)
	store.AddDailySent(ctx, "chan-1", recent, 10)

	deleted, err := store.PruneDailyCounters(ctx, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d counters, want 2", deleted)
	}

	got, _ := store.DailySent(ctx, "chan-1", recent)
	if got != 10 {
		t.Errorf("recent counter pruned: %d", got)
	}
	got, _ = store.DailySent(ctx, "chan-1", old)
	if got != 0 {
		t.Errorf("old counter survived prune: %d", got)
	}
}
