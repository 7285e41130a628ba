package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blastline/blastline/internal/campaign"
	"github.com/blastline/blastline/internal/channel"
	"github.com/blastline/blastline/internal/queue"
)

// fakeClient is a scriptable channel client for engine tests
type fakeClient struct {
	mu             sync.Mutex
	sendDelay      time.Duration
	failRecipients map[string]error
	missing        map[string]bool
	healthyErr     error
	account        channel.AccountInfo
	sent           []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		failRecipients: make(map[string]error),
		missing:        make(map[string]bool),
		account:        channel.AccountInfo{AgeDays: 365, Status: "active"},
	}
}

func (f *fakeClient) Send(ctx context.Context, recipient, body string) (*channel.Result, error) {
	if f.sendDelay > 0 {
		t := time.NewTimer(f.sendDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failRecipients[recipient]; err != nil {
		return nil, err
	}
	f.sent = append(f.sent, recipient)
	return &channel.Result{ProviderID: fmt.Sprintf("p-%d", len(f.sent)), Timestamp: time.Now()}, nil
}

func (f *fakeClient) CheckRecipient(ctx context.Context, recipient string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[recipient], nil
}

func (f *fakeClient) Healthy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthyErr
}

func (f *fakeClient) Account(ctx context.Context) (*channel.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.account
	return &info, nil
}

func (f *fakeClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	engine *Engine
	store  campaign.Store
	queue  queue.Queue
	client *fakeClient
}

func setupHarness(t *testing.T, client *fakeClient, gate QuotaGate) *harness {
	t.Helper()

	q, err := queue.NewBoltQueue(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	store, err := campaign.NewBoltStore(q.DB())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	eng := New(Options{
		Store:  store,
		Queue:  q,
		Client: client,
		Gate:   gate,
		Config: Config{
			PauseWait: 10 * time.Millisecond,
			IdleWait:  10 * time.Millisecond,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})

	return &harness{engine: eng, store: store, queue: q, client: client}
}

// fastSettings has pacing effectively disabled so runs finish immediately
func fastSettings() campaign.Settings {
	return campaign.Settings{}
}

func recipient(i int) string {
	return fmt.Sprintf("user%03d@example.com", i)
}

func (h *harness) seedCampaign(t *testing.T, id string, n int, settings campaign.Settings) *campaign.Campaign {
	t.Helper()
	ctx := context.Background()

	c := &campaign.Campaign{
		ID:         id,
		AccountID:  "acct-1",
		ChannelID:  "chan-1",
		Name:       "test run",
		Template:   "hello",
		TotalTasks: n,
		Settings:   settings,
	}
	if err := h.store.Create(ctx, c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}

	tasks := make([]*queue.Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = &queue.Task{Index: i, Recipient: recipient(i), Body: "hello"}
	}
	if err := h.queue.Enqueue(ctx, id, tasks); err != nil {
		t.Fatalf("failed to enqueue tasks: %v", err)
	}
	return c
}

func (h *harness) waitForStatus(t *testing.T, id string, want campaign.Status) *campaign.Campaign {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := h.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("failed to load campaign: %v", err)
		}
		if c.Status == want {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}

	c, _ := h.store.Get(context.Background(), id)
	t.Fatalf("campaign never reached %q, stuck at %q (%s)", want, c.Status, c.LastError)
	return nil
}

func TestRunCompletesCampaign(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)
	h.seedCampaign(t, "c1", 20, fastSettings())

	if err := h.engine.Start(context.Background(), "c1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	c := h.waitForStatus(t, "c1", campaign.StatusCompleted)
	if c.Sent != 20 || c.Failed != 0 || c.Skipped != 0 {
		t.Errorf("unexpected counters sent=%d failed=%d skipped=%d", c.Sent, c.Failed, c.Skipped)
	}
	if c.Cursor != 20 {
		t.Errorf("cursor = %d, want 20", c.Cursor)
	}
	if c.StartedAt == nil || c.CompletedAt == nil {
		t.Error("lifecycle timestamps not recorded")
	}

	stats, err := h.queue.Stats(context.Background(), "c1")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Sent != 20 || stats.Remaining != 0 {
		t.Errorf("unexpected queue stats %+v", stats)
	}
	if h.client.sentCount() != 20 {
		t.Errorf("client saw %d sends, want 20", h.client.sentCount())
	}
}

func TestRunSkipsMissingRecipients(t *testing.T) {
	client := newFakeClient()
	client.missing[recipient(3)] = true
	client.missing[recipient(7)] = true

	h := setupHarness(t, client, nil)
	h.seedCampaign(t, "c1", 10, fastSettings())

	if err := h.engine.Start(context.Background(), "c1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	c := h.waitForStatus(t, "c1", campaign.StatusCompleted)
	if c.Sent != 8 || c.Skipped != 2 {
		t.Errorf("unexpected counters sent=%d skipped=%d", c.Sent, c.Skipped)
	}

	task3, err := findTaskByIndex(h, "c1", 3)
	if err != nil {
		t.Fatalf("task lookup failed: %v", err)
	}
	if task3.Status != queue.StatusSkipped {
		t.Errorf("missing recipient task status = %q, want skipped", task3.Status)
	}
}

func TestFatalSendErrorHaltsRun(t *testing.T) {
	client := newFakeClient()
	client.failRecipients[recipient(5)] = channel.NewError(channel.CategoryConnection, errors.New("socket closed"))

	h := setupHarness(t, client, nil)
	h.seedCampaign(t, "c1", 10, fastSettings())

	if err := h.engine.Start(context.Background(), "c1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	c := h.waitForStatus(t, "c1", campaign.StatusError)
	if c.Sent != 5 || c.Failed != 1 {
		t.Errorf("unexpected counters sent=%d failed=%d", c.Sent, c.Failed)
	}
	if c.LastError == "" {
		t.Error("fatal cause not recorded")
	}

	stats, _ := h.queue.Stats(context.Background(), "c1")
	if stats.Pending != 4 {
		t.Errorf("pending = %d, want 4 untouched tasks", stats.Pending)
	}

	// a halted campaign rejects a plain restart but accepts force
	err := h.engine.Start(context.Background(), "c1", false)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error on restart, got %v", err)
	}
}

func TestNonFatalFailuresContinue(t *testing.T) {
	client := newFakeClient()
	client.failRecipients[recipient(2)] = channel.NewError(channel.CategoryRateLimit, errors.New("throttled"))

	h := setupHarness(t, client, nil)
	h.seedCampaign(t, "c1", 6, fastSettings())

	if err := h.engine.Start(context.Background(), "c1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	c := h.waitForStatus(t, "c1", campaign.StatusCompleted)
	if c.Sent != 5 || c.Failed != 1 {
		t.Errorf("unexpected counters sent=%d failed=%d", c.Sent, c.Failed)
	}
}

func TestRiskStopHaltsRun(t *testing.T) {
	client := newFakeClient()
	for i := 0; i < 30; i += 2 {
		client.failRecipients[recipient(i)] = channel.NewError(channel.CategoryRateLimit, errors.New("throttled"))
	}

	h := setupHarness(t, client, nil)
	h.engine.cfg.BatchSize = 10
	h.engine.cfg.HealthCheckEvery = 1
	h.seedCampaign(t, "c1", 30, fastSettings())

	if err := h.engine.Start(context.Background(), "c1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// after the first batch the assessment sees a 50% failure rate and a
	// far-over-ceiling send velocity, two criticals forcing stop; the 50%
	// rate stays under the health guard's ban threshold
	c := h.waitForStatus(t, "c1", campaign.StatusError)
	if c.Sent != 5 || c.Failed != 5 {
		t.Errorf("unexpected counters sent=%d failed=%d", c.Sent, c.Failed)
	}
	if !strings.Contains(c.LastError, "risk assessment") {
		t.Errorf("last error = %q, want a risk assessment reason", c.LastError)
	}

	stats, _ := h.queue.Stats(context.Background(), "c1")
	if stats.Pending != 20 {
		t.Errorf("pending = %d, want 20 untouched tasks", stats.Pending)
	}
}

func TestSuperviseSlowsDownOnce(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	settings := fastSettings()
	settings.MessageDelay = campaign.DelayRange{MinSeconds: 30, MaxSeconds: 90}
	settings.ContactDelay = campaign.DelayRange{MinSeconds: 60, MaxSeconds: 180}
	c := h.seedCampaign(t, "c1", 100, settings)

	// 50% failure rate, moderately excessive velocity and slow
	// confirmations land in the slow_down band without a second critical
	st := newExecState(c)
	now := time.Now()
	st.sent = 25
	st.failed = 25
	st.firstSentAt = now.Add(-time.Minute)
	st.lastSentAt = now
	st.confirmAvgMillis = 12000

	if halted := h.engine.supervise(ctx, st, logger); halted {
		t.Fatal("slow_down verdict must not halt the run")
	}
	if !st.slowed {
		t.Fatal("slowed flag not set")
	}
	if st.settings.MessageDelay.MinSeconds != 45 || st.settings.MessageDelay.MaxSeconds != 135 {
		t.Errorf("message delay = %+v, want 45-135", st.settings.MessageDelay)
	}

	stored, err := h.store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("failed to load campaign: %v", err)
	}
	if stored.Settings.MessageDelay.MinSeconds != 45 {
		t.Errorf("widened settings not persisted, min = %d", stored.Settings.MessageDelay.MinSeconds)
	}

	// a second slow_down verdict must not widen again
	if halted := h.engine.supervise(ctx, st, logger); halted {
		t.Fatal("second check must not halt the run")
	}
	if st.settings.MessageDelay.MinSeconds != 45 || st.settings.ContactDelay.MinSeconds != 90 {
		t.Errorf("delays widened twice: %+v / %+v", st.settings.MessageDelay, st.settings.ContactDelay)
	}
}

func TestSupervisePausesOnRiskVerdict(t *testing.T) {
	client := newFakeClient()
	client.account = channel.AccountInfo{AgeDays: 2, Status: "active"}

	h := setupHarness(t, client, nil)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := h.seedCampaign(t, "c1", 100, fastSettings())

	// a brand-new account with a 50% failure rate and excessive velocity
	// crosses the pause threshold but stays under the stop conditions
	st := newExecState(c)
	now := time.Now()
	st.sent = 25
	st.failed = 25
	st.firstSentAt = now.Add(-7 * time.Minute)
	st.lastSentAt = now
	st.confirmAvgMillis = 12000

	if halted := h.engine.supervise(ctx, st, logger); halted {
		t.Fatal("pause verdict must not halt the run")
	}
	if !st.paused.Load() {
		t.Error("pause flag not set on the live state")
	}

	stored, err := h.store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("failed to load campaign: %v", err)
	}
	if stored.Status != campaign.StatusPaused {
		t.Errorf("status = %q, want paused", stored.Status)
	}
	if !strings.Contains(stored.LastError, "risk") {
		t.Errorf("last error = %q, want a risk reason", stored.LastError)
	}
}

func TestStartValidation(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)
	ctx := context.Background()

	if err := h.engine.Start(ctx, "missing", false); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	empty := &campaign.Campaign{ID: "empty", AccountID: "a", ChannelID: "ch", Name: "empty"}
	h.store.Create(ctx, empty)
	var verr *ValidationError
	if err := h.engine.Start(ctx, "empty", false); !errors.As(err, &verr) {
		t.Errorf("expected validation error for an empty campaign, got %v", err)
	}

	h.seedCampaign(t, "badwindow", 5, campaign.Settings{
		QuietHours: campaign.QuietHours{Enabled: true, StartHour: 9, EndHour: 9},
	})
	if err := h.engine.Start(ctx, "badwindow", false); !errors.As(err, &verr) {
		t.Errorf("expected validation error for an invalid window, got %v", err)
	}

	h.seedCampaign(t, "done", 5, fastSettings())
	h.store.UpdateStatus(ctx, "done", campaign.StatusCompleted, "")
	if err := h.engine.Start(ctx, "done", false); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
}

func TestStartWhileRunning(t *testing.T) {
	client := newFakeClient()
	client.sendDelay = 20 * time.Millisecond

	h := setupHarness(t, client, nil)
	h.seedCampaign(t, "c1", 200, fastSettings())
	ctx := context.Background()

	if err := h.engine.Start(ctx, "c1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.engine.Start(ctx, "c1", false); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	h.engine.Stop(ctx, "c1")
	h.waitForStatus(t, "c1", campaign.StatusStopped)
}

func TestUnhealthyChannelBlocksStart(t *testing.T) {
	client := newFakeClient()
	client.healthyErr = errors.New("session expired")

	h := setupHarness(t, client, nil)
	h.seedCampaign(t, "c1", 5, fastSettings())
	ctx := context.Background()

	err := h.engine.Start(ctx, "c1", false)
	var perr *PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected precondition error, got %v", err)
	}

	// force skips the probe
	client.mu.Lock()
	client.healthyErr = errors.New("session expired")
	client.mu.Unlock()
	if err := h.engine.Start(ctx, "c1", true); err != nil {
		t.Fatalf("forced start failed: %v", err)
	}
	h.waitForStatus(t, "c1", campaign.StatusCompleted)
}

func TestQuotaGate(t *testing.T) {
	client := newFakeClient()
	client.sendDelay = 20 * time.Millisecond

	h := setupHarness(t, client, nil)
	h.engine.gate = StoreQuotaGate{Store: h.store, MaxActive: 1}

	h.seedCampaign(t, "c1", 200, fastSettings())
	h.seedCampaign(t, "c2", 5, fastSettings())
	ctx := context.Background()

	if err := h.engine.Start(ctx, "c1", false); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	h.waitForStatus(t, "c1", campaign.StatusRunning)

	err := h.engine.Start(ctx, "c2", false)
	var perr *PreconditionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected quota rejection, got %v", err)
	}

	h.engine.Stop(ctx, "c1")
	h.waitForStatus(t, "c1", campaign.StatusStopped)

	if err := h.engine.Start(ctx, "c2", false); err != nil {
		t.Fatalf("start after quota freed failed: %v", err)
	}
	h.waitForStatus(t, "c2", campaign.StatusCompleted)
}

func TestQuotaGateIgnoresOwnRow(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)
	h.engine.gate = StoreQuotaGate{Store: h.store, MaxActive: 1}

	h.seedCampaign(t, "c1", 5, fastSettings())
	ctx := context.Background()

	// crashed process: the row is persisted as running with no live loop,
	// so the restart must not be refused by the row's own quota slot
	h.store.UpdateStatus(ctx, "c1", campaign.StatusRunning, "")

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	c := h.waitForStatus(t, "c1", campaign.StatusCompleted)
	if c.Sent != 5 {
		t.Errorf("sent = %d, want 5", c.Sent)
	}
}

func TestPauseResumeStop(t *testing.T) {
	client := newFakeClient()
	client.sendDelay = 10 * time.Millisecond

	h := setupHarness(t, client, nil)
	h.seedCampaign(t, "c1", 500, fastSettings())
	ctx := context.Background()

	if err := h.engine.Start(ctx, "c1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := h.engine.Pause(ctx, "c1"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	h.waitForStatus(t, "c1", campaign.StatusPaused)

	s, err := h.engine.Status(ctx, "c1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !s.Live || !s.Paused {
		t.Errorf("expected a live paused run, got live=%v paused=%v", s.Live, s.Paused)
	}

	// pausing again is a no-op
	if err := h.engine.Pause(ctx, "c1"); err != nil {
		t.Errorf("double pause errored: %v", err)
	}

	if err := h.engine.Resume(ctx, "c1"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	h.waitForStatus(t, "c1", campaign.StatusRunning)

	if err := h.engine.Stop(ctx, "c1"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	c := h.waitForStatus(t, "c1", campaign.StatusStopped)
	if c.StoppedAt == nil {
		t.Error("stopped_at not recorded")
	}

	// stopped is final
	if err := h.engine.Resume(ctx, "c1"); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal resuming a stopped campaign, got %v", err)
	}
	if err := h.engine.Start(ctx, "c1", true); !errors.Is(err, ErrTerminal) {
		t.Errorf("expected ErrTerminal starting a stopped campaign, got %v", err)
	}
}

func TestPauseWithoutRun(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)
	h.seedCampaign(t, "c1", 5, fastSettings())
	ctx := context.Background()

	if err := h.engine.Pause(ctx, "c1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning pausing an idle campaign, got %v", err)
	}

	// a stale running row from a crashed process can still be paused
	h.store.UpdateStatus(ctx, "c1", campaign.StatusRunning, "")
	if err := h.engine.Pause(ctx, "c1"); err != nil {
		t.Fatalf("pausing a stale row failed: %v", err)
	}
	c, _ := h.store.Get(ctx, "c1")
	if c.Status != campaign.StatusPaused {
		t.Errorf("status = %q, want paused", c.Status)
	}
}

func TestResumeRestartsPersistedPause(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)
	h.seedCampaign(t, "c1", 10, fastSettings())
	ctx := context.Background()

	h.store.UpdateStatus(ctx, "c1", campaign.StatusPaused, "daily send cap reached")

	if err := h.engine.Resume(ctx, "c1"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	c := h.waitForStatus(t, "c1", campaign.StatusCompleted)
	if c.Sent != 10 {
		t.Errorf("sent = %d, want 10", c.Sent)
	}
}

func TestStartDeferredOutsideWindow(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)

	// a window two hours ahead of the current hour is always closed now
	hour := time.Now().Hour()
	settings := campaign.Settings{
		QuietHours: campaign.QuietHours{
			Enabled:   true,
			StartHour: (hour + 2) % 24,
			EndHour:   (hour + 4) % 24,
		},
	}
	h.seedCampaign(t, "c1", 5, settings)
	ctx := context.Background()

	if err := h.engine.Start(ctx, "c1", false); err != nil {
		t.Fatalf("deferred start errored: %v", err)
	}

	c, _ := h.store.Get(ctx, "c1")
	if c.Status != campaign.StatusPaused {
		t.Errorf("status = %q, want paused pending the window", c.Status)
	}
	if c.ResumeAt == nil {
		t.Fatal("resume_at not scheduled")
	}
	if !c.ResumeAt.After(time.Now()) {
		t.Errorf("resume_at %v is not in the future", c.ResumeAt)
	}

	s, _ := h.engine.Status(ctx, "c1")
	if s.Live {
		t.Error("deferred campaign should not have a live loop")
	}
}

func TestRecoverRestartsRunningCampaigns(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)
	h.seedCampaign(t, "c1", 10, fastSettings())
	ctx := context.Background()

	// simulate a crash: persisted running, two tasks stuck in flight
	h.store.UpdateStatus(ctx, "c1", campaign.StatusRunning, "")
	t0, _ := findTaskByIndex(h, "c1", 0)
	t1, _ := findTaskByIndex(h, "c1", 1)
	h.queue.MarkProcessing(ctx, t0.ID)
	h.queue.MarkProcessing(ctx, t1.ID)

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	c := h.waitForStatus(t, "c1", campaign.StatusCompleted)
	if c.Sent != 10 {
		t.Errorf("sent = %d, want all 10 including requeued tasks", c.Sent)
	}
}

func TestRecoverArmsScheduledResume(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)
	h.seedCampaign(t, "c1", 5, fastSettings())
	ctx := context.Background()

	h.store.UpdateStatus(ctx, "c1", campaign.StatusPaused, "outside send window")
	at := time.Now().Add(30 * time.Millisecond)
	h.store.SetResumeAt(ctx, "c1", &at)

	if err := h.engine.Recover(ctx); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	c := h.waitForStatus(t, "c1", campaign.StatusCompleted)
	if c.Sent != 5 {
		t.Errorf("sent = %d, want 5", c.Sent)
	}
}

func TestAssessCachesResults(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)
	h.seedCampaign(t, "c1", 100, fastSettings())
	ctx := context.Background()

	h.store.UpdateCounters(ctx, "c1", 45, 55, 0, 100)

	a, err := h.engine.Assess(ctx, "c1")
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}
	if a.Level == "" || a.Score == 0 {
		t.Errorf("expected a scored assessment for a 55%% failure rate, got %+v", a)
	}
	if len(a.Factors) == 0 {
		t.Error("assessment has no factors")
	}

	b, err := h.engine.Assess(ctx, "c1")
	if err != nil {
		t.Fatalf("second assess failed: %v", err)
	}
	if a != b {
		t.Error("expected the cached assessment on the second call")
	}

	if _, err := h.engine.Assess(ctx, "missing"); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestShutdownRejectsNewStarts(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)
	h.seedCampaign(t, "c1", 5, fastSettings())
	ctx := context.Background()

	if err := h.engine.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := h.engine.Start(ctx, "c1", false); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestShutdownLeavesRunningState(t *testing.T) {
	client := newFakeClient()
	client.sendDelay = 10 * time.Millisecond

	h := setupHarness(t, client, nil)
	h.seedCampaign(t, "c1", 500, fastSettings())
	ctx := context.Background()

	if err := h.engine.Start(ctx, "c1", false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.waitForStatus(t, "c1", campaign.StatusRunning)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.engine.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	// the row stays running so Recover picks it up on the next start
	c, _ := h.store.Get(ctx, "c1")
	if c.Status != campaign.StatusRunning {
		t.Errorf("status after shutdown = %q, want running", c.Status)
	}
}

func findTaskByIndex(h *harness, campaignID string, index int) (*queue.Task, error) {
	batch, err := h.queue.NextBatch(context.Background(), campaignID, index+1)
	if err != nil {
		return nil, err
	}
	for _, task := range batch {
		if task.Index == index {
			return task, nil
		}
	}
	return nil, fmt.Errorf("task %d not pending", index)
}
