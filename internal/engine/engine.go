// Package engine runs campaigns: it drains each campaign's task queue
// through a channel client under pacing, risk and health supervision.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blastline/blastline/internal/campaign"
	"github.com/blastline/blastline/internal/channel"
	"github.com/blastline/blastline/internal/metrics"
	"github.com/blastline/blastline/internal/notify"
	"github.com/blastline/blastline/internal/pacing"
	"github.com/blastline/blastline/internal/queue"
	"github.com/blastline/blastline/internal/risk"
)

// QuotaGate checks whether an account may start another campaign run.
// The campaign being started is named so that its own persisted row
// never counts against the limit when a crashed run is restarted.
type QuotaGate interface {
	Allow(ctx context.Context, accountID, campaignID string) error
}

// AllowAll is a QuotaGate that admits every start request.
type AllowAll struct{}

func (AllowAll) Allow(ctx context.Context, accountID, campaignID string) error {
	return nil
}

// StoreQuotaGate bounds the number of concurrently running campaigns
// per account, counting persisted running rows.
type StoreQuotaGate struct {
	Store     campaign.Store
	MaxActive int
}

func (g StoreQuotaGate) Allow(ctx context.Context, accountID, campaignID string) error {
	if g.MaxActive <= 0 {
		return nil
	}
	running, err := g.Store.List(ctx, campaign.ListFilter{
		AccountID: accountID,
		Status:    campaign.StatusRunning,
	})
	if err != nil {
		return err
	}
	active := 0
	for _, c := range running {
		if c.ID != campaignID {
			active++
		}
	}
	if active >= g.MaxActive {
		return fmt.Errorf("account has %d running campaigns (limit %d)", active, g.MaxActive)
	}
	return nil
}

// Config holds run loop tuning
type Config struct {
	BatchSize           int
	SendTimeout         time.Duration
	CheckTimeout        time.Duration
	IdleWait            time.Duration
	PauseWait           time.Duration
	HealthCheckEvery    int
	HealthCheckInterval time.Duration
	ProgressInterval    time.Duration
	RiskCacheTTL        time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 10 * time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 5 * time.Second
	}
	if c.PauseWait <= 0 {
		c.PauseWait = time.Second
	}
	if c.HealthCheckEvery <= 0 {
		c.HealthCheckEvery = 25
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Minute
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 10 * time.Second
	}
	if c.RiskCacheTTL <= 0 {
		c.RiskCacheTTL = 30 * time.Second
	}
}

// Options configures a new Engine
type Options struct {
	Store    campaign.Store
	Queue    queue.Queue
	Client   channel.Client
	Notifier notify.Notifier
	Pacer    *pacing.Controller
	Gate     QuotaGate
	Config   Config
	Logger   *slog.Logger
}

// Engine owns all live campaign runs. Control calls (Pause, Resume, Stop)
// only flip flags on the run's state; the run loop itself is the single
// writer of counters and of campaign status while the loop is alive.
type Engine struct {
	store    campaign.Store
	queue    queue.Queue
	client   channel.Client
	notifier notify.Notifier
	pacer    *pacing.Controller
	gate     QuotaGate
	cfg      Config
	logger   *slog.Logger

	riskCache *risk.Cache
	timers    *timerRegistry

	mu     sync.Mutex
	active map[string]*execState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine
func New(opts Options) *Engine {
	opts.Config.setDefaults()
	if opts.Notifier == nil {
		opts.Notifier = notify.NoOp{}
	}
	if opts.Pacer == nil {
		opts.Pacer = pacing.New()
	}
	if opts.Gate == nil {
		opts.Gate = AllowAll{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		store:     opts.Store,
		queue:     opts.Queue,
		client:    opts.Client,
		notifier:  opts.Notifier,
		pacer:     opts.Pacer,
		gate:      opts.Gate,
		cfg:       opts.Config,
		logger:    opts.Logger.With("component", "engine"),
		riskCache: risk.NewCache(opts.Config.RiskCacheTTL),
		timers:    newTimerRegistry(),
		active:    make(map[string]*execState),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches a run loop for the campaign. force restarts a campaign
// stuck in the error state and skips the channel health precondition.
func (e *Engine) Start(ctx context.Context, id string, force bool) error {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	if _, live := e.active[id]; live {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.mu.Unlock()

	switch {
	case c.Status.Terminal():
		return ErrTerminal
	case c.Status == campaign.StatusError && !force:
		return &ValidationError{Reason: "campaign halted on a fatal error, restart requires force"}
	}

	if c.TotalTasks == 0 {
		return &ValidationError{Reason: "campaign has no tasks"}
	}
	if c.Settings.QuietHours.Enabled && !c.Settings.QuietHours.Valid() {
		return &ValidationError{Reason: "invalid send window configuration"}
	}

	if err := e.gate.Allow(ctx, c.AccountID, c.ID); err != nil {
		return &PreconditionError{Reason: "account quota exceeded", Err: err}
	}

	if !force {
		hctx, cancel := context.WithTimeout(ctx, e.cfg.CheckTimeout)
		err := e.client.Healthy(hctx)
		cancel()
		if err != nil {
			return &PreconditionError{Reason: "channel unhealthy", Err: err}
		}
	}

	now := time.Now()
	if !pacing.SendAllowed(c.Settings.QuietHours, now) {
		// outside the send window: schedule instead of rejecting
		resumeAt := pacing.NextAllowedTime(c.Settings.QuietHours, now)
		if err := e.store.UpdateStatus(ctx, id, campaign.StatusPaused, "outside send window"); err != nil {
			return err
		}
		if err := e.store.SetResumeAt(ctx, id, &resumeAt); err != nil {
			return err
		}
		e.armResume(id, resumeAt)
		e.notifyStatus(c, campaign.StatusPaused, "scheduled: outside send window", &resumeAt)
		e.logger.Info("campaign start deferred to send window",
			"campaign_id", id,
			"resume_at", resumeAt)
		return nil
	}

	st := newExecState(c)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	if _, live := e.active[id]; live {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.active[id] = st
	e.mu.Unlock()

	e.timers.Disarm(id)

	if err := e.store.UpdateStatus(ctx, id, campaign.StatusRunning, ""); err != nil {
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
		return fmt.Errorf("failed to mark campaign running: %w", err)
	}
	if err := e.store.SetResumeAt(ctx, id, nil); err != nil {
		e.logger.Warn("failed to clear resume time", "campaign_id", id, "error", err)
	}

	metrics.IncCampaignsStarted()
	e.notifyStatus(c, campaign.StatusRunning, "", nil)

	e.wg.Add(1)
	go e.run(st)

	e.logger.Info("campaign started",
		"campaign_id", id,
		"account_id", c.AccountID,
		"total_tasks", st.total,
		"cursor", st.cursor,
		"force", force)
	return nil
}

// Pause suspends a run after the task in flight finishes. Pausing a
// campaign that is persisted as running but has no live loop (after a
// crash) updates the row directly.
func (e *Engine) Pause(ctx context.Context, id string) error {
	e.mu.Lock()
	st := e.active[id]
	e.mu.Unlock()

	if st != nil {
		if st.paused.Load() {
			return nil
		}
		st.paused.Store(true)
		if err := e.store.UpdateStatus(ctx, id, campaign.StatusPaused, "paused by operator"); err != nil {
			return err
		}
		c, err := e.store.Get(ctx, id)
		if err == nil {
			e.notifyStatus(c, campaign.StatusPaused, "paused by operator", nil)
		}
		e.logger.Info("campaign paused", "campaign_id", id)
		return nil
	}

	c, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case campaign.StatusPaused:
		return nil
	case campaign.StatusRunning:
		// stale row from a previous process
		if err := e.store.UpdateStatus(ctx, id, campaign.StatusPaused, "paused by operator"); err != nil {
			return err
		}
		e.notifyStatus(c, campaign.StatusPaused, "paused by operator", nil)
		return nil
	default:
		return ErrNotRunning
	}
}

// Resume clears a pause. For a campaign persisted as paused with no live
// loop it starts a fresh run loop instead.
func (e *Engine) Resume(ctx context.Context, id string) error {
	e.timers.Disarm(id)

	e.mu.Lock()
	st := e.active[id]
	e.mu.Unlock()

	if st != nil {
		if !st.paused.Load() {
			return nil
		}
		st.paused.Store(false)
		if err := e.store.UpdateStatus(ctx, id, campaign.StatusRunning, ""); err != nil {
			return err
		}
		if err := e.store.SetResumeAt(ctx, id, nil); err != nil {
			e.logger.Warn("failed to clear resume time", "campaign_id", id, "error", err)
		}
		c, err := e.store.Get(ctx, id)
		if err == nil {
			e.notifyStatus(c, campaign.StatusRunning, "resumed", nil)
		}
		e.logger.Info("campaign resumed", "campaign_id", id)
		return nil
	}

	c, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return ErrTerminal
	}
	switch c.Status {
	case campaign.StatusPaused, campaign.StatusRunning, campaign.StatusError:
		return e.Start(ctx, id, true)
	default:
		return ErrNotRunning
	}
}

// Stop requests a permanent halt. The run loop observes the flag at its
// next checkpoint, persists final counters and exits; a stopped campaign
// cannot be resumed.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.timers.Disarm(id)

	e.mu.Lock()
	st := e.active[id]
	e.mu.Unlock()

	if st != nil {
		st.requestStop()
		e.logger.Info("campaign stop requested", "campaign_id", id)
		return nil
	}

	c, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case campaign.StatusStopped:
		return nil
	case campaign.StatusCompleted, campaign.StatusFailed:
		return ErrTerminal
	default:
		if err := e.store.UpdateStatus(ctx, id, campaign.StatusStopped, "stopped by operator"); err != nil {
			return err
		}
		e.notifyStatus(c, campaign.StatusStopped, "stopped by operator", nil)
		return nil
	}
}

// Status describes a campaign run to API callers
type Status struct {
	Campaign      *campaign.Campaign `json:"campaign"`
	Live          bool               `json:"live"`
	Paused        bool               `json:"paused"`
	LastRecipient string             `json:"last_recipient,omitempty"`
	Queue         *queue.Stats       `json:"queue,omitempty"`
	ETA           *time.Time         `json:"eta,omitempty"`
}

// Status reports the persisted campaign plus live run info and an ETA
// estimate based on the configured delay midpoint.
func (e *Engine) Status(ctx context.Context, id string) (*Status, error) {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s := &Status{Campaign: c}

	e.mu.Lock()
	st := e.active[id]
	e.mu.Unlock()
	if st != nil {
		s.Live = true
		s.Paused = st.paused.Load()
		st.mu.Lock()
		s.LastRecipient = st.lastRecipient
		st.mu.Unlock()
	}

	stats, err := e.queue.Stats(ctx, id)
	if err == nil {
		s.Queue = stats
		if s.Live && !s.Paused && stats.Remaining > 0 {
			d := c.Settings.MessageDelay
			perTask := time.Duration(float64(d.MinSeconds+d.MaxSeconds)/2) * time.Second
			eta := time.Now().Add(time.Duration(stats.Remaining) * perTask)
			s.ETA = &eta
		}
	}

	return s, nil
}

// Assess runs (or reuses a cached) risk assessment for the campaign.
func (e *Engine) Assess(ctx context.Context, id string) (*risk.Assessment, error) {
	if a := e.riskCache.Get(id); a != nil {
		return a, nil
	}

	c, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	st := e.active[id]
	e.mu.Unlock()

	in := e.riskInput(ctx, c, st)
	a := risk.Assess(in)
	e.riskCache.Put(a)
	metrics.SetRiskScore(id, a.Score)
	return a, nil
}

// Recover reconciles persisted campaign state after a restart: running
// campaigns get their in-flight tasks requeued and a fresh loop, paused
// campaigns with a scheduled resume get their timer re-armed.
func (e *Engine) Recover(ctx context.Context) error {
	running, err := e.store.List(ctx, campaign.ListFilter{Status: campaign.StatusRunning})
	if err != nil {
		return fmt.Errorf("failed to list running campaigns: %w", err)
	}

	for _, c := range running {
		n, err := e.queue.ResetProcessing(ctx, c.ID)
		if err != nil {
			e.logger.Error("failed to requeue in-flight tasks",
				"campaign_id", c.ID,
				"error", err)
			continue
		}
		if n > 0 {
			e.logger.Info("requeued in-flight tasks", "campaign_id", c.ID, "count", n)
		}
		if err := e.Start(ctx, c.ID, true); err != nil {
			e.logger.Error("failed to restart campaign", "campaign_id", c.ID, "error", err)
		}
	}

	paused, err := e.store.List(ctx, campaign.ListFilter{Status: campaign.StatusPaused})
	if err != nil {
		return fmt.Errorf("failed to list paused campaigns: %w", err)
	}

	for _, c := range paused {
		if c.ResumeAt == nil {
			continue
		}
		e.armResume(c.ID, *c.ResumeAt)
		e.logger.Info("re-armed resume timer", "campaign_id", c.ID, "resume_at", *c.ResumeAt)
	}

	return nil
}

// Shutdown stops all run loops and waits for them to drain. Campaigns
// stay persisted as running or paused and are picked up by Recover on
// the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	n := len(e.active)
	e.mu.Unlock()

	e.logger.Info("engine shutting down", "active_campaigns", n)
	e.timers.DisarmAll()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) armResume(id string, at time.Time) {
	e.timers.Arm(id, time.Until(at), func() {
		ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
		defer cancel()
		if err := e.Resume(ctx, id); err != nil {
			e.logger.Error("scheduled resume failed", "campaign_id", id, "error", err)
		}
	})
}

func (e *Engine) riskInput(ctx context.Context, c *campaign.Campaign, st *execState) risk.Input {
	in := risk.Input{
		CampaignID: c.ID,
		Total:      c.TotalTasks,
		Sent:       c.Sent,
		Failed:     c.Failed,
		Skipped:    c.Skipped,
		QuietHours: c.Settings.QuietHours,
		Now:        time.Now(),
	}
	if st != nil {
		snap := st.snapshot()
		in.Total = st.total
		in.Sent = snap.sent
		in.Failed = snap.failed
		in.Skipped = snap.skipped
		in.ConsecutiveFailures = snap.consecutiveFailures
		in.FirstSentAt = snap.firstSentAt
		in.LastSentAt = snap.lastSentAt
		in.AvgConfirmMillis = snap.confirmAvgMillis
	}

	actx, cancel := context.WithTimeout(ctx, e.cfg.CheckTimeout)
	info, err := e.client.Account(actx)
	cancel()
	if err != nil {
		// no account signal available, score neutrally
		in.AccountAgeDays = 365
	} else {
		in.AccountAgeDays = info.AgeDays
		in.AccountStatus = info.Status
	}

	return in
}

func (e *Engine) notifyStatus(c *campaign.Campaign, status campaign.Status, reason string, resumeAt *time.Time) {
	ev := notify.StatusEvent{
		CampaignID: c.ID,
		AccountID:  c.AccountID,
		Status:     string(status),
		Reason:     reason,
		ResumeAt:   resumeAt,
		Timestamp:  time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.notifier.Status(ctx, ev); err != nil {
		e.logger.Warn("status notification failed", "campaign_id", c.ID, "error", err)
	}
}
