package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blastline/blastline/internal/campaign"
	"github.com/blastline/blastline/internal/channel"
	"github.com/blastline/blastline/internal/metrics"
	"github.com/blastline/blastline/internal/notify"
	"github.com/blastline/blastline/internal/pacing"
	"github.com/blastline/blastline/internal/queue"
	"github.com/blastline/blastline/internal/risk"
)

// run is the single-writer loop for one campaign. It exits on completion,
// stop, a fatal error, or engine shutdown; a pause keeps the loop alive
// and waiting.
func (e *Engine) run(st *execState) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.active, st.id)
		e.mu.Unlock()
		e.riskCache.Drop(st.id)
	}()

	ctx := e.ctx
	logger := e.logger.With("campaign_id", st.id)
	firstTask := st.cursor == 0

	for {
		if st.stopRequested() {
			e.finishStopped(ctx, st, logger)
			return
		}
		if ctx.Err() != nil {
			logger.Info("run loop interrupted by shutdown",
				"sent", st.sent,
				"cursor", st.cursor)
			return
		}

		if st.paused.Load() {
			e.waitInterval(ctx, st, e.cfg.PauseWait)
			continue
		}

		if st.dueForCheck(e.cfg.HealthCheckEvery, e.cfg.HealthCheckInterval) {
			if halted := e.supervise(ctx, st, logger); halted {
				return
			}
			continue
		}

		now := time.Now()
		if !pacing.SendAllowed(st.settings.QuietHours, now) {
			e.deferToWindow(ctx, st, now, logger)
			continue
		}

		batch, err := e.queue.NextBatch(ctx, st.id, e.cfg.BatchSize)
		if err != nil {
			logger.Error("failed to fetch task batch", "error", err)
			e.waitInterval(ctx, st, e.cfg.IdleWait)
			continue
		}

		if len(batch) == 0 {
			stats, err := e.queue.Stats(ctx, st.id)
			if err != nil {
				logger.Error("failed to read queue stats", "error", err)
				e.waitInterval(ctx, st, e.cfg.IdleWait)
				continue
			}
			if stats.Remaining == 0 {
				e.finishCompleted(ctx, st, logger)
				return
			}
			e.waitInterval(ctx, st, e.cfg.IdleWait)
			continue
		}

		for _, task := range batch {
			if st.stopRequested() || st.paused.Load() || ctx.Err() != nil {
				break
			}

			// the very first task goes out immediately
			if !firstTask {
				d := e.pacer.MessageDelay(st.settings)
				metrics.ObservePacingWait("message", d.Seconds())
				if !e.waitInterval(ctx, st, d) {
					break
				}
			}
			firstTask = false

			if halted := e.processTask(ctx, st, task, logger); halted {
				return
			}

			if st.stopRequested() || st.paused.Load() || ctx.Err() != nil {
				break
			}

			if halted := e.afterSend(ctx, st, logger); halted {
				break
			}
		}
	}
}

// processTask drives one task through its lifecycle. The returned bool
// reports whether the whole run must halt.
func (e *Engine) processTask(ctx context.Context, st *execState, task *queue.Task, logger *slog.Logger) bool {
	if _, err := e.queue.MarkProcessing(ctx, task.ID); err != nil {
		logger.Error("failed to claim task", "task_id", task.ID, "error", err)
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CheckTimeout)
	exists, err := e.client.CheckRecipient(cctx, task.Recipient)
	cancel()
	if err != nil {
		// cannot determine, proceed with the send
		logger.Debug("recipient check inconclusive", "task_id", task.ID, "error", err)
	} else if !exists {
		if _, err := e.queue.MarkSkipped(ctx, task.ID, "recipient does not exist"); err != nil {
			logger.Error("failed to mark task skipped", "task_id", task.ID, "error", err)
		}
		st.mu.Lock()
		st.skipped++
		st.mu.Unlock()
		st.advance()
		metrics.IncMessagesSkipped(st.channelID)
		e.persistProgress(ctx, st, logger)
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	started := time.Now()
	res, err := e.client.Send(sctx, task.Recipient, task.Body)
	cancel()

	if err != nil {
		return e.handleSendFailure(ctx, st, task, err, logger)
	}

	providerID := ""
	if res != nil {
		providerID = res.ProviderID
	}
	if _, err := e.queue.MarkSent(ctx, task.ID, providerID); err != nil {
		logger.Error("failed to mark task sent", "task_id", task.ID, "error", err)
	}

	confirmed := time.Now()
	st.mu.Lock()
	st.sent++
	st.consecutiveFailures = 0
	if st.firstSentAt.IsZero() {
		st.firstSentAt = started
	}
	st.lastSentAt = confirmed
	st.lastRecipient = task.Recipient
	st.recordConfirm(float64(confirmed.Sub(started).Milliseconds()))
	st.mu.Unlock()
	st.sinceRest++
	st.advance()

	if _, err := e.store.AddDailySent(ctx, st.channelID, confirmed, 1); err != nil {
		logger.Error("failed to record daily counter", "channel_id", st.channelID, "error", err)
	}

	metrics.IncMessagesSent(st.channelID)
	e.persistProgress(ctx, st, logger)
	e.maybeNotifyProgress(ctx, st, logger)
	return false
}

func (e *Engine) handleSendFailure(ctx context.Context, st *execState, task *queue.Task, sendErr error, logger *slog.Logger) bool {
	cat := channel.Classify(sendErr)
	taskErr := &TaskError{TaskID: task.ID, Category: cat, Err: sendErr}

	if _, err := e.queue.MarkFailed(ctx, task.ID, sendErr.Error(), string(cat)); err != nil {
		logger.Error("failed to mark task failed", "task_id", task.ID, "error", err)
	}
	st.mu.Lock()
	st.failed++
	st.consecutiveFailures++
	streak := st.consecutiveFailures
	st.mu.Unlock()
	st.advance()
	metrics.IncMessagesFailed(st.channelID, string(cat))
	e.persistProgress(ctx, st, logger)

	if channel.Fatal(cat) {
		e.finishFatal(ctx, st, &FatalError{Category: cat, Err: sendErr}, logger)
		return true
	}

	logger.Warn("message send failed",
		"task_id", task.ID,
		"category", cat,
		"streak", streak,
		"error", taskErr)
	return false
}

// afterSend applies rest breaks, the daily cap and the inter-contact delay.
// The returned bool asks the caller to leave the batch loop (pause applied).
func (e *Engine) afterSend(ctx context.Context, st *execState, logger *slog.Logger) bool {
	if due, d, cat := e.pacer.RestDecision(st.settings, st.sinceRest); due {
		st.sinceRest = 0
		logger.Info("taking rest break",
			"category", cat,
			"duration", d,
			"sent", st.sent)
		metrics.IncRestBreaks(string(cat))
		metrics.ObservePacingWait("rest", d.Seconds())
		e.waitInterval(ctx, st, d)
		return false
	}

	now := time.Now()
	sentToday, err := e.store.DailySent(ctx, st.channelID, now)
	if err != nil {
		logger.Error("failed to read daily counter", "channel_id", st.channelID, "error", err)
	} else if reached, resumeAt := e.pacer.DailyCapReached(st.settings, sentToday, now); reached {
		e.pauseUntil(ctx, st, resumeAt, "daily send cap reached", logger)
		metrics.IncDailyCapHits(st.channelID)
		return true
	}

	// no inter-contact delay after the last task
	if st.cursor < st.total {
		d := e.pacer.ContactDelay(st.settings)
		metrics.ObservePacingWait("contact", d.Seconds())
		e.waitInterval(ctx, st, d)
	}
	return false
}

// supervise runs the periodic channel health probe and risk assessment,
// applying the automatic action. The returned bool halts the run.
func (e *Engine) supervise(ctx context.Context, st *execState, logger *slog.Logger) bool {
	st.lastCheckAt = time.Now()
	st.processedSinceCheck = 0

	if err := e.checkHealth(ctx, st); err != nil {
		e.finishFatal(ctx, st, &FatalError{Category: channel.CategoryConnection, Err: err}, logger)
		return true
	}

	c, err := e.store.Get(ctx, st.id)
	if err != nil {
		logger.Error("failed to load campaign for risk check", "error", err)
		return false
	}

	a := risk.Assess(e.riskInput(ctx, c, st))
	e.riskCache.Put(a)
	metrics.SetRiskScore(st.id, a.Score)
	e.notifyRisk(ctx, c, a, logger)

	switch a.Action {
	case risk.ActionStop:
		metrics.IncRiskAutoActions(string(a.Action))
		logger.Error("risk stop triggered",
			"score", a.Score,
			"level", a.Level,
			"reason", a.ActionReason)
		e.finishFatal(ctx, st, fmt.Errorf("risk assessment: %s", a.ActionReason), logger)
		return true

	case risk.ActionPause:
		metrics.IncRiskAutoActions(string(a.Action))
		logger.Warn("risk pause triggered",
			"score", a.Score,
			"level", a.Level,
			"reason", a.ActionReason)
		st.paused.Store(true)
		reason := "risk: " + a.ActionReason
		if err := e.store.UpdateStatus(ctx, st.id, campaign.StatusPaused, reason); err != nil {
			logger.Error("failed to persist risk pause", "error", err)
		}
		e.notifyStatus(c, campaign.StatusPaused, reason, nil)

	case risk.ActionSlowDown:
		if !st.slowed {
			metrics.IncRiskAutoActions(string(a.Action))
			logger.Warn("risk slow down applied",
				"score", a.Score,
				"level", a.Level)
			st.settings = pacing.SlowDown(st.settings)
			st.slowed = true
			c.Settings = st.settings
			if err := e.store.Update(ctx, c); err != nil {
				logger.Error("failed to persist slowed settings", "error", err)
			}
		}
	}

	return false
}

// deferToWindow pauses the run until the send window reopens
func (e *Engine) deferToWindow(ctx context.Context, st *execState, now time.Time, logger *slog.Logger) {
	resumeAt := pacing.NextAllowedTime(st.settings.QuietHours, now)
	e.pauseUntil(ctx, st, resumeAt, "outside send window", logger)
}

func (e *Engine) pauseUntil(ctx context.Context, st *execState, resumeAt time.Time, reason string, logger *slog.Logger) {
	st.paused.Store(true)
	if err := e.store.UpdateStatus(ctx, st.id, campaign.StatusPaused, reason); err != nil {
		logger.Error("failed to persist pause", "reason", reason, "error", err)
	}
	if err := e.store.SetResumeAt(ctx, st.id, &resumeAt); err != nil {
		logger.Error("failed to persist resume time", "error", err)
	}
	e.armResume(st.id, resumeAt)

	if c, err := e.store.Get(ctx, st.id); err == nil {
		e.notifyStatus(c, campaign.StatusPaused, reason, &resumeAt)
	}
	logger.Info("campaign paused",
		"reason", reason,
		"resume_at", resumeAt)
}

func (e *Engine) finishCompleted(ctx context.Context, st *execState, logger *slog.Logger) {
	e.persistProgress(ctx, st, logger)
	if err := e.store.UpdateStatus(ctx, st.id, campaign.StatusCompleted, ""); err != nil {
		logger.Error("failed to persist completion", "error", err)
	}
	metrics.IncCampaignsFinished(string(campaign.StatusCompleted))
	metrics.DropRiskScore(st.id)

	if c, err := e.store.Get(ctx, st.id); err == nil {
		e.notifyStatus(c, campaign.StatusCompleted, "", nil)
		e.notifyProgress(ctx, c, logger)
	}
	logger.Info("campaign completed",
		"processed", st.processed(),
		"sent", st.sent,
		"failed", st.failed,
		"skipped", st.skipped)
}

func (e *Engine) finishStopped(ctx context.Context, st *execState, logger *slog.Logger) {
	e.persistProgress(ctx, st, logger)
	if err := e.store.UpdateStatus(ctx, st.id, campaign.StatusStopped, "stopped by operator"); err != nil {
		logger.Error("failed to persist stop", "error", err)
	}
	metrics.IncCampaignsFinished(string(campaign.StatusStopped))
	metrics.DropRiskScore(st.id)

	if c, err := e.store.Get(ctx, st.id); err == nil {
		e.notifyStatus(c, campaign.StatusStopped, "stopped by operator", nil)
	}
	logger.Info("campaign stopped",
		"sent", st.sent,
		"cursor", st.cursor)
}

// finishFatal halts the run in the error state. Persistence failures here
// are logged and swallowed so error handling never recurses.
func (e *Engine) finishFatal(ctx context.Context, st *execState, cause error, logger *slog.Logger) {
	e.persistProgress(ctx, st, logger)
	if err := e.store.UpdateStatus(ctx, st.id, campaign.StatusError, cause.Error()); err != nil {
		logger.Error("failed to persist error state", "error", err)
	}
	metrics.IncCampaignsFinished(string(campaign.StatusError))

	if c, err := e.store.Get(ctx, st.id); err == nil {
		e.notifyStatus(c, campaign.StatusError, cause.Error(), nil)
	}

	var fatal *FatalError
	if errors.As(cause, &fatal) {
		logger.Error("campaign halted on fatal channel error",
			"category", fatal.Category,
			"sent", st.sent,
			"cursor", st.cursor,
			"error", fatal.Err)
		return
	}
	logger.Error("campaign halted",
		"sent", st.sent,
		"cursor", st.cursor,
		"error", cause)
}

func (e *Engine) persistProgress(ctx context.Context, st *execState, logger *slog.Logger) {
	snap := st.snapshot()
	err := e.store.UpdateCounters(ctx, st.id, snap.sent, snap.failed, snap.skipped, snap.cursor)
	if err != nil {
		logger.Error("failed to persist progress counters", "error", err)
	}
}

func (e *Engine) maybeNotifyProgress(ctx context.Context, st *execState, logger *slog.Logger) {
	if time.Since(st.lastProgressAt) < e.cfg.ProgressInterval {
		return
	}
	st.lastProgressAt = time.Now()

	c, err := e.store.Get(ctx, st.id)
	if err != nil {
		return
	}
	e.notifyProgress(ctx, c, logger)
}

func (e *Engine) notifyProgress(ctx context.Context, c *campaign.Campaign, logger *slog.Logger) {
	ev := notify.ProgressEvent{
		CampaignID: c.ID,
		AccountID:  c.AccountID,
		Status:     string(c.Status),
		Sent:       c.Sent,
		Failed:     c.Failed,
		Skipped:    c.Skipped,
		Total:      c.TotalTasks,
		Progress:   c.Progress(),
		Timestamp:  time.Now(),
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.notifier.Progress(nctx, ev); err != nil {
		logger.Debug("progress notification failed", "error", err)
	}
}

func (e *Engine) notifyRisk(ctx context.Context, c *campaign.Campaign, a *risk.Assessment, logger *slog.Logger) {
	ev := notify.RiskEvent{
		CampaignID: c.ID,
		AccountID:  c.AccountID,
		Score:      a.Score,
		Level:      string(a.Level),
		Action:     string(a.Action),
		Reason:     a.ActionReason,
		Timestamp:  time.Now(),
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.notifier.Risk(nctx, ev); err != nil {
		logger.Debug("risk notification failed", "error", err)
	}
}

// waitInterval sleeps for d, waking early on stop or shutdown. It returns
// false when interrupted.
func (e *Engine) waitInterval(ctx context.Context, st *execState, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && !st.stopRequested()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-st.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
