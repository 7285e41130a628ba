package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/blastline/blastline/internal/campaign"
)

// execState is the in-process state of one live run.
// Only the run loop mutates the plain fields; control calls touch
// the atomic flags and the stop channel.
type execState struct {
	id        string
	accountID string
	channelID string

	// total is frozen at start so the skip rules for the first and
	// last task stay stable while the run is in flight
	total int

	settings campaign.Settings
	slowed   bool

	paused   atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	// mu guards the counter fields below; the run loop is the only
	// writer, Status and Assess read snapshots
	mu sync.Mutex

	sent    int
	failed  int
	skipped int
	cursor  int

	sinceRest           int
	consecutiveFailures int
	processedSinceCheck int

	firstSentAt   time.Time
	lastSentAt    time.Time
	lastRecipient string

	// rolling average of provider confirm latency in milliseconds
	confirmAvgMillis float64
	confirmCount     int

	lastCheckAt    time.Time
	lastProgressAt time.Time
}

func newExecState(c *campaign.Campaign) *execState {
	return &execState{
		id:          c.ID,
		accountID:   c.AccountID,
		channelID:   c.ChannelID,
		total:       c.TotalTasks,
		settings:    c.Settings,
		stopCh:      make(chan struct{}),
		sent:        c.Sent,
		failed:      c.Failed,
		skipped:     c.Skipped,
		cursor:      c.Cursor,
		lastCheckAt: time.Now(),
	}
}

func (s *execState) requestStop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *execState) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *execState) advance() {
	s.mu.Lock()
	s.cursor++
	s.mu.Unlock()
	s.processedSinceCheck++
}

func (s *execState) processed() int {
	return s.sent + s.failed + s.skipped
}

func (s *execState) recordConfirm(ms float64) {
	s.confirmCount++
	s.confirmAvgMillis += (ms - s.confirmAvgMillis) / float64(s.confirmCount)
}

// counters is a read-only copy of the run's live statistics
type counters struct {
	sent                int
	failed              int
	skipped             int
	cursor              int
	consecutiveFailures int
	firstSentAt         time.Time
	lastSentAt          time.Time
	confirmAvgMillis    float64
}

func (s *execState) snapshot() counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return counters{
		sent:                s.sent,
		failed:              s.failed,
		skipped:             s.skipped,
		cursor:              s.cursor,
		consecutiveFailures: s.consecutiveFailures,
		firstSentAt:         s.firstSentAt,
		lastSentAt:          s.lastSentAt,
		confirmAvgMillis:    s.confirmAvgMillis,
	}
}

// dueForCheck reports whether the periodic health and risk check should run,
// either because enough tasks were processed or enough time passed.
func (s *execState) dueForCheck(every int, interval time.Duration) bool {
	if every > 0 && s.processedSinceCheck >= every {
		return true
	}
	return interval > 0 && time.Since(s.lastCheckAt) >= interval
}
