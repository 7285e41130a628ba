package pacing

import (
	"math/rand"
	"sync"
	"time"

	"github.com/blastline/blastline/internal/campaign"
)

// RestCategory classifies a rest break by length
type RestCategory string

const (
	RestShort  RestCategory = "short"
	RestMedium RestCategory = "medium"
	RestLong   RestCategory = "long"
)

// Rest category bounds. Weighted 40/40/20 so break lengths are not a
// detectable fixed signature.
const (
	restShortMin  = 30 * time.Minute
	restShortMax  = 45 * time.Minute
	restMediumMin = 45 * time.Minute
	restMediumMax = 90 * time.Minute
	restLongMin   = 90 * time.Minute
	restLongMax   = 180 * time.Minute
)

// restThresholdJitter widens the configured rest threshold by up to ±20%
const restThresholdJitter = 0.2

// Controller draws pacing decisions from a seeded pseudo-random source so
// tests can pin the draws
type Controller struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a controller seeded from the current time
func New() *Controller {
	return NewWithSource(rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource creates a controller with an explicit random source
func NewWithSource(src rand.Source) *Controller {
	return &Controller{rnd: rand.New(src)}
}

// SendAllowed reports whether sending is permitted at t. Disabled or invalid
// quiet-hours config always allows (fail-open).
func SendAllowed(q campaign.QuietHours, t time.Time) bool {
	if !q.Enabled || !q.Valid() {
		return true
	}

	if q.ExcludeWeekends {
		switch t.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
	}

	hour := t.Hour()
	if !hourInWindow(hour, q.StartHour, q.EndHour) {
		return false
	}

	if q.LunchBreak && hourInWindow(hour, q.LunchStartHour, q.LunchEndHour) {
		return false
	}

	return true
}

// hourInWindow reports whether hour falls in [start, end); a start after end
// means the window wraps past midnight
func hourInWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// NextAllowedTime returns the next instant at or after t when sending becomes
// allowed, walking forward by day and skipping excluded weekdays
func NextAllowedTime(q campaign.QuietHours, t time.Time) time.Time {
	if SendAllowed(q, t) {
		return t
	}
	if !q.Enabled || !q.Valid() {
		return t
	}

	// In the lunch window, sending resumes the same day
	if q.LunchBreak && hourInWindow(t.Hour(), q.LunchStartHour, q.LunchEndHour) {
		candidate := time.Date(t.Year(), t.Month(), t.Day(), q.LunchEndHour, 0, 0, 0, t.Location())
		if candidate.After(t) && SendAllowed(q, candidate) {
			return candidate
		}
	}

	for day := 0; day <= 8; day++ {
		base := t.AddDate(0, 0, day)
		candidate := time.Date(base.Year(), base.Month(), base.Day(), q.StartHour, 0, 0, 0, t.Location())
		if candidate.Before(t) || candidate.Equal(t) {
			continue
		}
		if SendAllowed(q, candidate) {
			return candidate
		}
	}

	// Unreachable for valid configs; fail-open rather than stall forever
	return t
}

// MessageDelay draws a uniform delay in the configured message range
func (c *Controller) MessageDelay(s campaign.Settings) time.Duration {
	return c.rangeDelay(s.MessageDelay)
}

// ContactDelay draws a uniform delay in the configured inter-contact range.
// First/last task exemptions are the engine's call, not the controller's.
func (c *Controller) ContactDelay(s campaign.Settings) time.Duration {
	return c.rangeDelay(s.ContactDelay)
}

func (c *Controller) rangeDelay(r campaign.DelayRange) time.Duration {
	min, max := r.MinSeconds, r.MaxSeconds
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if max == min {
		return time.Duration(min) * time.Second
	}
	return time.Duration(min+c.rnd.Intn(max-min+1)) * time.Second
}

// RestDecision decides whether a rest break is due after sinceRest messages.
// The threshold is jittered ±20% per call and the duration category drawn
// by weight, because fixed periodic breaks are a detectable bot signature.
func (c *Controller) RestDecision(s campaign.Settings, sinceRest int) (bool, time.Duration, RestCategory) {
	if !s.Rest.Enabled || s.Rest.Threshold <= 0 {
		return false, 0, ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	jitter := 1 - restThresholdJitter + 2*restThresholdJitter*c.rnd.Float64()
	threshold := int(float64(s.Rest.Threshold) * jitter)
	if threshold < 1 {
		threshold = 1
	}
	if sinceRest < threshold {
		return false, 0, ""
	}

	var min, max time.Duration
	var cat RestCategory
	switch draw := c.rnd.Float64(); {
	case draw < 0.4:
		cat, min, max = RestShort, restShortMin, restShortMax
	case draw < 0.8:
		cat, min, max = RestMedium, restMediumMin, restMediumMax
	default:
		cat, min, max = RestLong, restLongMin, restLongMax
	}

	d := min + time.Duration(c.rnd.Int63n(int64(max-min)+1))
	return true, d, cat
}

// DailyCapReached draws the effective cap inside the configured range at
// decision time, so the cap is not predictable session to session. When
// reached it returns the resume time at the next allowed window.
func (c *Controller) DailyCapReached(s campaign.Settings, sentToday int, now time.Time) (bool, time.Time) {
	if !s.DailyCap.Enabled || s.DailyCap.Max <= 0 {
		return false, time.Time{}
	}

	min, max := s.DailyCap.Min, s.DailyCap.Max
	if min <= 0 || min > max {
		min = max
	}

	c.mu.Lock()
	limit := min
	if max > min {
		limit = min + c.rnd.Intn(max-min+1)
	}
	c.mu.Unlock()

	if sentToday < limit {
		return false, time.Time{}
	}

	return true, nextDayResume(s.QuietHours, now)
}

// nextDayResume is tomorrow's window start, or midnight when quiet hours are
// not configured
func nextDayResume(q campaign.QuietHours, now time.Time) time.Time {
	tomorrow := now.AddDate(0, 0, 1)
	if !q.Enabled || !q.Valid() {
		return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 0, 0, 0, 0, now.Location())
	}
	start := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), q.StartHour, 0, 0, 0, now.Location())
	return NextAllowedTime(q, start)
}

// SlowDown widens both delay ranges by 50%, the automatic throttle applied
// on an elevated risk verdict
func SlowDown(s campaign.Settings) campaign.Settings {
	s.MessageDelay = widen(s.MessageDelay)
	s.ContactDelay = widen(s.ContactDelay)
	return s
}

func widen(r campaign.DelayRange) campaign.DelayRange {
	r.MinSeconds = r.MinSeconds * 3 / 2
	r.MaxSeconds = r.MaxSeconds * 3 / 2
	return r
}
