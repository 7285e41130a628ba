package risk

import (
	"sync"
	"time"

	"github.com/blastline/blastline/internal/campaign"
)

// Severity grades an individual issue
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Level grades the overall assessment
type Level string

const (
	LevelSafe     Level = "safe"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Action is the automatic throttling response to an assessment
type Action string

const (
	ActionNone     Action = "none"
	ActionSlowDown Action = "slow_down"
	ActionPause    Action = "pause"
	ActionStop     Action = "stop"
)

// Issue is one concrete finding inside a factor
type Issue struct {
	Severity       Severity `json:"severity"`
	Type           string   `json:"type"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// Factor is one weighted sub-score of the assessment
type Factor struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
	Issues []Issue `json:"issues,omitempty"`
}

// Assessment is the scored result of one risk evaluation
type Assessment struct {
	CampaignID      string    `json:"campaign_id"`
	Timestamp       time.Time `json:"timestamp"`
	Score           int       `json:"score"`
	Level           Level     `json:"level"`
	Factors         []Factor  `json:"factors"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Action          Action    `json:"action"`
	ActionReason    string    `json:"action_reason,omitempty"`
}

// Input carries the live statistics and account metadata one assessment
// needs; the scorer itself holds no state
type Input struct {
	CampaignID string

	Total   int
	Sent    int
	Failed  int
	Skipped int

	// ConsecutiveFailures is the current failure streak, a stronger ban
	// signal than the average rate
	ConsecutiveFailures int

	FirstSentAt time.Time
	LastSentAt  time.Time

	AccountAgeDays int
	AccountStatus  string

	// AvgConfirmMillis is the rolling average delivery confirmation time,
	// a proxy for connection degradation
	AvgConfirmMillis float64

	QuietHours campaign.QuietHours
	Now        time.Time
}

// Cache holds recent assessments per campaign so the engine can evaluate
// every loop iteration cheaply
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*Assessment
}

// NewCache creates a cache with the given entry lifetime
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{ttl: ttl, entries: make(map[string]*Assessment)}
}

// Get returns a fresh cached assessment, or nil
func (c *Cache) Get(campaignID string) *Assessment {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.entries[campaignID]
	if !ok || time.Since(a.Timestamp) > c.ttl {
		return nil
	}
	return a
}

// Put stores an assessment
func (c *Cache) Put(a *Assessment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[a.CampaignID] = a
}

// Drop removes a campaign's cached assessment
func (c *Cache) Drop(campaignID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, campaignID)
}
