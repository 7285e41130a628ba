package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/blastline/blastline/internal/pacing"
)

// Factor weights, fixed by design
const (
	weightFailureRate = 0.35
	weightVelocity    = 0.25
	weightAccount     = 0.20
	weightPattern     = 0.10
	weightTime        = 0.10
)

// Assess computes a risk assessment from a campaign's live statistics and
// account metadata. Stateless per call.
func Assess(in Input) *Assessment {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	factors := []Factor{
		failureFactor(in),
		velocityFactor(in),
		accountFactor(in),
		patternFactor(in),
		timeFactor(in),
	}

	var weighted float64
	var criticals, highs int
	for _, f := range factors {
		weighted += f.Score * f.Weight
		for _, issue := range f.Issues {
			switch issue.Severity {
			case SeverityCritical:
				criticals++
			case SeverityHigh:
				highs++
			}
		}
	}

	score := int(math.Round(weighted))
	level := levelForScore(score)

	// A critical finding in any single factor outranks the weighted average;
	// a 55% failure rate is not "low" risk just because other factors are quiet.
	if criticals > 0 && level != LevelCritical {
		level = LevelCritical
	} else if highs > 0 && level != LevelCritical && level != LevelHigh {
		level = LevelHigh
	}

	a := &Assessment{
		CampaignID:      in.CampaignID,
		Timestamp:       in.Now,
		Score:           score,
		Level:           level,
		Factors:         factors,
		Recommendations: rankedRecommendations(factors),
	}
	a.Action, a.ActionReason = verdict(score, criticals)
	return a
}

// verdict escalates stop > pause > slow_down. Stop is reserved for the most
// severe combination so a recoverable campaign is not needlessly killed.
func verdict(score, criticals int) (Action, string) {
	switch {
	case score >= 90:
		return ActionStop, fmt.Sprintf("risk score %d at or above stop threshold", score)
	case criticals >= 2:
		return ActionStop, fmt.Sprintf("%d critical issues detected", criticals)
	case score >= 70:
		return ActionPause, fmt.Sprintf("risk score %d at or above pause threshold", score)
	case score >= 60:
		return ActionSlowDown, fmt.Sprintf("risk score %d warrants slower pacing", score)
	default:
		return ActionNone, ""
	}
}

func levelForScore(score int) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	case score >= 20:
		return LevelLow
	default:
		return LevelSafe
	}
}

func failureFactor(in Input) Factor {
	f := Factor{Name: "failure_rate", Weight: weightFailureRate}

	attempted := in.Sent + in.Failed
	var rate float64
	if attempted > 0 {
		rate = float64(in.Failed) / float64(attempted)
	}

	switch {
	case rate >= 0.5:
		f.Score = 100
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityCritical,
			Type:           "failure_rate",
			Message:        fmt.Sprintf("failure rate %.0f%% indicates likely delivery blocking", rate*100),
			Recommendation: "stop the campaign and verify the channel account",
		})
	case rate >= 0.3:
		f.Score = 80
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityHigh,
			Type:           "failure_rate",
			Message:        fmt.Sprintf("failure rate %.0f%% is far above normal", rate*100),
			Recommendation: "pause and review recipient list quality",
		})
	case rate >= 0.2:
		f.Score = 60
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityMedium,
			Type:           "failure_rate",
			Message:        fmt.Sprintf("failure rate %.0f%% is elevated", rate*100),
			Recommendation: "slow the send rate and monitor",
		})
	case rate >= 0.1:
		f.Score = 40
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityLow,
			Type:           "failure_rate",
			Message:        fmt.Sprintf("failure rate %.0f%% is above baseline", rate*100),
			Recommendation: "verify recipients before sending",
		})
	default:
		f.Score = rate * 200
	}

	// A failure streak is a stronger ban signal than the average rate and
	// escalates independently of it.
	switch {
	case in.ConsecutiveFailures >= 15:
		if f.Score < 95 {
			f.Score = 95
		}
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityCritical,
			Type:           "failure_streak",
			Message:        fmt.Sprintf("%d consecutive failures", in.ConsecutiveFailures),
			Recommendation: "stop immediately; the account may be restricted",
		})
	case in.ConsecutiveFailures >= 10:
		if f.Score < 60 {
			f.Score = 60
		}
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityHigh,
			Type:           "failure_streak",
			Message:        fmt.Sprintf("%d consecutive failures", in.ConsecutiveFailures),
			Recommendation: "pause and check channel connectivity",
		})
	}

	return f
}

// velocityCeiling is the recommended messages-per-minute ceiling for an
// account of the given age; younger accounts tolerate less
func velocityCeiling(ageDays int) float64 {
	switch {
	case ageDays < 3:
		return 2
	case ageDays < 7:
		return 4
	case ageDays < 30:
		return 8
	default:
		return 15
	}
}

func velocityFactor(in Input) Factor {
	f := Factor{Name: "send_velocity", Weight: weightVelocity}

	if in.Sent < 2 || in.LastSentAt.IsZero() || !in.LastSentAt.After(in.FirstSentAt) {
		return f
	}

	minutes := in.LastSentAt.Sub(in.FirstSentAt).Minutes()
	perMinute := float64(in.Sent) / minutes
	ceiling := velocityCeiling(in.AccountAgeDays)
	ratio := perMinute / ceiling

	switch {
	case ratio >= 2:
		f.Score = 100
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityCritical,
			Type:           "send_velocity",
			Message:        fmt.Sprintf("sending %.1f msg/min, over twice the %.0f msg/min ceiling", perMinute, ceiling),
			Recommendation: "stop and restart with much longer delays",
		})
	case ratio >= 1.5:
		f.Score = 75
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityHigh,
			Type:           "send_velocity",
			Message:        fmt.Sprintf("sending %.1f msg/min, well over the %.0f msg/min ceiling", perMinute, ceiling),
			Recommendation: "increase message delays",
		})
	case ratio >= 1:
		f.Score = 50
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityMedium,
			Type:           "send_velocity",
			Message:        fmt.Sprintf("sending %.1f msg/min, above the %.0f msg/min ceiling", perMinute, ceiling),
			Recommendation: "slow down slightly",
		})
	default:
		f.Score = ratio * 40
	}

	return f
}

func accountFactor(in Input) Factor {
	f := Factor{Name: "account", Weight: weightAccount}

	switch in.AccountStatus {
	case "banned", "restricted", "flagged":
		f.Score = 100
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityCritical,
			Type:           "account_status",
			Message:        fmt.Sprintf("account status is %q", in.AccountStatus),
			Recommendation: "stop all sending on this account",
		})
		return f
	}

	switch {
	case in.AccountAgeDays < 3:
		f.Score = 80
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityHigh,
			Type:           "account_age",
			Message:        fmt.Sprintf("account is only %d days old", in.AccountAgeDays),
			Recommendation: "warm the account up with very small batches first",
		})
	case in.AccountAgeDays < 7:
		f.Score = 55
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityMedium,
			Type:           "account_age",
			Message:        fmt.Sprintf("account is %d days old", in.AccountAgeDays),
			Recommendation: "keep volumes low for the first week",
		})
	case in.AccountAgeDays < 30:
		f.Score = 25
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityLow,
			Type:           "account_age",
			Message:        fmt.Sprintf("account is %d days old", in.AccountAgeDays),
			Recommendation: "ramp volume gradually over the first month",
		})
	}

	return f
}

// Confirmation latency thresholds (milliseconds); slow confirmations are a
// proxy for connection degradation
const (
	confirmSlowMillis     = 5000
	confirmVerySlowMillis = 10000
)

func patternFactor(in Input) Factor {
	f := Factor{Name: "message_pattern", Weight: weightPattern}

	switch {
	case in.AvgConfirmMillis >= confirmVerySlowMillis:
		f.Score = 70
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityMedium,
			Type:           "slow_confirmation",
			Message:        fmt.Sprintf("average delivery confirmation %.1fs", in.AvgConfirmMillis/1000),
			Recommendation: "check channel connection health",
		})
	case in.AvgConfirmMillis >= confirmSlowMillis:
		f.Score = 40
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityLow,
			Type:           "slow_confirmation",
			Message:        fmt.Sprintf("average delivery confirmation %.1fs", in.AvgConfirmMillis/1000),
			Recommendation: "monitor connection latency",
		})
	}

	return f
}

func timeFactor(in Input) Factor {
	f := Factor{Name: "time_of_day", Weight: weightTime}

	if in.QuietHours.Enabled && !pacing.SendAllowed(in.QuietHours, in.Now) {
		f.Score = 60
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityMedium,
			Type:           "outside_window",
			Message:        "sending outside the configured send window",
			Recommendation: "wait for the next allowed window",
		})
		return f
	}

	switch in.Now.Weekday() {
	case time.Saturday, time.Sunday:
		f.Score = 40
		f.Issues = append(f.Issues, Issue{
			Severity:       SeverityLow,
			Type:           "weekend_sending",
			Message:        "sending on a weekend",
			Recommendation: "prefer weekday sending windows",
		})
	}

	return f
}

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// rankedRecommendations returns deduplicated recommendations, most severe first
func rankedRecommendations(factors []Factor) []string {
	var issues []Issue
	for _, f := range factors {
		issues = append(issues, f.Issues...)
	}
	sort.SliceStable(issues, func(i, j int) bool {
		return severityRank[issues[i].Severity] < severityRank[issues[j].Severity]
	})

	seen := make(map[string]bool)
	var recs []string
	for _, issue := range issues {
		if issue.Recommendation == "" || seen[issue.Recommendation] {
			continue
		}
		seen[issue.Recommendation] = true
		recs = append(recs, issue.Recommendation)
	}
	return recs
}
