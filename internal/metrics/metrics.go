package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Blastline
type Metrics struct {
	// Message counters
	MessagesSentTotal    *prometheus.CounterVec
	MessagesFailedTotal  *prometheus.CounterVec
	MessagesSkippedTotal *prometheus.CounterVec

	// Campaign gauges and counters
	CampaignsActive        prometheus.Gauge
	CampaignsStartedTotal  prometheus.Counter
	CampaignsFinishedTotal *prometheus.CounterVec

	// Queue gauges
	QueuePending    prometheus.Gauge
	QueueProcessing prometheus.Gauge

	// Risk metrics
	RiskScore            *prometheus.GaugeVec
	RiskAutoActionsTotal *prometheus.CounterVec

	// Pacing metrics
	PacingWaitSeconds *prometheus.HistogramVec
	RestBreaksTotal   *prometheus.CounterVec
	DailyCapHitsTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		// Message counters
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_messages_sent_total",
				Help: "Total number of successfully delivered messages",
			},
			[]string{"channel"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_messages_failed_total",
				Help: "Total number of failed messages",
			},
			[]string{"channel", "category"},
		),
		MessagesSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_messages_skipped_total",
				Help: "Total number of skipped messages",
			},
			[]string{"channel"},
		),

		// Campaign gauges and counters
		CampaignsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blastline_campaigns_active",
				Help: "Number of campaigns with a live run loop",
			},
		),
		CampaignsStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "blastline_campaigns_started_total",
				Help: "Total number of campaign run loops started",
			},
		),
		CampaignsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_campaigns_finished_total",
				Help: "Total number of campaign run loops finished",
			},
			[]string{"status"},
		),

		// Queue gauges
		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blastline_queue_pending",
				Help: "Number of pending tasks across all campaigns",
			},
		),
		QueueProcessing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blastline_queue_processing",
				Help: "Number of tasks currently being processed",
			},
		),

		// Risk metrics
		RiskScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blastline_risk_score",
				Help: "Latest composite risk score per campaign",
			},
			[]string{"campaign_id"},
		),
		RiskAutoActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_risk_auto_actions_total",
				Help: "Total number of automatic risk actions applied",
			},
			[]string{"action"},
		),

		// Pacing metrics
		PacingWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blastline_pacing_wait_seconds",
				Help:    "Pacing wait duration in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 2700, 5400, 10800},
			},
			[]string{"kind"},
		),
		RestBreaksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_rest_breaks_total",
				Help: "Total number of rest breaks taken",
			},
			[]string{"category"},
		),
		DailyCapHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_daily_cap_hits_total",
				Help: "Total number of daily cap pauses",
			},
			[]string{"channel"},
		),

		// API metrics
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blastline_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		// System metrics
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blastline_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blastline_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blastline_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	// Register all metrics
	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesSkippedTotal,
		m.CampaignsActive,
		m.CampaignsStartedTotal,
		m.CampaignsFinishedTotal,
		m.QueuePending,
		m.QueueProcessing,
		m.RiskScore,
		m.RiskAutoActionsTotal,
		m.PacingWaitSeconds,
		m.RestBreaksTotal,
		m.DailyCapHitsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(channel string) {
	m := Global()
	if m != nil {
		m.MessagesSentTotal.WithLabelValues(channel).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(channel, category string) {
	m := Global()
	if m != nil {
		m.MessagesFailedTotal.WithLabelValues(channel, category).Inc()
	}
}

// IncMessagesSkipped increments the skipped message counter
func IncMessagesSkipped(channel string) {
	m := Global()
	if m != nil {
		m.MessagesSkippedTotal.WithLabelValues(channel).Inc()
	}
}

// IncCampaignsStarted increments the started campaign counter and active gauge
func IncCampaignsStarted() {
	m := Global()
	if m != nil {
		m.CampaignsStartedTotal.Inc()
		m.CampaignsActive.Inc()
	}
}

// IncCampaignsFinished records a finished run loop and decrements the active gauge
func IncCampaignsFinished(status string) {
	m := Global()
	if m != nil {
		m.CampaignsFinishedTotal.WithLabelValues(status).Inc()
		m.CampaignsActive.Dec()
	}
}

// SetRiskScore records the latest risk score for a campaign
func SetRiskScore(campaignID string, score int) {
	m := Global()
	if m != nil {
		m.RiskScore.WithLabelValues(campaignID).Set(float64(score))
	}
}

// DropRiskScore removes the risk score series for a finished campaign
func DropRiskScore(campaignID string) {
	m := Global()
	if m != nil {
		m.RiskScore.DeleteLabelValues(campaignID)
	}
}

// IncRiskAutoActions increments the auto action counter
func IncRiskAutoActions(action string) {
	m := Global()
	if m != nil {
		m.RiskAutoActionsTotal.WithLabelValues(action).Inc()
	}
}

// ObservePacingWait records a pacing wait duration
func ObservePacingWait(kind string, seconds float64) {
	m := Global()
	if m != nil {
		m.PacingWaitSeconds.WithLabelValues(kind).Observe(seconds)
	}
}

// IncRestBreaks increments the rest break counter
func IncRestBreaks(category string) {
	m := Global()
	if m != nil {
		m.RestBreaksTotal.WithLabelValues(category).Inc()
	}
}

// IncDailyCapHits increments the daily cap counter
func IncDailyCapHits(channel string) {
	m := Global()
	if m != nil {
		m.DailyCapHitsTotal.WithLabelValues(channel).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
