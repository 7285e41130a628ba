package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func withGlobal(t *testing.T) *Metrics {
	t.Helper()

	m := New()
	SetGlobal(m)
	t.Cleanup(func() { SetGlobal(nil) })
	return m
}

func TestGlobalHelpers(t *testing.T) {
	m := withGlobal(t)

	IncMessagesSent("chan-1")
	IncMessagesSent("chan-1")
	IncMessagesFailed("chan-1", "rate_limit")
	IncMessagesSkipped("chan-1")

	if v := counterValue(t, m.MessagesSentTotal.WithLabelValues("chan-1")); v != 2 {
		t.Errorf("sent counter = %v, want 2", v)
	}
	if v := counterValue(t, m.MessagesFailedTotal.WithLabelValues("chan-1", "rate_limit")); v != 1 {
		t.Errorf("failed counter = %v, want 1", v)
	}
	if v := counterValue(t, m.MessagesSkippedTotal.WithLabelValues("chan-1")); v != 1 {
		t.Errorf("skipped counter = %v, want 1", v)
	}
}

func TestCampaignGaugeTracking(t *testing.T) {
	m := withGlobal(t)

	IncCampaignsStarted()
	IncCampaignsStarted()
	if v := gaugeValue(t, m.CampaignsActive); v != 2 {
		t.Errorf("active gauge = %v, want 2", v)
	}

	IncCampaignsFinished("completed")
	if v := gaugeValue(t, m.CampaignsActive); v != 1 {
		t.Errorf("active gauge = %v, want 1 after a finish", v)
	}
	if v := counterValue(t, m.CampaignsFinishedTotal.WithLabelValues("completed")); v != 1 {
		t.Errorf("finished counter = %v, want 1", v)
	}
}

func TestRiskScoreGauge(t *testing.T) {
	m := withGlobal(t)

	SetRiskScore("c1", 72)
	if v := gaugeValue(t, m.RiskScore.WithLabelValues("c1")); v != 72 {
		t.Errorf("risk gauge = %v, want 72", v)
	}

	// Drop removes the series entirely so finished campaigns do not linger
	DropRiskScore("c1")
	n, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, mf := range n {
		if mf.GetName() == "blastline_risk_score" && len(mf.GetMetric()) != 0 {
			t.Error("dropped risk series still present")
		}
	}
}

func TestHelpersAreNilSafe(t *testing.T) {
	SetGlobal(nil)

	// none of these may panic without a global registry
	IncMessagesSent("chan-1")
	IncMessagesFailed("chan-1", "unknown")
	IncMessagesSkipped("chan-1")
	IncCampaignsStarted()
	IncCampaignsFinished("stopped")
	SetRiskScore("c1", 10)
	DropRiskScore("c1")
	IncRiskAutoActions("pause")
	ObservePacingWait("rest", 120)
	IncRestBreaks("short")
	IncDailyCapHits("chan-1")
	IncAPIErrors("internal")
}

func TestHTTPMiddleware(t *testing.T) {
	m := withGlobal(t)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/3e7f1a9c-0000-4000-8000-123456789abc", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// outside a chi route the UUID segment collapses to a placeholder
	v := counterValue(t, m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns/{id}", "404"))
	if v != 1 {
		t.Errorf("request counter = %v, want 1", v)
	}
	if v := counterValue(t, m.APIErrorsTotal.WithLabelValues("not_found")); v != 1 {
		t.Errorf("error counter = %v, want 1", v)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/campaigns", "/api/v1/campaigns"},
		{"/api/v1/campaigns/3e7f1a9c-0000-4000-8000-123456789abc/start", "/api/v1/campaigns/{id}/start"},
		{"/api/v1/campaigns/not-a-uuid", "/api/v1/campaigns/not-a-uuid"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if got := normalizePath(r); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{500, "server_error"},
		{503, "server_error"},
		{429, "rate_limited"},
		{401, "auth_error"},
		{403, "auth_error"},
		{404, "not_found"},
		{400, "bad_request"},
		{422, "client_error"},
		{200, "unknown"},
	}

	for _, tt := range tests {
		if got := categorizeStatus(tt.status); got != tt.want {
			t.Errorf("categorizeStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
