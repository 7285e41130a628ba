package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/blastline/blastline/internal/campaign"
)

func TestCheckHealthProbesChannel(t *testing.T) {
	client := newFakeClient()
	h := setupHarness(t, client, nil)
	st := newExecState(&campaign.Campaign{ID: "c1"})

	if err := h.engine.checkHealth(context.Background(), st); err != nil {
		t.Errorf("healthy channel reported unhealthy: %v", err)
	}

	client.mu.Lock()
	client.healthyErr = errors.New("session expired")
	client.mu.Unlock()

	if err := h.engine.checkHealth(context.Background(), st); err == nil {
		t.Error("dead channel reported healthy")
	}
}

func TestCheckHealthBanRate(t *testing.T) {
	h := setupHarness(t, newFakeClient(), nil)

	tests := []struct {
		name    string
		sent    int
		failed  int
		healthy bool
	}{
		{"clean run", 50, 0, true},
		{"moderate failures", 30, 20, true},
		{"high rate, tiny sample", 2, 7, true},
		{"high rate over threshold", 3, 7, false},
		{"everything failing", 0, 20, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newExecState(&campaign.Campaign{ID: "c1", Sent: tt.sent, Failed: tt.failed})
			err := h.engine.checkHealth(context.Background(), st)
			if tt.healthy && err != nil {
				t.Errorf("expected healthy, got %v", err)
			}
			if !tt.healthy && err == nil {
				t.Error("expected the ban-rate guard to trip")
			}
		})
	}
}
