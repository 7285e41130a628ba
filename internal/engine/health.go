package engine

import (
	"context"
	"fmt"
)

// A ban-rate above this, with a meaningful sample, means the channel
// account is likely flagged and continuing only burns it further.
const (
	banRateThreshold = 0.6
	banRateMinSample = 10
)

// checkHealth probes channel liveness and the recent failure ratio.
// A non-nil return halts the run in the error state.
func (e *Engine) checkHealth(ctx context.Context, st *execState) error {
	hctx, cancel := context.WithTimeout(ctx, e.cfg.CheckTimeout)
	err := e.client.Healthy(hctx)
	cancel()
	if err != nil {
		return fmt.Errorf("channel liveness check failed: %w", err)
	}

	snap := st.snapshot()
	attempts := snap.sent + snap.failed
	if attempts >= banRateMinSample {
		rate := float64(snap.failed) / float64(attempts)
		if rate > banRateThreshold {
			return fmt.Errorf("failure rate %.0f%% over %d attempts suggests the account is blocked",
				rate*100, attempts)
		}
	}

	return nil
}
