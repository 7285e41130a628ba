package channel

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errDropped = errors.New("simulated provider throttle")

// Sandbox is a loopback Client for development and tests: it confirms
// sends without delivering anything, with optional simulated latency
// and failure injection.
type Sandbox struct {
	logger      *slog.Logger
	latency     time.Duration
	failureRate float64
	accountAge  int

	mu  sync.Mutex
	rnd *rand.Rand
}

// SandboxOptions configures the sandbox client
type SandboxOptions struct {
	Logger      *slog.Logger
	Latency     time.Duration
	FailureRate float64 // probability in [0,1) that a send fails
	AccountAge  int     // reported account age in days
}

// NewSandbox creates a sandbox client
func NewSandbox(opts SandboxOptions) *Sandbox {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AccountAge == 0 {
		opts.AccountAge = 365
	}

	return &Sandbox{
		logger:      opts.Logger.With("component", "sandbox_channel"),
		latency:     opts.Latency,
		failureRate: opts.FailureRate,
		accountAge:  opts.AccountAge,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Send confirms the message without delivering it
func (s *Sandbox) Send(ctx context.Context, recipient, body string) (*Result, error) {
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	fail := s.failureRate > 0 && s.rnd.Float64() < s.failureRate
	s.mu.Unlock()
	if fail {
		return nil, NewError(CategoryRateLimit, errDropped)
	}

	res := &Result{
		ProviderID: uuid.New().String(),
		Timestamp:  time.Now(),
	}
	s.logger.Debug("sandbox send",
		"recipient", recipient,
		"provider_id", res.ProviderID,
		"bytes", len(body))
	return res, nil
}

// CheckRecipient treats addresses containing "invalid" as nonexistent,
// which makes skip behavior easy to exercise by hand
func (s *Sandbox) CheckRecipient(ctx context.Context, recipient string) (bool, error) {
	return !strings.Contains(recipient, "invalid"), nil
}

// Healthy always reports a usable channel
func (s *Sandbox) Healthy(ctx context.Context) error {
	return nil
}

// Account reports a configurable, active account
func (s *Sandbox) Account(ctx context.Context) (*AccountInfo, error) {
	return &AccountInfo{AgeDays: s.accountAge, Status: "active"}, nil
}
