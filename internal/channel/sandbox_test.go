package channel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSandboxSend(t *testing.T) {
	s := NewSandbox(SandboxOptions{})

	res, err := s.Send(context.Background(), "alice@example.com", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderID == "" {
		t.Error("expected a provider ID")
	}
	if res.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
}

func TestSandboxSendAlwaysFails(t *testing.T) {
	s := NewSandbox(SandboxOptions{FailureRate: 1.0})

	_, err := s.Send(context.Background(), "alice@example.com", "hello")
	if err == nil {
		t.Fatal("expected a simulated failure")
	}
	if Classify(err) != CategoryRateLimit {
		t.Errorf("expected rate_limit category, got %q", Classify(err))
	}
}

func TestSandboxSendCancelledDuringLatency(t *testing.T) {
	s := NewSandbox(SandboxOptions{Latency: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Send(ctx, "alice@example.com", "hello")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestSandboxCheckRecipient(t *testing.T) {
	s := NewSandbox(SandboxOptions{})

	ok, err := s.CheckRecipient(context.Background(), "alice@example.com")
	if err != nil || !ok {
		t.Errorf("expected valid recipient, got ok=%v err=%v", ok, err)
	}

	ok, err = s.CheckRecipient(context.Background(), "invalid-user@example.com")
	if err != nil || ok {
		t.Errorf("expected invalid recipient, got ok=%v err=%v", ok, err)
	}
}

func TestSandboxAccount(t *testing.T) {
	s := NewSandbox(SandboxOptions{AccountAge: 7})

	info, err := s.Account(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.AgeDays != 7 || info.Status != "active" {
		t.Errorf("unexpected account info %+v", info)
	}

	if err := s.Healthy(context.Background()); err != nil {
		t.Errorf("sandbox should always be healthy: %v", err)
	}
}
