package ratelimit

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestConnectionLimiter_BurstThenLimit(t *testing.T) {
	limiter := New(Config{Burst: 10, PerSecond: 0.001}, zap.NewNop())

	allowed, limited := 0, 0
	for i := 0; i < 15; i++ {
		err := limiter.Allow("conn-1")
		switch {
		case err == nil:
			allowed++
		case errors.Is(err, ErrRateLimited):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if allowed != 10 {
		t.Fatalf("allowed = %d, want 10", allowed)
	}
	if limited != 5 {
		t.Fatalf("limited = %d, want 5", limited)
	}
}

func TestConnectionLimiter_ConnectionsAreIndependent(t *testing.T) {
	limiter := New(Config{Burst: 1, PerSecond: 0.001}, zap.NewNop())

	if err := limiter.Allow("conn-1"); err != nil {
		t.Fatalf("first event should pass: %v", err)
	}
	if err := limiter.Allow("conn-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got: %v", err)
	}

	// A different connection has its own bucket.
	if err := limiter.Allow("conn-2"); err != nil {
		t.Fatalf("other connection should pass: %v", err)
	}
}

func TestConnectionLimiter_RemoveResetsBucket(t *testing.T) {
	limiter := New(Config{Burst: 1, PerSecond: 0.001}, zap.NewNop())

	if err := limiter.Allow("conn-1"); err != nil {
		t.Fatalf("first event should pass: %v", err)
	}
	if err := limiter.Allow("conn-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got: %v", err)
	}

	limiter.Remove("conn-1")
	if limiter.Size() != 0 {
		t.Fatalf("size = %d after remove", limiter.Size())
	}

	// A reconnect under the same id starts fresh.
	if err := limiter.Allow("conn-1"); err != nil {
		t.Fatalf("fresh bucket should pass: %v", err)
	}
}

func TestConnectionLimiter_Defaults(t *testing.T) {
	limiter := New(Config{}, zap.NewNop())

	for i := 0; i < 10; i++ {
		if err := limiter.Allow("conn-1"); err != nil {
			t.Fatalf("event %d within default burst should pass: %v", i, err)
		}
	}
}
