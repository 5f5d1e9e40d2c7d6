package circuitbreaker

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func tripBreaker(cb *CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_AllowsRequestsWhenClosed(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, BaseCooldown: 1 * time.Second}, testLogger())
	tripBreaker(cb, 3)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, BaseCooldown: 5 * time.Second}, testLogger())
	tripBreaker(cb, 2)
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, BaseCooldown: 50 * time.Millisecond}, testLogger())
	tripBreaker(cb, 2)
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("should allow probe after cooldown")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, BaseCooldown: 50 * time.Millisecond}, testLogger())
	tripBreaker(cb, 2)
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, BaseCooldown: 50 * time.Millisecond}, testLogger())
	tripBreaker(cb, 2)
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_CooldownDoublesOnFailedProbe(t *testing.T) {
	cb := New(Config{
		Name:         "test",
		MaxFailures:  2,
		BaseCooldown: 50 * time.Millisecond,
		MaxCooldown:  1 * time.Second,
	}, testLogger())

	tripBreaker(cb, 2)

	// First probe fails; cooldown should now be 100ms.
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	// 60ms is past the base cooldown but inside the doubled one.
	time.Sleep(60 * time.Millisecond)
	if cb.Allow() {
		t.Fatal("probe allowed before doubled cooldown elapsed")
	}

	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("probe should be allowed after doubled cooldown")
	}
}

func TestCircuitBreaker_CooldownCapped(t *testing.T) {
	cb := New(Config{
		Name:         "test",
		MaxFailures:  1,
		BaseCooldown: 40 * time.Millisecond,
		MaxCooldown:  80 * time.Millisecond,
	}, testLogger())

	tripBreaker(cb, 1)

	// Fail enough probes that uncapped doubling would exceed MaxCooldown.
	for i := 0; i < 4; i++ {
		time.Sleep(90 * time.Millisecond)
		if !cb.Allow() {
			t.Fatalf("probe %d should be allowed after max cooldown", i)
		}
		cb.RecordFailure()
	}

	time.Sleep(90 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("cooldown should be capped at MaxCooldown")
	}
}

func TestCircuitBreaker_SuccessfulProbeResetsCooldown(t *testing.T) {
	cb := New(Config{
		Name:         "test",
		MaxFailures:  1,
		BaseCooldown: 50 * time.Millisecond,
		MaxCooldown:  1 * time.Second,
	}, testLogger())

	tripBreaker(cb, 1)
	time.Sleep(60 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure() // cooldown now 100ms
	time.Sleep(110 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess() // closed, cooldown back to base

	tripBreaker(cb, 1)
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("cooldown should have reset to base after recovery")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3}, testLogger())
	tripBreaker(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	tripBreaker(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, BaseCooldown: 50 * time.Millisecond, HalfOpenMaxRequests: 1}, testLogger())
	tripBreaker(cb, 2)
	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("first half-open request should be allowed")
	}
	if cb.Allow() {
		t.Fatal("second half-open request should be rejected")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 2, BaseCooldown: 5 * time.Second}, testLogger())
	tripBreaker(cb, 2)
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := New(Config{Name: "stats-test", MaxFailures: 5, BaseCooldown: 5 * time.Second}, testLogger())
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()
	stats := cb.Stats()
	if stats.Name != "stats-test" {
		t.Fatalf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("total_requests = %d", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 2 {
		t.Fatalf("total_successes = %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Fatalf("total_failures = %d", stats.TotalFailures)
	}
}

func TestCircuitBreaker_StatsCooldownUntilWhenOpen(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, BaseCooldown: 5 * time.Second}, testLogger())
	tripBreaker(cb, 1)
	stats := cb.Stats()
	if stats.State != "open" {
		t.Fatalf("state = %s", stats.State)
	}
	if stats.CooldownUntil == "" {
		t.Fatal("expected cooldown_until while open")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(New(DefaultConfig("push"), testLogger()))
	reg.Register(New(DefaultConfig("email"), testLogger()))

	if reg.Get("push") == nil {
		t.Fatal("expected push breaker")
	}
	if reg.Get("missing") != nil {
		t.Fatal("expected nil for unknown breaker")
	}

	stats := reg.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats len = %d", len(stats))
	}
	if stats[0].Name != "email" || stats[1].Name != "push" {
		t.Fatalf("stats not sorted by name: %s, %s", stats[0].Name, stats[1].Name)
	}
}
