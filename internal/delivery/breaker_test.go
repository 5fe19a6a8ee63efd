package delivery

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := newBreaker("slack", BreakerConfig{Threshold: 3, Cooldown: time.Minute})
	now := time.Now()

	if !b.Allow(now) {
		t.Fatal("closed breaker must allow")
	}

	b.RecordFailure(now)
	b.RecordFailure(now)
	if b.State() != stateClosed {
		t.Error("breaker tripped below threshold")
	}
	if !b.Allow(now) {
		t.Error("breaker below threshold must still allow")
	}

	b.RecordFailure(now)
	if b.State() != stateOpen {
		t.Fatalf("state = %v, want open after %d failures", b.State(), 3)
	}
	if b.Allow(now) {
		t.Error("open breaker must block")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := newBreaker("slack", BreakerConfig{Threshold: 2, Cooldown: time.Minute})
	now := time.Now()

	b.RecordFailure(now)
	b.RecordSuccess()
	b.RecordFailure(now)

	if b.State() != stateClosed {
		t.Error("success must reset the consecutive failure count")
	}
}

func TestBreakerProbeAfterCooldown(t *testing.T) {
	b := newBreaker("slack", BreakerConfig{Threshold: 1, Cooldown: 100 * time.Millisecond})
	now := time.Now()

	b.RecordFailure(now)
	if b.Allow(now) {
		t.Fatal("breaker must open after a single failure with threshold 1")
	}

	// Before the cooldown: still blocked.
	if b.Allow(now.Add(50 * time.Millisecond)) {
		t.Error("breaker must block before the cooldown elapses")
	}

	// After the cooldown: exactly one probe.
	after := now.Add(150 * time.Millisecond)
	if !b.Allow(after) {
		t.Fatal("breaker must allow a probe after the cooldown")
	}
	if b.State() != stateHalfOpen {
		t.Errorf("state = %v, want half_open while probing", b.State())
	}
	if b.Allow(after) {
		t.Error("only one probe may pass while half open")
	}
}

func TestBreakerProbeOutcome(t *testing.T) {
	cfg := BreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond}
	now := time.Now()

	// Failed probe re-opens.
	b := newBreaker("slack", cfg)
	b.RecordFailure(now)
	after := now.Add(20 * time.Millisecond)
	if !b.Allow(after) {
		t.Fatal("probe must be allowed")
	}
	b.RecordFailure(after)
	if b.State() != stateOpen {
		t.Errorf("state after failed probe = %v, want open", b.State())
	}

	// Successful probe closes.
	b2 := newBreaker("slack", cfg)
	b2.RecordFailure(now)
	if !b2.Allow(after) {
		t.Fatal("probe must be allowed")
	}
	b2.RecordSuccess()
	if b2.State() != stateClosed {
		t.Errorf("state after successful probe = %v, want closed", b2.State())
	}
	if !b2.Allow(after) {
		t.Error("closed breaker must allow")
	}
}

func TestBreakerSetPerKey(t *testing.T) {
	s := NewBreakerSet(BreakerConfig{Threshold: 1, Cooldown: time.Minute})
	now := time.Now()

	s.Get("slack").RecordFailure(now)
	if s.Get("slack").Allow(now) {
		t.Error("tripped breaker must block its key")
	}
	if !s.Get("email").Allow(now) {
		t.Error("other keys must have independent breakers")
	}
}
