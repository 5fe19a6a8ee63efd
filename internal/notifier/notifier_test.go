package notifier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/flaretrack/flaretrack/internal/rules"
)

func testNotification() *Notification {
	return &Notification{
		RuleName:        "new-errors-prod",
		Severity:        rules.SeverityHigh,
		Reason:          "new_group",
		GroupID:         "g-1",
		TenantID:        "acme",
		ProjectID:       "checkout",
		Environment:     "production",
		ErrorType:       "IOError",
		SampleMessage:   "connection refused",
		Fingerprint:     "abc123def456",
		OccurrenceCount: 7,
		FirstSeenAt:     time.Now().Add(-time.Hour),
		LastSeenAt:      time.Now(),
	}
}

type fakeChannel struct {
	name   string
	closed bool
}

func (f *fakeChannel) Name() string     { return f.name }
func (f *fakeChannel) Endpoint() string { return "fake://" + f.name }
func (f *fakeChannel) Send(ctx context.Context, n *Notification) error {
	return nil
}
func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	slack := &fakeChannel{name: "slack"}
	email := &fakeChannel{name: "email"}
	r.Register(slack)
	r.Register(email)

	got, ok := r.Get("slack")
	if !ok || got.Name() != "slack" {
		t.Errorf("Get(slack) = %v, %v", got, ok)
	}
	if _, ok := r.Get("pager"); ok {
		t.Error("unregistered channel must not be found")
	}
	if len(r.Names()) != 2 {
		t.Errorf("Names() = %v, want 2 entries", r.Names())
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !slack.closed || !email.closed {
		t.Error("Close must close every channel")
	}
}

func TestErrorClassification(t *testing.T) {
	transient := Transientf("status %d", 503)
	permanent := Permanentf("status %d", 400)

	if !IsTransient(transient) {
		t.Error("Transientf error must be transient")
	}
	if IsTransient(permanent) {
		t.Error("Permanentf error must not be transient")
	}

	// Wrapped classification survives.
	wrapped := fmt.Errorf("send failed: %w", permanent)
	if IsTransient(wrapped) {
		t.Error("wrapping must not lose the permanent classification")
	}

	// Unclassified errors default to transient.
	if !IsTransient(errors.New("connection reset")) {
		t.Error("unclassified error must default to transient")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status        int
		wantTransient bool
	}{
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{400, false},
		{403, false},
		{404, false},
		{410, false},
	}

	for _, tt := range tests {
		err := classifyStatus(tt.status, fmt.Errorf("status %d", tt.status))
		if got := IsTransient(err); got != tt.wantTransient {
			t.Errorf("status %d: transient = %v, want %v", tt.status, got, tt.wantTransient)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{PerMinute: 60, Burst: 2, Enabled: true})

	if !rl.Allow("slack") {
		t.Error("first send must be allowed")
	}
	if !rl.Allow("slack") {
		t.Error("burst capacity must allow a second send")
	}
	if rl.Allow("slack") {
		t.Error("third immediate send must be limited")
	}

	// Channels have independent buckets.
	if !rl.Allow("email") {
		t.Error("a different channel must have its own budget")
	}
}

func TestRateLimiterReserveDeferralKeepsTokens(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{PerMinute: 60, Burst: 1, Enabled: true})

	if d := rl.Reserve("slack"); d != 0 {
		t.Fatalf("first reserve delayed by %v, want immediate", d)
	}

	// A deferred caller polls Reserve until its delay elapses. Each poll
	// must release its reservation, otherwise the delay compounds and
	// throughput drifts below the configured rate.
	first := rl.Reserve("slack")
	if first <= 0 {
		t.Fatal("bucket exhausted, reserve must report a delay")
	}
	for i := 0; i < 5; i++ {
		d := rl.Reserve("slack")
		if d > first {
			t.Fatalf("poll %d delay grew to %v from %v; deferral is burning tokens", i, d, first)
		}
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{PerMinute: 1, Burst: 1, Enabled: false})

	for i := 0; i < 10; i++ {
		if !rl.Allow("slack") {
			t.Fatal("disabled limiter must always allow")
		}
	}
	if rl.Reserve("slack") != 0 {
		t.Error("disabled limiter must not delay")
	}
}
