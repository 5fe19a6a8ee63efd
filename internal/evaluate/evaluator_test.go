package evaluate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/flaretrack/flaretrack/internal/models"
	"github.com/flaretrack/flaretrack/internal/rules"
	"github.com/flaretrack/flaretrack/internal/storage"
)

func testStorage(t *testing.T) storage.Storage {
	t.Helper()

	store := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "eval.db"))
	if err := store.Open(); err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func mustRule(t *testing.T, r *rules.Rule) *rules.Rule {
	t.Helper()
	if err := r.Validate(); err != nil {
		t.Fatalf("rule %q: %v", r.Name, err)
	}
	return r
}

func testOccurrence() *models.ErrorOccurrence {
	return &models.ErrorOccurrence{
		ID:          "occ-1",
		TenantID:    "acme",
		ProjectID:   "checkout",
		Environment: "production",
		ErrorType:   "IOError",
		Message:     "connection refused",
	}
}

func upsertResult(wasNew, reactivated bool, count int64) *models.UpsertResult {
	return &models.UpsertResult{
		Group: &models.ErrorGroup{
			ID:              "g-1",
			TenantID:        "acme",
			ProjectID:       "checkout",
			Environment:     "production",
			OccurrenceCount: count,
			Status:          models.GroupActive,
		},
		WasNew:         wasNew,
		WasReactivated: reactivated,
	}
}

func TestNewGroupTrigger(t *testing.T) {
	store := testStorage(t)
	rs := rules.NewRuleSet([]*rules.Rule{
		mustRule(t, &rules.Rule{
			Name:    "new-errors",
			Trigger: rules.TriggerNewGroup,
			Notify:  []string{"slack"},
		}),
	})
	ev := NewEvaluator(store.Dispatches(), rs, zerolog.Nop())
	ctx := context.Background()

	dispatches, err := ev.Evaluate(ctx, testOccurrence(), upsertResult(true, false, 1))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(dispatches) != 1 {
		t.Fatalf("got %d dispatches, want 1", len(dispatches))
	}
	if dispatches[0].Reason != ReasonNewGroup {
		t.Errorf("reason = %s, want new_group", dispatches[0].Reason)
	}
	if len(dispatches[0].Channels) != 1 || dispatches[0].Channels[0] != "slack" {
		t.Errorf("channels = %v, want [slack]", dispatches[0].Channels)
	}

	// A subsequent occurrence on the existing group does not fire.
	dispatches, err = ev.Evaluate(ctx, testOccurrence(), upsertResult(false, false, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(dispatches) != 0 {
		t.Errorf("existing group fired a new_group rule: %+v", dispatches)
	}
}

func TestRecurringTrigger(t *testing.T) {
	store := testStorage(t)
	rs := rules.NewRuleSet([]*rules.Rule{
		mustRule(t, &rules.Rule{
			Name:      "noisy",
			Trigger:   rules.TriggerRecurring,
			Threshold: 10,
			Notify:    []string{"email"},
		}),
	})
	ev := NewEvaluator(store.Dispatches(), rs, zerolog.Nop())
	ctx := context.Background()

	// Below the threshold: silent.
	dispatches, err := ev.Evaluate(ctx, testOccurrence(), upsertResult(false, false, 9))
	if err != nil {
		t.Fatal(err)
	}
	if len(dispatches) != 0 {
		t.Errorf("below-threshold group fired: %+v", dispatches)
	}

	// At the threshold: fires once.
	dispatches, err = ev.Evaluate(ctx, testOccurrence(), upsertResult(false, false, 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(dispatches) != 1 || dispatches[0].Reason != ReasonRecurring {
		t.Fatalf("dispatches = %+v, want one recurring", dispatches)
	}
}

func TestIdempotencyWindowSuppresses(t *testing.T) {
	store := testStorage(t)
	rs := rules.NewRuleSet([]*rules.Rule{
		mustRule(t, &rules.Rule{
			Name:              "noisy",
			Trigger:           rules.TriggerRecurring,
			Threshold:         5,
			Notify:            []string{"slack"},
			IdempotencyWindow: "1h",
		}),
	})
	ev := NewEvaluator(store.Dispatches(), rs, zerolog.Nop())
	ctx := context.Background()

	first, err := ev.Evaluate(ctx, testOccurrence(), upsertResult(false, false, 5))
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("first evaluation: got %d dispatches, want 1", len(first))
	}

	// Still over threshold moments later: suppressed by the window.
	second, err := ev.Evaluate(ctx, testOccurrence(), upsertResult(false, false, 6))
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Errorf("window did not suppress: %+v", second)
	}

	stats := ev.Stats()
	if stats.Dispatched != 1 || stats.Suppressed != 1 {
		t.Errorf("stats = %+v, want 1 dispatched 1 suppressed", stats)
	}
}

func TestReactivationBypassesWindow(t *testing.T) {
	store := testStorage(t)
	rs := rules.NewRuleSet([]*rules.Rule{
		mustRule(t, &rules.Rule{
			Name:              "new-errors",
			Trigger:           rules.TriggerNewGroup,
			Notify:            []string{"slack"},
			IdempotencyWindow: "24h",
		}),
	})
	ev := NewEvaluator(store.Dispatches(), rs, zerolog.Nop())
	ctx := context.Background()

	first, err := ev.Evaluate(ctx, testOccurrence(), upsertResult(true, false, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("new group did not fire")
	}

	// The group was resolved and regressed inside the window. The
	// regression must still notify.
	reactivated, err := ev.Evaluate(ctx, testOccurrence(), upsertResult(false, true, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(reactivated) != 1 {
		t.Fatal("reactivation was suppressed by the idempotency window")
	}
	if reactivated[0].Reason != ReasonReactivated {
		t.Errorf("reason = %s, want reactivated", reactivated[0].Reason)
	}
}

func TestScopeAndDisabledFiltering(t *testing.T) {
	store := testStorage(t)
	disabled := false
	rs := rules.NewRuleSet([]*rules.Rule{
		mustRule(t, &rules.Rule{
			Name:         "staging-only",
			Trigger:      rules.TriggerNewGroup,
			Environments: []string{"staging"},
			Notify:       []string{"slack"},
		}),
		mustRule(t, &rules.Rule{
			Name:    "turned-off",
			Trigger: rules.TriggerNewGroup,
			Notify:  []string{"slack"},
			Enabled: &disabled,
		}),
	})
	ev := NewEvaluator(store.Dispatches(), rs, zerolog.Nop())

	dispatches, err := ev.Evaluate(context.Background(), testOccurrence(), upsertResult(true, false, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(dispatches) != 0 {
		t.Errorf("out-of-scope or disabled rules fired: %+v", dispatches)
	}
}

func TestIndependentRuleWindows(t *testing.T) {
	store := testStorage(t)
	rs := rules.NewRuleSet([]*rules.Rule{
		mustRule(t, &rules.Rule{
			Name:    "r1",
			Trigger: rules.TriggerNewGroup,
			Notify:  []string{"slack"},
		}),
		mustRule(t, &rules.Rule{
			Name:    "r2",
			Trigger: rules.TriggerNewGroup,
			Notify:  []string{"email"},
		}),
	})
	ev := NewEvaluator(store.Dispatches(), rs, zerolog.Nop())

	dispatches, err := ev.Evaluate(context.Background(), testOccurrence(), upsertResult(true, false, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(dispatches) != 2 {
		t.Fatalf("got %d dispatches, want one per matching rule", len(dispatches))
	}

	seen := map[string]bool{}
	for _, d := range dispatches {
		seen[d.RuleName] = true
		if _, err := store.Dispatches().GetByID(context.Background(), d.ID); err != nil {
			t.Errorf("dispatch %s not persisted: %v", d.ID, err)
		}
	}
	if !seen["r1"] || !seen["r2"] {
		t.Errorf("rules fired = %v, want both", seen)
	}
}

func TestMutedGroupSuppressesAllRules(t *testing.T) {
	store := testStorage(t)
	rs := rules.NewRuleSet([]*rules.Rule{
		mustRule(t, &rules.Rule{
			Name:      "recurring",
			Trigger:   rules.TriggerRecurring,
			Threshold: 1,
			Notify:    []string{"slack"},
		}),
	})
	ev := NewEvaluator(store.Dispatches(), rs, zerolog.Nop())

	res := upsertResult(false, false, 10)
	res.Group.Status = models.GroupMuted

	dispatches, err := ev.Evaluate(context.Background(), testOccurrence(), res)
	if err != nil {
		t.Fatal(err)
	}
	if len(dispatches) != 0 {
		t.Errorf("muted group fired %d dispatches, want 0", len(dispatches))
	}
}
