// Package evaluate decides which notification rules fire for a processed
// occurrence and records dispatch decisions atomically against the
// idempotency state, so concurrent workers never double-notify.
package evaluate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flaretrack/flaretrack/internal/metrics"
	"github.com/flaretrack/flaretrack/internal/models"
	"github.com/flaretrack/flaretrack/internal/rules"
	"github.com/flaretrack/flaretrack/internal/storage"
)

// Reasons recorded on a dispatch.
const (
	ReasonNewGroup    = "new_group"
	ReasonRecurring   = "recurring"
	ReasonReactivated = "reactivated"
)

// Evaluator matches processed occurrences against the active rule set.
type Evaluator struct {
	dispatches storage.DispatchRepository
	ruleSet    *rules.RuleSet
	log        zerolog.Logger

	stats EvaluatorStats
}

// EvaluatorStats tracks evaluation counts using atomic operations for
// lock-free access.
type EvaluatorStats struct {
	Evaluated  atomic.Int64
	Dispatched atomic.Int64
	Suppressed atomic.Int64
}

// NewEvaluator creates an evaluator over the given rule set.
func NewEvaluator(dispatches storage.DispatchRepository, ruleSet *rules.RuleSet, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		dispatches: dispatches,
		ruleSet:    ruleSet,
		log:        logger.With().Str("component", "evaluator").Logger(),
	}
}

// Evaluate runs every active rule against the occurrence and its group
// upsert result. It returns the dispatches that passed the idempotency
// window and were durably recorded; the caller hands them to the delivery
// pipeline. Reactivations bypass an active window so regressions are never
// silenced by an earlier notification.
func (e *Evaluator) Evaluate(ctx context.Context, occ *models.ErrorOccurrence, res *models.UpsertResult) ([]*models.NotificationDispatch, error) {
	e.stats.Evaluated.Add(1)

	// An operator mute silences every rule for the group.
	if res.Group.Status == models.GroupMuted {
		return nil, nil
	}

	var out []*models.NotificationDispatch
	now := time.Now().UTC()

	for _, rule := range e.ruleSet.Snapshot() {
		if !rule.IsEnabled() {
			continue
		}
		if !rule.MatchesScope(occ.ProjectID, occ.Environment) {
			continue
		}

		reason, force := e.match(rule, res)
		if reason == "" {
			continue
		}

		d := &models.NotificationDispatch{
			ID:          uuid.New().String(),
			RuleName:    rule.Name,
			GroupID:     res.Group.ID,
			TenantID:    occ.TenantID,
			ProjectID:   occ.ProjectID,
			Environment: occ.Environment,
			Reason:      reason,
			Channels:    rule.Notify,
		}

		recorded, err := e.dispatches.TryRecord(ctx, d, rule.WindowDuration(), now, force)
		if err != nil {
			return out, fmt.Errorf("record dispatch for rule %q: %w", rule.Name, err)
		}
		if !recorded {
			e.stats.Suppressed.Add(1)
			metrics.SuppressionsTotal.WithLabelValues(rule.Name).Inc()
			e.log.Debug().
				Str("rule", rule.Name).
				Str("group_id", res.Group.ID).
				Msg("dispatch suppressed by idempotency window")
			continue
		}

		e.stats.Dispatched.Add(1)
		metrics.DispatchesTotal.WithLabelValues(rule.Name, reason).Inc()
		e.log.Info().
			Str("rule", rule.Name).
			Str("group_id", res.Group.ID).
			Str("reason", reason).
			Strs("channels", rule.Notify).
			Msg("notification dispatched")
		out = append(out, d)
	}

	return out, nil
}

// match returns the dispatch reason for the rule, or "" when the rule does
// not fire. force reports whether the idempotency window must be bypassed.
func (e *Evaluator) match(rule *rules.Rule, res *models.UpsertResult) (reason string, force bool) {
	switch rule.Trigger {
	case rules.TriggerNewGroup:
		if res.WasReactivated {
			// A regression reads like a new error to the on-call.
			return ReasonReactivated, true
		}
		if res.WasNew {
			return ReasonNewGroup, false
		}
	case rules.TriggerRecurring:
		if !res.WasNew && res.Group.OccurrenceCount >= int64(rule.Threshold) {
			return ReasonRecurring, false
		}
	}
	return "", false
}

// StatsSnapshot is a point-in-time copy of evaluator statistics.
type StatsSnapshot struct {
	Evaluated  int64
	Dispatched int64
	Suppressed int64
}

// Stats returns a snapshot of evaluator statistics.
func (e *Evaluator) Stats() StatsSnapshot {
	return StatsSnapshot{
		Evaluated:  e.stats.Evaluated.Load(),
		Dispatched: e.stats.Dispatched.Load(),
		Suppressed: e.stats.Suppressed.Load(),
	}
}
