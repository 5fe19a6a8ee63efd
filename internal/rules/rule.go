// Package rules provides the notification rule model and YAML loader.
// Rules decide which error groups are worth notifying about and over
// which channels, with per-rule idempotency windows to bound noise.
package rules

import (
	"fmt"
	"time"
)

// Trigger defines what kind of group event a rule fires on.
type Trigger string

const (
	// TriggerNewGroup fires when an occurrence creates a brand-new group.
	TriggerNewGroup Trigger = "new_group"
	// TriggerRecurring fires when an existing group keeps accumulating
	// occurrences past the rule's threshold.
	TriggerRecurring Trigger = "recurring"
)

// Severity represents the severity level attached to a notification.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity converts a string to Severity.
func ParseSeverity(s string) Severity {
	switch s {
	case "low", "LOW":
		return SeverityLow
	case "medium", "MEDIUM":
		return SeverityMedium
	case "high", "HIGH":
		return SeverityHigh
	case "critical", "CRITICAL":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// Rule represents a single notification rule.
type Rule struct {
	// Name is the unique identifier for the rule.
	Name string `yaml:"name"`
	// Description provides details about what the rule covers.
	Description string `yaml:"description,omitempty"`
	// Trigger is either "new_group" or "recurring".
	Trigger Trigger `yaml:"trigger"`
	// Projects filters which project IDs the rule applies to. Empty
	// means all projects.
	Projects []string `yaml:"projects,omitempty"`
	// Environments filters which environments the rule applies to.
	// Empty means all environments.
	Environments []string `yaml:"environments,omitempty"`
	// Threshold is the occurrence count a group must reach before a
	// recurring rule fires.
	Threshold int `yaml:"threshold,omitempty"`
	// Severity indicates the importance of the notification.
	Severity Severity `yaml:"severity"`
	// Notify lists the notification channels to use.
	Notify []string `yaml:"notify"`
	// IdempotencyWindow is the minimum time between notifications for
	// the same (rule, group) pair, e.g. "1h".
	IdempotencyWindow string `yaml:"idempotency_window,omitempty"`
	// Enabled controls whether the rule is active.
	Enabled *bool `yaml:"enabled,omitempty"`

	// windowDuration is the parsed idempotency window (internal use).
	windowDuration time.Duration
}

// RulesConfig is the top-level structure of a rules YAML file.
type RulesConfig struct {
	Rules []*Rule `yaml:"rules"`
}

// DefaultIdempotencyWindow gates rules that do not set their own window.
const DefaultIdempotencyWindow = time.Hour

// IsEnabled returns whether the rule is enabled.
func (r *Rule) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// Validate validates and compiles the rule configuration.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}

	if r.Trigger == "" {
		return fmt.Errorf("trigger is required for rule %q", r.Name)
	}
	if r.Trigger != TriggerNewGroup && r.Trigger != TriggerRecurring {
		return fmt.Errorf("invalid trigger %q for rule %q", r.Trigger, r.Name)
	}

	if r.Trigger == TriggerRecurring && r.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive for recurring rule %q", r.Name)
	}

	if len(r.Notify) == 0 {
		return fmt.Errorf("at least one notify channel is required for rule %q", r.Name)
	}

	if r.IdempotencyWindow != "" {
		d, err := time.ParseDuration(r.IdempotencyWindow)
		if err != nil {
			return fmt.Errorf("invalid idempotency_window %q for rule %q: %w", r.IdempotencyWindow, r.Name, err)
		}
		if d <= 0 {
			return fmt.Errorf("idempotency_window must be positive for rule %q", r.Name)
		}
		r.windowDuration = d
	} else {
		r.windowDuration = DefaultIdempotencyWindow
	}

	if r.Severity == "" {
		r.Severity = SeverityMedium
	}

	return nil
}

// WindowDuration returns the parsed idempotency window.
func (r *Rule) WindowDuration() time.Duration {
	return r.windowDuration
}

// MatchesScope checks whether the rule applies to the given project and
// environment.
func (r *Rule) MatchesScope(projectID, environment string) bool {
	if len(r.Projects) > 0 && !contains(r.Projects, projectID) {
		return false
	}
	if len(r.Environments) > 0 && !contains(r.Environments, environment) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
