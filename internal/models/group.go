package models

import "time"

// GroupStatus is the lifecycle state of an error group.
type GroupStatus string

const (
	// GroupActive means the group is receiving occurrences.
	GroupActive GroupStatus = "active"
	// GroupResolved means an operator marked the group fixed. A new
	// occurrence reactivates it.
	GroupResolved GroupStatus = "resolved"
	// GroupMuted means the group is silenced; occurrences still count.
	GroupMuted GroupStatus = "muted"
)

// ErrorGroup aggregates all occurrences sharing one fingerprint within a
// tenant/project/environment. Exactly one group exists per tuple.
type ErrorGroup struct {
	ID          string
	TenantID    string
	ProjectID   string
	Environment string
	Fingerprint string

	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	OccurrenceCount int64
	Status          GroupStatus

	// Sample fields captured from the first occurrence, for display
	// and notification payloads.
	ErrorType     string
	SampleMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertResult is the outcome of an atomic group upsert-and-increment.
type UpsertResult struct {
	Group *ErrorGroup
	// WasNew is true only on the transition where the count became 1.
	WasNew bool
	// WasReactivated is true when this occurrence moved the group from
	// resolved back to active.
	WasReactivated bool
}
