package models

import "time"

// DispatchStatus is the lifecycle state of a notification dispatch chain.
type DispatchStatus string

const (
	// DispatchPending means delivery has not yet concluded.
	DispatchPending DispatchStatus = "pending"
	// DispatchDelivered means every fanned-out chain concluded with success.
	DispatchDelivered DispatchStatus = "delivered"
	// DispatchDeadLettered means at least one chain exhausted its budget.
	DispatchDeadLettered DispatchStatus = "dead_lettered"
)

// NotificationDispatch records one evaluated decision to notify for a
// (rule, group) pair. At most one dispatch is initiated per pair within the
// rule's idempotency window.
type NotificationDispatch struct {
	ID       string
	RuleName string
	GroupID  string

	TenantID    string
	ProjectID   string
	Environment string

	// Reason is what made the rule match: "new_group", "recurring" or
	// "reactivated".
	Reason    string
	Channels  []string
	Status    DispatchStatus
	CreatedAt time.Time
}

// AttemptOutcome classifies one delivery attempt.
type AttemptOutcome string

const (
	OutcomeSuccess          AttemptOutcome = "success"
	OutcomeTransientFailure AttemptOutcome = "transient_failure"
	OutcomePermanentFailure AttemptOutcome = "permanent_failure"
)

// DeliveryAttempt is one try of sending a dispatch over one channel.
type DeliveryAttempt struct {
	ID          string
	DispatchID  string
	Channel     string
	Endpoint    string
	Attempt     int
	Outcome     AttemptOutcome
	Error       string
	AttemptedAt time.Time
	NextRetryAt time.Time
}

// DeadLetterEntry is an append-only record of an exhausted delivery chain,
// kept for manual operator replay.
type DeadLetterEntry struct {
	ID         string
	DispatchID string
	Channel    string
	Endpoint   string
	Reason     string
	// Attempts is the full failure history of the chain.
	Attempts   []DeliveryAttempt
	CreatedAt  time.Time
	ReplayedAt *time.Time
}
