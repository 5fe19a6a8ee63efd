// Package storage provides database storage interfaces and implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/flaretrack/flaretrack/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Storage is the main interface for database operations.
type Storage interface {
	// Open initializes the database connection.
	Open() error
	// Close closes the database connection.
	Close() error
	// Migrate runs database migrations.
	Migrate() error

	// Repository accessors
	Occurrences() OccurrenceRepository
	Groups() GroupRepository
	Dispatches() DispatchRepository
	DeadLetters() DeadLetterRepository
}

// OccurrenceRepository defines operations for raw error occurrences.
// Occurrences are immutable once stored except for the status field.
type OccurrenceRepository interface {
	Create(ctx context.Context, occ *models.ErrorOccurrence) error
	GetByID(ctx context.Context, id string) (*models.ErrorOccurrence, error)
	// MarkProcessed transitions pending -> processed. It returns false when
	// the occurrence was not pending, which makes queue redelivery a
	// detectable no-op.
	MarkProcessed(ctx context.Context, id string) (bool, error)
	// MarkFailed transitions pending -> failed with a reason.
	MarkFailed(ctx context.Context, id, reason string) error
	// ListStalePending returns ids of pending occurrences created before
	// the cutoff, for the reconciliation sweep.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// GroupKey is the unique tuple identifying an error group. Tenant scoping is
// structural: every group operation takes the full key, never a global query
// filtered afterwards.
type GroupKey struct {
	TenantID    string
	ProjectID   string
	Environment string
	Fingerprint string
}

// GroupRepository defines operations for error groups.
type GroupRepository interface {
	// UpsertAndIncrement atomically creates the group for the key with
	// count 1, or increments the counter and advances last_seen_at. A
	// resolved group is reactivated. Safe under unbounded concurrent
	// callers targeting the same key.
	UpsertAndIncrement(ctx context.Context, key GroupKey, occurredAt time.Time, errType, sampleMessage string) (*models.UpsertResult, error)
	GetByID(ctx context.Context, id string) (*models.ErrorGroup, error)
	List(ctx context.Context, tenantID, projectID, environment string, limit, offset int) ([]*models.ErrorGroup, error)
	// UpdateStatus sets the group lifecycle status (resolve/mute/unmute).
	UpdateStatus(ctx context.Context, id string, status models.GroupStatus) error
}

// DispatchRepository defines operations for notification dispatches and
// their delivery attempt history.
type DispatchRepository interface {
	// TryRecord atomically checks the idempotency window for the dispatch's
	// (rule, group) pair and records the dispatch when the window permits.
	// The window check and the decision are one transaction, so two
	// concurrent evaluations cannot both pass. force bypasses the window
	// (used for reactivation transitions). Returns false when suppressed.
	TryRecord(ctx context.Context, d *models.NotificationDispatch, window time.Duration, now time.Time, force bool) (bool, error)
	GetByID(ctx context.Context, id string) (*models.NotificationDispatch, error)
	UpdateStatus(ctx context.Context, id string, status models.DispatchStatus) error
	AppendAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	ListAttempts(ctx context.Context, dispatchID string) ([]*models.DeliveryAttempt, error)
}

// DeadLetterRepository defines operations for exhausted delivery chains.
// Entries are append-only; replay is an explicit operator action.
type DeadLetterRepository interface {
	Create(ctx context.Context, entry *models.DeadLetterEntry) error
	GetByID(ctx context.Context, id string) (*models.DeadLetterEntry, error)
	List(ctx context.Context, limit, offset int) ([]*models.DeadLetterEntry, int64, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}
