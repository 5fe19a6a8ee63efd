package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flaretrack/flaretrack/internal/models"
)

type sqliteDispatchRepo struct {
	db *sql.DB
}

// TryRecord gates the dispatch on the rule's idempotency window. The read of
// last_notified_at and the insert of the dispatch commit atomically in one
// immediate transaction; of two concurrent evaluations for the same
// (rule, group), exactly one records its decision.
func (r *sqliteDispatchRepo) TryRecord(ctx context.Context, d *models.NotificationDispatch, window time.Duration, now time.Time, force bool) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin dispatch record: %w", err)
	}
	defer tx.Rollback()

	var lastNotified sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT last_notified_at FROM notification_state WHERE rule_name = ? AND group_id = ?",
		d.RuleName, d.GroupID,
	).Scan(&lastNotified)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("read notification state: %w", err)
	}

	if !force && lastNotified.Valid {
		last := time.Unix(0, lastNotified.Int64)
		if now.Sub(last) < window {
			return false, nil
		}
	}

	channelsJSON, err := json.Marshal(d.Channels)
	if err != nil {
		return false, fmt.Errorf("marshal channels: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dispatches (id, rule_name, group_id, tenant_id, project_id,
			environment, reason, channels_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RuleName, d.GroupID, d.TenantID, d.ProjectID,
		d.Environment, d.Reason, string(channelsJSON),
		string(models.DispatchPending), now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("insert dispatch: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notification_state (rule_name, group_id, last_notified_at)
		VALUES (?, ?, ?)
		ON CONFLICT (rule_name, group_id) DO UPDATE SET last_notified_at = excluded.last_notified_at`,
		d.RuleName, d.GroupID, now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("record notification state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit dispatch record: %w", err)
	}

	d.Status = models.DispatchPending
	d.CreatedAt = now
	return true, nil
}

func (r *sqliteDispatchRepo) GetByID(ctx context.Context, id string) (*models.NotificationDispatch, error) {
	query := `
		SELECT id, rule_name, group_id, tenant_id, project_id, environment,
			reason, channels_json, status, created_at
		FROM dispatches WHERE id = ?
	`
	row := r.db.QueryRowContext(ctx, query, id)

	var (
		d            models.NotificationDispatch
		channelsJSON string
		status       string
		createdAt    int64
	)
	err := row.Scan(&d.ID, &d.RuleName, &d.GroupID, &d.TenantID, &d.ProjectID,
		&d.Environment, &d.Reason, &channelsJSON, &status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispatch: %w", err)
	}

	if err := json.Unmarshal([]byte(channelsJSON), &d.Channels); err != nil {
		return nil, fmt.Errorf("unmarshal channels: %w", err)
	}
	d.Status = models.DispatchStatus(status)
	d.CreatedAt = time.Unix(0, createdAt).UTC()
	return &d, nil
}

func (r *sqliteDispatchRepo) UpdateStatus(ctx context.Context, id string, status models.DispatchStatus) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE dispatches SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("update dispatch status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteDispatchRepo) AppendAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts (id, dispatch_id, channel, endpoint,
			attempt, outcome, error, attempted_at, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var nextRetry int64
	if !a.NextRetryAt.IsZero() {
		nextRetry = a.NextRetryAt.UnixNano()
	}
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.DispatchID, a.Channel, a.Endpoint,
		a.Attempt, string(a.Outcome), a.Error,
		a.AttemptedAt.UnixNano(), nextRetry,
	)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (r *sqliteDispatchRepo) ListAttempts(ctx context.Context, dispatchID string) ([]*models.DeliveryAttempt, error) {
	query := `
		SELECT id, dispatch_id, channel, endpoint, attempt, outcome, error,
			attempted_at, next_retry_at
		FROM delivery_attempts WHERE dispatch_id = ?
		ORDER BY attempted_at
	`
	rows, err := r.db.QueryContext(ctx, query, dispatchID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.DeliveryAttempt
	for rows.Next() {
		var (
			a           models.DeliveryAttempt
			outcome     string
			attemptedAt int64
			nextRetryAt int64
		)
		if err := rows.Scan(&a.ID, &a.DispatchID, &a.Channel, &a.Endpoint,
			&a.Attempt, &outcome, &a.Error, &attemptedAt, &nextRetryAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = models.AttemptOutcome(outcome)
		a.AttemptedAt = time.Unix(0, attemptedAt).UTC()
		if nextRetryAt > 0 {
			a.NextRetryAt = time.Unix(0, nextRetryAt).UTC()
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}
