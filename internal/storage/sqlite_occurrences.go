package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flaretrack/flaretrack/internal/models"
)

type sqliteOccurrenceRepo struct {
	db *sql.DB
}

func (r *sqliteOccurrenceRepo) Create(ctx context.Context, occ *models.ErrorOccurrence) error {
	framesJSON, err := json.Marshal(occ.Frames)
	if err != nil {
		return fmt.Errorf("marshal frames: %w", err)
	}
	contextJSON, err := json.Marshal(occ.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	crumbsJSON, err := json.Marshal(occ.Crumbs)
	if err != nil {
		return fmt.Errorf("marshal breadcrumbs: %w", err)
	}

	query := `
		INSERT INTO occurrences (id, tenant_id, project_id, environment, error_type,
			message, frames_json, context_json, breadcrumbs_json, occurred_at,
			status, fail_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		occ.ID, occ.TenantID, occ.ProjectID, occ.Environment, occ.ErrorType,
		occ.Message, string(framesJSON), string(contextJSON), string(crumbsJSON),
		occ.Timestamp.UnixNano(), string(occ.Status), occ.FailReason,
		occ.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert occurrence: %w", err)
	}
	return nil
}

func (r *sqliteOccurrenceRepo) GetByID(ctx context.Context, id string) (*models.ErrorOccurrence, error) {
	query := `
		SELECT id, tenant_id, project_id, environment, error_type, message,
			frames_json, context_json, breadcrumbs_json, occurred_at,
			status, fail_reason, created_at
		FROM occurrences WHERE id = ?
	`
	row := r.db.QueryRowContext(ctx, query, id)

	var (
		occ         models.ErrorOccurrence
		framesJSON  string
		contextJSON string
		crumbsJSON  string
		occurredAt  int64
		status      string
		createdAt   int64
	)
	err := row.Scan(&occ.ID, &occ.TenantID, &occ.ProjectID, &occ.Environment,
		&occ.ErrorType, &occ.Message, &framesJSON, &contextJSON, &crumbsJSON,
		&occurredAt, &status, &occ.FailReason, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan occurrence: %w", err)
	}

	if err := json.Unmarshal([]byte(framesJSON), &occ.Frames); err != nil {
		return nil, fmt.Errorf("unmarshal frames: %w", err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &occ.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal([]byte(crumbsJSON), &occ.Crumbs); err != nil {
		return nil, fmt.Errorf("unmarshal breadcrumbs: %w", err)
	}

	occ.Timestamp = time.Unix(0, occurredAt).UTC()
	occ.Status = models.OccurrenceStatus(status)
	occ.CreatedAt = time.Unix(0, createdAt).UTC()
	return &occ, nil
}

// MarkProcessed is a conditional transition: only a pending occurrence moves
// to processed. Redelivered tasks for an already-processed occurrence see
// false and skip the pipeline.
func (r *sqliteOccurrenceRepo) MarkProcessed(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		"UPDATE occurrences SET status = ? WHERE id = ? AND status = ?",
		string(models.StatusProcessed), id, string(models.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *sqliteOccurrenceRepo) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE occurrences SET status = ?, fail_reason = ? WHERE id = ? AND status = ?",
		string(models.StatusFailed), reason, id, string(models.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (r *sqliteOccurrenceRepo) ListStalePending(ctx context.Context, before time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM occurrences
		WHERE status = ? AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query,
		string(models.StatusPending), before.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
