package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flaretrack/flaretrack/internal/models"
)

type sqliteGroupRepo struct {
	db *sql.DB
}

// UpsertAndIncrement creates or advances the group for the key in a single
// conditional insert-or-update. The prior-status read and the upsert run in
// one immediate transaction, so concurrent callers targeting the same key
// serialize and no increment is lost.
func (r *sqliteGroupRepo) UpsertAndIncrement(ctx context.Context, key GroupKey, occurredAt time.Time, errType, sampleMessage string) (*models.UpsertResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var prevStatus sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM error_groups
		 WHERE tenant_id = ? AND project_id = ? AND environment = ? AND fingerprint = ?`,
		key.TenantID, key.ProjectID, key.Environment, key.Fingerprint,
	).Scan(&prevStatus)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read prior status: %w", err)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO error_groups (id, tenant_id, project_id, environment, fingerprint,
			first_seen_at, last_seen_at, occurrence_count, status,
			error_type, sample_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 'active', ?, ?, ?, ?)
		ON CONFLICT (tenant_id, project_id, environment, fingerprint) DO UPDATE SET
			occurrence_count = occurrence_count + 1,
			last_seen_at = MAX(last_seen_at, excluded.last_seen_at),
			status = CASE WHEN status = 'resolved' THEN 'active' ELSE status END,
			updated_at = excluded.updated_at
		RETURNING id, first_seen_at, last_seen_at, occurrence_count, status, created_at
	`
	var (
		g           models.ErrorGroup
		firstSeen   int64
		lastSeen    int64
		status      string
		createdAt   int64
	)
	err = tx.QueryRowContext(ctx, query,
		uuid.New().String(), key.TenantID, key.ProjectID, key.Environment, key.Fingerprint,
		occurredAt.UnixNano(), occurredAt.UnixNano(),
		errType, sampleMessage, now.UnixNano(), now.UnixNano(),
	).Scan(&g.ID, &firstSeen, &lastSeen, &g.OccurrenceCount, &status, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("upsert group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}

	g.TenantID = key.TenantID
	g.ProjectID = key.ProjectID
	g.Environment = key.Environment
	g.Fingerprint = key.Fingerprint
	g.FirstSeenAt = time.Unix(0, firstSeen).UTC()
	g.LastSeenAt = time.Unix(0, lastSeen).UTC()
	g.Status = models.GroupStatus(status)
	g.ErrorType = errType
	g.SampleMessage = sampleMessage
	g.CreatedAt = time.Unix(0, createdAt).UTC()
	g.UpdatedAt = now

	return &models.UpsertResult{
		Group:          &g,
		WasNew:         g.OccurrenceCount == 1,
		WasReactivated: prevStatus.Valid && prevStatus.String == string(models.GroupResolved) && g.Status == models.GroupActive,
	}, nil
}

func (r *sqliteGroupRepo) GetByID(ctx context.Context, id string) (*models.ErrorGroup, error) {
	query := `
		SELECT id, tenant_id, project_id, environment, fingerprint,
			first_seen_at, last_seen_at, occurrence_count, status,
			error_type, sample_message, created_at, updated_at
		FROM error_groups WHERE id = ?
	`
	return scanGroup(r.db.QueryRowContext(ctx, query, id))
}

// List returns groups for a tenant, newest activity first. projectID and
// environment narrow the listing when non-empty.
func (r *sqliteGroupRepo) List(ctx context.Context, tenantID, projectID, environment string, limit, offset int) ([]*models.ErrorGroup, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, tenant_id, project_id, environment, fingerprint,
			first_seen_at, last_seen_at, occurrence_count, status,
			error_type, sample_message, created_at, updated_at
		FROM error_groups
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	if environment != "" {
		query += " AND environment = ?"
		args = append(args, environment)
	}
	query += " ORDER BY last_seen_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []*models.ErrorGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *sqliteGroupRepo) UpdateStatus(ctx context.Context, id string, status models.GroupStatus) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE error_groups SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("update group status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row scanner) (*models.ErrorGroup, error) {
	var (
		g         models.ErrorGroup
		firstSeen int64
		lastSeen  int64
		status    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&g.ID, &g.TenantID, &g.ProjectID, &g.Environment, &g.Fingerprint,
		&firstSeen, &lastSeen, &g.OccurrenceCount, &status,
		&g.ErrorType, &g.SampleMessage, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}

	g.FirstSeenAt = time.Unix(0, firstSeen).UTC()
	g.LastSeenAt = time.Unix(0, lastSeen).UTC()
	g.Status = models.GroupStatus(status)
	g.CreatedAt = time.Unix(0, createdAt).UTC()
	g.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &g, nil
}
