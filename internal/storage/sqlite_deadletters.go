package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flaretrack/flaretrack/internal/models"
)

type sqliteDeadLetterRepo struct {
	db *sql.DB
}

func (r *sqliteDeadLetterRepo) Create(ctx context.Context, entry *models.DeadLetterEntry) error {
	attemptsJSON, err := json.Marshal(entry.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}

	query := `
		INSERT INTO dead_letters (id, dispatch_id, channel, endpoint, reason,
			attempts_json, created_at, replayed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
	`
	_, err = r.db.ExecContext(ctx, query,
		entry.ID, entry.DispatchID, entry.Channel, entry.Endpoint, entry.Reason,
		string(attemptsJSON), entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (r *sqliteDeadLetterRepo) GetByID(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	query := `
		SELECT id, dispatch_id, channel, endpoint, reason, attempts_json,
			created_at, replayed_at
		FROM dead_letters WHERE id = ?
	`
	return scanDeadLetter(r.db.QueryRowContext(ctx, query, id))
}

func (r *sqliteDeadLetterRepo) List(ctx context.Context, limit, offset int) ([]*models.DeadLetterEntry, int64, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}

	query := `
		SELECT id, dispatch_id, channel, endpoint, reason, attempts_json,
			created_at, replayed_at
		FROM dead_letters ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*models.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}

func (r *sqliteDeadLetterRepo) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE dead_letters SET replayed_at = ? WHERE id = ?", at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDeadLetter(row scanner) (*models.DeadLetterEntry, error) {
	var (
		entry        models.DeadLetterEntry
		attemptsJSON string
		createdAt    int64
		replayedAt   sql.NullInt64
	)
	err := row.Scan(&entry.ID, &entry.DispatchID, &entry.Channel, &entry.Endpoint,
		&entry.Reason, &attemptsJSON, &createdAt, &replayedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}

	if err := json.Unmarshal([]byte(attemptsJSON), &entry.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	if replayedAt.Valid {
		t := time.Unix(0, replayedAt.Int64).UTC()
		entry.ReplayedAt = &t
	}
	return &entry, nil
}
