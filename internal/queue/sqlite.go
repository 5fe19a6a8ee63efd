package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteQueue implements TaskQueue on top of the queue_tasks table in the
// primary store. Claiming runs in an immediate transaction, so with the
// single-writer connection a task is handed to exactly one consumer per
// lease period.
type SQLiteQueue struct {
	db         *sql.DB
	visibility time.Duration
}

// NewSQLiteQueue wraps the given database handle. visibility is how long a
// dequeued task stays invisible before it is considered abandoned.
func NewSQLiteQueue(db *sql.DB, visibility time.Duration) *SQLiteQueue {
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	return &SQLiteQueue{db: db, visibility: visibility}
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, occurrenceID string) error {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, occurrence_id, enqueued_at, available_at, lease_expires_at, attempts)
		VALUES (?, ?, ?, ?, NULL, 0)`,
		uuid.New().String(), occurrenceID, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var (
		task       Task
		enqueuedNs int64
		expiredNs  sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, occurrence_id, enqueued_at, attempts, lease_expires_at
		FROM queue_tasks
		WHERE available_at <= ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		ORDER BY enqueued_at ASC
		LIMIT 1`,
		now.UnixNano(), now.UnixNano(),
	).Scan(&task.ID, &task.OccurrenceID, &enqueuedNs, &task.Attempts, &expiredNs)
	if err == sql.ErrNoRows {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}

	// A non-NULL expired lease means the previous consumer vanished
	// mid-processing; that delivery still counts against the task, or a
	// worker crashing on a poison task would redeliver it forever.
	attempts := task.Attempts
	if expiredNs.Valid {
		attempts++
	}

	lease := now.Add(q.visibility)
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_tasks SET lease_expires_at = ?, attempts = ? WHERE id = ?`,
		lease.UnixNano(), attempts, task.ID,
	); err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	task.Attempts = attempts

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}

	task.EnqueuedAt = time.Unix(0, enqueuedNs).UTC()
	return &task, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, taskID string) error {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE id = ?`, taskID,
	); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Nack(ctx context.Context, taskID string, delay time.Duration) error {
	availableAt := time.Now().UTC().Add(delay)
	if _, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET lease_expires_at = NULL, available_at = ?, attempts = attempts + 1
		WHERE id = ?`,
		availableAt.UnixNano(), taskID,
	); err != nil {
		return fmt.Errorf("nack task: %w", err)
	}
	return nil
}

func (q *SQLiteQueue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_tasks`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// HasPending reports whether a task for the given occurrence already sits in
// the queue. The reconciliation sweeper uses it to avoid duplicate
// re-enqueues for occurrences whose task is merely delayed.
func (q *SQLiteQueue) HasPending(ctx context.Context, occurrenceID string) (bool, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_tasks WHERE occurrence_id = ?`, occurrenceID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("check pending task: %w", err)
	}
	return n > 0, nil
}
