package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	Up      string
}

// migrations holds all database migrations in order. Timestamps are stored
// as unix nanoseconds.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			-- Raw ingested error events
			CREATE TABLE IF NOT EXISTS occurrences (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				project_id TEXT NOT NULL,
				environment TEXT NOT NULL,
				error_type TEXT NOT NULL,
				message TEXT NOT NULL,
				frames_json TEXT NOT NULL DEFAULT '[]',
				context_json TEXT NOT NULL DEFAULT '{}',
				breadcrumbs_json TEXT NOT NULL DEFAULT '[]',
				occurred_at INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				fail_reason TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			);

			-- Aggregates keyed by (tenant, project, environment, fingerprint)
			CREATE TABLE IF NOT EXISTS error_groups (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				project_id TEXT NOT NULL,
				environment TEXT NOT NULL,
				fingerprint TEXT NOT NULL,
				first_seen_at INTEGER NOT NULL,
				last_seen_at INTEGER NOT NULL,
				occurrence_count INTEGER NOT NULL DEFAULT 1,
				status TEXT NOT NULL DEFAULT 'active',
				error_type TEXT NOT NULL DEFAULT '',
				sample_message TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				UNIQUE (tenant_id, project_id, environment, fingerprint)
			);

			-- Recorded dispatch decisions
			CREATE TABLE IF NOT EXISTS dispatches (
				id TEXT PRIMARY KEY,
				rule_name TEXT NOT NULL,
				group_id TEXT NOT NULL,
				tenant_id TEXT NOT NULL,
				project_id TEXT NOT NULL,
				environment TEXT NOT NULL,
				reason TEXT NOT NULL,
				channels_json TEXT NOT NULL DEFAULT '[]',
				status TEXT NOT NULL DEFAULT 'pending',
				created_at INTEGER NOT NULL
			);

			-- Idempotency window state per (rule, group)
			CREATE TABLE IF NOT EXISTS notification_state (
				rule_name TEXT NOT NULL,
				group_id TEXT NOT NULL,
				last_notified_at INTEGER NOT NULL,
				PRIMARY KEY (rule_name, group_id)
			);

			-- Delivery attempt history
			CREATE TABLE IF NOT EXISTS delivery_attempts (
				id TEXT PRIMARY KEY,
				dispatch_id TEXT NOT NULL,
				channel TEXT NOT NULL,
				endpoint TEXT NOT NULL,
				attempt INTEGER NOT NULL,
				outcome TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				attempted_at INTEGER NOT NULL,
				next_retry_at INTEGER NOT NULL DEFAULT 0
			);

			-- Exhausted delivery chains awaiting operator replay
			CREATE TABLE IF NOT EXISTS dead_letters (
				id TEXT PRIMARY KEY,
				dispatch_id TEXT NOT NULL,
				channel TEXT NOT NULL,
				endpoint TEXT NOT NULL,
				reason TEXT NOT NULL,
				attempts_json TEXT NOT NULL DEFAULT '[]',
				created_at INTEGER NOT NULL,
				replayed_at INTEGER
			);

			-- Durable processing tasks (hot/cold hand-off)
			CREATE TABLE IF NOT EXISTS queue_tasks (
				id TEXT PRIMARY KEY,
				occurrence_id TEXT NOT NULL,
				enqueued_at INTEGER NOT NULL,
				available_at INTEGER NOT NULL,
				lease_expires_at INTEGER,
				attempts INTEGER NOT NULL DEFAULT 0
			);

			-- Indexes
			CREATE INDEX IF NOT EXISTS idx_occurrences_status_created ON occurrences(status, created_at);
			CREATE INDEX IF NOT EXISTS idx_groups_tuple ON error_groups(tenant_id, project_id, environment);
			CREATE INDEX IF NOT EXISTS idx_dispatches_group ON dispatches(group_id);
			CREATE INDEX IF NOT EXISTS idx_attempts_dispatch ON delivery_attempts(dispatch_id);
			CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at);
			CREATE INDEX IF NOT EXISTS idx_queue_available ON queue_tasks(available_at);
			CREATE INDEX IF NOT EXISTS idx_queue_occurrence ON queue_tasks(occurrence_id);
		`,
	},
}

// runMigrations applies all pending migrations.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now().UnixNano(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
