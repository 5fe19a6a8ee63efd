package storage

import (
	"context"
	"database/sql"
	"fmt"

	// Pure-Go SQLite driver.
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	path string
	db   *sql.DB

	occurrences *sqliteOccurrenceRepo
	groups      *sqliteGroupRepo
	dispatches  *sqliteDispatchRepo
	deadLetters *sqliteDeadLetterRepo
}

// NewSQLiteStorage creates a new SQLite storage at the given path.
func NewSQLiteStorage(path string) *SQLiteStorage {
	return &SQLiteStorage{path: path}
}

// Open initializes the database connection.
func (s *SQLiteStorage) Open() error {
	ctx := context.Background()

	// _txlock=immediate makes every write transaction take the write lock
	// up front, so read-then-write transactions (group upserts, idempotency
	// checks) serialize instead of failing with SQLITE_BUSY.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	s.db = db

	s.occurrences = &sqliteOccurrenceRepo{db: db}
	s.groups = &sqliteGroupRepo{db: db}
	s.dispatches = &sqliteDispatchRepo{db: db}
	s.deadLetters = &sqliteDeadLetterRepo{db: db}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection. The task queue shares it.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Migrate runs database migrations.
func (s *SQLiteStorage) Migrate() error {
	return runMigrations(s.db)
}

// Occurrences returns the occurrence repository.
func (s *SQLiteStorage) Occurrences() OccurrenceRepository {
	return s.occurrences
}

// Groups returns the group repository.
func (s *SQLiteStorage) Groups() GroupRepository {
	return s.groups
}

// Dispatches returns the dispatch repository.
func (s *SQLiteStorage) Dispatches() DispatchRepository {
	return s.dispatches
}

// DeadLetters returns the dead-letter repository.
func (s *SQLiteStorage) DeadLetters() DeadLetterRepository {
	return s.deadLetters
}
