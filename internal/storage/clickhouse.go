package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseConfig holds ClickHouse connection settings for the occurrence
// archive.
type ClickHouseConfig struct {
	// Addresses are the ClickHouse server addresses (host:port).
	Addresses []string

	// Database is the ClickHouse database name.
	Database string

	// Username for authentication.
	Username string

	// Password for authentication.
	Password string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// DialTimeout is the connection timeout.
	DialTimeout time.Duration

	// Compression enables LZ4 compression.
	Compression bool

	// RetentionDays is the TTL in days for archived occurrences.
	RetentionDays int
}

// ClickHouseArchive implements OccurrenceArchive for ClickHouse.
type ClickHouseArchive struct {
	config *ClickHouseConfig
	db     *sql.DB
}

// NewClickHouseArchive creates a new ClickHouse occurrence archive.
func NewClickHouseArchive(config *ClickHouseConfig) *ClickHouseArchive {
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 5
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.RetentionDays == 0 {
		config.RetentionDays = 90
	}
	return &ClickHouseArchive{config: config}
}

// Open initializes the ClickHouse connection.
func (a *ClickHouseArchive) Open() error {
	opts := &clickhouse.Options{
		Addr: a.config.Addresses,
		Auth: clickhouse.Auth{
			Database: a.config.Database,
			Username: a.config.Username,
			Password: a.config.Password,
		},
		DialTimeout:  a.config.DialTimeout,
		MaxOpenConns: a.config.MaxOpenConns,
		MaxIdleConns: a.config.MaxIdleConns,
	}

	if a.config.Compression {
		opts.Compression = &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		}
	}

	db := clickhouse.OpenDB(opts)

	ctx, cancel := context.WithTimeout(context.Background(), a.config.DialTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping clickhouse: %w", err)
	}

	a.db = db
	return nil
}

// Close closes the archive connection.
func (a *ClickHouseArchive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Migrate creates the archive table with a retention TTL.
func (a *ClickHouseArchive) Migrate() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS error_events (
			occurrence_id String,
			tenant_id LowCardinality(String),
			project_id LowCardinality(String),
			environment LowCardinality(String),
			fingerprint String,
			group_id String,
			error_type String,
			message String,
			frame_count UInt16,
			occurred_at DateTime64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(occurred_at)
		ORDER BY (tenant_id, project_id, environment, fingerprint, occurred_at)
		TTL toDateTime(occurred_at) + INTERVAL %d DAY
	`, a.config.RetentionDays)

	if _, err := a.db.Exec(query); err != nil {
		return fmt.Errorf("create error_events table: %w", err)
	}
	return nil
}

// InsertBatch archives multiple occurrences in one multi-row insert.
func (a *ClickHouseArchive) InsertBatch(ctx context.Context, records []*ArchiveRecord) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO error_events (occurrence_id, tenant_id, project_id,
			environment, fingerprint, group_id, error_type, message,
			frame_count, occurred_at)
		VALUES `)

	args := make([]any, 0, len(records)*10)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			rec.OccurrenceID, rec.TenantID, rec.ProjectID,
			rec.Environment, rec.Fingerprint, rec.GroupID,
			rec.ErrorType, rec.Message, rec.FrameCount, rec.OccurredAt,
		)
	}

	if _, err := a.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert archive batch: %w", err)
	}
	return nil
}
