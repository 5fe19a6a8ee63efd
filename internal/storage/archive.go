package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/flaretrack/flaretrack/internal/models"
)

// OccurrenceArchive defines operations for the high-volume occurrence
// archive. This is separate from the main Storage interface because archived
// occurrences have different access patterns (append-only batch writes,
// time-series analytics) and live in a column store.
type OccurrenceArchive interface {
	// Open initializes the archive connection.
	Open() error
	// Close closes the archive connection.
	Close() error
	// Migrate creates or updates the archive schema.
	Migrate() error
	// InsertBatch archives multiple processed occurrences in one batch.
	InsertBatch(ctx context.Context, records []*ArchiveRecord) error
}

// ArchiveRecord is a processed occurrence flattened for archival.
type ArchiveRecord struct {
	OccurrenceID string
	TenantID     string
	ProjectID    string
	Environment  string
	Fingerprint  string
	GroupID      string
	ErrorType    string
	Message      string
	FrameCount   int
	OccurredAt   time.Time
}

// NewArchiveRecord flattens a processed occurrence and its group for the
// archive.
func NewArchiveRecord(occ *models.ErrorOccurrence, group *models.ErrorGroup) *ArchiveRecord {
	return &ArchiveRecord{
		OccurrenceID: occ.ID,
		TenantID:     occ.TenantID,
		ProjectID:    occ.ProjectID,
		Environment:  occ.Environment,
		Fingerprint:  group.Fingerprint,
		GroupID:      group.ID,
		ErrorType:    occ.ErrorType,
		Message:      occ.Message,
		FrameCount:   len(occ.Frames),
		OccurredAt:   occ.Timestamp,
	}
}

// ArchiveBuffer batches archive records before flushing to the archive. It
// flushes on either batch size or time interval, whichever comes first, and
// drops oldest records under backpressure so workers never block on the
// archive.
type ArchiveBuffer struct {
	archive       OccurrenceArchive
	log           zerolog.Logger
	batchSize     int
	flushInterval time.Duration
	maxSize       int

	mu      sync.Mutex
	buffer  []*ArchiveRecord
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool
	dropped atomic.Int64
	flushed atomic.Int64
}

// ArchiveBufferConfig holds ArchiveBuffer configuration.
type ArchiveBufferConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxSize       int
}

// NewArchiveBuffer creates a buffer that batches writes into the archive.
func NewArchiveBuffer(archive OccurrenceArchive, cfg *ArchiveBufferConfig, logger zerolog.Logger) *ArchiveBuffer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 50000
	}

	b := &ArchiveBuffer{
		archive:       archive,
		log:           logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		maxSize:       cfg.MaxSize,
		buffer:        make([]*ArchiveRecord, 0, cfg.BatchSize),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

// Add queues a record for archival. It never blocks on the archive itself.
func (b *ArchiveBuffer) Add(record *ArchiveRecord) {
	if b.stopped.Load() {
		return
	}

	b.mu.Lock()
	if len(b.buffer)+1 > b.maxSize {
		b.buffer = b.buffer[1:]
		b.dropped.Add(1)
	}
	b.buffer = append(b.buffer, record)
	shouldFlush := len(b.buffer) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		b.flush()
	}
}

// Dropped returns the number of records dropped under backpressure.
func (b *ArchiveBuffer) Dropped() int64 {
	return b.dropped.Load()
}

// Flushed returns the number of records flushed to the archive.
func (b *ArchiveBuffer) Flushed() int64 {
	return b.flushed.Load()
}

// Close flushes remaining records and stops the buffer.
func (b *ArchiveBuffer) Close() {
	if b.stopped.Swap(true) {
		return
	}
	close(b.stopCh)
	<-b.doneCh
	b.flush()
}

func (b *ArchiveBuffer) flushLoop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopCh:
			return
		}
	}
}

func (b *ArchiveBuffer) flush() {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buffer
	b.buffer = make([]*ArchiveRecord, 0, b.batchSize)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.archive.InsertBatch(ctx, batch); err != nil {
		b.log.Error().Err(err).Int("records", len(batch)).Msg("archive flush failed")
		return
	}
	b.flushed.Add(int64(len(batch)))
}
