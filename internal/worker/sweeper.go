package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/flaretrack/flaretrack/internal/metrics"
	"github.com/flaretrack/flaretrack/internal/queue"
	"github.com/flaretrack/flaretrack/internal/storage"
)

// SweeperConfig holds reconciliation sweeper settings.
type SweeperConfig struct {
	// Schedule is the cron spec, e.g. "@every 1m".
	Schedule string
	// StaleAfter is how long an occurrence may sit pending before the
	// sweeper considers its task lost.
	StaleAfter time.Duration
	// BatchSize bounds re-enqueues per sweep.
	BatchSize int
}

// DefaultSweeperConfig returns the default sweeper settings.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:   "@every 1m",
		StaleAfter: 5 * time.Minute,
		BatchSize:  100,
	}
}

// Sweeper re-enqueues occurrences that are still pending long after
// ingestion, covering tasks lost to crashes between the occurrence insert
// and the enqueue.
type Sweeper struct {
	occurrences storage.OccurrenceRepository
	tasks       *queue.SQLiteQueue
	config      SweeperConfig
	cron        *cron.Cron
	log         zerolog.Logger
}

// NewSweeper creates a reconciliation sweeper.
func NewSweeper(occurrences storage.OccurrenceRepository, tasks *queue.SQLiteQueue, config SweeperConfig, logger zerolog.Logger) *Sweeper {
	if config.Schedule == "" {
		config.Schedule = "@every 1m"
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 5 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	return &Sweeper{
		occurrences: occurrences,
		tasks:       tasks,
		config:      config,
		cron:        cron.New(),
		log:         logger.With().Str("component", "sweeper").Logger(),
	}
}

// Start schedules the sweep job.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Sweep(ctx); err != nil {
			s.log.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	before := time.Now().UTC().Add(-s.config.StaleAfter)
	ids, err := s.occurrences.ListStalePending(ctx, before, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale occurrences: %w", err)
	}

	requeued := 0
	for _, id := range ids {
		// A task may still exist with a long redelivery delay; those
		// are delayed, not lost.
		pending, err := s.tasks.HasPending(ctx, id)
		if err != nil {
			return fmt.Errorf("check pending task: %w", err)
		}
		if pending {
			continue
		}
		if err := s.tasks.Enqueue(ctx, id); err != nil {
			return fmt.Errorf("re-enqueue occurrence %s: %w", id, err)
		}
		requeued++
		metrics.SweepRequeuesTotal.Inc()
	}

	if requeued > 0 {
		s.log.Info().Int("requeued", requeued).Msg("reconciliation sweep re-enqueued stale occurrences")
	}
	return nil
}
