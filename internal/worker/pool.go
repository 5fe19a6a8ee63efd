// Package worker runs the processing pool that turns queued occurrences
// into groups, notifications and archive records.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/flaretrack/flaretrack/internal/delivery"
	"github.com/flaretrack/flaretrack/internal/evaluate"
	"github.com/flaretrack/flaretrack/internal/fingerprint"
	"github.com/flaretrack/flaretrack/internal/metrics"
	"github.com/flaretrack/flaretrack/internal/models"
	"github.com/flaretrack/flaretrack/internal/notifier"
	"github.com/flaretrack/flaretrack/internal/queue"
	"github.com/flaretrack/flaretrack/internal/rules"
	"github.com/flaretrack/flaretrack/internal/storage"
)

// Config holds worker pool settings.
type Config struct {
	// Workers is the number of concurrent processing workers.
	Workers int
	// PollInterval is how long a worker sleeps when the queue is empty.
	PollInterval time.Duration
	// RetryDelay is the redelivery delay after a processing failure.
	RetryDelay time.Duration
	// MaxTaskAttempts bounds redeliveries before an occurrence is marked
	// failed.
	MaxTaskAttempts int
}

// DefaultConfig returns the default worker settings.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		PollInterval:    250 * time.Millisecond,
		RetryDelay:      5 * time.Second,
		MaxTaskAttempts: 5,
	}
}

// Pool consumes the task queue and runs the processing pipeline:
// fingerprint, group upsert, rule evaluation, delivery handoff, archive.
type Pool struct {
	store     storage.Storage
	tasks     queue.TaskQueue
	fp        *fingerprint.Engine
	evaluator *evaluate.Evaluator
	pipeline  *delivery.Pipeline
	ruleSet   *rules.RuleSet
	archive   *storage.ArchiveBuffer
	config    Config
	log       zerolog.Logger

	processed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// NewPool creates a worker pool. archive may be nil when no analytical
// store is configured.
func NewPool(store storage.Storage, tasks queue.TaskQueue, fp *fingerprint.Engine, evaluator *evaluate.Evaluator, pipeline *delivery.Pipeline, ruleSet *rules.RuleSet, archive *storage.ArchiveBuffer, config Config, logger zerolog.Logger) *Pool {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.MaxTaskAttempts <= 0 {
		config.MaxTaskAttempts = 5
	}

	return &Pool{
		store:     store,
		tasks:     tasks,
		fp:        fp,
		evaluator: evaluator,
		pipeline:  pipeline,
		ruleSet:   ruleSet,
		archive:   archive,
		config:    config,
		log:       logger.With().Str("component", "worker").Logger(),
	}
}

// Run processes tasks until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.config.Workers; i++ {
		g.Go(func() error {
			return p.loop(ctx)
		})
	}
	g.Go(func() error {
		return p.reportDepth(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		task, err := p.tasks.Dequeue(ctx)
		if err == queue.ErrEmpty {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error().Err(err).Msg("dequeue failed")
			continue
		}

		if task.Attempts > 0 {
			metrics.QueueRedeliveriesTotal.Inc()
		}

		p.handle(ctx, task)
	}
}

func (p *Pool) handle(ctx context.Context, task *queue.Task) {
	err := p.process(ctx, task.OccurrenceID)
	if err == nil {
		if ackErr := p.tasks.Ack(ctx, task.ID); ackErr != nil {
			p.log.Error().Err(ackErr).Str("task_id", task.ID).Msg("ack failed")
		}
		return
	}

	if ctx.Err() != nil {
		// Shutdown mid-task: leave the lease to expire and redeliver.
		return
	}

	p.log.Error().Err(err).
		Str("occurrence_id", task.OccurrenceID).
		Int("attempts", task.Attempts).
		Msg("processing failed")

	if task.Attempts+1 >= p.config.MaxTaskAttempts {
		p.abandon(ctx, task)
		return
	}
	if nackErr := p.tasks.Nack(ctx, task.ID, p.config.RetryDelay); nackErr != nil {
		p.log.Error().Err(nackErr).Str("task_id", task.ID).Msg("nack failed")
	}
}

// abandon marks the occurrence durably failed and removes the task.
func (p *Pool) abandon(ctx context.Context, task *queue.Task) {
	p.failed.Add(1)
	metrics.OccurrencesFailedTotal.Inc()

	if err := p.store.Occurrences().MarkFailed(ctx, task.OccurrenceID, "max processing attempts exceeded"); err != nil {
		p.log.Error().Err(err).Str("occurrence_id", task.OccurrenceID).Msg("mark failed errored")
	}
	if err := p.tasks.Ack(ctx, task.ID); err != nil {
		p.log.Error().Err(err).Str("task_id", task.ID).Msg("ack failed")
	}
	p.log.Warn().Str("occurrence_id", task.OccurrenceID).Msg("occurrence abandoned")
}

// process runs the full pipeline for one occurrence. Redeliveries of an
// already processed occurrence are no-ops, so a crash between the final
// status update and the ack never double-counts a group.
func (p *Pool) process(ctx context.Context, occurrenceID string) error {
	occ, err := p.store.Occurrences().GetByID(ctx, occurrenceID)
	if err == storage.ErrNotFound {
		p.log.Warn().Str("occurrence_id", occurrenceID).Msg("task references missing occurrence")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load occurrence: %w", err)
	}

	if occ.Status != models.StatusPending {
		p.skipped.Add(1)
		return nil
	}

	fp := p.fp.Fingerprint(occ.ErrorType, occ.Message, occ.Frames)

	key := storage.GroupKey{
		TenantID:    occ.TenantID,
		ProjectID:   occ.ProjectID,
		Environment: occ.Environment,
		Fingerprint: fp,
	}
	res, err := p.store.Groups().UpsertAndIncrement(ctx, key, occ.Timestamp, occ.ErrorType, occ.Message)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	if res.WasNew {
		metrics.GroupsCreatedTotal.Inc()
	}
	if res.WasReactivated {
		metrics.GroupsReactivatedTotal.Inc()
	}

	dispatches, err := p.evaluator.Evaluate(ctx, occ, res)
	if err != nil {
		return fmt.Errorf("evaluate rules: %w", err)
	}
	for _, d := range dispatches {
		p.pipeline.Submit(d, BuildNotification(d, res.Group, p.ruleSet))
	}

	if p.archive != nil {
		p.archive.Add(storage.NewArchiveRecord(occ, res.Group))
	}

	done, err := p.store.Occurrences().MarkProcessed(ctx, occ.ID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if done {
		p.processed.Add(1)
		metrics.OccurrencesProcessedTotal.Inc()
	}
	return nil
}

func (p *Pool) reportDepth(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			depth, err := p.tasks.Depth(ctx)
			if err != nil {
				continue
			}
			metrics.QueueDepth.Set(float64(depth))
		}
	}
}

// StatsSnapshot is a point-in-time copy of pool statistics.
type StatsSnapshot struct {
	Processed int64
	Failed    int64
	Skipped   int64
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() StatsSnapshot {
	return StatsSnapshot{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
	}
}

// BuildNotification assembles the channel payload from the dispatch and its
// group. The severity comes from the current rule definition; for a rule
// removed since the dispatch was recorded it defaults to medium. The dead
// letter replay handler shares this.
func BuildNotification(d *models.NotificationDispatch, g *models.ErrorGroup, ruleSet *rules.RuleSet) *notifier.Notification {
	severity := rules.SeverityMedium
	if r := ruleSet.Find(d.RuleName); r != nil {
		severity = r.Severity
	}
	return &notifier.Notification{
		RuleName:        d.RuleName,
		Severity:        severity,
		Reason:          d.Reason,
		GroupID:         g.ID,
		TenantID:        g.TenantID,
		ProjectID:       g.ProjectID,
		Environment:     g.Environment,
		ErrorType:       g.ErrorType,
		SampleMessage:   g.SampleMessage,
		Fingerprint:     g.Fingerprint,
		OccurrenceCount: g.OccurrenceCount,
		FirstSeenAt:     g.FirstSeenAt,
		LastSeenAt:      g.LastSeenAt,
	}
}
