// Package delivery sends recorded dispatches over their channels with
// retries, per-endpoint circuit breaking and dead lettering. Each
// (dispatch, channel) pair is an independent chain: one failing channel
// never delays the others.
package delivery

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flaretrack/flaretrack/internal/metrics"
	"github.com/flaretrack/flaretrack/internal/models"
	"github.com/flaretrack/flaretrack/internal/notifier"
	"github.com/flaretrack/flaretrack/internal/storage"
)

// Config holds delivery pipeline settings.
type Config struct {
	// Workers is the number of concurrent delivery workers.
	Workers int
	// MaxAttempts bounds sends per chain before dead lettering.
	MaxAttempts int
	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration
	// Multiplier grows the backoff per attempt.
	Multiplier float64
	// MaxElapsed bounds the total retry window per chain.
	MaxElapsed time.Duration
	// SendTimeout bounds one send call.
	SendTimeout time.Duration
	// Breaker configures the per-endpoint circuit breakers.
	Breaker BreakerConfig
	// RateLimit configures per-channel send rates.
	RateLimit notifier.RateLimitConfig
}

// DefaultConfig returns the default delivery settings.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		Multiplier:  2.0,
		MaxElapsed:  6 * time.Hour,
		SendTimeout: 30 * time.Second,
		Breaker:     DefaultBreakerConfig(),
		RateLimit:   notifier.DefaultRateLimitConfig(),
	}
}

// dispatchTracker aggregates chain outcomes back into one dispatch status.
type dispatchTracker struct {
	remaining atomic.Int32
	failed    atomic.Bool
}

// chain is one in-flight (dispatch, channel) delivery.
type chain struct {
	dispatch     *models.NotificationDispatch
	notification *notifier.Notification
	channelName  string
	attempt      int
	startedAt    time.Time
	tracker      *dispatchTracker
	attempts     []models.DeliveryAttempt
}

// Pipeline delivers dispatches over their channels.
type Pipeline struct {
	registry    *notifier.Registry
	dispatches  storage.DispatchRepository
	deadLetters *deadLetterRecorder
	breakers    *BreakerSet
	limiter     *notifier.RateLimiter
	config      Config
	log         zerolog.Logger

	jobs   chan *chain
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewPipeline creates a delivery pipeline. Call Start before submitting.
func NewPipeline(registry *notifier.Registry, dispatches storage.DispatchRepository, deadLetters storage.DeadLetterRepository, config Config, logger zerolog.Logger) *Pipeline {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 30 * time.Second
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2.0
	}
	if config.MaxElapsed <= 0 {
		config.MaxElapsed = 6 * time.Hour
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		registry:    registry,
		dispatches:  dispatches,
		deadLetters: newDeadLetterRecorder(deadLetters, logger),
		breakers:    NewBreakerSet(config.Breaker),
		limiter:     notifier.NewRateLimiter(config.RateLimit),
		config:      config,
		log:         logger.With().Str("component", "delivery").Logger(),
		jobs:        make(chan *chain, 256),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the delivery workers.
func (p *Pipeline) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Close stops accepting work and waits for the workers to drain. Chains
// waiting on a retry timer stay pending in the store; operators can replay
// them from the dead letter API if the outage outlives the process.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// DeadLetterEvents exposes dead letter entries as they are recorded, for
// ops alerting. Consumers must keep up; the channel never blocks delivery.
func (p *Pipeline) DeadLetterEvents() <-chan *models.DeadLetterEntry {
	return p.deadLetters.events
}

// Submit fans the dispatch out into one chain per channel.
func (p *Pipeline) Submit(d *models.NotificationDispatch, n *notifier.Notification) {
	tracker := &dispatchTracker{}
	tracker.remaining.Store(int32(len(d.Channels)))

	now := time.Now().UTC()
	for _, name := range d.Channels {
		p.enqueue(&chain{
			dispatch:     d,
			notification: n,
			channelName:  name,
			attempt:      1,
			startedAt:    now,
			tracker:      tracker,
		})
	}
}

// Replay resubmits a dead lettered chain with a fresh attempt budget.
func (p *Pipeline) Replay(entry *models.DeadLetterEntry, d *models.NotificationDispatch, n *notifier.Notification) {
	tracker := &dispatchTracker{}
	tracker.remaining.Store(1)

	p.enqueue(&chain{
		dispatch:     d,
		notification: n,
		channelName:  entry.Channel,
		attempt:      1,
		startedAt:    time.Now().UTC(),
		tracker:      tracker,
	})
}

func (p *Pipeline) enqueue(c *chain) {
	select {
	case p.jobs <- c:
	case <-p.ctx.Done():
	}
}

// schedule re-enqueues the chain after the delay. Timers fired after
// shutdown are dropped by enqueue.
func (p *Pipeline) schedule(c *chain, delay time.Duration) {
	time.AfterFunc(delay, func() { p.enqueue(c) })
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case c := <-p.jobs:
			p.deliver(c)
		}
	}
}

func (p *Pipeline) deliver(c *chain) {
	channel, ok := p.registry.Get(c.channelName)
	if !ok {
		p.deadLetter(c, "", fmt.Sprintf("channel %q not configured", c.channelName))
		return
	}

	now := time.Now().UTC()
	br := p.breakers.Get(c.channelName + "|" + channel.Endpoint())
	if !br.Allow(now) {
		// An open breaker defers the chain without consuming an
		// attempt or extending the backoff.
		p.schedule(c, p.config.Breaker.Cooldown/2)
		return
	}

	if delay := p.limiter.Reserve(c.channelName); delay > 0 {
		p.schedule(c, delay)
		return
	}

	sendCtx, cancel := context.WithTimeout(p.ctx, p.config.SendTimeout)
	err := channel.Send(sendCtx, c.notification)
	cancel()

	attempt := models.DeliveryAttempt{
		ID:          uuid.New().String(),
		DispatchID:  c.dispatch.ID,
		Channel:     c.channelName,
		Endpoint:    channel.Endpoint(),
		Attempt:     c.attempt,
		AttemptedAt: now,
	}

	if err == nil {
		attempt.Outcome = models.OutcomeSuccess
		p.recordAttempt(&attempt)
		metrics.DeliveryAttemptsTotal.WithLabelValues(c.channelName, string(models.OutcomeSuccess)).Inc()
		br.RecordSuccess()
		p.finishChain(c)
		p.log.Info().
			Str("dispatch_id", c.dispatch.ID).
			Str("channel", c.channelName).
			Int("attempt", c.attempt).
			Msg("notification delivered")
		return
	}

	attempt.Error = err.Error()

	if !notifier.IsTransient(err) {
		attempt.Outcome = models.OutcomePermanentFailure
		p.recordAttempt(&attempt)
		metrics.DeliveryAttemptsTotal.WithLabelValues(c.channelName, string(models.OutcomePermanentFailure)).Inc()
		c.attempts = append(c.attempts, attempt)
		p.deadLetter(c, channel.Endpoint(), "permanent failure: "+err.Error())
		return
	}

	br.RecordFailure(now)
	metrics.DeliveryAttemptsTotal.WithLabelValues(c.channelName, string(models.OutcomeTransientFailure)).Inc()

	elapsed := now.Sub(c.startedAt)
	exhausted := c.attempt >= p.config.MaxAttempts || elapsed >= p.config.MaxElapsed

	attempt.Outcome = models.OutcomeTransientFailure
	if !exhausted {
		attempt.NextRetryAt = now.Add(p.backoff(c.attempt))
	}
	p.recordAttempt(&attempt)
	c.attempts = append(c.attempts, attempt)

	if exhausted {
		reason := "max attempts exceeded"
		if elapsed >= p.config.MaxElapsed {
			reason = "retry window exceeded"
		}
		p.deadLetter(c, channel.Endpoint(), reason)
		return
	}

	delay := p.backoff(c.attempt)
	p.log.Warn().
		Str("dispatch_id", c.dispatch.ID).
		Str("channel", c.channelName).
		Int("attempt", c.attempt).
		Dur("retry_in", delay).
		Err(err).
		Msg("delivery failed, retrying")

	c.attempt++
	p.schedule(c, delay)
}

// backoff returns the delay after the given attempt number.
func (p *Pipeline) backoff(attempt int) time.Duration {
	d := time.Duration(float64(p.config.BaseDelay) * math.Pow(p.config.Multiplier, float64(attempt-1)))
	if d > p.config.MaxElapsed {
		d = p.config.MaxElapsed
	}
	return d
}

func (p *Pipeline) recordAttempt(a *models.DeliveryAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.dispatches.AppendAttempt(ctx, a); err != nil {
		p.log.Error().Err(err).Str("dispatch_id", a.DispatchID).Msg("failed to record delivery attempt")
	}
}

func (p *Pipeline) deadLetter(c *chain, endpoint, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.deadLetters.Record(ctx, c.dispatch.ID, c.channelName, endpoint, reason, c.attempts); err != nil {
		p.log.Error().Err(err).Str("dispatch_id", c.dispatch.ID).Msg("failed to record dead letter")
	}
	c.tracker.failed.Store(true)
	p.finishChain(c)
}

// finishChain settles the dispatch status once every chain has concluded.
func (p *Pipeline) finishChain(c *chain) {
	if c.tracker.remaining.Add(-1) != 0 {
		return
	}

	status := models.DispatchDelivered
	if c.tracker.failed.Load() {
		status = models.DispatchDeadLettered
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.dispatches.UpdateStatus(ctx, c.dispatch.ID, status); err != nil {
		p.log.Error().Err(err).Str("dispatch_id", c.dispatch.ID).Msg("failed to update dispatch status")
	}
}
