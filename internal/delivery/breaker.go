package delivery

import (
	"sync"
	"time"

	"github.com/flaretrack/flaretrack/internal/metrics"
)

// breakerState is the lifecycle state of one circuit breaker.
type breakerState int

const (
	stateClosed breakerState = iota
	stateHalfOpen
	stateOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig holds circuit breaker settings shared by all endpoints.
type BreakerConfig struct {
	// Threshold is the number of consecutive transient failures that
	// opens the breaker.
	Threshold int
	// Cooldown is how long an open breaker blocks sends before allowing
	// a probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 3,
		Cooldown:  30 * time.Second,
	}
}

// breaker is a circuit breaker for one channel endpoint. While open, sends
// short-circuit without consuming retry attempts. After the cooldown one
// probe is let through; its outcome decides between closing and re-opening.
type breaker struct {
	mu       sync.Mutex
	config   BreakerConfig
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
	channel  string
}

func newBreaker(channel string, config BreakerConfig) *breaker {
	if config.Threshold <= 0 {
		config.Threshold = 3
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &breaker{config: config, channel: channel}
}

// Allow reports whether a send may proceed now.
func (b *breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if now.Sub(b.openedAt) < b.config.Cooldown {
			return false
		}
		b.setState(stateHalfOpen)
		b.probing = true
		return true
	case stateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.setState(stateClosed)
}

// RecordFailure counts a transient failure. In half-open state a single
// failed probe re-opens immediately.
func (b *breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == stateHalfOpen {
		b.open(now)
		return
	}

	b.failures++
	if b.failures >= b.config.Threshold {
		b.open(now)
	}
}

func (b *breaker) open(now time.Time) {
	b.openedAt = now
	b.failures = 0
	b.setState(stateOpen)
}

func (b *breaker) setState(s breakerState) {
	b.state = s
	metrics.BreakerState.WithLabelValues(b.channel).Set(float64(s))
}

// State returns the current state.
func (b *breaker) State() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSet lazily creates one breaker per channel endpoint.
type BreakerSet struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*breaker
}

// NewBreakerSet creates a breaker set with the given shared configuration.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:   config,
		breakers: make(map[string]*breaker),
	}
}

// Get returns the breaker for the given channel endpoint key.
func (s *BreakerSet) Get(key string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		b = newBreaker(key, s.config)
		s.breakers[key] = b
	}
	return b
}
