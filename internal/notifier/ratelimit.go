package notifier

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-channel send rate settings.
type RateLimitConfig struct {
	// PerMinute is the sustained number of sends allowed per minute for
	// each channel.
	PerMinute int
	// Burst is the number of sends allowed to go out back to back.
	Burst int
	// Enabled turns rate limiting on.
	Enabled bool
}

// DefaultRateLimitConfig returns default rate limit settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerMinute: 30,
		Burst:     10,
		Enabled:   true,
	}
}

// RateLimiter applies a token bucket per channel so one noisy channel
// cannot starve the others and external APIs are not hammered.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	config   RateLimitConfig
}

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.PerMinute <= 0 {
		config.PerMinute = 30
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		config:   config,
	}
}

// Allow reports whether a send on the named channel may proceed now.
func (r *RateLimiter) Allow(channel string) bool {
	if !r.config.Enabled {
		return true
	}
	return r.limiter(channel).Allow()
}

// Reserve returns how long a send on the named channel must wait. Zero
// means it may go immediately and the token is consumed; a positive delay
// releases the reservation, so a deferred caller re-reserves on re-entry
// without burning tokens while it waits.
func (r *RateLimiter) Reserve(channel string) time.Duration {
	if !r.config.Enabled {
		return 0
	}
	res := r.limiter(channel).Reserve()
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
	}
	return delay
}

func (r *RateLimiter) limiter(channel string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[channel]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(r.config.PerMinute)/60.0), r.config.Burst)
		r.limiters[channel] = l
	}
	return l
}
