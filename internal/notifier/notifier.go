// Package notifier provides the notification channels FlareTrack delivers
// over, plus failure classification used by the delivery pipeline to decide
// between retrying and dead-lettering.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flaretrack/flaretrack/internal/rules"
)

// Notification is the channel-independent payload built from a dispatch.
type Notification struct {
	RuleName string
	Severity rules.Severity
	// Reason is what triggered the rule: "new_group", "recurring" or
	// "reactivated".
	Reason string

	GroupID     string
	TenantID    string
	ProjectID   string
	Environment string

	ErrorType       string
	SampleMessage   string
	Fingerprint     string
	OccurrenceCount int64
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
}

// Channel is the interface for all notification channels.
type Channel interface {
	// Name returns the channel name (e.g. "email", "slack").
	Name() string
	// Endpoint identifies the configured destination, used for circuit
	// breaker and dead letter bookkeeping.
	Endpoint() string
	// Send delivers one notification. Failures must be classified with
	// Transient or Permanent so the delivery pipeline can decide
	// whether to retry.
	Send(ctx context.Context, n *Notification) error
	// Close releases any resources.
	Close() error
}

// DeliveryError wraps a send failure with its retry classification.
type DeliveryError struct {
	Err         error
	IsTransient bool
}

func (e *DeliveryError) Error() string { return e.Err.Error() }
func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient marks an error as retryable (timeouts, 5xx, throttling).
func Transient(err error) error {
	return &DeliveryError{Err: err, IsTransient: true}
}

// Transientf builds a retryable error.
func Transientf(format string, args ...any) error {
	return &DeliveryError{Err: fmt.Errorf(format, args...), IsTransient: true}
}

// Permanent marks an error as non-retryable (rejected payloads, bad
// destinations).
func Permanent(err error) error {
	return &DeliveryError{Err: err, IsTransient: false}
}

// Permanentf builds a non-retryable error.
func Permanentf(format string, args ...any) error {
	return &DeliveryError{Err: fmt.Errorf(format, args...), IsTransient: false}
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient so that infrastructure hiccups are not dead-lettered
// prematurely.
func IsTransient(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.IsTransient
	}
	return true
}

// Registry holds the configured channels by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel to the registry.
func (r *Registry) Register(c Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.Name()] = c
}

// Get returns a channel by name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[name]
	return c, ok
}

// Names returns the registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// Close closes every registered channel, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, c := range r.channels {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
