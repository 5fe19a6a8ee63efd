// Package queue provides the durable at-least-once task queue that decouples
// ingestion from the processing worker pool.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when no task is currently available.
var ErrEmpty = errors.New("queue: no task available")

// Task is one unit of processing work referencing a stored occurrence.
type Task struct {
	ID           string
	OccurrenceID string
	EnqueuedAt   time.Time
	Attempts     int
}

// TaskQueue is an at-least-once work queue. A dequeued task is invisible to
// other consumers until its lease expires; consumers must Ack on success or
// Nack to schedule redelivery. Tasks whose consumer crashes reappear after
// the lease expires.
type TaskQueue interface {
	// Enqueue adds a task for the given occurrence, available immediately.
	Enqueue(ctx context.Context, occurrenceID string) error

	// Dequeue claims the oldest available task and leases it for the
	// configured visibility timeout. Returns ErrEmpty when nothing is
	// available.
	Dequeue(ctx context.Context) (*Task, error)

	// Ack removes a completed task. Acking an already-removed task is a
	// no-op.
	Ack(ctx context.Context, taskID string) error

	// Nack releases a claimed task and makes it available again after
	// the given delay, incrementing its attempt counter.
	Nack(ctx context.Context, taskID string, delay time.Duration) error

	// Depth reports the number of tasks currently in the queue, claimed
	// or not.
	Depth(ctx context.Context) (int, error)
}
