// Package metrics provides Prometheus metrics for FlareTrack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "flaretrack"
)

// Ingestion metrics
var (
	// EventsAcceptedTotal counts events accepted at the ingest endpoint.
	EventsAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_accepted_total",
			Help:      "Total error events accepted for processing",
		},
	)

	// EventsRejectedTotal counts events rejected at validation, by reason.
	EventsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_rejected_total",
			Help:      "Total error events rejected at validation",
		},
		[]string{"reason"},
	)

	// HTTPRequestDuration tracks ingest API request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks concurrent API requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being served",
		},
	)
)

// Queue and worker metrics
var (
	// QueueDepth tracks the number of tasks in the processing queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Tasks currently in the processing queue",
		},
	)

	// QueueRedeliveriesTotal counts tasks handed out more than once.
	QueueRedeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "redeliveries_total",
			Help:      "Tasks redelivered after a lease expiry or nack",
		},
	)

	// OccurrencesProcessedTotal counts fully processed occurrences.
	OccurrencesProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "occurrences_processed_total",
			Help:      "Occurrences that completed the processing pipeline",
		},
	)

	// OccurrencesFailedTotal counts occurrences durably abandoned.
	OccurrencesFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "occurrences_failed_total",
			Help:      "Occurrences abandoned after repeated processing failures",
		},
	)

	// SweepRequeuesTotal counts stale occurrences re-enqueued by the sweeper.
	SweepRequeuesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "sweep_requeues_total",
			Help:      "Stale pending occurrences re-enqueued by the reconciliation sweeper",
		},
	)
)

// Grouping metrics
var (
	// GroupsCreatedTotal counts newly created error groups.
	GroupsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grouping",
			Name:      "groups_created_total",
			Help:      "New error groups created",
		},
	)

	// GroupsReactivatedTotal counts resolved groups reopened by a new occurrence.
	GroupsReactivatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grouping",
			Name:      "groups_reactivated_total",
			Help:      "Resolved groups reactivated by a new occurrence",
		},
	)
)

// Evaluation and delivery metrics
var (
	// DispatchesTotal counts notification dispatches by rule and reason.
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluate",
			Name:      "dispatches_total",
			Help:      "Notification dispatches initiated",
		},
		[]string{"rule", "reason"},
	)

	// SuppressionsTotal counts dispatches suppressed by the idempotency window.
	SuppressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluate",
			Name:      "suppressions_total",
			Help:      "Dispatches suppressed by an active idempotency window",
		},
		[]string{"rule"},
	)

	// DeliveryAttemptsTotal counts delivery attempts by channel and outcome.
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// BreakerState tracks circuit breaker state per channel endpoint
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per channel (0 closed, 1 half-open, 2 open)",
		},
		[]string{"channel"},
	)

	// DeadLettersTotal counts delivery chains parked in the dead letter store.
	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "dead_letters_total",
			Help:      "Delivery chains moved to the dead letter store",
		},
		[]string{"channel"},
	)
)

// Archive metrics
var (
	// ArchiveFlushedTotal counts occurrence records flushed to the archive.
	ArchiveFlushedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "records_flushed_total",
			Help:      "Occurrence records flushed to the analytical archive",
		},
	)

	// ArchiveDroppedTotal counts records dropped under backpressure.
	ArchiveDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "records_dropped_total",
			Help:      "Occurrence records dropped because the archive buffer was full",
		},
	)
)
