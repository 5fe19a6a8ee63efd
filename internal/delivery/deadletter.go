package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flaretrack/flaretrack/internal/metrics"
	"github.com/flaretrack/flaretrack/internal/models"
	"github.com/flaretrack/flaretrack/internal/storage"
)

// deadLetterRecorder parks exhausted delivery chains and surfaces them to
// operators through a non-blocking events channel.
type deadLetterRecorder struct {
	repo   storage.DeadLetterRepository
	events chan *models.DeadLetterEntry
	log    zerolog.Logger
}

func newDeadLetterRecorder(repo storage.DeadLetterRepository, logger zerolog.Logger) *deadLetterRecorder {
	return &deadLetterRecorder{
		repo:   repo,
		events: make(chan *models.DeadLetterEntry, 64),
		log:    logger.With().Str("component", "dead_letters").Logger(),
	}
}

// Record persists the entry and publishes it for ops consumers. A full
// events channel drops the event rather than blocking delivery workers; the
// store remains the source of truth.
func (r *deadLetterRecorder) Record(ctx context.Context, dispatchID, channel, endpoint, reason string, attempts []models.DeliveryAttempt) (*models.DeadLetterEntry, error) {
	entry := &models.DeadLetterEntry{
		ID:         uuid.New().String(),
		DispatchID: dispatchID,
		Channel:    channel,
		Endpoint:   endpoint,
		Reason:     reason,
		Attempts:   attempts,
		CreatedAt:  time.Now().UTC(),
	}

	if err := r.repo.Create(ctx, entry); err != nil {
		return nil, err
	}
	metrics.DeadLettersTotal.WithLabelValues(channel).Inc()

	r.log.Warn().
		Str("dispatch_id", dispatchID).
		Str("channel", channel).
		Str("reason", reason).
		Int("attempts", len(attempts)).
		Msg("delivery chain dead lettered")

	select {
	case r.events <- entry:
	default:
		r.log.Warn().Str("dispatch_id", dispatchID).Msg("dead letter event dropped, channel full")
	}
	return entry, nil
}
