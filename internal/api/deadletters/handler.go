// Package deadletters provides the ops API for inspecting and replaying
// dead lettered notification deliveries.
package deadletters

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/flaretrack/flaretrack/internal/delivery"
	"github.com/flaretrack/flaretrack/internal/models"
	"github.com/flaretrack/flaretrack/internal/rules"
	"github.com/flaretrack/flaretrack/internal/storage"
	"github.com/flaretrack/flaretrack/internal/worker"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResponse struct {
	Data  interface{} `json:"data,omitempty"`
	Error *apiError   `json:"error,omitempty"`
}

const (
	errCodeBadRequest    = "BAD_REQUEST"
	errCodeNotFound      = "NOT_FOUND"
	errCodeConflict      = "CONFLICT"
	errCodeInternalError = "INTERNAL_ERROR"
)

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Error: &apiError{Code: code, Message: message}})
}

func jsonOK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Data: data})
}

// Handler handles dead letter endpoints.
type Handler struct {
	deadLetters storage.DeadLetterRepository
	dispatches  storage.DispatchRepository
	groups      storage.GroupRepository
	pipeline    *delivery.Pipeline
	ruleSet     *rules.RuleSet
	log         zerolog.Logger
}

// NewHandler creates a new dead letters handler.
func NewHandler(deadLetters storage.DeadLetterRepository, dispatches storage.DispatchRepository, groups storage.GroupRepository, pipeline *delivery.Pipeline, ruleSet *rules.RuleSet, logger zerolog.Logger) *Handler {
	return &Handler{
		deadLetters: deadLetters,
		dispatches:  dispatches,
		groups:      groups,
		pipeline:    pipeline,
		ruleSet:     ruleSet,
		log:         logger.With().Str("component", "deadletters_api").Logger(),
	}
}

// AttemptResponse represents one delivery attempt in API responses.
type AttemptResponse struct {
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// EntryResponse represents a dead letter entry in API responses.
type EntryResponse struct {
	ID         string            `json:"id"`
	DispatchID string            `json:"dispatch_id"`
	Channel    string            `json:"channel"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Reason     string            `json:"reason"`
	Attempts   []AttemptResponse `json:"attempts"`
	CreatedAt  time.Time         `json:"created_at"`
	ReplayedAt *time.Time        `json:"replayed_at,omitempty"`
}

func toEntryResponse(e *models.DeadLetterEntry) *EntryResponse {
	attempts := make([]AttemptResponse, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		attempts = append(attempts, AttemptResponse{
			Attempt:     a.Attempt,
			Outcome:     string(a.Outcome),
			Error:       a.Error,
			AttemptedAt: a.AttemptedAt,
		})
	}
	return &EntryResponse{
		ID:         e.ID,
		DispatchID: e.DispatchID,
		Channel:    e.Channel,
		Endpoint:   e.Endpoint,
		Reason:     e.Reason,
		Attempts:   attempts,
		CreatedAt:  e.CreatedAt,
		ReplayedAt: e.ReplayedAt,
	}
}

// List returns dead letter entries, newest first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50, 1, 500)
	offset := parseIntParam(r, "offset", 0, 0, 1<<30)

	entries, total, err := h.deadLetters.List(r.Context(), limit, offset)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list dead letters")
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to list dead letters")
		return
	}

	items := make([]*EntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, toEntryResponse(e))
	}
	jsonOK(w, map[string]interface{}{"items": items, "total": total, "limit": limit, "offset": offset})
}

// Get returns one entry with its full attempt history.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := h.deadLetters.GetByID(r.Context(), id)
	if err == storage.ErrNotFound {
		jsonError(w, http.StatusNotFound, errCodeNotFound, "dead letter not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("entry_id", id).Msg("failed to load dead letter")
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to load dead letter")
		return
	}
	jsonOK(w, toEntryResponse(entry))
}

// Replay resubmits a dead lettered chain with a fresh attempt budget and
// marks the entry replayed. An already replayed entry is rejected so two
// operators do not double-send.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	entry, err := h.deadLetters.GetByID(ctx, id)
	if err == storage.ErrNotFound {
		jsonError(w, http.StatusNotFound, errCodeNotFound, "dead letter not found")
		return
	}
	if err != nil {
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to load dead letter")
		return
	}
	if entry.ReplayedAt != nil {
		jsonError(w, http.StatusConflict, errCodeConflict, "entry already replayed")
		return
	}

	dispatch, err := h.dispatches.GetByID(ctx, entry.DispatchID)
	if err != nil {
		h.log.Error().Err(err).Str("dispatch_id", entry.DispatchID).Msg("failed to load dispatch for replay")
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to load dispatch")
		return
	}
	group, err := h.groups.GetByID(ctx, dispatch.GroupID)
	if err != nil {
		h.log.Error().Err(err).Str("group_id", dispatch.GroupID).Msg("failed to load group for replay")
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to load group")
		return
	}

	now := time.Now().UTC()
	if err := h.deadLetters.MarkReplayed(ctx, entry.ID, now); err != nil {
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to mark entry replayed")
		return
	}

	h.pipeline.Replay(entry, dispatch, worker.BuildNotification(dispatch, group, h.ruleSet))

	h.log.Info().
		Str("entry_id", entry.ID).
		Str("dispatch_id", dispatch.ID).
		Str("channel", entry.Channel).
		Msg("dead letter replayed")
	jsonOK(w, map[string]interface{}{"id": entry.ID, "replayed_at": now})
}

func parseIntParam(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		return def
	}
	if v > max {
		return max
	}
	return v
}
