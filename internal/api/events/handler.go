// Package events provides the HTTP ingest endpoint for error events.
package events

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flaretrack/flaretrack/internal/metrics"
	"github.com/flaretrack/flaretrack/internal/models"
	"github.com/flaretrack/flaretrack/internal/queue"
	"github.com/flaretrack/flaretrack/internal/storage"
)

// Response helpers (local to avoid import cycle with the server package)

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
	errCodeInternalError = "INTERNAL_ERROR"

	maxBodyBytes = 1 << 20 // 1 MiB per event
)

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Error: &apiError{Code: code, Message: message}})
}

func jsonData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Data: data})
}

// Handler handles the ingest endpoint.
type Handler struct {
	occurrences storage.OccurrenceRepository
	tasks       queue.TaskQueue
	log         zerolog.Logger
}

// NewHandler creates a new events handler.
func NewHandler(occurrences storage.OccurrenceRepository, tasks queue.TaskQueue, logger zerolog.Logger) *Handler {
	return &Handler{
		occurrences: occurrences,
		tasks:       tasks,
		log:         logger.With().Str("component", "ingest").Logger(),
	}
}

// EventRequest is the ingest payload.
type EventRequest struct {
	TenantID    string              `json:"tenant_id"`
	ProjectID   string              `json:"project_id"`
	Environment string              `json:"environment"`
	ErrorType   string              `json:"error_type"`
	Message     string              `json:"message"`
	Frames      []models.StackFrame `json:"frames,omitempty"`
	Context     map[string]any      `json:"context,omitempty"`
	Breadcrumbs []models.Breadcrumb `json:"breadcrumbs,omitempty"`
	Timestamp   *time.Time          `json:"timestamp"`
}

// validate returns the rejection reason, or "" when the event is valid.
func (r *EventRequest) validate() string {
	switch {
	case r.TenantID == "":
		return "tenant_id is required"
	case r.ProjectID == "":
		return "project_id is required"
	case r.Environment == "":
		return "environment is required"
	case r.ErrorType == "":
		return "error_type is required"
	case r.Message == "":
		return "message is required"
	case r.Timestamp == nil:
		return "timestamp is required"
	}
	// Frames are not validated: degenerate frames degrade fingerprint
	// precision on the cold path, never availability.
	return ""
}

// EventResponse acknowledges an accepted event.
type EventResponse struct {
	Accepted     bool   `json:"accepted"`
	OccurrenceID string `json:"occurrence_id"`
}

// Ingest accepts one error event. The occurrence is stored durably before
// the request is acknowledged; processing happens asynchronously.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, "/api/v1/events").Observe(time.Since(start).Seconds())
	}()

	var req EventRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.EventsRejectedTotal.WithLabelValues("malformed_json").Inc()
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid JSON body")
		return
	}

	if reason := req.validate(); reason != "" {
		metrics.EventsRejectedTotal.WithLabelValues("missing_field").Inc()
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, reason)
		return
	}

	now := time.Now().UTC()
	ts := req.Timestamp.UTC()

	occ := &models.ErrorOccurrence{
		ID:          uuid.New().String(),
		TenantID:    req.TenantID,
		ProjectID:   req.ProjectID,
		Environment: req.Environment,
		ErrorType:   req.ErrorType,
		Message:     req.Message,
		Frames:      req.Frames,
		Context:     req.Context,
		Crumbs:      req.Breadcrumbs,
		Timestamp:   ts,
		Status:      models.StatusPending,
		CreatedAt:   now,
	}

	if err := h.occurrences.Create(r.Context(), occ); err != nil {
		h.log.Error().Err(err).Msg("failed to store occurrence")
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to store event")
		return
	}

	// The occurrence is durable; a failed enqueue is recovered by the
	// reconciliation sweeper, so the event is still accepted.
	if err := h.tasks.Enqueue(r.Context(), occ.ID); err != nil {
		h.log.Error().Err(err).Str("occurrence_id", occ.ID).Msg("failed to enqueue occurrence")
	}

	metrics.EventsAcceptedTotal.Inc()
	jsonData(w, http.StatusAccepted, EventResponse{Accepted: true, OccurrenceID: occ.ID})
}
