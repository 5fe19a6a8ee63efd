// Package groups provides HTTP handlers for browsing and managing error
// groups.
package groups

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/flaretrack/flaretrack/internal/models"
	"github.com/flaretrack/flaretrack/internal/storage"
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

// Handler handles group endpoints.
type Handler struct {
	groups storage.GroupRepository
	log    zerolog.Logger
}

// NewHandler creates a new groups handler.
func NewHandler(groups storage.GroupRepository, logger zerolog.Logger) *Handler {
	return &Handler{
		groups: groups,
		log:    logger.With().Str("component", "groups_api").Logger(),
	}
}

// GroupResponse represents an error group in API responses.
type GroupResponse struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	ProjectID       string    `json:"project_id"`
	Environment     string    `json:"environment"`
	Fingerprint     string    `json:"fingerprint"`
	ErrorType       string    `json:"error_type"`
	SampleMessage   string    `json:"sample_message"`
	OccurrenceCount int64     `json:"occurrence_count"`
	Status          string    `json:"status"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

func toGroupResponse(g *models.ErrorGroup) *GroupResponse {
	return &GroupResponse{
		ID:              g.ID,
		TenantID:        g.TenantID,
		ProjectID:       g.ProjectID,
		Environment:     g.Environment,
		Fingerprint:     g.Fingerprint,
		ErrorType:       g.ErrorType,
		SampleMessage:   g.SampleMessage,
		OccurrenceCount: g.OccurrenceCount,
		Status:          string(g.Status),
		FirstSeenAt:     g.FirstSeenAt,
		LastSeenAt:      g.LastSeenAt,
	}
}

// List returns groups for a tenant, most recently seen first.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "tenant_id query parameter is required")
		return
	}
	projectID := r.URL.Query().Get("project_id")
	environment := r.URL.Query().Get("environment")

	limit := parseIntParam(r, "limit", 50, 1, 500)
	offset := parseIntParam(r, "offset", 0, 0, 1<<30)

	groups, err := h.groups.List(r.Context(), tenantID, projectID, environment, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list groups")
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to list groups")
		return
	}

	items := make([]*GroupResponse, 0, len(groups))
	for _, g := range groups {
		items = append(items, toGroupResponse(g))
	}
	jsonOK(w, map[string]interface{}{"items": items, "limit": limit, "offset": offset})
}

// Get returns one group by id.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	group, err := h.groups.GetByID(r.Context(), id)
	if err == storage.ErrNotFound {
		jsonError(w, http.StatusNotFound, errCodeNotFound, "group not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("group_id", id).Msg("failed to load group")
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to load group")
		return
	}
	jsonOK(w, toGroupResponse(group))
}

// StatusRequest changes a group's lifecycle status.
type StatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus resolves, mutes or reopens a group.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid JSON body")
		return
	}

	status := models.GroupStatus(req.Status)
	switch status {
	case models.GroupActive, models.GroupResolved, models.GroupMuted:
	default:
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "status must be active, resolved or muted")
		return
	}

	if _, err := h.groups.GetByID(r.Context(), id); err == storage.ErrNotFound {
		jsonError(w, http.StatusNotFound, errCodeNotFound, "group not found")
		return
	} else if err != nil {
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to load group")
		return
	}

	if err := h.groups.UpdateStatus(r.Context(), id, status); err != nil {
		h.log.Error().Err(err).Str("group_id", id).Msg("failed to update group status")
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "failed to update status")
		return
	}

	h.log.Info().Str("group_id", id).Str("status", req.Status).Msg("group status updated")
	jsonOK(w, map[string]string{"id": id, "status": req.Status})
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
