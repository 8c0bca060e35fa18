package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/relay"
	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Identities     int64  `json:"identities"`
	Spaces         int64  `json:"spaces"`
	LatestSequence int64  `json:"latest_sequence"`
}

// Handler implements the relay HTTP API.
type Handler struct {
	svc     *relay.Service
	version string
	limiter *RateLimiter
	metrics http.Handler
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRateLimiter limits sync requests per capability.
func WithRateLimiter(l *RateLimiter) HandlerOption {
	return func(h *Handler) { h.limiter = l }
}

// WithMetricsHandler serves m at /metrics.
func WithMetricsHandler(m http.Handler) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a Handler over a relay service.
func NewHandler(svc *relay.Service, version string, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, version: version}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

// callerDID returns the authenticated DID. The session middleware guarantees
// it is set on protected routes.
func callerDID(r *http.Request) string {
	return DIDFromContext(r.Context())
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		Version:        h.version,
		Identities:     stats.Identities,
		Spaces:         stats.Spaces,
		LatestSequence: stats.LatestSequence,
	})
}

// Register handles POST /api/v1/identities
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req bbsync.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.svc.Register(r.Context(), req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Resolve handles GET /api/v1/identities/{handle}
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.Resolve(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// CreateSpace handles POST /api/v1/spaces
func (h *Handler) CreateSpace(w http.ResponseWriter, r *http.Request) {
	var req bbsync.CreateSpaceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sp, err := h.svc.CreateSpace(r.Context(), callerDID(r), req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sp)
}

// Spaces handles GET /api/v1/spaces
func (h *Handler) Spaces(w http.ResponseWriter, r *http.Request) {
	spaces, err := h.svc.Spaces(r.Context(), callerDID(r))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bbsync.SpacesResponse{Spaces: spaces})
}

// Capability handles POST /api/v1/spaces/{space_id}/capability
func (h *Handler) Capability(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Capability(r.Context(), callerDID(r), chi.URLParam(r, "space_id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Invite handles POST /api/v1/spaces/{space_id}/invitations
func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	var req bbsync.InviteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.SpaceID = chi.URLParam(r, "space_id")
	inv, err := h.svc.Invite(r.Context(), callerDID(r), req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// Invitations handles GET /api/v1/invitations
func (h *Handler) Invitations(w http.ResponseWriter, r *http.Request) {
	invs, err := h.svc.Invitations(r.Context(), callerDID(r))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bbsync.InvitationsResponse{Invitations: invs})
}

// AcceptInvitation handles POST /api/v1/invitations/{id}/accept
func (h *Handler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	sp, err := h.svc.Accept(r.Context(), callerDID(r), chi.URLParam(r, "id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

// DeclineInvitation handles POST /api/v1/invitations/{id}/decline
func (h *Handler) DeclineInvitation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Decline(r.Context(), callerDID(r), chi.URLParam(r, "id")); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Members handles GET /api/v1/spaces/{space_id}/members
func (h *Handler) Members(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.Members(r.Context(), callerDID(r), chi.URLParam(r, "space_id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bbsync.MembersResponse{Members: members})
}

// RemoveMember handles DELETE /api/v1/spaces/{space_id}/members/{did}
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.RemoveMember(r.Context(), callerDID(r), chi.URLParam(r, "space_id"), chi.URLParam(r, "did"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PublishEpoch handles POST /api/v1/spaces/{space_id}/epochs
func (h *Handler) PublishEpoch(w http.ResponseWriter, r *http.Request) {
	var req bbsync.PublishEpochRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.SpaceID = chi.URLParam(r, "space_id")
	if err := h.svc.PublishEpoch(r.Context(), callerDID(r), req); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublishWraps handles POST /api/v1/spaces/{space_id}/wraps
func (h *Handler) PublishWraps(w http.ResponseWriter, r *http.Request) {
	var req bbsync.PublishWrapsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.SpaceID = chi.URLParam(r, "space_id")
	if err := h.svc.PublishWraps(r.Context(), callerDID(r), req); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// KeyWraps handles GET /api/v1/spaces/{space_id}/wraps
func (h *Handler) KeyWraps(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.KeyWraps(r.Context(), callerDID(r), chi.URLParam(r, "space_id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// MissingWraps handles GET /api/v1/spaces/{space_id}/wraps/missing
func (h *Handler) MissingWraps(w http.ResponseWriter, r *http.Request) {
	missing, err := h.svc.MissingWraps(r.Context(), callerDID(r), chi.URLParam(r, "space_id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	if missing == nil {
		missing = []bbsync.MissingWrap{}
	}
	writeJSON(w, http.StatusOK, bbsync.MissingWrapsResponse{Missing: missing})
}

// PutFile handles POST /api/v1/spaces/{space_id}/files
func (h *Handler) PutFile(w http.ResponseWriter, r *http.Request) {
	var fd types.FileDescriptor
	if !decodeJSON(w, r, &fd) {
		return
	}
	fd.SpaceID = chi.URLParam(r, "space_id")
	if err := h.svc.PutFile(r.Context(), callerDID(r), fd); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Files handles GET /api/v1/spaces/{space_id}/files
func (h *Handler) Files(w http.ResponseWriter, r *http.Request) {
	files, err := h.svc.Files(r.Context(), callerDID(r), chi.URLParam(r, "space_id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bbsync.FilesResponse{Files: files})
}
