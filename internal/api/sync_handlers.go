package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	bbsync "github.com/BetterbaseHQ/betterbase-dev-sub000/internal/sync"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/types"
)

// HeaderIdempotentReplay is set on push responses served from the
// idempotency cache.
const HeaderIdempotentReplay = "X-Idempotent-Replay"

// heartbeatInterval is how often an idle event stream sends a comment line.
var heartbeatInterval = 15 * time.Second

// SyncPush handles POST /api/v1/spaces/{space_id}/sync/push
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r)
	if token == "" {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing capability")
		return
	}

	var req bbsync.PushRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.SpaceID = chi.URLParam(r, "space_id")

	resp, err := h.svc.Push(r.Context(), token, req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if resp.Replayed {
		w.Header().Set(HeaderIdempotentReplay, "true")
	}
	if resp.Sequences == nil {
		resp.Sequences = []int64{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncPull handles GET /api/v1/spaces/{space_id}/sync/pull
func (h *Handler) SyncPull(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r)
	if token == "" {
		WriteProblem(w, r, http.StatusUnauthorized, "Missing capability")
		return
	}

	req, err := parsePullRequest(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.svc.Pull(r.Context(), token, req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	// Ensure records is [] not null in JSON
	if resp.Records == nil {
		resp.Records = []types.EncryptedRecord{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// parsePullRequest extracts query parameters for GET /sync/pull. A missing
// after means from the start; a missing limit means the relay default.
func parsePullRequest(r *http.Request) (bbsync.PullRequest, error) {
	req := bbsync.PullRequest{SpaceID: chi.URLParam(r, "space_id")}

	if s := r.URL.Query().Get("after"); s != "" {
		after, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid after parameter: must be an integer")
		}
		if after < 0 {
			return req, fmt.Errorf("invalid after parameter: must be >= 0")
		}
		req.After = after
	}

	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			return req, fmt.Errorf("invalid limit parameter: must be an integer")
		}
		if limit < 1 {
			return req, fmt.Errorf("invalid limit parameter: must be >= 1")
		}
		req.Limit = limit
	}
	return req, nil
}

// Events handles GET /api/v1/events as a server-sent event stream of
// notifications for the caller. Delivery is best effort.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteProblem(w, r, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	did := callerDID(r)
	sub := h.svc.Subscribe(did)
	defer sub.Close()

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Debug("event stream opened", "component", "api", "action", "events_open", "did", did)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("event stream closed", "component", "api", "action", "events_close", "did", did)
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
