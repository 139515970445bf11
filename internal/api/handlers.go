package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"

	"fitsync/internal/errors"
	"fitsync/internal/logging"
	"fitsync/internal/storage"
	"fitsync/internal/websocket"
	"fitsync/pkg/types"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients are native apps, not browsers; origin checks add nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := map[string]any{
		"status":    "healthy",
		"version":   r.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if r.hub != nil {
		status["websocket_clients"] = r.hub.ClientCount()
	}
	r.writeJSON(w, req, http.StatusOK, status)
}

// handleListConflicts serves the conflict inbox for one user.
func (r *Router) handleListConflicts(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	userID := q.Get("user_id")

	opts := storage.ListOptions{
		IncludeResolved: q.Get("include_resolved") == "true",
		DataType:        types.DataType(q.Get("data_type")),
	}
	if opts.DataType != "" && !opts.DataType.Valid() {
		r.writeError(w, req, errors.NewValidationError("data_type", "unknown data type", string(opts.DataType)))
		return
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			r.writeError(w, req, errors.NewValidationError("limit", "must be a positive integer", limit))
			return
		}
		opts.Limit = n
	}

	summaries, err := r.service.ListSummaries(req.Context(), userID, opts)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, req, http.StatusOK, map[string]any{
		"conflicts": summaries,
		"count":     len(summaries),
	})
}

func (r *Router) handleGetConflict(w http.ResponseWriter, req *http.Request) {
	c, err := r.service.Get(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, req, http.StatusOK, c)
}

func (r *Router) handleGetEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.service.Events(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, req, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleDetect runs conflict detection for one entity. 200 with the record
// when the snapshots disagree, 204 when they are equivalent.
func (r *Router) handleDetect(w http.ResponseWriter, req *http.Request) {
	var in types.DetectInput
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		r.writeError(w, req, errors.NewValidationError("body", "invalid JSON", nil))
		return
	}

	c, err := r.service.Detect(req.Context(), in)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	if c == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	r.writeJSON(w, req, http.StatusOK, c)
}

func (r *Router) handleAttempt(w http.ResponseWriter, req *http.Request) {
	c, resolved, err := r.service.AttemptAutoResolution(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, req, http.StatusOK, map[string]any{
		"resolved": resolved,
		"conflict": c,
	})
}

type resolveRequest struct {
	Strategy      types.ResolutionStrategy `json:"strategy"`
	ResolvedValue map[string]any           `json:"resolved_value,omitempty"`
	ResolvedBy    string                   `json:"resolved_by"`
	Notes         string                   `json:"notes,omitempty"`
}

func (r *Router) handleResolve(w http.ResponseWriter, req *http.Request) {
	var body resolveRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		r.writeError(w, req, errors.NewValidationError("body", "invalid JSON", nil))
		return
	}

	c, err := r.service.ApplyManualResolution(req.Context(), chi.URLParam(req, "id"),
		body.Strategy, body.ResolvedValue, body.ResolvedBy, body.Notes)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, req, http.StatusOK, c)
}

func (r *Router) handleRecommendation(w http.ResponseWriter, req *http.Request) {
	var rec types.AIRecommendation
	if err := json.NewDecoder(req.Body).Decode(&rec); err != nil {
		r.writeError(w, req, errors.NewValidationError("body", "invalid JSON", nil))
		return
	}

	c, err := r.service.AttachRecommendation(req.Context(), chi.URLParam(req, "id"), rec)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, req, http.StatusOK, c)
}

func (r *Router) handleEscalate(w http.ResponseWriter, req *http.Request) {
	c, err := r.service.Escalate(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	r.writeJSON(w, req, http.StatusOK, c)
}

// handleWebSocket upgrades the connection and registers it with the hub.
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("user_id")
	if userID == "" {
		r.writeError(w, req, errors.NewRequiredFieldError("user_id"))
		return
	}
	syncSessionID := req.URL.Query().Get("sync_session_id")

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.WarnContext(req.Context(), "websocket upgrade failed", "error", err)
		return
	}

	client := websocket.NewClient(uuid.New().String(), conn, r.hub, userID, syncSessionID)
	r.hub.RegisterClient(client)

	// The request context dies with this handler; the pumps live until
	// the client disconnects or the hub shuts down.
	go client.WritePump(context.Background())
	go client.ReadPump(context.Background())
}

func (r *Router) writeJSON(w http.ResponseWriter, req *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.ErrorContext(req.Context(), "failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	se := errors.AsStandard(err)
	if traceID := logging.GetTraceID(req.Context()); traceID != "" {
		se = se.WithTraceID(traceID)
	}
	se.WriteHTTPError(w)
}
