// Package api provides the HTTP surface of a conduit server.
// It exposes REST endpoints for session management, SSE for lifecycle
// events, and mounts the WebSocket transport.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/conduit/internal/chat"
	"github.com/zjrosen/conduit/internal/hub"
	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/metrics"
	"github.com/zjrosen/conduit/internal/protocol"
	"github.com/zjrosen/conduit/internal/pubsub"
	"github.com/zjrosen/conduit/internal/registry"
	"github.com/zjrosen/conduit/internal/sessions/domain"
)

// Store is the persistence the API reads and edits.
type Store interface {
	domain.SessionRepository
	domain.EventRepository
}

// Runtime is the live side of the server, implemented by *hub.Hub.
type Runtime interface {
	Kill(ctx context.Context, id string) bool
	IsLive(id string) bool
	Usage(id string) (metrics.TokenMetrics, bool)
	Live() []registry.Snapshot
}

// Handler provides HTTP endpoints for session operations.
type Handler struct {
	store     Store
	runtime   Runtime
	lifecycle pubsub.Subscriber[hub.Lifecycle]
	ws        http.Handler
	heartbeat time.Duration
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Store holds sessions and their history (required).
	Store Store
	// Runtime reports and stops live sessions (required).
	Runtime Runtime
	// Lifecycle feeds GET /events. If nil the endpoint returns 404.
	Lifecycle pubsub.Subscriber[hub.Lifecycle]
	// WebSocket serves GET /ws. If nil the endpoint returns 404.
	WebSocket http.Handler
	// Heartbeat is the SSE keep-alive interval. Defaults to 30s.
	Heartbeat time.Duration
}

// NewHandler creates a new API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Handler{
		store:     cfg.Store,
		runtime:   cfg.Runtime,
		lifecycle: cfg.Lifecycle,
		ws:        cfg.WebSocket,
		heartbeat: heartbeat,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /sessions", h.List)
	mux.HandleFunc("GET /sessions/{id}", h.Get)
	mux.HandleFunc("GET /sessions/{id}/messages", h.Messages)
	mux.HandleFunc("PATCH /sessions/{id}", h.Patch)
	mux.HandleFunc("DELETE /sessions/{id}", h.Delete)

	if h.lifecycle != nil {
		mux.HandleFunc("GET /events", h.StreamEvents)
	}
	if h.ws != nil {
		mux.Handle("GET /ws", h.ws)
	}

	mux.HandleFunc("GET /health", h.Health)

	return mux
}

// === Request/Response Types ===

// SessionResponse is the response body for a single session.
type SessionResponse struct {
	protocol.SessionView
	Live  bool                  `json:"live"`
	Usage *metrics.TokenMetrics `json:"usage,omitempty"`
}

// ListSessionsResponse is the response body for listing sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

// MessagesResponse is the response body for a session's transcript.
type MessagesResponse struct {
	Messages []chat.Message `json:"messages"`
	Total    int            `json:"total"`
}

// PatchSessionRequest is the request body for editing a session. Absent
// fields are left unchanged.
type PatchSessionRequest struct {
	Title    *string   `json:"title,omitempty"`
	Starred  *bool     `json:"starred,omitempty"`
	Archived *bool     `json:"archived,omitempty"`
	Tags     *[]string `json:"tags,omitempty"`
}

func (r PatchSessionRequest) patch() domain.SessionPatch {
	return domain.SessionPatch{
		Title:    r.Title,
		Starred:  r.Starred,
		Archived: r.Archived,
		Tags:     r.Tags,
	}
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status string              `json:"status"`
	Live   []registry.Snapshot `json:"live,omitempty"`
}

// === Handlers ===

// List returns stored sessions, most recently updated first.
// GET /sessions?status=&starred=&archived=&limit=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := listFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	sessions, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list sessions", err.Error())
		return
	}

	resp := ListSessionsResponse{Sessions: make([]SessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, h.sessionToResponse(s))
	}
	resp.Total = len(resp.Sessions)

	h.writeJSON(w, http.StatusOK, resp)
}

// Get returns one session.
// GET /sessions/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err, "get_failed", "Failed to get session")
		return
	}
	h.writeJSON(w, http.StatusOK, h.sessionToResponse(s))
}

// Messages returns a session's stored transcript in order.
// GET /sessions/{id}/messages
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.Get(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "get_failed", "Failed to get session")
		return
	}

	records, err := h.store.ListEvents(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "history_failed", "Failed to load history", err.Error())
		return
	}

	resp := MessagesResponse{Messages: []chat.Message{}}
	for _, rec := range records {
		evt, err := protocol.FromRecord(rec)
		if err != nil {
			log.Warn(log.CatAPI, "skipping undecodable event", "session", id, "seq", rec.Seq, "error", err)
			continue
		}
		if m, ok := evt.(protocol.MessageEvent); ok {
			resp.Messages = append(resp.Messages, m.Message)
		}
	}
	resp.Total = len(resp.Messages)

	h.writeJSON(w, http.StatusOK, resp)
}

// Patch edits a session's title, star, archive flag or tags.
// PATCH /sessions/{id}
func (h *Handler) Patch(w http.ResponseWriter, r *http.Request) {
	var req PatchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	patch := req.patch()
	if patch.IsEmpty() {
		h.writeError(w, http.StatusBadRequest, "validation_error", "no editable fields in body", "")
		return
	}

	s, err := h.store.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		h.writeStoreError(w, err, "update_failed", "Failed to update session")
		return
	}
	h.writeJSON(w, http.StatusOK, h.sessionToResponse(s))
}

// Delete stops a live session and soft-deletes it.
// DELETE /sessions/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.Get(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "get_failed", "Failed to get session")
		return
	}

	if h.runtime.Kill(r.Context(), id) {
		log.Info(log.CatAPI, "killed live session before delete", "session", id)
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "delete_failed", "Failed to delete session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// StreamEvents streams session lifecycle events via SSE.
// GET /events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	events := h.lifecycle.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event.Payload)
			if err != nil {
				log.ErrorErr(log.CatAPI, "failed to marshal lifecycle event", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Payload.Kind, data)
			flusher.Flush()
		}
	}
}

// Health reports whether storage answers and which sessions are live.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.List(r.Context(), domain.ListFilter{Limit: 1}); err != nil {
		log.ErrorErr(log.CatAPI, "health check failed", err)
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy"})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Live: h.runtime.Live()})
}

// === Helpers ===

func listFilter(r *http.Request) (domain.ListFilter, error) {
	q := r.URL.Query()
	var filter domain.ListFilter

	if v := q.Get("status"); v != "" {
		status := domain.SessionStatus(strings.ToLower(v))
		if !status.IsValid() {
			return filter, fmt.Errorf("unknown status %q", v)
		}
		filter.Status = status
	}
	for name, dst := range map[string]*bool{
		"starred":  &filter.Starred,
		"archived": &filter.IncludeArchived,
	} {
		if v := q.Get(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return filter, fmt.Errorf("%s must be a boolean", name)
			}
			*dst = b
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

func (h *Handler) sessionToResponse(s *domain.Session) SessionResponse {
	resp := SessionResponse{
		SessionView: protocol.ViewOf(s),
		Live:        h.runtime.IsLive(s.ID()),
	}
	if usage, ok := h.runtime.Usage(s.ID()); ok {
		resp.Usage = &usage
	}
	return resp
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, code, message string) {
	var notFound *domain.SessionNotFoundError
	var invalid *domain.InvalidStatusError
	switch {
	case errors.As(err, &notFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Session not found", "")
	case errors.As(err, &invalid):
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
	default:
		h.writeError(w, http.StatusInternalServerError, code, message, err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
