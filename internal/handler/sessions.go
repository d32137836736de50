package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/w3z4y4/mcp-gateway/internal/session"
)

// SessionStore is the session affinity store as seen by the admin API.
type SessionStore interface {
	Exists(ctx context.Context, sessionID string) (bool, error)
	RemainingTTL(ctx context.Context, sessionID string) (int64, error)
	Unbind(ctx context.Context, sessionID string) error
	ExtendTTL(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
}

// SessionHandler inspects and removes session bindings. The bound key
// fingerprint is never returned.
type SessionHandler struct {
	sessions SessionStore
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionStore) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type sessionInfo struct {
	SessionID  string `json:"session_id"`
	Exists     bool   `json:"exists"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// GetSession reports whether a binding exists and its remaining lifetime.
// GET /admin/v1/sessions/{sessionId}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sessionId")
	ok, err := h.sessions.Exists(r.Context(), sid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, err.Error())
		return
	}
	info := sessionInfo{SessionID: sid, Exists: ok, TTLSeconds: session.Absent}
	if ok {
		ttl, err := h.sessions.RemainingTTL(r.Context(), sid)
		if err != nil {
			writeError(w, http.StatusInternalServerError, reasonInternal, err.Error())
			return
		}
		info.TTLSeconds = ttl
	}
	writeJSON(w, http.StatusOK, info)
}

// DeleteSession removes a binding. Unknown sessions are not an error.
// DELETE /admin/v1/sessions/{sessionId}
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sessionId")
	if err := h.sessions.Unbind(r.Context(), sid); err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type extendRequest struct {
	TTL string `json:"ttl"`
}

// ExtendSession resets the lifetime of an existing binding. An empty ttl
// applies the default session lifetime.
// PUT /admin/v1/sessions/{sessionId}/ttl
func (h *SessionHandler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sessionId")
	var req extendRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, reasonBadRequest, "Invalid JSON body")
			return
		}
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, reasonBadRequest, "ttl must be a positive duration such as 30m")
			return
		}
		ttl = d
	}
	ok, err := h.sessions.ExtendTTL(r.Context(), sid, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, reasonNotFound, "session "+sid+" is not bound")
		return
	}
	remaining, err := h.sessions.RemainingTTL(r.Context(), sid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo{SessionID: sid, Exists: true, TTLSeconds: remaining})
}
