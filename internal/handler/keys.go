package handler

import (
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/service"
)

var keyHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// KeyHandler manages gateway auth keys and their cached decisions.
type KeyHandler struct {
	keys  *service.KeyService
	cache service.CacheInvalidator
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys *service.KeyService, cache service.CacheInvalidator) *KeyHandler {
	return &KeyHandler{keys: keys, cache: cache}
}

// ListKeys returns key records. Hashes are never included.
// GET /admin/v1/keys?user_id=&service_id=&active=true
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context(), config.KeyFilter{
		UserID:     r.URL.Query().Get("user_id"),
		ServiceID:  r.URL.Query().Get("service_id"),
		ActiveOnly: queryBool(r, "active"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, "Failed to list keys: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

type createKeyRequest struct {
	UserID    string `json:"user_id"`
	ServiceID string `json:"service_id"`
	Label     string `json:"label"`
	ExpiresIn string `json:"expires_in"` // Go duration, empty for no expiry
	Replace   bool   `json:"replace"`
}

type createKeyResponse struct {
	Key    *model.AuthKey `json:"key"`
	RawKey string         `json:"raw_key"`
}

// CreateKey issues a key. The raw key appears only in this response.
// POST /admin/v1/keys
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, reasonBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, reasonBadRequest, "user_id is required")
		return
	}
	var ttl time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, reasonBadRequest, "expires_in must be a positive duration such as 720h")
			return
		}
		ttl = d
	}

	issued, err := h.keys.Issue(r.Context(), service.IssueKeyRequest{
		UserID:    req.UserID,
		ServiceID: req.ServiceID,
		Label:     req.Label,
		TTL:       ttl,
		Replace:   req.Replace,
	})
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			writeError(w, http.StatusNotFound, reasonNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, reasonInternal, "Failed to create key: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: issued.Key, RawKey: issued.RawKey})
}

// RevokeKey deactivates a key by id or display prefix.
// DELETE /admin/v1/keys/{keyId}
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "keyId")
	key, err := h.keys.Revoke(r.Context(), ref)
	if err != nil {
		writeStoreError(w, err, "Failed to revoke key "+ref)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// ForgetCachedKey drops the positive and negative cache entries for a key
// hash, forcing the next request to consult the durable store.
// DELETE /admin/v1/auth/cache/{keyHash}
func (h *KeyHandler) ForgetCachedKey(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "keyHash")
	if !keyHashPattern.MatchString(hash) {
		writeError(w, http.StatusBadRequest, reasonBadRequest, "keyHash must be a lowercase hex SHA-256 digest")
		return
	}
	if err := h.cache.Forget(r.Context(), hash); err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, "Failed to clear cache: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
