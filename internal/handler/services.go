package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/model"
)

// ServiceRegistry is the part of the registry cache the admin API drives.
type ServiceRegistry interface {
	ListActive(ctx context.Context) ([]model.ServiceDescriptor, error)
	Refresh(ctx context.Context) (int, error)
	Put(ctx context.Context, desc *model.ServiceDescriptor) error
	Invalidate(ctx context.Context, serviceID string) error
	IsCached(ctx context.Context, serviceID string) bool
}

// ServiceHandler manages MCP service descriptors.
type ServiceHandler struct {
	store    *config.Store
	registry ServiceRegistry
	logger   *slog.Logger
}

// NewServiceHandler creates a new ServiceHandler.
func NewServiceHandler(store *config.Store, registry ServiceRegistry, logger *slog.Logger) *ServiceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceHandler{store: store, registry: registry, logger: logger}
}

// ListServices returns the active services known to the registry cache.
// GET /admin/v1/services
func (h *ServiceHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	var (
		services []model.ServiceDescriptor
		err      error
	)
	if queryBool(r, "all") {
		services, err = h.store.ListServices(r.Context())
	} else {
		services, err = h.registry.ListActive(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, "Failed to list services: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"services": services,
		"count":    len(services),
	})
}

// GetService returns one descriptor regardless of status.
// GET /admin/v1/services/{serviceId}
func (h *ServiceHandler) GetService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serviceId")
	svc, err := h.store.FindServiceByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "Failed to get service "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": svc,
		"cached":  h.registry.IsCached(r.Context(), id),
	})
}

type serviceRequest struct {
	ServiceID      string `json:"service_id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Endpoint       string `json:"endpoint"`
	HealthCheckURL string `json:"health_check_url"`
	Documentation  string `json:"documentation"`
	Status         string `json:"status"`
	MaxQPS         int    `json:"max_qps"`
}

func (req serviceRequest) descriptor() (*model.ServiceDescriptor, error) {
	svc := &model.ServiceDescriptor{
		ServiceID:      strings.TrimSpace(req.ServiceID),
		Name:           req.Name,
		Description:    req.Description,
		Endpoint:       strings.TrimSpace(req.Endpoint),
		HealthCheckURL: req.HealthCheckURL,
		Documentation:  req.Documentation,
		MaxQPS:         req.MaxQPS,
	}
	if req.Status != "" {
		st, err := model.ParseServiceStatus(req.Status)
		if err != nil {
			return nil, err
		}
		svc.Status = st
	}
	return svc, nil
}

// CreateService registers a new backend.
// POST /admin/v1/services
func (h *ServiceHandler) CreateService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, reasonBadRequest, "Invalid request body: "+err.Error())
		return
	}
	svc, err := req.descriptor()
	if err != nil {
		writeError(w, http.StatusBadRequest, reasonBadRequest, err.Error())
		return
	}
	if svc.ServiceID == "" || strings.Contains(svc.ServiceID, "/") {
		writeError(w, http.StatusBadRequest, reasonBadRequest, "service_id is required and must not contain '/'")
		return
	}
	if u, err := url.Parse(svc.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		writeError(w, http.StatusBadRequest, reasonBadRequest, "endpoint must be an absolute URL")
		return
	}

	if err := h.store.CreateService(r.Context(), svc); err != nil {
		writeStoreError(w, err, "Failed to create service")
		return
	}
	h.publish(r.Context(), svc)
	writeJSON(w, http.StatusCreated, svc)
}

type statusRequest struct {
	Status string `json:"status"`
}

// SetServiceStatus moves a service between lifecycle states. The cache is
// updated so the change takes effect on the next request.
// PUT /admin/v1/services/{serviceId}/status
func (h *ServiceHandler) SetServiceStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serviceId")
	var req statusRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, reasonBadRequest, "Invalid request body: "+err.Error())
		return
	}
	st, err := model.ParseServiceStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, reasonBadRequest, err.Error())
		return
	}
	if err := h.store.SetServiceStatus(r.Context(), id, st); err != nil {
		writeStoreError(w, err, "Failed to update service "+id)
		return
	}
	if svc, err := h.store.FindServiceByID(r.Context(), id); err == nil {
		h.publish(r.Context(), svc)
	} else {
		h.invalidate(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"service_id": id, "status": string(st)})
}

// DeleteService removes a service descriptor.
// DELETE /admin/v1/services/{serviceId}
func (h *ServiceHandler) DeleteService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serviceId")
	if err := h.store.DeleteService(r.Context(), id); err != nil {
		writeStoreError(w, err, "Failed to delete service "+id)
		return
	}
	h.invalidate(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

// RefreshServices rebuilds the active set from the durable store.
// POST /admin/v1/services/refresh
func (h *ServiceHandler) RefreshServices(w http.ResponseWriter, r *http.Request) {
	n, err := h.registry.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, "Refresh failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"active": n})
}

// publish mirrors a stored descriptor into the registry cache.
func (h *ServiceHandler) publish(ctx context.Context, svc *model.ServiceDescriptor) {
	if err := h.registry.Put(ctx, svc); err != nil {
		h.logger.Warn("registry update failed", "service_id", svc.ServiceID, "error", err)
	}
}

func (h *ServiceHandler) invalidate(ctx context.Context, id string) {
	if err := h.registry.Invalidate(ctx, id); err != nil {
		h.logger.Warn("registry invalidation failed", "service_id", id, "error", err)
	}
}
