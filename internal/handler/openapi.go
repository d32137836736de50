package handler

import (
	"context"
	"net/http"

	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/openapi"
)

// ActiveLister returns the services currently accepting traffic.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]model.ServiceDescriptor, error)
}

// OpenAPIHandler renders the gateway's OpenAPI document on each request, so
// services registered at runtime show up without a restart.
type OpenAPIHandler struct {
	services ActiveLister
	opts     openapi.Options
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(services ActiveLister, opts openapi.Options) *OpenAPIHandler {
	return &OpenAPIHandler{services: services, opts: opts}
}

// ServeSpec returns the document for all active services.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	services, err := h.services.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, "Failed to list services: "+err.Error())
		return
	}

	opts := h.opts
	if opts.BaseURL == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		opts.BaseURL = scheme + "://" + r.Host
	}

	doc, err := openapi.GenerateGatewaySpec(services, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, reasonInternal, "Failed to build document: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
