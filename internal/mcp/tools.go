package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/registry"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
)

// registerTools registers all gateway MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Discovery tools -----

	srv.AddTool(
		mcp.NewTool("gateway_list_services",
			mcp.WithDescription(
				"List the MCP services currently accepting traffic through the gateway. "+
					"Returns each service's id, name, endpoint and QPS limit.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListServices,
	)

	srv.AddTool(
		mcp.NewTool("gateway_get_service",
			mcp.WithDescription(
				"Resolve one active service by id, as the proxy would for an incoming request.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("service_id",
				mcp.Required(),
				mcp.Description("Service id as used in /gateway/{serviceId}/..."),
			),
		),
		s.handleGetService,
	)

	// ----- Statistics tools -----

	srv.AddTool(
		mcp.NewTool("gateway_service_stats",
			mcp.WithDescription(
				"Call statistics for a service: total, successful and failed calls, success "+
					"rate, average and maximum response time, and unique callers. The realtime "+
					"source reads today's live counters; persisted reads the durable daily row.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("service_id",
				mcp.Required(),
				mcp.Description("Service id"),
			),
			mcp.WithString("source",
				mcp.Description("realtime (default) or persisted"),
				mcp.Enum("realtime", "persisted"),
			),
			mcp.WithString("date",
				mcp.Description("Day for persisted statistics, YYYY-MM-DD. Defaults to today."),
			),
		),
		s.handleServiceStats,
	)

	// ----- Session tools -----

	srv.AddTool(
		mcp.NewTool("gateway_session_lookup",
			mcp.WithDescription(
				"Check whether a backend session id is bound to a caller and how long the "+
					"binding has left. The bound key is never revealed.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Session id issued by a backend"),
			),
		),
		s.handleSessionLookup,
	)

	// ----- Maintenance tools -----

	srv.AddTool(
		mcp.NewTool("gateway_refresh_services",
			mcp.WithDescription(
				"Rebuild the cached active-service set from the durable store. Use after "+
					"changing services outside the admin API.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
		),
		s.handleRefreshServices,
	)

	srv.AddTool(
		mcp.NewTool("gateway_flush_stats",
			mcp.WithDescription(
				"Merge live statistics into the durable store now instead of waiting for "+
					"the scheduled flush.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
		),
		s.handleFlushStats,
	)
}

// --------------------------------------------------------------------------
// Tool handlers
// --------------------------------------------------------------------------

func (s *MCPServer) handleListServices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	services, err := s.catalog.ListActive(ctx)
	if err != nil {
		return toolError("Failed to list services: %v", err)
	}

	type serviceInfo struct {
		ServiceID   string `json:"service_id"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Endpoint    string `json:"endpoint"`
		MaxQPS      int    `json:"max_qps,omitempty"`
	}
	items := make([]serviceInfo, len(services))
	for i, svc := range services {
		items[i] = serviceInfo{
			ServiceID:   svc.ServiceID,
			Name:        svc.Name,
			Description: svc.Description,
			Endpoint:    svc.Endpoint,
			MaxQPS:      svc.MaxQPS,
		}
	}
	return successJSON(map[string]interface{}{
		"services": items,
		"count":    len(items),
	})
}

func (s *MCPServer) handleGetService(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "service_id")
	if err != nil {
		return toolError("%v", err)
	}
	svc, err := s.catalog.Resolve(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return toolError("Service %q is not registered or not active", id)
	}
	if err != nil {
		return toolError("Failed to resolve service %q: %v", id, err)
	}
	return successJSON(svc)
}

func (s *MCPServer) handleServiceStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "service_id")
	if err != nil {
		return toolError("%v", err)
	}

	switch source := optionalString(request, "source"); source {
	case "", "realtime":
		c, err := s.stats.Realtime(ctx, id)
		if err != nil {
			return toolError("Failed to read live statistics: %v", err)
		}
		return successJSON(c.Report())
	case "persisted":
		date := optionalString(request, "date")
		if date != "" {
			if _, err := time.Parse(stats.DateLayout, date); err != nil {
				return toolError("date must be YYYY-MM-DD, got %q", date)
			}
		}
		row, err := s.stats.Persisted(ctx, id, date)
		if stats.IsNotFound(err) {
			return toolError("No persisted statistics for %q yet; try gateway_flush_stats first", id)
		}
		if err != nil {
			return toolError("Failed to read statistics: %v", err)
		}
		return successJSON(row.Report())
	default:
		return toolError("source must be realtime or persisted, got %q", source)
	}
}

func (s *MCPServer) handleSessionLookup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid, err := requireString(request, "session_id")
	if err != nil {
		return toolError("%v", err)
	}
	exists, err := s.sessions.Exists(ctx, sid)
	if err != nil {
		return toolError("Failed to look up session: %v", err)
	}
	ttl, err := s.sessions.RemainingTTL(ctx, sid)
	if err != nil {
		return toolError("Failed to read session TTL: %v", err)
	}
	return successJSON(map[string]interface{}{
		"session_id":  sid,
		"exists":      exists,
		"ttl_seconds": ttl,
	})
}

func (s *MCPServer) handleRefreshServices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := s.catalog.Refresh(ctx)
	if err != nil {
		return toolError("Refresh failed: %v", err)
	}
	s.logger.Info("service set refreshed via MCP", "active", n)
	return successJSON(map[string]int{"active": n})
}

func (s *MCPServer) handleFlushStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.stats.Flush(ctx)
	if errors.Is(err, stats.ErrFlushInProgress) {
		return toolError("Another flush is running; try again shortly")
	}
	if err != nil {
		return toolError("Flush failed: %v", err)
	}
	return successJSON(res)
}

// reportFor picks live counters when the service has any for today, else
// the newest persisted row.
func (s *MCPServer) reportFor(ctx context.Context, serviceID string) (model.StatsReport, error) {
	c, err := s.stats.Realtime(ctx, serviceID)
	if err != nil {
		return model.StatsReport{}, err
	}
	if c.TotalCalls > 0 {
		return c.Report(), nil
	}
	row, err := s.stats.Persisted(ctx, serviceID, "")
	if stats.IsNotFound(err) {
		return c.Report(), nil
	}
	if err != nil {
		return model.StatsReport{}, err
	}
	return row.Report(), nil
}
