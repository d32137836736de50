package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	servicesURI      = "gateway://services"
	statsURIPrefix   = "gateway://stats/"
	statsURITemplate = statsURIPrefix + "{service}"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// gateway://services: active services
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			servicesURI,
			"Active MCP Services",
			mcp.WithResourceDescription("Services currently routable under /gateway/{serviceId}."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleServicesResource,
	)

	// -------------------------------------------------------------------
	// gateway://stats/{service}: today's statistics (template)
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			statsURITemplate,
			"Service Statistics",
			mcp.WithTemplateDescription("Today's call statistics for one service."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleStatsResource,
	)
}

func (s *MCPServer) handleServicesResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	services, err := s.catalog.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	b, err := json.MarshalIndent(services, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal services: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func (s *MCPServer) handleStatsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id := strings.TrimPrefix(request.Params.URI, statsURIPrefix)
	if id == "" || strings.Contains(id, "/") {
		return nil, fmt.Errorf("invalid statistics URI %q", request.Params.URI)
	}
	report, err := s.reportFor(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read statistics for %s: %w", id, err)
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal statistics: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
