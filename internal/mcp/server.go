package mcp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
)

// Catalog is the service registry as seen by the tools.
type Catalog interface {
	Resolve(ctx context.Context, serviceID string) (*model.ServiceDescriptor, error)
	ListActive(ctx context.Context) ([]model.ServiceDescriptor, error)
	Refresh(ctx context.Context) (int, error)
}

// Statistics is the aggregator as seen by the tools.
type Statistics interface {
	Realtime(ctx context.Context, serviceID string) (model.Counters, error)
	Persisted(ctx context.Context, serviceID, date string) (*model.DailyStats, error)
	Flush(ctx context.Context) (stats.FlushResult, error)
}

// Sessions reports session binding state.
type Sessions interface {
	Exists(ctx context.Context, sessionID string) (bool, error)
	RemainingTTL(ctx context.Context, sessionID string) (int64, error)
}

// MCPServer wraps the mcp-go server with the gateway's operator tools and
// resources, so an agent can inspect services, statistics and sessions.
type MCPServer struct {
	catalog  Catalog
	stats    Statistics
	sessions Sessions
	logger   *slog.Logger
	server   *server.MCPServer
}

// NewMCPServer creates an MCPServer with all tools and resources registered.
// The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(catalog Catalog, statistics Statistics, sessions Sessions, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		catalog:  catalog,
		stats:    statistics,
		sessions: sessions,
		logger:   logger,
	}

	mcpServer := server.NewMCPServer(
		"MCP Gateway",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves the tools over stdin/stdout until the input closes.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// Handler returns a Streamable HTTP handler for mounting on an existing
// router, typically behind admin authentication.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server, server.WithStateLess(true))
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
