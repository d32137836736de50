package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	gwmcp "github.com/w3z4y4/mcp-gateway/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the gateway's own MCP server over stdio",
		Long: `Start a Model Context Protocol (MCP) server that exposes gateway operations
(service catalog, statistics, session lookups, cache refresh) as tools for AI agents.

The server speaks JSON-RPC over stdin/stdout, suitable for Claude Desktop or other
MCP clients. A running 'gateway serve' also exposes the same tools over streamable
HTTP at /admin/v1/mcp.`,
		Example: `  gateway mcp --config /etc/gateway/gateway.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, s *stack) error {
				if _, err := s.registry.Refresh(ctx); err != nil {
					s.logger.Warn("registry refresh failed", "error", err)
				}
				srv := gwmcp.NewMCPServer(s.registry, s.stats, s.sessions, versionString(), s.logger)
				if err := srv.ServeStdio(); err != nil {
					return fmt.Errorf("mcp stdio: %w", err)
				}
				return nil
			})
		},
	}

	return cmd
}
