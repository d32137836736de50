package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/w3z4y4/mcp-gateway/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		outputFile string
		baseURL    string
		noAdmin    bool
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI document",
		Long: `Generate the OpenAPI 3.1 document of the gateway: the generic proxy route, one
tag per active service, and (unless --no-admin) the admin API.`,
		Example: `  gateway openapi                          # print to stdout
  gateway openapi -o openapi.json --base-url https://gw.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, s *stack) error {
				services, err := s.store.ListServices(ctx)
				if err != nil {
					return fmt.Errorf("list services: %w", err)
				}
				if baseURL == "" {
					baseURL = fmt.Sprintf("http://localhost:%d", s.cfg.Server.Port)
				}
				doc, err := openapi.GenerateGatewaySpec(services, openapi.Options{
					BaseURL:       baseURL,
					Version:       versionString(),
					Prefix:        s.cfg.Gateway.Prefix,
					RoutePrefixes: s.cfg.Gateway.RoutePrefixes,
					Admin:         s.cfg.Admin.Enabled && !noAdmin,
				})
				if err != nil {
					return fmt.Errorf("generate openapi: %w", err)
				}

				data, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return err
				}
				if outputFile == "" {
					fmt.Println(string(data))
					return nil
				}
				if err := os.WriteFile(outputFile, append(data, '\n'), 0644); err != nil {
					return fmt.Errorf("write %s: %w", outputFile, err)
				}
				fmt.Fprintf(os.Stderr, "Wrote %s\n", outputFile)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Server URL advertised in the document")
	cmd.Flags().BoolVar(&noAdmin, "no-admin", false, "Leave the admin API out of the document")

	return cmd
}
