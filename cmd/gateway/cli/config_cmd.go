package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/service"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gateway configuration",
		Long:  "Initialize a default configuration file, display the effective configuration, or generate MCP client configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigClientCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		path  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default gateway.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			if err := config.WriteDefaultConfig(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Created %s\n", path)
			fmt.Println("Set admin.jwt_secret (or GATEWAY_ADMIN_JWT_SECRET), register services with 'gateway service add', then run 'gateway serve'.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")
	cmd.Flags().StringVarP(&path, "output", "o", "gateway.yaml", "Path of the file to create")

	return cmd
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		Long:  "Print the configuration serve would use after defaults, the config file and GATEWAY_* overrides. Secrets are masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if f := viper.ConfigFileUsed(); cfgFile != "" || f != "" {
				if cfgFile != "" {
					f = cfgFile
				}
				fmt.Printf("# Config file: %s\n", f)
			} else {
				fmt.Println("# Config file: (none found, using defaults)")
			}
			fmt.Printf("# Data dir:    %s\n", resolveDataDir())

			data, err := yaml.Marshal(maskSecrets(*cfg))
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

const masked = "********"

// maskSecrets returns a copy of cfg safe to print.
func maskSecrets(cfg config.YAMLConfig) config.YAMLConfig {
	if cfg.Admin.JWTSecret != "" {
		cfg.Admin.JWTSecret = masked
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = masked
	}
	if cfg.Database.DSN != "" && cfg.Database.Driver != string(config.DialectSQLite) {
		cfg.Database.DSN = masked
	}
	if len(cfg.Auth.StaticKeys) > 0 {
		keys := make([]string, len(cfg.Auth.StaticKeys))
		for i := range keys {
			keys[i] = masked
		}
		cfg.Auth.StaticKeys = keys
	}
	return cfg
}

// ---------- config client ----------

func newConfigClientCmd() *cobra.Command {
	var (
		services   []string
		rawKey     string
		issue      bool
		userID     string
		format     string
		baseURL    string
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Generate MCP client configuration for gateway services",
		Long: `Generate the configuration an MCP client needs to reach services through the gateway.

YAML output follows the spring.ai.mcp.client SSE connection layout with the key in the
query string; JSON output maps each service to its SSE URL and an Authorization header.
Keys are stored hashed, so either pass an existing raw key with --key or mint one key
per service with --issue --user.`,
		Example: `  gateway config client --key mcpgw_... --services weather,search
  gateway config client --issue --user alice --format json -o mcp.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rawKey == "" && !issue {
				return fmt.Errorf("pass --key <raw key> or --issue --user <user>")
			}
			if issue && userID == "" {
				return fmt.Errorf("--issue requires --user")
			}

			return withStack(func(ctx context.Context, s *stack) error {
				targets, err := clientTargets(ctx, s, services)
				if err != nil {
					return err
				}

				keys := service.NewKeyService(s.store, s.resolver, s.logger)
				conns := make([]clientConn, 0, len(targets))
				for _, svc := range targets {
					key := rawKey
					if issue {
						issued, err := keys.Issue(ctx, service.IssueKeyRequest{
							UserID:    userID,
							ServiceID: svc.ServiceID,
							Label:     "client-config",
						})
						if err != nil {
							return fmt.Errorf("issue key for %s: %w", svc.ServiceID, err)
						}
						key = issued.RawKey
					} else if d := s.resolver.Validate(ctx, key, svc.ServiceID); !d.Allowed {
						return fmt.Errorf("key is not valid for service %s (%s)", svc.ServiceID, d.Code)
					}
					conns = append(conns, clientConn{ServiceID: svc.ServiceID, Key: key})
				}

				if baseURL == "" {
					baseURL = fmt.Sprintf("http://localhost:%d", s.cfg.Server.Port)
				}
				data, err := renderClientConfig(format, baseURL, s.cfg.Gateway.Prefix, conns)
				if err != nil {
					return err
				}
				if outputFile == "" {
					fmt.Print(string(data))
					return nil
				}
				if err := os.WriteFile(outputFile, data, 0600); err != nil {
					return fmt.Errorf("write %s: %w", outputFile, err)
				}
				fmt.Fprintf(os.Stderr, "Wrote %s (%d services)\n", outputFile, len(conns))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&services, "services", nil, "Service ids to include (default: every active service)")
	cmd.Flags().StringVar(&rawKey, "key", "", "Existing raw key to embed")
	cmd.Flags().BoolVar(&issue, "issue", false, "Issue a new key per service")
	cmd.Flags().StringVar(&userID, "user", "", "Owner of issued keys")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml or json")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Public gateway URL (default: http://localhost:<server.port>)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write to file instead of stdout")

	return cmd
}

// clientTargets resolves the requested service ids. Unknown ids are an
// error; services that are not active are skipped with a warning.
func clientTargets(ctx context.Context, s *stack, ids []string) ([]model.ServiceDescriptor, error) {
	if len(ids) == 0 {
		active, err := s.store.ListServicesByStatus(ctx, model.StatusActive)
		if err != nil {
			return nil, fmt.Errorf("list services: %w", err)
		}
		if len(active) == 0 {
			return nil, fmt.Errorf("no active services registered")
		}
		return active, nil
	}

	var out []model.ServiceDescriptor
	for _, id := range ids {
		id = strings.TrimSpace(id)
		svc, err := s.store.FindServiceByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", id, err)
		}
		if !svc.IsActive() {
			fmt.Fprintf(os.Stderr, "warning: service %s is %s; skipped\n", id, svc.Status)
			continue
		}
		out = append(out, *svc)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one active service must be selected")
	}
	return out, nil
}
