package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/w3z4y4/mcp-gateway/internal/model"
)

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "service",
		Aliases: []string{"svc"},
		Short:   "Manage registered MCP services",
		Long:    "Register MCP backends, change their lifecycle status, and rebuild the registry cache.",
	}

	cmd.AddCommand(newServiceAddCmd())
	cmd.AddCommand(newServiceListCmd())
	cmd.AddCommand(newServiceStatusCmd())
	cmd.AddCommand(newServiceRemoveCmd())
	cmd.AddCommand(newServiceRefreshCmd())

	return cmd
}

// ---------- service add ----------

func newServiceAddCmd() *cobra.Command {
	var (
		svc    model.ServiceDescriptor
		status string
	)

	cmd := &cobra.Command{
		Use:   "add <service-id>",
		Short: "Register an MCP service",
		Example: `  gateway service add weather --endpoint http://weather.internal:8080 --name "Weather"
  gateway service add search --endpoint http://search:9000 --max-qps 20 --status maintenance`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc.ServiceID = strings.TrimSpace(args[0])
			if strings.Contains(svc.ServiceID, "/") {
				return fmt.Errorf("service id must not contain '/'")
			}
			if u, err := url.Parse(svc.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("--endpoint must be an absolute URL")
			}
			st, err := model.ParseServiceStatus(status)
			if err != nil {
				return err
			}
			svc.Status = st
			if svc.Name == "" {
				svc.Name = svc.ServiceID
			}

			return withStack(func(ctx context.Context, s *stack) error {
				if err := s.store.CreateService(ctx, &svc); err != nil {
					return fmt.Errorf("create service: %w", err)
				}
				if err := s.registry.Put(ctx, &svc); err != nil {
					s.logger.Warn("registry update failed", "service_id", svc.ServiceID, "error", err)
				}
				fmt.Printf("Registered service %q (%s) -> %s\n", svc.ServiceID, svc.Status, svc.Endpoint)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&svc.Endpoint, "endpoint", "", "Backend base URL (required)")
	cmd.Flags().StringVar(&svc.Name, "name", "", "Display name (default: the service id)")
	cmd.Flags().StringVar(&svc.Description, "description", "", "Description")
	cmd.Flags().StringVar(&svc.HealthCheckURL, "health-check-url", "", "Backend health check URL")
	cmd.Flags().StringVar(&svc.Documentation, "docs", "", "Documentation URL or text")
	cmd.Flags().IntVar(&svc.MaxQPS, "max-qps", 0, "Requests per second admitted by the gateway, 0 for unlimited")
	cmd.Flags().StringVar(&status, "status", string(model.StatusActive), "Initial status: active, maintenance, inactive, deprecated")
	cmd.MarkFlagRequired("endpoint")

	return cmd
}

// ---------- service list ----------

func newServiceListCmd() *cobra.Command {
	var (
		jsonOutput bool
		status     string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, s *stack) error {
				var (
					services []model.ServiceDescriptor
					err      error
				)
				if status != "" {
					st, perr := model.ParseServiceStatus(status)
					if perr != nil {
						return perr
					}
					services, err = s.store.ListServicesByStatus(ctx, st)
				} else {
					services, err = s.store.ListServices(ctx)
				}
				if err != nil {
					return fmt.Errorf("list services: %w", err)
				}

				if jsonOutput {
					return printJSON(os.Stdout, services)
				}
				if len(services) == 0 {
					fmt.Println("No services registered. Use 'gateway service add' to register one.")
					return nil
				}

				fmt.Printf("%-20s %-24s %-12s %-8s %-8s %s\n", "ID", "NAME", "STATUS", "MAX_QPS", "CACHED", "ENDPOINT")
				fmt.Printf("%-20s %-24s %-12s %-8s %-8s %s\n", "--", "----", "------", "-------", "------", "--------")
				for _, svc := range services {
					qps := "-"
					if svc.MaxQPS > 0 {
						qps = fmt.Sprint(svc.MaxQPS)
					}
					fmt.Printf("%-20s %-24s %-12s %-8s %-8s %s\n", svc.ServiceID, svc.Name, svc.Status, qps,
						yesNo(s.registry.IsCached(ctx, svc.ServiceID)), svc.Endpoint)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&status, "status", "", "Only services in this status")

	return cmd
}

// ---------- service set-status ----------

func newServiceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <service-id> <status>",
		Short: "Change the lifecycle status of a service",
		Long:  "Change a service's status. Only ACTIVE services receive proxied traffic; the registry cache is updated immediately.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			st, err := model.ParseServiceStatus(args[1])
			if err != nil {
				return err
			}
			return withStack(func(ctx context.Context, s *stack) error {
				if err := s.store.SetServiceStatus(ctx, id, st); err != nil {
					return fmt.Errorf("update service %q: %w", id, err)
				}
				svc, err := s.store.FindServiceByID(ctx, id)
				if err == nil {
					err = s.registry.Put(ctx, svc)
				} else {
					err = s.registry.Invalidate(ctx, id)
				}
				if err != nil {
					s.logger.Warn("registry update failed", "service_id", id, "error", err)
				}
				fmt.Printf("Service %q is now %s\n", id, st)
				return nil
			})
		},
	}
}

// ---------- service remove ----------

func newServiceRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <service-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a registered service",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withStack(func(ctx context.Context, s *stack) error {
				if err := s.store.DeleteService(ctx, id); err != nil {
					return fmt.Errorf("remove service %q: %w", id, err)
				}
				if err := s.registry.Invalidate(ctx, id); err != nil {
					s.logger.Warn("registry invalidation failed", "service_id", id, "error", err)
				}
				fmt.Printf("Removed service %q\n", id)
				return nil
			})
		},
	}
}

// ---------- service refresh ----------

func newServiceRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the registry cache from the durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, s *stack) error {
				n, err := s.registry.Refresh(ctx)
				if err != nil {
					return fmt.Errorf("refresh registry: %w", err)
				}
				fmt.Printf("Registry refreshed: %d active services cached\n", n)
				return nil
			})
		},
	}
}
