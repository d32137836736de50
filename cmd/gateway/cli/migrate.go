package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/w3z4y4/mcp-gateway/internal/config"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the durable store schema",
		Long:  "Apply or inspect the schema migrations of the configured database. serve applies pending migrations on start.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRawStore(func(ctx context.Context, store *config.Store) error {
				n, err := store.Migrate(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Applied %d migrations (%s)\n", n, store.Dialect())
				return nil
			})
		},
	})

	var jsonOutput bool
	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRawStore(func(ctx context.Context, store *config.Store) error {
				states, err := store.MigrationStatus(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(os.Stdout, states)
				}
				fmt.Printf("%-8s %-40s %-8s %s\n", "VERSION", "FILE", "APPLIED", "AT")
				fmt.Printf("%-8s %-40s %-8s %s\n", "-------", "----", "-------", "--")
				for _, st := range states {
					at := "-"
					if st.Applied {
						at = st.AppliedAt.Format(time.RFC3339)
					}
					fmt.Printf("%-8d %-40s %-8s %s\n", st.Version, st.Path, yesNo(st.Applied), at)
				}
				return nil
			})
		},
	}
	status.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.AddCommand(status)

	return cmd
}

// withRawStore opens the durable store without applying migrations.
func withRawStore(fn func(ctx context.Context, store *config.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts, err := storeOptions(cfg)
	if err != nil {
		return err
	}
	opts.SkipMigrate = true

	ctx := context.Background()
	store, err := config.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	return fn(ctx, store)
}
