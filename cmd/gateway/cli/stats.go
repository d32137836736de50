package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Inspect and maintain per-service call statistics",
		Long: `Inspect and maintain per-service call statistics.

Live counters are read from the shared TTL store, so realtime views and flushes
only see gateway traffic when redis.addr points at the store the server uses.`,
	}

	cmd.AddCommand(newStatsShowCmd())
	cmd.AddCommand(newStatsFlushCmd())
	cmd.AddCommand(newStatsPruneCmd())

	return cmd
}

// ---------- stats show ----------

func newStatsShowCmd() *cobra.Command {
	var (
		jsonOutput bool
		realtime   bool
		date       string
		history    int
	)

	cmd := &cobra.Command{
		Use:   "show <service-id>",
		Short: "Show statistics for a service",
		Example: `  gateway stats show weather --realtime
  gateway stats show weather --date 2026-01-31
  gateway stats show weather --history 7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withStack(func(ctx context.Context, s *stack) error {
				var reports []model.StatsReport
				switch {
				case realtime:
					c, err := s.stats.Realtime(ctx, id)
					if err != nil {
						return fmt.Errorf("read live counters: %w", err)
					}
					reports = append(reports, c.Report())
				case history > 0:
					rows, err := s.stats.Recent(ctx, id, history)
					if err != nil {
						return fmt.Errorf("read history: %w", err)
					}
					for _, row := range rows {
						reports = append(reports, row.Report())
					}
				default:
					if date == "" {
						date = s.stats.Today()
					}
					row, err := s.stats.Persisted(ctx, id, date)
					if stats.IsNotFound(err) {
						return fmt.Errorf("no persisted statistics for %s on %s", id, date)
					}
					if err != nil {
						return fmt.Errorf("read statistics: %w", err)
					}
					reports = append(reports, row.Report())
				}

				if jsonOutput {
					return printJSON(os.Stdout, reports)
				}
				printReports(reports)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&realtime, "realtime", false, "Show today's live counters instead of persisted rows")
	cmd.Flags().StringVar(&date, "date", "", "Day to show, YYYY-MM-DD (default: today, UTC)")
	cmd.Flags().IntVar(&history, "history", 0, "Show the last N persisted days")

	return cmd
}

func printReports(reports []model.StatsReport) {
	if len(reports) == 0 {
		fmt.Println("No statistics recorded.")
		return
	}
	fmt.Printf("%-20s %-10s %-10s %-10s %-10s %-10s %-10s %-10s %-8s\n",
		"SERVICE", "DATE", "SOURCE", "CALLS", "OK", "FAILED", "OK_RATE", "AVG_MS", "USERS")
	fmt.Printf("%-20s %-10s %-10s %-10s %-10s %-10s %-10s %-10s %-8s\n",
		"-------", "----", "------", "-----", "--", "------", "-------", "------", "-----")
	for _, r := range reports {
		fmt.Printf("%-20s %-10s %-10s %-10d %-10d %-10d %-10s %-10.1f %-8d\n",
			r.ServiceID, r.Date, r.Source, r.TotalCalls, r.SuccessCalls, r.FailedCalls,
			fmt.Sprintf("%.1f%%", r.SuccessRate), r.AverageResponseTime, r.UniqueUsers)
	}
}

// ---------- stats flush ----------

func newStatsFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Merge live counters into the durable store now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, s *stack) error {
				res, err := s.stats.Flush(ctx)
				if err != nil {
					return fmt.Errorf("flush statistics: %w", err)
				}
				fmt.Printf("Flushed %d calls from %d service-days (%d skipped)\n", res.Calls, res.Merged, res.Skipped)
				return nil
			})
		},
	}
}

// ---------- stats prune ----------

func newStatsPruneCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete persisted statistics older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, s *stack) error {
				if !cmd.Flags().Changed("days") {
					days = s.cfg.Stats.RetentionDays
				}
				if days <= 0 {
					return fmt.Errorf("retention is disabled; pass --days")
				}
				n, err := s.stats.Prune(ctx, days)
				if err != nil {
					return fmt.Errorf("prune statistics: %w", err)
				}
				fmt.Printf("Deleted %d rows older than %d days\n", n, days)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Retention in days (default: stats.retention_days)")

	return cmd
}
