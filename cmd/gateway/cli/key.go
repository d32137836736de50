package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage gateway auth keys",
		Long:    "Create, list, and revoke the keys clients present to reach services through the gateway.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		userID    string
		serviceID string
		label     string
		expiresIn time.Duration
		replace   bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new auth key",
		Long:  "Generate a new auth key for a user, optionally bound to one service. The raw key is shown once and cannot be retrieved again.",
		Example: `  gateway key create --user alice --service weather --label "laptop"
  gateway key create --user ci --expires-in 720h --replace`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, s *stack) error {
				return runKeyCreate(ctx, s, service.IssueKeyRequest{
					UserID:    userID,
					ServiceID: serviceID,
					Label:     label,
					TTL:       expiresIn,
					Replace:   replace,
				})
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User the key belongs to (required)")
	cmd.Flags().StringVar(&serviceID, "service", "", "Service the key is limited to (default: every service)")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the key")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Key lifetime, e.g. 720h (default: no expiry)")
	cmd.Flags().BoolVar(&replace, "replace", false, "Deactivate the user's existing keys for the same service")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyCreate(ctx context.Context, s *stack, req service.IssueKeyRequest) error {
	keys := service.NewKeyService(s.store, s.resolver, s.logger)
	issued, err := keys.Issue(ctx, req)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}

	fmt.Println("Auth key created:")
	fmt.Println()
	fmt.Printf("  Key:     %s\n", issued.RawKey)
	fmt.Printf("  ID:      %s\n", issued.Key.ID)
	fmt.Printf("  User:    %s\n", issued.Key.UserID)
	if issued.Key.ServiceID != "" {
		fmt.Printf("  Service: %s\n", issued.Key.ServiceID)
	} else {
		fmt.Println("  Service: (any)")
	}
	if issued.Key.Label != "" {
		fmt.Printf("  Label:   %s\n", issued.Key.Label)
	}
	if issued.Key.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", issued.Key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		jsonOutput bool
		filter     config.KeyFilter
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List auth keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, s *stack) error {
				return runKeyList(ctx, s, filter, jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&filter.UserID, "user", "", "Only keys of this user")
	cmd.Flags().StringVar(&filter.ServiceID, "service", "", "Only keys bound to this service")
	cmd.Flags().BoolVar(&filter.ActiveOnly, "active", false, "Only active keys")

	return cmd
}

func runKeyList(ctx context.Context, s *stack, filter config.KeyFilter, jsonOutput bool) error {
	keys, err := service.NewKeyService(s.store, s.resolver, s.logger).List(ctx, filter)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, keys)
	}

	if len(keys) == 0 {
		fmt.Println("No auth keys found. Use 'gateway key create' to create one.")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-36s %-16s %-14s %-14s %-16s %-8s %-20s\n", "ID", "PREFIX", "USER", "SERVICE", "LABEL", "USABLE", "EXPIRES")
	fmt.Printf("%-36s %-16s %-14s %-14s %-16s %-8s %-20s\n", "--", "------", "----", "-------", "-----", "------", "-------")
	for _, k := range keys {
		svc := k.ServiceID
		if svc == "" {
			svc = "*"
		}
		expires := "never"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%-36s %-16s %-14s %-14s %-16s %-8s %-20s\n", k.ID, k.KeyPrefix, k.UserID, svc, k.Label, yesNo(k.Usable(now)), expires)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id|prefix>",
		Short: "Revoke an auth key by id or display prefix",
		Long:  "Deactivate an auth key and drop its cached decision, so the next request using it is denied.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, s *stack) error {
				key, err := service.NewKeyService(s.store, s.resolver, s.logger).Revoke(ctx, args[0])
				if err != nil {
					return fmt.Errorf("revoke key %q: %w", args[0], err)
				}
				fmt.Printf("Revoked auth key %s (%s, user %s)\n", key.ID, key.KeyPrefix, key.UserID)
				return nil
			})
		},
	}

	return cmd
}
