package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/w3z4y4/mcp-gateway/internal/service"
)

func newTokenCmd() *cobra.Command {
	var (
		subject    string
		ttl        time.Duration
		promptSeed bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		Long: `Issue a bearer token for the admin API (/admin/v1). The token is signed with
admin.jwt_secret; use --prompt to type the secret instead of reading it from
the configuration.`,
		Example: `  gateway token --subject ops --ttl 8h
  curl -H "Authorization: Bearer $(gateway token --subject ops)" localhost:8080/admin/v1/services`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := cfg.Admin.JWTSecret
			if promptSeed {
				if secret, err = readSecret("JWT secret: "); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("ttl") && cfg.Admin.JWTExpiry != "" {
				var d durations
				ttl = d.parse("admin.jwt_expiry", cfg.Admin.JWTExpiry, ttl)
				if d.err != nil {
					return d.err
				}
			}

			token, err := service.NewAuthService(secret).IssueJWT(context.Background(), subject, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "admin", "Operator name recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime (default: admin.jwt_expiry)")
	cmd.Flags().BoolVar(&promptSeed, "prompt", false, "Prompt for the signing secret")

	return cmd
}

// readSecret reads a secret without echo when stdin is a terminal, and a
// single line otherwise so it can be piped.
func readSecret(prompt string) (string, error) {
	if !isTerminal() {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(string(b))
	if secret == "" {
		return "", fmt.Errorf("secret must not be empty")
	}
	return secret, nil
}
