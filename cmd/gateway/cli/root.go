package cli

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	devMode    bool
	appVersion string // set in Execute, reported by serve and the MCP server
)

// envPrefix is the prefix of every environment override, e.g.
// GATEWAY_SERVER_PORT or GATEWAY_ADMIN_JWT_SECRET.
const envPrefix = "GATEWAY"

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Authenticating reverse proxy for MCP services",
		Long: `MCP Gateway: an authenticating reverse proxy in front of Model Context Protocol services.

Clients reach every registered backend through /gateway/{serviceId}/...; the gateway
checks their key, keeps streaming sessions bound to the key that opened them, rewrites
streamed endpoint URLs so follow-up calls come back through the gateway, and keeps
per-service call statistics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./gateway.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.gateway)")
	cmd.PersistentFlags().BoolVar(&devMode, "dev", false, "development mode (debug logging)")

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newServiceCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newOpenAPICmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// initConfig loads .env, locates the config file and enables environment
// overrides. The file itself is parsed by loadConfig.
func initConfig() {
	_ = godotenv.Load() // .env is optional

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("gateway")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.gateway")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig() // Ignore error - config file is optional
}
