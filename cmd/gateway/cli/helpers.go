package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/kv"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// GATEWAY_DATA_DIR env var, or ~/.gateway as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv(envPrefix + "_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gateway")
}

// --- configuration ---

// loadConfig returns the effective configuration: defaults, then the config
// file (if any), then GATEWAY_* environment overrides.
func loadConfig() (*config.YAMLConfig, error) {
	path := cfgFile
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	return loadConfigFrom(path, envOverrides())
}

func loadConfigFrom(path string, env *viper.Viper) (*config.YAMLConfig, error) {
	cfg := config.DefaultYAMLConfig()
	if path != "" {
		loaded, err := config.LoadYAMLConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyEnv(cfg, env)
	return cfg, nil
}

// envOverrides returns a viper instance that only sees the environment, so
// IsSet reports exactly the keys an operator exported.
func envOverrides() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func applyEnv(cfg *config.YAMLConfig, v *viper.Viper) {
	strs := map[string]*string{
		"server.host":      &cfg.Server.Host,
		"gateway.prefix":   &cfg.Gateway.Prefix,
		"auth.mode":        &cfg.Auth.Mode,
		"redis.addr":       &cfg.Redis.Addr,
		"redis.password":   &cfg.Redis.Password,
		"database.driver":  &cfg.Database.Driver,
		"database.dsn":     &cfg.Database.DSN,
		"admin.jwt_secret": &cfg.Admin.JWTSecret,
		"logging.level":    &cfg.Logging.Level,
		"logging.format":   &cfg.Logging.Format,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	ints := map[string]*int{
		"server.port":       &cfg.Server.Port,
		"server.rate_limit": &cfg.Server.RateLimit,
		"redis.db":          &cfg.Redis.DB,
	}
	for key, dst := range ints {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	bools := map[string]*bool{
		"auth.enabled":  &cfg.Auth.Enabled,
		"admin.enabled": &cfg.Admin.Enabled,
		"stats.enabled": &cfg.Stats.Enabled,
	}
	for key, dst := range bools {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	if v.IsSet("auth.static_keys") {
		cfg.Auth.StaticKeys = splitList(v.GetString("auth.static_keys"))
	}
}

// splitList splits a comma separated environment value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// durations parses the duration strings of a config file and remembers the
// first failure, so a block of fields can be read without an error check
// after each one.
type durations struct {
	err error
}

func (d *durations) parse(field, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		if d.err == nil {
			d.err = fmt.Errorf("invalid %s %q: %w", field, value, err)
		}
		return def
	}
	return v
}

// newLogger builds the process logger from the logging section. --dev forces
// debug level.
func newLogger(cfg config.LoggingConfig, dev bool, w io.Writer) (*slog.Logger, error) {
	level := slog.LevelInfo
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid logging.level %q", cfg.Level)
		}
	}
	if dev {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid logging.format %q; use text or json", cfg.Format)
	}
}

// --- stores ---

// storeOptions maps the database section onto store options. SQLite without
// an explicit DSN lives in the data directory.
func storeOptions(cfg *config.YAMLConfig) (config.Options, error) {
	db := cfg.Database
	var d durations
	opts := config.Options{
		Driver:          db.Driver,
		DSN:             db.DSN,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: d.parse("database.conn_max_lifetime", db.ConnMaxLifetime, 5*time.Minute),
	}
	if d.err != nil {
		return opts, d.err
	}
	if opts.Driver == "" {
		opts.Driver = string(config.DialectSQLite)
	}
	if opts.DSN == "" && opts.Driver == string(config.DialectSQLite) {
		dsn, err := config.SQLiteDSN(resolveDataDir())
		if err != nil {
			return opts, err
		}
		opts.DSN = dsn
	}
	return opts, nil
}

// openStore opens the durable store and applies pending migrations.
func openStore(ctx context.Context, cfg *config.YAMLConfig) (*config.Store, error) {
	opts, err := storeOptions(cfg)
	if err != nil {
		return nil, err
	}
	store, err := config.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// openCache connects to Redis when an address is configured and falls back
// to the in-process store otherwise.
func openCache(ctx context.Context, cfg *config.YAMLConfig, logger *slog.Logger) (kv.Store, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("redis.addr not set; using the in-process TTL store (single instance only)")
		return kv.NewMemory(), nil
	}
	cache, err := kv.NewRedis(ctx, kv.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("redis connected", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	return cache, nil
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "gateway.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

func logFilePath() string {
	return filepath.Join(resolveDataDir(), "gateway.log")
}

// --- output ---

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// isTerminal reports whether stdin is attached to a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
