package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level gateway configuration file.
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Auth     AuthConfig     `yaml:"auth"`
	Registry RegistryConfig `yaml:"registry"`
	Stats    StatsConfig    `yaml:"stats"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Admin    AdminConfig    `yaml:"admin"`
	MCP      MCPConfig      `yaml:"mcp"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	MaxBodySize     string     `yaml:"max_body_size"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	RateLimit       int        `yaml:"rate_limit"`     // requests per minute per IP on /gateway, 0 disables
	KeyRateLimit    int        `yaml:"key_rate_limit"` // requests per minute per gateway key, 0 disables
	CORS            CORSConfig `yaml:"cors"`
	TLS             TLSConfig  `yaml:"tls"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// TLSConfig controls TLS termination at the server level.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// GatewayConfig controls the proxy engine.
type GatewayConfig struct {
	Prefix                string   `yaml:"prefix"`
	ConnectTimeout        string   `yaml:"connect_timeout"`
	ResponseHeaderTimeout string   `yaml:"response_header_timeout"`
	MaxRetries            int      `yaml:"max_retries"`
	RetryBackoff          string   `yaml:"retry_backoff"`
	MaxReplayBody         string   `yaml:"max_replay_body"`
	RoutePrefixes         []string `yaml:"route_prefixes"`
	SessionTTL            string   `yaml:"session_ttl"`
	Breaker               Breaker  `yaml:"breaker"`
}

// Breaker configures the per-service circuit breaker.
type Breaker struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failure_threshold"`
	OpenTimeout      string `yaml:"open_timeout"`
}

// AuthConfig controls how gateway callers are authenticated.
type AuthConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Mode            string   `yaml:"mode"` // "db" or "static"
	StaticKeys      []string `yaml:"static_keys"`
	Whitelist       []string `yaml:"whitelist"`
	IPWhitelist     bool     `yaml:"ip_whitelist"`
	AllowedIPs      []string `yaml:"allowed_ips"`
	TrustedProxies  []string `yaml:"trusted_proxies"` // peers allowed to set X-Forwarded-For
	CacheTTL        string   `yaml:"cache_ttl"`
	NegativeTTL     string   `yaml:"negative_ttl"`
	ResolveTimeout  string   `yaml:"resolve_timeout"`
	EnforceKeyScope bool     `yaml:"enforce_key_scope"`
	AuditBuffer     int      `yaml:"audit_buffer"`
	AuditPersist    bool     `yaml:"audit_persist"`
}

// RegistryConfig controls the service registry cache.
type RegistryConfig struct {
	CacheTTL        string `yaml:"cache_ttl"`
	RefreshInterval string `yaml:"refresh_interval"`
}

// StatsConfig controls statistics aggregation and flushing.
type StatsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Buffer         int    `yaml:"buffer"`
	FlushInterval  string `yaml:"flush_interval"`
	HourlyInterval string `yaml:"hourly_interval"`
	RetentionDays  int    `yaml:"retention_days"`
}

// RedisConfig points at the shared TTL store. An empty Addr selects the
// in-process store, which is only suitable for a single gateway instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig selects the authoritative store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// AdminConfig controls the admin API.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
	JWTExpiry string `yaml:"jwt_expiry"`
}

// MCPConfig controls the MCP (Model Context Protocol) admin tool server.
type MCPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Transport string `yaml:"transport"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file on top of the
// defaults. Environment variables referenced as ${VAR_NAME} in the file are
// expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxBodySize:     "10MB",
			ShutdownTimeout: "30s",
			RateLimit:       0,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			},
		},
		Gateway: GatewayConfig{
			Prefix:                "/gateway",
			ConnectTimeout:        "5s",
			ResponseHeaderTimeout: "30s",
			MaxRetries:            2,
			RetryBackoff:          "100ms",
			MaxReplayBody:         "256KB",
			RoutePrefixes:         []string{"/message", "/messages"},
			SessionTTL:            "2h",
			Breaker: Breaker{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      "30s",
			},
		},
		Auth: AuthConfig{
			Enabled:         true,
			Mode:            "db",
			Whitelist:       []string{"/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/admin/**"},
			IPWhitelist:     false,
			AllowedIPs:      []string{"127.0.0.1", "::1"},
			TrustedProxies:  []string{"127.0.0.1", "::1"},
			CacheTTL:        "30m",
			NegativeTTL:     "5m",
			ResolveTimeout:  "3s",
			EnforceKeyScope: true,
			AuditBuffer:     1000,
			AuditPersist:    true,
		},
		Registry: RegistryConfig{
			CacheTTL:        "30m",
			RefreshInterval: "10m",
		},
		Stats: StatsConfig{
			Enabled:        true,
			Buffer:         4096,
			FlushInterval:  "5m",
			HourlyInterval: "1h",
			RetentionDays:  90,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: "5m",
		},
		Admin: AdminConfig{
			Enabled:   true,
			JWTExpiry: "1h",
		},
		MCP: MCPConfig{
			Enabled:   true,
			Transport: "stdio",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ParseSize converts a human size such as "256KB", "10MB" or "512" into bytes.
// Units are binary (1KB = 1024 bytes).
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
		{"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10}, {"B", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
