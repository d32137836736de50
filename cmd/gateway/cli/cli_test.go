package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/w3z4y4/mcp-gateway/internal/config"
)

// ---------------------------------------------------------------------------
// Configuration loading
// ---------------------------------------------------------------------------

func TestLoadConfigFromDefaults(t *testing.T) {
	cfg, err := loadConfigFrom("", envOverrides())
	if err != nil {
		t.Fatalf("loadConfigFrom: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Gateway.Prefix != "/gateway" {
		t.Errorf("prefix = %q, want /gateway", cfg.Gateway.Prefix)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	body := "server:\n  port: 7000\n  host: 127.0.0.1\nauth:\n  mode: db\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("GATEWAY_SERVER_PORT", "9090")
	t.Setenv("GATEWAY_AUTH_MODE", "static")
	t.Setenv("GATEWAY_AUTH_STATIC_KEYS", "k1, k2,,")
	t.Setenv("GATEWAY_ADMIN_JWT_SECRET", "s3cret")

	cfg, err := loadConfigFrom(path, envOverrides())
	if err != nil {
		t.Fatalf("loadConfigFrom: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want env value 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host = %q, want file value", cfg.Server.Host)
	}
	if cfg.Auth.Mode != "static" {
		t.Errorf("mode = %q, want static", cfg.Auth.Mode)
	}
	if len(cfg.Auth.StaticKeys) != 2 || cfg.Auth.StaticKeys[1] != "k2" {
		t.Errorf("static keys = %v, want [k1 k2]", cfg.Auth.StaticKeys)
	}
	if cfg.Admin.JWTSecret != "s3cret" {
		t.Errorf("jwt secret not applied")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfigFrom(filepath.Join(t.TempDir(), "nope.yaml"), envOverrides()); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDurations(t *testing.T) {
	var d durations
	if got := d.parse("a", "", time.Second); got != time.Second {
		t.Errorf("empty value = %v, want default", got)
	}
	if got := d.parse("b", "250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("parsed = %v, want 250ms", got)
	}
	if d.err != nil {
		t.Fatalf("unexpected error: %v", d.err)
	}
	d.parse("c", "soon", time.Second)
	d.parse("d", "later", time.Second)
	if d.err == nil || !strings.Contains(d.err.Error(), "invalid c") {
		t.Errorf("want first failure reported, got %v", d.err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, false, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON record, got %s", out)
	}

	if _, err := newLogger(config.LoggingConfig{Format: "xml"}, false, &buf); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := newLogger(config.LoggingConfig{Level: "loud"}, false, &buf); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestStoreOptionsSQLiteDefaultsToDataDir(t *testing.T) {
	dataDir = t.TempDir()
	t.Cleanup(func() { dataDir = "" })

	opts, err := storeOptions(config.DefaultYAMLConfig())
	if err != nil {
		t.Fatalf("storeOptions: %v", err)
	}
	if opts.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", opts.Driver)
	}
	if !strings.HasPrefix(opts.DSN, filepath.Join(dataDir, "gateway.db")) {
		t.Errorf("dsn = %q, want file in data dir", opts.DSN)
	}
}

func TestMaskSecrets(t *testing.T) {
	cfg := *config.DefaultYAMLConfig()
	cfg.Admin.JWTSecret = "top"
	cfg.Auth.StaticKeys = []string{"a", "b"}
	cfg.Database.Driver = "postgres"
	cfg.Database.DSN = "postgres://u:p@db/gw"

	m := maskSecrets(cfg)
	if m.Admin.JWTSecret != masked || m.Database.DSN != masked || m.Auth.StaticKeys[0] != masked {
		t.Errorf("secrets not masked: %+v", m)
	}
	if cfg.Auth.StaticKeys[0] != "a" {
		t.Error("maskSecrets modified the original static keys")
	}
}

// ---------------------------------------------------------------------------
// Client configuration
// ---------------------------------------------------------------------------

func TestRenderClientConfigYAML(t *testing.T) {
	data, err := renderClientConfig("yaml", "https://gw.example.com/", "/gateway", []clientConn{
		{ServiceID: "weather", Key: "mcpgw_abc"},
	})
	if err != nil {
		t.Fatalf("renderClientConfig: %v", err)
	}

	var out map[string]map[string]interface{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, data)
	}
	client := out["spring.ai.mcp.client"]
	if client["type"] != "async" {
		t.Errorf("type = %v, want async", client["type"])
	}
	want := "https://gw.example.com/gateway/weather/sse?key=mcpgw_abc"
	if !strings.Contains(string(data), "sse-endpoint: "+want) {
		t.Errorf("missing sse-endpoint %s in:\n%s", want, data)
	}
	if !strings.Contains(string(data), "url: https://gw.example.com?key=mcpgw_abc") {
		t.Errorf("missing base url in:\n%s", data)
	}
}

func TestRenderClientConfigJSON(t *testing.T) {
	data, err := renderClientConfig("json", "http://localhost:8080", "/gateway", []clientConn{
		{ServiceID: "weather", Key: "mcpgw_abc"},
		{ServiceID: "search", Key: "mcpgw_def"},
	})
	if err != nil {
		t.Fatalf("renderClientConfig: %v", err)
	}

	var out map[string]jsonConnection
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("want 2 connections, got %d", len(out))
	}
	w := out["weather"]
	if w.URL != "http://localhost:8080/gateway/weather/sse" {
		t.Errorf("url = %q", w.URL)
	}
	if w.Headers["Authorization"] != "Bearer mcpgw_abc" {
		t.Errorf("authorization = %q", w.Headers["Authorization"])
	}
	if strings.Contains(w.URL, "key=") {
		t.Error("JSON layout must not put the key in the URL")
	}
}

func TestRenderClientConfigUnknownFormat(t *testing.T) {
	if _, err := renderClientConfig("toml", "http://x", "/gateway", nil); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

// ---------------------------------------------------------------------------
// Command tree
// ---------------------------------------------------------------------------

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd("1.2.3", "abc", "today")
	for _, name := range []string{"serve", "stop", "status", "version", "key", "service", "stats", "token", "migrate", "openapi", "mcp", "config"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestVersionCommandJSON(t *testing.T) {
	root := newRootCmd("1.2.3", "abc", "today")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--json"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal: %v; out = %s", err, out.String())
	}
	if info["version"] != "1.2.3" || info["commit"] != "abc" {
		t.Errorf("unexpected version info: %v", info)
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("GATEWAY_ADMIN_JWT_SECRET", "cli-test-secret")
	root := newRootCmd("dev", "", "")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--subject", "ops", "--ttl", "5m"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out.String()), "."); len(parts) != 3 {
		t.Errorf("expected a JWT, got %q", out.String())
	}
}
