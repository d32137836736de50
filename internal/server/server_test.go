package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/w3z4y4/mcp-gateway/internal/auth"
	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/kv"
	"github.com/w3z4y4/mcp-gateway/internal/mcp"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/proxy"
	"github.com/w3z4y4/mcp-gateway/internal/registry"
	"github.com/w3z4y4/mcp-gateway/internal/service"
	"github.com/w3z4y4/mcp-gateway/internal/session"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
	"github.com/w3z4y4/mcp-gateway/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testStaticKey = "static-key-123456"
)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server   *Server
	store    *config.Store
	cache    *kv.Memory
	registry *registry.Registry
	stats    *stats.Aggregator
	auditor  *auth.Auditor
	authSvc  *service.AuthService
}

// newTestEnv creates a fully wired Server backed by in-memory SQLite and the
// in-process TTL store. mode selects static or persisted key validation.
func newTestEnv(t *testing.T, mode string) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)
	cache := kv.NewMemory()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := registry.New(cache, store, registry.Options{Logger: logger, Metrics: metrics})
	sessions := session.NewStore(cache, time.Hour, logger)
	agg := stats.New(cache, store, stats.Options{Logger: logger, Metrics: metrics})
	agg.Start(ctx)
	auditor := auth.NewAuditor(auth.AuditorOptions{Writer: store, Logger: logger, Metrics: metrics})
	auditor.Start(ctx)

	resolver, err := auth.New(store, sessions, cache, auth.Options{
		Enabled:    true,
		Mode:       mode,
		StaticKeys: []string{testStaticKey},
		Whitelist:  []string{"/gateway/public-svc/**"},
		Logger:     logger,
		Metrics:    metrics,
		Auditor:    auditor,
	})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}

	engine := proxy.New(reg, sessions, agg, proxy.Options{
		ResponseHeaderTimeout: 100 * time.Millisecond,
		RetryBackoff:          time.Millisecond,
		Logger:                logger,
		Metrics:               metrics,
	})

	authSvc := service.NewAuthService(testJWTSecret)
	cfg := DefaultConfig()
	cfg.Version = "test"
	cfg.RoutePrefixes = []string{"/sse", "/messages"}

	srv := New(cfg, Deps{
		Store:    store,
		Cache:    cache,
		Registry: reg,
		Resolver: resolver,
		Auditor:  auditor,
		Sessions: sessions,
		Stats:    agg,
		Proxy:    engine,
		AuthSvc:  authSvc,
		MCP:      mcp.NewMCPServer(reg, agg, sessions, "test", logger).Handler(),
		Gatherer: promReg,
	}, logger)

	return &testEnv{
		server:   srv,
		store:    store,
		cache:    cache,
		registry: reg,
		stats:    agg,
		auditor:  auditor,
		authSvc:  authSvc,
	}
}

// addService registers an active service pointing at endpoint.
func (e *testEnv) addService(t *testing.T, id, endpoint string) {
	t.Helper()
	svc := &model.ServiceDescriptor{ServiceID: id, Name: id, Endpoint: endpoint, Status: model.StatusActive}
	if err := e.store.CreateService(context.Background(), svc); err != nil {
		t.Fatalf("CreateService: %v", err)
	}
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	tok, err := e.authSvc.IssueJWT(context.Background(), "ops", time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	return tok
}

// do sends a request through the full router.
func (e *testEnv) do(t *testing.T, method, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) counters(t *testing.T, serviceID string) model.Counters {
	t.Helper()
	c, err := e.stats.Realtime(context.Background(), serviceID)
	if err != nil {
		t.Fatalf("Realtime: %v", err)
	}
	return c
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func errorReason(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v; body = %s", err, rr.Body.String())
	}
	return resp.Error.Reason
}

// backend records the requests it receives.
type backend struct {
	mu    sync.Mutex
	paths []string
	hits  atomic.Int32
	srv   *httptest.Server
}

func newBackend(t *testing.T, h func(n int32, w http.ResponseWriter, r *http.Request)) *backend {
	t.Helper()
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := b.hits.Add(1)
		b.mu.Lock()
		b.paths = append(b.paths, r.URL.RequestURI())
		b.mu.Unlock()
		h(n, w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) lastPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.paths) == 0 {
		return ""
	}
	return b.paths[len(b.paths)-1]
}

// ---------------------------------------------------------------------------
// Gateway scenarios
// ---------------------------------------------------------------------------

func TestStaticKeyProxiesAndCounts(t *testing.T) {
	env := newTestEnv(t, "static")
	b := newBackend(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"forecast":"sunny"}`))
	})
	env.addService(t, "weather-svc", b.srv.URL)

	rr := env.do(t, "GET", "/gateway/weather-svc/forecast?city=Paris&key="+testStaticKey, "")
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "sunny") {
		t.Errorf("unexpected body: %s", rr.Body.String())
	}
	if got := b.lastPath(); !strings.HasPrefix(got, "/forecast?") || !strings.Contains(got, "city=Paris") {
		t.Errorf("backend saw %q, want /forecast?city=Paris...", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on proxied response")
	}

	waitFor(t, "call statistics", func() bool {
		c := env.counters(t, "weather-svc")
		return c.TotalCalls == 1 && c.SuccessCalls == 1
	})
}

func TestExpiredKeyDeniedAndNegativelyCached(t *testing.T) {
	env := newTestEnv(t, "db")
	b := newBackend(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	env.addService(t, "weather-svc", b.srv.URL)

	raw := "mcpgw_expiredkey0001"
	yesterday := time.Now().Add(-24 * time.Hour)
	if err := env.store.CreateAuthKey(context.Background(), &model.AuthKey{
		KeyHash:   auth.Fingerprint(raw),
		KeyPrefix: raw[:14],
		UserID:    "alice",
		IsActive:  true,
		ExpiresAt: &yesterday,
	}); err != nil {
		t.Fatalf("CreateAuthKey: %v", err)
	}

	req := httptest.NewRequest("GET", "/gateway/weather-svc/forecast", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)

	assertStatus(t, rr, http.StatusForbidden)
	if reason := errorReason(t, rr); reason != auth.CodeInvalidCredential {
		t.Errorf("reason = %q, want %q", reason, auth.CodeInvalidCredential)
	}
	if strings.Contains(rr.Body.String(), "EXPIRED") {
		t.Error("denial must not reveal that the key expired")
	}

	ok, err := env.cache.Exists(context.Background(), auth.NegativeCachePrefix+auth.Fingerprint(raw))
	if err != nil || !ok {
		t.Errorf("expected negative cache entry, exists=%v err=%v", ok, err)
	}
	if b.hits.Load() != 0 {
		t.Error("backend should not be called for a denied request")
	}
	if c := env.counters(t, "weather-svc"); c.TotalCalls != 0 {
		t.Errorf("denied request should not count, got %+v", c)
	}

	// The detailed reason lands in the audit trail.
	waitFor(t, "audit entry", func() bool {
		logs, err := env.store.ListCallLogs(context.Background(), config.CallLogFilter{UserID: "", Limit: 10})
		if err != nil {
			return false
		}
		for _, l := range logs {
			if l.Reason == auth.ReasonKeyExpired {
				return true
			}
		}
		return false
	})
}

func TestUnknownServiceIsNotFound(t *testing.T) {
	env := newTestEnv(t, "static")

	rr := env.do(t, "GET", "/gateway/unknown-svc/x?key="+testStaticKey, "")
	assertStatus(t, rr, http.StatusNotFound)
	if reason := errorReason(t, rr); reason != "SERVICE_NOT_FOUND" {
		t.Errorf("reason = %q, want SERVICE_NOT_FOUND", reason)
	}

	time.Sleep(20 * time.Millisecond)
	if c := env.counters(t, "unknown-svc"); c.TotalCalls != 0 {
		t.Errorf("unknown service should not be counted, got %+v", c)
	}
}

func TestMissingServiceIDIsBadRequest(t *testing.T) {
	env := newTestEnv(t, "static")
	rr := env.do(t, "GET", "/gateway/?key="+testStaticKey, "")
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t, "static")
	b := newBackend(t, func(n int32, w http.ResponseWriter, r *http.Request) {
		if n <= 2 {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
			return
		}
		w.Write([]byte("third time lucky"))
	})
	env.addService(t, "flaky-svc", b.srv.URL)

	rr := env.do(t, "GET", "/gateway/flaky-svc/work?key="+testStaticKey, "")
	assertStatus(t, rr, http.StatusOK)
	if rr.Body.String() != "third time lucky" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if got := b.hits.Load(); got != 3 {
		t.Errorf("backend hits = %d, want 3", got)
	}
	waitFor(t, "one successful call", func() bool {
		c := env.counters(t, "flaky-svc")
		return c.TotalCalls == 1 && c.SuccessCalls == 1
	})
}

func TestRetryBudgetExhausted(t *testing.T) {
	env := newTestEnv(t, "static")
	b := newBackend(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})
	env.addService(t, "dead-svc", b.srv.URL)

	rr := env.do(t, "GET", "/gateway/dead-svc/work?key="+testStaticKey, "")
	assertStatus(t, rr, http.StatusBadGateway)
	if got := b.hits.Load(); got != 3 {
		t.Errorf("backend hits = %d, want 3", got)
	}
	waitFor(t, "one failed call", func() bool {
		c := env.counters(t, "dead-svc")
		return c.TotalCalls == 1 && c.FailedCalls == 1
	})
}

func TestNoCredentialDenied(t *testing.T) {
	env := newTestEnv(t, "static")
	rr := env.do(t, "GET", "/gateway/weather-svc/x", "")
	assertStatus(t, rr, http.StatusForbidden)
	if reason := errorReason(t, rr); reason != auth.CodeNoCredential {
		t.Errorf("reason = %q, want %q", reason, auth.CodeNoCredential)
	}
}

func TestWhitelistedPathSkipsAuth(t *testing.T) {
	env := newTestEnv(t, "static")
	b := newBackend(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("public"))
	})
	env.addService(t, "public-svc", b.srv.URL)

	rr := env.do(t, "GET", "/gateway/public-svc/docs", "")
	assertStatus(t, rr, http.StatusOK)
}

// ---------------------------------------------------------------------------
// System endpoints
// ---------------------------------------------------------------------------

func TestProbesAndMetrics(t *testing.T) {
	env := newTestEnv(t, "static")

	rr := env.do(t, "GET", "/health", "")
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"UP"`) {
		t.Errorf("health body = %s", rr.Body.String())
	}
	assertStatus(t, env.do(t, "GET", "/healthz", ""), http.StatusOK)
	assertStatus(t, env.do(t, "GET", "/readyz", ""), http.StatusOK)

	// Produce at least one auth decision so the counter family is exported.
	env.do(t, "GET", "/gateway/weather-svc/x", "")
	rr = env.do(t, "GET", "/metrics", "")
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "# TYPE") {
		t.Errorf("expected Prometheus exposition, got %s", rr.Body.String())
	}
}

func TestOpenAPIDocument(t *testing.T) {
	env := newTestEnv(t, "static")
	env.addService(t, "weather-svc", "http://weather.internal")

	rr := env.do(t, "GET", "/openapi.json", "")
	assertStatus(t, rr, http.StatusOK)

	var doc struct {
		OpenAPI string                 `json:"openapi"`
		Paths   map[string]interface{} `json:"paths"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, p := range []string{"/gateway/weather-svc/sse", "/gateway/{serviceId}/{path}", "/admin/v1/services"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("missing path %s", p)
		}
	}
}

// ---------------------------------------------------------------------------
// Admin API
// ---------------------------------------------------------------------------

func TestAdminRequiresToken(t *testing.T) {
	env := newTestEnv(t, "static")

	for _, path := range []string{"/admin/v1/services", "/admin/v1/audit", "/admin/v1/mcp"} {
		rr := env.do(t, "GET", path, "")
		assertStatus(t, rr, http.StatusUnauthorized)
	}
	assertStatus(t, env.do(t, "GET", "/admin/v1/services", "not-a-token"), http.StatusUnauthorized)
}

func TestAdminWithToken(t *testing.T) {
	env := newTestEnv(t, "static")
	env.addService(t, "weather-svc", "http://weather.internal")
	tok := env.adminToken(t)

	rr := env.do(t, "GET", "/admin/v1/services", tok)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "weather-svc") {
		t.Errorf("services body = %s", rr.Body.String())
	}

	rr = env.do(t, "GET", "/admin/v1/audit", tok)
	assertStatus(t, rr, http.StatusOK)
	for _, name := range []string{`"stats"`, `"audit"`} {
		if !strings.Contains(rr.Body.String(), name) {
			t.Errorf("audit body should report pipe %s: %s", name, rr.Body.String())
		}
	}
}

func TestAdminDisabled(t *testing.T) {
	env := newTestEnv(t, "static")
	cfg := DefaultConfig()
	cfg.EnableAdmin = false
	srv := New(cfg, env.server.deps, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/v1/services", nil)
	req.Header.Set("Authorization", "Bearer "+env.adminToken(t))
	srv.ServeHTTP(rr, req)
	assertStatus(t, rr, http.StatusNotFound)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestListenAndServeStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, "static")
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ShutdownTimeout = time.Second
	srv := New(cfg, env.server.deps, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}
