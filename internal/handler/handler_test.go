package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/w3z4y4/mcp-gateway/internal/auth"
	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/kv"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/registry"
	"github.com/w3z4y4/mcp-gateway/internal/service"
	"github.com/w3z4y4/mcp-gateway/internal/session"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    *config.Store
	cache    *kv.Memory
	registry *registry.Registry
	stats    *stats.Aggregator
	sessions *session.Store
	resolver *auth.Resolver
	router   chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory config store,
// an in-process TTL store, and a Chi router with the admin routes mounted
// (no auth middleware).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := kv.NewMemory()
	reg := registry.New(cache, store, registry.Options{Logger: logger})
	agg := stats.New(cache, store, stats.Options{Logger: logger})
	sessions := session.NewStore(cache, time.Hour, logger)
	resolver, err := auth.New(store, sessions, cache, auth.Options{Enabled: true, Mode: "db", Logger: logger})
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}

	svcH := NewServiceHandler(store, reg, logger)
	statsH := NewStatsHandler(agg)
	sessH := NewSessionHandler(sessions)
	keyH := NewKeyHandler(service.NewKeyService(store, resolver, logger), resolver)
	auditH := NewAuditHandler(store, agg.PipeStats)
	sysH := NewSystemHandler("test", map[string]Pinger{"database": store, "cache": cache})

	// Mount routes without auth middleware for direct handler testing.
	r := chi.NewRouter()
	r.Get("/health", sysH.Health)
	r.Get("/healthz", sysH.Liveness)
	r.Get("/readyz", sysH.Readiness)
	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/services", svcH.ListServices)
		r.Post("/services", svcH.CreateService)
		r.Post("/services/refresh", svcH.RefreshServices)
		r.Get("/services/{serviceId}", svcH.GetService)
		r.Put("/services/{serviceId}/status", svcH.SetServiceStatus)
		r.Delete("/services/{serviceId}", svcH.DeleteService)

		r.Post("/stats/flush", statsH.Flush)
		r.Delete("/stats/cache", statsH.ClearCache)
		r.Get("/stats/{serviceId}", statsH.Persisted)
		r.Get("/stats/{serviceId}/realtime", statsH.Realtime)
		r.Get("/stats/{serviceId}/history", statsH.History)

		r.Get("/sessions/{sessionId}", sessH.GetSession)
		r.Delete("/sessions/{sessionId}", sessH.DeleteSession)
		r.Put("/sessions/{sessionId}/ttl", sessH.ExtendSession)

		r.Get("/keys", keyH.ListKeys)
		r.Post("/keys", keyH.CreateKey)
		r.Delete("/keys/{keyId}", keyH.RevokeKey)
		r.Delete("/auth/cache/{keyHash}", keyH.ForgetCachedKey)

		r.Get("/audit", auditH.ListAudit)
	})

	return &testEnv{
		store:    store,
		cache:    cache,
		registry: reg,
		stats:    agg,
		sessions: sessions,
		resolver: resolver,
		router:   r,
	}
}

// seedService creates a service and returns it.
func (e *testEnv) seedService(t *testing.T, id string, status model.ServiceStatus) *model.ServiceDescriptor {
	t.Helper()
	svc := &model.ServiceDescriptor{
		ServiceID: id,
		Name:      "Service " + id,
		Endpoint:  "http://" + id + ".internal:8080",
		Status:    status,
	}
	if err := e.store.CreateService(context.Background(), svc); err != nil {
		t.Fatalf("seedService: %v", err)
	}
	return svc
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

func assertReason(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Reason != want {
		t.Errorf("reason = %q, want %q", resp.Error.Reason, want)
	}
}
