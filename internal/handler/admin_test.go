package handler

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/w3z4y4/mcp-gateway/internal/auth"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/session"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
)

// ---------------------------------------------------------------------------
// Probes
// ---------------------------------------------------------------------------

func TestHealthProbes(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/health", nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"status":"UP"`) {
		t.Errorf("unexpected /health body: %s", rr.Body.String())
	}

	rr = env.do(t, "GET", "/healthz", nil)
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "GET", "/readyz", nil)
	assertStatus(t, rr, http.StatusOK)
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &ready)
	if ready.Status != "ready" || ready.Checks["database"] != "ok" || ready.Checks["cache"] != "ok" {
		t.Errorf("readiness = %+v", ready)
	}
}

func TestReadinessFailsWhenStoreIsDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()

	rr := env.do(t, "GET", "/readyz", nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)
}

// ---------------------------------------------------------------------------
// Services
// ---------------------------------------------------------------------------

func TestCreateAndListServices(t *testing.T) {
	env := newTestEnv(t)

	body := toJSON(t, map[string]interface{}{
		"service_id": "weather-svc",
		"name":       "Weather",
		"endpoint":   "http://weather.internal:9000",
		"max_qps":    20,
	})
	rr := env.do(t, "POST", "/admin/v1/services", body)
	assertStatus(t, rr, http.StatusCreated)

	rr = env.do(t, "GET", "/admin/v1/services", nil)
	assertStatus(t, rr, http.StatusOK)
	var list struct {
		Services []model.ServiceDescriptor `json:"services"`
		Count    int                       `json:"count"`
	}
	decodeJSON(t, rr, &list)
	if list.Count != 1 || list.Services[0].ServiceID != "weather-svc" || list.Services[0].MaxQPS != 20 {
		t.Fatalf("list = %+v", list)
	}

	// Duplicate
	rr = env.do(t, "POST", "/admin/v1/services", toJSON(t, map[string]string{
		"service_id": "weather-svc", "endpoint": "http://other:1",
	}))
	assertStatus(t, rr, http.StatusConflict)
	assertReason(t, rr, reasonConflict)
}

func TestCreateServiceValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing id", map[string]interface{}{"endpoint": "http://x:1"}},
		{"slash in id", map[string]interface{}{"service_id": "a/b", "endpoint": "http://x:1"}},
		{"relative endpoint", map[string]interface{}{"service_id": "a", "endpoint": "/mcp"}},
		{"bad status", map[string]interface{}{"service_id": "a", "endpoint": "http://x:1", "status": "PAUSED"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/admin/v1/services", toJSON(t, tt.body))
			assertStatus(t, rr, http.StatusBadRequest)
		})
	}

	rr := env.do(t, "POST", "/admin/v1/services", strings.NewReader("{not json"))
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestGetService(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "files", model.StatusMaintenance)

	rr := env.do(t, "GET", "/admin/v1/services/files", nil)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Service model.ServiceDescriptor `json:"service"`
		Cached  bool                    `json:"cached"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Service.Status != model.StatusMaintenance {
		t.Errorf("status = %q", resp.Service.Status)
	}
	if resp.Cached {
		t.Error("a service that was never resolved should not be cached")
	}

	rr = env.do(t, "GET", "/admin/v1/services/missing", nil)
	assertStatus(t, rr, http.StatusNotFound)
	assertReason(t, rr, reasonNotFound)
}

func TestSetServiceStatusUpdatesRegistry(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "weather-svc", model.StatusActive)
	ctx := context.Background()

	if _, err := env.registry.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := env.registry.Resolve(ctx, "weather-svc"); err != nil {
		t.Fatalf("Resolve before: %v", err)
	}

	rr := env.do(t, "PUT", "/admin/v1/services/weather-svc/status", toJSON(t, map[string]string{"status": "inactive"}))
	assertStatus(t, rr, http.StatusOK)

	if _, err := env.registry.Resolve(ctx, "weather-svc"); err == nil {
		t.Error("inactive service should no longer resolve")
	}
	active, _ := env.registry.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("active set = %v, want empty", active)
	}

	rr = env.do(t, "PUT", "/admin/v1/services/weather-svc/status", toJSON(t, map[string]string{"status": "active"}))
	assertStatus(t, rr, http.StatusOK)
	if _, err := env.registry.Resolve(ctx, "weather-svc"); err != nil {
		t.Errorf("reactivated service should resolve: %v", err)
	}

	rr = env.do(t, "PUT", "/admin/v1/services/missing/status", toJSON(t, map[string]string{"status": "active"}))
	assertStatus(t, rr, http.StatusNotFound)
}

func TestDeleteService(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "tmp", model.StatusActive)

	rr := env.do(t, "DELETE", "/admin/v1/services/tmp", nil)
	assertStatus(t, rr, http.StatusNoContent)
	rr = env.do(t, "DELETE", "/admin/v1/services/tmp", nil)
	assertStatus(t, rr, http.StatusNotFound)
}

func TestRefreshServices(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "a", model.StatusActive)
	env.seedService(t, "b", model.StatusActive)
	env.seedService(t, "c", model.StatusDeprecated)

	rr := env.do(t, "POST", "/admin/v1/services/refresh", nil)
	assertStatus(t, rr, http.StatusOK)
	var resp map[string]int
	decodeJSON(t, rr, &resp)
	if resp["active"] != 2 {
		t.Errorf("active = %d, want 2", resp["active"])
	}

	rr = env.do(t, "GET", "/admin/v1/services?all=true", nil)
	var list struct {
		Count int `json:"count"`
	}
	decodeJSON(t, rr, &list)
	if list.Count != 3 {
		t.Errorf("all services count = %d, want 3", list.Count)
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

func TestStatsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	for _, c := range []stats.Call{
		{ServiceID: "weather-svc", CallerID: "alice", Status: 200, Duration: 100 * time.Millisecond, At: now},
		{ServiceID: "weather-svc", CallerID: "bob", Status: 200, Duration: 300 * time.Millisecond, At: now},
		{ServiceID: "weather-svc", CallerID: "alice", Status: 500, Duration: 200 * time.Millisecond, At: now},
	} {
		if err := env.stats.Apply(ctx, c); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	rr := env.do(t, "GET", "/admin/v1/stats/weather-svc/realtime", nil)
	assertStatus(t, rr, http.StatusOK)
	var live model.StatsReport
	decodeJSON(t, rr, &live)
	if live.TotalCalls != 3 || live.SuccessCalls != 2 || live.FailedCalls != 1 {
		t.Errorf("live counts = %+v", live)
	}
	if live.UniqueUsers != 2 || live.MaxResponseTime != 300 || live.AverageResponseTime != 200 {
		t.Errorf("live aggregates = %+v", live)
	}
	if live.Source != "realtime" {
		t.Errorf("source = %q", live.Source)
	}

	// Nothing persisted before the first flush.
	rr = env.do(t, "GET", "/admin/v1/stats/weather-svc", nil)
	assertStatus(t, rr, http.StatusNotFound)

	rr = env.do(t, "POST", "/admin/v1/stats/flush", nil)
	assertStatus(t, rr, http.StatusOK)
	var res stats.FlushResult
	decodeJSON(t, rr, &res)
	if res.Calls != 3 {
		t.Errorf("flushed calls = %d, want 3", res.Calls)
	}

	rr = env.do(t, "GET", "/admin/v1/stats/weather-svc?date="+now.UTC().Format(stats.DateLayout), nil)
	assertStatus(t, rr, http.StatusOK)
	var persisted model.StatsReport
	decodeJSON(t, rr, &persisted)
	if persisted.TotalCalls != 3 || persisted.Source != "persisted" {
		t.Errorf("persisted = %+v", persisted)
	}

	rr = env.do(t, "GET", "/admin/v1/stats/weather-svc/history?limit=5", nil)
	assertStatus(t, rr, http.StatusOK)
	var hist struct {
		Count int `json:"count"`
	}
	decodeJSON(t, rr, &hist)
	if hist.Count != 1 {
		t.Errorf("history count = %d, want 1", hist.Count)
	}

	rr = env.do(t, "DELETE", "/admin/v1/stats/cache", nil)
	assertStatus(t, rr, http.StatusOK)
	rr = env.do(t, "GET", "/admin/v1/stats/weather-svc/realtime", nil)
	decodeJSON(t, rr, &live)
	if live.TotalCalls != 0 {
		t.Errorf("live total after clear = %d, want 0", live.TotalCalls)
	}
}

func TestStatsBadDate(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/admin/v1/stats/weather-svc?date=06/01/2025", nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestSessionInspectAndDelete(t *testing.T) {
	env := newTestEnv(t)
	const sid = "3f2b8c1e-7a4d-4e6f-9b0a-1c2d3e4f5a6b"
	if err := env.sessions.Bind(context.Background(), sid, auth.Fingerprint("k"), time.Hour); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	rr := env.do(t, "GET", "/admin/v1/sessions/"+sid, nil)
	assertStatus(t, rr, http.StatusOK)
	var info sessionInfo
	decodeJSON(t, rr, &info)
	if !info.Exists || info.TTLSeconds <= 0 || info.TTLSeconds > 3600 {
		t.Errorf("session info = %+v", info)
	}
	if strings.Contains(rr.Body.String(), auth.Fingerprint("k")) {
		t.Error("bound key must not be exposed")
	}

	rr = env.do(t, "DELETE", "/admin/v1/sessions/"+sid, nil)
	assertStatus(t, rr, http.StatusNoContent)

	rr = env.do(t, "GET", "/admin/v1/sessions/"+sid, nil)
	decodeJSON(t, rr, &info)
	if info.Exists || info.TTLSeconds != session.Absent {
		t.Errorf("after delete = %+v", info)
	}
}

func TestSessionExtend(t *testing.T) {
	env := newTestEnv(t)
	const sid = "9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d"
	if err := env.sessions.Bind(context.Background(), sid, auth.Fingerprint("k"), time.Minute); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	rr := env.do(t, "PUT", "/admin/v1/sessions/"+sid+"/ttl", toJSON(t, map[string]string{"ttl": "3h"}))
	assertStatus(t, rr, http.StatusOK)
	var info sessionInfo
	decodeJSON(t, rr, &info)
	if info.TTLSeconds <= 2*3600 || info.TTLSeconds > 3*3600 {
		t.Errorf("ttl after extend = %d", info.TTLSeconds)
	}

	rr = env.do(t, "PUT", "/admin/v1/sessions/"+sid+"/ttl", toJSON(t, map[string]string{"ttl": "soon"}))
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "PUT", "/admin/v1/sessions/unknown/ttl", nil)
	assertStatus(t, rr, http.StatusNotFound)
}

// ---------------------------------------------------------------------------
// Keys and auth cache
// ---------------------------------------------------------------------------

func TestKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/admin/v1/keys", toJSON(t, map[string]string{
		"user_id": "alice", "label": "laptop", "expires_in": "720h",
	}))
	assertStatus(t, rr, http.StatusCreated)
	var created struct {
		Key    model.AuthKey `json:"key"`
		RawKey string        `json:"raw_key"`
	}
	decodeJSON(t, rr, &created)
	if created.RawKey == "" || created.Key.ID == "" || created.Key.ExpiresAt == nil {
		t.Fatalf("created = %+v", created)
	}

	rr = env.do(t, "GET", "/admin/v1/keys?user_id=alice", nil)
	assertStatus(t, rr, http.StatusOK)
	if strings.Contains(rr.Body.String(), auth.Fingerprint(created.RawKey)) {
		t.Error("key hash must not be listed")
	}

	rr = env.do(t, "DELETE", "/admin/v1/keys/"+created.Key.ID, nil)
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "GET", "/admin/v1/keys?user_id=alice&active=true", nil)
	var list struct {
		Count int `json:"count"`
	}
	decodeJSON(t, rr, &list)
	if list.Count != 0 {
		t.Errorf("active keys after revoke = %d, want 0", list.Count)
	}
}

func TestCreateKeyValidation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/admin/v1/keys", toJSON(t, map[string]string{"label": "x"}))
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/admin/v1/keys", toJSON(t, map[string]string{"user_id": "a", "expires_in": "soon"}))
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/admin/v1/keys", toJSON(t, map[string]string{"user_id": "a", "service_id": "ghost"}))
	assertStatus(t, rr, http.StatusNotFound)
}

func TestForgetCachedKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hash := auth.Fingerprint("some-raw-key")
	_ = env.cache.Set(ctx, auth.NegativeCachePrefix+hash, "invalid", time.Minute)
	_ = env.cache.Set(ctx, auth.PositiveCachePrefix+hash, "{}", time.Minute)

	rr := env.do(t, "DELETE", "/admin/v1/auth/cache/not-a-hash", nil)
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "DELETE", "/admin/v1/auth/cache/"+hash, nil)
	assertStatus(t, rr, http.StatusNoContent)
	for _, k := range []string{auth.NegativeCachePrefix + hash, auth.PositiveCachePrefix + hash} {
		if ok, _ := env.cache.Exists(ctx, k); ok {
			t.Errorf("%s still cached", k)
		}
	}
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

func TestListAudit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, svc := range []string{"weather-svc", "weather-svc", "files"} {
		if err := env.store.InsertCallLog(ctx, &model.CallLog{
			ServiceID: svc, UserID: "alice", StatusCode: 403, AuthMethod: "KEY", Reason: "KEY_EXPIRED",
		}); err != nil {
			t.Fatalf("InsertCallLog: %v", err)
		}
	}

	rr := env.do(t, "GET", "/admin/v1/audit?service_id=weather-svc", nil)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Logs  []model.CallLog `json:"logs"`
		Count int             `json:"count"`
		Pipes []struct {
			Name    string `json:"name"`
			Dropped int64  `json:"dropped"`
		} `json:"pipes"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
	if len(resp.Pipes) != 1 || resp.Pipes[0].Name != "stats" {
		t.Errorf("pipes = %+v", resp.Pipes)
	}
}
