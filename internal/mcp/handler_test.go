package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/kv"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/registry"
	"github.com/w3z4y4/mcp-gateway/internal/session"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
)

type testEnv struct {
	store    *config.Store
	stats    *stats.Aggregator
	sessions *session.Store
	srv      *MCPServer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := kv.NewMemory()
	reg := registry.New(cache, store, registry.Options{Logger: logger})
	agg := stats.New(cache, store, stats.Options{Logger: logger})
	sessions := session.NewStore(cache, time.Hour, logger)

	ctx := context.Background()
	for _, svc := range []*model.ServiceDescriptor{
		{ServiceID: "weather-svc", Name: "Weather", Endpoint: "http://weather:8080", MaxQPS: 5},
		{ServiceID: "old-svc", Name: "Old", Endpoint: "http://old:8080", Status: model.StatusDeprecated},
	} {
		if err := store.CreateService(ctx, svc); err != nil {
			t.Fatalf("CreateService: %v", err)
		}
	}

	return &testEnv{
		store:    store,
		stats:    agg,
		sessions: sessions,
		srv:      NewMCPServer(reg, agg, sessions, "test", logger),
	}
}

func callRequest(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

// resultText returns the text of a single-content tool result.
func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return text.Text
}

// ---------------------------------------------------------------------------
// Tool tests
// ---------------------------------------------------------------------------

func TestListServicesTool(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.srv.handleListServices(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatalf("handleListServices: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}

	var body struct {
		Services []struct {
			ServiceID string `json:"service_id"`
			MaxQPS    int    `json:"max_qps"`
		} `json:"services"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Services[0].ServiceID != "weather-svc" || body.Services[0].MaxQPS != 5 {
		t.Errorf("unexpected services: %+v", body)
	}
}

func TestGetServiceTool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, _ := env.srv.handleGetService(ctx, callRequest(map[string]interface{}{"service_id": "weather-svc"}))
	if res.IsError || !strings.Contains(resultText(t, res), `"endpoint": "http://weather:8080"`) {
		t.Errorf("expected weather-svc descriptor, got %s", resultText(t, res))
	}

	res, _ = env.srv.handleGetService(ctx, callRequest(map[string]interface{}{"service_id": "old-svc"}))
	if !res.IsError {
		t.Error("deprecated service should not resolve")
	}

	res, _ = env.srv.handleGetService(ctx, callRequest(nil))
	if !res.IsError || !strings.Contains(resultText(t, res), "service_id") {
		t.Errorf("expected missing parameter error, got %s", resultText(t, res))
	}
}

func TestServiceStatsTool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()
	for _, status := range []int{200, 200, 500} {
		if err := env.stats.Apply(ctx, stats.Call{ServiceID: "weather-svc", CallerID: "alice", Status: status, Duration: 10 * time.Millisecond, At: now}); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	res, _ := env.srv.handleServiceStats(ctx, callRequest(map[string]interface{}{"service_id": "weather-svc"}))
	var live model.StatsReport
	if err := json.Unmarshal([]byte(resultText(t, res)), &live); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if live.Source != "realtime" || live.TotalCalls != 3 || live.SuccessCalls != 2 || live.FailedCalls != 1 {
		t.Errorf("unexpected live report: %+v", live)
	}

	res, _ = env.srv.handleServiceStats(ctx, callRequest(map[string]interface{}{"service_id": "weather-svc", "source": "persisted"}))
	if !res.IsError {
		t.Error("persisted stats before any flush should be a tool error")
	}

	flush, _ := env.srv.handleFlushStats(ctx, callRequest(nil))
	if flush.IsError {
		t.Fatalf("flush failed: %s", resultText(t, flush))
	}

	res, _ = env.srv.handleServiceStats(ctx, callRequest(map[string]interface{}{"service_id": "weather-svc", "source": "persisted"}))
	var persisted model.StatsReport
	if err := json.Unmarshal([]byte(resultText(t, res)), &persisted); err != nil {
		t.Fatalf("decode: %v: %s", err, resultText(t, res))
	}
	if persisted.Source != "persisted" || persisted.TotalCalls != 3 {
		t.Errorf("unexpected persisted report: %+v", persisted)
	}
}

func TestServiceStatsToolValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"bad source", map[string]interface{}{"service_id": "weather-svc", "source": "hourly"}},
		{"bad date", map[string]interface{}{"service_id": "weather-svc", "source": "persisted", "date": "18/10/2026"}},
		{"missing id", map[string]interface{}{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.srv.handleServiceStats(ctx, callRequest(tt.args))
			if err != nil {
				t.Fatalf("protocol error: %v", err)
			}
			if !res.IsError {
				t.Errorf("expected tool error, got %s", resultText(t, res))
			}
		})
	}
}

func TestSessionLookupTool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sid := "123e4567-e89b-12d3-a456-426614174000"
	if err := env.sessions.Bind(ctx, sid, "fingerprint", time.Hour); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	res, _ := env.srv.handleSessionLookup(ctx, callRequest(map[string]interface{}{"session_id": sid}))
	text := resultText(t, res)
	if !strings.Contains(text, `"exists": true`) {
		t.Errorf("expected bound session, got %s", text)
	}
	if strings.Contains(text, "fingerprint") {
		t.Error("bound key must not be revealed")
	}

	res, _ = env.srv.handleSessionLookup(ctx, callRequest(map[string]interface{}{"session_id": "missing"}))
	if !strings.Contains(resultText(t, res), `"ttl_seconds": -2`) {
		t.Errorf("expected absent TTL, got %s", resultText(t, res))
	}
}

func TestRefreshServicesTool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.CreateService(ctx, &model.ServiceDescriptor{ServiceID: "maps-svc", Name: "Maps", Endpoint: "http://maps"}); err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	res, _ := env.srv.handleRefreshServices(ctx, callRequest(nil))
	if res.IsError || !strings.Contains(resultText(t, res), `"active": 2`) {
		t.Errorf("expected two active services, got %s", resultText(t, res))
	}
}

// ---------------------------------------------------------------------------
// Resource tests
// ---------------------------------------------------------------------------

func TestStatsResource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.stats.Apply(ctx, stats.Call{ServiceID: "weather-svc", CallerID: "bob", Status: 200, At: time.Now()}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var req mcp.ReadResourceRequest
	req.Params.URI = "gateway://stats/weather-svc"
	contents, err := env.srv.handleStatsResource(ctx, req)
	if err != nil {
		t.Fatalf("handleStatsResource: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, `"total_calls": 1`) {
		t.Errorf("unexpected stats resource: %s", text)
	}

	req.Params.URI = "gateway://stats/"
	if _, err := env.srv.handleStatsResource(ctx, req); err == nil {
		t.Error("expected error for an empty service id")
	}
}

func TestServicesResource(t *testing.T) {
	env := newTestEnv(t)
	var req mcp.ReadResourceRequest
	req.Params.URI = servicesURI
	contents, err := env.srv.handleServicesResource(context.Background(), req)
	if err != nil {
		t.Fatalf("handleServicesResource: %v", err)
	}
	if text := contents[0].(mcp.TextResourceContents).Text; !strings.Contains(text, "weather-svc") || strings.Contains(text, "old-svc") {
		t.Errorf("unexpected services resource: %s", text)
	}
}

// ---------------------------------------------------------------------------
// Helper tests
// ---------------------------------------------------------------------------

func TestBoolPtr(t *testing.T) {
	truePtr := boolPtr(true)
	falsePtr := boolPtr(false)
	if truePtr == nil || *truePtr != true {
		t.Errorf("boolPtr(true) = %v", truePtr)
	}
	if falsePtr == nil || *falsePtr != false {
		t.Errorf("boolPtr(false) = %v", falsePtr)
	}
	if truePtr == falsePtr {
		t.Error("boolPtr(true) and boolPtr(false) should return distinct pointers")
	}
}

func TestAnnotations(t *testing.T) {
	if ann := readOnlyAnnotation(); ann.ReadOnlyHint == nil || !*ann.ReadOnlyHint {
		t.Error("readOnlyAnnotation should set ReadOnlyHint true")
	}
	if ann := mutatingAnnotation(); ann.ReadOnlyHint == nil || *ann.ReadOnlyHint {
		t.Error("mutatingAnnotation should set ReadOnlyHint false")
	}
}

func TestToolsRegistered(t *testing.T) {
	env := newTestEnv(t)
	tools := env.srv.Server().ListTools()
	for _, name := range []string{
		"gateway_list_services", "gateway_get_service", "gateway_service_stats",
		"gateway_session_lookup", "gateway_refresh_services", "gateway_flush_stats",
	} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %s not registered", name)
		}
	}
}
