package openapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/w3z4y4/mcp-gateway/internal/model"
)

// Options controls document generation.
type Options struct {
	BaseURL       string
	Version       string
	Prefix        string   // gateway prefix, default "/gateway"
	RoutePrefixes []string // backend routes listed per service, e.g. /sse and /messages
	Admin         bool     // include the admin API
}

// GenerateGatewaySpec builds the OpenAPI document for the gateway: the
// proxied routes of every active service, the probes, and optionally the
// admin API.
func GenerateGatewaySpec(services []model.ServiceDescriptor, opts Options) (*openapi3.T, error) {
	if opts.Prefix == "" {
		opts.Prefix = model.DefaultGatewayPrefix
	}
	opts.Prefix = strings.TrimRight(opts.Prefix, "/")
	if opts.Version == "" {
		opts.Version = "dev"
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "MCP Gateway",
			Description: "Authenticated reverse proxy in front of registered MCP services.",
			Version:     opts.Version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	// Gateway callers may present their key in any of three places.
	doc.Components.SecuritySchemes["keyQuery"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{Type: "apiKey", In: "query", Name: "key"},
	}
	doc.Components.SecuritySchemes["keyHeader"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Auth-Key"},
	}
	doc.Components.SecuritySchemes["keyBearer"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer"},
	}
	doc.Components.SecuritySchemes["adminBearer"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}

	if err := registerSchemas(doc.Components.Schemas); err != nil {
		return nil, err
	}

	doc.Paths = openapi3.NewPaths()
	addProbePaths(doc)
	addGatewayPaths(doc, services, opts)
	if opts.Admin {
		addAdminPaths(doc)
	}
	return doc, nil
}

// gatewaySecurity lists the accepted caller credentials.
func gatewaySecurity() *openapi3.SecurityRequirements {
	return &openapi3.SecurityRequirements{
		{"keyQuery": {}},
		{"keyBearer": {}},
		{"keyHeader": {}},
	}
}

func adminSecurity() *openapi3.SecurityRequirements {
	return &openapi3.SecurityRequirements{{"adminBearer": {}}}
}

// ─── Probes ─────────────────────────────────────────────────────────────────

func addProbePaths(doc *openapi3.T) {
	probe := func(id, summary string) *openapi3.PathItem {
		return &openapi3.PathItem{Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     summary,
			OperationID: id,
			Security:    &openapi3.SecurityRequirements{},
			Responses:   newResponses("200", "OK", objectSchema()),
		}}
	}
	doc.Paths.Set("/health", probe("health", "Process health"))
	doc.Paths.Set("/healthz", probe("liveness", "Liveness probe"))
	doc.Paths.Set("/readyz", probe("readiness", "Readiness probe, pings the durable and TTL stores"))

	metricsDesc := "Prometheus text exposition"
	resp := openapi3.NewResponses()
	resp.Set("200", &openapi3.ResponseRef{Value: &openapi3.Response{
		Description: &metricsDesc,
		Content:     openapi3.NewContentWithSchema(openapi3.NewStringSchema(), []string{"text/plain"}),
	}})
	doc.Paths.Set("/metrics", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "Prometheus metrics",
		OperationID: "metrics",
		Security:    &openapi3.SecurityRequirements{},
		Responses:   resp,
	}})
}

// ─── Gateway ────────────────────────────────────────────────────────────────

func addGatewayPaths(doc *openapi3.T, services []model.ServiceDescriptor, opts Options) {
	serviceParam := pathParam("serviceId", "Registered service id")
	restParam := pathParam("path", "Backend path, forwarded unchanged with the query string")

	generic := &openapi3.PathItem{Parameters: openapi3.Parameters{serviceParam, restParam}}
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		generic.SetOperation(method, proxyOperation("gateway", method, "any"))
	}
	doc.Paths.Set(opts.Prefix+"/{serviceId}/{path}", generic)

	for _, svc := range services {
		if !svc.IsActive() {
			continue
		}
		doc.Tags = append(doc.Tags, &openapi3.Tag{Name: svc.ServiceID, Description: svc.Description})
		for _, route := range opts.RoutePrefixes {
			route = "/" + strings.Trim(route, "/")
			item := &openapi3.PathItem{}
			item.SetOperation(http.MethodGet, proxyOperation(svc.ServiceID, http.MethodGet, route))
			item.SetOperation(http.MethodPost, proxyOperation(svc.ServiceID, http.MethodPost, route))
			doc.Paths.Set(opts.Prefix+"/"+svc.ServiceID+route, item)
		}
	}
}

func proxyOperation(tag, method, route string) *openapi3.Operation {
	id := sanitizeOperationID(fmt.Sprintf("%s_%s_%s", strings.ToLower(method), tag, route))
	responses := openapi3.NewResponses()
	passDesc := "Backend response, streamed unchanged apart from rewritten route prefixes"
	responses.Set("default", &openapi3.ResponseRef{Value: &openapi3.Response{Description: &passDesc}})
	for code, desc := range map[string]string{
		"400": "Missing service id",
		"403": "Caller denied; reason in the error envelope",
		"404": "Unknown or inactive service",
		"429": "Rate limit exceeded",
		"502": "Backend unreachable after retries",
		"503": "Backend circuit open",
	} {
		responses.Set(code, errorResponse(desc))
	}
	return &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     fmt.Sprintf("Proxy %s %s", method, route),
		OperationID: id,
		Security:    gatewaySecurity(),
		Responses:   responses,
	}
}

// ─── Admin ──────────────────────────────────────────────────────────────────

func addAdminPaths(doc *openapi3.T) {
	ref := func(name string) *openapi3.SchemaRef {
		return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
	}
	svcID := pathParam("serviceId", "Service id")

	doc.Paths.Set("/admin/v1/services", &openapi3.PathItem{
		Get:  adminOperation("listServices", "List active services", nil, newResponses("200", "Services", listSchema("services", ref("ServiceDescriptor")))),
		Post: adminOperation("createService", "Register a service", ref("ServiceDescriptor"), newResponses("201", "Created", ref("ServiceDescriptor"))),
	})
	doc.Paths.Set("/admin/v1/services/refresh", &openapi3.PathItem{
		Post: adminOperation("refreshServices", "Rebuild the active set", nil, newResponses("200", "Active count", objectSchema())),
	})
	doc.Paths.Set("/admin/v1/services/{serviceId}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{svcID},
		Get:        adminOperation("getService", "Get a service", nil, newResponses("200", "Service", objectSchema())),
		Delete:     adminOperation("deleteService", "Remove a service", nil, newResponses("204", "Removed", nil)),
	})
	doc.Paths.Set("/admin/v1/services/{serviceId}/status", &openapi3.PathItem{
		Parameters: openapi3.Parameters{svcID},
		Put:        adminOperation("setServiceStatus", "Change lifecycle status", objectSchema(), newResponses("200", "Updated", objectSchema())),
	})

	dateParam := &openapi3.ParameterRef{Value: openapi3.NewQueryParameter("date").
		WithDescription("Day in YYYY-MM-DD, default today").WithSchema(openapi3.NewDateTimeSchema())}
	dateParam.Value.Schema.Value.Format = "date"
	limitParam := &openapi3.ParameterRef{Value: openapi3.NewQueryParameter("limit").
		WithDescription("Days to return").WithSchema(openapi3.NewIntegerSchema())}

	doc.Paths.Set("/admin/v1/stats/{serviceId}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{svcID, dateParam},
		Get:        adminOperation("getPersistedStats", "Persisted daily statistics", nil, newResponses("200", "Report", ref("StatsReport"))),
	})
	doc.Paths.Set("/admin/v1/stats/{serviceId}/realtime", &openapi3.PathItem{
		Parameters: openapi3.Parameters{svcID},
		Get:        adminOperation("getRealtimeStats", "Live statistics for today", nil, newResponses("200", "Report", ref("StatsReport"))),
	})
	doc.Paths.Set("/admin/v1/stats/{serviceId}/history", &openapi3.PathItem{
		Parameters: openapi3.Parameters{svcID, limitParam},
		Get:        adminOperation("getStatsHistory", "Recent daily statistics", nil, newResponses("200", "Reports", listSchema("days", ref("StatsReport")))),
	})
	doc.Paths.Set("/admin/v1/stats/flush", &openapi3.PathItem{
		Post: adminOperation("flushStats", "Flush live counters to the durable store", nil, newResponses("200", "Flush result", objectSchema())),
	})
	doc.Paths.Set("/admin/v1/stats/cache", &openapi3.PathItem{
		Delete: adminOperation("clearStatsCache", "Drop live counters", nil, newResponses("200", "Removed keys", objectSchema())),
	})

	sid := pathParam("sessionId", "Backend session id")
	doc.Paths.Set("/admin/v1/sessions/{sessionId}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{sid},
		Get:        adminOperation("getSession", "Session binding state", nil, newResponses("200", "Binding", objectSchema())),
		Delete:     adminOperation("deleteSession", "Remove a session binding", nil, newResponses("204", "Removed", nil)),
	})
	doc.Paths.Set("/admin/v1/sessions/{sessionId}/ttl", &openapi3.PathItem{
		Parameters: openapi3.Parameters{sid},
		Put:        adminOperation("extendSession", "Reset a session binding lifetime", objectSchema(), newResponses("200", "Binding", objectSchema())),
	})

	doc.Paths.Set("/admin/v1/keys", &openapi3.PathItem{
		Get:  adminOperation("listKeys", "List auth keys", nil, newResponses("200", "Keys", listSchema("keys", ref("AuthKey")))),
		Post: adminOperation("createKey", "Issue an auth key", objectSchema(), newResponses("201", "Issued key, raw value shown once", objectSchema())),
	})
	doc.Paths.Set("/admin/v1/keys/{keyId}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{pathParam("keyId", "Key id or display prefix")},
		Delete:     adminOperation("revokeKey", "Revoke an auth key", nil, newResponses("200", "Revoked key", ref("AuthKey"))),
	})
	doc.Paths.Set("/admin/v1/auth/cache/{keyHash}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{pathParam("keyHash", "SHA-256 hex digest of the raw key")},
		Delete:     adminOperation("forgetCachedKey", "Drop cached auth decisions", nil, newResponses("204", "Removed", nil)),
	})
	doc.Paths.Set("/admin/v1/audit", &openapi3.PathItem{
		Get: adminOperation("listAudit", "Recent auth decisions and pipe counters", nil, newResponses("200", "Audit trail", listSchema("logs", ref("CallLog")))),
	})
}

func adminOperation(id, summary string, body *openapi3.SchemaRef, responses *openapi3.Responses) *openapi3.Operation {
	op := &openapi3.Operation{
		Tags:        []string{"admin"},
		Summary:     summary,
		OperationID: id,
		Security:    adminSecurity(),
		Responses:   responses,
	}
	if body != nil {
		op.RequestBody = &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{
			Required: true,
			Content:  openapi3.NewContentWithJSONSchemaRef(body),
		}}
	}
	return op
}

// ─── Builders ───────────────────────────────────────────────────────────────

func pathParam(name, desc string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{Value: openapi3.NewPathParameter(name).
		WithDescription(desc).
		WithSchema(openapi3.NewStringSchema())}
}

func objectSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: openapi3.NewObjectSchema()}
}

// listSchema wraps items in {"<field>": [...], "count": n}.
func listSchema(field string, items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type: &openapi3.Types{"object"},
		Properties: openapi3.Schemas{
			field: {Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: items,
			}},
			"count": {Value: openapi3.NewIntegerSchema()},
		},
	}}
}

func errorResponse(desc string) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{Value: &openapi3.Response{
		Description: &desc,
		Content:     openapi3.NewContentWithJSONSchemaRef(openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)),
	}}
}

// newResponses builds a Responses map with a success response and standard
// error responses. A nil schema yields a response without a body.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()

	successDesc := description
	success := &openapi3.Response{Description: &successDesc}
	if schema != nil {
		success.Content = openapi3.NewContentWithJSONSchemaRef(schema)
	}
	responses.Set(statusCode, &openapi3.ResponseRef{Value: success})

	responses.Set("400", errorResponse("Bad request"))
	responses.Set("401", errorResponse("Unauthorized"))
	responses.Set("404", errorResponse("Not found"))
	responses.Set("500", errorResponse("Internal server error"))
	return responses
}

// sanitizeOperationID replaces everything but letters, digits and
// underscores.
func sanitizeOperationID(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
