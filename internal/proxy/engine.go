// Package proxy forwards /gateway/{serviceId}/** requests to the resolved MCP
// backend. Response bodies are streamed back chunk by chunk; text bodies are
// scanned for backend session ids, which are bound to the caller's key, and
// backend route prefixes in them are rewritten to point back through the
// gateway.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/w3z4y4/mcp-gateway/internal/auth"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/registry"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
	"github.com/w3z4y4/mcp-gateway/internal/telemetry"
)

// Error reasons written in the response envelope.
const (
	ReasonBadRequest          = "BAD_REQUEST"
	ReasonServiceNotFound     = "SERVICE_NOT_FOUND"
	ReasonRateLimited         = "RATE_LIMITED"
	ReasonUpstreamError       = "UPSTREAM_ERROR"
	ReasonUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
)

// ErrBadPath is returned for a gateway path without a service segment.
var ErrBadPath = errors.New("proxy: missing service id in path")

// StatusClientClosed is recorded when the caller goes away before the
// backend answers.
const StatusClientClosed = 499

// Resolver finds the backend for a service id.
type Resolver interface {
	Resolve(ctx context.Context, serviceID string) (*model.ServiceDescriptor, error)
}

// SessionBinder records which key opened a backend session.
type SessionBinder interface {
	Bind(ctx context.Context, sessionID, authKey string, ttl time.Duration) error
}

// Recorder receives one entry per proxied call.
type Recorder interface {
	Record(c stats.Call)
}

// hopHeaders are never copied in either direction.
var hopHeaders = []string{
	"Host",
	"Content-Length",
	"Connection",
	"Upgrade",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Keep-Alive",
}

// Options configures an Engine.
type Options struct {
	Prefix                string   // gateway prefix, default "/gateway"
	RoutePrefixes         []string // backend route prefixes rewritten in streamed bodies
	SessionTTL            time.Duration
	ConnectTimeout        time.Duration // default 5s
	ResponseHeaderTimeout time.Duration // default 30s
	MaxRetries            int           // default 2; negative disables retries
	RetryBackoff          time.Duration // initial backoff, default 100ms
	MaxReplayBody         int64         // largest body buffered for retries, default 256KiB
	Breaker               BreakerSettings

	// Transport replaces the backend transport, mainly for tests.
	Transport http.RoundTripper

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Engine is the proxy engine.
type Engine struct {
	prefix   string
	routes   []string
	ttl      time.Duration
	resolver Resolver
	sessions SessionBinder
	recorder Recorder
	limiters *limiters
	breakers *breakerTransport
	proxy    *httputil.ReverseProxy
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// route is the per-request state threaded through the reverse proxy.
type route struct {
	serviceID string
	target    *url.URL
	caller    auth.Decision
	start     time.Time
	recorded  bool
}

type routeKey struct{}

func routeFrom(ctx context.Context) *route {
	if rt, ok := ctx.Value(routeKey{}).(*route); ok {
		return rt
	}
	return &route{}
}

// New creates an Engine. sessions and recorder may be nil.
func New(resolver Resolver, sessions SessionBinder, recorder Recorder, opts Options) *Engine {
	if opts.Prefix == "" {
		opts.Prefix = model.DefaultGatewayPrefix
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 2 * time.Hour
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	if opts.MaxReplayBody <= 0 {
		opts.MaxReplayBody = 256 << 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	base := opts.Transport
	if base == nil {
		base = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   opts.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
			ExpectContinueTimeout: time.Second,
		}
	}

	e := &Engine{
		prefix:   strings.TrimRight(opts.Prefix, "/"),
		routes:   opts.RoutePrefixes,
		ttl:      opts.SessionTTL,
		resolver: resolver,
		sessions: sessions,
		recorder: recorder,
		limiters: newLimiters(),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	e.breakers = newBreakerTransport(base, opts.Breaker, opts.Logger, opts.Metrics)
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	e.proxy = &httputil.ReverseProxy{
		Rewrite: e.rewrite,
		Transport: &retryTransport{
			next:       e.breakers,
			maxRetries: retries,
			initial:    opts.RetryBackoff,
			maxReplay:  opts.MaxReplayBody,
			logger:     opts.Logger,
			metrics:    opts.Metrics,
		},
		FlushInterval:  -1,
		ModifyResponse: e.modifyResponse,
		ErrorHandler:   e.errorHandler,
		ErrorLog:       slog.NewLogLogger(opts.Logger.Handler(), slog.LevelWarn),
	}
	return e
}

// BreakerState reports the circuit state for serviceID.
func (e *Engine) BreakerState(serviceID string) string {
	return e.breakers.State(serviceID)
}

// TargetURL joins the backend base URL, the remaining path and the raw query.
func TargetURL(endpoint, rest, rawQuery string) (*url.URL, error) {
	s := strings.TrimRight(endpoint, "/") + rest
	if rawQuery != "" {
		s += "?" + rawQuery
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("backend endpoint must be an absolute URL")
	}
	return u, nil
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	serviceID, rest, ok := model.SplitGatewayURL(e.prefix, r.URL)
	if !ok {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, ErrBadPath.Error())
		return
	}

	desc, err := e.resolver.Resolve(r.Context(), serviceID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			e.logger.Warn("service resolution failed", "service_id", serviceID, "error", err)
		}
		writeError(w, http.StatusNotFound, ReasonServiceNotFound, "service not found: "+serviceID)
		return
	}

	if !e.limiters.allow(serviceID, desc.MaxQPS) {
		e.metrics.RateLimited(serviceID)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, ReasonRateLimited, "service rate limit exceeded")
		return
	}

	target, err := TargetURL(desc.Endpoint, rest, r.URL.RawQuery)
	if err != nil {
		e.logger.Error("invalid backend endpoint", "service_id", serviceID, "endpoint", desc.Endpoint, "error", err)
		e.finish(&route{serviceID: serviceID, start: start}, http.StatusInternalServerError)
		writeError(w, http.StatusBadGateway, ReasonUpstreamError, "backend is misconfigured")
		return
	}

	caller, _ := auth.DecisionFrom(r.Context())
	rt := &route{serviceID: serviceID, target: target, caller: caller, start: start}
	ctx := context.WithValue(r.Context(), routeKey{}, rt)
	e.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (e *Engine) rewrite(pr *httputil.ProxyRequest) {
	rt := routeFrom(pr.In.Context())
	pr.Out.URL = rt.target
	pr.Out.Host = rt.target.Host
	for _, h := range hopHeaders {
		pr.Out.Header.Del(h)
	}
	// Let the transport negotiate compression so the body arrives as text.
	pr.Out.Header.Del("Accept-Encoding")
	pr.SetXForwarded()
}

func (e *Engine) modifyResponse(resp *http.Response) error {
	rt := routeFrom(resp.Request.Context())
	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}

	var sniff *sniffer
	if e.sessions != nil && rt.caller.Fingerprint != "" {
		key := rt.caller.Fingerprint
		sniff = newSniffer(func(sid string) { e.bindSession(sid, key) })
	}
	ct, ce := resp.Header.Get("Content-Type"), resp.Header.Get("Content-Encoding")
	switch {
	case rewritable(ct, ce):
		resp.Body = newStreamBody(resp.Body, newRewriter(e.prefix, rt.serviceID, e.routes), sniff)
		// The rewritten length is unknown until the stream ends.
		resp.ContentLength = -1
		resp.Header.Del("Content-Length")
	case sniff != nil && identityEncoded(ce):
		// Bytes pass through unchanged; only session ids are picked up.
		resp.Body = newStreamBody(resp.Body, nil, sniff)
	}

	e.finish(rt, resp.StatusCode)
	return nil
}

// bindSession runs off the response path.
func (e *Engine) bindSession(sessionID, key string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.sessions.Bind(ctx, sessionID, key, e.ttl); err != nil {
			e.logger.Warn("session binding failed", "session_id", sessionID, "error", err)
			return
		}
		e.metrics.SessionBound()
		e.logger.Debug("session bound to caller", "session_id", sessionID)
	}()
}

func (e *Engine) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	rt := routeFrom(r.Context())

	if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
		e.logger.Debug("caller went away before backend answered", "service_id", rt.serviceID)
		e.finish(rt, StatusClientClosed)
		w.WriteHeader(StatusClientClosed)
		return
	}

	kind := "transport"
	status, reason, msg := http.StatusBadGateway, ReasonUpstreamError, "backend request failed"
	var ne net.Error
	switch {
	case isBreakerOpen(err):
		kind = "circuit_open"
		status, reason, msg = http.StatusServiceUnavailable, ReasonUpstreamUnavailable, "backend temporarily unavailable"
	case errors.As(err, &ne) && ne.Timeout():
		kind = "timeout"
	}
	e.metrics.UpstreamError(rt.serviceID, kind)
	e.logger.Error("backend call failed", "service_id", rt.serviceID, "target", rt.target.Redacted(), "error", err)
	e.finish(rt, http.StatusInternalServerError)
	writeError(w, status, reason, msg)
}

// finish records the call exactly once.
func (e *Engine) finish(rt *route, status int) {
	if rt.recorded {
		return
	}
	rt.recorded = true
	d := time.Since(rt.start)
	e.metrics.ObserveProxy(rt.serviceID, status, d)
	if e.recorder != nil {
		e.recorder.Record(stats.Call{
			ServiceID: rt.serviceID,
			CallerID:  rt.caller.CallerID(),
			Status:    status,
			Duration:  d,
		})
	}
}

func writeError(w http.ResponseWriter, code int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(model.NewErrorResponse(code, reason, message))
}
