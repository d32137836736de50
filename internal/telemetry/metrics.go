package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mcp_gateway"

// Metrics holds all Prometheus metrics for the gateway. All methods are safe
// to call on a nil *Metrics, which records nothing.
type Metrics struct {
	// Proxy metrics
	ProxyRequestsTotal *prometheus.CounterVec
	ProxyDuration      *prometheus.HistogramVec
	ProxyRetriesTotal  *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	RateLimitedTotal   *prometheus.CounterVec
	SessionsBoundTotal prometheus.Counter

	// Auth metrics
	AuthDecisionsTotal *prometheus.CounterVec
	AuthCacheTotal     *prometheus.CounterVec

	// Background pipes
	PipeDroppedTotal  *prometheus.CounterVec
	PipeRestartsTotal *prometheus.CounterVec

	// Stats and registry
	StatsFlushTotal      *prometheus.CounterVec
	StatsFlushDuration   prometheus.Histogram
	RegistryRefreshTotal *prometheus.CounterVec
	ActiveServices       prometheus.Gauge
	LiveSessions         prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// defaultBuckets are the histogram buckets for duration metrics (in seconds).
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		ProxyRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Total number of proxied requests by service and recorded status",
			},
			[]string{"service", "code"},
		),
		ProxyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "duration_seconds",
				Help:      "Time from request start to the end of the proxied response",
				Buckets:   defaultBuckets,
			},
			[]string{"service"},
		),
		ProxyRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "retries_total",
				Help:      "Total number of upstream retry attempts",
			},
			[]string{"service"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "upstream_errors_total",
				Help:      "Total number of requests that failed to reach the backend",
			},
			[]string{"service", "kind"},
		),
		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "rate_limited_total",
				Help:      "Total number of requests rejected by a per-service QPS limit",
			},
			[]string{"service"},
		),
		SessionsBoundTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "sessions_bound_total",
				Help:      "Total number of session ids discovered in backend responses",
			},
		),

		AuthDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "decisions_total",
				Help:      "Total number of auth decisions by outcome and reason",
			},
			[]string{"decision", "reason"},
		),
		AuthCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "cache_total",
				Help:      "Auth cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),

		PipeDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipe",
				Name:      "dropped_total",
				Help:      "Events dropped because a background pipe was full",
			},
			[]string{"pipe"},
		),
		PipeRestartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipe",
				Name:      "restarts_total",
				Help:      "Consumer restarts after a panic",
			},
			[]string{"pipe"},
		),

		StatsFlushTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stats",
				Name:      "flush_total",
				Help:      "Stats flush runs by result",
			},
			[]string{"result"},
		),
		StatsFlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stats",
				Name:      "flush_duration_seconds",
				Help:      "Duration of stats flush runs",
				Buckets:   defaultBuckets,
			},
		),
		RegistryRefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "refresh_total",
				Help:      "Registry refresh runs by result",
			},
			[]string{"result"},
		),
		ActiveServices: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "active_services",
				Help:      "Number of services in the active set",
			},
		),
		LiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "live",
				Help:      "Number of live session bindings",
			},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Current state of circuit breakers (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"service"},
		),
	}
}

// ObserveProxy records one completed proxied request.
func (m *Metrics) ObserveProxy(service string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.ProxyRequestsTotal.WithLabelValues(service, strconv.Itoa(status)).Inc()
	m.ProxyDuration.WithLabelValues(service).Observe(d.Seconds())
}

// Retry counts one upstream retry.
func (m *Metrics) Retry(service string) {
	if m == nil {
		return
	}
	m.ProxyRetriesTotal.WithLabelValues(service).Inc()
}

// UpstreamError counts a request that failed to reach the backend.
func (m *Metrics) UpstreamError(service, kind string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(service, kind).Inc()
}

// RateLimited counts a request rejected by a per-service limit.
func (m *Metrics) RateLimited(service string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(service).Inc()
}

// SessionBound counts a session id discovered in a backend response.
func (m *Metrics) SessionBound() {
	if m == nil {
		return
	}
	m.SessionsBoundTotal.Inc()
}

// AuthDecision counts one auth decision.
func (m *Metrics) AuthDecision(decision, reason string) {
	if m == nil {
		return
	}
	m.AuthDecisionsTotal.WithLabelValues(decision, reason).Inc()
}

// AuthCache counts one auth cache lookup.
func (m *Metrics) AuthCache(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.AuthCacheTotal.WithLabelValues(cache, result).Inc()
}

// PipeDropped counts an event dropped by a full pipe.
func (m *Metrics) PipeDropped(pipe string) {
	if m == nil {
		return
	}
	m.PipeDroppedTotal.WithLabelValues(pipe).Inc()
}

// PipeRestarted counts a consumer restart.
func (m *Metrics) PipeRestarted(pipe string) {
	if m == nil {
		return
	}
	m.PipeRestartsTotal.WithLabelValues(pipe).Inc()
}

// StatsFlushed records one flush run.
func (m *Metrics) StatsFlushed(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.StatsFlushTotal.WithLabelValues(result(err)).Inc()
	m.StatsFlushDuration.Observe(d.Seconds())
}

// RegistryRefreshed records one refresh run and the resulting set size.
func (m *Metrics) RegistryRefreshed(err error, active int) {
	if m == nil {
		return
	}
	m.RegistryRefreshTotal.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.ActiveServices.Set(float64(active))
	}
}

// BreakerState records a breaker transition. state follows gobreaker's
// numbering: 0 closed, 1 half-open, 2 open.
func (m *Metrics) BreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(service).Set(float64(state))
	if state == 2 {
		m.CircuitBreakerTrips.WithLabelValues(service).Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
