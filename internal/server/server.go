package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/w3z4y4/mcp-gateway/internal/auth"
	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/handler"
	"github.com/w3z4y4/mcp-gateway/internal/kv"
	"github.com/w3z4y4/mcp-gateway/internal/model"
	"github.com/w3z4y4/mcp-gateway/internal/openapi"
	"github.com/w3z4y4/mcp-gateway/internal/pipe"
	"github.com/w3z4y4/mcp-gateway/internal/registry"
	"github.com/w3z4y4/mcp-gateway/internal/server/middleware"
	"github.com/w3z4y4/mcp-gateway/internal/service"
	"github.com/w3z4y4/mcp-gateway/internal/session"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	CORSMethods     []string
	MaxBodySize     int64 // bytes, admin API only
	RateLimit       int   // per-IP requests per minute on the gateway, 0 disables
	KeyRateLimit    int   // per-key requests per minute on the gateway, 0 disables
	GatewayPrefix   string
	RoutePrefixes   []string // listed per service in the OpenAPI document
	EnableAdmin     bool
	Version         string

	TLSCertFile string
	TLSKeyFile  string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		MaxBodySize:     10 * 1024 * 1024, // 10MB
		GatewayPrefix:   model.DefaultGatewayPrefix,
		EnableAdmin:     true,
		Version:         "dev",
	}
}

// Deps are the components the server routes to. MCP and Auditor may be nil.
type Deps struct {
	Store    *config.Store
	Cache    kv.Store
	Registry *registry.Registry
	Resolver *auth.Resolver
	Auditor  *auth.Auditor
	Sessions *session.Store
	Stats    *stats.Aggregator
	Proxy    http.Handler
	AuthSvc  *service.AuthService
	MCP      http.Handler
	Gatherer prometheus.Gatherer
}

// Server is the top-level HTTP server for the gateway. It owns the Chi
// router and the listening http.Server.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.GatewayPrefix == "" {
		cfg.GatewayPrefix = model.DefaultGatewayPrefix
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger, s.cfg.GatewayPrefix))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: corsMethods(s.cfg.CORSMethods),
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-Requested-With",
			auth.HeaderAuthKey, "X-Session-Id", "Mcp-Session-Id", "Last-Event-ID",
		},
		ExposedHeaders:   []string{"X-Request-ID", "Mcp-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	sysHandler := handler.NewSystemHandler(s.cfg.Version, map[string]handler.Pinger{
		"database": s.deps.Store,
		"cache":    s.deps.Cache,
	})

	// --- Health checks (no auth required) ---
	r.Get("/health", sysHandler.Health)
	r.Get("/healthz", sysHandler.Liveness)
	r.Get("/readyz", sysHandler.Readiness)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	// --- OpenAPI document (no auth required) ---
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.deps.Registry, openapi.Options{
		Version:       s.cfg.Version,
		Prefix:        s.cfg.GatewayPrefix,
		RoutePrefixes: s.cfg.RoutePrefixes,
		Admin:         s.cfg.EnableAdmin,
	}).ServeSpec)

	// --- Proxied traffic: rate limit, then auth, then proxy ---
	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(middleware.RateLimit(s.cfg.RateLimit, s.deps.Resolver.ClientIP))
		}
		if s.cfg.KeyRateLimit > 0 {
			r.Use(middleware.RateLimitByCredential(s.cfg.KeyRateLimit, s.deps.Resolver.ClientIP))
		}
		r.Use(middleware.GatewayAuth(s.deps.Resolver))
		r.Handle(s.cfg.GatewayPrefix, s.deps.Proxy)
		r.Handle(s.cfg.GatewayPrefix+"/*", s.deps.Proxy)
	})

	// --- Admin API ---
	if s.cfg.EnableAdmin {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(middleware.AdminAuth(s.deps.AuthSvc))

			if s.deps.MCP != nil {
				r.Handle("/mcp", s.deps.MCP)
			}

			r.Group(func(r chi.Router) {
				r.Use(chimw.Compress(5))
				if s.cfg.MaxBodySize > 0 {
					r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
				}
				s.mountAdmin(r)
			})
		})
	}

	s.router = r
}

// mountAdmin registers the admin handlers on r.
func (s *Server) mountAdmin(r chi.Router) {
	svcHandler := handler.NewServiceHandler(s.deps.Store, s.deps.Registry, s.logger)
	statsHandler := handler.NewStatsHandler(s.deps.Stats)
	sessHandler := handler.NewSessionHandler(s.deps.Sessions)
	keyHandler := handler.NewKeyHandler(service.NewKeyService(s.deps.Store, s.deps.Resolver, s.logger), s.deps.Resolver)

	pipes := []func() pipe.Stats{s.deps.Stats.PipeStats}
	if s.deps.Auditor != nil {
		pipes = append(pipes, s.deps.Auditor.Stats)
	}
	auditHandler := handler.NewAuditHandler(s.deps.Store, pipes...)

	// Service management
	r.Get("/services", svcHandler.ListServices)
	r.Post("/services", svcHandler.CreateService)
	r.Post("/services/refresh", svcHandler.RefreshServices)
	r.Get("/services/{serviceId}", svcHandler.GetService)
	r.Put("/services/{serviceId}/status", svcHandler.SetServiceStatus)
	r.Delete("/services/{serviceId}", svcHandler.DeleteService)

	// Statistics
	r.Post("/stats/flush", statsHandler.Flush)
	r.Delete("/stats/cache", statsHandler.ClearCache)
	r.Get("/stats/{serviceId}", statsHandler.Persisted)
	r.Get("/stats/{serviceId}/realtime", statsHandler.Realtime)
	r.Get("/stats/{serviceId}/history", statsHandler.History)

	// Session bindings
	r.Get("/sessions/{sessionId}", sessHandler.GetSession)
	r.Delete("/sessions/{sessionId}", sessHandler.DeleteSession)
	r.Put("/sessions/{sessionId}/ttl", sessHandler.ExtendSession)

	// Auth keys and cache
	r.Get("/keys", keyHandler.ListKeys)
	r.Post("/keys", keyHandler.CreateKey)
	r.Delete("/keys/{keyId}", keyHandler.RevokeKey)
	r.Delete("/auth/cache/{keyHash}", keyHandler.ForgetCachedKey)

	// Audit trail
	r.Get("/audit", auditHandler.ListAudit)
}

func corsMethods(configured []string) []string {
	if len(configured) > 0 {
		return configured
	}
	return []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled.
// It then performs a graceful shutdown, draining in-flight requests. Open
// streams are cut when the shutdown timeout expires.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	// No write timeout: gateway responses may be long-lived event streams.
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	tlsOn := s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != ""
	if tlsOn {
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr, "tls", tlsOn)
		var err error
		if tlsOn {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.httpServer.Close()
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
