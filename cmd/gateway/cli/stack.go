package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/w3z4y4/mcp-gateway/internal/auth"
	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/kv"
	"github.com/w3z4y4/mcp-gateway/internal/registry"
	"github.com/w3z4y4/mcp-gateway/internal/session"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
	"github.com/w3z4y4/mcp-gateway/internal/telemetry"
)

// stack is the set of components shared by serve, mcp and the offline
// management commands.
type stack struct {
	cfg      *config.YAMLConfig
	logger   *slog.Logger
	store    *config.Store
	cache    kv.Store
	registry *registry.Registry
	sessions *session.Store
	stats    *stats.Aggregator
	auditor  *auth.Auditor
	resolver *auth.Resolver
}

// buildStack opens both stores and wires the registry, session store,
// statistics aggregator and auth resolver. metrics may be nil. Background
// workers are not started.
func buildStack(ctx context.Context, cfg *config.YAMLConfig, logger *slog.Logger, metrics *telemetry.Metrics) (*stack, error) {
	var d durations
	registryTTL := d.parse("registry.cache_ttl", cfg.Registry.CacheTTL, registry.DefaultCacheTTL)
	sessionTTL := d.parse("gateway.session_ttl", cfg.Gateway.SessionTTL, session.DefaultTTL)
	authOpts := auth.Options{
		Enabled:         cfg.Auth.Enabled,
		Mode:            cfg.Auth.Mode,
		StaticKeys:      cfg.Auth.StaticKeys,
		Whitelist:       cfg.Auth.Whitelist,
		IPWhitelist:     cfg.Auth.IPWhitelist,
		AllowedIPs:      cfg.Auth.AllowedIPs,
		TrustedProxies:  cfg.Auth.TrustedProxies,
		CacheTTL:        d.parse("auth.cache_ttl", cfg.Auth.CacheTTL, auth.DefaultCacheTTL),
		NegativeTTL:     d.parse("auth.negative_ttl", cfg.Auth.NegativeTTL, auth.DefaultNegativeTTL),
		ResolveTimeout:  d.parse("auth.resolve_timeout", cfg.Auth.ResolveTimeout, auth.DefaultResolveTimeout),
		EnforceKeyScope: cfg.Auth.EnforceKeyScope,
		Prefix:          cfg.Gateway.Prefix,
		Logger:          logger,
		Metrics:         metrics,
	}
	if d.err != nil {
		return nil, d.err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", "driver", store.Dialect())

	cache, err := openCache(ctx, cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &stack{cfg: cfg, logger: logger, store: store, cache: cache}
	s.registry = registry.New(cache, store, registry.Options{CacheTTL: registryTTL, Logger: logger, Metrics: metrics})
	s.sessions = session.NewStore(cache, sessionTTL, logger)
	s.stats = stats.New(cache, store, stats.Options{Buffer: cfg.Stats.Buffer, Logger: logger, Metrics: metrics})

	auditOpts := auth.AuditorOptions{Buffer: cfg.Auth.AuditBuffer, Logger: logger, Metrics: metrics}
	if cfg.Auth.AuditPersist {
		auditOpts.Writer = store
	}
	s.auditor = auth.NewAuditor(auditOpts)
	authOpts.Auditor = s.auditor

	s.resolver, err = auth.New(store, s.sessions, cache, authOpts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}
	return s, nil
}

// sample gathers the gauges refreshed by the telemetry sampler. Counting
// live sessions also evicts expired bindings from the in-process store.
func (s *stack) sample(ctx context.Context) telemetry.Snapshot {
	var snap telemetry.Snapshot
	if active, err := s.registry.ListActive(ctx); err == nil {
		snap.ActiveServices = len(active)
	}
	if live, err := s.sessions.CleanExpired(ctx); err == nil {
		snap.LiveSessions = live
	}
	return snap
}

// Close releases both stores.
func (s *stack) Close() error {
	return errors.Join(s.cache.Close(), s.store.Close())
}

// withStack loads the configuration, builds the stack for a one-shot
// management command and closes it when fn returns.
func withStack(fn func(ctx context.Context, s *stack) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Management commands only report problems unless --dev is set.
	logCfg := cfg.Logging
	if !devMode {
		logCfg.Level = "warn"
	}
	logger, err := newLogger(logCfg, devMode, os.Stderr)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := buildStack(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
