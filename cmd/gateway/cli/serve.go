package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/mcp"
	"github.com/w3z4y4/mcp-gateway/internal/proxy"
	"github.com/w3z4y4/mcp-gateway/internal/server"
	"github.com/w3z4y4/mcp-gateway/internal/service"
	"github.com/w3z4y4/mcp-gateway/internal/stats"
	"github.com/w3z4y4/mcp-gateway/internal/telemetry"
)

const banner = `
 __  __  ___ ___    ___   _ _____ _____      ___   __
|  \/  |/ __| _ \  / __| /_\_   _| __\ \    / /_\ \ / /
| |\/| | (__|  _/ | (_ |/ _ \| | | _| \ \/\/ / _ \ V /
|_|  |_|\___|_|    \___/_/ \_\_| |___| \_/\_/_/ \_\_|
`

func newServeCmd() *cobra.Command {
	var (
		port       int
		host       string
		background bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long:  "Start the HTTP server that proxies /gateway/{serviceId}/** to registered MCP services and serves the admin API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				return runBackground()
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&background, "background", false, "Detach and run the server in the background")

	return cmd
}

// runBackground re-executes the current command line without --background,
// detached from the terminal with output appended to the log file.
func runBackground() error {
	if pid, err := readPID(); err == nil && isProcessRunning(pid) {
		return fmt.Errorf("server already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	var args []string
	for _, a := range os.Args[1:] {
		if a != "--background" && a != "--background=true" {
			args = append(args, a)
		}
	}

	if err := os.MkdirAll(resolveDataDir(), 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := writePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	fmt.Printf("Gateway started in the background (PID %d)\n", child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop with: gateway stop")
	return child.Process.Release()
}

func runServe(cfg *config.YAMLConfig) error {
	fmt.Fprint(os.Stderr, banner)
	fmt.Fprintln(os.Stderr)

	logger, err := newLogger(cfg.Logging, devMode, os.Stderr)
	if err != nil {
		return err
	}

	var d durations
	shutdownTimeout := d.parse("server.shutdown_timeout", cfg.Server.ShutdownTimeout, 30*time.Second)
	proxyOpts := proxy.Options{
		Prefix:                cfg.Gateway.Prefix,
		RoutePrefixes:         cfg.Gateway.RoutePrefixes,
		SessionTTL:            d.parse("gateway.session_ttl", cfg.Gateway.SessionTTL, 0),
		ConnectTimeout:        d.parse("gateway.connect_timeout", cfg.Gateway.ConnectTimeout, 0),
		ResponseHeaderTimeout: d.parse("gateway.response_header_timeout", cfg.Gateway.ResponseHeaderTimeout, 0),
		MaxRetries:            cfg.Gateway.MaxRetries,
		RetryBackoff:          d.parse("gateway.retry_backoff", cfg.Gateway.RetryBackoff, 0),
		Breaker: proxy.BreakerSettings{
			Enabled:          cfg.Gateway.Breaker.Enabled,
			FailureThreshold: cfg.Gateway.Breaker.FailureThreshold,
			OpenTimeout:      d.parse("gateway.breaker.open_timeout", cfg.Gateway.Breaker.OpenTimeout, 0),
		},
		Logger: logger,
	}
	schedule := stats.Schedule{
		FlushInterval:  d.parse("stats.flush_interval", cfg.Stats.FlushInterval, 0),
		HourlyInterval: d.parse("stats.hourly_interval", cfg.Stats.HourlyInterval, 0),
		RetentionDays:  cfg.Stats.RetentionDays,
	}
	refreshInterval := d.parse("registry.refresh_interval", cfg.Registry.RefreshInterval, 0)
	if d.err != nil {
		return d.err
	}
	if cfg.Gateway.MaxReplayBody != "" {
		if proxyOpts.MaxReplayBody, err = config.ParseSize(cfg.Gateway.MaxReplayBody); err != nil {
			return fmt.Errorf("gateway.max_replay_body: %w", err)
		}
	}
	maxBody := int64(10 << 20)
	if cfg.Server.MaxBodySize != "" {
		if maxBody, err = config.ParseSize(cfg.Server.MaxBodySize); err != nil {
			return fmt.Errorf("server.max_body_size: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(promReg)
	proxyOpts.Metrics = metrics

	st, err := buildStack(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer st.Close()

	// A nil Recorder disables statistics in the proxy.
	var recorder proxy.Recorder
	if cfg.Stats.Enabled {
		recorder = st.stats
	}
	engine := proxy.New(st.registry, st.sessions, recorder, proxyOpts)

	authSvc := service.NewAuthService(cfg.Admin.JWTSecret)
	if cfg.Admin.Enabled && !authSvc.Configured() {
		logger.Warn("admin.jwt_secret is not set; every admin request will be rejected")
	}

	mcpHandler := mcpHTTPHandler(cfg, st, logger)

	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.ShutdownTimeout = shutdownTimeout
	srvCfg.CORSOrigins = cfg.Server.CORS.Origins
	srvCfg.CORSMethods = cfg.Server.CORS.Methods
	srvCfg.MaxBodySize = maxBody
	srvCfg.RateLimit = cfg.Server.RateLimit
	srvCfg.KeyRateLimit = cfg.Server.KeyRateLimit
	srvCfg.GatewayPrefix = cfg.Gateway.Prefix
	srvCfg.RoutePrefixes = cfg.Gateway.RoutePrefixes
	srvCfg.EnableAdmin = cfg.Admin.Enabled
	srvCfg.Version = versionString()
	if cfg.Server.TLS.Enabled {
		srvCfg.TLSCertFile = cfg.Server.TLS.CertFile
		srvCfg.TLSKeyFile = cfg.Server.TLS.KeyFile
	}

	srv := server.New(srvCfg, server.Deps{
		Store:    st.store,
		Cache:    st.cache,
		Registry: st.registry,
		Resolver: st.resolver,
		Auditor:  st.auditor,
		Sessions: st.sessions,
		Stats:    st.stats,
		Proxy:    engine,
		AuthSvc:  authSvc,
		MCP:      mcpHandler,
		Gatherer: promReg,
	}, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer removePID()

	st.auditor.Start(ctx)
	sampler := telemetry.NewSampler(metrics, time.Minute, st.sample)
	sampler.Start()

	scheme := "http"
	if srvCfg.TLSCertFile != "" {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s:%d", scheme, cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(os.Stderr, "→ MCP Gateway %s\n", versionString())
	fmt.Fprintf(os.Stderr, "→ Gateway:  %s%s/{serviceId}/...\n", base, cfg.Gateway.Prefix)
	if cfg.Admin.Enabled {
		fmt.Fprintf(os.Stderr, "→ Admin:    %s/admin/v1\n", base)
	}
	fmt.Fprintf(os.Stderr, "→ OpenAPI:  %s/openapi.json\n", base)
	fmt.Fprintf(os.Stderr, "→ Health:   %s/healthz\n", base)
	fmt.Fprintln(os.Stderr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return st.registry.Run(gctx, refreshInterval) })
	if cfg.Stats.Enabled {
		st.stats.Start(gctx)
		g.Go(func() error { return st.stats.Run(gctx, schedule) })
	}
	runErr := g.Wait()

	logger.Info("shutting down background workers")
	sampler.Shutdown()
	drain, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.auditor.Close(drain); err != nil {
		logger.Warn("audit queue not drained", "error", err)
	}
	st.resolver.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("gateway stopped")
	return nil
}

// mcpHTTPHandler returns the streamable MCP endpoint mounted under the admin
// API, or nil when it is disabled.
func mcpHTTPHandler(cfg *config.YAMLConfig, st *stack, logger *slog.Logger) http.Handler {
	if !cfg.MCP.Enabled || !cfg.Admin.Enabled {
		return nil
	}
	return mcp.NewMCPServer(st.registry, st.stats, st.sessions, versionString(), logger).Handler()
}
