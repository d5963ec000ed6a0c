// Package main is the entry point for the Maestro process monitor.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl0ve/uipath-process-app-training/internal/auth"
	"github.com/rl0ve/uipath-process-app-training/internal/config"
	"github.com/rl0ve/uipath-process-app-training/internal/dashboard"
	"github.com/rl0ve/uipath-process-app-training/internal/detail"
	"github.com/rl0ve/uipath-process-app-training/internal/invoker"
	"github.com/rl0ve/uipath-process-app-training/internal/maestro"
	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/internal/openapi"
	"github.com/rl0ve/uipath-process-app-training/internal/session"
	"github.com/rl0ve/uipath-process-app-training/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// workspaceIdle is how long an unused session workspace is kept in memory.
const workspaceIdle = time.Hour

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability, observability.LoggerOptions{Component: "monitor"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	signingKey, err := cfg.Session.SigningKey()
	if err != nil {
		logger.Error("session signing key missing", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "maestro-monitor", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Index the vendor API document: the embedded one, or the configured files.
	oaIndex := openapi.NewIndex()
	if err := loadSpecs(oaIndex, cfg); err != nil {
		logger.Error("OpenAPI index load failed", zap.Error(err))
		return 1
	}
	metrics.SetOpenAPIOperationsIndexed(maestro.ServiceID, float64(len(oaIndex.AllOperationIDs(maestro.ServiceID))))

	services := map[string]config.ServiceConfig{maestro.ServiceID: cfg.Service(config.MaestroServiceID)}
	oaInvoker := invoker.NewOpenAPIOperationInvoker(oaIndex, services, metrics, logger)
	invokerReg := invoker.NewRegistry(oaInvoker)

	client := maestro.NewClient(invokerReg)
	instances := maestro.NewCachingInstances(client, cfg.Dashboard.BPMNCache.MaxEntries, cfg.Dashboard.BPMNCache.TTL, metrics, logger)
	resolver := detail.NewResolver(instances, client, detail.Options{
		EntityID: cfg.Vendor.EntityID,
		Timeout:  cfg.Dashboard.DetailTimeout,
		Metrics:  metrics,
		Logger:   logger,
	})

	sessionStore, sessionCloser, err := buildSessionStore(ctx, cfg.Session, logger)
	if err != nil {
		logger.Error("session store initialization failed", zap.Error(err))
		return 1
	}
	idempotencyStore, idempotencyCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	workspaces := session.NewWorkspaces(func() *session.Workspace {
		sel := detail.NewSelection(resolver, metrics, logger)
		browser := dashboard.NewBrowser(client, instances, sel, dashboard.Options{
			PageSize:       cfg.Dashboard.PageSize,
			CancelComment:  cfg.Dashboard.CancelComment,
			IdempotencyTTL: cfg.Idempotency.Store.DefaultTTL,
			Idempotency:    idempotencyStore,
			Metrics:        metrics,
			Logger:         logger,
		})
		return &session.Workspace{Browser: browser, Selection: sel}
	}, metrics)

	authService := auth.NewService(cfg.Vendor, cfg.Session.TTL, signingKey, sessionStore, logger)

	readinessChecks := observability.ReadinessChecks{
		OpenAPILoaded: func() bool { return len(oaIndex.AllOperationIDs(maestro.ServiceID)) > 0 },
		VendorBreaker: func() string {
			state, _ := oaInvoker.BreakerState(maestro.ServiceID)
			return state.String()
		},
	}
	if hc, ok := sessionStore.(observability.HealthChecker); ok {
		readinessChecks.SessionStore = hc
	}
	if hc, ok := idempotencyStore.(observability.HealthChecker); ok {
		readinessChecks.IdempotencyStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Auth:           authService,
		Workspaces:     workspaces,
		Resolver:       resolver,
		HealthHandler:  observability.HandleHealth(),
		ReadyHandler:   observability.HandleReady(readinessChecks),
		MetricsHandler: observability.Handler(prometheus.DefaultGatherer),
	})

	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go evictIdleWorkspaces(bgCtx, workspaces, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("tenant", cfg.Vendor.TenantName),
		zap.Bool("attachments", resolver.AttachmentsConfigured()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if sessionCloser != nil {
		sessionCloser()
	}
	if idempotencyCloser != nil {
		idempotencyCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// loadSpecs indexes the configured OpenAPI files, or the embedded vendor
// document when none are configured.
func loadSpecs(idx *openapi.Index, cfg *config.Config) error {
	if len(cfg.Specs.Sources) == 0 {
		return maestro.LoadSpec(idx, cfg.Service(config.MaestroServiceID).BaseURL)
	}
	sources := make([]openapi.SpecSource, len(cfg.Specs.Sources))
	for i, s := range cfg.Specs.Sources {
		sources[i] = openapi.SpecSource{
			ServiceID: s.ServiceID,
			BaseURL:   cfg.Service(s.ServiceID).BaseURL,
			SpecPath:  s.SpecFile,
		}
	}
	return idx.Load(sources)
}

// newRedisClient connects to the Redis instance named by addrEnv.
func newRedisClient(ctx context.Context, addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}
	return client, nil
}

// buildSessionStore creates the session store based on config.
func buildSessionStore(ctx context.Context, cfg config.SessionConfig, logger *zap.Logger) (session.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory session store")
		return session.NewMemoryStore(cfg.TTL), nil, nil
	case "redis":
		client, err := newRedisClient(ctx, cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		logger.Info("using redis session store")
		return session.NewRedisStore(client, cfg.TTL), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency keys are disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (dashboard.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return dashboard.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		client, err := newRedisClient(ctx, cfg.Store.AddrEnv, cfg.Store.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		logger.Info("using redis idempotency store")
		return dashboard.NewRedisIdempotencyStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// evictIdleWorkspaces periodically drops workspaces of idle sessions.
func evictIdleWorkspaces(ctx context.Context, workspaces *session.Workspaces, logger *zap.Logger) {
	ticker := time.NewTicker(workspaceIdle / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := workspaces.EvictIdle(workspaceIdle); n > 0 {
				logger.Debug("idle workspaces evicted", zap.Int("count", n))
			}
		}
	}
}
