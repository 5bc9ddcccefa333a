package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/plexusgw/plexus/internal/auth"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/debug"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/dispatcher"
	"github.com/plexusgw/plexus/internal/management"
	"github.com/plexusgw/plexus/internal/oauthstore"
	"github.com/plexusgw/plexus/internal/quota"
	"github.com/plexusgw/plexus/internal/ratelimit"
	"github.com/plexusgw/plexus/internal/router"
	"github.com/plexusgw/plexus/internal/server"
	"github.com/plexusgw/plexus/internal/storage/sqlite"
	"github.com/plexusgw/plexus/internal/telemetry"
	"github.com/plexusgw/plexus/internal/tokencount"
	"github.com/plexusgw/plexus/internal/upstream"
	"github.com/plexusgw/plexus/internal/worker"
)

// shutdownTimeout bounds how long in-flight requests get to drain once a
// shutdown signal arrives, mirroring the teacher's cfg.Server.ShutdownTimeout
// but fixed rather than config-driven since SPEC_FULL.md's config document
// has no server/infra section -- those are process-level flags, not
// hot-reloadable gateway config.
const shutdownTimeout = 30 * time.Second

type runConfig struct {
	configPath      string
	addr            string
	dbDSN           string
	debugCapture    bool
	metricsEnabled  bool
	tracingEndpoint string
}

func run(rc runConfig) error {
	watcher, err := config.NewWatcher(rc.configPath)
	if err != nil {
		return err
	}
	cfgSource := watcher.Current

	slog.Info("starting plexusd", "version", version, "addr", rc.addr, "config", rc.configPath)

	store, err := sqlite.New(rc.dbDSN)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("database opened", "dsn", rc.dbDSN)

	for name, p := range cfgSource().Providers {
		if !p.Enabled {
			slog.Info("provider disabled", "name", name)
			continue
		}
		slog.Info("provider configured", "name", name, "models", len(p.Models), "estimate_tokens", p.EstimateTokens)
	}
	for alias, m := range cfgSource().Models {
		slog.Info("model alias configured", "alias", alias, "targets", len(m.Targets), "type", m.Type)
	}

	// Core dispatch pipeline.
	routerSvc := router.New(cfgSource)
	cooldownMgr := cooldown.New(store)
	if err := cooldownMgr.LoadFromStorage(context.Background()); err != nil {
		return err
	}
	dialects := dialect.NewRegistry()
	up := upstream.New()
	oauth := oauthstore.New(seedLookup(cfgSource))

	stats := newStatsAdapter(store)
	disp := dispatcher.New(routerSvc, cooldownMgr, dialects, up, oauth, cfgSource, stats.forDispatch, nil)

	// Auth, quota, rate limiting.
	authenticator := auth.New(cfgSource)
	quotaEnforcer := quota.New(store)
	rateLimiter := ratelimit.NewRegistry()
	tokenCounter := tokencount.NewEstimator()

	// Usage recording and debug capture.
	usageRecorder := worker.NewUsageRecorder(store)
	debugMgr := debug.New(store, rc.debugCapture)

	// Background workers: usage flush, cooldown GC sweep.
	runner := worker.NewRunner(usageRecorder, worker.NewCooldownGCWorker(store))

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if rc.metricsEnabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if rc.tracingEndpoint != "" {
		shutdown, err := telemetry.SetupTracing(context.Background(), rc.tracingEndpoint, 0.1)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("plexus/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", rc.tracingEndpoint)
		}
	}

	// Management surface (admin-key-gated, §6.2).
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()
	mgmt := management.New(management.Dependencies{
		Watcher:    watcher,
		ConfigPath: rc.configPath,
		Quota:      quotaEnforcer,
		QuotaStore: store,
		Snapshots:  store,
		Logger:     logger,
	})

	handler := server.New(server.Deps{
		Config:         cfgSource,
		Dispatcher:     disp,
		Dialects:       dialects,
		Auth:           authenticator,
		Quota:          quotaEnforcer,
		RateLimiter:    rateLimiter,
		TokenCounter:   tokenCounter,
		Debug:          debugMgr,
		Usage:          usageRecorder,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     store.Ping,
		Management:     mgmt,
	})

	httpSrv := &http.Server{
		Addr:              rc.addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      0, // streaming responses can run far longer than any fixed write deadline
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	watcherDone := make(chan error, 1)
	go func() { watcherDone <- watcher.Start(workerCtx) }()

	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("plexus ready", "addr", rc.addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}
	<-watcherDone

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("plexus stopped")
	return nil
}
