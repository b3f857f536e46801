package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/wablast/internal/api"
	"github.com/foxzi/wablast/internal/config"
	"github.com/foxzi/wablast/internal/events"
	"github.com/foxzi/wablast/internal/gateway"
	"github.com/foxzi/wablast/internal/metrics"
	"github.com/foxzi/wablast/internal/pacing"
	"github.com/foxzi/wablast/internal/ratelimit"
	"github.com/foxzi/wablast/internal/scheduler"
	"github.com/foxzi/wablast/internal/storage"
	"github.com/foxzi/wablast/internal/worker"
)

// App is the main application
type App struct {
	config     *config.Config
	configPath string
	logLevel   *slog.LevelVar
	logger     *slog.Logger

	store       *storage.BoltStorage
	planner     *pacing.Planner
	bus         events.Bus
	gateway     *gateway.Client
	rateLimiter *ratelimit.Limiter
	dispatcher  *worker.Dispatcher
	trigger     *worker.Trigger
	apiServer   *api.Server

	collector     *metrics.Collector
	metricsServer *metrics.Server
}

// New creates a new application. configPath is watched for pacing and logging changes
// when not empty.
func New(cfg *config.Config, configPath string) (*App, error) {
	// Setup logger
	logLevel := new(slog.LevelVar)
	logLevel.Set(parseLevel(cfg.Logging.Level))
	logger := setupLogger(cfg.Logging, logLevel)

	// Create storage
	store, err := storage.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	planner, err := pacing.NewPlanner(cfg.Pacing)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create planner: %w", err)
	}
	sched := scheduler.New(planner, cfg.Scheduler.Grace)
	bus := events.NewBus()

	// Create rate limiter if enabled
	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rateLimiter, err = ratelimit.NewLimiter(store.DB(), &cfg.RateLimit.Config)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		logger.Info("rate limiting enabled")
	}

	// Metrics
	var collector *metrics.Collector
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		collector, err = metrics.NewCollector(store.DB(), m, store, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	gw := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)

	dispatcher := worker.NewDispatcher(store, gw, sched, rateLimiter, bus, cfg.WorkerConfig(), logger)

	trigger, err := worker.NewTrigger(store, sched, dispatcher, bus, cfg.Scheduler.Trigger, cfg.Location(), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create trigger: %w", err)
	}

	apiServer := api.NewServer(store, sched, dispatcher, bus, &cfg.API, logger,
		api.WithRateLimiter(rateLimiter),
		api.WithMetrics(collector),
	)

	return &App{
		config:        cfg,
		configPath:    configPath,
		logLevel:      logLevel,
		logger:        logger,
		store:         store,
		planner:       planner,
		bus:           bus,
		gateway:       gw,
		rateLimiter:   rateLimiter,
		dispatcher:    dispatcher,
		trigger:       trigger,
		apiServer:     apiServer,
		collector:     collector,
		metricsServer: metricsServer,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting wablast",
		"api_addr", a.config.API.ListenAddr,
		"gateway", a.config.Gateway.URL,
		"trigger", a.config.Scheduler.Trigger,
		"timezone", a.config.Scheduler.Timezone,
		"workers", a.config.Dispatch.Workers,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.checkGateway(ctx)

	go events.LogSink(ctx, a.bus, a.logger.With("component", "events"))
	if a.collector != nil {
		a.collector.Start(ctx, a.bus)
	}

	// Resume interrupted broadcasts before the trigger starts new ones
	if err := a.dispatcher.Start(ctx); err != nil {
		a.logger.Error("failed to resume broadcasts", "error", err)
	}
	a.trigger.Start()

	if a.configPath != "" {
		watcher := config.NewWatcher(a.configPath, a.config, a.logger, a.applyConfig)
		go watcher.Run(ctx)
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Start metrics server
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// checkGateway logs whether the gateway answers. Sends are attempted either way.
func (a *App) checkGateway(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := a.gateway.Health(ctx)
	if err != nil {
		a.logger.Warn("gateway not reachable", "url", a.config.Gateway.URL, "error", err)
		return
	}
	a.logger.Info("gateway reachable", "url", a.config.Gateway.URL, "status", health.Status, "version", health.Version)
}

// applyConfig takes over the parts of a reloaded configuration that can change while
// running: the pacing table and the log level.
func (a *App) applyConfig(cfg *config.Config) {
	if err := a.planner.Apply(cfg.PacingTable()); err != nil {
		a.logger.Error("pacing table rejected", "error", err)
	} else {
		a.logger.Info("pacing table applied", "tiers", len(cfg.PacingTable().Tiers))
	}

	if cfg.Logging.Level != a.config.Logging.Level {
		a.logLevel.Set(parseLevel(cfg.Logging.Level))
		a.logger.Info("log level changed", "level", cfg.Logging.Level)
	}
	a.config.Logging.Level = cfg.Logging.Level
	a.config.Pacing = cfg.Pacing
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop creating new work first
	a.trigger.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Running broadcasts stop between sends and resume on next start
	a.dispatcher.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	// Stop rate limiter (persists counters)
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	// Close storage
	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig, level slog.Leveler) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
