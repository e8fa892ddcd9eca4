package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/snapback/internal/client"
	"github.com/devrev/snapback/internal/config"
	"github.com/devrev/snapback/internal/handler"
	"github.com/devrev/snapback/internal/health"
	"github.com/devrev/snapback/internal/metrics"
	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/queue"
	"github.com/devrev/snapback/internal/registry"
	"github.com/devrev/snapback/internal/server"
	"github.com/devrev/snapback/internal/service"
	"github.com/devrev/snapback/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	bootstrap, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		bootstrap.Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("Starting snapback",
		zap.String("endpoint", cfg.Server.Endpoint),
		zap.Int64("sp_id", cfg.Server.SpID),
		zap.Int("port", cfg.Server.Port),
		zap.String("registry_source", cfg.Registry.Source),
		zap.String("highest_reconfig_mode", cfg.ReconfigMode().String()))

	ctx := context.Background()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// Stores
	pool, err := store.NewPostgresPool(ctx,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
	)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}
	clockStore := store.NewPostgresClockStore(pool, logger)
	replicaSetStore := store.NewPostgresReplicaSetStore(pool, logger)
	logger.Info("PostgreSQL stores initialized")

	counterStore, err := store.NewRedisCounterStore(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.SyncHealth.Retention,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize counter store", zap.Error(err))
	}
	logger.Info("Redis counter store initialized")

	// Node registry
	self := model.StorageNode{
		Endpoint:    cfg.Server.Endpoint,
		SpID:        cfg.Server.SpID,
		ServiceType: cfg.Registry.ServiceType,
	}
	source, shutdownSource, err := newRegistrySource(cfg.Registry, self, logger)
	if err != nil {
		logger.Fatal("Failed to initialize registry source", zap.Error(err))
	}
	nodeRegistry := registry.New(source, cfg.Registry.ServiceType, m, logger)

	nodeClient := client.NewNodeClient(cfg.Monitoring.ClockRequestTimeout, cfg.Sync.RequestTimeout)

	// Services
	reconfig := service.NewReconfigController(cfg.ReconfigMode(), m, logger)
	tracker := service.NewSyncHealthTracker(counterStore, logger)

	monitoring := service.NewMonitoringService(service.MonitoringConfig{
		Self:                   cfg.Server.Endpoint,
		UsersPerBatch:          cfg.Monitoring.UsersPerBatch,
		MaxConcurrency:         cfg.Monitoring.MaxConcurrency,
		SlightlyBehindMaxLag:   cfg.Monitoring.SlightlyBehindMaxLag,
		ModeratelyBehindMaxLag: cfg.Monitoring.ModeratelyBehindMaxLag,
		RegistryMaxAge:         cfg.Monitoring.RegistryMaxAge,
		ClockBatchSize:         cfg.Monitoring.ClockBatchSize,
		ClockFetchRetries:      cfg.Monitoring.ClockFetchRetries,
		ClockRetryDelay:        cfg.Monitoring.ClockRetryDelay,
		ObservationTTL:         cfg.Monitoring.ObservationTTL,
	}, replicaSetStore, clockStore, nodeClient, nodeRegistry, m, logger)

	reconciliation := service.NewReconciliationService(service.ReconciliationConfig{
		MinUnsyncedCycles:  cfg.Reconciliation.MinUnsyncedCycles,
		MinSuccessRate:     cfg.Reconciliation.MinSuccessRate,
		RecentlyRemovedTTL: cfg.Reconciliation.RecentlyRemovedTTL,
		StreakTTL:          cfg.Reconciliation.StreakTTL,
	}, tracker, reconfig, nodeRegistry, m, logger)

	syncs := service.NewSyncService(service.SyncConfig{
		Self:                        cfg.Server.Endpoint,
		DailyFailureThreshold:       cfg.Sync.DailyFailureThreshold,
		PollInterval:                cfg.Sync.PollInterval,
		MaxMonitoringDuration:       cfg.Sync.MaxMonitoringDuration,
		MaxManualMonitoringDuration: cfg.Sync.MaxManualMonitoringDuration,
		MaxRecurringAttempts:        cfg.Sync.MaxRecurringAttempts,
		MaxManualAttempts:           cfg.Sync.MaxManualAttempts,
		RequestsPerSecond:           cfg.Sync.RequestsPerSecond,
		Burst:                       cfg.Sync.Burst,
	}, nodeClient, clockStore, tracker, m, logger)

	replicaSets := service.NewReplicaSetService(replicaSetStore, nodeRegistry, reconciliation, logger)

	jobs := queue.NewManager(queue.Config{
		Workers:     cfg.Queue.Workers,
		Capacity:    cfg.Queue.Capacity,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.Backoff,
	}, m, logger)

	machine := service.NewStateMachine(service.StateMachineConfig{
		RefreshInterval:    cfg.Registry.RefreshInterval,
		MonitoringInterval: cfg.Monitoring.Interval,
		UpdateAttempts:     cfg.Queue.MaxAttempts,
		UpdateBackoff:      cfg.Queue.Backoff,
	}, service.StateMachineDeps{
		Queue:          jobs,
		Registry:       nodeRegistry,
		Monitoring:     monitoring,
		Reconciliation: reconciliation,
		Syncs:          syncs,
		ReplicaSets:    replicaSets,
		Reconfig:       reconfig,
	}, logger)

	logger.Info("All services initialized")

	// Prime the registry so the first monitoring cycle has a snapshot
	if _, err := nodeRegistry.Refresh(ctx); err != nil {
		logger.Warn("Initial registry refresh failed, reconfiguration disabled until it succeeds", zap.Error(err))
		reconfig.OnRegistryRefresh(err)
	}

	if err := machine.Start(ctx); err != nil {
		logger.Fatal("Failed to start state machine", zap.Error(err))
	}
	jobs.Start()

	// HTTP server
	handlers := handler.NewHandlers(clockStore, tracker, machine, reconfig, logger, cfg.Server.WriteTimeout)
	healthChecker := health.NewHealthChecker(clockStore, replicaSetStore, counterStore, nodeRegistry, reconfig, logger).
		WithQueue(jobs)
	httpServer := server.NewServer(cfg, handlers, healthChecker, reg, m, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpServer.ShutdownTimeout())
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	if err := jobs.Stop(httpServer.ShutdownTimeout()); err != nil {
		logger.Warn("Queue manager stop timed out", zap.Error(err))
	}
	machine.Stop()

	nodeClient.Close()
	if err := shutdownSource(time.Second); err != nil {
		logger.Warn("Registry source shutdown failed", zap.Error(err))
	}

	// Both PostgreSQL stores share the pool
	pool.Close()
	if err := counterStore.Close(); err != nil {
		logger.Warn("Failed to close counter store", zap.Error(err))
	}

	logger.Info("snapback stopped")
}

// newRegistrySource builds the configured registry source and its shutdown hook
func newRegistrySource(cfg config.RegistryConfig, self model.StorageNode, logger *zap.Logger) (registry.Source, func(time.Duration) error, error) {
	noop := func(time.Duration) error { return nil }

	switch cfg.Source {
	case "http":
		return registry.NewHTTPSource(cfg.URL, cfg.RequestTimeout), noop, nil
	case "file":
		return registry.NewFileSource(cfg.FilePath), noop, nil
	case "gossip":
		gs, err := registry.NewGossipSource(registry.GossipConfig{
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, self, logger)
		if err != nil {
			return nil, nil, err
		}
		return gs, gs.Shutdown, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry source %q", cfg.Source)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zc.Build()
}
