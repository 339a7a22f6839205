// Command pulse runs the split-order execution engine: splitting worker,
// execution worker, timeout monitor, and the metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pulse/internal/broker"
	"pulse/internal/config"
	"pulse/internal/core"
	"pulse/internal/infrastructure/metrics"
	"pulse/internal/logging"
	"pulse/internal/mock"
	"pulse/internal/planner"
	"pulse/internal/store"
	"pulse/internal/worker"
	"pulse/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	migrate := flag.Bool("migrate", true, "apply the schema on startup")
	flag.Parse()

	if err := run(*configPath, *migrate); err != nil {
		fmt.Fprintf(os.Stderr, "pulse: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, migrate bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tel, err := telemetry.Setup(cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting pulse",
		"environment", cfg.Environment,
		"service_name", cfg.ServiceName,
		"broker_mock", cfg.Broker.IsMock())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.Store.DSN(), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if migrate {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
	}

	brk := buildBroker(cfg, logger)
	if err := brk.CheckHealth(ctx); err != nil {
		return fmt.Errorf("broker health check failed: %w", err)
	}

	splitting := worker.NewSplittingWorker(st, planner.New(nil), cfg.SplittingWorker, logger)
	execution := worker.NewExecutionWorker(st, brk, cfg.ExecutionWorker, logger)
	monitor := worker.NewTimeoutMonitor(st, cfg.TimeoutMonitor, logger)

	metricsServer := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	metricsServer.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return splitting.Start(gctx) })
	g.Go(func() error { return execution.Start(gctx) })
	g.Go(func() error { return monitor.Start(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	logger.Info("Pulse started", "executor_id", execution.ExecutorID())

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	_ = splitting.Stop()
	_ = execution.Stop()
	_ = monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err)
	}

	logger.Info("Pulse stopped")
	return nil
}

// buildBroker selects the adapter variant from config.
func buildBroker(cfg *config.Config, logger core.ILogger) core.IBroker {
	if cfg.Broker.IsMock() {
		return mock.NewBroker(cfg.Broker.MockScenario, logger)
	}
	return broker.NewKiteBroker(cfg.Broker.APIKey, cfg.Broker.AccessToken, logger)
}
