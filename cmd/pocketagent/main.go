// Package main is the entry point for the Pocketagent orchestration core.
// One binary wires the run service, the scheduled-task service, and the
// shared infrastructure (store, event bus, agent runtime).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pocketagent/pocketagent/internal/agent/mock"
	"github.com/pocketagent/pocketagent/internal/common/config"
	"github.com/pocketagent/pocketagent/internal/common/logger"
	"github.com/pocketagent/pocketagent/internal/db"
	"github.com/pocketagent/pocketagent/internal/events"
	"github.com/pocketagent/pocketagent/internal/run/executor"
	"github.com/pocketagent/pocketagent/internal/run/progress"
	runservice "github.com/pocketagent/pocketagent/internal/run/service"
	runstore "github.com/pocketagent/pocketagent/internal/run/store"
	taskservice "github.com/pocketagent/pocketagent/internal/task/service"
	taskstore "github.com/pocketagent/pocketagent/internal/task/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Pocketagent...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: in-memory by default, NATS when configured
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 4. Durable store
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	runStore, err := runstore.New(pool, runstore.WithImageTTL(cfg.Tasks.ImageTTL()))
	if err != nil {
		log.Fatal("Failed to initialize run store", zap.Error(err))
	}
	taskStore, err := taskstore.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}

	// 5. Agent runtime. The mock runtime ships with the binary; real
	// runtimes plug in through the agent.Factory contract.
	factory := mock.NewFactory()

	// 6. Run service. The executor publishes progress through the service,
	// so the emit hook closes over the variable assigned right after.
	var runSvc *runservice.Service
	exec := executor.New(factory, runStore, func(event progress.Event) {
		runSvc.Publish(event)
	}, log)
	runSvc = runservice.New(runStore, exec, eventBus, cfg.Runs, log)
	if err := runSvc.Init(ctx); err != nil {
		log.Fatal("Failed to start run service", zap.Error(err))
	}
	log.Info("Run service started")

	// 7. Scheduled-task service. No messenger adapter is wired in this
	// binary; telegram-targeted tasks fail their occurrences until one is.
	taskSvc := taskservice.New(taskStore, runSvc, nil, runStore, eventBus, cfg.Tasks, log)
	taskSvc.Start()
	log.Info("Task service started",
		zap.Duration("tick_interval", cfg.Tasks.TickIntervalDuration()))

	// 8. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down...", zap.String("signal", sig.String()))

	cancel()
	taskSvc.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	runSvc.Shutdown(shutdownCtx)

	log.Info("Pocketagent stopped")
}
