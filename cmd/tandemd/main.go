// Package main is the entry point for the tandemd daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tandemhq/tandem/internal/common/config"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/common/tracing"
	"github.com/tandemhq/tandem/internal/orchestrator"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
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

	log.Info("Starting tandemd...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize tracing (no-op when no endpoint is configured)
	if err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName); err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	} else if cfg.Tracing.Endpoint != "" {
		log.Info("Tracing enabled", zap.String("endpoint", cfg.Tracing.Endpoint))
	}

	// 5. Build the engine
	engine, err := orchestrator.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to build engine", zap.Error(err))
	}

	// 6. Start the engine
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start engine", zap.Error(err))
	}
	log.Info("tandemd started",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("snapshots", cfg.Snapshot.Backend))

	// 7. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info("Shutting down tandemd...", zap.String("signal", sig.String()))
	cancel()

	// 8. Graceful shutdown under a single deadline. The engine and the
	// tracing provider are independent, so they stop in parallel.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var g errgroup.Group
	g.Go(func() error {
		return engine.Stop(shutdownCtx)
	})
	g.Go(func() error {
		return tracing.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}

	log.Info("tandemd stopped")
}
