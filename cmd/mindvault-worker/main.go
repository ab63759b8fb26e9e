// Package main provides the standalone MindVault worker. It consumes
// ingestion jobs from the shared queue so API replicas can run with
// embedded workers disabled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"
)

// depthLogInterval is how often the queue backlog is logged.
const depthLogInterval = 30 * time.Second

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "mindvault-worker",
	})

	logger.Info().
		Str("database", cfg.Database.Driver).
		Int("concurrency", cfg.Worker.Concurrency).
		Dur("poll_interval", cfg.Queue.PollInterval).
		Msg("Starting MindVault worker")

	bank, err := knowledgebank.New(context.Background(), cfg, logger, knowledgebank.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("Service construction failed")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bank.Run(runCtx)
	}()

	// Backlog visibility without an HTTP listener.
	go func() {
		tick := time.NewTicker(depthLogInterval)
		defer tick.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-tick.C:
				if depth, err := bank.QueueDepth(runCtx); err == nil && depth > 0 {
					logger.Info().Int64("depth", depth).Msg("Queue backlog")
				}
			}
		}
	}()

	// Wait for interrupt
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Let in-flight jobs reach their next checkpoint before closing.
	cancel()
	select {
	case <-done:
	case <-time.After(cfg.Worker.DrainTimeout):
		logger.Warn().Msg("Worker drain timed out")
	}

	if err := bank.Close(); err != nil {
		logger.Error().Err(err).Msg("Service close failed")
	}
	logger.Info().Msg("Worker stopped")
}
