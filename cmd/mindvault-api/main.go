package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mindvault-ai/mindvault/internal/config"
	"github.com/mindvault-ai/mindvault/internal/monitoring"
	"github.com/mindvault-ai/mindvault/internal/observability"
	"github.com/mindvault-ai/mindvault/pkg/knowledgebank"
)

// queueDepthInterval is how often the pending-job gauge refreshes.
const queueDepthInterval = 15 * time.Second

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
		ServiceName: "mindvault-api",
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Str("cache", cfg.Cache.Driver).
		Bool("embedded_worker", cfg.Worker.Embedded).
		Msg("Starting MindVault API")

	bank, err := knowledgebank.New(context.Background(), cfg, logger, knowledgebank.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("Service construction failed")
	}

	var metrics *monitoring.Metrics
	if cfg.Observability.Metrics {
		metrics = monitoring.New()
	}

	// Embedded worker pool and cluster maintenance. A dedicated worker
	// deployment turns this off and runs mindvault-worker instead.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	if cfg.Worker.Embedded {
		if metrics != nil {
			bank.OnJobDone(metrics.ObserveJob)
		}
		go func() {
			defer close(workerDone)
			bank.Run(workerCtx)
		}()
	} else {
		close(workerDone)
	}

	if metrics != nil {
		go func() {
			tick := time.NewTicker(queueDepthInterval)
			defer tick.Stop()
			for {
				select {
				case <-workerCtx.Done():
					return
				case <-tick.C:
					if depth, err := bank.QueueDepth(workerCtx); err == nil {
						metrics.SetQueueDepth(depth)
					}
				}
			}
		}()
	}

	router := NewRouter(cfg, logger, bank, metrics)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	// Wait for interrupt or error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	// Graceful shutdown: stop accepting requests, then drain workers.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	stopWorkers()
	select {
	case <-workerDone:
	case <-time.After(cfg.Worker.DrainTimeout):
		logger.Warn().Msg("Worker drain timed out")
	}

	if err := bank.Close(); err != nil {
		logger.Error().Err(err).Msg("Service close failed")
	}
	logger.Info().Msg("Server stopped")
}
