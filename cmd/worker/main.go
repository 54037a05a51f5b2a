/**
 * AnswerScan Worker - Main Entry Point
 *
 * Go worker that transcribes photographed algorithm, flowchart and
 * pseudocode answers for automated grading.
 *
 * Architecture:
 * - Redis list or asynq consumer for submission jobs
 * - Adaptive extraction: 3 preprocessing strategies x 4 segmentation modes,
 *   best candidate by mean word confidence, one standard/auto fallback
 * - VoyageAI embeddings for similar-answer search (optional)
 * - PostgreSQL persistence, Qdrant vectors (optional)
 * - /metrics and /healthz on the admin port
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/answerscan-worker/internal/config"
	"github.com/adverant/nexus/answerscan-worker/internal/logging"
	"github.com/adverant/nexus/answerscan-worker/internal/metrics"
	"github.com/adverant/nexus/answerscan-worker/internal/processor"
	"github.com/adverant/nexus/answerscan-worker/internal/queue"
	"github.com/adverant/nexus/answerscan-worker/internal/storage"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

// consumer is implemented by both queue backends
type consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func main() {
	envErr := godotenv.Load(".env.nexus")

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(cfg.NodeEnv, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logger := logging.NewLogger("Main")
	if envErr != nil {
		logger.Warn(".env.nexus not found, using system environment variables")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker exited with error", "error", err)
		logging.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	logger.Info("AnswerScan worker starting",
		"queue_backend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"qdrant_enabled", cfg.QdrantURL != "",
		"tesseract", processor.TesseractVersion())

	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("failed to initialize storage manager: %w", err)
	}
	defer func() {
		if err := storageManager.Close(); err != nil {
			logger.Warn("Error closing storage manager", "error", err)
		}
	}()

	proc, err := processor.NewSubmissionProcessor(&processor.ProcessorConfig{
		Store:             storageManager,
		VoyageAPIKey:      cfg.VoyageAPIKey,
		FileProcessAPIURL: cfg.FileProcessAPIURL,
		TessdataPrefix:    cfg.TessdataPrefix,
		Languages:         cfg.OCRLanguages,
		TrialWorkers:      cfg.TrialWorkers,
		ExtractionTimeout: cfg.ExtractionTimeout,
		FallbackTimeout:   cfg.FallbackTimeout,
		MaxImageSize:      cfg.MaxImageSize,
		DebugImageDir:     cfg.DebugImageDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize submission processor: %w", err)
	}

	checks := []metrics.HealthCheck{
		{Name: "storage", Check: storageManager.Ping},
		{Name: "tesseract", Check: func(ctx context.Context) error {
			if processor.TesseractVersion() == "" {
				return fmt.Errorf("libtesseract not available")
			}
			return nil
		}},
	}

	var qc consumer
	switch cfg.QueueBackend {
	case config.QueueBackendAsynq:
		qc, err = queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.ProcessingTimeout,
		})
	default:
		var rc *queue.RedisConsumer
		rc, err = queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.ProcessingTimeout,
		})
		if err == nil {
			checks = append(checks, metrics.HealthCheck{Name: "redis", Check: rc.Ping})
			qc = rc
		}
	}
	if err != nil {
		return fmt.Errorf("failed to initialize queue consumer: %w", err)
	}

	errc := make(chan error, 1)
	adminServer := metrics.NewServer(cfg.MetricsAddr, checks...)
	adminServer.Start(errc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := qc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	logger.Info("Worker ready, waiting for jobs", "metrics_addr", cfg.MetricsAddr)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-errc:
		logger.Error("Admin server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := qc.Stop(shutdownCtx); err != nil {
		logger.Warn("Error stopping queue consumer", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Error stopping admin server", "error", err)
	}

	logger.Info("Shutdown complete")
	return runErr
}
