/**
 * Configuration for AnswerScan Worker
 *
 * Loads configuration from environment variables matching .env.nexus
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue backends understood by the worker
const (
	QueueBackendRedis = "redis"
	QueueBackendAsynq = "asynq"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueBackend string
	QueueName    string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration (optional, empty URL disables it)
	QdrantURL        string
	QdrantCollection string

	// API Keys
	VoyageAPIKey string

	// Service URLs
	FileProcessAPIURL string // FileProcess API for debug image artifacts

	// Worker configuration
	WorkerConcurrency int
	MaxImageSize      int64
	ProcessingTimeout time.Duration

	// Extraction configuration
	ExtractionTimeout time.Duration
	FallbackTimeout   time.Duration
	TrialWorkers      int // 0 means max(4, NumCPU)
	TessdataPrefix    string
	OCRLanguages      []string
	DebugImageDir     string

	// Observability
	MetricsAddr string
	LogLevel    string

	// Node environment
	NodeEnv string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueBackend:      strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", QueueBackendRedis)),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "answerscan:jobs"),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:         getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:  getEnvOrDefault("QDRANT_COLLECTION", "answerscan_transcriptions"),
		VoyageAPIKey:      getEnvOrDefault("VOYAGE_API_KEY", ""),
		FileProcessAPIURL: getEnvOrDefault("FILEPROCESS_API_URL", ""),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxImageSize:      getEnvAsInt64OrDefault("MAX_IMAGE_SIZE", 20971520),                  // 20MB
		ProcessingTimeout: getEnvAsDurationMsOrDefault("PROCESSING_TIMEOUT", 5*time.Minute),   // whole job
		ExtractionTimeout: getEnvAsDurationMsOrDefault("EXTRACTION_TIMEOUT", 2*time.Minute),   // 12-trial search
		FallbackTimeout:   getEnvAsDurationMsOrDefault("FALLBACK_TIMEOUT", 30*time.Second),    // single retry
		TrialWorkers:      getEnvAsIntOrDefault("TRIAL_WORKERS", 0),
		TessdataPrefix:    getEnvOrDefault("TESSDATA_PREFIX", ""),
		OCRLanguages:      splitList(getEnvOrDefault("OCR_LANGUAGES", "eng")),
		DebugImageDir:     getEnvOrDefault("DEBUG_IMAGE_DIR", ""),
		MetricsAddr:       getEnvOrDefault("METRICS_ADDR", ":9102"),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", ""),
		NodeEnv:           getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueBackend != QueueBackendRedis && c.QueueBackend != QueueBackendAsynq {
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendRedis, QueueBackendAsynq, c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.TrialWorkers < 0 || c.TrialWorkers > 64 {
		return fmt.Errorf("TRIAL_WORKERS must be between 0 and 64, got %d", c.TrialWorkers)
	}

	if c.MaxImageSize < 1024 || c.MaxImageSize > 209715200 { // 1KB to 200MB
		return fmt.Errorf("MAX_IMAGE_SIZE must be between 1KB and 200MB, got %d", c.MaxImageSize)
	}

	if c.ExtractionTimeout <= 0 || c.FallbackTimeout <= 0 || c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT, EXTRACTION_TIMEOUT and FALLBACK_TIMEOUT must be positive")
	}

	if c.ExtractionTimeout+c.FallbackTimeout > c.ProcessingTimeout {
		return fmt.Errorf("EXTRACTION_TIMEOUT (%v) plus FALLBACK_TIMEOUT (%v) must fit in PROCESSING_TIMEOUT (%v)",
			c.ExtractionTimeout, c.FallbackTimeout, c.ProcessingTimeout)
	}

	if len(c.OCRLanguages) == 0 {
		return fmt.Errorf("OCR_LANGUAGES must name at least one language")
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationMsOrDefault reads a millisecond count, as PROCESSING_TIMEOUT always has been
func getEnvAsDurationMsOrDefault(key string, defaultValue time.Duration) time.Duration {
	ms := getEnvAsInt64OrDefault(key, -1)
	if ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

// splitList splits "eng+deu" or "eng,deu" into tesseract language codes
func splitList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == '+' || r == ' '
	})
	return fields
}
