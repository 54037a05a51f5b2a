package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://grader@localhost/grading?sslmode=disable")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.QueueBackend != QueueBackendRedis {
		t.Errorf("QueueBackend = %q, want %q", cfg.QueueBackend, QueueBackendRedis)
	}
	if cfg.ExtractionTimeout != 2*time.Minute {
		t.Errorf("ExtractionTimeout = %v", cfg.ExtractionTimeout)
	}
	if cfg.FallbackTimeout != 30*time.Second {
		t.Errorf("FallbackTimeout = %v", cfg.FallbackTimeout)
	}
	if cfg.TrialWorkers != 0 {
		t.Errorf("TrialWorkers = %d, want 0 (auto)", cfg.TrialWorkers)
	}
	if len(cfg.OCRLanguages) != 1 || cfg.OCRLanguages[0] != "eng" {
		t.Errorf("OCRLanguages = %v", cfg.OCRLanguages)
	}
	if cfg.QdrantURL != "" || cfg.VoyageAPIKey != "" {
		t.Errorf("optional integrations should default to disabled")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://grader@localhost/grading")
	t.Setenv("QUEUE_BACKEND", "ASYNQ")
	t.Setenv("EXTRACTION_TIMEOUT", "45000")
	t.Setenv("FALLBACK_TIMEOUT", "5000")
	t.Setenv("TRIAL_WORKERS", "8")
	t.Setenv("OCR_LANGUAGES", "eng+deu")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.QueueBackend != QueueBackendAsynq {
		t.Errorf("QueueBackend = %q", cfg.QueueBackend)
	}
	if cfg.ExtractionTimeout != 45*time.Second || cfg.FallbackTimeout != 5*time.Second {
		t.Errorf("timeouts = %v / %v", cfg.ExtractionTimeout, cfg.FallbackTimeout)
	}
	if cfg.TrialWorkers != 8 {
		t.Errorf("TrialWorkers = %d", cfg.TrialWorkers)
	}
	if strings.Join(cfg.OCRLanguages, ",") != "eng,deu" {
		t.Errorf("OCRLanguages = %v", cfg.OCRLanguages)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RedisURL:          "redis://localhost:6379",
			DatabaseURL:       "postgres://localhost/grading",
			QueueBackend:      QueueBackendRedis,
			WorkerConcurrency: 2,
			MaxImageSize:      1 << 20,
			ProcessingTimeout: 5 * time.Minute,
			ExtractionTimeout: 2 * time.Minute,
			FallbackTimeout:   30 * time.Second,
			OCRLanguages:      []string{"eng"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"unknown backend", func(c *Config) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"too many trial workers", func(c *Config) { c.TrialWorkers = 1000 }, "TRIAL_WORKERS"},
		{"tiny image limit", func(c *Config) { c.MaxImageSize = 10 }, "MAX_IMAGE_SIZE"},
		{"timeouts exceed job budget", func(c *Config) { c.ExtractionTimeout = 10 * time.Minute }, "must fit"},
		{"no languages", func(c *Config) { c.OCRLanguages = nil }, "OCR_LANGUAGES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
