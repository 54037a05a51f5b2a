/**
 * Submission Processor for the AnswerScan Worker
 *
 * Turns a photographed answer into stored, gradeable text:
 * - loads the image from the job or downloads it
 * - rejects oversized and non-image uploads
 * - runs the adaptive strategy search
 * - keeps the winning preprocessed image for review
 * - embeds and persists the transcription
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/adverant/nexus/answerscan-worker/internal/clients"
	"github.com/adverant/nexus/answerscan-worker/internal/errors"
	"github.com/adverant/nexus/answerscan-worker/internal/logging"
	"github.com/adverant/nexus/answerscan-worker/internal/storage"
)

const (
	defaultMaxImageSize      = 20 * 1024 * 1024
	defaultExtractionTimeout = 2 * time.Minute
	downloadAttempts         = 3
	defaultDownloadBackoff   = 500 * time.Millisecond
	sourceService            = "answerscan-worker"
)

// SubmissionProcessorInterface is what the queue consumers drive
type SubmissionProcessorInterface interface {
	ProcessSubmission(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// TranscriptionStore persists transcriptions and job state
type TranscriptionStore interface {
	StoreTranscription(ctx context.Context, input *storage.TranscriptionInput) (*storage.TranscriptionOutput, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ArtifactUploader stores debug images
type ArtifactUploader interface {
	UploadArtifact(ctx context.Context, req *clients.ArtifactUploadRequest) (*clients.ArtifactUploadResponse, error)
}

// ProcessorConfig holds processor configuration. Store is required; every
// other collaborator is optional and built from the plain settings when nil.
type ProcessorConfig struct {
	Store     TranscriptionStore
	Extractor *Extractor
	Engine    Engine
	Embedder  Embedder
	Artifacts ArtifactUploader

	VoyageAPIKey      string
	FileProcessAPIURL string
	TessdataPrefix    string
	Languages         []string
	TrialWorkers      int
	ExtractionTimeout time.Duration
	FallbackTimeout   time.Duration
	MaxImageSize      int64
	DebugImageDir     string
	DownloadBackoff   time.Duration
	HTTPClient        *http.Client
	Logger            *logging.Logger
}

// ProcessRequest represents one submission to transcribe
type ProcessRequest struct {
	JobID        string
	SubmissionID string
	StudentID    string
	Filename     string
	MimeType     string
	ImageURL     string
	ImageBuffer  []byte
	Metadata     map[string]interface{}
}

// ProcessResult is what the queue records for a completed job
type ProcessResult struct {
	TranscriptionID  string           `json:"transcriptionId"`
	Text             string           `json:"text"`
	Confidence       float64          `json:"confidence"`
	ConfidenceBand   ConfidenceBand   `json:"confidenceBand"`
	BandMessage      string           `json:"bandMessage"`
	WordCount        int              `json:"wordCount"`
	TextLength       int              `json:"textLength"`
	MethodUsed       Strategy         `json:"methodUsed"`
	Mode             SegmentationMode `json:"mode"`
	UsedFallback     bool             `json:"usedFallback"`
	TrialsAttempted  int              `json:"trialsAttempted"`
	TrialsFailed     int              `json:"trialsFailed"`
	DebugImagePath   string           `json:"debugImagePath,omitempty"`
	DebugArtifactURL string           `json:"debugArtifactUrl,omitempty"`
	EmbeddingStored  bool             `json:"embeddingStored"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
}

// SubmissionProcessor handles submission processing
type SubmissionProcessor struct {
	config     *ProcessorConfig
	store      TranscriptionStore
	extractor  *Extractor
	embedder   Embedder
	artifacts  ArtifactUploader
	httpClient *http.Client
	logger     *logging.Logger
}

// NewSubmissionProcessor creates a new submission processor
func NewSubmissionProcessor(cfg *ProcessorConfig) (*SubmissionProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("transcription store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("Processor")
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = defaultMaxImageSize
	}
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = defaultExtractionTimeout
	}
	if cfg.DownloadBackoff <= 0 {
		cfg.DownloadBackoff = defaultDownloadBackoff
	}

	extractor := cfg.Extractor
	if extractor == nil {
		engine := cfg.Engine
		if engine == nil {
			engine = NewTesseractEngine(&TesseractConfig{
				TessdataPrefix: cfg.TessdataPrefix,
				Languages:      cfg.Languages,
			})
		}
		var err error
		extractor, err = NewExtractor(&ExtractorConfig{
			Engine:          engine,
			TrialWorkers:    cfg.TrialWorkers,
			FallbackTimeout: cfg.FallbackTimeout,
			Logger:          logger.With("component", "extractor"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create extractor: %w", err)
		}
	}

	embedder := cfg.Embedder
	if embedder == nil && cfg.VoyageAPIKey != "" {
		client, err := NewEmbeddingClient(EmbeddingConfig{APIKey: cfg.VoyageAPIKey, Logger: logger.With("component", "embedding")})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding client: %w", err)
		}
		embedder = client
	}
	if embedder == nil {
		logger.Warn("VoyageAI API key not configured, transcripts will not be embedded")
	}

	artifacts := cfg.Artifacts
	if artifacts == nil && cfg.FileProcessAPIURL != "" {
		client := clients.NewArtifactClient(cfg.FileProcessAPIURL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.HealthCheck(ctx); err != nil {
			logger.Warn("Artifact storage health check failed, debug images may not upload", "error", err)
		}
		artifacts = client
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &SubmissionProcessor{
		config:     cfg,
		store:      cfg.Store,
		extractor:  extractor,
		embedder:   embedder,
		artifacts:  artifacts,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ProcessSubmission runs one submission through the complete pipeline
func (p *SubmissionProcessor) ProcessSubmission(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	start := time.Now()
	log := p.logger.With("job_id", req.JobID)
	log.Info("Starting submission pipeline", "submission_id", req.SubmissionID)

	// Step 1: load the image
	data, err := p.loadImage(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Debug("Step 1: image loaded", "bytes", len(data))

	// Step 2: size and format checks
	if int64(len(data)) > p.config.MaxImageSize {
		return nil, errors.NewFileTooLargeError(req.JobID, int64(len(data)), p.config.MaxImageSize)
	}
	detected := detectImageMimeType(data)
	if detected == "" {
		mime := req.MimeType
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		return nil, errors.NewUnsupportedFormatError(req.JobID, mime)
	}
	if req.MimeType != detected {
		log.Debug("Step 2: corrected MIME type", "declared", req.MimeType, "detected", detected)
		req.MimeType = detected
	}

	// Step 3: decode
	raw, err := DecodeRawImage(data)
	if err != nil {
		return nil, withJobID(err, req.JobID)
	}
	log.Debug("Step 3: image decoded", "width", raw.Width(), "height", raw.Height(), "format", raw.Format())

	// Step 4: strategy search
	extractCtx, cancel := context.WithTimeout(ctx, p.config.ExtractionTimeout)
	best, err := p.extractor.Extract(extractCtx, raw)
	cancel()
	if err != nil {
		return nil, withJobID(err, req.JobID)
	}
	if ctx.Err() != nil {
		return nil, errors.NewProcessingTimeoutError(req.JobID, time.Since(start), ctx.Err())
	}

	band := BandFor(best.Confidence)
	result := &ProcessResult{
		Text:            best.Text,
		Confidence:      best.Confidence,
		ConfidenceBand:  band,
		BandMessage:     band.Message(),
		WordCount:       best.WordCount,
		TextLength:      best.TextLength,
		MethodUsed:      best.MethodUsed,
		Mode:            best.Mode,
		UsedFallback:    best.UsedFallback,
		TrialsAttempted: best.TrialsAttempted,
		TrialsFailed:    best.TrialsFailed,
	}

	// Step 5: keep the winning image for review
	result.DebugImagePath, result.DebugArtifactURL = p.saveDebugImage(ctx, req, best)

	// Step 6: embedding
	var embedding []float32
	if p.embedder != nil && best.Text != "" {
		embedding, err = p.embedder.GenerateEmbedding(ctx, best.Text)
		if err != nil {
			log.Warn("Step 6: embedding failed, storing transcript without vector", "error", err)
			embedding = nil
		}
	}
	result.EmbeddingStored = len(embedding) > 0

	// Step 7: persist
	stored, err := p.store.StoreTranscription(ctx, &storage.TranscriptionInput{
		JobID:            req.JobID,
		SubmissionID:     req.SubmissionID,
		StudentID:        req.StudentID,
		Text:             best.Text,
		RawText:          best.RawText,
		Confidence:       best.Confidence,
		ConfidenceBand:   string(band),
		WordCount:        best.WordCount,
		TextLength:       best.TextLength,
		MethodUsed:       best.MethodUsed.String(),
		SegmentationMode: best.Mode.String(),
		UsedFallback:     best.UsedFallback,
		TrialsAttempted:  best.TrialsAttempted,
		TrialsFailed:     best.TrialsFailed,
		DebugArtifactURL: result.DebugArtifactURL,
		Embedding:        embedding,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return nil, errors.NewStorageFailedError(req.JobID, err)
	}
	result.TranscriptionID = stored.ID
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	log.Info("Submission pipeline complete",
		"transcription_id", result.TranscriptionID,
		"confidence", result.Confidence,
		"band", result.ConfidenceBand,
		"method_used", result.MethodUsed,
		"mode", result.Mode,
		"used_fallback", result.UsedFallback,
		"duration_ms", result.ProcessingTimeMs)

	return result, nil
}

// UpdateJobStatus maps queue-level status updates onto the job row
func (p *SubmissionProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: map[string]interface{}{"progress": progress},
	}

	for k, v := range metadata {
		switch k {
		case "confidence":
			if f, ok := v.(float64); ok {
				update.Confidence = f
			}
		case "processingTimeMs":
			if ms, ok := v.(int64); ok {
				update.ProcessingTimeMs = ms
			}
		case "transcriptionId":
			if s, ok := v.(string); ok {
				update.TranscriptionID = s
			}
		case "methodUsed":
			switch m := v.(type) {
			case string:
				update.MethodUsed = m
			case Strategy:
				update.MethodUsed = m.String()
			}
		case "error_code":
			if s, ok := v.(string); ok {
				update.ErrorCode = s
			}
		case "error", "message":
			if s, ok := v.(string); ok && update.ErrorMessage == "" {
				update.ErrorMessage = s
			}
		}
		update.Metadata[k] = v
	}
	if update.ErrorMessage != "" && update.ErrorCode == "" {
		update.ErrorCode = "PROCESSING_ERROR"
	}

	return p.store.UpdateJobStatus(ctx, update)
}

// loadImage returns the job's buffer or downloads ImageURL
func (p *SubmissionProcessor) loadImage(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.ImageBuffer) > 0 {
		return req.ImageBuffer, nil
	}
	if req.ImageURL != "" {
		return p.downloadImage(ctx, req.JobID, req.ImageURL)
	}
	return nil, errors.NewInvalidImageError(req.JobID, "no image source provided (buffer or URL)", nil)
}

// downloadImage fetches url with exponential backoff. Client errors other than
// 408 and 429 are not retried; a body over the size limit fails immediately.
func (p *SubmissionProcessor) downloadImage(ctx context.Context, jobID, url string) ([]byte, error) {
	limit := p.config.MaxImageSize
	backoff := p.config.DownloadBackoff
	var lastErr error

	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		data, retry, err := p.fetchOnce(ctx, jobID, url, limit)
		if err == nil {
			p.logger.Debug("Download complete", "job_id", jobID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		if _, ok := errors.AsProcessingError(err); ok {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("Download attempt failed", "job_id", jobID, "attempt", attempt, "error", err)
		if !retry || attempt == downloadAttempts {
			break
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, errors.NewDownloadFailedError(jobID, url, ctx.Err())
		}
	}

	return nil, errors.NewDownloadFailedError(jobID, url, lastErr)
}

func (p *SubmissionProcessor) fetchOnce(ctx context.Context, jobID, url string, limit int64) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout
		return nil, retry, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	if resp.ContentLength > limit {
		return nil, false, errors.NewFileTooLargeError(jobID, resp.ContentLength, limit)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > limit {
		return nil, false, errors.NewFileTooLargeError(jobID, int64(len(data)), limit)
	}
	return data, false, nil
}

// saveDebugImage writes and uploads the winner's processed image. Failures are
// logged and never fail the job.
func (p *SubmissionProcessor) saveDebugImage(ctx context.Context, req *ProcessRequest, best *BestResult) (path, url string) {
	if best.Processed == nil || (p.config.DebugImageDir == "" && p.artifacts == nil) {
		return "", ""
	}

	name := fmt.Sprintf("%s-%s-%s.png", req.JobID, best.MethodUsed, best.Mode)

	if p.config.DebugImageDir != "" {
		candidate := filepath.Join(p.config.DebugImageDir, name)
		if err := os.MkdirAll(p.config.DebugImageDir, 0o755); err != nil {
			p.logger.Warn("Could not create debug image directory", "dir", p.config.DebugImageDir, "error", err)
		} else if err := best.Processed.WritePNG(candidate); err != nil {
			p.logger.Warn("Could not write debug image", "path", candidate, "error", err)
		} else {
			path = candidate
		}
	}

	if p.artifacts != nil {
		png, err := best.Processed.PNG()
		if err != nil {
			p.logger.Warn("Could not encode debug image", "job_id", req.JobID, "error", err)
			return path, ""
		}
		resp, err := p.artifacts.UploadArtifact(ctx, &clients.ArtifactUploadRequest{
			FileBuffer:    png,
			Filename:      name,
			MimeType:      "image/png",
			SourceService: sourceService,
			SourceID:      req.JobID,
			Metadata: map[string]interface{}{
				"submissionId": req.SubmissionID,
				"methodUsed":   best.MethodUsed.String(),
				"mode":         best.Mode.String(),
				"confidence":   best.Confidence,
			},
		})
		if err != nil {
			p.logger.Warn("Debug image upload failed", "job_id", req.JobID, "error", err)
		} else if resp != nil {
			url = resp.Artifact.DownloadURL
		}
	}

	return path, url
}

func withJobID(err error, jobID string) error {
	if pe, ok := errors.AsProcessingError(err); ok {
		return pe.WithJobID(jobID)
	}
	return err
}

// detectImageMimeType recognizes the image containers the decoder accepts.
// Anything else returns "".
func detectImageMimeType(data []byte) string {
	switch {
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{'I', 'I', 0x2A, 0x00}), bytes.HasPrefix(data, []byte{'M', 'M', 0x00, 0x2A}):
		return "image/tiff"
	case len(data) >= 14 && bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}
	return ""
}
