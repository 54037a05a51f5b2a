package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/answerscan-worker/internal/errors"
	"github.com/adverant/nexus/answerscan-worker/internal/logging"
	"github.com/adverant/nexus/answerscan-worker/internal/metrics"
	"github.com/adverant/nexus/answerscan-worker/internal/processor"
)

const defaultProcessingTimeout = 5 * time.Minute

// JobPayload is the submission job as published by the grading API
type JobPayload struct {
	JobID        string                 `json:"jobId"`
	SubmissionID string                 `json:"submissionId,omitempty"`
	StudentID    string                 `json:"studentId,omitempty"`
	Filename     string                 `json:"filename,omitempty"`
	MimeType     string                 `json:"mimeType,omitempty"`
	FileSize     int64                  `json:"fileSize,omitempty"`
	ImageURL     string                 `json:"imageUrl,omitempty"`
	ImageBuffer  []byte                 `json:"-"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts imageBuffer as a base64 string or as a serialized
// Node.js Buffer ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type alias JobPayload
	aux := &struct {
		ImageBuffer json.RawMessage `json:"imageBuffer,omitempty"`
		*alias
	}{
		alias: (*alias)(p),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	buf, err := decodeBuffer(aux.ImageBuffer)
	if err != nil {
		return err
	}
	p.ImageBuffer = buf
	return nil
}

// MarshalJSON writes imageBuffer as base64 so re-queued jobs round-trip.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type alias JobPayload
	return json.Marshal(&struct {
		ImageBuffer string `json:"imageBuffer,omitempty"`
		alias
	}{
		ImageBuffer: base64.StdEncoding.EncodeToString(p.ImageBuffer),
		alias:       alias(p),
	})
}

func decodeBuffer(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 imageBuffer: %w", err)
		}
		return decoded, nil
	}

	var nodeBuf struct {
		Type string `json:"type"`
		Data []int  `json:"data"`
	}
	if err := json.Unmarshal(raw, &nodeBuf); err != nil {
		return nil, fmt.Errorf("imageBuffer must be either base64 string or Buffer object: %w", err)
	}
	if nodeBuf.Type != "Buffer" {
		return nil, fmt.Errorf("invalid Buffer object format (type=%q)", nodeBuf.Type)
	}
	if nodeBuf.Data == nil {
		return nil, fmt.Errorf("Buffer object missing 'data' array")
	}

	out := make([]byte, len(nodeBuf.Data))
	for i, v := range nodeBuf.Data {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("invalid byte value %d in Buffer data array at index %d", v, i)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func (p *JobPayload) request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:        p.JobID,
		SubmissionID: p.SubmissionID,
		StudentID:    p.StudentID,
		Filename:     p.Filename,
		MimeType:     p.MimeType,
		ImageURL:     p.ImageURL,
		ImageBuffer:  p.ImageBuffer,
		Metadata:     p.Metadata,
	}
}

// jobRunner is the processing core shared by both queue backends
type jobRunner struct {
	processor processor.SubmissionProcessorInterface
	timeout   time.Duration
	logger    *logging.Logger
}

func newJobRunner(p processor.SubmissionProcessorInterface, timeout time.Duration, logger *logging.Logger) *jobRunner {
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	return &jobRunner{processor: p, timeout: timeout, logger: logger}
}

func (r *jobRunner) markProcessing(ctx context.Context, p *JobPayload, attempt int) {
	err := r.processor.UpdateJobStatus(ctx, p.JobID, "processing", 0, map[string]interface{}{
		"submissionId": p.SubmissionID,
		"studentId":    p.StudentID,
		"filename":     p.Filename,
		"mimeType":     p.MimeType,
		"fileSize":     p.FileSize,
		"attempt":      attempt,
	})
	if err != nil {
		r.logger.Warn("Could not record processing status", "job_id", p.JobID, "error", err)
	}
}

// run processes the job under the processing timeout. A job cut off by the
// timeout comes back as PROCESSING_TIMEOUT.
func (r *jobRunner) run(ctx context.Context, p *JobPayload) (*processor.ProcessResult, error) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.processor.ProcessSubmission(jobCtx, p.request())
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	if err != nil && jobCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil &&
		errors.CodeOf(err) != errors.ErrorProcessingTimeout {
		err = errors.NewProcessingTimeoutError(p.JobID, r.timeout, err)
	}
	if err != nil {
		r.logger.Warn("Job failed", "job_id", p.JobID, "code", errors.CodeOf(err), "duration", time.Since(start), "error", err)
		return nil, err
	}

	r.logger.Info("Job completed",
		"job_id", p.JobID,
		"confidence", result.Confidence,
		"band", result.ConfidenceBand,
		"method_used", result.MethodUsed,
		"duration", time.Since(start))
	return result, nil
}

func (r *jobRunner) markCompleted(ctx context.Context, jobID string, res *processor.ProcessResult) {
	metrics.JobsTotal.WithLabelValues("completed").Inc()
	err := r.processor.UpdateJobStatus(ctx, jobID, "completed", 100, map[string]interface{}{
		"confidence":       res.Confidence,
		"confidenceBand":   string(res.ConfidenceBand),
		"processingTimeMs": res.ProcessingTimeMs,
		"transcriptionId":  res.TranscriptionID,
		"methodUsed":       res.MethodUsed.String(),
		"mode":             res.Mode.String(),
		"usedFallback":     res.UsedFallback,
		"trialsAttempted":  res.TrialsAttempted,
		"trialsFailed":     res.TrialsFailed,
		"embeddingStored":  res.EmbeddingStored,
	})
	if err != nil {
		r.logger.Error("Could not record completed status", "job_id", jobID, "error", err)
	}
}

func (r *jobRunner) markFailed(ctx context.Context, jobID string, jobErr error, attempts int) map[string]interface{} {
	metrics.JobsTotal.WithLabelValues("failed").Inc()
	details := failureDetails(jobID, jobErr)
	details["attempts"] = attempts
	if err := r.processor.UpdateJobStatus(ctx, jobID, "failed", 100, details); err != nil {
		r.logger.Error("Could not record failed status", "job_id", jobID, "error", err)
	}
	return details
}

func failureDetails(jobID string, err error) map[string]interface{} {
	if pe, ok := errors.AsProcessingError(err); ok {
		return pe.WithJobID(jobID).ToMap()
	}
	return map[string]interface{}{"error": err.Error()}
}
