package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for AnswerScan Worker
 *
 * Design Pattern: Factory Pattern for error creation
 * Only INVALID_IMAGE and EXTRACTION_FAILED leave the extraction core;
 * RECOGNITION_FAILED is absorbed per trial by the strategy search.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Input errors
	ErrorInvalidImage      ErrorCode = "INVALID_IMAGE"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorFileTooLarge      ErrorCode = "FILE_TOO_LARGE"

	// Extraction errors
	ErrorRecognitionFailed ErrorCode = "RECOGNITION_FAILED"
	ErrorExtractionFailed  ErrorCode = "EXTRACTION_FAILED"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Infrastructure errors
	ErrorDownloadFailed ErrorCode = "DOWNLOAD_FAILED"
	ErrorStorageFailed  ErrorCode = "STORAGE_FAILED"
)

// RemediationHints are shown to the student when no transcription could be recovered
var RemediationHints = []string{
	"Retake the photo so the whole answer is in frame and in focus",
	"Use better, even lighting and avoid shadows or glare",
	"Upload a higher resolution image",
}

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewInvalidImageError(jobID string, reason string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidImage,
		Message:   fmt.Sprintf("Image cannot be used: %s", reason),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"reason": reason,
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewFileTooLargeError(jobID string, size, limit int64) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorFileTooLarge,
		Message:   fmt.Sprintf("Image is %d bytes, limit is %d bytes", size, limit),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"size_bytes":  size,
			"limit_bytes": limit,
		},
	}
}

func NewRecognitionFailedError(strategy, mode string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRecognitionFailed,
		Message:   fmt.Sprintf("Recognition failed for strategy=%s mode=%s", strategy, mode),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"strategy": strategy,
			"mode":     mode,
		},
		Cause: cause,
	}
}

func NewExtractionFailedError(jobID string, strategiesAttempted []string, trialsFailed int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorExtractionFailed,
		Message:   fmt.Sprintf("No transcription recovered after %d failed trials and the fallback retry", trialsFailed),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"strategies_attempted": strategiesAttempted,
			"trials_failed":        trialsFailed,
			"remediation":          RemediationHints,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewDownloadFailedError(jobID string, url string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDownloadFailed,
		Message:   "Failed to download submission image",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"url": url,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// WithJobID stamps the job on an error raised below the job layer
func (e *ProcessingError) WithJobID(jobID string) *ProcessingError {
	if e.JobID == "" {
		e.JobID = jobID
	}
	return e
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// AsProcessingError finds the first *ProcessingError in err's chain
func AsProcessingError(err error) (*ProcessingError, bool) {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns the error code in err's chain, or "" when there is none
func CodeOf(err error) ErrorCode {
	if pe, ok := AsProcessingError(err); ok {
		return pe.Code
	}
	return ""
}

// IsRetryable reports whether retrying the job can change the outcome.
// Bad input and exhausted extraction are deterministic for the same image.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrorInvalidImage, ErrorUnsupportedFormat, ErrorFileTooLarge, ErrorExtractionFailed:
		return false
	}
	return true
}
