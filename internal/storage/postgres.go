/**
 * PostgreSQL Client for the AnswerScan Worker
 *
 * Persists extraction job state, transcriptions and the extracted text
 * attached to a graded submission.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Confidence       float64
	ProcessingTimeMs int64
	TranscriptionID  string
	ErrorCode        string
	ErrorMessage     string
	MethodUsed       string
	Metadata         map[string]interface{}
}

// Transcription is the persisted form of a winning extraction.
type Transcription struct {
	ID               string
	JobID            string
	SubmissionID     string
	StudentID        string
	Text             string
	RawText          string
	Confidence       float64
	ConfidenceBand   string
	WordCount        int
	TextLength       int
	MethodUsed       string
	SegmentationMode string
	UsedFallback     bool
	TrialsAttempted  int
	TrialsFailed     int
	DebugArtifactURL string
	QdrantPointID    string
	Embedding        []float32
	Metadata         map[string]interface{}
	CreatedAt        time.Time
}

// sanitizeConfidence clamps a percentage confidence to [0, 100] and rounds it
// to two decimals so it fits a NUMERIC(5,2) column.
func sanitizeConfidence(confidence float64) float64 {
	if math.IsNaN(confidence) || confidence < 0 {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return math.Round(confidence*100) / 100
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// UpdateJobStatus upserts the job row so the worker can record state even
// when the API has not created the job yet.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	confidence := sanitizeConfidence(update.Confidence)

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO grading.extraction_jobs (
			id, submission_id, student_id, filename, mime_type, file_size,
			status, confidence, processing_time_ms, transcription_id,
			error_code, error_message, method_used, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, NULLIF($10, ''), NULLIF($11, ''),
			COALESCE(NULLIF($12, ''), 'answer.png'),
			COALESCE(NULLIF($13, ''), 'application/octet-stream'), $14,
			$2, NULLIF($3::NUMERIC(5,2), 0), NULLIF($4, 0),
			CASE WHEN $5 = '' THEN NULL ELSE $5::uuid END,
			NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			COALESCE($9::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(EXCLUDED.confidence, grading.extraction_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, grading.extraction_jobs.processing_time_ms),
			transcription_id = COALESCE(EXCLUDED.transcription_id, grading.extraction_jobs.transcription_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			method_used = COALESCE(EXCLUDED.method_used, grading.extraction_jobs.method_used),
			metadata = grading.extraction_jobs.metadata || EXCLUDED.metadata,
			submission_id = COALESCE(EXCLUDED.submission_id, grading.extraction_jobs.submission_id),
			student_id = COALESCE(EXCLUDED.student_id, grading.extraction_jobs.student_id),
			file_size = COALESCE(NULLIF(EXCLUDED.file_size, 0), grading.extraction_jobs.file_size),
			updated_at = NOW()
		RETURNING id
	`

	var submissionID, studentID, filename, mimeType string
	var fileSize int64
	if update.Metadata != nil {
		submissionID, _ = update.Metadata["submissionId"].(string)
		studentID, _ = update.Metadata["studentId"].(string)
		filename, _ = update.Metadata["filename"].(string)
		mimeType, _ = update.Metadata["mimeType"].(string)
		switch fs := update.Metadata["fileSize"].(type) {
		case int:
			fileSize = int64(fs)
		case int64:
			fileSize = fs
		case float64:
			fileSize = int64(fs)
		}
	}

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Status,           // $2
		confidence,              // $3
		update.ProcessingTimeMs, // $4
		update.TranscriptionID,  // $5
		update.ErrorCode,        // $6
		update.ErrorMessage,     // $7
		update.MethodUsed,       // $8
		metadataJSON,            // $9
		submissionID,            // $10
		studentID,               // $11
		filename,                // $12
		mimeType,                // $13
		fileSize,                // $14
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.2f): %w",
			update.JobID, update.Status, confidence, err)
	}

	return nil
}

// StoreTranscription inserts the transcription and, when it belongs to a
// submission, copies the text onto the submission row in the same transaction.
func (p *PostgresClient) StoreTranscription(ctx context.Context, t *Transcription) (string, error) {
	if t.ID == "" {
		return "", fmt.Errorf("transcription ID is required")
	}
	if t.JobID == "" {
		return "", fmt.Errorf("job ID is required")
	}

	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	confidence := sanitizeConfidence(t.Confidence)

	var embedding interface{}
	if len(t.Embedding) > 0 {
		embedding = pq.Array(t.Embedding)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO grading.transcriptions (
			id, job_id, submission_id, student_id, text, raw_text,
			confidence, confidence_band, word_count, text_length,
			method_used, segmentation_mode, used_fallback,
			trials_attempted, trials_failed, debug_artifact_url,
			qdrant_point_id, embedding, metadata, created_at
		) VALUES (
			$1::uuid, $2::uuid, NULLIF($3, ''), NULLIF($4, ''), $5, $6,
			$7::NUMERIC(5,2), $8, $9, $10,
			$11, $12, $13,
			$14, $15, NULLIF($16, ''),
			CASE WHEN $17 = '' THEN NULL ELSE $17::uuid END,
			$18, COALESCE($19::jsonb, '{}'::jsonb), NOW()
		)
		RETURNING id
	`,
		t.ID, t.JobID, t.SubmissionID, t.StudentID, t.Text, t.RawText,
		confidence, t.ConfidenceBand, t.WordCount, t.TextLength,
		t.MethodUsed, t.SegmentationMode, t.UsedFallback,
		t.TrialsAttempted, t.TrialsFailed, t.DebugArtifactURL,
		t.QdrantPointID, embedding, metadataJSON,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to store transcription: %w", err)
	}

	if t.SubmissionID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE grading.submissions SET
				extracted_text = $2,
				ocr_confidence = $3::NUMERIC(5,2),
				ocr_confidence_band = $4,
				ocr_method = $5,
				transcription_id = $6::uuid,
				updated_at = NOW()
			WHERE id = $1
		`, t.SubmissionID, t.Text, confidence, t.ConfidenceBand, t.MethodUsed, id)
		if err != nil {
			return "", fmt.Errorf("failed to update submission %s: %w", t.SubmissionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transcription: %w", err)
	}

	return id, nil
}

// GetTranscription retrieves a transcription by ID
func (p *PostgresClient) GetTranscription(ctx context.Context, id string) (*Transcription, error) {
	if id == "" {
		return nil, fmt.Errorf("transcription ID is required")
	}

	query := `
		SELECT
			id, job_id, submission_id, student_id, text, raw_text,
			confidence, confidence_band, word_count, text_length,
			method_used, segmentation_mode, used_fallback,
			trials_attempted, trials_failed, debug_artifact_url,
			qdrant_point_id, embedding, metadata, created_at
		FROM grading.transcriptions
		WHERE id = $1::uuid
	`

	var (
		t                                    Transcription
		submissionID, studentID, artifactURL sql.NullString
		qdrantPointID                        sql.NullString
		embedding                            pq.Float32Array
		metadataJSON                         []byte
	)

	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.JobID, &submissionID, &studentID, &t.Text, &t.RawText,
		&t.Confidence, &t.ConfidenceBand, &t.WordCount, &t.TextLength,
		&t.MethodUsed, &t.SegmentationMode, &t.UsedFallback,
		&t.TrialsAttempted, &t.TrialsFailed, &artifactURL,
		&qdrantPointID, &embedding, &metadataJSON, &t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transcription not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transcription: %w", err)
	}

	t.SubmissionID = submissionID.String
	t.StudentID = studentID.String
	t.DebugArtifactURL = artifactURL.String
	t.QdrantPointID = qdrantPointID.String
	t.Embedding = []float32(embedding)

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &t, nil
}

// DeleteTranscription removes a transcription row. Used to undo a write when
// a later step of the same store fails.
func (p *PostgresClient) DeleteTranscription(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM grading.transcriptions WHERE id = $1::uuid`, id); err != nil {
		return fmt.Errorf("failed to delete transcription %s: %w", id, err)
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
