/**
 * Storage Manager for the AnswerScan Worker
 *
 * Coordinates storage across PostgreSQL (transcriptions, job state) and the
 * optional Qdrant collection of transcript embeddings. A transcript whose
 * relational write fails never leaves an orphaned vector behind.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type relationalStore interface {
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	StoreTranscription(ctx context.Context, t *Transcription) (string, error)
	GetTranscription(ctx context.Context, id string) (*Transcription, error)
	Ping(ctx context.Context) error
	Close() error
}

type vectorStore interface {
	UpsertVector(ctx context.Context, point *VectorPoint) error
	SearchVectors(ctx context.Context, queryVector []float32, limit int) ([]*VectorPoint, error)
	DeleteVector(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres relationalStore
	qdrant   vectorStore
}

// TranscriptionInput is everything the worker knows about a finished extraction.
type TranscriptionInput struct {
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
	Embedding        []float32
	Metadata         map[string]interface{}
}

// TranscriptionOutput identifies the stored transcription.
type TranscriptionOutput struct {
	ID            string
	JobID         string
	QdrantPointID string
	CreatedAt     time.Time
}

// SimilarTranscription is a search hit from the vector collection.
type SimilarTranscription struct {
	TranscriptionID string
	SubmissionID    string
	StudentID       string
	Score           float32
}

// NewStorageManager connects to PostgreSQL and, when qdrantAddress is set, Qdrant.
func NewStorageManager(postgresURL, qdrantAddress, qdrantCollection string) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	sm := &StorageManager{postgres: postgres}
	if qdrantAddress == "" {
		return sm, nil
	}

	qdrant, err := NewQdrantClient(qdrantAddress, qdrantCollection)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
	}
	sm.qdrant = qdrant

	return sm, nil
}

// VectorsEnabled reports whether transcript embeddings are stored.
func (sm *StorageManager) VectorsEnabled() bool {
	return sm.qdrant != nil
}

// StoreTranscription writes the embedding to Qdrant first, then the
// transcription to PostgreSQL. The vector is removed if the second write fails.
func (sm *StorageManager) StoreTranscription(ctx context.Context, input *TranscriptionInput) (*TranscriptionOutput, error) {
	if input == nil {
		return nil, fmt.Errorf("input is required")
	}
	if input.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	transcriptionID := uuid.New().String()

	metadata, err := sanitizeMetadata(input.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to sanitize metadata: %w", err)
	}

	var pointID string
	if sm.qdrant != nil && len(input.Embedding) > 0 {
		pointID = uuid.New().String()
		point := &VectorPoint{
			ID:     pointID,
			Vector: input.Embedding,
			Metadata: map[string]interface{}{
				"transcription_id": transcriptionID,
				"job_id":           input.JobID,
				"submission_id":    input.SubmissionID,
				"student_id":       input.StudentID,
				"method_used":      input.MethodUsed,
				"created_at":       time.Now().Unix(),
			},
		}
		if err := sm.qdrant.UpsertVector(ctx, point); err != nil {
			return nil, fmt.Errorf("failed to store vector in Qdrant: %w", err)
		}
	}

	id, err := sm.postgres.StoreTranscription(ctx, &Transcription{
		ID:               transcriptionID,
		JobID:            input.JobID,
		SubmissionID:     input.SubmissionID,
		StudentID:        input.StudentID,
		Text:             input.Text,
		RawText:          strings.ReplaceAll(input.RawText, "\x00", ""),
		Confidence:       input.Confidence,
		ConfidenceBand:   input.ConfidenceBand,
		WordCount:        input.WordCount,
		TextLength:       input.TextLength,
		MethodUsed:       input.MethodUsed,
		SegmentationMode: input.SegmentationMode,
		UsedFallback:     input.UsedFallback,
		TrialsAttempted:  input.TrialsAttempted,
		TrialsFailed:     input.TrialsFailed,
		DebugArtifactURL: input.DebugArtifactURL,
		QdrantPointID:    pointID,
		Embedding:        input.Embedding,
		Metadata:         metadata,
	})
	if err != nil {
		if pointID != "" {
			sm.qdrant.DeleteVector(context.WithoutCancel(ctx), pointID)
		}
		return nil, fmt.Errorf("failed to store transcription in PostgreSQL: %w", err)
	}

	return &TranscriptionOutput{
		ID:            id,
		JobID:         input.JobID,
		QdrantPointID: pointID,
		CreatedAt:     time.Now(),
	}, nil
}

// GetTranscription retrieves a stored transcription
func (sm *StorageManager) GetTranscription(ctx context.Context, id string) (*Transcription, error) {
	return sm.postgres.GetTranscription(ctx, id)
}

// SearchSimilarTranscriptions finds transcripts whose embeddings are closest to queryVector.
func (sm *StorageManager) SearchSimilarTranscriptions(ctx context.Context, queryVector []float32, limit int) ([]*SimilarTranscription, error) {
	if sm.qdrant == nil {
		return nil, fmt.Errorf("vector search is disabled")
	}

	points, err := sm.qdrant.SearchVectors(ctx, queryVector, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	results := make([]*SimilarTranscription, 0, len(points))
	for _, p := range points {
		id, ok := p.Metadata["transcription_id"].(string)
		if !ok || id == "" {
			continue
		}
		submissionID, _ := p.Metadata["submission_id"].(string)
		studentID, _ := p.Metadata["student_id"].(string)
		results = append(results, &SimilarTranscription{
			TranscriptionID: id,
			SubmissionID:    submissionID,
			StudentID:       studentID,
			Score:           p.Score,
		})
	}

	return results, nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update != nil && update.Metadata != nil {
		metadata, err := sanitizeMetadata(update.Metadata)
		if err != nil {
			return fmt.Errorf("failed to sanitize metadata: %w", err)
		}
		update.Metadata = metadata
	}
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// Ping checks every configured backend.
func (sm *StorageManager) Ping(ctx context.Context) error {
	if err := sm.postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if sm.qdrant != nil {
		if err := sm.qdrant.Ping(ctx); err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
	}
	return nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}
	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}
	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

// sanitizeMetadata round-trips metadata through JSON with the escapes
// PostgreSQL JSONB rejects removed.
func sanitizeMetadata(metadata map[string]interface{}) (map[string]interface{}, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	var clean map[string]interface{}
	if err := json.Unmarshal(sanitizeJSONForPostgres(raw), &clean); err != nil {
		return nil, err
	}
	return clean, nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres drops \u0000 escapes and turns the remaining
// control character escapes into spaces.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
