package processor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/adverant/nexus/answerscan-worker/internal/errors"
	"github.com/adverant/nexus/answerscan-worker/internal/logging"
	"github.com/adverant/nexus/answerscan-worker/internal/metrics"
)

// trialOutcome is the result of one (strategy, mode) trial: a candidate or the reason there is none
type trialOutcome struct {
	strategy  Strategy
	mode      SegmentationMode
	candidate *Candidate
	err       error
}

func (o trialOutcome) ok() bool { return o.err == nil && o.candidate != nil }

// Recognizer adapts an Engine into candidates. Engine errors and panics
// become RECOGNITION_FAILED outcomes and never escape.
type Recognizer struct {
	engine Engine
	logger *logging.Logger
}

// NewRecognizer wraps engine
func NewRecognizer(engine Engine, logger *logging.Logger) *Recognizer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Recognizer{engine: engine, logger: logger}
}

// Recognize runs one trial
func (r *Recognizer) Recognize(ctx context.Context, img *ProcessedImage, mode SegmentationMode) (out trialOutcome) {
	out = trialOutcome{strategy: img.Strategy, mode: mode}
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			out.candidate = nil
			out.err = errors.NewRecognitionFailedError(img.Strategy.String(), mode.String(), fmt.Errorf("engine panic: %v", p))
		}
		metrics.TrialDuration.WithLabelValues(img.Strategy.String(), mode.String()).Observe(time.Since(start).Seconds())
	}()

	raw, err := r.engine.Recognize(ctx, img, mode)
	if err != nil {
		out.err = errors.NewRecognitionFailedError(img.Strategy.String(), mode.String(), err)
		return out
	}
	if raw == nil {
		raw = &EngineOutput{}
	}

	tokens := make([]Token, len(raw.Words))
	for i, w := range raw.Words {
		tokens[i] = Token{Text: w.Text, Confidence: r.clampConfidence(w.Confidence, img.Strategy, mode)}
	}

	out.candidate = &Candidate{
		RawText:  raw.Text,
		Tokens:   tokens,
		Strategy: img.Strategy,
		Mode:     mode,
	}
	return out
}

// clampConfidence rounds to an integer in [0,100]
func (r *Recognizer) clampConfidence(c float64, strategy Strategy, mode SegmentationMode) int {
	if math.IsNaN(c) {
		r.logger.Warn("Engine reported NaN confidence, using 0", "strategy", strategy, "mode", mode)
		metrics.ConfidenceClampedTotal.Inc()
		return 0
	}
	rounded := math.Round(c)
	if rounded >= 0 && rounded <= 100 {
		return int(rounded)
	}
	clamped := math.Max(0, math.Min(100, rounded))
	r.logger.Warn("Engine confidence out of range, clamped",
		"strategy", strategy, "mode", mode, "raw", c, "clamped", clamped)
	metrics.ConfidenceClampedTotal.Inc()
	return int(clamped)
}
