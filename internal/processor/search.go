/**
 * Strategy Search - runs every (strategy, mode) trial, scores the candidates
 * and selects one transcription.
 *
 * Selection key: (average confidence, text length), highest wins. Equal keys
 * go to the earlier trial in strategy order, then mode order, regardless of
 * which worker finished first.
 *
 * Fallback: when no trial produced a candidate, exactly one retry with the
 * standard strategy and the engine's default mode. Whatever it returns is
 * accepted, even an empty reading.
 */

package processor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/adverant/nexus/answerscan-worker/internal/errors"
	"github.com/adverant/nexus/answerscan-worker/internal/logging"
	"github.com/adverant/nexus/answerscan-worker/internal/metrics"
)

const defaultFallbackTimeout = 30 * time.Second

// ExtractorConfig holds extraction configuration
type ExtractorConfig struct {
	Engine          Engine       // required
	Preprocessor    Preprocessor // defaults to OpenCVPreprocessor
	TrialWorkers    int          // 0 means max(4, NumCPU)
	FallbackTimeout time.Duration
	Logger          *logging.Logger
}

// Extractor turns a RawImage into a BestResult
type Extractor struct {
	preprocessor    Preprocessor
	recognizer      *Recognizer
	strategies      []Strategy
	modes           []SegmentationMode
	workers         int
	fallbackTimeout time.Duration
	logger          *logging.Logger
}

// NewExtractor creates an extractor
func NewExtractor(cfg *ExtractorConfig) (*Extractor, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("recognition engine is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("Extractor")
	}

	pre := cfg.Preprocessor
	if pre == nil {
		pre = NewOpenCVPreprocessor()
	}

	workers := cfg.TrialWorkers
	if workers <= 0 {
		workers = max(4, runtime.NumCPU())
	}

	fallbackTimeout := cfg.FallbackTimeout
	if fallbackTimeout <= 0 {
		fallbackTimeout = defaultFallbackTimeout
	}

	return &Extractor{
		preprocessor:    pre,
		recognizer:      NewRecognizer(cfg.Engine, logger),
		strategies:      Strategies(),
		modes:           SegmentationModes(),
		workers:         workers,
		fallbackTimeout: fallbackTimeout,
		logger:          logger,
	}, nil
}

// Preprocessed returns the image the engine sees for strategy, for operator inspection
func (e *Extractor) Preprocessed(raw *RawImage, strategy Strategy) (*ProcessedImage, error) {
	if raw.empty() {
		return nil, errors.NewInvalidImageError("", "zero-area image", nil)
	}
	return e.preprocessor.Preprocess(raw, strategy)
}

// Extract runs the full strategy search. ctx bounds the search; on expiry the
// trials completed so far are scored. Only INVALID_IMAGE and EXTRACTION_FAILED
// errors are returned.
func (e *Extractor) Extract(ctx context.Context, raw *RawImage) (*BestResult, error) {
	if raw.empty() {
		metrics.ExtractionsTotal.WithLabelValues("invalid_image").Inc()
		return nil, errors.NewInvalidImageError("", "zero-area image", nil)
	}

	start := time.Now()

	// Step 1: one processed image per strategy, shared by all of its modes
	processed, err := e.preprocessAll(ctx, raw)
	if err != nil {
		metrics.ExtractionsTotal.WithLabelValues("invalid_image").Inc()
		return nil, err
	}

	// Step 2: every (strategy, mode) trial into its own slot
	slots := e.runTrials(ctx, processed)

	attempted, failed := 0, 0
	for _, o := range slots {
		if o.err == nil && o.candidate == nil {
			continue // never ran
		}
		attempted++
		if !o.ok() {
			failed++
		}
	}

	// Step 3: select in slot order
	winner := selectBest(slots)
	usedFallback := false
	var winnerImage *ProcessedImage
	if winner != nil {
		winnerImage = processed[winner.Strategy]
	}

	// Step 4: a single standard/default-mode retry
	if winner == nil {
		e.logger.Warn("No trial produced a candidate, running fallback",
			"trials_attempted", attempted, "trials_failed", failed)

		fallbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.fallbackTimeout)
		defer cancel()

		winner, winnerImage, err = e.fallback(fallbackCtx, raw, processed)
		attempted++
		if err != nil {
			failed++
			metrics.FallbacksTotal.WithLabelValues("failed").Inc()
			metrics.ExtractionsTotal.WithLabelValues("failed").Inc()
			return nil, errors.NewExtractionFailedError("", e.strategyNames(), failed, err)
		}
		usedFallback = true
		metrics.FallbacksTotal.WithLabelValues("ok").Inc()
	}

	// Step 5: emit the normalized result
	result := &BestResult{
		Text:            Normalize(winner.RawText),
		RawText:         winner.RawText,
		Confidence:      winner.AverageConfidence(),
		WordCount:       winner.WordCount(),
		TextLength:      winner.TextLength(),
		MethodUsed:      winner.Strategy,
		Mode:            winner.Mode,
		UsedFallback:    usedFallback,
		TrialsAttempted: attempted,
		TrialsFailed:    failed,
		Processed:       winnerImage,
	}

	status := "ok"
	if usedFallback {
		status = "fallback"
	}
	metrics.ExtractionsTotal.WithLabelValues(status).Inc()
	metrics.WinnerTotal.WithLabelValues(winner.Strategy.String(), winner.Mode.String()).Inc()
	metrics.WinnerConfidence.Observe(result.Confidence)

	e.logger.Info("Extraction complete",
		"method_used", result.MethodUsed,
		"mode", result.Mode,
		"confidence", result.Confidence,
		"word_count", result.WordCount,
		"text_length", result.TextLength,
		"trials_attempted", attempted,
		"trials_failed", failed,
		"used_fallback", usedFallback,
		"duration", time.Since(start))

	return result, nil
}

// preprocessAll returns a map from strategy to its processed image. Strategies
// whose preprocessing failed are absent. An undecodable input is fatal.
func (e *Extractor) preprocessAll(ctx context.Context, raw *RawImage) (map[Strategy]*ProcessedImage, error) {
	processed := make(map[Strategy]*ProcessedImage, len(e.strategies))
	for _, s := range e.strategies {
		if ctx.Err() != nil {
			break
		}
		img, err := e.preprocessor.Preprocess(raw, s)
		if err != nil {
			if errors.CodeOf(err) == errors.ErrorInvalidImage {
				return nil, err
			}
			e.logger.Warn("Preprocessing failed, strategy excluded", "strategy", s, "error", err)
			continue
		}
		processed[s] = img
	}
	return processed, nil
}

// runTrials executes trials on a bounded worker pool. The returned slice is
// indexed by strategyIndex*len(modes)+modeIndex. Slots left zero never ran.
func (e *Extractor) runTrials(ctx context.Context, processed map[Strategy]*ProcessedImage) []trialOutcome {
	n := len(e.strategies) * len(e.modes)
	slots := make([]trialOutcome, n)

	type indexed struct {
		idx int
		out trialOutcome
	}
	jobs := make(chan int, n)
	results := make(chan indexed, n)

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < min(e.workers, n); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if ctx.Err() != nil {
					return
				}
				s := e.strategies[idx/len(e.modes)]
				m := e.modes[idx%len(e.modes)]

				img, ok := processed[s]
				if !ok {
					results <- indexed{idx, trialOutcome{strategy: s, mode: m,
						err: fmt.Errorf("no processed image for strategy %s", s)}}
					continue
				}
				results <- indexed{idx, e.recognizer.Recognize(ctx, img, m)}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	collect := func(r indexed) {
		slots[r.idx] = r.out
		e.recordTrial(r.out)
	}
	drain := func() {
		for {
			select {
			case r := <-results:
				collect(r)
			default:
				return
			}
		}
	}

	for received := 0; received < n; received++ {
		select {
		case r := <-results:
			collect(r)
		case <-done:
			// workers stopped early on cancellation
			drain()
			return slots
		case <-ctx.Done():
			drain()
			e.logger.Warn("Extraction deadline reached, scoring completed trials", "total", n)
			return slots
		}
	}
	return slots
}

func (e *Extractor) recordTrial(o trialOutcome) {
	status := "ok"
	if !o.ok() {
		status = "failed"
		e.logger.Debug("Trial failed", "strategy", o.strategy, "mode", o.mode, "error", o.err)
	}
	metrics.TrialsTotal.WithLabelValues(o.strategy.String(), o.mode.String(), status).Inc()
}

// selectBest returns the candidate with the highest (confidence, length)
// key; on equal keys the lowest slot wins
func selectBest(slots []trialOutcome) *Candidate {
	var best *Candidate
	var bestConf float64
	var bestLen int
	for _, o := range slots {
		if !o.ok() {
			continue
		}
		c := o.candidate
		conf, length := c.AverageConfidence(), c.TextLength()
		if best == nil || conf > bestConf || (conf == bestConf && length > bestLen) {
			best, bestConf, bestLen = c, conf, length
		}
	}
	return best
}

// fallback is the one permitted repeat of a pair. It reuses the cached
// standard image when preprocessing succeeded earlier.
func (e *Extractor) fallback(ctx context.Context, raw *RawImage, processed map[Strategy]*ProcessedImage) (*Candidate, *ProcessedImage, error) {
	img, ok := processed[StrategyStandard]
	if !ok {
		var err error
		img, err = e.preprocessor.Preprocess(raw, StrategyStandard)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback preprocessing failed: %w", err)
		}
	}

	out := e.recognizer.Recognize(ctx, img, DefaultMode)
	e.recordTrial(out)
	if !out.ok() {
		return nil, nil, out.err
	}
	return out.candidate, img, nil
}

func (e *Extractor) strategyNames() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.String()
	}
	return names
}
