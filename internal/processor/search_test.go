package processor

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adverant/nexus/answerscan-worker/internal/errors"
	"github.com/adverant/nexus/answerscan-worker/internal/logging"
)

type trialKey struct {
	strategy Strategy
	mode     SegmentationMode
}

// scriptedEngine answers each (strategy, mode) call from a script.
// call is 1 for the first invocation of a pair, 2 for the second, and so on.
type scriptedEngine struct {
	mu     sync.Mutex
	calls  map[trialKey]int
	script func(ctx context.Context, k trialKey, call int) (*EngineOutput, error)
}

func newScriptedEngine(script func(ctx context.Context, k trialKey, call int) (*EngineOutput, error)) *scriptedEngine {
	return &scriptedEngine{calls: make(map[trialKey]int), script: script}
}

func (e *scriptedEngine) Recognize(ctx context.Context, img *ProcessedImage, mode SegmentationMode) (*EngineOutput, error) {
	k := trialKey{img.Strategy, mode}
	e.mu.Lock()
	e.calls[k]++
	call := e.calls[k]
	e.mu.Unlock()
	return e.script(ctx, k, call)
}

func (e *scriptedEngine) totalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

func (e *scriptedEngine) callsFor(s Strategy, m SegmentationMode) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[trialKey{s, m}]
}

// countingPreprocessor returns a 1x1 image per strategy and can fail
// a strategy for its first failFirst[s] calls
type countingPreprocessor struct {
	mu        sync.Mutex
	calls     map[Strategy]int
	failFirst map[Strategy]int
}

func newCountingPreprocessor() *countingPreprocessor {
	return &countingPreprocessor{calls: make(map[Strategy]int), failFirst: make(map[Strategy]int)}
}

func (p *countingPreprocessor) Preprocess(raw *RawImage, s Strategy) (*ProcessedImage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[s]++
	if p.calls[s] <= p.failFirst[s] {
		return nil, fmt.Errorf("synthetic %s preprocessing failure", s)
	}
	return &ProcessedImage{Strategy: s, Image: image.NewGray(image.Rect(0, 0, 1, 1))}, nil
}

func (p *countingPreprocessor) callsFor(s Strategy) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[s]
}

func output(text string, confs ...float64) *EngineOutput {
	out := &EngineOutput{Text: text}
	words := strings.Fields(text)
	for i, c := range confs {
		w := fmt.Sprintf("w%d", i)
		if i < len(words) {
			w = words[i]
		}
		out.Words = append(out.Words, EngineWord{Text: w, Confidence: c})
	}
	return out
}

func testRaw(t *testing.T) *RawImage {
	t.Helper()
	raw, err := NewRawImage(image.NewGray(image.Rect(0, 0, 8, 8)))
	if err != nil {
		t.Fatalf("NewRawImage: %v", err)
	}
	return raw
}

func newTestExtractor(t *testing.T, engine Engine, pre Preprocessor, workers int) *Extractor {
	t.Helper()
	ex, err := NewExtractor(&ExtractorConfig{
		Engine:          engine,
		Preprocessor:    pre,
		TrialWorkers:    workers,
		FallbackTimeout: 2 * time.Second,
		Logger:          logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	return ex
}

var errEngine = fmt.Errorf("engine internal error")

func TestSelectBest(t *testing.T) {
	cand := func(s Strategy, m SegmentationMode, text string, conf int) trialOutcome {
		c := &Candidate{RawText: text, Strategy: s, Mode: m, Tokens: []Token{{Text: "x", Confidence: conf}}}
		return trialOutcome{strategy: s, mode: m, candidate: c}
	}
	failed := trialOutcome{err: errEngine}

	tests := []struct {
		name      string
		slots     []trialOutcome
		wantStrat Strategy
		wantMode  SegmentationMode
	}{
		{
			name: "higher confidence beats longer text",
			slots: []trialOutcome{
				cand(StrategyEnhanced, ModeUniformBlock, "a much longer transcription of the answer", 70),
				cand(StrategyAggressive, ModeAuto, "short", 80),
			},
			wantStrat: StrategyAggressive, wantMode: ModeAuto,
		},
		{
			name: "equal confidence, longer text wins",
			slots: []trialOutcome{
				cand(StrategyEnhanced, ModeUniformBlock, "short", 75),
				cand(StrategyStandard, ModeSparseText, "longer text", 75),
			},
			wantStrat: StrategyStandard, wantMode: ModeSparseText,
		},
		{
			name: "equal key, earliest slot wins",
			slots: []trialOutcome{
				failed,
				cand(StrategyAggressive, ModeSparseText, "same text", 60),
				cand(StrategyStandard, ModeUniformBlock, "same text", 60),
			},
			wantStrat: StrategyAggressive, wantMode: ModeSparseText,
		},
		{
			name: "whitespace does not count toward length",
			slots: []trialOutcome{
				cand(StrategyEnhanced, ModeUniformBlock, "a  b\n\n\nc", 50),
				cand(StrategyAggressive, ModeUniformBlock, "a b c", 50),
			},
			wantStrat: StrategyEnhanced, wantMode: ModeUniformBlock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectBest(tt.slots)
			if got == nil {
				t.Fatal("selectBest returned nil")
			}
			if got.Strategy != tt.wantStrat || got.Mode != tt.wantMode {
				t.Fatalf("winner = %s/%s, want %s/%s", got.Strategy, got.Mode, tt.wantStrat, tt.wantMode)
			}
		})
	}

	if selectBest([]trialOutcome{failed, {}}) != nil {
		t.Fatal("selectBest should return nil without candidates")
	}
}

func TestExtractScenarioMixedConfidences(t *testing.T) {
	type reading struct {
		text string
		conf float64
		fail bool
	}
	// strategy order × mode order
	script := map[trialKey]reading{
		{StrategyEnhanced, ModeUniformBlock}:    {text: "READ x", conf: 40},
		{StrategyEnhanced, ModeSparseText}:      {text: "READ x y", conf: 40},
		{StrategyEnhanced, ModeSparseTextOSD}:   {text: "READ x PRINT", conf: 55},
		{StrategyEnhanced, ModeAuto}:            {fail: true},
		{StrategyAggressive, ModeUniformBlock}:  {fail: true},
		{StrategyAggressive, ModeSparseText}:    {fail: true},
		{StrategyAggressive, ModeSparseTextOSD}: {text: "BEGIN x END", conf: 62},
		{StrategyAggressive, ModeAuto}:          {text: "BEGIN READ x PRINT x END", conf: 62},
		{StrategyStandard, ModeUniformBlock}:    {text: "B R x", conf: 30},
		{StrategyStandard, ModeSparseText}:      {text: "BEGIN READ x PRINT x END here", conf: 58},
		{StrategyStandard, ModeSparseTextOSD}:   {text: "BEGIN", conf: 58},
		{StrategyStandard, ModeAuto}:            {text: "BEGIN READ", conf: 45},
	}
	engine := newScriptedEngine(func(_ context.Context, k trialKey, _ int) (*EngineOutput, error) {
		r := script[k]
		if r.fail {
			return nil, errEngine
		}
		return output(r.text, r.conf, r.conf), nil
	})

	pre := newCountingPreprocessor()
	res, err := newTestExtractor(t, engine, pre, 4).Extract(context.Background(), testRaw(t))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if res.MethodUsed != StrategyAggressive || res.Mode != ModeAuto {
		t.Fatalf("winner = %s/%s, want aggressive/auto", res.MethodUsed, res.Mode)
	}
	if res.Confidence != 62 || res.Text != "BEGIN READ x PRINT x END" {
		t.Fatalf("result = %+v", res)
	}
	if res.TrialsAttempted != 12 || res.TrialsFailed != 3 || res.UsedFallback {
		t.Fatalf("attempted=%d failed=%d fallback=%v", res.TrialsAttempted, res.TrialsFailed, res.UsedFallback)
	}
	if engine.totalCalls() != 12 {
		t.Fatalf("engine calls = %d, want 12", engine.totalCalls())
	}
	for _, s := range Strategies() {
		if got := pre.callsFor(s); got != 1 {
			t.Fatalf("%s preprocessed %d times, want once", s, got)
		}
	}
	if res.Processed == nil || res.Processed.Strategy != StrategyAggressive {
		t.Fatalf("debug image = %+v, want the aggressive image", res.Processed)
	}
}

func TestExtractSingleSuccessfulTrial(t *testing.T) {
	engine := newScriptedEngine(func(_ context.Context, k trialKey, _ int) (*EngineOutput, error) {
		if k == (trialKey{StrategyEnhanced, ModeUniformBlock}) {
			return output("BEGIN READ x END", 90, 90, 90, 90), nil
		}
		return nil, errEngine
	})

	res, err := newTestExtractor(t, engine, newCountingPreprocessor(), 0).Extract(context.Background(), testRaw(t))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.MethodUsed != StrategyEnhanced || res.Mode != ModeUniformBlock {
		t.Fatalf("winner = %s/%s", res.MethodUsed, res.Mode)
	}
	if res.Confidence != 90 || res.TextLength != 16 || res.WordCount != 4 || res.Text != "BEGIN READ x END" {
		t.Fatalf("result = %+v", res)
	}
	if res.UsedFallback || engine.totalCalls() != 12 {
		t.Fatalf("fallback=%v calls=%d", res.UsedFallback, engine.totalCalls())
	}
}

func TestExtractFallbackAcceptsEmptyReading(t *testing.T) {
	engine := newScriptedEngine(func(_ context.Context, k trialKey, call int) (*EngineOutput, error) {
		if k == (trialKey{StrategyStandard, DefaultMode}) && call == 2 {
			return &EngineOutput{}, nil
		}
		return nil, errEngine
	})
	pre := newCountingPreprocessor()

	res, err := newTestExtractor(t, engine, pre, 3).Extract(context.Background(), testRaw(t))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if res.Text != "" || res.Confidence != 0 || res.WordCount != 0 || res.MethodUsed != StrategyStandard {
		t.Fatalf("result = %+v, want empty standard reading", res)
	}
	if !res.UsedFallback || res.Mode != DefaultMode {
		t.Fatalf("fallback=%v mode=%s", res.UsedFallback, res.Mode)
	}
	if engine.totalCalls() != 13 {
		t.Fatalf("engine calls = %d, want 12 trials + 1 retry", engine.totalCalls())
	}
	if pre.callsFor(StrategyStandard) != 1 {
		t.Fatalf("standard preprocessed %d times, want the cached image reused", pre.callsFor(StrategyStandard))
	}
	if res.TrialsAttempted != 13 || res.TrialsFailed != 12 {
		t.Fatalf("attempted=%d failed=%d", res.TrialsAttempted, res.TrialsFailed)
	}
}

func TestExtractFailsAfterExactlyOneRetry(t *testing.T) {
	engine := newScriptedEngine(func(context.Context, trialKey, int) (*EngineOutput, error) {
		return nil, errEngine
	})

	_, err := newTestExtractor(t, engine, newCountingPreprocessor(), 4).Extract(context.Background(), testRaw(t))
	if errors.CodeOf(err) != errors.ErrorExtractionFailed {
		t.Fatalf("err = %v, want EXTRACTION_FAILED", err)
	}
	if engine.totalCalls() != 13 {
		t.Fatalf("engine calls = %d, want 13", engine.totalCalls())
	}
	if engine.callsFor(StrategyStandard, DefaultMode) != 2 {
		t.Fatalf("standard/default called %d times, want 2", engine.callsFor(StrategyStandard, DefaultMode))
	}
	for _, s := range []Strategy{StrategyEnhanced, StrategyAggressive} {
		for _, m := range SegmentationModes() {
			if c := engine.callsFor(s, m); c != 1 {
				t.Fatalf("%s/%s called %d times", s, m, c)
			}
		}
	}

	pe, _ := errors.AsProcessingError(err)
	attempted, _ := pe.Details["strategies_attempted"].([]string)
	if strings.Join(attempted, ",") != "enhanced,aggressive,standard" {
		t.Fatalf("strategies_attempted = %v", pe.Details["strategies_attempted"])
	}
	if hints, _ := pe.Details["remediation"].([]string); len(hints) == 0 {
		t.Fatal("remediation hints missing")
	}
}

func TestExtractFallbackRerunsFailedStandardPreprocessing(t *testing.T) {
	engine := newScriptedEngine(func(_ context.Context, k trialKey, _ int) (*EngineOutput, error) {
		if k.strategy == StrategyStandard {
			return output("END", 20), nil
		}
		return nil, errEngine
	})
	pre := newCountingPreprocessor()
	pre.failFirst[StrategyStandard] = 1

	res, err := newTestExtractor(t, engine, pre, 4).Extract(context.Background(), testRaw(t))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !res.UsedFallback || res.Text != "END" || res.Confidence != 20 {
		t.Fatalf("result = %+v", res)
	}
	if pre.callsFor(StrategyStandard) != 2 {
		t.Fatalf("standard preprocessed %d times, want 2", pre.callsFor(StrategyStandard))
	}
	if res.Processed == nil || res.Processed.Strategy != StrategyStandard {
		t.Fatal("fallback result should carry the standard image")
	}
}

func TestExtractIgnoresCompletionOrder(t *testing.T) {
	// Every trial ties. Earlier slots finish last, so a completion-order
	// merge would pick the wrong one.
	engine := newScriptedEngine(func(_ context.Context, k trialKey, _ int) (*EngineOutput, error) {
		idx := int(k.strategy)*len(SegmentationModes()) + int(k.mode)
		time.Sleep(time.Duration(12-idx) * 3 * time.Millisecond)
		return output("IF x THEN y", 70, 70, 70, 70), nil
	})

	ex := newTestExtractor(t, engine, newCountingPreprocessor(), 12)
	first, err := ex.Extract(context.Background(), testRaw(t))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	second, err := ex.Extract(context.Background(), testRaw(t))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	for _, res := range []*BestResult{first, second} {
		if res.MethodUsed != StrategyEnhanced || res.Mode != ModeUniformBlock {
			t.Fatalf("winner = %s/%s, want enhanced/uniform_block", res.MethodUsed, res.Mode)
		}
	}
	if first.Text != second.Text || first.Confidence != second.Confidence {
		t.Fatalf("results differ: %+v vs %+v", first, second)
	}
}

func TestExtractEnginePanicIsExcluded(t *testing.T) {
	engine := newScriptedEngine(func(_ context.Context, k trialKey, _ int) (*EngineOutput, error) {
		if k.strategy == StrategyEnhanced {
			panic("corrupt image")
		}
		return output("x := 1", 50, 50), nil
	})

	res, err := newTestExtractor(t, engine, newCountingPreprocessor(), 4).Extract(context.Background(), testRaw(t))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.MethodUsed != StrategyAggressive || res.TrialsFailed != 4 {
		t.Fatalf("winner=%s failed=%d", res.MethodUsed, res.TrialsFailed)
	}
}

func TestExtractTimeoutScoresCompletedTrials(t *testing.T) {
	engine := newScriptedEngine(func(ctx context.Context, k trialKey, _ int) (*EngineOutput, error) {
		if k == (trialKey{StrategyStandard, ModeSparseText}) {
			return output("PRINT sum", 66, 66), nil
		}
		select {
		case <-time.After(5 * time.Second):
			return output("too late", 99, 99), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := newTestExtractor(t, engine, newCountingPreprocessor(), 12).Extract(ctx, testRaw(t))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("extraction ignored the deadline: %v", time.Since(start))
	}
	if res.MethodUsed != StrategyStandard || res.Mode != ModeSparseText || res.UsedFallback {
		t.Fatalf("result = %+v", res)
	}
}

func TestExtractTimeoutWithNothingCompletedFallsBack(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	deadline, _ := ctx.Deadline()

	engine := newScriptedEngine(func(trialCtx context.Context, k trialKey, _ int) (*EngineOutput, error) {
		if k == (trialKey{StrategyStandard, DefaultMode}) && time.Now().After(deadline) {
			return output("END", 35), nil
		}
		<-trialCtx.Done()
		return nil, trialCtx.Err()
	})

	res, err := newTestExtractor(t, engine, newCountingPreprocessor(), 12).Extract(ctx, testRaw(t))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !res.UsedFallback || res.MethodUsed != StrategyStandard || res.Text != "END" {
		t.Fatalf("result = %+v", res)
	}
}

func TestExtractRejectsEmptyImage(t *testing.T) {
	engine := newScriptedEngine(func(context.Context, trialKey, int) (*EngineOutput, error) {
		return output("x", 90), nil
	})
	_, err := newTestExtractor(t, engine, newCountingPreprocessor(), 1).Extract(context.Background(), nil)
	if errors.CodeOf(err) != errors.ErrorInvalidImage {
		t.Fatalf("err = %v, want INVALID_IMAGE", err)
	}
	if engine.totalCalls() != 0 {
		t.Fatal("engine must not run for an invalid image")
	}
}

func TestPreprocessedExposesAnyStrategy(t *testing.T) {
	engine := newScriptedEngine(func(context.Context, trialKey, int) (*EngineOutput, error) { return nil, errEngine })
	ex := newTestExtractor(t, engine, newCountingPreprocessor(), 1)

	img, err := ex.Preprocessed(testRaw(t), StrategyAggressive)
	if err != nil {
		t.Fatalf("Preprocessed: %v", err)
	}
	if img.Strategy != StrategyAggressive {
		t.Fatalf("strategy = %s", img.Strategy)
	}
	data, err := img.PNG()
	if err != nil || len(data) == 0 {
		t.Fatalf("PNG: %v (%d bytes)", err, len(data))
	}
}

func TestNewExtractorRequiresEngine(t *testing.T) {
	if _, err := NewExtractor(&ExtractorConfig{}); err == nil {
		t.Fatal("expected error without an engine")
	}
}
