package processor

import (
	"context"
	"image"
	"math"
	"testing"

	"github.com/adverant/nexus/answerscan-worker/internal/errors"
	"github.com/adverant/nexus/answerscan-worker/internal/logging"
	"github.com/adverant/nexus/answerscan-worker/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type engineFunc func(ctx context.Context, img *ProcessedImage, mode SegmentationMode) (*EngineOutput, error)

func (f engineFunc) Recognize(ctx context.Context, img *ProcessedImage, mode SegmentationMode) (*EngineOutput, error) {
	return f(ctx, img, mode)
}

func grayImage(s Strategy) *ProcessedImage {
	return &ProcessedImage{Strategy: s, Image: image.NewGray(image.Rect(0, 0, 2, 2))}
}

func TestRecognizerClampsConfidences(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewRecognizer(engineFunc(func(context.Context, *ProcessedImage, SegmentationMode) (*EngineOutput, error) {
		return &EngineOutput{
			Text: "IF x THEN y",
			Words: []EngineWord{
				{Text: "IF", Confidence: 130},
				{Text: "x", Confidence: -5},
				{Text: "THEN", Confidence: 87.6},
				{Text: "y", Confidence: math.NaN()},
			},
		}, nil
	}), logging.FromZap(zap.New(core)))

	before := testutil.ToFloat64(metrics.ConfidenceClampedTotal)
	out := r.Recognize(context.Background(), grayImage(StrategyAggressive), ModeSparseText)
	if !out.ok() {
		t.Fatalf("outcome failed: %v", out.err)
	}

	got := make([]int, len(out.candidate.Tokens))
	for i, tok := range out.candidate.Tokens {
		got[i] = tok.Confidence
	}
	want := []int{100, 0, 88, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("confidences = %v, want %v", got, want)
		}
	}
	if len(out.candidate.Tokens) != 4 {
		t.Fatalf("token count changed: %d", len(out.candidate.Tokens))
	}
	if out.candidate.Strategy != StrategyAggressive || out.candidate.Mode != ModeSparseText {
		t.Fatalf("candidate labelled %s/%s", out.candidate.Strategy, out.candidate.Mode)
	}
	if logs.Len() != 3 {
		t.Fatalf("warnings logged = %d, want 3", logs.Len())
	}
	if delta := testutil.ToFloat64(metrics.ConfidenceClampedTotal) - before; delta != 3 {
		t.Fatalf("clamp metric delta = %v, want 3", delta)
	}
}

func TestRecognizerConvertsFailures(t *testing.T) {
	tests := []struct {
		name   string
		engine engineFunc
	}{
		{"error", func(context.Context, *ProcessedImage, SegmentationMode) (*EngineOutput, error) {
			return nil, errEngine
		}},
		{"panic", func(context.Context, *ProcessedImage, SegmentationMode) (*EngineOutput, error) {
			panic("segfault in engine")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewRecognizer(tt.engine, nil).Recognize(context.Background(), grayImage(StrategyEnhanced), ModeAuto)
			if out.ok() || out.candidate != nil {
				t.Fatal("expected failed outcome")
			}
			if errors.CodeOf(out.err) != errors.ErrorRecognitionFailed {
				t.Fatalf("err = %v, want RECOGNITION_FAILED", out.err)
			}
		})
	}
}

func TestRecognizerNilOutputIsEmptyCandidate(t *testing.T) {
	r := NewRecognizer(engineFunc(func(context.Context, *ProcessedImage, SegmentationMode) (*EngineOutput, error) {
		return nil, nil
	}), nil)

	out := r.Recognize(context.Background(), grayImage(StrategyStandard), DefaultMode)
	if !out.ok() {
		t.Fatalf("err = %v", out.err)
	}
	if out.candidate.RawText != "" || len(out.candidate.Tokens) != 0 {
		t.Fatalf("candidate = %+v", out.candidate)
	}
}
