package processor

import (
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/otiai10/gosseract/v2"
)

func TestCandidateMetrics(t *testing.T) {
	tests := []struct {
		name       string
		c          Candidate
		wantConf   float64
		wantLength int
		wantWords  int
	}{
		{"empty", Candidate{}, 0, 0, 0},
		{
			"mixed confidences",
			Candidate{RawText: "READ x\n\n  PRINT   x", Tokens: []Token{{"READ", 90}, {"x", 0}, {"PRINT", 60}, {"x", 50}}},
			50, 14, 3,
		},
		{
			"counts runes not bytes",
			Candidate{RawText: " Σ ← 0 ", Tokens: []Token{{"Σ", 80}}},
			80, 5, 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.AverageConfidence(); got != tt.wantConf {
				t.Errorf("AverageConfidence = %v, want %v", got, tt.wantConf)
			}
			if got := tt.c.TextLength(); got != tt.wantLength {
				t.Errorf("TextLength = %d, want %d", got, tt.wantLength)
			}
			if got := tt.c.WordCount(); got != tt.wantWords {
				t.Errorf("WordCount = %d, want %d", got, tt.wantWords)
			}
		})
	}
}

func TestEnumOrderAndNames(t *testing.T) {
	strategies := Strategies()
	if len(strategies) != 3 || strategies[0] != StrategyEnhanced || strategies[2] != StrategyStandard {
		t.Fatalf("Strategies() = %v", strategies)
	}

	wantPSM := []gosseract.PageSegMode{
		gosseract.PSM_SINGLE_BLOCK,
		gosseract.PSM_SPARSE_TEXT,
		gosseract.PSM_SPARSE_TEXT_OSD,
		gosseract.PSM_AUTO,
	}
	for i, m := range SegmentationModes() {
		if m.PageSegMode() != wantPSM[i] {
			t.Errorf("%s maps to PSM %d, want %d", m, m.PageSegMode(), wantPSM[i])
		}
	}
	if DefaultMode.PageSegMode() != gosseract.PSM_AUTO {
		t.Errorf("default mode should be automatic page segmentation")
	}

	for _, s := range strategies {
		parsed, err := ParseStrategy(s.String())
		if err != nil || parsed != s {
			t.Errorf("ParseStrategy(%q) = %v, %v", s.String(), parsed, err)
		}
	}
	if _, err := ParseStrategy("sharpest"); err == nil {
		t.Error("ParseStrategy accepted an unknown name")
	}
	if Strategy(9).Valid() || SegmentationMode(-1).Valid() {
		t.Error("out-of-range enums reported valid")
	}
}

func TestBestResultJSON(t *testing.T) {
	res := BestResult{Text: "x = 1", Confidence: 72.5, WordCount: 3, MethodUsed: StrategyAggressive, Mode: ModeSparseTextOSD}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["method_used"] != "aggressive" || m["mode"] != "sparse_text_osd" {
		t.Fatalf("json = %s", data)
	}
	if _, ok := m["Processed"]; ok {
		t.Fatalf("debug image leaked into json: %s", data)
	}
}

func TestProcessedImageWritePNG(t *testing.T) {
	img := &ProcessedImage{Strategy: StrategyStandard, Image: image.NewGray(image.Rect(0, 0, 3, 2))}
	path := filepath.Join(t.TempDir(), "standard.png")
	if err := img.WritePNG(path); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if format != "png" || cfg.Width != 3 || cfg.Height != 2 {
		t.Fatalf("decoded %s %dx%d", format, cfg.Width, cfg.Height)
	}
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		conf float64
		want ConfidenceBand
	}{
		{100, BandHigh},
		{70, BandHigh},
		{69.99, BandModerate},
		{50, BandModerate},
		{49.9, BandLow},
		{0, BandLow},
	}
	for _, tt := range tests {
		if got := BandFor(tt.conf); got != tt.want {
			t.Errorf("BandFor(%v) = %s, want %s", tt.conf, got, tt.want)
		}
		if BandFor(tt.conf).Message() == "" {
			t.Errorf("empty message for %v", tt.conf)
		}
	}
}
