/**
 * OCR Types - Shared data structures for the extraction pipeline
 *
 * Strategies and segmentation modes are closed enums with a fixed order;
 * that order is the tie-break order of the strategy search.
 */

package processor

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Strategy is one named image preprocessing recipe
type Strategy int

const (
	StrategyEnhanced Strategy = iota
	StrategyAggressive
	StrategyStandard
)

var strategyNames = [...]string{"enhanced", "aggressive", "standard"}

// Strategies returns every strategy in search order
func Strategies() []Strategy {
	return []Strategy{StrategyEnhanced, StrategyAggressive, StrategyStandard}
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// Valid reports whether s is one of the known strategies
func (s Strategy) Valid() bool {
	return s >= 0 && int(s) < len(strategyNames)
}

// MarshalText encodes the strategy by name
func (s Strategy) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

// ParseStrategy resolves a strategy name, case-insensitively
func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

// SegmentationMode tells the recognition engine how text is laid out
type SegmentationMode int

const (
	ModeUniformBlock SegmentationMode = iota
	ModeSparseText
	ModeSparseTextOSD
	ModeAuto
)

// DefaultMode is the engine's own default layout analysis, used by the fallback retry
const DefaultMode = ModeAuto

var modeNames = [...]string{"uniform_block", "sparse_text", "sparse_text_osd", "auto"}

var modePSM = [...]gosseract.PageSegMode{
	gosseract.PSM_SINGLE_BLOCK,
	gosseract.PSM_SPARSE_TEXT,
	gosseract.PSM_SPARSE_TEXT_OSD,
	gosseract.PSM_AUTO,
}

// SegmentationModes returns every mode in search order
func SegmentationModes() []SegmentationMode {
	return []SegmentationMode{ModeUniformBlock, ModeSparseText, ModeSparseTextOSD, ModeAuto}
}

func (m SegmentationMode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// Valid reports whether m is one of the known modes
func (m SegmentationMode) Valid() bool {
	return m >= 0 && int(m) < len(modeNames)
}

// MarshalText encodes the mode by name
func (m SegmentationMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("unknown segmentation mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// PageSegMode maps the mode to tesseract's page segmentation mode
func (m SegmentationMode) PageSegMode() gosseract.PageSegMode {
	if !m.Valid() {
		return gosseract.PSM_AUTO
	}
	return modePSM[m]
}

// Token is one recognized word and its confidence in [0,100]
type Token struct {
	Text       string
	Confidence int
}

// Candidate is the output of one (strategy, mode) recognition attempt
type Candidate struct {
	RawText  string
	Tokens   []Token
	Strategy Strategy
	Mode     SegmentationMode
}

// AverageConfidence is the mean token confidence, 0 when there are no tokens
func (c *Candidate) AverageConfidence() float64 {
	if len(c.Tokens) == 0 {
		return 0
	}
	sum := 0
	for _, t := range c.Tokens {
		sum += t.Confidence
	}
	return float64(sum) / float64(len(c.Tokens))
}

// TextLength counts characters of the raw text after whitespace collapse
func (c *Candidate) TextLength() int {
	return len([]rune(strings.Join(strings.Fields(c.RawText), " ")))
}

// WordCount counts tokens recognized with non-zero confidence
func (c *Candidate) WordCount() int {
	n := 0
	for _, t := range c.Tokens {
		if t.Confidence > 0 {
			n++
		}
	}
	return n
}

// BestResult is the selected transcription; the only value leaving the core
type BestResult struct {
	Text            string           `json:"text"`
	RawText         string           `json:"raw_text"`
	Confidence      float64          `json:"confidence"`
	WordCount       int              `json:"word_count"`
	TextLength      int              `json:"text_length"`
	MethodUsed      Strategy         `json:"method_used"`
	Mode            SegmentationMode `json:"mode"`
	UsedFallback    bool             `json:"used_fallback"`
	TrialsAttempted int              `json:"trials_attempted"`
	TrialsFailed    int              `json:"trials_failed"`

	// Processed is the image the winning trial was recognized from
	Processed *ProcessedImage `json:"-"`
}

// ProcessedImage is a binarized image produced by one strategy
type ProcessedImage struct {
	Strategy Strategy
	Image    *image.Gray
}

// Bounds returns the image bounds
func (p *ProcessedImage) Bounds() image.Rectangle {
	return p.Image.Bounds()
}

// PNG encodes the image for the recognition engine or an operator
func (p *ProcessedImage) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, p.Image); err != nil {
		return nil, fmt.Errorf("failed to encode %s image as PNG: %w", p.Strategy, err)
	}
	return buf.Bytes(), nil
}

// WritePNG writes the image to path for visual inspection
func (p *ProcessedImage) WritePNG(path string) error {
	data, err := p.PNG()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write debug image %s: %w", path, err)
	}
	return nil
}
