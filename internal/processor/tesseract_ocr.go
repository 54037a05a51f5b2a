/**
 * Tesseract OCR - the recognition engine behind every extraction trial
 *
 * A fresh gosseract client per call keeps trials independent, so the
 * strategy search can run them on parallel workers.
 */

package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// EngineWord is one word as reported by the engine, confidence unvalidated
type EngineWord struct {
	Text       string
	Confidence float64
}

// EngineOutput is the engine's raw reading of one image
type EngineOutput struct {
	Text  string
	Words []EngineWord
}

// Engine recognizes text in a processed image under one segmentation mode
type Engine interface {
	Recognize(ctx context.Context, img *ProcessedImage, mode SegmentationMode) (*EngineOutput, error)
}

// TesseractEngine handles OCR using Tesseract
type TesseractEngine struct {
	tessdataPrefix string
	languages      []string
	clientFactory  func() *gosseract.Client
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	TessdataPrefix string   // empty uses the library default
	Languages      []string // defaults to eng
}

// NewTesseractEngine creates a new Tesseract engine
func NewTesseractEngine(cfg *TesseractConfig) *TesseractEngine {
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	return &TesseractEngine{
		tessdataPrefix: cfg.TessdataPrefix,
		languages:      langs,
		clientFactory:  gosseract.NewClient,
	}
}

// Recognize performs OCR on one processed image
func (t *TesseractEngine) Recognize(ctx context.Context, img *ProcessedImage, mode SegmentationMode) (*EngineOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unsupported segmentation mode %d", int(mode))
	}

	data, err := img.PNG()
	if err != nil {
		return nil, err
	}

	client := t.clientFactory()
	defer client.Close()

	if t.tessdataPrefix != "" {
		if err := client.SetTessdataPrefix(t.tessdataPrefix); err != nil {
			return nil, fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}
	if err := client.SetLanguage(t.languages...); err != nil {
		return nil, fmt.Errorf("failed to set languages %v: %w", t.languages, err)
	}
	if err := client.SetPageSegMode(mode.PageSegMode()); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode %s: %w", mode, err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract word boxes failed: %w", err)
	}

	out := &EngineOutput{Text: text, Words: make([]EngineWord, 0, len(boxes))}
	for _, b := range boxes {
		word := strings.TrimSpace(b.Word)
		if word == "" {
			continue
		}
		out.Words = append(out.Words, EngineWord{Text: word, Confidence: b.Confidence})
	}
	return out, nil
}

// TesseractVersion reports the linked libtesseract version
func TesseractVersion() string {
	return gosseract.Version()
}
