/**
 * Tesseract Recognizer - Default text-line detector for the Region Extractor
 *
 * Uses gosseract text-line iteration so every recognized line comes back with
 * its own bounding box and confidence.
 */

package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractRecognizer recognizes text lines using Tesseract
type TesseractRecognizer struct {
	language string
	level    gosseract.PageIteratorLevel
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Language string
	// WordLevel switches from text lines to individual words
	WordLevel bool
}

// NewTesseractRecognizer creates a new Tesseract recognizer
func NewTesseractRecognizer(cfg *TesseractConfig) *TesseractRecognizer {
	lang := "eng"
	level := gosseract.RIL_TEXTLINE
	if cfg != nil {
		if cfg.Language != "" {
			lang = cfg.Language
		}
		if cfg.WordLevel {
			level = gosseract.RIL_WORD
		}
	}
	return &TesseractRecognizer{language: lang, level: level}
}

// Recognize runs Tesseract over the image and returns one region per line
func (t *TesseractRecognizer) Recognize(ctx context.Context, imageData []byte) ([]TextRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(strings.Split(t.language, "+")...); err != nil {
		return nil, fmt.Errorf("failed to set language %q: %w", t.language, err)
	}

	if err := client.SetImageFromBytes(imageData); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(t.level)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	return boxesToRegions(boxes), nil
}

func boxesToRegions(boxes []gosseract.BoundingBox) []TextRegion {
	regions := make([]TextRegion, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" || b.Box.Empty() {
			continue
		}
		regions = append(regions, TextRegion{
			Text:       text,
			Quad:       QuadFromRect(b.Box),
			Confidence: normalizeTesseractConfidence(b.Confidence),
		})
	}
	return regions
}

// Tesseract reports 0-100.
func normalizeTesseractConfidence(c float64) float64 {
	c = c / 100
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
