/**
 * Region Extractor
 *
 * Turns a raw page image into recognized text spans in detection order.
 * The recognizer is injected so any OCR engine can sit behind it.
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/adverant/nexus/docagent-worker/internal/errors"
	"github.com/adverant/nexus/docagent-worker/internal/logging"
)

// Recognizer detects and recognizes text in an encoded image
type Recognizer interface {
	Recognize(ctx context.Context, imageData []byte) ([]TextRegion, error)
}

// RegionExtractor validates input and delegates recognition
type RegionExtractor struct {
	recognizer  Recognizer
	maxFileSize int64
	logger      *logging.Logger
}

// NewRegionExtractor creates an extractor. maxFileSize <= 0 disables the size check.
func NewRegionExtractor(recognizer Recognizer, maxFileSize int64) *RegionExtractor {
	return &RegionExtractor{
		recognizer:  recognizer,
		maxFileSize: maxFileSize,
		logger:      logging.NewLogger("RegionExtractor"),
	}
}

// ExtractFromFile reads the image at path and extracts its text regions
func (e *RegionExtractor) ExtractFromFile(ctx context.Context, path string) ([]TextRegion, error) {
	data, err := ReadImageFile(path, e.maxFileSize)
	if err != nil {
		return nil, err
	}
	return e.Extract(ctx, data)
}

// Extract returns text regions in detection order. Unreadable images yield an
// INPUT_INVALID error; recognizer failures yield DELEGATE_UNAVAILABLE.
func (e *RegionExtractor) Extract(ctx context.Context, imageData []byte) ([]TextRegion, error) {
	if e.maxFileSize > 0 && int64(len(imageData)) > e.maxFileSize {
		return nil, errors.NewInputInvalidError("image buffer",
			fmt.Errorf("size %d exceeds maximum %d bytes", len(imageData), e.maxFileSize))
	}

	if _, _, err := DecodeImage(imageData); err != nil {
		return nil, errors.NewInputInvalidError("image buffer", err)
	}

	if e.recognizer == nil {
		return nil, errors.NewDelegateUnavailableError("ocr engine", fmt.Errorf("no recognizer configured"))
	}

	start := time.Now()
	regions, err := e.recognizer.Recognize(ctx, imageData)
	if err != nil {
		var pe *errors.ProcessingError
		if stderrors.As(err, &pe) {
			return nil, err
		}
		return nil, errors.NewDelegateUnavailableError("ocr engine", err)
	}

	e.logger.Debug("Text regions extracted",
		"regions", len(regions),
		"duration", time.Since(start))

	return regions, nil
}

// ReadImageFile reads a page image from disk with the same error taxonomy as Extract
func ReadImageFile(path string, maxFileSize int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewInputInvalidError(path, err)
	}
	if info.IsDir() {
		return nil, errors.NewInputInvalidError(path, fmt.Errorf("path is a directory"))
	}
	if maxFileSize > 0 && info.Size() > maxFileSize {
		return nil, errors.NewInputInvalidError(path,
			fmt.Errorf("file size %d exceeds maximum %d bytes", info.Size(), maxFileSize))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewInputInvalidError(path, err)
	}
	return data, nil
}
