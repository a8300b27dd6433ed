package processor

import (
	"context"
	stderrors "errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/docagent-worker/internal/errors"
)

type stubRecognizer struct {
	regions []TextRegion
	err     error
}

func (s *stubRecognizer) Recognize(ctx context.Context, imageData []byte) ([]TextRegion, error) {
	return s.regions, s.err
}

func TestExtractRejectsUnreadableImage(t *testing.T) {
	e := NewRegionExtractor(&stubRecognizer{}, 0)

	_, err := e.Extract(context.Background(), []byte("not an image"))
	if !errors.IsInputInvalid(err) {
		t.Fatalf("expected INPUT_INVALID, got %v", err)
	}

	_, err = e.Extract(context.Background(), nil)
	if !errors.IsInputInvalid(err) {
		t.Fatalf("expected INPUT_INVALID for empty input, got %v", err)
	}
}

func TestExtractRejectsOversizedImage(t *testing.T) {
	data := testPNG(t, 20, 20)
	e := NewRegionExtractor(&stubRecognizer{}, int64(len(data)-1))

	if _, err := e.Extract(context.Background(), data); !errors.IsInputInvalid(err) {
		t.Fatalf("expected INPUT_INVALID, got %v", err)
	}
}

func TestExtractRecognizerFailure(t *testing.T) {
	e := NewRegionExtractor(&stubRecognizer{err: stderrors.New("tessdata missing")}, 0)

	if _, err := e.Extract(context.Background(), testPNG(t, 20, 20)); !errors.IsDelegateUnavailable(err) {
		t.Fatalf("expected DELEGATE_UNAVAILABLE, got %v", err)
	}
}

func TestExtractKeepsDetectionOrder(t *testing.T) {
	want := []TextRegion{
		rectRegion("second line", 0, 30, 50, 40),
		rectRegion("first line", 0, 0, 50, 10),
	}
	e := NewRegionExtractor(&stubRecognizer{regions: want}, 0)

	got, err := e.Extract(context.Background(), testPNG(t, 60, 60))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(got) != 2 || got[0].Text != "second line" {
		t.Errorf("detection order changed: %+v", got)
	}
}

func TestReadImageFile(t *testing.T) {
	dir := t.TempDir()

	if _, err := ReadImageFile(filepath.Join(dir, "missing.png"), 0); !errors.IsInputInvalid(err) {
		t.Fatalf("expected INPUT_INVALID for missing file, got %v", err)
	}

	if _, err := ReadImageFile(dir, 0); !errors.IsInputInvalid(err) {
		t.Fatalf("expected INPUT_INVALID for directory, got %v", err)
	}

	path := filepath.Join(dir, "page.png")
	if err := os.WriteFile(path, testPNG(t, 10, 10), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadImageFile(path, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ReadImageFile(path, 5); !errors.IsInputInvalid(err) {
		t.Fatalf("expected INPUT_INVALID for oversized file, got %v", err)
	}
}

func TestBoxesToRegions(t *testing.T) {
	boxes := []gosseract.BoundingBox{
		{Box: image.Rect(10, 20, 110, 40), Word: " Invoice total ", Confidence: 91.5},
		{Box: image.Rect(10, 50, 60, 70), Word: "   ", Confidence: 80},
		{Box: image.Rect(10, 80, 60, 100), Word: "x", Confidence: 140},
	}

	regions := boxesToRegions(boxes)
	if len(regions) != 2 {
		t.Fatalf("expected blank line skipped, got %d regions", len(regions))
	}
	if regions[0].Text != "Invoice total" {
		t.Errorf("text not trimmed: %q", regions[0].Text)
	}
	if regions[0].BBox() != (BBox{10, 20, 110, 40}) {
		t.Errorf("unexpected bbox %v", regions[0].BBox())
	}
	if regions[0].Confidence != 0.915 {
		t.Errorf("confidence not scaled: %v", regions[0].Confidence)
	}
	if regions[1].Confidence != 1 {
		t.Errorf("confidence not clamped: %v", regions[1].Confidence)
	}
}
