package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/adverant/nexus/docagent-worker/internal/processor"
)

var _ processor.Visualizer = (*Renderer)(nil)

func blankPage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	return img
}

func isWhite(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r == 0xffff && g == 0xffff && b == 0xffff
}

func TestRenderLayoutFiltersAtRenderTime(t *testing.T) {
	page := blankPage(200, 200)
	regions := []processor.LayoutRegion{
		{ID: 0, Type: "table", BBox: processor.BBox{X1: 20, Y1: 40, X2: 120, Y2: 100}, Confidence: 0.9},
		{ID: 1, Type: "chart", BBox: processor.BBox{X1: 20, Y1: 140, X2: 120, Y2: 190}, Confidence: 0.3},
	}

	out := decode(t, mustRender(t, func() ([]byte, error) {
		return NewRenderer(2).RenderLayout(page, regions, 0.5)
	}))

	if isWhite(out.At(60, 99)) {
		t.Error("expected the high-confidence table edge to be drawn")
	}
	if !isWhite(out.At(60, 189)) {
		t.Error("low-confidence chart should be filtered out")
	}

	out = decode(t, mustRender(t, func() ([]byte, error) {
		return NewRenderer(2).RenderLayout(page, regions, 0.1)
	}))
	if isWhite(out.At(60, 189)) {
		t.Error("lower threshold should draw the chart")
	}

	if !isWhite(page.At(60, 99)) {
		t.Error("source image must not be modified")
	}
}

func TestRenderTextRegions(t *testing.T) {
	page := blankPage(100, 100)
	regions := []processor.TextRegion{
		{Text: "a", Quad: processor.QuadFromRect(image.Rect(10, 40, 90, 60)), Confidence: 0.9},
	}

	out := decode(t, mustRender(t, func() ([]byte, error) {
		return NewRenderer(1).RenderTextRegions(page, regions, []int{0})
	}))
	if isWhite(out.At(50, 60)) {
		t.Error("expected quad bottom edge to be drawn")
	}

	if _, err := NewRenderer(1).RenderTextRegions(page, regions, []int{0, 1}); err == nil {
		t.Error("expected error for mismatched positions")
	}
}

func TestLayoutLabelAndPalette(t *testing.T) {
	label := LayoutLabel(processor.LayoutRegion{ID: 3, Type: "figure", Confidence: 0.876})
	if label != "3: figure (0.88)" {
		t.Errorf("unexpected label %q", label)
	}
	if ColourFor("unknown") != fallback {
		t.Error("unknown types should use the fallback colour")
	}
	if ColourFor("table") == ColourFor("chart") {
		t.Error("table and chart should be distinguishable")
	}
}

func mustRender(t *testing.T, fn func() ([]byte, error)) []byte {
	t.Helper()
	data, err := fn()
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	return data
}
