/**
 * Region Renderer
 *
 * Draws the region model over the page: text-region quadrilaterals numbered
 * by reading position, and layout boxes labelled "id: type (conf)". It only
 * reads processor types and never takes part in extraction.
 */

package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/adverant/nexus/docagent-worker/internal/processor"
)

// Palette colours per layout label; unknown labels use fallback
var palette = map[string]color.RGBA{
	processor.RegionTypeText:   {R: 46, G: 134, B: 222, A: 255},
	processor.RegionTypeTitle:  {R: 142, G: 68, B: 173, A: 255},
	processor.RegionTypeTable:  {R: 39, G: 174, B: 96, A: 255},
	processor.RegionTypeChart:  {R: 230, G: 126, B: 34, A: 255},
	processor.RegionTypeFigure: {R: 231, G: 76, B: 60, A: 255},
}

var (
	fallback   = color.RGBA{R: 127, G: 140, B: 141, A: 255}
	textColour = color.RGBA{R: 220, G: 20, B: 60, A: 255}
	labelInk   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Renderer draws overlays; it satisfies processor.Visualizer
type Renderer struct {
	lineWidth int
}

// NewRenderer creates a renderer; lineWidth <= 0 defaults to 2
func NewRenderer(lineWidth int) *Renderer {
	if lineWidth <= 0 {
		lineWidth = 2
	}
	return &Renderer{lineWidth: lineWidth}
}

// ColourFor returns the palette colour of a region type
func ColourFor(regionType string) color.RGBA {
	if c, ok := palette[regionType]; ok {
		return c
	}
	return fallback
}

// RenderTextRegions outlines every text region and labels it with its reading
// position. positions may be nil, in which case detection indices are shown.
func (r *Renderer) RenderTextRegions(img image.Image, regions []processor.TextRegion, positions []int) ([]byte, error) {
	if positions != nil && len(positions) != len(regions) {
		return nil, fmt.Errorf("got %d positions for %d regions", len(positions), len(regions))
	}

	canvas := copyImage(img)
	for i, region := range regions {
		label := i
		if positions != nil {
			label = positions[i]
		}
		r.drawQuad(canvas, region.Quad, textColour)
		b := region.BBox()
		drawLabel(canvas, fmt.Sprintf("%d", label), b.X1, b.Y1, textColour)
	}

	return processor.EncodePNG(canvas)
}

// RenderLayout draws the layout regions whose confidence is at least
// minConfidence. The filter is applied here only; the catalog is untouched.
func (r *Renderer) RenderLayout(img image.Image, regions []processor.LayoutRegion, minConfidence float64) ([]byte, error) {
	canvas := copyImage(img)
	for _, region := range regions {
		if region.Confidence < minConfidence {
			continue
		}
		c := ColourFor(region.Type)
		r.drawRect(canvas, region.BBox.Rect(), c)
		drawLabel(canvas, LayoutLabel(region), region.BBox.X1, region.BBox.Y1, c)
	}

	return processor.EncodePNG(canvas)
}

// LayoutLabel is the caption drawn above a layout box
func LayoutLabel(region processor.LayoutRegion) string {
	return fmt.Sprintf("%d: %s (%.2f)", region.ID, region.Type, region.Confidence)
}

func copyImage(img image.Image) *image.RGBA {
	b := img.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, img, b.Min, draw.Src)
	return canvas
}

func (r *Renderer) drawRect(dst *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Intersect(dst.Bounds())
	if rect.Empty() {
		return
	}
	w := r.lineWidth
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+w),
		image.Rect(rect.Min.X, rect.Max.Y-w, rect.Max.X, rect.Max.Y),
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+w, rect.Max.Y),
		image.Rect(rect.Max.X-w, rect.Min.Y, rect.Max.X, rect.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(rect), src, image.Point{}, draw.Over)
	}
}

func (r *Renderer) drawQuad(dst *image.RGBA, q processor.Quad, c color.RGBA) {
	for i := range q {
		a, b := q[i], q[(i+1)%len(q)]
		r.drawLine(dst, a.X, a.Y, b.X, b.Y, c)
	}
}

// drawLine is Bresenham with a square pen of lineWidth pixels
func (r *Renderer) drawLine(dst *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	errAcc := dx + dy
	bounds := dst.Bounds()

	for {
		for oy := 0; oy < r.lineWidth; oy++ {
			for ox := 0; ox < r.lineWidth; ox++ {
				p := image.Pt(x0+ox, y0+oy)
				if p.In(bounds) {
					dst.SetRGBA(p.X, p.Y, c)
				}
			}
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * errAcc
		if e2 >= dy {
			errAcc += dy
			x0 += sx
		}
		if e2 <= dx {
			errAcc += dx
			y0 += sy
		}
	}
}

// drawLabel writes text on a filled background just above (x, y), or inside
// the box when there is no room above.
func drawLabel(dst *image.RGBA, text string, x, y int, bg color.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	height := face.Metrics().Height.Ceil()

	top := y - height - 2
	if top < dst.Bounds().Min.Y {
		top = y
	}
	box := image.Rect(x, top, x+width+4, top+height+2).Intersect(dst.Bounds())
	draw.Draw(dst, box, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelInk),
		Face: face,
		Dot:  fixed.P(x+2, top+face.Metrics().Ascent.Ceil()+1),
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
