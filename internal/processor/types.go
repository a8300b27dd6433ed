/**
 * Region Types - Shared data model for the reading-order pipeline
 *
 * TextRegion and LayoutRegion come from independent detector passes.
 * TextRegion indices and LayoutRegion IDs are separate numbering spaces
 * and are never reconciled with each other.
 */

package processor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
)

// Point is a pixel coordinate, serialized as [x, y]
type Point struct {
	X int
	Y int
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var xy [2]int
	if err := json.Unmarshal(data, &xy); err != nil {
		return fmt.Errorf("point must be [x, y]: %w", err)
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// Quad is a four point polygon in detector order (usually clockwise from top-left)
type Quad [4]Point

// QuadFromRect builds the rectangular quadrilateral of r
func QuadFromRect(r image.Rectangle) Quad {
	return Quad{
		{X: r.Min.X, Y: r.Min.Y},
		{X: r.Max.X, Y: r.Min.Y},
		{X: r.Max.X, Y: r.Max.Y},
		{X: r.Min.X, Y: r.Max.Y},
	}
}

// BBox returns the axis-aligned bounding box of the four points
func (q Quad) BBox() BBox {
	b := BBox{X1: q[0].X, Y1: q[0].Y, X2: q[0].X, Y2: q[0].Y}
	for _, p := range q[1:] {
		b.X1 = min(b.X1, p.X)
		b.Y1 = min(b.Y1, p.Y)
		b.X2 = max(b.X2, p.X)
		b.Y2 = max(b.Y2, p.Y)
	}
	return b
}

// BBox is an axis-aligned rectangle, serialized as [x1, y1, x2, y2]
type BBox struct {
	X1 int
	Y1 int
	X2 int
	Y2 int
}

func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X1, b.Y1, b.X2, b.Y2})
}

func (b *BBox) UnmarshalJSON(data []byte) error {
	var v [4]int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("bbox must be [x1, y1, x2, y2]: %w", err)
	}
	b.X1, b.Y1, b.X2, b.Y2 = v[0], v[1], v[2], v[3]
	return nil
}

func (b BBox) Width() int  { return b.X2 - b.X1 }
func (b BBox) Height() int { return b.Y2 - b.Y1 }

// Rect converts to an image.Rectangle (canonicalized)
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

func (b BBox) String() string {
	return fmt.Sprintf("[%d,%d,%d,%d]", b.X1, b.Y1, b.X2, b.Y2)
}

// TextRegion is one recognized text span. Immutable once created.
type TextRegion struct {
	Text       string  `json:"text"`
	Quad       Quad    `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// BBox returns the axis-aligned box around the region's quadrilateral
func (r TextRegion) BBox() BBox {
	return r.Quad.BBox()
}

// OrderedTextEntry is one line of the linearized document text
type OrderedTextEntry struct {
	Position   int     `json:"position"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// LayoutRegion is a typed block from the layout detector
type LayoutRegion struct {
	ID         int     `json:"region_id"`
	Type       string  `json:"region_type"`
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// CroppedRegionPayload is the padded PNG crop of one LayoutRegion
type CroppedRegionPayload struct {
	RegionID int    `json:"region_id"`
	Type     string `json:"region_type"`
	BBox     BBox   `json:"bbox"`
	CropRect BBox   `json:"crop_bbox"`
	Image    []byte `json:"-"`
}

// Base64 returns the standard base64 encoding of the PNG bytes
func (p *CroppedRegionPayload) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Image)
}

// DataURL returns the crop as an embeddable data URL
func (p *CroppedRegionPayload) DataURL() string {
	return "data:image/png;base64," + p.Base64()
}
