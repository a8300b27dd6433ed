package processor

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// DefaultCropPadding is the pixel margin added around every layout region
const DefaultCropPadding = 10

// Cropper cuts padded layout regions out of a decoded page
type Cropper struct {
	padding int
}

// NewCropper creates a cropper; negative padding is treated as zero
func NewCropper(padding int) *Cropper {
	return &Cropper{padding: max(padding, 0)}
}

// PaddedRect expands b by padding on every side and clamps it to bounds
func PaddedRect(b BBox, padding int, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(b.X1-padding, b.Y1-padding, b.X2+padding, b.Y2+padding)
	return r.Intersect(bounds)
}

// Crop returns the PNG payload for one region
func (c *Cropper) Crop(img image.Image, region LayoutRegion) (*CroppedRegionPayload, error) {
	rect := PaddedRect(region.BBox, c.padding, img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("region %d %s lies outside image bounds %v", region.ID, region.BBox, img.Bounds())
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)

	encoded, err := EncodePNG(dst)
	if err != nil {
		return nil, fmt.Errorf("region %d: %w", region.ID, err)
	}

	return &CroppedRegionPayload{
		RegionID: region.ID,
		Type:     region.Type,
		BBox:     region.BBox,
		CropRect: BBox{X1: rect.Min.X, Y1: rect.Min.Y, X2: rect.Max.X, Y2: rect.Max.Y},
		Image:    encoded,
	}, nil
}

// CropAll attaches a crop to every region of the catalog. Regions that cannot
// be cropped are returned in skipped; the catalog still lists them.
func (c *Cropper) CropAll(img image.Image, catalog *LayoutCatalog) (skipped []int) {
	for _, region := range catalog.regions {
		payload, err := c.Crop(img, region)
		if err != nil {
			skipped = append(skipped, region.ID)
			continue
		}
		catalog.attachCrop(payload)
	}
	return skipped
}
