/**
 * Layout Classifier for DocAgent
 *
 * Segments a page into typed regions (text, title, table, chart, figure, ...)
 * and keeps every detection, whatever its confidence, in a LayoutCatalog.
 * Thresholds are applied by consumers through LayoutCatalog.Filter so the
 * threshold can change without rerunning detection.
 */

package processor

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/adverant/nexus/docagent-worker/internal/errors"
	"github.com/adverant/nexus/docagent-worker/internal/logging"
)

// Region type labels the agent tools know about
const (
	RegionTypeText   = "text"
	RegionTypeTitle  = "title"
	RegionTypeTable  = "table"
	RegionTypeChart  = "chart"
	RegionTypeFigure = "figure"
)

// LayoutDetection is one raw detector hit
type LayoutDetection struct {
	Label string
	BBox  BBox
	Score float64
}

// LayoutDetector finds typed regions in an encoded image
type LayoutDetector interface {
	Detect(ctx context.Context, imageData []byte) ([]LayoutDetection, error)
}

// LayoutClassifier orders detections and assigns region IDs
type LayoutClassifier struct {
	detector LayoutDetector
	logger   *logging.Logger
}

// NewLayoutClassifier creates a new layout classifier
func NewLayoutClassifier(detector LayoutDetector) *LayoutClassifier {
	return &LayoutClassifier{
		detector: detector,
		logger:   logging.NewLogger("LayoutClassifier"),
	}
}

// Classify runs detection and returns the catalog sorted by descending confidence
func (c *LayoutClassifier) Classify(ctx context.Context, imageData []byte) (*LayoutCatalog, error) {
	if c.detector == nil {
		return nil, errors.NewDelegateUnavailableError("layout detector", stderrors.New("no detector configured"))
	}

	start := time.Now()
	detections, err := c.detector.Detect(ctx, imageData)
	if err != nil {
		var pe *errors.ProcessingError
		if stderrors.As(err, &pe) {
			return nil, err
		}
		return nil, errors.NewDelegateUnavailableError("layout detector", err)
	}

	catalog := NewLayoutCatalog(RegionsFromDetections(detections))

	c.logger.Debug("Layout classified",
		"regions", catalog.Len(),
		"duration", time.Since(start))

	return catalog, nil
}

// RegionsFromDetections sorts detections by descending score (stable) and
// numbers them 0..n-1 in that order.
func RegionsFromDetections(detections []LayoutDetection) []LayoutRegion {
	sorted := make([]LayoutDetection, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	regions := make([]LayoutRegion, len(sorted))
	for i, d := range sorted {
		regions[i] = LayoutRegion{
			ID:         i,
			Type:       NormalizeRegionType(d.Label),
			BBox:       d.BBox,
			Confidence: d.Score,
		}
	}
	return regions
}

// NormalizeRegionType lowercases and trims detector labels
func NormalizeRegionType(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "unknown"
	}
	return label
}

// LayoutCatalog is an arena of regions indexed by region ID. It is built once
// per run and is read-only afterwards.
type LayoutCatalog struct {
	regions []LayoutRegion
	crops   []*CroppedRegionPayload
}

// NewLayoutCatalog takes regions whose IDs equal their slice index
func NewLayoutCatalog(regions []LayoutRegion) *LayoutCatalog {
	if regions == nil {
		regions = []LayoutRegion{}
	}
	return &LayoutCatalog{
		regions: regions,
		crops:   make([]*CroppedRegionPayload, len(regions)),
	}
}

// Len returns the number of regions
func (c *LayoutCatalog) Len() int {
	return len(c.regions)
}

// Regions returns a copy of all regions in confidence order
func (c *LayoutCatalog) Regions() []LayoutRegion {
	out := make([]LayoutRegion, len(c.regions))
	copy(out, c.regions)
	return out
}

// Get looks up a region by ID
func (c *LayoutCatalog) Get(id int) (LayoutRegion, bool) {
	if id < 0 || id >= len(c.regions) {
		return LayoutRegion{}, false
	}
	return c.regions[id], true
}

// IDs returns every valid region ID in ascending order
func (c *LayoutCatalog) IDs() []int {
	ids := make([]int, len(c.regions))
	for i, r := range c.regions {
		ids[i] = r.ID
	}
	sort.Ints(ids)
	return ids
}

// Filter returns the regions at or above minConfidence, in catalog order.
// Lowering the threshold only ever adds regions.
func (c *LayoutCatalog) Filter(minConfidence float64) []LayoutRegion {
	out := make([]LayoutRegion, 0, len(c.regions))
	for _, r := range c.regions {
		if r.Confidence >= minConfidence {
			out = append(out, r)
		}
	}
	return out
}

// Crop returns the cropped payload for a region, if one was attached
func (c *LayoutCatalog) Crop(id int) (*CroppedRegionPayload, bool) {
	if id < 0 || id >= len(c.crops) || c.crops[id] == nil {
		return nil, false
	}
	return c.crops[id], true
}

// CropCount returns how many regions have a crop attached
func (c *LayoutCatalog) CropCount() int {
	n := 0
	for _, p := range c.crops {
		if p != nil {
			n++
		}
	}
	return n
}

// attachCrop is only used while the catalog is being built
func (c *LayoutCatalog) attachCrop(p *CroppedRegionPayload) {
	if p != nil && p.RegionID >= 0 && p.RegionID < len(c.crops) {
		c.crops[p.RegionID] = p
	}
}
