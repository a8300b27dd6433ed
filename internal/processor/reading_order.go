/**
 * Reading-Order Resolver
 *
 * Normalizes text-region boxes onto the 0-1000 grid expected by the ranking
 * model, delegates the ranking, and linearizes the regions into ordered text.
 *
 * There is deliberately no geometric fallback: when the ranking delegate is
 * down the run fails with DELEGATE_UNAVAILABLE.
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/adverant/nexus/docagent-worker/internal/errors"
	"github.com/adverant/nexus/docagent-worker/internal/logging"
)

const (
	// GridSize is the coordinate range of normalized boxes
	GridSize = 1000
	// ExtentPadding pads the document extent by 10%
	ExtentPadding = 1.1
)

// NormalizedBox is [left, top, right, bottom] on the 0-GridSize grid
type NormalizedBox [4]int

// Ranker maps normalized boxes to one rank per input index.
// ranks[i] is the reading rank of box i; lower reads first.
type Ranker interface {
	Rank(ctx context.Context, boxes []NormalizedBox) ([]int, error)
}

// Extent is the padded page size used for normalization
type Extent struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ReadingOrder is the resolver output for one image
type ReadingOrder struct {
	// Positions[i] is the reading position of TextRegion i
	Positions []int              `json:"positions"`
	Entries   []OrderedTextEntry `json:"entries"`
	Extent    Extent             `json:"extent"`
}

// ReadingOrderResolver owns normalization and result decoding around a Ranker
type ReadingOrderResolver struct {
	ranker Ranker
	logger *logging.Logger
}

// NewReadingOrderResolver creates a resolver
func NewReadingOrderResolver(ranker Ranker) *ReadingOrderResolver {
	return &ReadingOrderResolver{
		ranker: ranker,
		logger: logging.NewLogger("ReadingOrderResolver"),
	}
}

// ComputeExtent returns max(x2), max(y2) over all regions padded by 10%
func ComputeExtent(regions []TextRegion) Extent {
	var maxX, maxY int
	for _, r := range regions {
		b := r.BBox()
		maxX = max(maxX, b.X2)
		maxY = max(maxY, b.Y2)
	}
	ext := Extent{
		Width:  float64(maxX) * ExtentPadding,
		Height: float64(maxY) * ExtentPadding,
	}
	// A degenerate page (all boxes on the origin) still needs a divisor.
	if ext.Width <= 0 {
		ext.Width = 1
	}
	if ext.Height <= 0 {
		ext.Height = 1
	}
	return ext
}

// NormalizeBoxes maps every region's bbox onto the grid relative to ext
func NormalizeBoxes(regions []TextRegion, ext Extent) []NormalizedBox {
	boxes := make([]NormalizedBox, len(regions))
	for i, r := range regions {
		b := r.BBox()
		boxes[i] = NormalizedBox{
			toGrid(b.X1, ext.Width),
			toGrid(b.Y1, ext.Height),
			toGrid(b.X2, ext.Width),
			toGrid(b.Y2, ext.Height),
		}
	}
	return boxes
}

func toGrid(v int, size float64) int {
	g := int(math.Round(float64(v) / size * GridSize))
	if g < 0 {
		return 0
	}
	if g > GridSize {
		return GridSize
	}
	return g
}

// Resolve assigns a reading position to every region and returns the ordered text
func (r *ReadingOrderResolver) Resolve(ctx context.Context, regions []TextRegion) (*ReadingOrder, error) {
	if len(regions) == 0 {
		return &ReadingOrder{Positions: []int{}, Entries: []OrderedTextEntry{}}, nil
	}

	if r.ranker == nil {
		return nil, errors.NewDelegateUnavailableError("reading-order ranker", fmt.Errorf("no ranker configured"))
	}

	ext := ComputeExtent(regions)
	boxes := NormalizeBoxes(regions, ext)

	start := time.Now()
	ranks, err := r.ranker.Rank(ctx, boxes)
	if err != nil {
		var pe *errors.ProcessingError
		if stderrors.As(err, &pe) {
			return nil, err
		}
		return nil, errors.NewDelegateUnavailableError("reading-order ranker", err)
	}

	positions, err := DecodeRanks(ranks, len(regions))
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Reading order resolved",
		"regions", len(regions),
		"extentWidth", ext.Width,
		"extentHeight", ext.Height,
		"duration", time.Since(start))

	return &ReadingOrder{
		Positions: positions,
		Entries:   BuildOrderedText(regions, positions),
		Extent:    ext,
	}, nil
}

// DecodeRanks turns raw delegate ranks into positions 0..n-1. Equal ranks keep
// the delegate's index order; gaps in the rank set are closed.
func DecodeRanks(ranks []int, n int) ([]int, error) {
	if len(ranks) != n {
		return nil, errors.NewRankingMalformedError(
			fmt.Sprintf("got %d ranks for %d regions", len(ranks), n), n)
	}

	order := make([]int, n)
	for i := range order {
		if ranks[i] < 0 {
			return nil, errors.NewRankingMalformedError(
				fmt.Sprintf("negative rank %d at index %d", ranks[i], i), n)
		}
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool {
		return ranks[order[a]] < ranks[order[b]]
	})

	positions := make([]int, n)
	for pos, idx := range order {
		positions[idx] = pos
	}
	return positions, nil
}

// BuildOrderedText sorts regions by position into the linearized text
func BuildOrderedText(regions []TextRegion, positions []int) []OrderedTextEntry {
	entries := make([]OrderedTextEntry, len(regions))
	for i, region := range regions {
		entries[positions[i]] = OrderedTextEntry{
			Position:   positions[i],
			Text:       region.Text,
			Confidence: region.Confidence,
			BBox:       region.BBox(),
		}
	}
	return entries
}
