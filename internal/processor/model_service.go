package processor

import (
	"context"
	"math"

	"github.com/adverant/nexus/docagent-worker/internal/clients"
)

// ServiceLayoutDetector adapts the model service to LayoutDetector
type ServiceLayoutDetector struct {
	client *clients.ModelServiceClient
}

// NewServiceLayoutDetector creates a LayoutDetector backed by the model service
func NewServiceLayoutDetector(client *clients.ModelServiceClient) *ServiceLayoutDetector {
	return &ServiceLayoutDetector{client: client}
}

// Detect asks the service for every detection regardless of score
func (d *ServiceLayoutDetector) Detect(ctx context.Context, imageData []byte) ([]LayoutDetection, error) {
	resp, err := d.client.DetectLayoutFromBytes(ctx, imageData)
	if err != nil {
		return nil, err
	}
	return convertDetectedRegions(resp.Data.Regions), nil
}

func convertDetectedRegions(regions []clients.DetectedRegion) []LayoutDetection {
	out := make([]LayoutDetection, 0, len(regions))
	for _, r := range regions {
		out = append(out, LayoutDetection{
			Label: r.Label,
			BBox: BBox{
				X1: int(math.Round(r.BBox[0])),
				Y1: int(math.Round(r.BBox[1])),
				X2: int(math.Round(r.BBox[2])),
				Y2: int(math.Round(r.BBox[3])),
			},
			Score: r.Score,
		})
	}
	return out
}

// ServiceRanker adapts the model service to Ranker
type ServiceRanker struct {
	client *clients.ModelServiceClient
}

// NewServiceRanker creates a Ranker backed by the model service
func NewServiceRanker(client *clients.ModelServiceClient) *ServiceRanker {
	return &ServiceRanker{client: client}
}

// Rank sends normalized boxes and returns the raw per-index ranks
func (r *ServiceRanker) Rank(ctx context.Context, boxes []NormalizedBox) ([]int, error) {
	req := &clients.RankRequest{Boxes: make([][4]int, len(boxes))}
	for i, b := range boxes {
		req.Boxes[i] = [4]int(b)
	}
	resp, err := r.client.RankBoxes(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Data.Positions, nil
}
