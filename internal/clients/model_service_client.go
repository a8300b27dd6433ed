/**
 * Model Service Client - Layout detection and reading-order ranking
 *
 * Both pretrained models run behind one internal HTTP service. This client only
 * speaks the wire format; coordinate normalization and result decoding stay in
 * the processor package.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/docagent-worker/internal/logging"
)

// ModelServiceClient handles communication with the model service
type ModelServiceClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// LayoutDetectionRequest represents a request to detect layout regions
type LayoutDetectionRequest struct {
	Image     string                 `json:"image"`  // Base64 encoded image
	Format    string                 `json:"format"` // "base64"
	Threshold float64                `json:"threshold"`
	JobID     string                 `json:"jobId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// LayoutDetectionResponse represents the response from the layout endpoint
type LayoutDetectionResponse struct {
	Success bool                `json:"success"`
	Data    LayoutDetectionData `json:"data"`
	Message string              `json:"message"`
}

// LayoutDetectionData contains the detected boxes
type LayoutDetectionData struct {
	Regions        []DetectedRegion `json:"regions"`
	ModelUsed      string           `json:"modelUsed"`
	ProcessingTime int64            `json:"processingTime"` // milliseconds
}

// DetectedRegion is one raw detection
type DetectedRegion struct {
	Label string     `json:"label"`
	BBox  [4]float64 `json:"bbox"` // x1, y1, x2, y2 in pixels
	Score float64    `json:"score"`
}

// RankRequest carries boxes already normalized to the 0-1000 grid
type RankRequest struct {
	Boxes [][4]int `json:"boxes"`
	JobID string   `json:"jobId,omitempty"`
}

// RankResponse represents the response from the ranking endpoint
type RankResponse struct {
	Success bool     `json:"success"`
	Data    RankData `json:"data"`
	Message string   `json:"message"`
}

// RankData holds one rank per input box
type RankData struct {
	Positions      []int  `json:"positions"`
	ModelUsed      string `json:"modelUsed"`
	ProcessingTime int64  `json:"processingTime"`
}

// NewModelServiceClient creates a new model service client
func NewModelServiceClient(baseURL string) *ModelServiceClient {
	return &ModelServiceClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Model inference can take time on CPU
		},
		logger: logging.NewLogger("ModelServiceClient"),
	}
}

// DetectLayout runs the layout detection model
func (c *ModelServiceClient) DetectLayout(ctx context.Context, req *LayoutDetectionRequest) (*LayoutDetectionResponse, error) {
	c.logger.Info("Requesting layout detection",
		"threshold", req.Threshold,
		"imageSize", len(req.Image))

	endpoint := fmt.Sprintf("%s/api/internal/layout/detect", c.baseURL)

	var layoutResp LayoutDetectionResponse
	if err := c.postJSON(ctx, endpoint, "layout", req, &layoutResp); err != nil {
		return nil, err
	}

	if !layoutResp.Success {
		return nil, fmt.Errorf("layout detection failed: %s", layoutResp.Message)
	}

	c.logger.Info("Layout detection complete",
		"modelUsed", layoutResp.Data.ModelUsed,
		"regions", len(layoutResp.Data.Regions),
		"processingTime", layoutResp.Data.ProcessingTime)

	return &layoutResp, nil
}

// DetectLayoutFromBytes is a convenience method that handles base64 encoding.
// Threshold 0 asks the service for every detection.
func (c *ModelServiceClient) DetectLayoutFromBytes(ctx context.Context, imageData []byte) (*LayoutDetectionResponse, error) {
	return c.DetectLayout(ctx, &LayoutDetectionRequest{
		Image:     base64.StdEncoding.EncodeToString(imageData),
		Format:    "base64",
		Threshold: 0,
	})
}

// RankBoxes runs the reading-order model over normalized boxes
func (c *ModelServiceClient) RankBoxes(ctx context.Context, req *RankRequest) (*RankResponse, error) {
	c.logger.Debug("Requesting reading-order ranking", "boxes", len(req.Boxes))

	endpoint := fmt.Sprintf("%s/api/internal/reading-order/rank", c.baseURL)

	var rankResp RankResponse
	if err := c.postJSON(ctx, endpoint, "rank", req, &rankResp); err != nil {
		return nil, err
	}

	if !rankResp.Success {
		return nil, fmt.Errorf("reading-order ranking failed: %s", rankResp.Message)
	}

	c.logger.Debug("Reading-order ranking complete",
		"modelUsed", rankResp.Data.ModelUsed,
		"positions", len(rankResp.Data.Positions),
		"processingTime", rankResp.Data.ProcessingTime)

	return &rankResp, nil
}

// HealthCheck verifies the model service is reachable
func (c *ModelServiceClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("X-Source", "docagent-worker")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("model service health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func (c *ModelServiceClient) postJSON(ctx context.Context, endpoint, kind string, payload, out interface{}) error {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "docagent-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("%s-%d", kind, time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request to model service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model service returned error status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}
