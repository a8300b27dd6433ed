/**
 * Artifact Client for DocAgent Worker
 *
 * Uploads rendered visualizations (reading-order overlay, layout overlay) to
 * the artifact storage API so a run result can link to them.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/adverant/nexus/docagent-worker/internal/logging"
)

// ArtifactClient handles communication with the artifact storage API
type ArtifactClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// ArtifactUploadRequest represents a file upload request
type ArtifactUploadRequest struct {
	FileBuffer    []byte                 // File content
	Filename      string                 // e.g. "<run>-layout.png"
	MimeType      string                 // e.g. image/png
	SourceService string                 // Service creating the artifact
	SourceID      string                 // Run ID
	TTLDays       int                    // Time-to-live in days (0 = 30)
	Metadata      map[string]interface{} // Additional metadata (kind, minConfidence, ...)
}

// ArtifactUploadResponse represents the response from uploading an artifact
type ArtifactUploadResponse struct {
	Success  bool   `json:"success"`
	Artifact struct {
		ID             string `json:"id"`
		Filename       string `json:"filename"`
		FileSize       int64  `json:"file_size"`
		MimeType       string `json:"mime_type"`
		StorageBackend string `json:"storage_backend"`
		DownloadURL    string `json:"download_url"`
		CreatedAt      string `json:"created_at"`
		ExpiresAt      string `json:"expires_at,omitempty"`
	} `json:"artifact,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewArtifactClient creates a new artifact client
func NewArtifactClient(baseURL string) *ArtifactClient {
	return &ArtifactClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.NewLogger("ArtifactClient"),
	}
}

// HealthCheck verifies the artifact API is available
func (c *ArtifactClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("artifact service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("artifact service health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// UploadArtifact uploads a file and returns its artifact ID and download URL
func (c *ArtifactClient) UploadArtifact(ctx context.Context, req *ArtifactUploadRequest) (*ArtifactUploadResponse, error) {
	if len(req.FileBuffer) == 0 {
		return nil, fmt.Errorf("file buffer is required: received empty buffer")
	}

	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required: received empty string")
	}

	if req.SourceService == "" {
		req.SourceService = "docagent-worker"
	}

	if req.SourceID == "" {
		return nil, fmt.Errorf("source_id is required: identifies the run creating this artifact")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file part: %w", err)
	}
	if _, err := part.Write(req.FileBuffer); err != nil {
		return nil, fmt.Errorf("failed to write file data to form: %w", err)
	}

	ttlDays := req.TTLDays
	if ttlDays <= 0 {
		ttlDays = 30
	}

	fields := map[string]string{
		"source_service": req.SourceService,
		"source_id":      req.SourceID,
		"ttl_days":       fmt.Sprintf("%d", ttlDays),
	}
	if req.MimeType != "" {
		fields["mime_type"] = req.MimeType
	}
	if len(req.Metadata) > 0 {
		metadataJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata to JSON: %w", err)
		}
		fields["metadata"] = string(metadataJSON)
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write %s field: %w", k, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/files/upload", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("X-Source", req.SourceService)

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to artifact storage failed after %v: %w", time.Since(startTime), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("artifact upload failed with HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result ArtifactUploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse artifact upload response: %w (raw response: %s)", err, string(respBody))
	}

	if !result.Success {
		return nil, fmt.Errorf("artifact upload returned success=false: %s", result.Error)
	}

	if result.Artifact.ID == "" {
		return nil, fmt.Errorf("artifact upload succeeded but returned empty artifact ID")
	}

	c.logger.Info("Artifact uploaded",
		"id", result.Artifact.ID,
		"filename", req.Filename,
		"size", len(req.FileBuffer),
		"url", result.Artifact.DownloadURL,
		"duration", time.Since(startTime))

	return &result, nil
}

// GetArtifactByID retrieves artifact metadata by ID
func (c *ArtifactClient) GetArtifactByID(ctx context.Context, artifactID string) (*ArtifactUploadResponse, error) {
	if artifactID == "" {
		return nil, fmt.Errorf("artifact ID is required")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/files/"+artifactID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create get artifact request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("artifact not found: %s", artifactID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get artifact returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result ArtifactUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse artifact response: %w", err)
	}

	return &result, nil
}
