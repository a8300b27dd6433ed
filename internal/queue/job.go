/**
 * Job payloads and the shared job runner
 *
 * Both queue backends decode the same payloads and hand them to runner, which
 * applies the processing timeout and reports status back to the processor.
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/docagent-worker/internal/errors"
	"github.com/adverant/nexus/docagent-worker/internal/logging"
	"github.com/adverant/nexus/docagent-worker/internal/processor"
	"github.com/adverant/nexus/docagent-worker/internal/storage"
)

// Task types understood by the worker
const (
	TaskProcessDocument = "process-document"
	TaskSearchText      = "search-text"
)

const defaultProcessingTimeout = 300000 * time.Millisecond

// JobPayload is the data of a process-document job
type JobPayload struct {
	JobID         string                 `json:"jobId"`
	ImagePath     string                 `json:"imagePath,omitempty"`
	ImageURL      string                 `json:"imageUrl,omitempty"`
	ImageBuffer   []byte                 `json:"-"` // set by UnmarshalJSON
	Question      string                 `json:"question,omitempty"`
	MinConfidence *float64               `json:"minConfidence,omitempty"`
	MaxSteps      int                    `json:"maxSteps,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts imageBuffer as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		ImageBuffer interface{} `json:"imageBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	buf, err := decodeBuffer(aux.ImageBuffer)
	if err != nil {
		return err
	}
	p.ImageBuffer = buf
	return nil
}

// MarshalJSON writes imageBuffer as base64
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	return json.Marshal(&struct {
		ImageBuffer string `json:"imageBuffer,omitempty"`
		*Alias
	}{
		ImageBuffer: base64.StdEncoding.EncodeToString(p.ImageBuffer),
		Alias:       (*Alias)(&p),
	})
}

func decodeBuffer(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil

	case string:
		decoded, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 imageBuffer: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if bufferType, ok := b["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := b["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(byteVal)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("imageBuffer must be either base64 string or Buffer object, got %T", v)
	}
}

// Request converts the payload into a processor request
func (p *JobPayload) Request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:         p.JobID,
		ImagePath:     p.ImagePath,
		ImageURL:      p.ImageURL,
		ImageBuffer:   p.ImageBuffer,
		Question:      p.Question,
		MinConfidence: p.MinConfidence,
		MaxSteps:      p.MaxSteps,
		Metadata:      p.Metadata,
	}
}

// SearchPayload is the data of a search-text job
type SearchPayload struct {
	JobID     string  `json:"jobId"`
	Question  string  `json:"question"`
	RunID     string  `json:"runId,omitempty"`
	TopK      int     `json:"topK,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// Request converts the payload into a search request
func (p *SearchPayload) Request() *processor.SearchRequest {
	return &processor.SearchRequest{
		JobID:     p.JobID,
		Question:  p.Question,
		RunID:     p.RunID,
		TopK:      p.TopK,
		Threshold: p.Threshold,
	}
}

// SearchResult is what a search-text job reports on completion
type SearchResult struct {
	JobID   string                      `json:"jobId"`
	Results []*storage.TextSearchResult `json:"results"`
}

// runner executes decoded jobs against the processor
type runner struct {
	processor processor.DocumentProcessorInterface
	timeout   time.Duration
	logger    *logging.Logger
}

func newRunner(p processor.DocumentProcessorInterface, timeoutMs int64, component string) *runner {
	timeout := defaultProcessingTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return &runner{processor: p, timeout: timeout, logger: logging.NewLogger(component)}
}

// process runs one process-document job. The returned result is the one to
// publish; it is non-nil whenever the pipeline got far enough to produce one.
func (r *runner) process(ctx context.Context, payload *JobPayload) (*processor.RunResult, error) {
	log := r.logger.With("jobId", payload.JobID)
	startTime := time.Now()

	if err := r.processor.UpdateJobStatus(ctx, payload.JobID, processor.StatusProcessing, nil); err != nil {
		log.Warn("Failed to update status to processing", "error", err)
	}

	log.Info("Processing page", "timeout", r.timeout, "question", payload.Question != "")

	processCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.processor.ProcessDocument(processCtx, payload.Request())
	duration := time.Since(startTime)

	if err != nil {
		errorMap := errors.ToMap(err)
		errorMap["processingTime"] = duration.Milliseconds()

		log.Error("Processing failed", "duration", duration, "code", errors.CodeOf(err), "error", err)
		if updateErr := r.processor.UpdateJobStatus(ctx, payload.JobID, processor.StatusFailed, errorMap); updateErr != nil {
			log.Warn("Failed to update status to failed", "error", updateErr)
		}
		return result, err
	}

	log.Info("Processing completed",
		"status", result.Status,
		"duration", duration,
		"textRegions", len(result.OrderedText),
		"layoutRegions", len(result.Layout))

	if err := r.processor.UpdateJobStatus(ctx, payload.JobID, result.Status, completionMetadata(result, duration)); err != nil {
		log.Warn("Failed to update status to completed", "error", err)
	}

	return result, nil
}

// search runs one search-text job
func (r *runner) search(ctx context.Context, payload *SearchPayload) (*SearchResult, error) {
	searchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results, err := r.processor.SearchText(searchCtx, payload.Request())
	if err != nil {
		r.logger.Error("Search failed", "jobId", payload.JobID, "error", err)
		return nil, err
	}
	return &SearchResult{JobID: payload.JobID, Results: results}, nil
}

func completionMetadata(result *processor.RunResult, duration time.Duration) map[string]interface{} {
	metadata := map[string]interface{}{
		"processingTime": duration.Milliseconds(),
		"textRegions":    len(result.OrderedText),
		"layoutRegions":  len(result.Layout),
	}
	if result.Answer != nil {
		metadata["truncated"] = result.Answer.Truncated
		metadata["toolCalls"] = len(result.Answer.ToolInvocations)
	}
	if len(result.Artifacts) > 0 {
		metadata["artifacts"] = result.Artifacts
	}
	if len(result.Warnings) > 0 {
		metadata["warnings"] = result.Warnings
	}
	return metadata
}

// permanent reports errors that a retry cannot fix
func permanent(err error) bool {
	return errors.IsInputInvalid(err)
}
