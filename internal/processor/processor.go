/**
 * Document Processor for DocAgent Worker
 *
 * Runs one page image through the reading-order and region-dispatch pipeline:
 * - Region extraction (OCR text lines)
 * - Reading-order resolution (delegated ranking, no geometric fallback)
 * - Layout classification and region cropping
 * - Question answering by the agent dispatcher over the cropped regions
 * - Optional visualizations, run persistence and ordered-text indexing
 *
 * Every run builds a fresh Session. Failures are returned inside RunResult.
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/docagent-worker/internal/clients"
	"github.com/adverant/nexus/docagent-worker/internal/errors"
	"github.com/adverant/nexus/docagent-worker/internal/logging"
	"github.com/adverant/nexus/docagent-worker/internal/storage"
)

// Run statuses
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusTruncated  = "truncated"
	StatusFailed     = "failed"
)

// Defaults applied when a request leaves a knob unset
const (
	DefaultMinConfidence = 0.5
	DefaultMaxSteps      = 20
)

// DocumentProcessorInterface defines the interface the queue consumers use
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*RunResult, error)
	SearchText(ctx context.Context, req *SearchRequest) ([]*storage.TextSearchResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error
}

// RunStore is the persistence side of a run; *storage.StorageManager satisfies it
type RunStore interface {
	UpdateRunStatus(ctx context.Context, update *storage.RunUpdate) error
	StoreRun(ctx context.Context, rec *storage.RunRecord) (*storage.StoredRun, error)
	SearchText(ctx context.Context, question string, opts storage.SearchOptions) ([]*storage.TextSearchResult, error)
}

// ArtifactUploader stores rendered images; *clients.ArtifactClient satisfies it
type ArtifactUploader interface {
	UploadArtifact(ctx context.Context, req *clients.ArtifactUploadRequest) (*clients.ArtifactUploadResponse, error)
}

// ProcessorConfig holds the pipeline stages and processor settings
type ProcessorConfig struct {
	Extractor  *RegionExtractor
	Resolver   *ReadingOrderResolver
	Classifier *LayoutClassifier
	Cropper    *Cropper
	Agent      QuestionAnswerer // optional: without it questions are rejected
	Visualizer Visualizer       // optional
	Store      RunStore         // optional
	Artifacts  ArtifactUploader // optional, only used with Visualizer

	MaxFileSize          int64
	DefaultMinConfidence float64
	DefaultMaxSteps      int
	HTTPClient           *http.Client
}

// ProcessRequest represents a single page run
type ProcessRequest struct {
	JobID         string
	ImagePath     string
	ImageURL      string
	ImageBuffer   []byte
	Question      string
	MinConfidence *float64
	MaxSteps      int
	Metadata      map[string]interface{}
}

// SearchRequest queries the ordered-text index
type SearchRequest struct {
	JobID     string
	Question  string
	RunID     string
	TopK      int
	Threshold float64
}

// RunResult is the structured outcome of a run. On failure Status is
// "failed", Error carries the code and message, and whatever stages finished
// before the failure are still populated.
type RunResult struct {
	RunID            string                 `json:"runId"`
	Status           string                 `json:"status"`
	OrderedText      []OrderedTextEntry     `json:"orderedText"`
	Layout           []LayoutRegion         `json:"layout"`
	Answer           *AgentAnswer           `json:"answer,omitempty"`
	Artifacts        map[string]string      `json:"artifacts,omitempty"`
	Warnings         []string               `json:"warnings,omitempty"`
	ProcessingTimeMs int64                  `json:"processingTimeMs"`
	Error            map[string]interface{} `json:"error,omitempty"`
}

// DocumentProcessor runs the pipeline
type DocumentProcessor struct {
	config     *ProcessorConfig
	httpClient *http.Client
	logger     *logging.Logger
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Extractor == nil {
		return nil, fmt.Errorf("region extractor is required")
	}

	if cfg.Resolver == nil {
		return nil, fmt.Errorf("reading-order resolver is required")
	}

	if cfg.Classifier == nil {
		return nil, fmt.Errorf("layout classifier is required")
	}

	if cfg.Cropper == nil {
		cfg.Cropper = NewCropper(DefaultCropPadding)
	}

	if cfg.DefaultMinConfidence <= 0 {
		cfg.DefaultMinConfidence = DefaultMinConfidence
	}

	if cfg.DefaultMaxSteps <= 0 {
		cfg.DefaultMaxSteps = DefaultMaxSteps
	}

	return &DocumentProcessor{
		config:     cfg,
		httpClient: cfg.HTTPClient,
		logger:     logging.NewLogger("DocumentProcessor"),
	}, nil
}

// ProcessDocument runs the full pipeline. The returned result is never nil;
// the error is non-nil exactly when result.Status is "failed".
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*RunResult, error) {
	startTime := time.Now()

	runID := req.JobID
	if runID == "" {
		runID = uuid.New().String()
	}

	result := &RunResult{
		RunID:       runID,
		Status:      StatusProcessing,
		OrderedText: []OrderedTextEntry{},
		Layout:      []LayoutRegion{},
	}

	log := p.logger.With("jobId", runID)
	log.Info("Starting document pipeline", "question", req.Question != "")

	session, err := p.buildSession(ctx, runID, req, result, log)
	if err != nil {
		return p.fail(ctx, result, startTime, err)
	}

	// Step 5: answer the question
	if req.Question != "" {
		if p.config.Agent == nil {
			return p.fail(ctx, result, startTime,
				errors.NewDelegateUnavailableError("agent dispatcher", fmt.Errorf("no question answerer configured")))
		}

		maxSteps := req.MaxSteps
		if maxSteps <= 0 {
			maxSteps = p.config.DefaultMaxSteps
		}

		log.Info("Step 5: Dispatching question to agent", "maxSteps", maxSteps)
		answer, err := p.config.Agent.Answer(ctx, session, req.Question, AgentOptions{MaxSteps: maxSteps})
		if err != nil {
			return p.fail(ctx, result, startTime, err)
		}
		result.Answer = answer
		log.Info("Agent finished",
			"steps", answer.Steps,
			"toolCalls", len(answer.ToolInvocations),
			"truncated", answer.Truncated)
	}

	// Step 6: render visualizations (optional consumer of the region model)
	minConfidence := p.config.DefaultMinConfidence
	if req.MinConfidence != nil {
		minConfidence = *req.MinConfidence
	}
	if p.config.Visualizer != nil {
		log.Info("Step 6: Rendering visualizations", "minConfidence", minConfidence)
		result.Artifacts = p.renderArtifacts(ctx, session, minConfidence, result)
	}

	result.Status = StatusCompleted
	if result.Answer != nil && result.Answer.Truncated {
		result.Status = StatusTruncated
	}
	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	// Step 7: persist and index
	if p.config.Store != nil {
		log.Info("Step 7: Storing run")
		if _, err := p.config.Store.StoreRun(ctx, p.runRecord(req, result, minConfidence)); err != nil {
			storeErr := errors.NewStorageFailedError(runID, err)
			log.Warn("Run could not be stored", "error", storeErr)
			result.Warnings = append(result.Warnings, storeErr.Error())
		}
	}

	log.Info("Document pipeline complete",
		"status", result.Status,
		"textRegions", len(result.OrderedText),
		"layoutRegions", len(result.Layout),
		"duration", time.Since(startTime))

	return result, nil
}

// buildSession runs steps 1-4 and fills the partial result as stages finish
func (p *DocumentProcessor) buildSession(ctx context.Context, runID string, req *ProcessRequest, result *RunResult, log *logging.Logger) (*Session, error) {
	// Step 1: load and decode the page
	log.Info("Step 1: Loading image")
	data, err := p.loadImage(ctx, req)
	if err != nil {
		return nil, err
	}

	if mime := sniffMimeType(data); mime != "" && !isRasterMime(mime) {
		return nil, errors.NewInputInvalidError("image buffer", fmt.Errorf("unsupported content type %s, expected a raster page image", mime))
	}

	img, format, err := DecodeImage(data)
	if err != nil {
		return nil, errors.NewInputInvalidError("image buffer", err)
	}
	log.Debug("Image decoded", "format", format, "bounds", img.Bounds().String())

	session := &Session{
		RunID:     runID,
		ImageData: data,
		Image:     img,
		Format:    format,
	}

	// Step 2: recognize text regions
	log.Info("Step 2: Extracting text regions")
	regions, err := p.config.Extractor.Extract(ctx, data)
	if err != nil {
		return nil, err
	}
	session.TextRegions = regions

	// Step 3: resolve reading order
	log.Info("Step 3: Resolving reading order", "regions", len(regions))
	reading, err := p.config.Resolver.Resolve(ctx, regions)
	if err != nil {
		return nil, err
	}
	session.Reading = reading
	result.OrderedText = reading.Entries

	// Step 4: classify layout and crop every region
	log.Info("Step 4: Classifying layout")
	catalog, err := p.config.Classifier.Classify(ctx, data)
	if err != nil {
		return nil, err
	}
	if skipped := p.config.Cropper.CropAll(img, catalog); len(skipped) > 0 {
		log.Warn("Some layout regions could not be cropped", "regionIds", skipped)
	}
	session.Layout = catalog
	result.Layout = catalog.Regions()

	log.Info("Session built",
		"textRegions", len(regions),
		"layoutRegions", catalog.Len(),
		"crops", catalog.CropCount())

	return session, nil
}

func (p *DocumentProcessor) fail(ctx context.Context, result *RunResult, startTime time.Time, err error) (*RunResult, error) {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) && errors.CodeOf(err) != errors.ErrorProcessingTimeout {
		err = errors.NewProcessingTimeoutError(result.RunID, time.Since(startTime), err)
	}

	var pe *errors.ProcessingError
	if stderrors.As(err, &pe) && pe.RunID == "" {
		pe.WithRunID(result.RunID)
	}

	result.Status = StatusFailed
	result.Error = errors.ToMap(err)
	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	p.logger.Error("Document pipeline failed",
		"jobId", result.RunID,
		"code", errors.CodeOf(err),
		"error", err)

	return result, err
}

// renderArtifacts draws both overlays and uploads them when an uploader is
// configured. Rendering problems only add warnings.
func (p *DocumentProcessor) renderArtifacts(ctx context.Context, s *Session, minConfidence float64, result *RunResult) map[string]string {
	images := map[string][]byte{}

	if png, err := p.config.Visualizer.RenderTextRegions(s.Image, s.TextRegions, s.Reading.Positions); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("reading-order overlay: %v", err))
	} else {
		images["reading_order"] = png
	}

	if png, err := p.config.Visualizer.RenderLayout(s.Image, s.Layout.Regions(), minConfidence); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("layout overlay: %v", err))
	} else {
		images["layout"] = png
	}

	artifacts := make(map[string]string, len(images))
	for kind, png := range images {
		if p.config.Artifacts == nil {
			artifacts[kind] = fmt.Sprintf("inline:%d bytes", len(png))
			continue
		}
		resp, err := p.config.Artifacts.UploadArtifact(ctx, &clients.ArtifactUploadRequest{
			FileBuffer: png,
			Filename:   fmt.Sprintf("%s-%s.png", s.RunID, kind),
			MimeType:   "image/png",
			SourceID:   s.RunID,
			Metadata: map[string]interface{}{
				"kind":          kind,
				"minConfidence": minConfidence,
			},
		})
		if err != nil {
			p.logger.Warn("Artifact upload failed", "jobId", s.RunID, "kind", kind, "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s upload: %v", kind, err))
			continue
		}
		artifacts[kind] = resp.Artifact.DownloadURL
	}

	return artifacts
}

func (p *DocumentProcessor) runRecord(req *ProcessRequest, result *RunResult, minConfidence float64) *storage.RunRecord {
	ordered := make([]storage.IndexedText, len(result.OrderedText))
	for i, e := range result.OrderedText {
		ordered[i] = storage.IndexedText{
			Position:   e.Position,
			Text:       e.Text,
			Confidence: e.Confidence,
			BBox:       [4]int{e.BBox.X1, e.BBox.Y1, e.BBox.X2, e.BBox.Y2},
		}
	}

	rec := &storage.RunRecord{
		RunID:            result.RunID,
		Status:           result.Status,
		Question:         req.Question,
		MinConfidence:    minConfidence,
		ProcessingTimeMs: result.ProcessingTimeMs,
		OrderedText:      ordered,
		Layout:           result.Layout,
		Artifacts:        result.Artifacts,
	}
	if result.Answer != nil {
		rec.Answer = result.Answer
		rec.Truncated = result.Answer.Truncated
	}
	return rec
}

// SearchText retrieves ordered-text entries of stored runs similar to the question
func (p *DocumentProcessor) SearchText(ctx context.Context, req *SearchRequest) ([]*storage.TextSearchResult, error) {
	if p.config.Store == nil {
		return nil, errors.NewDelegateUnavailableError("run store", fmt.Errorf("storage is not configured"))
	}

	if req.Question == "" {
		return nil, errors.NewInputInvalidError("search request", fmt.Errorf("question is required"))
	}

	results, err := p.config.Store.SearchText(ctx, req.Question, storage.SearchOptions{
		TopK:      req.TopK,
		Threshold: req.Threshold,
		RunID:     req.RunID,
	})
	if err != nil {
		return nil, errors.NewDelegateUnavailableError("ordered-text index", err)
	}

	p.logger.Info("Ordered-text search complete", "jobId", req.JobID, "results", len(results))
	return results, nil
}

// UpdateJobStatus records job status in the run store, if one is configured
func (p *DocumentProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	if p.config.Store == nil {
		return nil
	}

	update := &storage.RunUpdate{
		RunID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
		if msg, ok := metadata["message"].(string); ok && status == StatusFailed {
			update.ErrorMessage = msg
		}
	}

	return p.config.Store.UpdateRunStatus(ctx, update)
}
