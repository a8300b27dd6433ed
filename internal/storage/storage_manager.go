/**
 * Storage Manager for DocAgent Worker
 *
 * Coordinates run persistence (PostgreSQL) and the ordered-text index (Qdrant).
 * Both stores are optional. When both are present a run is written vectors
 * first, and the vectors are deleted again if the relational write fails.
 */

package storage

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/docagent-worker/internal/logging"
)

// Search defaults for ordered-text retrieval
const (
	DefaultSearchTopK      = 3
	DefaultSearchThreshold = 0.25
)

// Embedder produces vectors for texts
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// runStore is the relational side, satisfied by *PostgresClient
type runStore interface {
	UpdateRunStatus(ctx context.Context, update *RunUpdate) error
	StoreRun(ctx context.Context, rec *RunRecord) error
	GetRunByID(ctx context.Context, runID string) (map[string]interface{}, error)
	Close() error
}

// vectorStore is the vector side, satisfied by *QdrantClient
type vectorStore interface {
	UpsertVectors(ctx context.Context, points []*VectorPoint) error
	SearchVectors(ctx context.Context, queryVector []float32, limit int, minScore float32, filters map[string]string) ([]*VectorPoint, error)
	DeleteVectors(ctx context.Context, ids []string) error
	Close() error
}

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres runStore
	qdrant   vectorStore
	embedder Embedder
	logger   *logging.Logger
}

// StorageConfig selects which stores to open. Empty URLs disable a store.
type StorageConfig struct {
	DatabaseURL      string
	QdrantAddress    string
	QdrantCollection string
	Dimensions       int
	Embedder         Embedder
}

// SearchOptions narrows an ordered-text search
type SearchOptions struct {
	TopK      int
	Threshold float64
	RunID     string
}

// TextSearchResult is one retrieved ordered-text entry
type TextSearchResult struct {
	RunID      string  `json:"run_id"`
	Position   int     `json:"position"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Similarity float64 `json:"similarity"`
}

// StoredRun reports what was written for a run
type StoredRun struct {
	RunID          string
	PointIDs       []string
	Persisted      bool
	IndexedEntries int
	StoredAt       time.Time
}

// NewStorageManager opens the configured stores
func NewStorageManager(cfg StorageConfig) (*StorageManager, error) {
	sm := &StorageManager{
		embedder: cfg.Embedder,
		logger:   logging.NewLogger("StorageManager"),
	}

	if cfg.DatabaseURL != "" {
		postgres, err := NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
		}
		sm.postgres = postgres
	}

	if cfg.QdrantAddress != "" {
		if cfg.Embedder == nil {
			sm.Close()
			return nil, fmt.Errorf("an embedder is required when Qdrant is configured")
		}
		qdrant, err := NewQdrantClient(cfg.QdrantAddress, cfg.QdrantCollection, cfg.Dimensions)
		if err != nil {
			sm.Close()
			return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
		}
		sm.qdrant = qdrant
	}

	return sm, nil
}

// PersistenceEnabled reports whether runs are written to PostgreSQL
func (sm *StorageManager) PersistenceEnabled() bool {
	return sm.postgres != nil
}

// IndexingEnabled reports whether ordered text is indexed in Qdrant
func (sm *StorageManager) IndexingEnabled() bool {
	return sm.qdrant != nil && sm.embedder != nil
}

// StoreRun indexes the ordered text and persists the run record
func (sm *StorageManager) StoreRun(ctx context.Context, rec *RunRecord) (*StoredRun, error) {
	if rec == nil {
		return nil, fmt.Errorf("run record is required")
	}

	if rec.RunID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	out := &StoredRun{RunID: rec.RunID, StoredAt: time.Now()}

	// Step 1: index ordered text (fails fast before anything relational is written)
	if sm.IndexingEnabled() && len(rec.OrderedText) > 0 {
		ids, err := sm.indexOrderedText(ctx, rec.RunID, rec.OrderedText)
		if err != nil {
			return nil, fmt.Errorf("failed to index ordered text: %w", err)
		}
		out.PointIDs = ids
		out.IndexedEntries = len(ids)
		rec.PointIDs = ids
	}

	// Step 2: persist the run, rolling back vectors on failure
	if sm.postgres != nil {
		if err := sm.postgres.StoreRun(ctx, rec); err != nil {
			if len(out.PointIDs) > 0 {
				if delErr := sm.qdrant.DeleteVectors(ctx, out.PointIDs); delErr != nil {
					sm.logger.Error("Rollback of indexed vectors failed",
						"runId", rec.RunID,
						"points", len(out.PointIDs),
						"error", delErr)
				}
			}
			return nil, fmt.Errorf("failed to persist run: %w", err)
		}
		out.Persisted = true
	}

	sm.logger.Info("Run stored",
		"runId", rec.RunID,
		"persisted", out.Persisted,
		"indexedEntries", out.IndexedEntries)

	return out, nil
}

func (sm *StorageManager) indexOrderedText(ctx context.Context, runID string, entries []IndexedText) ([]string, error) {
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Text
	}

	vectors, err := sm.embedder.GenerateEmbeddingBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed ordered text: %w", err)
	}
	if len(vectors) != len(entries) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d entries", len(vectors), len(entries))
	}

	now := time.Now().Unix()
	points := make([]*VectorPoint, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = uuid.New().String()
		points[i] = &VectorPoint{
			ID:       ids[i],
			Vector:   vectors[i],
			Metadata: entryPayload(runID, e, now),
		}
	}

	if err := sm.qdrant.UpsertVectors(ctx, points); err != nil {
		return nil, err
	}

	return ids, nil
}

func entryPayload(runID string, e IndexedText, timestamp int64) map[string]interface{} {
	return map[string]interface{}{
		"run_id":     runID,
		"chunk_type": "ordered_text",
		"position":   int64(e.Position),
		"text":       e.Text,
		"confidence": e.Confidence,
		"bbox":       fmt.Sprintf("%d,%d,%d,%d", e.BBox[0], e.BBox[1], e.BBox[2], e.BBox[3]),
		"created_at": timestamp,
	}
}

// SearchText embeds the question and returns the closest ordered-text entries
// whose cosine similarity is at least the threshold.
func (sm *StorageManager) SearchText(ctx context.Context, question string, opts SearchOptions) ([]*TextSearchResult, error) {
	if !sm.IndexingEnabled() {
		return nil, fmt.Errorf("ordered-text index is not configured")
	}

	if question == "" {
		return nil, fmt.Errorf("question is required")
	}

	if opts.TopK <= 0 {
		opts.TopK = DefaultSearchTopK
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultSearchThreshold
	}

	vector, err := sm.embedder.GenerateEmbedding(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	filters := map[string]string{"chunk_type": "ordered_text"}
	if opts.RunID != "" {
		filters["run_id"] = opts.RunID
	}

	points, err := sm.qdrant.SearchVectors(ctx, vector, opts.TopK, float32(opts.Threshold), filters)
	if err != nil {
		return nil, fmt.Errorf("failed to search ordered text: %w", err)
	}

	results := make([]*TextSearchResult, 0, len(points))
	for _, p := range points {
		if float64(p.Score) < opts.Threshold {
			continue
		}
		results = append(results, searchResultFromPoint(p))
	}

	return results, nil
}

func searchResultFromPoint(p *VectorPoint) *TextSearchResult {
	r := &TextSearchResult{Similarity: float64(p.Score)}
	if v, ok := p.Metadata["run_id"].(string); ok {
		r.RunID = v
	}
	if v, ok := p.Metadata["text"].(string); ok {
		r.Text = v
	}
	if v, ok := p.Metadata["confidence"].(float64); ok {
		r.Confidence = v
	}
	switch v := p.Metadata["position"].(type) {
	case int64:
		r.Position = int(v)
	case string:
		r.Position, _ = strconv.Atoi(v)
	}
	return r
}

// UpdateRunStatus updates run status in PostgreSQL when persistence is enabled
func (sm *StorageManager) UpdateRunStatus(ctx context.Context, update *RunUpdate) error {
	if sm.postgres == nil {
		return nil
	}
	return sm.postgres.UpdateRunStatus(ctx, update)
}

// GetRunByID retrieves a persisted run
func (sm *StorageManager) GetRunByID(ctx context.Context, runID string) (map[string]interface{}, error) {
	if sm.postgres == nil {
		return nil, fmt.Errorf("run persistence is not configured")
	}
	return sm.postgres.GetRunByID(ctx, runID)
}

// GetStats returns statistics from the configured stores
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"persistence": sm.PersistenceEnabled(),
		"indexing":    sm.IndexingEnabled(),
	}

	if pg, ok := sm.postgres.(*PostgresClient); ok {
		pgStats := pg.GetStats()
		stats["postgres"] = map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		}
	}

	if qd, ok := sm.qdrant.(*QdrantClient); ok {
		qdrantStats, err := qd.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}

	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escapes PostgreSQL JSONB rejects (\u0000)
// and blanks other control-character escapes. OCR output occasionally
// contains both.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
