/**
 * PostgreSQL Client for DocAgent Worker
 *
 * Persists run status and the structured run result (ordered text, layout
 * catalog without image bytes, agent answer) for later inspection.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// RunUpdate represents a run status update
type RunUpdate struct {
	RunID            string
	Status           string
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// IndexedText is one ordered-text entry as stored and indexed
type IndexedText struct {
	Position   int     `json:"position"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	BBox       [4]int  `json:"bbox"`
}

// RunRecord is the persisted form of a completed run
type RunRecord struct {
	RunID            string
	Status           string
	Question         string
	MinConfidence    float64
	Truncated        bool
	ProcessingTimeMs int64
	OrderedText      []IndexedText
	Layout           interface{} // JSON-serializable layout catalog
	Answer           interface{} // JSON-serializable agent answer, may be nil
	Artifacts        map[string]string
	PointIDs         []string
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS docagent;
	CREATE TABLE IF NOT EXISTS docagent.runs (
		id                 TEXT PRIMARY KEY,
		status             TEXT NOT NULL,
		question           TEXT,
		min_confidence     NUMERIC(5,4),
		truncated          BOOLEAN NOT NULL DEFAULT FALSE,
		processing_time_ms BIGINT,
		ordered_text       JSONB,
		layout             JSONB,
		answer             JSONB,
		artifacts          JSONB,
		point_ids          TEXT[],
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

// sanitizeConfidence clamps to [0,1] and rounds to 4 decimals to fit NUMERIC(5,4)
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &PostgresClient{db: db}
	if err := p.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return p, nil
}

// EnsureSchema creates the runs table when missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpdateRunStatus upserts the status row for a run
func (p *PostgresClient) UpdateRunStatus(ctx context.Context, update *RunUpdate) error {
	if update.RunID == "" {
		return fmt.Errorf("run ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := marshalJSONB(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO docagent.runs (
			id, status, processing_time_ms, error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1, $2, NULLIF($3, 0), NULLIF($4, ''), NULLIF($5, ''), COALESCE($6::jsonb, '{}'::jsonb), NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, docagent.runs.processing_time_ms),
			error_code = COALESCE(EXCLUDED.error_code, docagent.runs.error_code),
			error_message = COALESCE(EXCLUDED.error_message, docagent.runs.error_message),
			metadata = docagent.runs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(ctx, query,
		update.RunID,
		update.Status,
		update.ProcessingTimeMs,
		update.ErrorCode,
		update.ErrorMessage,
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	return nil
}

// StoreRun writes the full run result
func (p *PostgresClient) StoreRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return fmt.Errorf("run record with ID is required")
	}

	orderedJSON, err := marshalJSONB(rec.OrderedText)
	if err != nil {
		return fmt.Errorf("failed to marshal ordered text: %w", err)
	}
	layoutJSON, err := marshalJSONB(rec.Layout)
	if err != nil {
		return fmt.Errorf("failed to marshal layout: %w", err)
	}
	answerJSON, err := marshalJSONB(rec.Answer)
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}
	artifactsJSON, err := marshalJSONB(rec.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	query := `
		INSERT INTO docagent.runs (
			id, status, question, min_confidence, truncated, processing_time_ms,
			ordered_text, layout, answer, artifacts, point_ids, created_at, updated_at
		) VALUES (
			$1, $2, NULLIF($3, ''), $4::NUMERIC(5,4), $5, NULLIF($6, 0),
			$7::jsonb, $8::jsonb, $9::jsonb, $10::jsonb, $11, NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			question = EXCLUDED.question,
			min_confidence = EXCLUDED.min_confidence,
			truncated = EXCLUDED.truncated,
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, docagent.runs.processing_time_ms),
			ordered_text = EXCLUDED.ordered_text,
			layout = EXCLUDED.layout,
			answer = EXCLUDED.answer,
			artifacts = EXCLUDED.artifacts,
			point_ids = EXCLUDED.point_ids,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(ctx, query,
		rec.RunID,
		rec.Status,
		rec.Question,
		sanitizeConfidence(rec.MinConfidence),
		rec.Truncated,
		rec.ProcessingTimeMs,
		string(orderedJSON),
		string(layoutJSON),
		string(answerJSON),
		string(artifactsJSON),
		pq.Array(rec.PointIDs),
	)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}

	return nil
}

// GetRunByID retrieves a run by ID
func (p *PostgresClient) GetRunByID(ctx context.Context, runID string) (map[string]interface{}, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	query := `
		SELECT
			id, status, question, truncated, processing_time_ms,
			ordered_text, layout, answer, artifacts, point_ids,
			error_code, error_message, created_at, updated_at
		FROM docagent.runs
		WHERE id = $1
	`

	var (
		id, status                                   string
		question, errorCode, errorMessage            sql.NullString
		truncated                                    bool
		processingTimeMs                             sql.NullInt64
		orderedJSON, layoutJSON, answerJSON, artJSON []byte
		pointIDs                                     []string
		createdAt, updatedAt                         time.Time
	)

	err := p.db.QueryRowContext(ctx, query, runID).Scan(
		&id, &status, &question, &truncated, &processingTimeMs,
		&orderedJSON, &layoutJSON, &answerJSON, &artJSON, pq.Array(&pointIDs),
		&errorCode, &errorMessage, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	result := map[string]interface{}{
		"id":        id,
		"status":    status,
		"truncated": truncated,
		"pointIds":  pointIDs,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
	}

	if question.Valid {
		result["question"] = question.String
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}

	for key, raw := range map[string][]byte{
		"orderedText": orderedJSON,
		"layout":      layoutJSON,
		"answer":      answerJSON,
		"artifacts":   artJSON,
	} {
		if len(raw) == 0 {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		result[key] = v
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

// marshalJSONB marshals v and strips escapes PostgreSQL JSONB rejects
func marshalJSONB(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return sanitizeJSONForPostgres(data), nil
}
