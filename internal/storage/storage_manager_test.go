package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRunStore struct {
	storeErr error
	stored   []*RunRecord
	updates  []*RunUpdate
}

func (f *fakeRunStore) UpdateRunStatus(ctx context.Context, update *RunUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeRunStore) StoreRun(ctx context.Context, rec *RunRecord) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored = append(f.stored, rec)
	return nil
}

func (f *fakeRunStore) GetRunByID(ctx context.Context, runID string) (map[string]interface{}, error) {
	return map[string]interface{}{"id": runID}, nil
}

func (f *fakeRunStore) Close() error { return nil }

type fakeVectorStore struct {
	upserted    []*VectorPoint
	deleted     []string
	results     []*VectorPoint
	lastFilters map[string]string
	lastLimit   int
	lastMin     float32
}

func (f *fakeVectorStore) UpsertVectors(ctx context.Context, points []*VectorPoint) error {
	f.upserted = append(f.upserted, points...)
	return nil
}

func (f *fakeVectorStore) SearchVectors(ctx context.Context, queryVector []float32, limit int, minScore float32, filters map[string]string) ([]*VectorPoint, error) {
	f.lastFilters = filters
	f.lastLimit = limit
	f.lastMin = minScore
	return f.results, nil
}

func (f *fakeVectorStore) DeleteVectors(ctx context.Context, ids []string) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeVectorStore) Close() error { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fakeEmbedder) GenerateEmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1, 0}
	}
	return out, nil
}

func newTestManager(pg runStore, qd vectorStore) *StorageManager {
	sm, _ := NewStorageManager(StorageConfig{})
	sm.postgres = pg
	sm.qdrant = qd
	sm.embedder = fakeEmbedder{}
	return sm
}

func sampleRecord() *RunRecord {
	return &RunRecord{
		RunID:  "run-1",
		Status: "completed",
		OrderedText: []IndexedText{
			{Position: 0, Text: "Quarterly report", Confidence: 0.97, BBox: [4]int{10, 10, 200, 30}},
			{Position: 1, Text: "Revenue grew", Confidence: 0.91, BBox: [4]int{10, 40, 180, 60}},
		},
	}
}

func TestStoreRunIndexesAndPersists(t *testing.T) {
	pg := &fakeRunStore{}
	qd := &fakeVectorStore{}
	sm := newTestManager(pg, qd)

	stored, err := sm.StoreRun(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("StoreRun failed: %v", err)
	}

	if !stored.Persisted || stored.IndexedEntries != 2 {
		t.Fatalf("unexpected result: %+v", stored)
	}
	if len(qd.upserted) != 2 {
		t.Fatalf("expected 2 upserted points, got %d", len(qd.upserted))
	}
	if got := qd.upserted[1].Metadata["position"]; got != int64(1) {
		t.Errorf("expected position payload 1, got %v", got)
	}
	if got := qd.upserted[0].Metadata["bbox"]; got != "10,10,200,30" {
		t.Errorf("unexpected bbox payload %v", got)
	}
	if len(pg.stored) != 1 || len(pg.stored[0].PointIDs) != 2 {
		t.Fatalf("expected persisted record to carry point IDs")
	}
}

func TestStoreRunRollsBackVectorsOnPersistFailure(t *testing.T) {
	pg := &fakeRunStore{storeErr: errors.New("connection reset")}
	qd := &fakeVectorStore{}
	sm := newTestManager(pg, qd)

	_, err := sm.StoreRun(context.Background(), sampleRecord())
	if err == nil {
		t.Fatal("expected error when persistence fails")
	}

	if len(qd.deleted) != len(qd.upserted) || len(qd.deleted) == 0 {
		t.Fatalf("expected all %d vectors deleted, got %d", len(qd.upserted), len(qd.deleted))
	}
	for i, p := range qd.upserted {
		if qd.deleted[i] != p.ID {
			t.Errorf("deleted id %s does not match upserted id %s", qd.deleted[i], p.ID)
		}
	}
}

func TestStoreRunWithoutStores(t *testing.T) {
	sm := newTestManager(nil, nil)

	stored, err := sm.StoreRun(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("StoreRun failed: %v", err)
	}
	if stored.Persisted || stored.IndexedEntries != 0 {
		t.Errorf("expected nothing written, got %+v", stored)
	}
	if err := sm.UpdateRunStatus(context.Background(), &RunUpdate{RunID: "run-1", Status: "processing"}); err != nil {
		t.Errorf("UpdateRunStatus without postgres should be a no-op, got %v", err)
	}
}

func TestSearchTextAppliesDefaultsAndThreshold(t *testing.T) {
	qd := &fakeVectorStore{
		results: []*VectorPoint{
			{ID: "a", Score: 0.8, Metadata: map[string]interface{}{"run_id": "run-1", "text": "Revenue grew", "position": int64(1), "confidence": 0.91}},
			{ID: "b", Score: 0.1, Metadata: map[string]interface{}{"run_id": "run-1", "text": "noise", "position": int64(7)}},
		},
	}
	sm := newTestManager(nil, qd)

	results, err := sm.SearchText(context.Background(), "how did revenue change?", SearchOptions{RunID: "run-1"})
	if err != nil {
		t.Fatalf("SearchText failed: %v", err)
	}

	if qd.lastLimit != DefaultSearchTopK {
		t.Errorf("expected limit %d, got %d", DefaultSearchTopK, qd.lastLimit)
	}
	if qd.lastMin != float32(DefaultSearchThreshold) {
		t.Errorf("expected threshold %v, got %v", DefaultSearchThreshold, qd.lastMin)
	}
	if qd.lastFilters["run_id"] != "run-1" || qd.lastFilters["chunk_type"] != "ordered_text" {
		t.Errorf("unexpected filters %v", qd.lastFilters)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result above threshold, got %d", len(results))
	}
	if results[0].Position != 1 || results[0].Text != "Revenue grew" {
		t.Errorf("unexpected result %+v", results[0])
	}
}

func TestSearchTextRequiresIndex(t *testing.T) {
	sm := newTestManager(nil, nil)
	if _, err := sm.SearchText(context.Background(), "anything", SearchOptions{}); err == nil {
		t.Fatal("expected error when index is not configured")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"run_id":   "run-1",
		"position": 3,
		"score":    0.5,
		"ok":       true,
		"other":    []int{1},
	}
	out := fromPayload(toPayload(in))

	if out["run_id"] != "run-1" {
		t.Errorf("run_id: got %v", out["run_id"])
	}
	if out["position"] != int64(3) {
		t.Errorf("position: got %v (%T)", out["position"], out["position"])
	}
	if out["score"] != 0.5 || out["ok"] != true {
		t.Errorf("unexpected scalar values %v", out)
	}
	if out["other"] != "[1]" {
		t.Errorf("unknown types should become strings, got %v", out["other"])
	}
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	in := []byte(`{"text":"a\u0000b\u0007c"}`)
	got := string(sanitizeJSONForPostgres(in))
	if strings.Contains(got, `\u0000`) {
		t.Errorf("null escape not removed: %s", got)
	}
	if got != `{"text":"ab c"}` {
		t.Errorf("unexpected sanitized JSON: %s", got)
	}
}

func TestSanitizeConfidence(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-0.2, 0},
		{1.7, 1},
		{0.123456, 0.1235},
		{0.5, 0.5},
	}
	for _, tt := range tests {
		if got := sanitizeConfidence(tt.in); got != tt.want {
			t.Errorf("sanitizeConfidence(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
