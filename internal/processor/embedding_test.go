package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func embeddingServer(t *testing.T, dims int, reverse bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dims)
			vec[0] = float32(i)
			data[i] = item{Embedding: vec, Index: i}
		}
		if reverse {
			for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
				data[i], data[j] = data[j], data[i]
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data":  data,
			"model": req.Model,
			"usage": map[string]int{"total_tokens": 12},
		})
	}))
}

func TestEmbeddingBatchKeepsInputOrder(t *testing.T) {
	srv := embeddingServer(t, 4, true)
	defer srv.Close()

	client, err := NewEmbeddingClient(EmbeddingConfig{APIURL: srv.URL, APIKey: "test-key", Dimensions: 4})
	if err != nil {
		t.Fatal(err)
	}

	vectors, err := client.GenerateEmbeddingBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GenerateEmbeddingBatch failed: %v", err)
	}
	for i, v := range vectors {
		if v[0] != float32(i) {
			t.Errorf("vector %d out of order: %v", i, v)
		}
	}
}

func TestEmbeddingDimensionMismatch(t *testing.T) {
	srv := embeddingServer(t, 3, false)
	defer srv.Close()

	client, _ := NewEmbeddingClient(EmbeddingConfig{APIURL: srv.URL, APIKey: "test-key", Dimensions: 4})
	if _, err := client.GenerateEmbedding(context.Background(), "hello"); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestEmbeddingRequiresKey(t *testing.T) {
	if _, err := NewEmbeddingClient(EmbeddingConfig{}); err == nil {
		t.Fatal("expected error without API key")
	}
}
