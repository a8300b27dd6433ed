/**
 * Embedding Client for DocAgent
 *
 * Generates embeddings for ordered-text entries and search questions through a
 * VoyageAI compatible /embeddings endpoint. The model and dimension count are
 * configurable so the Qdrant collection can follow whichever model is used.
 */

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/docagent-worker/internal/logging"
)

// maxEmbeddingChars approximates the provider token limit
const maxEmbeddingChars = 16000

// embeddingBatchSize is the provider limit on inputs per request
const embeddingBatchSize = 100

// EmbeddingClient handles embedding generation
type EmbeddingClient struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// EmbeddingConfig configures the embedding endpoint
type EmbeddingConfig struct {
	APIURL     string
	APIKey     string
	Model      string
	Dimensions int
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewEmbeddingClient creates a new embedding client
func NewEmbeddingClient(cfg EmbeddingConfig) (*EmbeddingClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.voyageai.com/v1/embeddings"
	}
	if cfg.Model == "" {
		cfg.Model = "voyage-3"
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1024
	}

	return &EmbeddingClient{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		baseURL:    cfg.APIURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.NewLogger("EmbeddingClient"),
	}, nil
}

// Dimensions returns the vector size this client produces
func (e *EmbeddingClient) Dimensions() int {
	return e.dimensions
}

// GenerateEmbedding embeds a single text
func (e *EmbeddingClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	embeddings, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// GenerateEmbeddingBatch embeds texts in provider-sized batches, keeping input order
func (e *EmbeddingClient) GenerateEmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += embeddingBatchSize {
		end := min(i+embeddingBatchSize, len(texts))
		batch, err := e.embed(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end-1, err)
		}
		all = append(all, batch...)
	}

	return all, nil
}

func (e *EmbeddingClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	truncated := make([]string, len(texts))
	for i, text := range texts {
		if len(text) > maxEmbeddingChars {
			e.logger.Warn("Text too long, truncating", "index", i, "chars", len(text))
			text = text[:maxEmbeddingChars]
		}
		truncated[i] = text
	}

	jsonData, err := json.Marshal(embeddingRequest{Input: truncated, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))

	startTime := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected number of embeddings: got %d, expected %d", len(parsed.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range parsed.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		if len(data.Embedding) != e.dimensions {
			return nil, fmt.Errorf("unexpected embedding dimensions for text %d: got %d, expected %d",
				data.Index, len(data.Embedding), e.dimensions)
		}
		embeddings[data.Index] = data.Embedding
	}
	for i, emb := range embeddings {
		if emb == nil {
			return nil, fmt.Errorf("missing embedding for text %d", i)
		}
	}

	e.logger.Debug("Embeddings generated",
		"model", e.model,
		"texts", len(texts),
		"tokens", parsed.Usage.TotalTokens,
		"duration", time.Since(startTime))

	return embeddings, nil
}
