/**
 * Configuration for DocAgent Worker
 *
 * Loads configuration from environment variables matching .env.docagent
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds worker configuration
type Config struct {
	// Redis / queue configuration
	RedisURL     string
	QueueName    string
	QueueBackend string // "redis" (list based) or "asynq"

	// PostgreSQL configuration (optional, run persistence)
	DatabaseURL string

	// Qdrant vector database configuration (optional, ordered-text index)
	QdrantURL        string
	QdrantCollection string

	// Embeddings
	EmbeddingAPIURL     string
	EmbeddingAPIKey     string
	EmbeddingModel      string
	EmbeddingDimensions int

	// Chat model and vision model (OpenAI compatible)
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	VLMModel   string

	// Service URLs
	ModelServiceURL string // layout detection + reading-order ranking
	ArtifactAPIURL  string // visualization upload

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds

	// Tesseract configuration
	TesseractLanguage string

	// Pipeline defaults
	MinConfidence        float64
	AgentMaxSteps        int
	CropPadding          int
	ContextMaxItems      int
	ValidationRetries    int
	RenderVisualizations bool

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:             getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueName:            getEnvOrDefault("QUEUE_NAME", "docagent:jobs"),
		QueueBackend:         strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", "redis")),
		DatabaseURL:          getEnvOrDefault("DATABASE_URL", ""),
		QdrantURL:            getEnvOrDefault("QDRANT_URL", ""),
		QdrantCollection:     getEnvOrDefault("QDRANT_COLLECTION", "docagent_ordered_text"),
		EmbeddingAPIURL:      getEnvOrDefault("EMBEDDING_API_URL", "https://api.voyageai.com/v1/embeddings"),
		EmbeddingAPIKey:      getEnvOrDefault("EMBEDDING_API_KEY", ""),
		EmbeddingModel:       getEnvOrDefault("EMBEDDING_MODEL", "voyage-3"),
		EmbeddingDimensions:  getEnvAsIntOrDefault("EMBEDDING_DIMENSIONS", 1024),
		LLMBaseURL:           getEnvOrDefault("LLM_BASE_URL", ""),
		LLMAPIKey:            getEnvOrDefault("LLM_API_KEY", ""),
		LLMModel:             getEnvOrDefault("LLM_MODEL", "gpt-4o-mini"),
		VLMModel:             getEnvOrDefault("VLM_MODEL", "gpt-4o"),
		ModelServiceURL:      getEnvOrDefault("MODEL_SERVICE_URL", "http://nexus-docmodels:8095"),
		ArtifactAPIURL:       getEnvOrDefault("ARTIFACT_API_URL", ""),
		WorkerConcurrency:    getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:          getEnvAsInt64OrDefault("MAX_FILE_SIZE", 52428800), // 50MB
		ProcessingTimeout:    getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 300000), // 5 minutes
		TesseractLanguage:    getEnvOrDefault("TESSERACT_LANGUAGE", "eng"),
		MinConfidence:        getEnvAsFloatOrDefault("MIN_CONFIDENCE", 0.5),
		AgentMaxSteps:        getEnvAsIntOrDefault("AGENT_MAX_STEPS", 20),
		CropPadding:          getEnvAsIntOrDefault("CROP_PADDING", 10),
		ContextMaxItems:      getEnvAsIntOrDefault("CONTEXT_MAX_ITEMS", 50),
		ValidationRetries:    getEnvAsIntOrDefault("VALIDATION_RETRIES", 2),
		RenderVisualizations: getEnvAsBoolOrDefault("RENDER_VISUALIZATIONS", false),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid. All problems are reported together.
func (c *Config) Validate() error {
	var problems []string

	if c.RedisURL == "" {
		problems = append(problems, "REDIS_URL is required")
	}

	if c.LLMAPIKey == "" {
		problems = append(problems, "LLM_API_KEY is required")
	}

	if c.ModelServiceURL == "" {
		problems = append(problems, "MODEL_SERVICE_URL is required")
	}

	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		problems = append(problems, fmt.Sprintf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend))
	}

	if c.QdrantURL != "" && c.EmbeddingAPIKey == "" {
		problems = append(problems, "EMBEDDING_API_KEY is required when QDRANT_URL is set")
	}

	if c.EmbeddingDimensions < 1 {
		problems = append(problems, fmt.Sprintf("EMBEDDING_DIMENSIONS must be positive, got %d", c.EmbeddingDimensions))
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		problems = append(problems, fmt.Sprintf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency))
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 1073741824 { // 1KB to 1GB
		problems = append(problems, fmt.Sprintf("MAX_FILE_SIZE must be between 1KB and 1GB, got %d", c.MaxFileSize))
	}

	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		problems = append(problems, fmt.Sprintf("MIN_CONFIDENCE must be within [0,1], got %v", c.MinConfidence))
	}

	if c.AgentMaxSteps < 1 {
		problems = append(problems, fmt.Sprintf("AGENT_MAX_STEPS must be at least 1, got %d", c.AgentMaxSteps))
	}

	if c.CropPadding < 0 {
		problems = append(problems, fmt.Sprintf("CROP_PADDING must not be negative, got %d", c.CropPadding))
	}

	if c.ValidationRetries < 0 {
		problems = append(problems, fmt.Sprintf("VALIDATION_RETRIES must not be negative, got %d", c.ValidationRetries))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return nil
}

// PersistenceEnabled reports whether run results go to PostgreSQL.
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseURL != ""
}

// IndexingEnabled reports whether ordered text goes to Qdrant.
func (c *Config) IndexingEnabled() bool {
	return c.QdrantURL != ""
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
