package config

import (
	"strings"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-test")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MinConfidence != 0.5 {
		t.Errorf("MinConfidence = %v, want 0.5", cfg.MinConfidence)
	}
	if cfg.AgentMaxSteps != 20 {
		t.Errorf("AgentMaxSteps = %d, want 20", cfg.AgentMaxSteps)
	}
	if cfg.CropPadding != 10 {
		t.Errorf("CropPadding = %d, want 10", cfg.CropPadding)
	}
	if cfg.ContextMaxItems != 50 {
		t.Errorf("ContextMaxItems = %d, want 50", cfg.ContextMaxItems)
	}
	if cfg.PersistenceEnabled() || cfg.IndexingEnabled() {
		t.Error("stores should be disabled without URLs")
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("MIN_CONFIDENCE", "1.5")
	t.Setenv("AGENT_MAX_STEPS", "0")
	t.Setenv("QUEUE_BACKEND", "kafka")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"LLM_API_KEY", "MIN_CONFIDENCE", "AGENT_MAX_STEPS", "QUEUE_BACKEND"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestQdrantRequiresEmbeddingKey(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("QDRANT_URL", "localhost:6334")
	t.Setenv("EMBEDDING_API_KEY", "")

	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "EMBEDDING_API_KEY") {
		t.Fatalf("expected EMBEDDING_API_KEY error, got %v", err)
	}
}

func TestInvalidNumbersFallBackToDefaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("CROP_PADDING", "wide")
	t.Setenv("RENDER_VISUALIZATIONS", "yes please")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CropPadding != 10 || cfg.RenderVisualizations {
		t.Errorf("fallbacks not applied: padding=%d render=%v", cfg.CropPadding, cfg.RenderVisualizations)
	}
}
