/**
 * Vision Client - Region analysis with a vision-language model
 *
 * Sends one cropped region plus an instruction prompt to an OpenAI compatible
 * endpoint through langchaingo and returns the raw completion text.
 */

package clients

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/adverant/nexus/docagent-worker/internal/logging"
)

// ModelConfig configures an OpenAI compatible chat or vision model
type ModelConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// NewOpenAIModel creates a langchaingo model for an OpenAI compatible endpoint
func NewOpenAIModel(cfg ModelConfig) (*openai.LLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	return llm, nil
}

// VisionClient analyzes images with a vision-language model
type VisionClient struct {
	llm       llms.Model
	model     string
	maxTokens int
	logger    *logging.Logger
}

// NewVisionClient wraps a langchaingo model
func NewVisionClient(llm llms.Model, model string, maxTokens int) *VisionClient {
	return &VisionClient{
		llm:       llm,
		model:     model,
		maxTokens: maxTokens,
		logger:    logging.NewLogger("VisionClient"),
	}
}

// AnalyzeImage sends a PNG image and a prompt and returns the model's text
func (c *VisionClient) AnalyzeImage(ctx context.Context, pngData []byte, prompt string) (string, error) {
	if len(pngData) == 0 {
		return "", fmt.Errorf("image is required")
	}

	parts := []llms.ContentPart{
		llms.ImageURLPart("data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData)),
		llms.TextPart(prompt),
	}

	var callOpts []llms.CallOption
	if c.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(c.maxTokens))
	}
	callOpts = append(callOpts, llms.WithTemperature(0))

	start := time.Now()
	completion, err := c.llm.GenerateContent(ctx, []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: parts,
		},
	}, callOpts...)
	if err != nil {
		return "", fmt.Errorf("vision model request failed: %w", err)
	}

	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("vision model returned no choices")
	}

	text := strings.TrimSpace(completion.Choices[0].Content)

	c.logger.Debug("Vision analysis complete",
		"model", c.model,
		"imageSize", len(pngData),
		"responseLength", len(text),
		"duration", time.Since(start))

	return text, nil
}
