/**
 * DocAgent Worker - Main Entry Point
 *
 * Answers questions about single page images.
 *
 * Architecture:
 * - Tesseract text regions, put in reading order by the model service ranker
 * - Layout detection (model service) with padded crops per region
 * - Chat model agent that calls AnalyzeChart/AnalyzeTable on region ids
 * - Optional PostgreSQL run persistence and Qdrant ordered-text index
 * - Redis list or Asynq job consumption
 *
 * Modes:
 * - queue (default): consume jobs until SIGINT/SIGTERM
 * - one-shot: -image page.png [-question "..."] prints the run result as JSON
 * - search: -search "..." queries the ordered-text index of stored runs
 */

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/docagent-worker/internal/agent"
	"github.com/adverant/nexus/docagent-worker/internal/clients"
	"github.com/adverant/nexus/docagent-worker/internal/config"
	"github.com/adverant/nexus/docagent-worker/internal/logging"
	"github.com/adverant/nexus/docagent-worker/internal/processor"
	"github.com/adverant/nexus/docagent-worker/internal/queue"
	"github.com/adverant/nexus/docagent-worker/internal/render"
	"github.com/adverant/nexus/docagent-worker/internal/storage"
)

type options struct {
	image         string
	question      string
	search        string
	runID         string
	minConfidence float64
	maxSteps      int
	topK          int
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	flag.StringVar(&opts.image, "image", "", "page image path or URL for a one-shot run")
	flag.StringVar(&opts.question, "question", "", "question to answer about the page")
	flag.StringVar(&opts.search, "search", "", "search the ordered text of stored runs")
	flag.StringVar(&opts.runID, "run-id", "", "restrict -search to one run")
	flag.Float64Var(&opts.minConfidence, "min-confidence", -1, "layout confidence threshold for rendering (default from MIN_CONFIDENCE)")
	flag.IntVar(&opts.maxSteps, "max-steps", 0, "agent tool round ceiling (default from AGENT_MAX_STEPS)")
	flag.IntVar(&opts.topK, "top-k", storage.DefaultSearchTopK, "number of -search results")
	flag.Parse()

	if err := godotenv.Load(".env.docagent"); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: .env.docagent not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid logging configuration: %v\n", err)
		return 1
	}
	logger := logging.NewLogger("Main")

	logger.Info("DocAgent Worker starting",
		"queueBackend", cfg.QueueBackend,
		"persistence", cfg.PersistenceEnabled(),
		"indexing", cfg.IndexingEnabled(),
		"workers", cfg.WorkerConcurrency)

	proc, storageManager, err := buildProcessor(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize document processor", "error", err)
		return 1
	}
	if storageManager != nil {
		defer func() {
			if err := storageManager.Close(); err != nil {
				logger.Warn("Error closing storage manager", "error", err)
			}
		}()
	}

	switch {
	case opts.search != "":
		return runSearch(proc, cfg, &opts, logger)
	case opts.image != "":
		return runOnce(proc, cfg, &opts, logger)
	default:
		if err := runQueue(proc, cfg, logger); err != nil {
			logger.Error("Queue consumer failed", "error", err)
			return 1
		}
		return 0
	}
}

// buildProcessor wires the pipeline stages from configuration
func buildProcessor(cfg *config.Config, logger *logging.Logger) (*processor.DocumentProcessor, *storage.StorageManager, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	modelService := clients.NewModelServiceClient(cfg.ModelServiceURL)
	if err := modelService.HealthCheck(ctx); err != nil {
		// The service may still be starting; stage calls report DELEGATE_UNAVAILABLE if it stays down
		logger.Warn("Model service health check failed", "url", cfg.ModelServiceURL, "error", err)
	}

	chatLLM, err := clients.NewOpenAIModel(clients.ModelConfig{BaseURL: cfg.LLMBaseURL, APIKey: cfg.LLMAPIKey, Model: cfg.LLMModel})
	if err != nil {
		return nil, nil, fmt.Errorf("chat model: %w", err)
	}
	visionLLM, err := clients.NewOpenAIModel(clients.ModelConfig{BaseURL: cfg.LLMBaseURL, APIKey: cfg.LLMAPIKey, Model: cfg.VLMModel})
	if err != nil {
		return nil, nil, fmt.Errorf("vision model: %w", err)
	}

	dispatcher, err := agent.NewDispatcher(agent.DispatcherConfig{
		Chat:              chatLLM,
		Vision:            clients.NewVisionClient(visionLLM, cfg.VLMModel, 0),
		ContextMaxItems:   cfg.ContextMaxItems,
		ValidationRetries: cfg.ValidationRetries,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("agent dispatcher: %w", err)
	}

	procCfg := &processor.ProcessorConfig{
		Extractor: processor.NewRegionExtractor(
			processor.NewTesseractRecognizer(&processor.TesseractConfig{Language: cfg.TesseractLanguage}),
			cfg.MaxFileSize,
		),
		Resolver:             processor.NewReadingOrderResolver(processor.NewServiceRanker(modelService)),
		Classifier:           processor.NewLayoutClassifier(processor.NewServiceLayoutDetector(modelService)),
		Cropper:              processor.NewCropper(cfg.CropPadding),
		Agent:                dispatcher,
		MaxFileSize:          cfg.MaxFileSize,
		DefaultMinConfidence: cfg.MinConfidence,
		DefaultMaxSteps:      cfg.AgentMaxSteps,
	}

	if cfg.RenderVisualizations {
		procCfg.Visualizer = render.NewRenderer(2)
		if cfg.ArtifactAPIURL != "" {
			procCfg.Artifacts = clients.NewArtifactClient(cfg.ArtifactAPIURL)
		}
	}

	var storageManager *storage.StorageManager
	if cfg.PersistenceEnabled() || cfg.IndexingEnabled() {
		var embedder storage.Embedder
		if cfg.IndexingEnabled() {
			embeddings, err := processor.NewEmbeddingClient(processor.EmbeddingConfig{
				APIURL:     cfg.EmbeddingAPIURL,
				APIKey:     cfg.EmbeddingAPIKey,
				Model:      cfg.EmbeddingModel,
				Dimensions: cfg.EmbeddingDimensions,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("embedding client: %w", err)
			}
			embedder = embeddings
		}

		storageManager, err = storage.NewStorageManager(storage.StorageConfig{
			DatabaseURL:      cfg.DatabaseURL,
			QdrantAddress:    cfg.QdrantURL,
			QdrantCollection: cfg.QdrantCollection,
			Dimensions:       cfg.EmbeddingDimensions,
			Embedder:         embedder,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("storage manager: %w", err)
		}
		procCfg.Store = storageManager
		logger.Info("Storage manager initialized",
			"postgres", storageManager.PersistenceEnabled(),
			"qdrant", storageManager.IndexingEnabled())
	}

	proc, err := processor.NewDocumentProcessor(procCfg)
	if err != nil {
		if storageManager != nil {
			storageManager.Close()
		}
		return nil, nil, err
	}
	return proc, storageManager, nil
}

// runOnce processes one page and prints the result. The exit code is 0 for
// completed and truncated runs, 1 for failed runs.
func runOnce(proc *processor.DocumentProcessor, cfg *config.Config, opts *options, logger *logging.Logger) int {
	ctx, cancel := signalContext(time.Duration(cfg.ProcessingTimeout) * time.Millisecond)
	defer cancel()

	req := &processor.ProcessRequest{
		Question: opts.question,
		MaxSteps: opts.maxSteps,
	}
	if isURL(opts.image) {
		req.ImageURL = opts.image
	} else {
		req.ImagePath = opts.image
	}
	if opts.minConfidence >= 0 {
		req.MinConfidence = &opts.minConfidence
	}

	result, err := proc.ProcessDocument(ctx, req)
	printJSON(result, logger)
	if err != nil {
		return 1
	}
	return 0
}

func runSearch(proc *processor.DocumentProcessor, cfg *config.Config, opts *options, logger *logging.Logger) int {
	ctx, cancel := signalContext(time.Duration(cfg.ProcessingTimeout) * time.Millisecond)
	defer cancel()

	results, err := proc.SearchText(ctx, &processor.SearchRequest{
		Question: opts.search,
		RunID:    opts.runID,
		TopK:     opts.topK,
	})
	if err != nil {
		logger.Error("Search failed", "error", err)
		return 1
	}
	printJSON(results, logger)
	return 0
}

func runQueue(proc *processor.DocumentProcessor, cfg *config.Config, logger *logging.Logger) error {
	var stop func() error

	switch cfg.QueueBackend {
	case "asynq":
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return err
		}
		if err := consumer.Start(context.Background()); err != nil {
			return err
		}
		stop = func() error { return consumer.Stop(context.Background()) }

	default:
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return err
		}
		if err := consumer.Start(); err != nil {
			return err
		}
		stop = consumer.Stop
	}

	logger.Info("DocAgent Worker is ready",
		"queue", cfg.QueueName,
		"backend", cfg.QueueBackend,
		"workers", cfg.WorkerConcurrency,
		"maxSteps", cfg.AgentMaxSteps)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	if err := stop(); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
		return err
	}

	logger.Info("Shutdown complete")
	return nil
}

func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func printJSON(v interface{}, logger *logging.Logger) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Error("Failed to encode output", "error", err)
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
