/**
 * Queue Consumer for DocAgent Worker
 *
 * Consumes page jobs from Redis through Asynq. process-document runs the
 * pipeline; search-text queries the ordered-text index of earlier runs.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/docagent-worker/internal/logging"
	"github.com/adverant/nexus/docagent-worker/internal/processor"
)

// Consumer handles job consumption from Redis queue
type Consumer struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *runner
	config *ConsumerConfig
	logger *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // milliseconds (default: 300000 = 5 minutes)
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("AsynqConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s ... capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
			Logger: &asynqLogger{logger: logger},
		},
	)

	consumer := &Consumer{
		client: asynq.NewClient(redisOpt),
		server: server,
		mux:    asynq.NewServeMux(),
		runner: newRunner(cfg.Processor, cfg.ProcessingTimeout, "AsynqRunner"),
		config: cfg,
		logger: logger,
	}

	consumer.mux.HandleFunc(TaskProcessDocument, consumer.handleProcessDocument)
	consumer.mux.HandleFunc(TaskSearchText, consumer.handleSearchText)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			c.logger.Error("Queue consumer error", "error", err)
		}
	}()

	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Info("Queue consumer stopped")
	return nil
}

// Enqueue submits a process-document job to this consumer's queue
func (c *Consumer) Enqueue(ctx context.Context, payload *JobPayload) (*asynq.TaskInfo, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return c.client.EnqueueContext(ctx, asynq.NewTask(TaskProcessDocument, data), asynq.Queue(c.config.QueueName))
}

func (c *Consumer) handleProcessDocument(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	result, err := c.runner.process(ctx, &payload)
	if err != nil {
		if permanent(err) {
			return fmt.Errorf("document processing failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("document processing failed: %w", err)
	}

	c.writeResult(task, result)
	return nil
}

func (c *Consumer) handleSearchText(ctx context.Context, task *asynq.Task) error {
	var payload SearchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal search job: %v: %w", err, asynq.SkipRetry)
	}

	result, err := c.runner.search(ctx, &payload)
	if err != nil {
		if permanent(err) {
			return fmt.Errorf("search failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("search failed: %w", err)
	}

	c.writeResult(task, result)
	return nil
}

// writeResult stores the JSON result with the task when result retention is enabled
func (c *Consumer) writeResult(task *asynq.Task, result interface{}) {
	w := task.ResultWriter()
	if w == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("Failed to marshal task result", "taskId", w.TaskID(), "error", err)
		return
	}
	if _, err := w.Write(data); err != nil {
		c.logger.Warn("Failed to write task result", "taskId", w.TaskID(), "error", err)
	}
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"backend":     "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

// asynqLogger routes asynq's internal logging through the worker logger
type asynqLogger struct {
	logger *logging.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
