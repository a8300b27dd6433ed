/**
 * Direct Redis Queue Consumer for DocAgent Worker
 *
 * Compatible with the TypeScript RedisQueue implementation: job ids are
 * pushed on a LIST, job bodies live in the "<queue>:data" hash, and status is
 * tracked in sets plus a pub/sub events channel.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/docagent-worker/internal/errors"
	"github.com/adverant/nexus/docagent-worker/internal/logging"
	"github.com/adverant/nexus/docagent-worker/internal/processor"
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue. Payload is decoded
// according to Type.
type RedisJobData struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"maxRetries"`
}

// jobID extracts the payload's jobId, falling back to the queue id
func (j *RedisJobData) jobID() string {
	var ids struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(j.Payload, &ids); err == nil && ids.JobID != "" {
		return ids.JobID
	}
	return j.ID
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client *redis.Client
	runner *runner
	config *RedisConsumerConfig
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // milliseconds (default: 300000 = 5 minutes)
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "docagent:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisConsumer(client, cfg), nil
}

func newRedisConsumer(client *redis.Client, cfg *RedisConsumerConfig) *RedisConsumer {
	consumerCtx, cancel := context.WithCancel(context.Background())
	return &RedisConsumer{
		client: client,
		runner: newRunner(cfg.Processor, cfg.ProcessingTimeout, "RedisRunner"),
		config: cfg,
		logger: logging.NewLogger("RedisConsumer"),
		ctx:    consumerCtx,
		cancel: cancel,
	}
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if !stderrors.Is(err, errNoJobs) && c.ctx.Err() == nil {
					c.logger.Warn("Worker error", "worker", id, "error", err)
					time.Sleep(1 * time.Second)
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	raw, err := c.client.HGet(c.ctx, c.key("data"), result[1]).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}

	c.handleJob(&job)
	return nil
}

// handleJob runs a job and records its outcome, re-queueing transient failures
func (c *RedisConsumer) handleJob(job *RedisJobData) {
	jobID := job.jobID()
	log := c.logger.With("jobId", jobID, "type", job.Type)

	c.markStatus(jobID, processor.StatusProcessing, nil)

	output, err := c.dispatch(job)
	if err == nil {
		status := processor.StatusCompleted
		if res, ok := output.(*processor.RunResult); ok && res.Status == processor.StatusTruncated {
			status = processor.StatusTruncated
		}
		c.markStatus(jobID, status, output)
		log.Info("Job completed", "status", status)
		return
	}

	job.Attempts++
	if !permanent(err) && job.Attempts < job.MaxRetries {
		updated, marshalErr := json.Marshal(job)
		if marshalErr == nil {
			c.client.HSet(c.ctx, c.key("data"), job.ID, updated)
			c.client.LPush(c.ctx, c.config.QueueName, job.ID)
			log.Warn("Job re-queued for retry", "attempt", job.Attempts, "maxRetries", job.MaxRetries, "error", err)
			return
		}
		log.Error("Failed to re-queue job", "error", marshalErr)
	}

	failure := map[string]interface{}{
		"error":    err.Error(),
		"attempts": job.Attempts,
	}
	if res, ok := output.(*processor.RunResult); ok && res != nil && res.Error != nil {
		failure["details"] = res.Error
	}
	c.markStatus(jobID, processor.StatusFailed, failure)
	log.Error("Job failed", "attempts", job.Attempts, "error", err)
}

// dispatch decodes the payload for the job type and runs it
func (c *RedisConsumer) dispatch(job *RedisJobData) (interface{}, error) {
	switch job.Type {
	case TaskSearchText:
		var payload SearchPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, errors.NewInputInvalidError("search payload", err)
		}
		return c.runner.search(c.ctx, &payload)

	case TaskProcessDocument, "":
		var payload JobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, errors.NewInputInvalidError("job payload", err)
		}
		if payload.JobID == "" {
			payload.JobID = job.ID
		}
		return c.runner.process(c.ctx, &payload)

	default:
		return nil, errors.NewInputInvalidError("job type", fmt.Errorf("unknown job type %q", job.Type))
	}
}

// markStatus updates the Redis sets and result hashes and publishes an event.
// Persistent status tracking happens in the runner via the processor.
func (c *RedisConsumer) markStatus(jobID string, status string, payload interface{}) {
	ctx := c.ctx
	switch status {
	case processor.StatusProcessing:
		c.client.SAdd(ctx, c.key("processing"), jobID)

	case processor.StatusCompleted, processor.StatusTruncated:
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("completed"), jobID)
		if payload != nil {
			if data, err := json.Marshal(payload); err == nil {
				c.client.HSet(ctx, c.key("results"), jobID, data)
			}
		}

	case processor.StatusFailed:
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("failed"), jobID)
		if payload != nil {
			if data, err := json.Marshal(payload); err == nil {
				c.client.HSet(ctx, c.key("errors"), jobID, data)
			}
		}
	}

	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(ctx, c.key("events"), eventData)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
