/**
 * Direct Redis Queue Consumer for the AnswerScan Worker
 *
 * Compatible with the grading API's RedisQueue: job IDs are pushed onto a
 * LIST, job bodies live in the <queue>:data hash, and state is tracked in
 * the :processing, :completed and :failed sets.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/adverant/nexus/answerscan-worker/internal/errors"
	"github.com/adverant/nexus/answerscan-worker/internal/logging"
	"github.com/adverant/nexus/answerscan-worker/internal/metrics"
	"github.com/adverant/nexus/answerscan-worker/internal/processor"
	"github.com/redis/go-redis/v9"
)

const defaultMaxRetries = 3

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.SubmissionProcessorInterface
	ProcessingTimeout time.Duration
	Logger            *logging.Logger
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client *redis.Client
	runner *jobRunner
	config *RedisConsumerConfig
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "answerscan:jobs"
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("RedisConsumer")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client: client,
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout, logger),
		config: cfg,
		logger: logger,
		ctx:    consumerCtx,
		cancel: cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting Redis queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return nil
}

// Stop waits for in-flight jobs until ctx expires and closes the client
func (c *RedisConsumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("In-flight jobs did not finish before shutdown deadline")
	}
	return c.client.Close()
}

// Ping checks the Redis connection
func (c *RedisConsumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
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
		}

		if err := c.processNextJob(); err != nil && !stderrors.Is(err, errNoJobs) {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("Worker error", "worker", id, "error", err)
			time.Sleep(time.Second)
		}
	}
}

func (c *RedisConsumer) key(suffix string) string {
	return c.config.QueueName + ":" + suffix
}

// processNextJob blocks up to five seconds for a job and processes it. Jobs
// already taken run to completion even when Stop is called.
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

	// detached so shutdown does not abort a job mid-write
	ctx := context.WithoutCancel(c.ctx)
	id := result[1]

	raw, err := c.client.HGet(ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.moveToFailed(ctx, id, map[string]interface{}{"error": fmt.Sprintf("malformed job: %v", err)})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.ID == "" {
		job.ID = id
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = defaultMaxRetries
	}

	jobID := job.Payload.JobID
	c.runner.markProcessing(ctx, &job.Payload, job.Attempts+1)
	c.client.SAdd(ctx, c.key("processing"), jobID)
	c.publish(ctx, jobID, "processing")

	res, jobErr := c.runner.run(ctx, &job.Payload)
	if jobErr == nil {
		c.runner.markCompleted(ctx, jobID, res)
		resultData, _ := json.Marshal(res)
		pipe := c.client.TxPipeline()
		pipe.SRem(ctx, c.key("processing"), jobID)
		pipe.SAdd(ctx, c.key("completed"), jobID)
		pipe.HSet(ctx, c.key("results"), jobID, resultData)
		if _, err := pipe.Exec(ctx); err != nil {
			c.logger.Error("Could not record completion in Redis", "job_id", jobID, "error", err)
		}
		c.publish(ctx, jobID, "completed")
		return nil
	}

	job.Attempts++
	if shouldRetry(jobErr, job.Attempts, job.MaxRetries) {
		metrics.JobsTotal.WithLabelValues("retried").Inc()
		updated, _ := json.Marshal(job)
		pipe := c.client.TxPipeline()
		pipe.HSet(ctx, c.key("data"), job.ID, updated)
		pipe.SRem(ctx, c.key("processing"), jobID)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to re-queue job %s: %w", jobID, err)
		}
		c.logger.Warn("Job re-queued for retry",
			"job_id", jobID, "attempt", job.Attempts, "max_retries", job.MaxRetries, "code", errors.CodeOf(jobErr))
		c.publish(ctx, jobID, "retrying")
		return nil
	}

	details := c.runner.markFailed(ctx, jobID, jobErr, job.Attempts)
	c.moveToFailed(ctx, jobID, details)
	return nil
}

// shouldRetry re-queues only transient failures that still have attempts left
func shouldRetry(err error, attempts, maxRetries int) bool {
	return errors.IsRetryable(err) && attempts < maxRetries
}

func (c *RedisConsumer) moveToFailed(ctx context.Context, jobID string, details map[string]interface{}) {
	errorData, _ := json.Marshal(details)
	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, c.key("processing"), jobID)
	pipe.SAdd(ctx, c.key("failed"), jobID)
	pipe.HSet(ctx, c.key("errors"), jobID, errorData)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Could not record failure in Redis", "job_id", jobID, "error", err)
	}
	c.publish(ctx, jobID, "failed")
}

// publish emits a job event for the API's WebSocket stream
func (c *RedisConsumer) publish(ctx context.Context, jobID, status string) {
	event, _ := json.Marshal(map[string]interface{}{
		"event":     "job:" + status,
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err := c.client.Publish(ctx, c.key("events"), event).Err(); err != nil {
		c.logger.Debug("Event publish failed", "job_id", jobID, "error", err)
	}
}
