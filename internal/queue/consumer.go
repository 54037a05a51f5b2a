/**
 * Asynq Queue Consumer for the AnswerScan Worker
 *
 * Alternative backend for deployments that enqueue submissions as asynq
 * tasks instead of pushing to the plain Redis list.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adverant/nexus/answerscan-worker/internal/errors"
	"github.com/adverant/nexus/answerscan-worker/internal/logging"
	"github.com/adverant/nexus/answerscan-worker/internal/metrics"
	"github.com/adverant/nexus/answerscan-worker/internal/processor"
	"github.com/hibiken/asynq"
)

// TaskTypeExtract is the asynq task type carrying a JobPayload
const TaskTypeExtract = "answerscan:extract"

// Consumer handles job consumption through asynq
type Consumer struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *jobRunner
	config *ConsumerConfig
	logger *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetries        int
	Processor         processor.SubmissionProcessorInterface
	ProcessingTimeout time.Duration
	Logger            *logging.Logger
}

// NewExtractTask builds the task the grading API enqueues
func NewExtractTask(p *JobPayload, queueName string, maxRetries int) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	opts := []asynq.Option{asynq.Queue(queueName), asynq.MaxRetry(maxRetries)}
	if p.JobID != "" {
		opts = append(opts, asynq.TaskID(p.JobID))
	}
	return asynq.NewTask(TaskTypeExtract, data, opts...), nil
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
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("AsynqConsumer")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	c := &Consumer{
		client: asynq.NewClient(redisOpt),
		mux:    asynq.NewServeMux(),
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout, logger),
		config: cfg,
		logger: logger,
	}

	c.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			cfg.QueueName: 10,
			"default":     1,
		},
		// 5s, 10s, 20s ... capped at 60s
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			delay := time.Duration(5*(1<<uint(n))) * time.Second
			if delay > 60*time.Second {
				delay = 60 * time.Second
			}
			return delay
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			c.logger.Warn("Task processing error", "type", task.Type(), "code", errors.CodeOf(err), "error", err)
		}),
		Logger:   zapAsynqLogger{logger},
		LogLevel: asynq.WarnLevel,
	})

	c.mux.HandleFunc(TaskTypeExtract, c.handleExtract)
	return c, nil
}

// Start runs the asynq server in the background
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting asynq consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping asynq consumer")
	c.server.Shutdown()
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}

// Enqueue submits a job; used by tooling and integration tests
func (c *Consumer) Enqueue(ctx context.Context, p *JobPayload) (*asynq.TaskInfo, error) {
	task, err := NewExtractTask(p, c.config.QueueName, c.config.MaxRetries)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// handleExtract processes one task. Failures that cannot change on retry are
// wrapped in asynq.SkipRetry.
func (c *Consumer) handleExtract(ctx context.Context, task *asynq.Task) error {
	var p JobPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if p.JobID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			p.JobID = id
		}
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = c.config.MaxRetries
	}

	c.runner.markProcessing(ctx, &p, retried+1)

	res, err := c.runner.run(ctx, &p)
	if err == nil {
		c.runner.markCompleted(ctx, p.JobID, res)
		if rw := task.ResultWriter(); rw != nil {
			data, _ := json.Marshal(res)
			if _, wErr := rw.Write(data); wErr != nil {
				c.logger.Debug("Could not write task result", "job_id", p.JobID, "error", wErr)
			}
		}
		return nil
	}

	if !errors.IsRetryable(err) || retried >= maxRetry {
		c.runner.markFailed(ctx, p.JobID, err, retried+1)
		if !errors.IsRetryable(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	metrics.JobsTotal.WithLabelValues("retried").Inc()
	return err
}

// zapAsynqLogger routes asynq's internal logs through the worker logger
type zapAsynqLogger struct {
	l *logging.Logger
}

func (z zapAsynqLogger) Debug(args ...interface{}) { z.l.Debug(fmt.Sprint(args...)) }
func (z zapAsynqLogger) Info(args ...interface{})  { z.l.Info(fmt.Sprint(args...)) }
func (z zapAsynqLogger) Warn(args ...interface{})  { z.l.Warn(fmt.Sprint(args...)) }
func (z zapAsynqLogger) Error(args ...interface{}) { z.l.Error(fmt.Sprint(args...)) }
func (z zapAsynqLogger) Fatal(args ...interface{}) { z.l.Error(fmt.Sprint(args...)) }
