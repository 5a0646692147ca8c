package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/linkflow-ai/contentindex/internal/platform/logger"
)

// RedisQueue is a reliable list queue. Dequeued tasks move to a processing
// list and get a lease; a periodic sweep puts back tasks whose lease expired.
type RedisQueue struct {
	client        redis.UniversalClient
	queueKey      string
	processingKey string
	inflightKey   string
	leaseKey      string
	deadLetterKey string
	visTimeout    time.Duration
	pollTimeout   time.Duration
	scheduler     *cron.Cron
	logger        logger.Logger
}

// RedisQueueConfig holds Redis queue configuration
type RedisQueueConfig struct {
	Addr              string
	Password          string
	DB                int
	QueueName         string
	VisibilityTimeout time.Duration
	// SweepSchedule is a cron spec for requeueing expired leases, empty to
	// disable the sweep
	SweepSchedule string
}

// NewRedisQueue connects to Redis and creates the queue
func NewRedisQueue(cfg *RedisQueueConfig, log logger.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisQueueWithClient(client, cfg, log)
}

// NewRedisQueueWithClient creates the queue on an existing client
func NewRedisQueueWithClient(client redis.UniversalClient, cfg *RedisQueueConfig, log logger.Logger) (*RedisQueue, error) {
	queueName := cfg.QueueName
	if queueName == "" {
		queueName = "indexing:tasks"
	}
	visTimeout := cfg.VisibilityTimeout
	if visTimeout == 0 {
		visTimeout = 5 * time.Minute
	}

	q := &RedisQueue{
		client:        client,
		queueKey:      queueName,
		processingKey: queueName + ":processing",
		inflightKey:   queueName + ":inflight",
		leaseKey:      queueName + ":leases",
		deadLetterKey: queueName + ":deadletter",
		visTimeout:    visTimeout,
		pollTimeout:   time.Second,
		logger:        log,
	}

	if cfg.SweepSchedule != "" {
		q.scheduler = cron.New()
		if _, err := q.scheduler.AddFunc(cfg.SweepSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := q.Sweep(ctx)
			if err != nil {
				q.logger.Error("Failed to requeue expired tasks", "queue", q.queueKey, "error", err)
				return
			}
			if n > 0 {
				q.logger.Warn("Requeued expired tasks", "queue", q.queueKey, "count", n)
			}
		}); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
		q.scheduler.Start()
	}

	return q, nil
}

// Enqueue adds a task to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.queueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Dequeue moves the oldest task to the processing list and leases it
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		raw, err := q.client.BLMove(ctx, q.queueKey, q.processingKey, "RIGHT", "LEFT", q.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue task: %w", err)
		}

		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.client.LRem(ctx, q.processingKey, 1, raw)
			q.client.LPush(ctx, q.deadLetterKey, raw)
			q.logger.Error("Dropped undecodable task", "queue", q.queueKey, "error", err)
			continue
		}

		deadline := time.Now().Add(q.visTimeout)
		if _, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.inflightKey, task.ID, raw)
			pipe.ZAdd(ctx, q.leaseKey, redis.Z{Score: float64(deadline.Unix()), Member: task.ID})
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to lease task: %w", err)
		}

		now := time.Now()
		task.StartedAt = &now
		return &task, nil
	}
}

func (q *RedisQueue) inflight(ctx context.Context, taskID string) (string, error) {
	raw, err := q.client.HGet(ctx, q.inflightKey, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s: %w", taskID, ErrUnknownTask)
	}
	return raw, err
}

func (q *RedisQueue) release(ctx context.Context, pipe redis.Pipeliner, taskID, raw string) {
	pipe.LRem(ctx, q.processingKey, 1, raw)
	pipe.HDel(ctx, q.inflightKey, taskID)
	pipe.ZRem(ctx, q.leaseKey, taskID)
}

// Ack acknowledges a task as completed
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	raw, err := q.inflight(ctx, taskID)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		q.release(ctx, pipe, taskID, raw)
		return nil
	})
	return err
}

// Nack requeues a task, or moves it to the dead letter list once its retries
// are exhausted
func (q *RedisQueue) Nack(ctx context.Context, taskID string) error {
	raw, err := q.inflight(ctx, taskID)
	if err != nil {
		return err
	}
	return q.requeue(ctx, taskID, raw)
}

func (q *RedisQueue) requeue(ctx context.Context, taskID, raw string) error {
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return fmt.Errorf("failed to unmarshal task: %w", err)
	}
	task.RetryCount++
	task.StartedAt = nil

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	target := q.queueKey
	if task.MaxRetries > 0 && task.RetryCount > task.MaxRetries {
		target = q.deadLetterKey
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		q.release(ctx, pipe, taskID, raw)
		pipe.LPush(ctx, target, data)
		return nil
	})
	return err
}

// Sweep requeues in-flight tasks whose lease expired and returns how many
func (q *RedisQueue) Sweep(ctx context.Context) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.leaseKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired leases: %w", err)
	}

	requeued := 0
	for _, id := range ids {
		raw, err := q.inflight(ctx, id)
		if errors.Is(err, ErrUnknownTask) {
			q.client.ZRem(ctx, q.leaseKey, id)
			continue
		}
		if err != nil {
			return requeued, err
		}
		if err := q.requeue(ctx, id, raw); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// Len returns the number of tasks in the queue
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey).Result()
}

// GetProcessingCount returns number of tasks being processed
func (q *RedisQueue) GetProcessingCount(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.processingKey).Result()
}

// GetDeadLetterCount returns number of tasks in dead letter queue
func (q *RedisQueue) GetDeadLetterCount(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.deadLetterKey).Result()
}

// ReprocessDeadLetter moves tasks from dead letter queue back to main queue
func (q *RedisQueue) ReprocessDeadLetter(ctx context.Context, count int) (int, error) {
	processed := 0

	for i := 0; i < count; i++ {
		data, err := q.client.RPop(ctx, q.deadLetterKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return processed, err
		}

		var task Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			continue
		}

		task.RetryCount = 0
		if err := q.Enqueue(ctx, &task); err != nil {
			q.client.LPush(ctx, q.deadLetterKey, data)
			return processed, err
		}
		processed++
	}

	return processed, nil
}

// HealthCheck pings Redis
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops the sweep and closes the client
func (q *RedisQueue) Close() error {
	if q.scheduler != nil {
		<-q.scheduler.Stop().Done()
	}
	return q.client.Close()
}
