package server

import (
	"fmt"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/platform/config"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/messaging/kafka"
	"github.com/linkflow-ai/contentindex/internal/platform/queue"
)

// Queue drivers
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverKafka  = "kafka"
)

// NewQueue connects the task queue selected by cfg.Queue.Driver
func NewQueue(cfg *config.Config, log logger.Logger) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case DriverMemory:
		log.Warn("Using the in-memory task queue, pending jobs are lost on restart")
		return queue.NewInMemoryQueue(), nil
	case DriverRedis, "":
		q, err := queue.NewRedisQueue(&queue.RedisQueueConfig{
			Addr:              cfg.Redis.Addr(),
			Password:          cfg.Redis.Password,
			DB:                cfg.Redis.DB,
			QueueName:         cfg.Queue.Name,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			SweepSchedule:     cfg.Queue.SweepSchedule,
		}, log)
		if err != nil {
			return nil, err
		}
		return q, nil
	case DriverKafka:
		q, err := kafka.NewJobQueue(kafka.Config{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		}, log, kafka.WithKeyFunc(JobIndexKey))
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
}

// JobIndexKey partitions index update jobs by index so the jobs of one index
// are consumed in order. Other tasks fall back to their name.
func JobIndexKey(task *queue.Task) string {
	if task.Name == model.TaskName {
		if job, err := model.DecodeJob(task.Payload); err == nil {
			return job.Index
		}
	}
	return task.Name
}
