// Package kafka provides a task queue driver on top of Kafka topics
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/queue"
)

const (
	headerTaskName   = "taskName"
	headerRetryCount = "retryCount"
)

// Config holds Kafka configuration
type Config struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// DeadLetterTopic returns the topic exhausted tasks are moved to
func (c Config) DeadLetterTopic() string {
	return c.Topic + ".dlq"
}

// KeyFunc chooses the partition key of a task. Tasks sharing a key are
// delivered in order.
type KeyFunc func(task *queue.Task) string

// Option configures a JobQueue
type Option func(*JobQueue)

// WithKeyFunc sets the partition key function, the task name by default
func WithKeyFunc(fn KeyFunc) Option {
	return func(q *JobQueue) { q.keyFunc = fn }
}

type delivery struct {
	task *queue.Task
	done chan struct{}
}

// JobQueue implements queue.Queue. A consumed message is handed to one
// Dequeue caller and its offset is marked once the task is acked or nacked;
// a nacked task is produced again, or to the dead-letter topic when its
// retries are exhausted.
type JobQueue struct {
	cfg      Config
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	keyFunc  KeyFunc
	logger   logger.Logger

	deliveries chan *delivery
	mu         sync.Mutex
	inflight   map[string]*delivery

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

var _ queue.Queue = (*JobQueue)(nil)

// NewSaramaConfig returns the producer and consumer settings used by the queue
func NewSaramaConfig() *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Version = sarama.V3_3_1_0
	return saramaConfig
}

// NewJobQueue connects a producer and a consumer group to the brokers
func NewJobQueue(cfg Config, log logger.Logger, opts ...Option) (*JobQueue, error) {
	saramaConfig := NewSaramaConfig()

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	q := NewJobQueueWithClients(cfg, producer, group, log, opts...)
	q.Start()
	return q, nil
}

// NewJobQueueWithClients builds a queue on existing clients. group may be
// nil for producer-only use; Start must be called to consume.
func NewJobQueueWithClients(cfg Config, producer sarama.SyncProducer, group sarama.ConsumerGroup, log logger.Logger, opts ...Option) *JobQueue {
	q := &JobQueue{
		cfg:        cfg,
		producer:   producer,
		group:      group,
		keyFunc:    func(task *queue.Task) string { return task.Name },
		logger:     log,
		deliveries: make(chan *delivery),
		inflight:   make(map[string]*delivery),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start runs the consumer group session loop
func (q *JobQueue) Start() {
	if q.group == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		for {
			if err := q.group.Consume(ctx, []string{q.cfg.Topic}, q); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				q.logger.Error("Kafka consume failed", "topic", q.cfg.Topic, "error", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-q.group.Errors():
				if !ok {
					return
				}
				q.logger.Error("Kafka consumer group error", "error", err)
			}
		}
	}()
}

// Enqueue produces task to the topic
func (q *JobQueue) Enqueue(ctx context.Context, task *queue.Task) error {
	return q.produce(q.cfg.Topic, task)
}

func (q *JobQueue) produce(topic string, task *queue.Task) error {
	select {
	case <-q.done:
		return queue.ErrClosed
	default:
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(q.keyFunc(task)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerTaskName), Value: []byte(task.Name)},
			{Key: []byte(headerRetryCount), Value: []byte(strconv.Itoa(task.RetryCount))},
		},
		Timestamp: time.Now(),
	}
	if _, _, err := q.producer.SendMessage(message); err != nil {
		return fmt.Errorf("failed to produce task %s: %w", task.ID, err)
	}
	return nil
}

// Dequeue blocks until the consumer hands over a task or ctx is done
func (q *JobQueue) Dequeue(ctx context.Context) (*queue.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, queue.ErrClosed
	case d := <-q.deliveries:
		now := time.Now()
		d.task.StartedAt = &now
		q.mu.Lock()
		q.inflight[d.task.ID] = d
		q.mu.Unlock()
		return d.task, nil
	}
}

func (q *JobQueue) settle(taskID string) (*delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d, ok := q.inflight[taskID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", taskID, queue.ErrUnknownTask)
	}
	delete(q.inflight, taskID)
	return d, nil
}

// Ack marks the task's message as consumed
func (q *JobQueue) Ack(ctx context.Context, taskID string) error {
	d, err := q.settle(taskID)
	if err != nil {
		return err
	}
	close(d.done)
	return nil
}

// Nack produces the task again with its retry count raised, or to the
// dead-letter topic once retries are exhausted, then marks the original
// message as consumed
func (q *JobQueue) Nack(ctx context.Context, taskID string) error {
	d, err := q.settle(taskID)
	if err != nil {
		return err
	}
	defer close(d.done)

	task := *d.task
	task.RetryCount++
	task.StartedAt = nil

	topic := q.cfg.Topic
	if task.MaxRetries > 0 && task.RetryCount > task.MaxRetries {
		topic = q.cfg.DeadLetterTopic()
		q.logger.Warn("Moving task to dead letter topic", "task_id", task.ID, "topic", topic)
	}
	return q.produce(topic, &task)
}

// Len returns the number of consumed tasks waiting for a Dequeue caller.
// Broker side lag is not included.
func (q *JobQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.deliveries)), nil
}

// Close stops consuming and closes the clients
func (q *JobQueue) Close() error {
	var errs []error
	q.closeOnce.Do(func() {
		close(q.done)
		if q.cancel != nil {
			q.cancel()
		}
		if q.group != nil {
			if err := q.group.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
			}
		}
		q.wg.Wait()
		if err := q.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
		}
	})
	return errors.Join(errs...)
}

// Setup is run at the beginning of a new session
func (q *JobQueue) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup is run at the end of a session
func (q *JobQueue) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim hands messages of one partition to Dequeue callers one at a
// time, marking each once it is settled
func (q *JobQueue) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case <-q.done:
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			task, err := decodeMessage(msg)
			if err != nil {
				q.logger.Error("Skipping undecodable message",
					"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
				session.MarkMessage(msg, "")
				continue
			}

			d := &delivery{task: task, done: make(chan struct{})}
			select {
			case q.deliveries <- d:
			case <-session.Context().Done():
				return nil
			case <-q.done:
				return nil
			}

			select {
			case <-d.done:
				session.MarkMessage(msg, "")
			case <-q.done:
				return nil
			}
		}
	}
}

func decodeMessage(msg *sarama.ConsumerMessage) (*queue.Task, error) {
	var task queue.Task
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		return nil, err
	}
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == headerRetryCount {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > task.RetryCount {
				task.RetryCount = n
			}
		}
	}
	if task.ID == "" {
		return nil, errors.New("task without id")
	}
	return &task, nil
}
