package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
	"github.com/linkflow-ai/contentindex/internal/platform/queue"
)

// dequeueBackoff is the pause after a failed dequeue
const dequeueBackoff = time.Second

// PoolStats is a snapshot of pool counters
type PoolStats struct {
	Workers   int
	Active    int32
	Completed int64
	Failed    int64
}

// Pool runs consumers that take index update tasks off a queue and hand
// them to a Worker
type Pool struct {
	worker  *Worker
	queue   queue.Queue
	size    int
	logger  logger.Logger
	metrics *metrics.Metrics

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	active    int32
	completed int64
	failed    int64
}

// NewPool creates a pool of size consumers
func NewPool(w *Worker, q queue.Queue, size int, log logger.Logger, m *metrics.Metrics) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		worker:  w,
		queue:   q,
		size:    size,
		logger:  log,
		metrics: m,
	}
}

// Start launches the consumers. They run until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.consume(ctx, uuid.New().String())
	}
	p.logger.Info("Index worker pool started", "workers", p.size)
}

// Stop cancels the consumers and waits for in-flight jobs to finish
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) consume(ctx context.Context, id string) {
	defer p.wg.Done()
	log := p.logger.WithFields(map[string]interface{}{"worker_id": id})

	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error("Failed to dequeue task", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}

		atomic.AddInt32(&p.active, 1)
		p.Handle(ctx, task)
		atomic.AddInt32(&p.active, -1)

		if p.metrics != nil {
			if n, err := p.queue.Len(ctx); err == nil {
				p.metrics.QueueDepth.Set(float64(n))
			}
		}
	}
}

// Handle runs one task and settles it on the queue: acked on success,
// nacked for redelivery on failure
func (p *Pool) Handle(ctx context.Context, task *queue.Task) {
	log := p.logger.WithFields(map[string]interface{}{"task_id": task.ID, "retry_count": task.RetryCount})

	if task.Name != model.TaskName {
		log.Warn("Dropping task with unknown name", "name", task.Name)
		p.settle(ctx, log, task, nil)
		return
	}

	err := p.run(ctx, task)
	if err != nil {
		log.Error("Index update failed", "error", err)
		atomic.AddInt64(&p.failed, 1)
	} else {
		atomic.AddInt64(&p.completed, 1)
	}
	p.settle(ctx, log, task, err)
}

func (p *Pool) run(ctx context.Context, task *queue.Task) error {
	job, err := model.DecodeJob(task.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode task %s: %w", task.ID, err)
	}
	return p.worker.Process(ctx, job)
}

func (p *Pool) settle(ctx context.Context, log logger.Logger, task *queue.Task, err error) {
	// settle even when the consumer is being stopped
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		if ackErr := p.queue.Ack(ctx, task.ID); ackErr != nil {
			log.Error("Failed to ack task", "error", ackErr)
		}
		return
	}
	if nackErr := p.queue.Nack(ctx, task.ID); nackErr != nil {
		log.Error("Failed to nack task", "error", nackErr)
	}
}

// Stats returns the pool counters
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.size,
		Active:    atomic.LoadInt32(&p.active),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}
