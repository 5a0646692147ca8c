// Package queue provides the at-least-once task queues carrying background
// jobs between producers and workers
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by a closed queue
	ErrClosed = errors.New("queue is closed")
	// ErrUnknownTask is returned when acking a task that is not in flight
	ErrUnknownTask = errors.New("task is not in flight")
)

// Task is a named job with a JSON payload
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
}

// NewTask encodes payload into a new task
func NewTask(name string, payload interface{}, maxRetries int) (*Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return &Task{
		ID:         uuid.New().String(),
		Name:       name,
		Payload:    data,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}, nil
}

// Queue defines the interface for task queues
type Queue interface {
	// Enqueue adds a task to the queue
	Enqueue(ctx context.Context, task *Task) error

	// Dequeue blocks until a task is available or ctx is done
	Dequeue(ctx context.Context) (*Task, error)

	// Ack acknowledges a task as completed
	Ack(ctx context.Context, taskID string) error

	// Nack returns a failed task to the queue, or dead-letters it once its
	// retries are exhausted
	Nack(ctx context.Context, taskID string) error

	// Len returns the number of waiting tasks
	Len(ctx context.Context) (int64, error)

	// Close closes the queue
	Close() error
}

// InMemoryQueue implements an in-process queue
type InMemoryQueue struct {
	mu         sync.Mutex
	tasks      []*Task
	processing map[string]*Task
	deadLetter []*Task
	notify     chan struct{}
	done       chan struct{}
	closed     bool
}

// NewInMemoryQueue creates a new in-memory queue
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		processing: make(map[string]*Task),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (q *InMemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue adds a task to the queue
func (q *InMemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	q.tasks = append(q.tasks, task)
	q.signal()
	return nil
}

// Dequeue removes and returns the next task
func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.processing[task.ID] = task
			now := time.Now()
			task.StartedAt = &now
			if len(q.tasks) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return task, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

// TryDequeue returns the next task without blocking, nil when empty
func (q *InMemoryQueue) TryDequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.processing[task.ID] = task
	now := time.Now()
	task.StartedAt = &now
	return task
}

// Ack acknowledges a task as completed
func (q *InMemoryQueue) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[taskID]; !ok {
		return fmt.Errorf("%s: %w", taskID, ErrUnknownTask)
	}
	delete(q.processing, taskID)
	return nil
}

// Nack returns a task to the back of the queue
func (q *InMemoryQueue) Nack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, exists := q.processing[taskID]
	if !exists {
		return fmt.Errorf("%s: %w", taskID, ErrUnknownTask)
	}
	delete(q.processing, taskID)

	task.RetryCount++
	task.StartedAt = nil
	if task.MaxRetries > 0 && task.RetryCount > task.MaxRetries {
		q.deadLetter = append(q.deadLetter, task)
		return nil
	}
	q.tasks = append(q.tasks, task)
	q.signal()
	return nil
}

// Len returns the number of tasks in the queue
func (q *InMemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.tasks)), nil
}

// InFlight returns the number of dequeued tasks awaiting ack
func (q *InMemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

// DeadLetters returns the tasks whose retries were exhausted
func (q *InMemoryQueue) DeadLetters() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Task(nil), q.deadLetter...)
}

// Close closes the queue
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
