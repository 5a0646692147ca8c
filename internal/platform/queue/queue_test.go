package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/contentindex/internal/platform/logger"
)

func TestNewTask(t *testing.T) {
	task, err := NewTask("index_update", map[string]string{"index": "default"}, 3)
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "index_update", task.Name)
	assert.JSONEq(t, `{"index":"default"}`, string(task.Payload))
	assert.Equal(t, 3, task.MaxRetries)
}

func TestInMemoryQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryQueue()
	defer q.Close()

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, &Task{Name: name}))
	}
	n, _ := q.Len(ctx)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"a", "b", "c"} {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, task.Name)
		assert.NotNil(t, task.StartedAt)
		require.NoError(t, q.Ack(ctx, task.ID))
	}
	assert.Equal(t, 0, q.InFlight())
	assert.ErrorIs(t, q.Ack(ctx, "missing"), ErrUnknownTask)
}

func TestInMemoryQueueNackAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryQueue()
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, &Task{Name: "job", MaxRetries: 1}))

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, task.ID))

	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)
	require.NoError(t, q.Nack(ctx, task.ID))

	n, _ := q.Len(ctx)
	assert.Equal(t, int64(0), n)
	require.Len(t, q.DeadLetters(), 1)
	assert.Equal(t, 2, q.DeadLetters()[0].RetryCount)
}

func TestInMemoryQueueDequeueBlocks(t *testing.T) {
	q := NewInMemoryQueue()
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *Task, 1)
	go func() {
		task, _ := q.Dequeue(context.Background())
		got <- task
	}()
	require.NoError(t, q.Enqueue(context.Background(), &Task{Name: "late"}))

	select {
	case task := <-got:
		assert.Equal(t, "late", task.Name)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestInMemoryQueueClose(t *testing.T) {
	q := NewInMemoryQueue()
	require.NoError(t, q.Close())

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Enqueue(context.Background(), &Task{}), ErrClosed)
}

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if testing.Short() || addr == "" {
		t.Skip("Skipping Redis queue test: REDIS_ADDR not set")
	}
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: addr})
	name := "test:indexing:" + time.Now().Format("150405.000000")
	q, err := NewRedisQueueWithClient(client, &RedisQueueConfig{
		QueueName:         name,
		VisibilityTimeout: time.Second,
	}, logger.NewNop())
	require.NoError(t, err)
	defer func() {
		client.Del(ctx, q.queueKey, q.processingKey, q.inflightKey, q.leaseKey, q.deadLetterKey)
		q.Close()
	}()

	task, err := NewTask("index_update", map[string]string{"index": "default"}, 1)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	processing, _ := q.GetProcessingCount(ctx)
	assert.Equal(t, int64(1), processing)

	time.Sleep(2 * time.Second)
	n, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	require.NoError(t, q.Nack(ctx, got.ID))

	dead, _ := q.GetDeadLetterCount(ctx)
	assert.Equal(t, int64(1), dead)
	processing, _ = q.GetProcessingCount(ctx)
	assert.Equal(t, int64(0), processing)
}
