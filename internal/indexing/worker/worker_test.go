package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/indexingtest"
	"github.com/linkflow-ai/contentindex/internal/indexing/store"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
	"github.com/linkflow-ai/contentindex/internal/platform/queue"
)

func newWorker(t *testing.T, env *indexingtest.Env, opts ...Option) *Worker {
	t.Helper()
	opts = append([]Option{WithLockRetry(5 * time.Millisecond)}, opts...)
	return New(env.Stores, env.Adapters, env.Entities, env.TxM, env.Logger, opts...)
}

func job(items ...model.JobItem) *model.IndexUpdateJob {
	return &model.IndexUpdateJob{Index: store.DefaultIndex, Items: items}
}

func item(op model.Op, class string, pk uint64) model.JobItem {
	return model.JobItem{Op: op, Class: class, PK: pk, Data: map[string]interface{}{}}
}

func TestProcessAddsAndDeletes(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	w := newWorker(t, env)

	folder := indexingtest.Public(indexingtest.Folder, map[string]interface{}{"name": "Finance"})
	env.Save(t, ctx, folder)
	doc := indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Budget", "folder": folder})
	env.Save(t, ctx, doc)

	require.NoError(t, w.Process(ctx, job(
		item(model.OpNew, indexingtest.Folder, folder.PK),
		item(model.OpNew, indexingtest.Document, doc.PK),
	)))
	assert.Equal(t, []string{model.EntityKey(doc), model.EntityKey(folder)}, env.Keys(t, store.DefaultIndex))

	stored, ok, err := env.Index(t, store.DefaultIndex).Document(ctx, model.EntityKey(doc))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Budget", stored["name"])
	assert.Equal(t, "Finance", stored["folder_name"])

	env.Delete(t, ctx, doc)
	require.NoError(t, w.Process(ctx, job(item(model.OpDeleted, indexingtest.Document, doc.PK))))
	assert.Equal(t, []string{model.EntityKey(folder)}, env.Keys(t, store.DefaultIndex))
}

func TestProcessReplacesChangedDocument(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	w := newWorker(t, env)

	doc := indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Draft plan"})
	env.Save(t, ctx, doc)
	require.NoError(t, w.Process(ctx, job(item(model.OpNew, indexingtest.Document, doc.PK))))

	doc.Set("title", "Final plan")
	env.Save(t, ctx, doc)
	require.NoError(t, w.Process(ctx, job(item(model.OpChanged, indexingtest.Document, doc.PK))))

	assert.Len(t, env.Keys(t, store.DefaultIndex), 1)
	stored, _, err := env.Index(t, store.DefaultIndex).Document(ctx, model.EntityKey(doc))
	require.NoError(t, err)
	assert.Equal(t, "Final plan", stored["name"])
}

func TestProcessSkipsMissingAndUnknown(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	w := newWorker(t, env)

	draft := model.NewRecord(indexingtest.Draft, 0, map[string]interface{}{"title": "scratch"})
	env.Save(t, ctx, draft)

	err := w.Process(ctx, job(
		item(model.OpNew, indexingtest.Document, 404),
		item(model.OpNew, indexingtest.Draft, draft.PK),
		item(model.OpNew, "test.Unregistered", 1),
	))
	require.NoError(t, err)
	assert.Empty(t, env.Keys(t, store.DefaultIndex))
}

func TestProcessDuplicateItemsIndexOnce(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	w := newWorker(t, env)

	doc := indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Once"})
	env.Save(t, ctx, doc)

	j := job(
		item(model.OpNew, indexingtest.Document, doc.PK),
		item(model.OpChanged, indexingtest.Document, doc.PK),
	)
	require.NoError(t, w.Process(ctx, j))
	require.NoError(t, w.Process(ctx, j), "processing a job twice is idempotent")

	assert.Equal(t, []string{model.EntityKey(doc)}, env.Keys(t, store.DefaultIndex))
}

func TestProcessDeleteAfterAddInOneJob(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	w := newWorker(t, env)

	doc := indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Gone"})
	env.Save(t, ctx, doc)
	require.NoError(t, w.Process(ctx, job(item(model.OpNew, indexingtest.Document, doc.PK))))

	env.Delete(t, ctx, doc)
	require.NoError(t, w.Process(ctx, job(
		item(model.OpChanged, indexingtest.Document, doc.PK),
		item(model.OpDeleted, indexingtest.Document, doc.PK),
	)))
	assert.Empty(t, env.Keys(t, store.DefaultIndex))
}

func TestProcessEmptyJob(t *testing.T) {
	env := indexingtest.NewEnv(t)
	assert.NoError(t, newWorker(t, env).Process(context.Background(), job()))
}

func TestProcessUnknownIndex(t *testing.T) {
	env := indexingtest.NewEnv(t)
	err := newWorker(t, env).Process(context.Background(), &model.IndexUpdateJob{Index: "missing"})
	assert.ErrorIs(t, err, model.ErrUnknownIndex)
}

func TestProcessRejectedDocumentFailsJob(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	m := metrics.NewMetrics("test")
	w := newWorker(t, env, WithMetrics(m))

	good := indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Good"})
	bad := indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Bad"})
	env.Save(t, ctx, good, bad)

	env.Adapters.RegisterValueProvider(func(doc model.Document, e model.Entity) model.Document {
		if e.PrimaryKey() == bad.PK {
			doc["id"] = "not a number"
		}
		return doc
	})

	err := w.Process(ctx, job(
		item(model.OpNew, indexingtest.Document, good.PK),
		item(model.OpNew, indexingtest.Document, bad.PK),
	))
	assert.ErrorIs(t, err, model.ErrDocumentValidation)
	assert.Empty(t, env.Keys(t, store.DefaultIndex), "a failed job is not applied")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsProcessed.WithLabelValues(store.DefaultIndex, "failed")))

	_, err = env.Index(t, store.DefaultIndex).Writer()
	assert.NoError(t, err, "the writer lock is released")
}

func TestProcessWaitsForWriterLock(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	m := metrics.NewMetrics("test")
	w := newWorker(t, env, WithMetrics(m))

	doc := indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Locked"})
	env.Save(t, ctx, doc)

	held, err := env.Index(t, store.DefaultIndex).Writer()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Process(ctx, job(item(model.OpNew, indexingtest.Document, doc.PK))) }()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, held.Cancel())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not acquire the writer")
	}
	assert.Equal(t, []string{model.EntityKey(doc)}, env.Keys(t, store.DefaultIndex))
	assert.Greater(t, testutil.ToFloat64(m.LockRetries.WithLabelValues(store.DefaultIndex)), float64(0))
}

func TestRetryOnLockHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := RetryOnLock(ctx, 5*time.Millisecond, func() (int, error) {
		return 0, model.ErrLocked
	}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	boom := errors.New("boom")
	_, err = RetryOnLock(context.Background(), time.Millisecond, func() (int, error) { return 0, boom }, nil)
	assert.ErrorIs(t, err, boom)
}

func TestPoolAcksAndNacks(t *testing.T) {
	ctx := context.Background()
	env := indexingtest.NewEnv(t)
	q := queue.NewInMemoryQueue()
	defer q.Close()

	doc := indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Queued"})
	env.Save(t, ctx, doc)

	pool := NewPool(newWorker(t, env), q, 2, env.Logger, nil)

	ok, err := queue.NewTask(model.TaskName, job(item(model.OpNew, indexingtest.Document, doc.PK)), 1)
	require.NoError(t, err)
	broken, err := queue.NewTask(model.TaskName, &model.IndexUpdateJob{Index: "missing"}, 1)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, ok))
	require.NoError(t, q.Enqueue(ctx, broken))

	pool.Start(ctx)
	require.Eventually(t, func() bool {
		return len(q.DeadLetters()) == 1 && pool.Stats().Completed == 1
	}, 5*time.Second, 10*time.Millisecond)
	pool.Stop()

	assert.Equal(t, []string{model.EntityKey(doc)}, env.Keys(t, store.DefaultIndex))
	assert.Equal(t, broken.ID, q.DeadLetters()[0].ID)
	assert.Equal(t, int64(2), pool.Stats().Failed, "the broken task is retried once before dead-lettering")
	assert.Zero(t, q.InFlight())
}
