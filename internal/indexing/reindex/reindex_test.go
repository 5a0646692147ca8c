package reindex

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/indexingtest"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
	"github.com/linkflow-ai/contentindex/internal/indexing/store"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
)

const ghostType = "ghost.T"

type recordingProgress struct {
	started  []string
	finished map[string]int64
}

func (p *recordingProgress) ClassStarted(class string, total int64) {
	p.started = append(p.started, class)
}

func (p *recordingProgress) Advanced(class string, done int64) {}

func (p *recordingProgress) ClassFinished(class string, done int64) {
	if p.finished == nil {
		p.finished = make(map[string]int64)
	}
	p.finished[class] = done
}

func newReindexer(env *indexingtest.Env, opts ...Option) *Reindexer {
	opts = append([]Option{WithLockRetry(5 * time.Millisecond)}, opts...)
	return New(env.Adapters, env.Entities, env.Stores, env.Logger, opts...)
}

// seed stores a folder, two documents and a report and returns their keys
func seed(t *testing.T, env *indexingtest.Env) []string {
	t.Helper()
	ctx := context.Background()
	folder := indexingtest.Public(indexingtest.Folder, map[string]interface{}{"name": "Finance"})
	env.Save(t, ctx, folder)
	a := indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Budget", "folder": folder})
	b := indexingtest.Public(indexingtest.Document, map[string]interface{}{"title": "Forecast"})
	r := indexingtest.Public(indexingtest.Report, map[string]interface{}{"title": "Q3 results", "quarter": "Q3"})
	draft := model.NewRecord(indexingtest.Draft, 0, map[string]interface{}{"title": "scratch"})
	env.Save(t, ctx, a, b, r, draft)

	keys := []string{model.EntityKey(a), model.EntityKey(b), model.EntityKey(folder), model.EntityKey(r)}
	return sortedCopy(keys)
}

func sortedCopy(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}

// stale writes documents the store no longer knows about
func stale(t *testing.T, env *indexingtest.Env, class string, pk uint64) string {
	t.Helper()
	w, err := env.Index(t, store.DefaultIndex).Writer()
	require.NoError(t, err)
	key := model.ObjectKey(class, pk)
	require.NoError(t, w.AddDocument(model.Document{
		schema.FieldObjectKey:            key,
		schema.FieldObjectType:           class,
		schema.FieldID:                   pk,
		schema.FieldAllowedRolesAndUsers: model.AnonymousRole.Marker(),
		"name":                           "stale",
	}))
	require.NoError(t, w.Commit())
	require.NoError(t, w.Join())
	return key
}

func TestRunIndexesEveryIndexableEntity(t *testing.T) {
	env := indexingtest.NewEnv(t)
	keys := seed(t, env)
	progress := &recordingProgress{}

	stats, err := newReindexer(env, WithProgress(progress)).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, keys, env.Keys(t, store.DefaultIndex))
	assert.Equal(t, 4, stats.Documents)
	assert.Equal(t, 3, stats.Classes)
	assert.Equal(t, 1, stats.Commits)
	assert.Equal(t, []string{indexingtest.Document, indexingtest.Folder, indexingtest.Report}, progress.started)
	assert.Equal(t, int64(2), progress.finished[indexingtest.Document], "reports are streamed under their own class")
	assert.Equal(t, int64(1), progress.finished[indexingtest.Report])

	doc, ok, err := env.Index(t, store.DefaultIndex).Document(context.Background(), keys[3])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, indexingtest.Report, doc[schema.FieldObjectType])
}

func TestRunWithoutClearReplacesTypesOnly(t *testing.T) {
	env := indexingtest.NewEnv(t)
	keys := seed(t, env)
	gone := stale(t, env, indexingtest.Document, 9999)
	ghost := stale(t, env, ghostType, 1)

	_, err := newReindexer(env).Run(context.Background(), Options{})
	require.NoError(t, err)

	got := env.Keys(t, store.DefaultIndex)
	assert.NotContains(t, got, gone, "documents of reindexed types are rebuilt")
	assert.Contains(t, got, ghost, "unknown types are kept without clear")
	assert.Equal(t, sortedCopy(append(keys, ghost)), got)
}

func TestRunClearRemovesStaleTypes(t *testing.T) {
	env := indexingtest.NewEnv(t)
	keys := seed(t, env)
	stale(t, env, ghostType, 1)

	_, err := newReindexer(env).Run(context.Background(), Options{Clear: true})
	require.NoError(t, err)

	assert.Equal(t, keys, env.Keys(t, store.DefaultIndex))
	types, err := env.Index(t, store.DefaultIndex).ObjectTypes(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, types, ghostType)
}

func TestRunProgressiveCommitsInBatches(t *testing.T) {
	env := indexingtest.NewEnv(t)
	keys := seed(t, env)
	stale(t, env, ghostType, 1)

	stats, err := newReindexer(env).Run(context.Background(), Options{Clear: true, Progressive: true, BatchSize: 2})
	require.NoError(t, err)

	assert.Equal(t, keys, env.Keys(t, store.DefaultIndex))
	// one replace-all commit followed by two batches of two documents
	assert.Equal(t, 3, stats.Commits)
}

func TestRunProgressiveWithoutBatchSize(t *testing.T) {
	env := indexingtest.NewEnv(t)
	keys := seed(t, env)

	stats, err := newReindexer(env).Run(context.Background(), Options{Progressive: true})
	require.NoError(t, err)
	assert.Equal(t, keys, env.Keys(t, store.DefaultIndex))
	assert.Equal(t, 1, stats.Commits)
}

func TestRunSkipsClassWhenCountFails(t *testing.T) {
	env := indexingtest.NewEnv(t)
	seed(t, env)
	gone := stale(t, env, indexingtest.Folder, 9999)
	m := metrics.NewMetrics("test")
	env.Entities.FailCount(indexingtest.Folder, errors.New("relation does not exist"))

	stats, err := newReindexer(env, WithMetrics(m)).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Classes)
	assert.Equal(t, 3, stats.Documents)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReindexSkipped.WithLabelValues(indexingtest.Folder, "count_failed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ReindexedDocuments.WithLabelValues(indexingtest.Document)))
	got := env.Keys(t, store.DefaultIndex)
	assert.NotContains(t, got, gone, "stale documents of an unreadable class are still removed")
	for _, key := range got {
		assert.NotContains(t, key, indexingtest.Folder+":")
	}
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	env := indexingtest.NewEnv(t)
	r := newReindexer(env)

	_, err := r.Run(context.Background(), Options{BatchSize: 10})
	assert.ErrorIs(t, err, ErrBatchSizeRequiresProgressive)

	_, err = r.Run(context.Background(), Options{Progressive: true, BatchSize: -1})
	assert.Error(t, err)

	_, err = r.Run(context.Background(), Options{Index: "missing"})
	assert.ErrorIs(t, err, model.ErrUnknownIndex)
}

func TestRunFailsOnRejectedDocument(t *testing.T) {
	env := indexingtest.NewEnv(t)
	keys := seed(t, env)
	_, err := newReindexer(env).Run(context.Background(), Options{})
	require.NoError(t, err)

	env.Adapters.RegisterValueProvider(func(doc model.Document, e model.Entity) model.Document {
		doc["unknown_field"] = "x"
		return doc
	})
	_, err = newReindexer(env).Run(context.Background(), Options{Clear: true})
	assert.ErrorIs(t, err, model.ErrDocumentValidation)
	assert.Equal(t, keys, env.Keys(t, store.DefaultIndex), "a failed single commit leaves the index untouched")

	_, err = env.Index(t, store.DefaultIndex).Writer()
	assert.NoError(t, err, "the writer lock is released")
}

func TestRunWaitsForWriterLock(t *testing.T) {
	env := indexingtest.NewEnv(t)
	keys := seed(t, env)

	held, err := env.Index(t, store.DefaultIndex).Writer()
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Cancel()
	}()

	_, err = newReindexer(env).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, keys, env.Keys(t, store.DefaultIndex))
}

func TestRunHonoursCancellation(t *testing.T) {
	env := indexingtest.NewEnv(t)
	seed(t, env)

	held, err := env.Index(t, store.DefaultIndex).Writer()
	require.NoError(t, err)
	defer held.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = newReindexer(env).Run(ctx, Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
