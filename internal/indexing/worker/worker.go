// Package worker applies index update jobs to the index store
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linkflow-ai/contentindex/internal/indexing/adapter"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/repository"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
	"github.com/linkflow-ai/contentindex/internal/indexing/store"
	"github.com/linkflow-ai/contentindex/internal/platform/database"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
)

// Indexes resolves index names to open indexes
type Indexes interface {
	Index(name string) (*store.Index, error)
}

// Worker turns index update jobs into writer operations
type Worker struct {
	indexes   Indexes
	adapters  *adapter.Registry
	entities  repository.EntityRepository
	txm       *database.TxManager
	logger    logger.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	lockRetry time.Duration
}

// Option configures a Worker
type Option func(*Worker)

// WithMetrics records job outcomes on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithTracer sets the tracer used for job spans
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// WithLockRetry overrides the delay between writer lock attempts
func WithLockRetry(d time.Duration) Option {
	return func(w *Worker) { w.lockRetry = d }
}

// New creates a worker
func New(indexes Indexes, adapters *adapter.Registry, entities repository.EntityRepository, txm *database.TxManager, log logger.Logger, opts ...Option) *Worker {
	w := &Worker{
		indexes:   indexes,
		adapters:  adapters,
		entities:  entities,
		txm:       txm,
		logger:    log,
		tracer:    otel.Tracer("indexing/worker"),
		lockRetry: LockRetryInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process applies job to its index. Every item first removes the current
// document of its object; new and changed items are then rebuilt from the
// database. A failing job leaves the index untouched.
func (w *Worker) Process(ctx context.Context, job *model.IndexUpdateJob) (err error) {
	ctx, span := w.tracer.Start(ctx, "index_update",
		trace.WithAttributes(attribute.String("index", job.Index), attribute.Int("items", len(job.Items))))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if w.metrics != nil {
			w.metrics.JobsProcessed.WithLabelValues(job.Index, status).Inc()
			w.metrics.JobDuration.WithLabelValues(job.Index).Observe(time.Since(start).Seconds())
		}
	}()

	idx, err := w.indexes.Index(job.Index)
	if err != nil {
		return err
	}

	writer, err := RetryOnLock(ctx, w.lockRetry, idx.Writer, func() {
		if w.metrics != nil {
			w.metrics.LockRetries.WithLabelValues(job.Index).Inc()
		}
	})
	if err != nil {
		return fmt.Errorf("failed to open writer on %s: %w", job.Index, err)
	}

	// Entities are only read; the unit of work is always rolled back
	tx, err := w.txm.Begin(ctx)
	if err != nil {
		_ = writer.Cancel()
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := w.apply(ctx, tx, writer, job); err != nil {
		_ = writer.Cancel()
		return err
	}

	if err := writer.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", job.Index, err)
	}
	if err := writer.Join(); err != nil && !errors.Is(err, store.ErrWriterNotStarted) {
		return err
	}

	if w.metrics != nil {
		added, deleted := writer.Stats()
		w.metrics.DocumentsAdded.WithLabelValues(job.Index).Add(float64(added))
		w.metrics.DocumentsDeleted.WithLabelValues(job.Index).Add(float64(deleted))
	}
	return nil
}

func (w *Worker) apply(ctx context.Context, tx *database.Tx, writer *store.AsyncWriter, job *model.IndexUpdateJob) error {
	added := make(map[string]bool)
	for _, item := range job.Items {
		key := model.ObjectKey(item.Class, item.PK)
		// The document added earlier in this job is already current; a
		// second delete would be applied after the add
		if added[key] && item.Op != model.OpDeleted {
			continue
		}
		if err := writer.DeleteByTerm(schema.FieldObjectKey, key); err != nil {
			return err
		}
		if item.Op == model.OpDeleted {
			delete(added, key)
			continue
		}

		if !w.adapters.IsIndexable(item.Class) {
			w.logger.Debug("Skipping item without adapter", "object_key", key, "error", model.ErrAdapterUnknown)
			continue
		}

		e, err := w.rehydrate(ctx, tx, item)
		if errors.Is(err, model.ErrEntityNotFound) {
			w.logger.Debug("Skipping missing entity", "object_key", key)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", key, err)
		}

		doc, err := w.adapters.BuildDocument(e)
		if errors.Is(err, model.ErrAdapterUnknown) {
			w.logger.Debug("Skipping item without adapter", "object_key", key, "error", err)
			continue
		}
		if err != nil {
			return err
		}
		if err := writer.AddDocument(doc); err != nil {
			w.logger.Error("Document rejected by index store", "object_key", key, "document", doc, "error", err)
			return err
		}
		added[key] = true
	}
	return nil
}

// rehydrate loads the entity inside a savepoint so that a failed read does
// not abort the job transaction
func (w *Worker) rehydrate(ctx context.Context, tx *database.Tx, item model.JobItem) (model.Entity, error) {
	var e model.Entity
	err := tx.Transaction(ctx, func(sub *database.Tx) error {
		var err error
		e, err = w.entities.Get(ctx, sub, item.Class, item.PK)
		return err
	})
	return e, err
}
