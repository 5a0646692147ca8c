// Package listener captures entity mutations from database transactions and
// turns them into index update jobs once the outermost transaction commits
package listener

import (
	"context"
	"errors"
	"time"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/platform/database"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
	"github.com/linkflow-ai/contentindex/internal/platform/queue"
	"github.com/linkflow-ai/contentindex/internal/platform/resilience"
)

// IndexableFunc reports whether instances of a class are indexed
type IndexableFunc func(class string) bool

// Enqueuer is the part of the task queue the listener needs
type Enqueuer interface {
	Enqueue(ctx context.Context, task *queue.Task) error
}

// Listener implements database.TxListener and database.RollbackListener
type Listener struct {
	indexable  IndexableFunc
	queue      Enqueuer
	index      string
	maxRetries int
	logger     logger.Logger
	metrics    *metrics.Metrics

	breaker  *resilience.CircuitBreaker
	attempts int
	backoff  time.Duration
}

// Option configures a Listener
type Option func(*Listener)

// WithMetrics records enqueued jobs
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// WithMaxRetries sets the retry budget of enqueued tasks
func WithMaxRetries(n int) Option {
	return func(l *Listener) { l.maxRetries = n }
}

// WithBreaker retries failed enqueues and stops calling the queue while it
// keeps failing
func WithBreaker(cb *resilience.CircuitBreaker, attempts int, backoff time.Duration) Option {
	return func(l *Listener) {
		l.breaker = cb
		l.attempts = attempts
		l.backoff = backoff
	}
}

// New creates a listener enqueueing jobs for index
func New(indexable IndexableFunc, q Enqueuer, index string, log logger.Logger, opts ...Option) *Listener {
	l := &Listener{
		indexable: indexable,
		queue:     q,
		index:     index,
		logger:    log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var (
	_ database.TxListener       = (*Listener)(nil)
	_ database.RollbackListener = (*Listener)(nil)
)

// buffer returns the request buffer, or one kept on the root transaction
// when ctx carries none
func (l *Listener) buffer(ctx context.Context, tx *database.Tx) *Buffer {
	if buf, ok := BufferFrom(ctx); ok {
		return buf
	}
	if buf, ok := tx.Value(bufferKey{}).(*Buffer); ok {
		return buf
	}
	buf := &Buffer{}
	tx.SetValue(bufferKey{}, buf)
	return buf
}

// AfterFlush records mutations of indexable entities
func (l *Listener) AfterFlush(ctx context.Context, tx *database.Tx, changes []database.Change) {
	var buf *Buffer
	for _, ch := range changes {
		e, ok := ch.Object.(model.Entity)
		if !ok || !l.indexable(e.ObjectType()) {
			continue
		}
		if buf == nil {
			buf = l.buffer(ctx, tx)
		}
		buf.append(tx, model.PendingChange{Op: opFor(ch.Kind), Entity: e})
	}
}

// AfterCommit enqueues one job for the buffered changes once the outermost
// transaction is durable
func (l *Listener) AfterCommit(ctx context.Context, tx *database.Tx) {
	if tx.Nested() {
		return
	}
	buf := l.buffer(ctx, tx)
	items := Items(buf.drain())
	if len(items) == 0 {
		return
	}

	job := model.IndexUpdateJob{Index: l.index, Items: items}
	task, err := queue.NewTask(model.TaskName, job, l.maxRetries)
	if err != nil {
		l.logger.Error("Failed to encode index update job", "index", l.index, "error", err)
		return
	}
	if err := l.enqueue(ctx, task); err != nil {
		reason := "error"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			reason = "circuit_open"
		}
		if l.metrics != nil {
			l.metrics.JobsEnqueueFailed.WithLabelValues(l.index, reason).Inc()
		}
		// the changes are committed but will not reach the index until a reindex
		l.logger.Error("Failed to enqueue index update job",
			"index", l.index,
			"items", len(items),
			"reason", reason,
			"reindex_required", true,
			"error", err,
		)
		return
	}

	if l.metrics != nil {
		l.metrics.JobsEnqueued.WithLabelValues(l.index).Inc()
	}
	l.logger.WithContext(ctx).Debug("Index update job enqueued",
		"index", l.index,
		"task_id", task.ID,
		"items", len(items),
	)
}

func (l *Listener) enqueue(ctx context.Context, task *queue.Task) error {
	if l.breaker == nil {
		return l.queue.Enqueue(ctx, task)
	}
	return resilience.Retry(ctx, l.breaker, l.attempts, l.backoff, func() error {
		return l.queue.Enqueue(ctx, task)
	})
}

// AfterRollback forgets the changes of the rolled back transaction
func (l *Listener) AfterRollback(ctx context.Context, tx *database.Tx) {
	buf := l.buffer(ctx, tx)
	if !tx.Nested() {
		buf.Clear()
		return
	}
	buf.discard(tx)
}

// Items converts buffered changes to job items. Entities without identity
// are dropped, as are entities both created and deleted in the transaction.
// Repeated (op, key) pairs are kept once, in first-seen order.
func Items(changes []model.PendingChange) []model.JobItem {
	created := make(map[string]bool)
	deleted := make(map[string]bool)
	for _, ch := range changes {
		key := model.EntityKey(ch.Entity)
		switch ch.Op {
		case model.OpNew:
			created[key] = true
		case model.OpDeleted:
			deleted[key] = true
		}
	}

	type seenKey struct {
		op  model.Op
		key string
	}
	seen := make(map[seenKey]bool)

	var items []model.JobItem
	for _, ch := range changes {
		pk := ch.Entity.PrimaryKey()
		if pk == 0 {
			continue
		}
		key := model.EntityKey(ch.Entity)
		if created[key] && deleted[key] {
			continue
		}
		sk := seenKey{op: ch.Op, key: key}
		if seen[sk] {
			continue
		}
		seen[sk] = true

		items = append(items, model.JobItem{
			Op:    ch.Op,
			Class: ch.Entity.ObjectType(),
			PK:    pk,
			Data:  map[string]interface{}{},
		})
	}
	return items
}

func opFor(kind database.ChangeKind) model.Op {
	switch kind {
	case database.ChangeNew:
		return model.OpNew
	case database.ChangeDeleted:
		return model.OpDeleted
	default:
		return model.OpChanged
	}
}
