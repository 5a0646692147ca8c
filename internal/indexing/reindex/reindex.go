// Package reindex rebuilds an index from the relational store
package reindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linkflow-ai/contentindex/internal/indexing/adapter"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/repository"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
	"github.com/linkflow-ai/contentindex/internal/indexing/store"
	"github.com/linkflow-ai/contentindex/internal/indexing/worker"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
)

// RowBatchSize is the number of rows fetched per round trip
const RowBatchSize = 1000

// ErrBatchSizeRequiresProgressive is returned when a batch size is given
// without the progressive strategy
var ErrBatchSizeRequiresProgressive = errors.New("batch size requires the progressive strategy")

// Options selects the rebuild strategy
type Options struct {
	// Index defaults to store.DefaultIndex
	Index string `json:"index"`
	// Clear drops every document, stale types included, before rebuilding
	Clear bool `json:"clear"`
	// Progressive commits in several writers instead of one
	Progressive bool `json:"progressive"`
	// BatchSize is the number of documents per progressive commit, 0 for a
	// single commit at the end
	BatchSize int `json:"batch_size"`
}

// Validate checks option combinations
func (o Options) Validate() error {
	if o.BatchSize < 0 {
		return fmt.Errorf("invalid batch size %d", o.BatchSize)
	}
	if o.BatchSize > 0 && !o.Progressive {
		return ErrBatchSizeRequiresProgressive
	}
	return nil
}

// Stats summarises a run
type Stats struct {
	Classes   int `json:"classes"`
	Documents int `json:"documents"`
	Skipped   int `json:"skipped"`
	Commits   int `json:"commits"`
}

type messageKind int

const (
	messageDocument messageKind = iota
	messageDeleteType
	messageCommit
)

// message is one element of the stream between the producer and a strategy
type message struct {
	kind       messageKind
	doc        model.Document
	objectType string
}

// Reindexer streams every indexable entity into an index
type Reindexer struct {
	adapters  *adapter.Registry
	entities  repository.EntityRepository
	indexes   worker.Indexes
	logger    logger.Logger
	metrics   *metrics.Metrics
	progress  Progress
	lockRetry time.Duration
}

// Option configures a Reindexer
type Option func(*Reindexer)

// WithProgress sets the progress hook, logging by default
func WithProgress(p Progress) Option {
	return func(r *Reindexer) { r.progress = p }
}

// WithMetrics records reindexed and skipped documents on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reindexer) { r.metrics = m }
}

// WithLockRetry overrides the delay between writer lock attempts
func WithLockRetry(d time.Duration) Option {
	return func(r *Reindexer) { r.lockRetry = d }
}

// New creates a reindexer
func New(adapters *adapter.Registry, entities repository.EntityRepository, indexes worker.Indexes, log logger.Logger, opts ...Option) *Reindexer {
	r := &Reindexer{
		adapters:  adapters,
		entities:  entities,
		indexes:   indexes,
		logger:    log,
		lockRetry: worker.LockRetryInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.progress == nil {
		r.progress = NewLogProgress(log, RowBatchSize)
	}
	return r
}

// Run rebuilds the index. Documents are produced class by class while the
// selected strategy writes them.
func (r *Reindexer) Run(ctx context.Context, opts Options) (Stats, error) {
	var stats Stats
	if err := opts.Validate(); err != nil {
		return stats, err
	}
	if opts.Index == "" {
		opts.Index = store.DefaultIndex
	}
	idx, err := r.indexes.Index(opts.Index)
	if err != nil {
		return stats, err
	}

	r.logger.Info("Reindex started",
		"index", opts.Index, "clear", opts.Clear, "progressive", opts.Progressive, "batch_size", opts.BatchSize)

	stream := make(chan message, RowBatchSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(stream)
		return r.produce(gctx, opts, stream, &stats)
	})
	g.Go(func() error {
		var commits int
		var err error
		if opts.Progressive {
			commits, err = r.progressive(gctx, idx, opts, stream)
		} else {
			commits, err = r.single(gctx, idx, opts, stream)
		}
		stats.Commits = commits
		return err
	})

	if err := g.Wait(); err != nil {
		r.logger.Error("Reindex failed", "index", opts.Index, "error", err)
		return stats, err
	}

	r.logger.Info("Reindex finished",
		"index", opts.Index, "classes", stats.Classes, "documents", stats.Documents,
		"skipped", stats.Skipped, "commits", stats.Commits)
	return stats, nil
}

func send(ctx context.Context, out chan<- message, msg message) error {
	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reindexer) produce(ctx context.Context, opts Options, out chan<- message, stats *Stats) error {
	seen := make(map[string]bool)
	typeDeleted := make(map[string]bool)
	pending := 0

	for _, class := range r.adapters.IndexedClasses() {
		// Stale documents of a class go even when the class cannot be read
		if !opts.Clear && !typeDeleted[class] {
			if err := send(ctx, out, message{kind: messageDeleteType, objectType: class}); err != nil {
				return err
			}
			typeDeleted[class] = true
		}

		total, err := r.entities.Count(ctx, nil, class)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("Skipping class, count failed", "class", class, "error", err)
			r.skipped(class, "count_failed")
			continue
		}

		stats.Classes++
		r.progress.ClassStarted(class, total)
		var done int64

		err = r.entities.Iterate(ctx, nil, class, RowBatchSize, func(e model.Entity) error {
			// subclasses are streamed under their own class
			if e.ObjectType() != class {
				return nil
			}
			key := model.EntityKey(e)
			if seen[key] {
				stats.Skipped++
				r.skipped(class, "duplicate")
				return nil
			}
			seen[key] = true

			doc, err := r.adapters.BuildDocument(e)
			if err != nil {
				return fmt.Errorf("failed to build %s: %w", key, err)
			}
			if err := send(ctx, out, message{kind: messageDocument, doc: doc}); err != nil {
				return err
			}
			stats.Documents++
			done++
			r.progress.Advanced(class, done)
			if r.metrics != nil {
				r.metrics.ReindexedDocuments.WithLabelValues(class).Inc()
			}

			if opts.Progressive && opts.BatchSize > 0 {
				pending++
				if pending >= opts.BatchSize {
					pending = 0
					return send(ctx, out, message{kind: messageCommit})
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to stream %s: %w", class, err)
		}
		r.progress.ClassFinished(class, done)
	}
	return nil
}

func (r *Reindexer) skipped(class, reason string) {
	if r.metrics != nil {
		r.metrics.ReindexSkipped.WithLabelValues(class, reason).Inc()
	}
}

func (r *Reindexer) openWriter(ctx context.Context, idx *store.Index) (*store.AsyncWriter, error) {
	return worker.RetryOnLock(ctx, r.lockRetry, idx.Writer, func() {
		if r.metrics != nil {
			r.metrics.LockRetries.WithLabelValues(idx.Name()).Inc()
		}
	})
}

func apply(w *store.AsyncWriter, msg message) error {
	switch msg.kind {
	case messageDocument:
		return w.AddDocument(msg.doc)
	case messageDeleteType:
		return w.DeleteByTerm(schema.FieldObjectType, msg.objectType)
	}
	return nil
}

func commit(w *store.AsyncWriter) error {
	if err := w.Commit(); err != nil {
		return err
	}
	if err := w.Join(); err != nil && !errors.Is(err, store.ErrWriterNotStarted) {
		return err
	}
	return nil
}

// single writes the whole stream through one writer committed at the end
func (r *Reindexer) single(ctx context.Context, idx *store.Index, opts Options, in <-chan message) (int, error) {
	w, err := r.openWriter(ctx, idx)
	if err != nil {
		return 0, err
	}
	if opts.Clear {
		if err := w.SetMergeType(store.MergeReplaceAll); err != nil {
			_ = w.Cancel()
			return 0, err
		}
	}

	for msg := range in {
		if err := apply(w, msg); err != nil {
			_ = w.Cancel()
			return 0, err
		}
	}
	if err := ctx.Err(); err != nil {
		_ = w.Cancel()
		return 0, err
	}
	if err := commit(w); err != nil {
		return 0, err
	}
	return 1, nil
}

// progressive buffers the stream and writes it through a fresh writer at
// every commit marker
func (r *Reindexer) progressive(ctx context.Context, idx *store.Index, opts Options, in <-chan message) (int, error) {
	commits := 0
	if opts.Clear {
		w, err := r.openWriter(ctx, idx)
		if err != nil {
			return 0, err
		}
		if err := w.SetMergeType(store.MergeReplaceAll); err != nil {
			_ = w.Cancel()
			return 0, err
		}
		if err := commit(w); err != nil {
			return 0, err
		}
		commits++
	}

	var fifo []message
	flush := func() error {
		if len(fifo) == 0 {
			return nil
		}
		w, err := r.openWriter(ctx, idx)
		if err != nil {
			return err
		}
		for _, msg := range fifo {
			if err := apply(w, msg); err != nil {
				_ = w.Cancel()
				return err
			}
		}
		fifo = fifo[:0]
		if err := commit(w); err != nil {
			return err
		}
		commits++
		return nil
	}

	for msg := range in {
		if msg.kind == messageCommit {
			if err := flush(); err != nil {
				return commits, err
			}
			continue
		}
		fifo = append(fifo, msg)
	}
	if err := ctx.Err(); err != nil {
		return commits, err
	}
	if err := flush(); err != nil {
		return commits, err
	}
	return commits, nil
}
