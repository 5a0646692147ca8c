// Package memory holds in-process repositories. Writes become visible when
// the outermost transaction commits, like the SQL repositories.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/repository"
	"github.com/linkflow-ai/contentindex/internal/platform/database"
)

// EntityRepository stores records in memory
type EntityRepository struct {
	classes *model.ClassRegistry

	mu      sync.RWMutex
	rows    map[uint64]*model.Record
	nextID  uint64
	failing map[string]error
	// inserted holds every key handed out by Save, committed or not
	inserted map[uint64]bool
}

var _ repository.EntityRepository = (*EntityRepository)(nil)

// NewEntityRepository creates an empty repository
func NewEntityRepository(classes *model.ClassRegistry) *EntityRepository {
	return &EntityRepository{
		classes: classes,
		rows:     make(map[uint64]*model.Record),
		failing:  make(map[string]error),
		inserted: make(map[uint64]bool),
	}
}

// FailCount makes Count fail for class
func (r *EntityRepository) FailCount(class string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[class] = err
}

// Get returns a copy of the stored record
func (r *EntityRepository) Get(ctx context.Context, tx *database.Tx, class string, pk uint64) (model.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.rows[pk]
	if !ok || !r.classes.IsA(rec.Class, class) {
		return nil, fmt.Errorf("%s: %w", model.ObjectKey(class, pk), model.ErrEntityNotFound)
	}
	return rec.Clone(), nil
}

// Count counts instances of class and its subclasses
func (r *EntityRepository) Count(ctx context.Context, tx *database.Tx, class string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.failing[class]; err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range r.rows {
		if r.classes.IsA(rec.Class, class) {
			n++
		}
	}
	return n, nil
}

// Iterate walks instances in primary key order using keyset pagination
func (r *EntityRepository) Iterate(ctx context.Context, tx *database.Tx, class string, batchSize int, fn func(model.Entity) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var last uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := r.page(class, last, batchSize)
		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
			last = rec.PK
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}

func (r *EntityRepository) page(class string, after uint64, limit int) []*model.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Record
	for pk, rec := range r.rows {
		if pk > after && r.classes.IsA(rec.Class, class) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PK < out[j].PK })
	if len(out) > limit {
		out = out[:limit]
	}
	for i, rec := range out {
		out[i] = rec.Clone()
	}
	return out
}

// Save assigns a primary key to new records and stores a snapshot on commit.
// Like an INSERT followed by an UPDATE, saving a record again before the
// commit is tracked as a change.
func (r *EntityRepository) Save(ctx context.Context, tx *database.Tx, rec *model.Record) error {
	if _, ok := r.classes.Get(rec.Class); !ok {
		return fmt.Errorf("%s: %w", rec.Class, model.ErrUnknownClass)
	}

	r.mu.Lock()
	kind := database.ChangeDirty
	if rec.PK == 0 {
		r.nextID++
		rec.PK = r.nextID
		rec.CreatedAt = time.Now()
		kind = database.ChangeNew
	} else if _, exists := r.rows[rec.PK]; !exists && !r.inserted[rec.PK] {
		kind = database.ChangeNew
		if rec.PK > r.nextID {
			r.nextID = rec.PK
		}
	}
	r.inserted[rec.PK] = true
	r.mu.Unlock()

	rec.UpdatedAt = time.Now()
	snapshot := rec.Clone()
	tx.OnCommit(func() {
		r.mu.Lock()
		r.rows[snapshot.PK] = snapshot
		r.mu.Unlock()
	})
	tx.Track(kind, rec)
	return nil
}

// Delete removes the record on commit
func (r *EntityRepository) Delete(ctx context.Context, tx *database.Tx, rec *model.Record) error {
	pk := rec.PK
	tx.OnCommit(func() {
		r.mu.Lock()
		delete(r.rows, pk)
		r.mu.Unlock()
	})
	tx.Track(database.ChangeDeleted, rec)
	return nil
}
