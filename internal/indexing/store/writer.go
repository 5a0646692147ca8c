package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
)

var (
	// ErrWriterNotStarted is returned by Join when no operation ever started
	// the writer goroutine
	ErrWriterNotStarted = errors.New("writer goroutine was never started")
	// ErrWriterClosed is returned when a committed or cancelled writer is used
	ErrWriterClosed = errors.New("writer is closed")
)

// MergeType controls what a commit does with existing documents
type MergeType int

const (
	// MergeDefault keeps documents not touched by the writer
	MergeDefault MergeType = iota
	// MergeReplaceAll drops every document present before the writer opened
	MergeReplaceAll
)

// scanPageSize is the page size used to resolve term and replace-all deletes
const scanPageSize = 1000

type opKind int

const (
	opAdd opKind = iota
	opDeleteTerm
	opReplaceAll
)

type writeOp struct {
	kind  opKind
	doc   map[string]interface{}
	id    string
	field string
	term  string
}

// AsyncWriter queues operations to a goroutine building a single batch. The
// batch is applied on Commit, discarded on Cancel. Operations apply in the
// order they were queued.
type AsyncWriter struct {
	index *Index

	mu        sync.Mutex
	ops       chan writeOp
	finished  chan struct{}
	started   bool
	closed    bool
	cancelled bool
	err       error
	added     int
	deleted   int
}

func newAsyncWriter(i *Index) *AsyncWriter {
	return &AsyncWriter{
		index:    i,
		ops:      make(chan writeOp, 256),
		finished: make(chan struct{}),
	}
}

func (w *AsyncWriter) send(op writeOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if !w.started {
		w.started = true
		go w.run()
	}
	w.ops <- op
	return nil
}

// AddDocument validates doc against the schema and queues it
func (w *AsyncWriter) AddDocument(doc model.Document) error {
	prepared, err := prepareDocument(w.index.schema, doc)
	if err != nil {
		return err
	}
	return w.send(writeOp{kind: opAdd, id: doc.ObjectKey(), doc: prepared})
}

// DeleteByTerm queues the removal of documents whose field equals term
func (w *AsyncWriter) DeleteByTerm(field, term string) error {
	return w.send(writeOp{kind: opDeleteTerm, field: field, term: term})
}

// SetMergeType queues a merge policy change; MergeReplaceAll drops every
// document the index held before this writer
func (w *AsyncWriter) SetMergeType(mt MergeType) error {
	if mt != MergeReplaceAll {
		return nil
	}
	return w.send(writeOp{kind: opReplaceAll})
}

// Commit applies the queued operations and releases the writer lock
func (w *AsyncWriter) Commit() error {
	return w.finish(false)
}

// Cancel discards the queued operations and releases the writer lock
func (w *AsyncWriter) Cancel() error {
	return w.finish(true)
}

func (w *AsyncWriter) finish(cancel bool) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.closed = true
	w.cancelled = cancel
	started := w.started
	close(w.ops)
	w.mu.Unlock()

	defer w.index.writeMu.Unlock()

	if !started {
		return nil
	}
	<-w.finished
	return w.err
}

// Join waits for the writer goroutine to drain
func (w *AsyncWriter) Join() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	if !started {
		return ErrWriterNotStarted
	}
	<-w.finished
	return w.err
}

// Stats returns the number of documents added and deleted by the commit
func (w *AsyncWriter) Stats() (added, deleted int) {
	if w.Join() != nil {
		return 0, 0
	}
	return w.added, w.deleted
}

func (w *AsyncWriter) run() {
	defer close(w.finished)

	idx := w.index.bleve
	batch := idx.NewBatch()
	var firstErr error

	for op := range w.ops {
		if firstErr != nil {
			continue
		}
		switch op.kind {
		case opAdd:
			if err := batch.Index(op.id, op.doc); err != nil {
				firstErr = fmt.Errorf("%w: %s: %v", model.ErrDocumentValidation, op.id, err)
				continue
			}
			w.added++
		case opDeleteTerm:
			ids, err := w.matchingIDs(op.field, op.term)
			if err != nil {
				firstErr = err
				continue
			}
			for _, id := range ids {
				batch.Delete(id)
			}
			w.deleted += len(ids)
		case opReplaceAll:
			ids, err := w.scan(bleve.NewMatchAllQuery())
			if err != nil {
				firstErr = err
				continue
			}
			for _, id := range ids {
				batch.Delete(id)
			}
			w.deleted += len(ids)
		}
	}

	w.mu.Lock()
	cancelled := w.cancelled
	w.mu.Unlock()

	if firstErr != nil {
		w.err = firstErr
		return
	}
	if cancelled || batch.Size() == 0 {
		return
	}
	if err := idx.Batch(batch); err != nil {
		w.err = fmt.Errorf("failed to commit batch on %s: %w", w.index.name, err)
	}
}

func (w *AsyncWriter) matchingIDs(field, term string) ([]string, error) {
	if field == schema.FieldObjectKey {
		return []string{term}, nil
	}
	q := bleve.NewTermQuery(term)
	q.SetField(field)
	return w.scan(q)
}

func (w *AsyncWriter) scan(q query.Query) ([]string, error) {
	var ids []string
	for from := 0; ; from += scanPageSize {
		req := bleve.NewSearchRequestOptions(q, scanPageSize, from, false)
		res, err := w.index.bleve.Search(req)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve deletions on %s: %w", w.index.name, err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < scanPageSize {
			return ids, nil
		}
	}
}

// prepareDocument checks the required fields and converts values into the
// shapes the bleve mapping expects
func prepareDocument(s *schema.Registry, doc model.Document) (map[string]interface{}, error) {
	for _, required := range []string{schema.FieldObjectKey, schema.FieldObjectType, schema.FieldAllowedRolesAndUsers} {
		v, ok := doc[required].(string)
		if !ok || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%w: missing %s", model.ErrDocumentValidation, required)
		}
	}
	if _, ok := doc[schema.FieldID]; !ok {
		return nil, fmt.Errorf("%w: missing %s", model.ErrDocumentValidation, schema.FieldID)
	}

	out := make(map[string]interface{}, len(doc))
	for name, value := range doc {
		f, ok := s.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s: unknown field %q", model.ErrDocumentValidation, doc.ObjectKey(), name)
		}
		converted, err := convertValue(f, value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: field %q: %v", model.ErrDocumentValidation, doc.ObjectKey(), name, err)
		}
		out[name] = converted
	}
	return out, nil
}

func convertValue(f schema.Field, v interface{}) (interface{}, error) {
	switch f.Kind {
	case schema.KindNumeric:
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case uint:
			return float64(n), nil
		case uint32:
			return float64(n), nil
		case uint64:
			return float64(n), nil
		case float32:
			return float64(n), nil
		case float64:
			return n, nil
		}
		return nil, fmt.Errorf("expected a number, got %T", v)
	case schema.KindDateTime:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			parsed, err := time.Parse(time.RFC3339, t)
			if err != nil {
				return nil, err
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("expected a time, got %T", v)
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	}
}
