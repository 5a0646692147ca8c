package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
)

// objectTypeFacetSize bounds the number of distinct types ObjectTypes reports
const objectTypeFacetSize = 1000

// Index is one named bleve index with an exclusive writer lock
type Index struct {
	name    string
	bleve   bleve.Index
	schema  *schema.Registry
	logger  logger.Logger
	writeMu sync.Mutex
}

// Name returns the index name
func (i *Index) Name() string { return i.name }

// Schema returns the schema documents are validated against
func (i *Index) Schema() *schema.Registry { return i.schema }

// Writer acquires the writer lock and returns a new asynchronous writer. It
// fails with model.ErrLocked while another writer is open.
func (i *Index) Writer() (*AsyncWriter, error) {
	if !i.writeMu.TryLock() {
		return nil, fmt.Errorf("index %s: %w", i.name, model.ErrLocked)
	}
	return newAsyncWriter(i), nil
}

// Search runs a request against the committed state of the index
func (i *Index) Search(ctx context.Context, req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	return i.bleve.SearchInContext(ctx, req)
}

// Analyze returns the terms the named analyzer of the index mapping produces
// for text
func (i *Index) Analyze(analyzer, text string) ([]string, error) {
	tokens, err := i.bleve.Mapping().AnalyzeText(analyzer, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("analyze with %s: %w", analyzer, err)
	}
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		terms = append(terms, string(tok.Term))
	}
	return terms, nil
}

// DocCount returns the number of documents in the index
func (i *Index) DocCount() (uint64, error) {
	return i.bleve.DocCount()
}

// Document returns the stored fields of the document with the given key
func (i *Index) Document(ctx context.Context, objectKey string) (map[string]interface{}, bool, error) {
	q := bleve.NewDocIDQuery([]string{objectKey})
	req := bleve.NewSearchRequestOptions(q, 1, 0, false)
	req.Fields = []string{"*"}

	res, err := i.bleve.SearchInContext(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if len(res.Hits) == 0 {
		return nil, false, nil
	}
	return res.Hits[0].Fields, true, nil
}

// ObjectTypes returns the distinct object types present in the index
func (i *Index) ObjectTypes(ctx context.Context) ([]string, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 0, 0, false)
	req.AddFacet(schema.FieldObjectType, bleve.NewFacetRequest(schema.FieldObjectType, objectTypeFacetSize))

	res, err := i.bleve.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("object types facet: %w", err)
	}

	var types []string
	if facet, ok := res.Facets[schema.FieldObjectType]; ok && facet.Terms != nil {
		for _, t := range facet.Terms.Terms() {
			types = append(types, t.Term)
		}
	}
	sort.Strings(types)
	return types, nil
}
