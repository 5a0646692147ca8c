// Package query runs user searches against an index, restricted to what
// the caller may read
package query

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	bq "github.com/blevesearch/bleve/v2/search/query"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linkflow-ai/contentindex/internal/indexing/adapter"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
	"github.com/linkflow-ai/contentindex/internal/indexing/security"
	"github.com/linkflow-ai/contentindex/internal/indexing/store"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
)

const (
	// CollapseLimit is the number of hits kept per type in a faceted search
	CollapseLimit = 5
	// DefaultLimit is the number of hits returned when no limit is given
	DefaultLimit = 10

	// facetScanPages bounds the pages read while filling facet groups
	facetScanPages = 10
	prefixSuffix   = "_prefix"
)

// storedFields asks bleve for every stored field of a hit
var storedFields = []string{"*"}

// Request is a resolved search request
type Request struct {
	Query       string
	Index       string
	Fields      map[string]float64
	Types       []string
	Prefix      bool
	FacetByType bool
	Limit       int
	Extras      map[string]string
}

// Option adjusts a search request
type Option func(*Request)

// InIndex searches the named index instead of the default one
func InIndex(name string) Option {
	return func(r *Request) { r.Index = name }
}

// WithFields replaces the default field boosts
func WithFields(boosts map[string]float64) Option {
	return func(r *Request) { r.Fields = boosts }
}

// ForTypes restricts hits to the given class names
func ForTypes(types ...string) Option {
	return func(r *Request) { r.Types = append(r.Types, types...) }
}

// WithoutPrefix disables the *_prefix fields
func WithoutPrefix() Option {
	return func(r *Request) { r.Prefix = false }
}

// FacetByType groups hits per object type
func FacetByType() Option {
	return func(r *Request) { r.FacetByType = true }
}

// WithLimit caps the number of hits of an ungrouped search
func WithLimit(n int) Option {
	return func(r *Request) {
		if n > 0 {
			r.Limit = n
		}
	}
}

// WithExtra passes a named value through to the filter hooks
func WithExtra(key, value string) Option {
	return func(r *Request) {
		if r.Extras == nil {
			r.Extras = make(map[string]string)
		}
		r.Extras[key] = value
	}
}

// FilterHook contributes an extra filter to every search. Returning nil adds
// nothing.
type FilterHook func(ctx context.Context, req *Request) bq.Query

// Indexes resolves index names to open indexes
type Indexes interface {
	Index(name string) (*store.Index, error)
}

// Service executes searches
type Service struct {
	indexes  Indexes
	adapters *adapter.Registry
	roles    security.RoleLookup
	boosts   map[string]float64
	logger   logger.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	mu      sync.RWMutex
	filters []FilterHook
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithMetrics records search outcomes on m
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithTracer sets the tracer used for search spans
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) { s.tracer = t }
}

// NewService creates a query service. boosts are the default field boosts;
// roles may be nil when no access-control service is available.
func NewService(indexes Indexes, adapters *adapter.Registry, roles security.RoleLookup, boosts map[string]float64, log logger.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		indexes:  indexes,
		adapters: adapters,
		roles:    roles,
		boosts:   boosts,
		logger:   log,
		tracer:   otel.Tracer("indexing/query"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterFilter adds a filter hook consulted by every search
func (s *Service) RegisterFilter(h FilterHook) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.filters = append(s.filters, h)
	s.mu.Unlock()
}

// Search runs q and returns the hits, or the hits grouped per object type
// when faceting
func (s *Service) Search(ctx context.Context, q string, opts ...Option) (result *model.SearchResult, err error) {
	req := &Request{Query: q, Index: store.DefaultIndex, Prefix: true, Limit: DefaultLimit}
	for _, opt := range opts {
		opt(req)
	}

	ctx, span := s.tracer.Start(ctx, "query.Search", trace.WithAttributes(
		attribute.String("index", req.Index),
		attribute.Bool("facet", req.FacetByType),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if s.metrics != nil {
			s.metrics.SearchesTotal.WithLabelValues(req.Index, status).Inc()
			s.metrics.SearchDuration.WithLabelValues(req.Index).Observe(time.Since(start).Seconds())
			if result != nil {
				s.metrics.SearchHits.WithLabelValues(req.Index).Observe(float64(result.Total))
			}
		}
	}()

	idx, err := s.indexes.Index(req.Index)
	if err != nil {
		return nil, err
	}

	parsed, err := s.parse(req, idx)
	if err != nil {
		return nil, err
	}

	types := s.types(req)
	if len(types) == 0 {
		return &model.SearchResult{TookMs: time.Since(start).Milliseconds()}, nil
	}

	filters, err := s.filtersFor(ctx, req, types)
	if err != nil {
		return nil, err
	}
	final := bleve.NewConjunctionQuery(append([]bq.Query{parsed}, filters...)...)

	if req.FacetByType {
		result, err = s.facetSearch(ctx, idx, final, len(types))
	} else {
		result, err = s.plainSearch(ctx, idx, final, req.Limit)
	}
	if err != nil {
		s.logger.Error("Search failed", "index", req.Index, "query", req.Query, "error", err)
		return nil, err
	}
	result.TookMs = time.Since(start).Milliseconds()
	return result, nil
}

// fields returns the boosted fields a request searches, sorted by name
func (s *Service) fields(req *Request) ([]string, map[string]float64) {
	boosts := req.Fields
	if len(boosts) == 0 {
		boosts = s.boosts
	}
	sch := s.adapters.Schema()

	names := make([]string, 0, len(boosts))
	for name := range boosts {
		if !sch.Has(name) {
			continue
		}
		if !req.Prefix && strings.HasSuffix(name, prefixSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, boosts
}

// parse turns the user query into a conjunction of per clause disjunctions.
// Clauses the text analyzer reduces to nothing, such as lone punctuation,
// are dropped; they would otherwise match no document.
func (s *Service) parse(req *Request, idx *store.Index) (bq.Query, error) {
	clauses, err := parse(req.Query)
	if err != nil {
		return nil, err
	}
	if len(clauses) == 0 {
		return bleve.NewMatchAllQuery(), nil
	}

	names, boosts := s.fields(req)
	if len(names) == 0 {
		return bleve.NewMatchNoneQuery(), nil
	}

	var must, mustNot []bq.Query
	for _, c := range clauses {
		terms, err := idx.Analyze(schema.TextAnalyzer, c.text)
		if err != nil {
			return nil, err
		}
		if len(terms) == 0 {
			continue
		}
		q := clauseQuery(c, names, boosts)
		if q == nil {
			continue
		}
		if c.negated {
			mustNot = append(mustNot, q)
		} else {
			must = append(must, q)
		}
	}
	if len(must) == 0 {
		must = append(must, bleve.NewMatchAllQuery())
	}

	out := bleve.NewBooleanQuery()
	out.AddMust(must...)
	if len(mustNot) > 0 {
		out.AddMustNot(mustNot...)
	}
	return out, nil
}

func clauseQuery(c clause, fields []string, boosts map[string]float64) bq.Query {
	var alternatives []bq.Query
	for _, field := range fields {
		prefix := strings.HasSuffix(field, prefixSuffix)
		var q bq.Query
		switch {
		case c.phrase && prefix:
			continue
		case c.phrase:
			pq := bleve.NewMatchPhraseQuery(c.text)
			pq.SetField(field)
			pq.SetBoost(boosts[field])
			q = pq
		default:
			mq := bleve.NewMatchQuery(c.text)
			mq.SetField(field)
			mq.SetBoost(boosts[field])
			mq.SetOperator(bq.MatchQueryOperatorAnd)
			if prefix {
				// the query side must not be split into grams
				mq.Analyzer = schema.TextAnalyzer
			}
			q = mq
		}
		alternatives = append(alternatives, q)
	}
	if len(alternatives) == 0 {
		return nil
	}
	return bleve.NewDisjunctionQuery(alternatives...)
}

// types returns the object types a request may see: the requested types
// that are indexed, or every indexed type
func (s *Service) types(req *Request) []string {
	indexed := s.adapters.IndexedClasses()
	if len(req.Types) == 0 {
		return indexed
	}

	requested := make(map[string]bool, len(req.Types))
	for _, t := range req.Types {
		requested[t] = true
	}
	var out []string
	for _, t := range indexed {
		if requested[t] {
			out = append(out, t)
		}
	}
	return out
}

func (s *Service) filtersFor(ctx context.Context, req *Request, types []string) ([]bq.Query, error) {
	var filters []bq.Query

	if !security.IsManager(ctx) {
		markers, err := security.Markers(ctx, security.UserFrom(ctx), s.roles)
		if err != nil {
			return nil, err
		}
		filters = append(filters, termsQuery(schema.FieldAllowedRolesAndUsers, markers))
	}

	filters = append(filters, termsQuery(schema.FieldObjectType, types))

	s.mu.RLock()
	hooks := append([]FilterHook(nil), s.filters...)
	s.mu.RUnlock()
	for _, h := range hooks {
		if f := h(ctx, req); f != nil {
			filters = append(filters, f)
		}
	}
	return filters, nil
}

// termsQuery matches documents whose field holds any of terms
func termsQuery(field string, terms []string) bq.Query {
	alternatives := make([]bq.Query, 0, len(terms))
	for _, term := range terms {
		tq := bleve.NewTermQuery(term)
		tq.SetField(field)
		alternatives = append(alternatives, tq)
	}
	return bleve.NewDisjunctionQuery(alternatives...)
}

func toHit(fields map[string]interface{}, score float64) model.Hit {
	return model.Hit{Fields: fields, Score: score}
}

func (s *Service) plainSearch(ctx context.Context, idx *store.Index, q bq.Query, limit int) (*model.SearchResult, error) {
	sr := bleve.NewSearchRequestOptions(q, limit, 0, false)
	sr.Fields = storedFields

	res, err := idx.Search(ctx, sr)
	if err != nil {
		return nil, err
	}

	hits := make([]model.Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, toHit(h.Fields, h.Score))
	}
	return &model.SearchResult{Total: res.Total, Hits: hits}, nil
}

// facetSearch collects at most CollapseLimit hits per object type, in score
// order, up to CollapseLimit hits per requested type overall
func (s *Service) facetSearch(ctx context.Context, idx *store.Index, q bq.Query, typeCount int) (*model.SearchResult, error) {
	if typeCount < 1 {
		typeCount = 1
	}
	limit := CollapseLimit * typeCount
	pageSize := limit * 4

	result := &model.SearchResult{Facets: make(map[string][]model.Hit)}
	collected := 0

	for page := 0; page < facetScanPages && collected < limit; page++ {
		sr := bleve.NewSearchRequestOptions(q, pageSize, page*pageSize, false)
		sr.Fields = storedFields

		res, err := idx.Search(ctx, sr)
		if err != nil {
			return nil, err
		}
		if page == 0 {
			result.Total = res.Total
		}

		for _, h := range res.Hits {
			hit := toHit(h.Fields, h.Score)
			t := hit.ObjectType()
			group, ok := result.Facets[t]
			if len(group) >= CollapseLimit {
				continue
			}
			if !ok {
				result.FacetOrder = append(result.FacetOrder, t)
			}
			result.Facets[t] = append(group, hit)
			collected++
			if collected == limit {
				break
			}
		}

		if len(res.Hits) < pageSize || uint64((page+1)*pageSize) >= res.Total {
			break
		}
	}
	return result, nil
}

// ObjectTypes returns the registered types present in the named index with
// their labels
func (s *Service) ObjectTypes(ctx context.Context, index string) ([]model.ObjectType, error) {
	if index == "" {
		index = store.DefaultIndex
	}
	idx, err := s.indexes.Index(index)
	if err != nil {
		return nil, err
	}
	present, err := idx.ObjectTypes(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.ObjectType, 0, len(present))
	for _, t := range present {
		if !s.adapters.IsIndexable(t) {
			continue
		}
		out = append(out, model.ObjectType{Name: t, Label: s.adapters.Label(t)})
	}
	return out, nil
}

// IsParseError reports whether err comes from a malformed query
func IsParseError(err error) bool {
	return errors.Is(err, model.ErrQueryParse)
}
