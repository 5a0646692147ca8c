package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/linkflow-ai/contentindex/internal/indexing/adapter"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/domain/repository"
	"github.com/linkflow-ai/contentindex/internal/indexing/listener"
	"github.com/linkflow-ai/contentindex/internal/indexing/query"
	"github.com/linkflow-ai/contentindex/internal/indexing/reindex"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
	"github.com/linkflow-ai/contentindex/internal/indexing/security"
	"github.com/linkflow-ai/contentindex/internal/indexing/store"
	"github.com/linkflow-ai/contentindex/internal/indexing/worker"
	"github.com/linkflow-ai/contentindex/internal/platform/database"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
	"github.com/linkflow-ai/contentindex/internal/platform/queue"
	"github.com/linkflow-ai/contentindex/internal/platform/resilience"
)

// Config holds the index service settings
type Config struct {
	// IndexPath is the storage root, empty for in-memory indexes
	IndexPath string
	Indexes   []string
	// Index receives the jobs of committed transactions
	Index      string
	Workers    int
	MaxRetries int
	Boosts     map[string]float64
	// EnqueueAttempts and EnqueueBackoff bound the retries of a failed
	// enqueue after commit
	EnqueueAttempts int
	EnqueueBackoff  time.Duration
}

// Dependencies are the collaborators of the index service. Metrics, Tracer
// and Roles may be nil.
type Dependencies struct {
	Classes  *model.ClassRegistry
	Entities repository.EntityRepository
	Roles    security.RoleLookup
	TxM      *database.TxManager
	Queue    queue.Queue
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
}

// IndexService owns the indexing registries and wires the listener, the
// worker pool and the query service around them
type IndexService struct {
	cfg  Config
	deps Dependencies

	schema   *schema.Registry
	adapters *adapter.Registry
	stores   *store.Manager
	listener *listener.Listener
	worker   *worker.Worker
	pool     *worker.Pool
	query    *query.Service
	logger   logger.Logger
	rebuilds rebuilds

	started bool
}

// NewIndexService creates the service. Classes are registered with
// RegisterClasses and indexes opened with Start.
func NewIndexService(cfg Config, deps Dependencies, log logger.Logger) *IndexService {
	if cfg.Index == "" {
		cfg.Index = store.DefaultIndex
	}
	if len(cfg.Indexes) == 0 {
		cfg.Indexes = []string{cfg.Index}
	}

	s := &IndexService{
		cfg:    cfg,
		deps:   deps,
		schema: schema.Default(),
		logger: log,
	}
	s.adapters = adapter.NewRegistry(s.schema, deps.Classes)
	s.stores = store.NewManager(cfg.IndexPath, cfg.Indexes, s.schema, log)

	workerOpts := []worker.Option{worker.WithMetrics(deps.Metrics)}
	queryOpts := []query.ServiceOption{query.WithMetrics(deps.Metrics)}
	if deps.Tracer != nil {
		workerOpts = append(workerOpts, worker.WithTracer(deps.Tracer))
		queryOpts = append(queryOpts, query.WithTracer(deps.Tracer))
	}

	s.worker = worker.New(s.stores, s.adapters, deps.Entities, deps.TxM, log, workerOpts...)
	s.query = query.NewService(s.stores, s.adapters, deps.Roles, cfg.Boosts, log, queryOpts...)
	if deps.Queue != nil {
		s.listener = listener.New(s.adapters.IsIndexable, deps.Queue, cfg.Index, log,
			listener.WithMetrics(deps.Metrics),
			listener.WithMaxRetries(cfg.MaxRetries),
			listener.WithBreaker(s.enqueueBreaker(), cfg.EnqueueAttempts, cfg.EnqueueBackoff),
		)
		s.pool = worker.NewPool(s.worker, deps.Queue, cfg.Workers, log, deps.Metrics)
	}
	return s
}

func (s *IndexService) enqueueBreaker() *resilience.CircuitBreaker {
	cfg := resilience.DefaultConfig("index-queue")
	cfg.OnStateChange = func(name string, from, to resilience.State) {
		s.logger.Warn("Queue circuit breaker changed state",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	}
	return resilience.NewCircuitBreaker(cfg)
}

// RegisterClasses creates the adapter of every registered class
func (s *IndexService) RegisterClasses() error {
	if err := s.adapters.RegisterAll(); err != nil {
		return fmt.Errorf("failed to register adapters: %w", err)
	}
	s.logger.Info("Indexed classes registered", "classes", s.adapters.IndexedClasses())
	return nil
}

// RegisterValueProvider adds a hook run on every built document
func (s *IndexService) RegisterValueProvider(p adapter.ValueProvider) {
	s.adapters.RegisterValueProvider(p)
}

// RegisterSearchFilter adds a filter hook consulted by every search
func (s *IndexService) RegisterSearchFilter(h query.FilterHook) {
	s.query.RegisterFilter(h)
}

// Open opens the indexes, freezing the schema, and subscribes the commit
// listener to the transaction manager
func (s *IndexService) Open(ctx context.Context) error {
	if err := s.stores.Open(ctx); err != nil {
		return err
	}
	if s.listener != nil && s.deps.TxM != nil {
		s.deps.TxM.Subscribe(s.listener)
	}
	return nil
}

// Start opens the service and runs the worker pool
func (s *IndexService) Start(ctx context.Context) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	if s.pool != nil && s.cfg.Workers > 0 {
		s.pool.Start(ctx)
		s.started = true
	}
	return nil
}

// Search runs a query for the caller stored in ctx
func (s *IndexService) Search(ctx context.Context, q string, opts ...query.Option) (*model.SearchResult, error) {
	return s.query.Search(ctx, q, opts...)
}

// ObjectTypes returns the registered types present in index
func (s *IndexService) ObjectTypes(ctx context.Context, index string) ([]model.ObjectType, error) {
	return s.query.ObjectTypes(ctx, index)
}

// Reindex rebuilds an index from the database
func (s *IndexService) Reindex(ctx context.Context, opts reindex.Options, progress reindex.Progress) (reindex.Stats, error) {
	ropts := []reindex.Option{reindex.WithMetrics(s.deps.Metrics)}
	if progress != nil {
		ropts = append(ropts, reindex.WithProgress(progress))
	}
	return reindex.New(s.adapters, s.deps.Entities, s.stores, s.logger, ropts...).Run(ctx, opts)
}

// ProcessPending hands queued tasks to the worker pool until the queue is
// empty or a whole pass fails, and returns the number handled. It is used
// when no pool goroutines run.
func (s *IndexService) ProcessPending(ctx context.Context) (int, error) {
	if s.pool == nil {
		return 0, errors.New("no task queue configured")
	}
	handled := 0
	for {
		n, err := s.deps.Queue.Len(ctx)
		if err != nil {
			return handled, err
		}
		if n == 0 {
			return handled, nil
		}

		completed := s.pool.Stats().Completed
		for i := int64(0); i < n; i++ {
			task, err := s.deps.Queue.Dequeue(ctx)
			if err != nil {
				return handled, err
			}
			s.pool.Handle(ctx, task)
			handled++
		}
		if s.pool.Stats().Completed == completed {
			return handled, nil
		}
	}
}

// Adapters returns the adapter registry
func (s *IndexService) Adapters() *adapter.Registry { return s.adapters }

// Schema returns the document schema
func (s *IndexService) Schema() *schema.Registry { return s.schema }

// Stores returns the index manager
func (s *IndexService) Stores() *store.Manager { return s.stores }

// Listener returns the commit listener, nil without a queue
func (s *IndexService) Listener() *listener.Listener { return s.listener }

// Worker returns the job worker
func (s *IndexService) Worker() *worker.Worker { return s.worker }

// Pool returns the worker pool, nil without a queue
func (s *IndexService) Pool() *worker.Pool { return s.pool }

// HealthCheck verifies the indexes are open
func (s *IndexService) HealthCheck(ctx context.Context) error {
	return s.stores.HealthCheck(ctx)
}

// Close stops a background rebuild and the pool, then closes the indexes
func (s *IndexService) Close() error {
	s.rebuilds.stop()
	if s.started {
		s.pool.Stop()
		s.started = false
	}
	return s.stores.Close()
}
