package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/linkflow-ai/contentindex/internal/content"
	"github.com/linkflow-ai/contentindex/internal/indexing/adapters/http/handlers"
	authmw "github.com/linkflow-ai/contentindex/internal/indexing/adapters/http/middleware"
	"github.com/linkflow-ai/contentindex/internal/indexing/adapters/repository/postgres"
	"github.com/linkflow-ai/contentindex/internal/indexing/app/service"
	"github.com/linkflow-ai/contentindex/internal/indexing/listener"
	"github.com/linkflow-ai/contentindex/internal/indexing/security"
	"github.com/linkflow-ai/contentindex/internal/platform/cache"
	"github.com/linkflow-ai/contentindex/internal/platform/config"
	"github.com/linkflow-ai/contentindex/internal/platform/database"
	"github.com/linkflow-ai/contentindex/internal/platform/health"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/metrics"
	"github.com/linkflow-ai/contentindex/internal/platform/middleware"
	"github.com/linkflow-ai/contentindex/internal/platform/queue"
	"github.com/linkflow-ai/contentindex/internal/platform/telemetry"
)

// maxRequestBytes bounds request bodies; the API only serves GETs
const maxRequestBytes = 1 << 20

type Server struct {
	config     *config.Config
	logger     logger.Logger
	telemetry  *telemetry.Telemetry
	httpServer *http.Server
	db         *database.DB
	cache      *cache.RedisCache
	queue      queue.Queue
	metrics    *metrics.Metrics
	health     *health.Handler
	index      *service.IndexService
}

type Option func(*Server)

func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.config = cfg }
}

func WithLogger(logger logger.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithTelemetry(telemetry *telemetry.Telemetry) Option {
	return func(s *Server) { s.telemetry = telemetry }
}

func New(opts ...Option) (*Server, error) {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}
	if s.config == nil || s.logger == nil {
		return nil, errors.New("server requires a config and a logger")
	}

	if err := s.initialize(); err != nil {
		s.closeResources()
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return s, nil
}

func (s *Server) initialize() error {
	db, err := database.New(s.config.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	classes, err := content.NewRegistry()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.Migrate(ctx, db.DB, classes); err != nil {
		return err
	}

	s.metrics = metrics.NewMetrics("indexer")

	var roles security.RoleLookup = postgres.NewRoleRepository(db.DB)
	if s.config.Redis.Host != "" {
		redisCache, err := cache.NewRedisCache(cache.Config{
			Host:         s.config.Redis.Host,
			Port:         s.config.Redis.Port,
			Password:     s.config.Redis.Password,
			DB:           s.config.Redis.DB,
			PoolSize:     s.config.Redis.PoolSize,
			MinIdleConns: s.config.Redis.MinIdleConns,
			KeyPrefix:    "indexer",
			DefaultTTL:   s.config.Redis.RoleCacheTTL,
		})
		if err != nil {
			s.logger.Warn("Failed to initialize Redis cache, role lookups are not cached", "error", err)
		} else {
			s.cache = redisCache
			roles = security.NewCachedRoleLookup(roles, redisCache, s.config.Redis.RoleCacheTTL, s.metrics)
		}
	}

	q, err := NewQueue(s.config, s.logger)
	if err != nil {
		return err
	}
	s.queue = q

	deps := service.Dependencies{
		Classes:  classes,
		Entities: postgres.NewEntityRepository(db.DB, classes),
		Roles:    roles,
		TxM:      db.TxManager,
		Queue:    q,
		Metrics:  s.metrics,
	}
	if s.telemetry != nil {
		deps.Tracer = s.telemetry.Tracer()
	}

	s.index = service.NewIndexService(service.Config{
		IndexPath:  s.config.Search.IndexPath(),
		Indexes:    s.config.Search.Indexes,
		Workers:    s.config.Search.Workers,
		MaxRetries: s.config.Queue.MaxRetries,
		Boosts:     s.config.Search.DefaultBoosts,

		EnqueueAttempts: s.config.Queue.EnqueueAttempts,
		EnqueueBackoff:  s.config.Queue.EnqueueBackoff,
	}, deps, s.logger)
	if err := s.index.RegisterClasses(); err != nil {
		return err
	}
	s.index.RegisterValueProvider(content.SlugProvider)
	s.index.RegisterSearchFilter(content.StatusFilter)

	s.health = health.NewHandler(s.config.Service.Name, s.config.Version)
	s.health.AddCheck("database", db.HealthCheck)
	s.health.AddCheck("index", s.index.HealthCheck)
	if checker, ok := q.(interface{ HealthCheck(context.Context) error }); ok {
		s.health.AddCheck("queue", checker.HealthCheck)
	}
	if s.cache != nil {
		s.health.AddCheck("cache", s.cache.HealthCheck)
	}

	auth := authmw.NewAuthMiddleware([]byte(s.config.Auth.JWTSecret), s.config.Auth.ManagerRole, s.logger)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTP.Port),
		Handler:      NewRouter(s.index, s.health, s.metrics, auth, s.logger),
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
		IdleTimeout:  s.config.HTTP.IdleTimeout,
	}
	return nil
}

// NewRouter mounts the search and reindex API, the health checks and the metrics endpoint
func NewRouter(index *service.IndexService, h *health.Handler, m *metrics.Metrics, auth *authmw.AuthMiddleware, log logger.Logger) http.Handler {
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	router.Handle("/metrics", m.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware, listener.Middleware)
	handlers.NewSearchHandler(index, log, content.StatusParam).RegisterRoutes(api)
	handlers.NewReindexHandler(index, log).RegisterRoutes(api)

	var handler http.Handler = router
	handler = middleware.RequestSizeLimit(maxRequestBytes)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = m.HTTPMetricsMiddleware()(handler)
	handler = middleware.RequestLogging(log)(handler)
	return handler
}

// Index returns the index service
func (s *Server) Index() *service.IndexService { return s.index }

// Start opens the indexes, runs the workers and serves HTTP until Shutdown
func (s *Server) Start(ctx context.Context) error {
	if err := s.index.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("Starting HTTP server", "port", s.config.HTTP.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	s.closeResources()
	return nil
}

// closeResources releases what initialize acquired, workers first
func (s *Server) closeResources() {
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			s.logger.Error("Failed to close indexes", "error", err)
		}
	}
	if s.queue != nil {
		_ = s.queue.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
