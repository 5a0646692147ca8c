package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  *prometheus.GaugeVec

	// Index update jobs
	JobsEnqueued      *prometheus.CounterVec
	JobsEnqueueFailed *prometheus.CounterVec
	JobsProcessed     *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	LockRetries       *prometheus.CounterVec
	QueueDepth        prometheus.Gauge

	// Index store
	DocumentsAdded   *prometheus.CounterVec
	DocumentsDeleted *prometheus.CounterVec

	// Search
	SearchesTotal  *prometheus.CounterVec
	SearchDuration *prometheus.HistogramVec
	SearchHits     *prometheus.HistogramVec

	// Bulk reindex
	ReindexedDocuments *prometheus.CounterVec
	ReindexSkipped     *prometheus.CounterVec

	// Role cache
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the indexing metrics in their own registry
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPActiveRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_active_requests",
				Help:      "Number of active HTTP requests",
			},
			[]string{"method"},
		),

		JobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_jobs_enqueued_total",
				Help:      "Index update jobs enqueued after a commit",
			},
			[]string{"index"},
		),
		JobsEnqueueFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_jobs_enqueue_failed_total",
				Help:      "Committed changes dropped because the job could not be enqueued",
			},
			[]string{"index", "reason"},
		),
		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_jobs_processed_total",
				Help:      "Index update jobs processed by status",
			},
			[]string{"index", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "index_job_duration_seconds",
				Help:      "Time spent applying one index update job",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"index"},
		),
		LockRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_lock_retries_total",
				Help:      "Attempts to open a writer that found the index locked",
			},
			[]string{"index"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_queue_depth",
				Help:      "Index update jobs waiting in the queue",
			},
		),

		DocumentsAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_documents_added_total",
				Help:      "Documents added to the index",
			},
			[]string{"index"},
		),
		DocumentsDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_documents_deleted_total",
				Help:      "Delete operations sent to the index",
			},
			[]string{"index"},
		),

		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "searches_total",
				Help:      "Searches by outcome",
			},
			[]string{"index", "status"},
		),
		SearchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_duration_seconds",
				Help:      "Search latency in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"index"},
		),
		SearchHits: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_hits",
				Help:      "Number of hits returned per search",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 6),
			},
			[]string{"index"},
		),

		ReindexedDocuments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reindexed_documents_total",
				Help:      "Documents sent to the index by the bulk reindex",
			},
			[]string{"class"},
		),
		ReindexSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reindex_skipped_total",
				Help:      "Instances skipped by the bulk reindex by reason",
			},
			[]string{"class", "reason"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"cache"},
		),

		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPActiveRequests,
		m.JobsEnqueued,
		m.JobsEnqueueFailed,
		m.JobsProcessed,
		m.JobDuration,
		m.LockRetries,
		m.QueueDepth,
		m.DocumentsAdded,
		m.DocumentsDeleted,
		m.SearchesTotal,
		m.SearchDuration,
		m.SearchHits,
		m.ReindexedDocuments,
		m.ReindexSkipped,
		m.CacheHits,
		m.CacheMisses,
	)
	return m
}

// Registry returns the registry the metrics are registered in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler for the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMetricsMiddleware returns middleware that collects HTTP metrics
func (m *Metrics) HTTPMetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPActiveRequests.WithLabelValues(r.Method).Inc()
			defer m.HTTPActiveRequests.WithLabelValues(r.Method).Dec()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
