package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP
// surface, the persistence layer, the session cache, and the session
// lifecycle itself.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	cacheLatency    prometheus.Observer
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	sessionsIssued  prometheus.Counter
	sessionsRotated prometheus.Counter
	sessionsRevoked prometheus.Counter
	sessionReuse    prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	sessionsIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_issued_total",
		Help: "Token pairs issued at login",
	})

	sessionsRotated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_rotated_total",
		Help: "Refresh tokens successfully rotated",
	})

	sessionsRevoked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_revoked_total",
		Help: "Refresh tokens revoked without replacement",
	})

	sessionReuse := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_reuse_detected_total",
		Help: "Refresh attempts presenting an already-rotated or revoked token",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, dbQueryDuration, cacheLatency, cacheHits, cacheMisses,
		sessionsIssued, sessionsRotated, sessionsRevoked, sessionReuse, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		dbQueryDuration: dbQueryDuration,
		cacheLatency:    cacheLatency,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		sessionsIssued:  sessionsIssued,
		sessionsRotated: sessionsRotated,
		sessionsRevoked: sessionsRevoked,
		sessionReuse:    sessionReuse,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordCacheOperation records cache hit/miss metrics.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// IncSessionIssued counts a token pair issued at login.
func (m *MetricsService) IncSessionIssued() {
	if m != nil {
		m.sessionsIssued.Inc()
	}
}

// IncSessionRotated counts a successful refresh-token rotation.
func (m *MetricsService) IncSessionRotated() {
	if m != nil {
		m.sessionsRotated.Inc()
	}
}

// IncSessionRevoked counts a revocation without replacement.
func (m *MetricsService) IncSessionRevoked() {
	if m != nil {
		m.sessionsRevoked.Inc()
	}
}

// IncSessionReuseDetected counts a rejected replay attempt.
func (m *MetricsService) IncSessionReuseDetected() {
	if m != nil {
		m.sessionReuse.Inc()
	}
}
