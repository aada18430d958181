package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

// Reconciliation outcomes reported to metrics and logs.
const (
	ReconcileOutcomeNone      = "none"
	ReconcileOutcomeOpened    = "opened"
	ReconcileOutcomeEscalated = "escalated"
	ReconcileOutcomeUnchanged = "unchanged"
	ReconcileOutcomeClosed    = "closed"
	ReconcileOutcomeDeleted   = "deleted"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	reconciliations *prometheus.CounterVec
	reconcileRetry  prometheus.Counter
	caseTransitions *prometheus.CounterVec
	violations      prometheus.Counter

	cacheHitCount       uint64
	cacheMissCount      uint64
	requestCount        uint64
	reconcileCount      uint64
	violationsRecorded  uint64
	caseTransitionCount uint64
}

// MetricsSnapshot is a point-in-time view of the engine counters.
type MetricsSnapshot struct {
	RequestsTotal      uint64    `json:"requests_total"`
	CacheHitRatio      float64   `json:"cache_hit_ratio"`
	Reconciliations    uint64    `json:"reconciliations"`
	ViolationsRecorded uint64    `json:"violations_recorded"`
	CaseTransitions    uint64    `json:"case_transitions"`
	Goroutines         int       `json:"goroutines"`
	GeneratedAt        time.Time `json:"generated_at"`
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

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "discipline_reconciliations_total",
		Help: "Reconciliation passes by trigger and outcome",
	}, []string{"trigger", "outcome"})

	reconcileRetry := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "discipline_reconciliation_retries_total",
		Help: "Reconciliation passes retried after a transaction conflict",
	})

	caseTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "discipline_case_transitions_total",
		Help: "Case status transitions",
	}, []string{"from", "to"})

	violations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "discipline_violations_recorded_total",
		Help: "Violation events recorded",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		reconciliations, reconcileRetry, caseTransitions, violations, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		reconciliations: reconciliations,
		reconcileRetry:  reconcileRetry,
		caseTransitions: caseTransitions,
		violations:      violations,
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

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordReconciliation counts one reconciliation pass.
func (m *MetricsService) RecordReconciliation(trigger, outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(trigger, outcome).Inc()
	atomic.AddUint64(&m.reconcileCount, 1)
}

// RecordReconciliationRetry counts a retried reconciliation.
func (m *MetricsService) RecordReconciliationRetry() {
	if m == nil {
		return
	}
	m.reconcileRetry.Inc()
}

// RecordCaseTransition counts a case status change.
func (m *MetricsService) RecordCaseTransition(from, to models.CaseStatus) {
	if m == nil {
		return
	}
	m.caseTransitions.WithLabelValues(string(from), string(to)).Inc()
	atomic.AddUint64(&m.caseTransitionCount, 1)
}

// RecordViolations counts recorded violation events.
func (m *MetricsService) RecordViolations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.violations.Add(float64(n))
	atomic.AddUint64(&m.violationsRecorded, uint64(n))
}

// Snapshot returns aggregated counters for the JSON metrics endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)

	var cacheRatio float64
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}

	return MetricsSnapshot{
		RequestsTotal:      atomic.LoadUint64(&m.requestCount),
		CacheHitRatio:      cacheRatio,
		Reconciliations:    atomic.LoadUint64(&m.reconcileCount),
		ViolationsRecorded: atomic.LoadUint64(&m.violationsRecorded),
		CaseTransitions:    atomic.LoadUint64(&m.caseTransitionCount),
		Goroutines:         runtime.NumGoroutine(),
		GeneratedAt:        time.Now().UTC(),
	}
}
