package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the engine.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	sessionOps     *prometheus.CounterVec
	ruleResolution *prometheus.HistogramVec
	gradeChanges   *prometheus.CounterVec
	pageGrades     prometheus.Counter
	batchSessions  *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewMetricsService registers the engine's Prometheus collectors on a fresh
// registry.
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

	sessionOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_session_operations_total",
		Help: "Flow session lifecycle operations by kind and outcome",
	}, []string{"operation", "outcome"})

	ruleResolution := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rule_resolution_duration_seconds",
		Help:    "Duration of flow rule resolution by rule kind",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	gradeChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grade_changes_total",
		Help: "Grade changes appended to the grade log by state",
	}, []string{"state"})

	pageGrades := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "page_grades_total",
		Help: "Page answer grades produced",
	})

	batchSessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_sessions_total",
		Help: "Sessions touched by batch operations by job type and outcome",
	}, []string{"type", "outcome"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grade_state_cache_hits_total",
		Help: "Grade state cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grade_state_cache_misses_total",
		Help: "Grade state cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, sessionOps,
		ruleResolution, gradeChanges, pageGrades, batchSessions,
		cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		sessionOps:      sessionOps,
		ruleResolution:  ruleResolution,
		gradeChanges:    gradeChanges,
		pageGrades:      pageGrades,
		batchSessions:   batchSessions,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
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

// ObserveHTTPRequest records one served request.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveSessionOperation records one lifecycle operation and whether it
// succeeded.
func (m *MetricsService) ObserveSessionOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sessionOps.WithLabelValues(operation, outcome).Inc()
}

// ObserveRuleResolution records the duration of one rule resolution.
func (m *MetricsService) ObserveRuleResolution(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ruleResolution.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordGradeChange counts one appended grade change.
func (m *MetricsService) RecordGradeChange(state string) {
	if m == nil {
		return
	}
	m.gradeChanges.WithLabelValues(state).Inc()
}

// RecordPageGrade counts one produced page grade.
func (m *MetricsService) RecordPageGrade() {
	if m == nil {
		return
	}
	m.pageGrades.Inc()
}

// RecordBatchSession counts one session touched by a batch job.
func (m *MetricsService) RecordBatchSession(jobType, outcome string) {
	if m == nil {
		return
	}
	m.batchSessions.WithLabelValues(jobType, outcome).Inc()
}

// RecordCacheLookup counts a grade state cache hit or miss.
func (m *MetricsService) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}
