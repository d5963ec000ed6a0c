package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the monitor. All
// recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Backend invocation metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	// Detail resolution metrics
	DetailResolutionsTotal   *prometheus.CounterVec
	DetailSubfetchTotal      *prometheus.CounterVec
	DetailDuration           prometheus.Histogram
	DetailStaleDiscardsTotal prometheus.Counter

	// Listing and cancel metrics
	PageFetchesTotal       *prometheus.CounterVec
	PageStaleDiscardsTotal prometheus.Counter
	CancelsTotal           *prometheus.CounterVec

	// Cache metrics
	BPMNCacheHitsTotal   prometheus.Counter
	BPMNCacheMissesTotal prometheus.Counter

	// System metrics
	ActiveSessions           prometheus.Gauge
	OpenAPIOperationsIndexed *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_backend_requests_total",
			Help: "Total number of vendor API requests.",
		}, []string{"service_id", "operation_id", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_backend_request_duration_seconds",
			Help:    "Vendor API request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service_id"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maestro_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service_id"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_backend_retries_total",
			Help: "Total number of vendor API request retries.",
		}, []string{"service_id"}),

		// Detail
		DetailResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_detail_resolutions_total",
			Help: "Total number of instance detail resolutions by outcome.",
		}, []string{"outcome"}),
		DetailSubfetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_detail_subfetch_total",
			Help: "Total number of detail sub-fetches by fetch and status.",
		}, []string{"fetch", "status"}),
		DetailDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maestro_detail_duration_seconds",
			Help:    "Instance detail resolution duration in seconds.",
			Buckets: backendDurationBuckets,
		}),
		DetailStaleDiscardsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_detail_stale_discards_total",
			Help: "Total number of detail results discarded because the selection moved on.",
		}),

		// Listing
		PageFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_page_fetches_total",
			Help: "Total number of instance page fetches by direction and status.",
		}, []string{"direction", "status"}),
		PageStaleDiscardsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_page_stale_discards_total",
			Help: "Total number of page results dropped because a newer fetch started.",
		}),
		CancelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_cancels_total",
			Help: "Total number of cancel requests by outcome.",
		}, []string{"outcome"}),

		// Cache
		BPMNCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_bpmn_cache_hits_total",
			Help: "Total BPMN cache hits.",
		}),
		BPMNCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_bpmn_cache_misses_total",
			Help: "Total BPMN cache misses.",
		}),

		// System
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_active_workspaces",
			Help: "Number of in-process session workspaces.",
		}),
		OpenAPIOperationsIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maestro_openapi_operations_indexed",
			Help: "Number of indexed OpenAPI operations.",
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		// Detail
		m.DetailResolutionsTotal,
		m.DetailSubfetchTotal,
		m.DetailDuration,
		m.DetailStaleDiscardsTotal,
		// Listing
		m.PageFetchesTotal,
		m.PageStaleDiscardsTotal,
		m.CancelsTotal,
		// Cache
		m.BPMNCacheHitsTotal,
		m.BPMNCacheMissesTotal,
		// System
		m.ActiveSessions,
		m.OpenAPIOperationsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordBackendRequest records a vendor API request. A zero status means the
// request never produced a response.
func (m *Metrics) RecordBackendRequest(serviceID, operationID string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(serviceID, operationID, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// RecordBackendRetry records a vendor API request retry.
func (m *Metrics) RecordBackendRetry(serviceID string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
}

// RecordDetailResolution records a finished detail resolution.
// Outcome is one of complete, partial, invalid.
func (m *Metrics) RecordDetailResolution(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DetailResolutionsTotal.WithLabelValues(outcome).Inc()
	m.DetailDuration.Observe(duration.Seconds())
}

// RecordDetailSubfetch records one sub-fetch of a detail resolution.
// Status is one of ok, error, skipped.
func (m *Metrics) RecordDetailSubfetch(fetch, status string) {
	if m == nil {
		return
	}
	m.DetailSubfetchTotal.WithLabelValues(fetch, status).Inc()
}

// RecordDetailStaleDiscard records a detail result dropped for a superseded selection.
func (m *Metrics) RecordDetailStaleDiscard() {
	if m == nil {
		return
	}
	m.DetailStaleDiscardsTotal.Inc()
}

// RecordPageFetch records an instance page fetch.
func (m *Metrics) RecordPageFetch(direction, status string) {
	if m == nil {
		return
	}
	m.PageFetchesTotal.WithLabelValues(direction, status).Inc()
}

// RecordPageStaleDiscard records a page result dropped for a newer fetch.
func (m *Metrics) RecordPageStaleDiscard() {
	if m == nil {
		return
	}
	m.PageStaleDiscardsTotal.Inc()
}

// RecordCancel records a cancel request outcome.
func (m *Metrics) RecordCancel(outcome string) {
	if m == nil {
		return
	}
	m.CancelsTotal.WithLabelValues(outcome).Inc()
}

// RecordBPMNCacheHit records a BPMN cache hit.
func (m *Metrics) RecordBPMNCacheHit() {
	if m == nil {
		return
	}
	m.BPMNCacheHitsTotal.Inc()
}

// RecordBPMNCacheMiss records a BPMN cache miss.
func (m *Metrics) RecordBPMNCacheMiss() {
	if m == nil {
		return
	}
	m.BPMNCacheMissesTotal.Inc()
}

// SetActiveSessions sets the number of live session workspaces.
func (m *Metrics) SetActiveSessions(count float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(count)
}

// SetOpenAPIOperationsIndexed sets the number of indexed OpenAPI operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(serviceID string, count float64) {
	if m == nil {
		return
	}
	m.OpenAPIOperationsIndexed.WithLabelValues(serviceID).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled with the chi route
// pattern rather than the URL path. It may wrap the router from outside.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)
		r = withRouteContext(r)

		next.ServeHTTP(rec, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), rec.status, time.Since(start), reqSize, rec.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
