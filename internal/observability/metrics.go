package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Case lifecycle metrics
	CasesReportedTotal    prometheus.Counter
	CaseTransitionsTotal  *prometheus.CounterVec
	CaseRejectionsTotal   *prometheus.CounterVec
	CaseClosuresTotal     prometheus.Counter
	CaseVoidsTotal        prometheus.Counter
	CasesOverdueTotal     prometheus.Counter
	ActiveCases           *prometheus.GaugeVec
	TransitionDuration    *prometheus.HistogramVec
	TransitionConflicts   prometheus.Counter
	ResolutionFailures    *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal    *prometheus.CounterVec
	NotificationFailures  *prometheus.CounterVec

	// Definition metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionVersion     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazen_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hazen_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hazen_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hazen_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Case lifecycle
		CasesReportedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hazen_cases_reported_total",
			Help: "Total number of hazard cases reported.",
		}),
		CaseTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazen_case_transitions_total",
			Help: "Total number of case step transitions.",
		}, []string{"step_id", "status"}),
		CaseRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazen_case_rejections_total",
			Help: "Total number of cases sent back a step.",
		}, []string{"step_id"}),
		CaseClosuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hazen_case_closures_total",
			Help: "Total number of cases closed.",
		}),
		CaseVoidsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hazen_case_voids_total",
			Help: "Total number of cases voided.",
		}),
		CasesOverdueTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hazen_cases_overdue_total",
			Help: "Total number of cases flagged overdue.",
		}),
		ActiveCases: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hazen_active_cases",
			Help: "Number of open cases by status.",
		}, []string{"status"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hazen_transition_duration_seconds",
			Help:    "Case transition processing duration in seconds.",
			Buckets: engineDurationBuckets,
		}, []string{"action"}),
		TransitionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hazen_transition_conflicts_total",
			Help: "Total number of optimistic lock conflicts during transitions.",
		}),
		ResolutionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazen_resolution_failures_total",
			Help: "Total number of handler resolution failures.",
		}, []string{"strategy"}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazen_notifications_total",
			Help: "Total number of notification messages rendered.",
		}, []string{"trigger"}),
		NotificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazen_notification_failures_total",
			Help: "Total number of notification delivery failures.",
		}, []string{"trigger"}),

		// Definitions
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hazen_definition_reload_total",
			Help: "Total workflow definition reloads.",
		}, []string{"status"}),
		DefinitionVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hazen_definition_version",
			Help: "Version of the active workflow definition.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Case lifecycle
		m.CasesReportedTotal,
		m.CaseTransitionsTotal,
		m.CaseRejectionsTotal,
		m.CaseClosuresTotal,
		m.CaseVoidsTotal,
		m.CasesOverdueTotal,
		m.ActiveCases,
		m.TransitionDuration,
		m.TransitionConflicts,
		m.ResolutionFailures,
		// Notifications
		m.NotificationsTotal,
		m.NotificationFailures,
		// Definitions
		m.DefinitionReloadTotal,
		m.DefinitionVersion,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordCaseReported records a newly reported case.
func (m *Metrics) RecordCaseReported() {
	m.CasesReportedTotal.Inc()
}

// RecordCaseTransition records a completed step transition.
func (m *Metrics) RecordCaseTransition(stepID, status string, duration time.Duration) {
	m.CaseTransitionsTotal.WithLabelValues(stepID, status).Inc()
	m.TransitionDuration.WithLabelValues("transition").Observe(duration.Seconds())
}

// RecordCaseRejection records a case sent back to a previous step.
func (m *Metrics) RecordCaseRejection(stepID string) {
	m.CaseRejectionsTotal.WithLabelValues(stepID).Inc()
}

// RecordCaseClosure records a closed case.
func (m *Metrics) RecordCaseClosure() {
	m.CaseClosuresTotal.Inc()
}

// RecordCaseVoid records a voided case.
func (m *Metrics) RecordCaseVoid() {
	m.CaseVoidsTotal.Inc()
}

// RecordCaseOverdue records a case flagged as overdue.
func (m *Metrics) RecordCaseOverdue() {
	m.CasesOverdueTotal.Inc()
}

// SetActiveCases sets the open case gauge for a status.
func (m *Metrics) SetActiveCases(status string, count float64) {
	m.ActiveCases.WithLabelValues(status).Set(count)
}

// RecordTransitionConflict records an optimistic lock conflict.
func (m *Metrics) RecordTransitionConflict() {
	m.TransitionConflicts.Inc()
}

// RecordResolutionFailure records a handler resolution failure.
func (m *Metrics) RecordResolutionFailure(strategy string) {
	m.ResolutionFailures.WithLabelValues(strategy).Inc()
}

// RecordNotification records a rendered notification message.
func (m *Metrics) RecordNotification(trigger string) {
	m.NotificationsTotal.WithLabelValues(trigger).Inc()
}

// RecordNotificationFailure records a notification delivery failure.
func (m *Metrics) RecordNotificationFailure(trigger string) {
	m.NotificationFailures.WithLabelValues(trigger).Inc()
}

// RecordDefinitionReload records a workflow definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionVersion sets the active definition version gauge.
func (m *Metrics) SetDefinitionVersion(version float64) {
	m.DefinitionVersion.Set(version)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
