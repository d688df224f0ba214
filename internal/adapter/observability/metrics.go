package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SchedulerEmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_emissions_total",
			Help: "Jobs emitted by the platform scheduler by platform and sale state",
		},
		[]string{"platform", "sale_state"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Pending jobs per platform queue",
		},
		[]string{"platform"},
	)
	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_jobs_total",
			Help: "Workflow jobs finalized by platform and terminal status",
		},
		[]string{"platform", "status"},
	)
	NodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_node_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"workflow", "node_type"},
	)
	NodeRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_node_retries_total",
			Help: "Node retry attempts after the first",
		},
		[]string{"workflow", "node_type"},
	)

	AuditRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "Audit records appended by platform and status",
		},
		[]string{"platform", "status"},
	)
	ReconcileUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_updates_total",
			Help: "Source-of-record updates applied by platform",
		},
		[]string{"platform"},
	)
	ReconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_errors_total",
			Help: "Per-record reconcile write failures",
		},
		[]string{"platform"},
	)

	BrowserRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browser_rotations_total",
			Help: "Browser page/context rotations by kind",
		},
		[]string{"kind"},
	)
	BrowserAcquireWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "browser_acquire_wait_seconds",
			Help:    "Time spent waiting to acquire a browser handle",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 120},
		},
	)
)

// InitMetrics registers every metric family. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SchedulerEmissionsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsProcessedTotal)
	prometheus.MustRegister(NodeDuration)
	prometheus.MustRegister(NodeRetriesTotal)
	prometheus.MustRegister(AuditRecordsTotal)
	prometheus.MustRegister(ReconcileUpdatesTotal)
	prometheus.MustRegister(ReconcileErrorsTotal)
	prometheus.MustRegister(BrowserRotationsTotal)
	prometheus.MustRegister(BrowserAcquireWait)
}

// HTTPMetricsMiddleware records request counts and durations per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
