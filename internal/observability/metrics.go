package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Process-wide Prometheus metrics every AIPerf service exposes on its admin
// HTTP surface, grounded on the teacher's metrics.go but renamed onto the
// benchmarking domain: command RPC traffic, service registration, and
// worker-pool scaling rather than job-queue/CV-evaluation concerns.
var (
	// HTTPRequestsTotal counts admin-surface HTTP requests by route, method,
	// and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiperf_http_requests_total",
			Help: "Total number of admin HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records admin-surface request durations.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiperf_http_request_duration_seconds",
			Help:    "Admin HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// CommandsSentTotal counts outbound command RPCs by type.
	CommandsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiperf_commands_sent_total",
			Help: "Total number of command RPCs sent",
		},
		[]string{"command_type"},
	)
	// CommandResponsesTotal counts inbound command responses by type and
	// status.
	CommandResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiperf_command_responses_total",
			Help: "Total number of command responses received",
		},
		[]string{"command_type", "status"},
	)

	// ServicesRegistered is a gauge of currently registered services by type.
	ServicesRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aiperf_services_registered",
			Help: "Number of services currently registered with the System Controller",
		},
		[]string{"service_type"},
	)
	// WorkersActive is a gauge of active worker processes.
	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aiperf_workers_active",
			Help: "Number of active worker processes",
		},
	)
	// RecordsProcessedTotal counts records processed by benchmark phase.
	RecordsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiperf_records_processed_total",
			Help: "Total number of inference records processed",
		},
		[]string{"phase"},
	)
	// RecordErrorsTotal counts per-record errors by error type.
	RecordErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiperf_record_errors_total",
			Help: "Total number of per-record errors by error type",
		},
		[]string{"error_type"},
	)
)

// InitMetrics registers every AIPerf metric with the default Prometheus
// registry. Called once per process, at startup.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(CommandsSentTotal)
	prometheus.MustRegister(CommandResponsesTotal)
	prometheus.MustRegister(ServicesRegistered)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(RecordsProcessedTotal)
	prometheus.MustRegister(RecordErrorsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each admin HTTP
// request, mirroring the teacher's HTTPMetricsMiddleware.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()

		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
