package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hoard_http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)

	// Storage accounting
	FilesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hoard_files_uploaded_total",
			Help: "Total number of files accepted",
		},
	)

	FilesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hoard_files_deleted_total",
			Help: "Total number of files deleted",
		},
	)

	UploadsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoard_uploads_rejected_total",
			Help: "Uploads rejected by the quota accountant",
		},
		[]string{"reason", "plan"},
	)

	ReconcileCorrections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hoard_reconcile_corrections_total",
			Help: "Accounts whose storage counters were corrected by reconciliation",
		},
	)

	// Payments
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoard_payments_total",
			Help: "Payment state transitions",
		},
		[]string{"plan", "status"},
	)

	// Authentication metrics
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoard_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"status"},
	)

	RegisterAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoard_register_attempts_total",
			Help: "Total number of registration attempts",
		},
		[]string{"status"},
	)

	// Durability fallback
	StoreFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoard_store_fallbacks_total",
			Help: "Store operations served by the in-memory fallback",
		},
		[]string{"operation"},
	)

	StoreDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hoard_store_degraded",
			Help: "1 while the persistent store is unreachable",
		},
	)
)

// RecordHTTPRequest records metrics for an HTTP request
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := httpStatusToString(status)
	HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

func httpStatusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	}
	return "unknown"
}

func RecordUploadRejected(reason, plan string) {
	UploadsRejected.WithLabelValues(reason, plan).Inc()
}

func RecordPayment(plan, status string) {
	PaymentsTotal.WithLabelValues(plan, status).Inc()
}

// RecordLogin increments login attempt counter
func RecordLogin(success bool) {
	LoginAttempts.WithLabelValues(outcome(success)).Inc()
}

// RecordRegistration increments registration attempt counter
func RecordRegistration(success bool) {
	RegisterAttempts.WithLabelValues(outcome(success)).Inc()
}

// RecordFallback counts an operation served by the secondary store.
func RecordFallback(operation string) {
	StoreFallbacks.WithLabelValues(operation).Inc()
}

// SetDegraded flips the degraded gauge.
func SetDegraded(degraded bool) {
	if degraded {
		StoreDegraded.Set(1)
		return
	}
	StoreDegraded.Set(0)
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
