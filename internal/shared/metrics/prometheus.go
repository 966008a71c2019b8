package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Triage metrics
	inboundMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_inbound_messages_total",
			Help: "Total number of inbound patient messages processed",
		},
		[]string{"source", "outcome"},
	)

	dedupeHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_dedupe_hits_total",
			Help: "Total number of redelivered inbound messages suppressed",
		},
	)

	escalationsDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_escalations_detected_total",
			Help: "Total number of emergency keyword escalations detected",
		},
		[]string{"keyword_version"},
	)

	alertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity", "trigger_source"},
	)

	alertsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_alerts_resolved_total",
			Help: "Total number of alerts resolved",
		},
	)

	locksTrippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_agent_locks_tripped_total",
			Help: "Total number of per-patient auto-locks tripped",
		},
	)

	locksReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "triage_agent_locks_released_total",
			Help: "Total number of per-patient locks released by a physician",
		},
	)

	verificationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_verification_transitions_total",
			Help: "Total number of verification status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	replyAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_reply_attempts_total",
			Help: "Total number of conversational reply attempts",
		},
		[]string{"outcome"},
	)

	// Audit metrics
	auditEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit entries created",
		},
	)

	auditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of failed audit writes after a successful primary operation",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes URL paths for metrics to avoid cardinality explosion
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Business metric helpers ---

// RecordInboundMessage records a processed inbound message
func RecordInboundMessage(source, outcome string) {
	inboundMessagesTotal.WithLabelValues(source, outcome).Inc()
}

// RecordDedupeHit records a suppressed redelivery
func RecordDedupeHit() {
	dedupeHitsTotal.Inc()
}

// RecordEscalationDetected records an emergency keyword match
func RecordEscalationDetected(keywordVersion string) {
	escalationsDetectedTotal.WithLabelValues(keywordVersion).Inc()
}

// RecordAlertCreated records an alert creation
func RecordAlertCreated(severity, triggerSource string) {
	alertsCreatedTotal.WithLabelValues(severity, triggerSource).Inc()
}

// RecordAlertResolved records an alert resolution
func RecordAlertResolved() {
	alertsResolvedTotal.Inc()
}

// RecordLockTripped records an auto-lock engagement
func RecordLockTripped() {
	locksTrippedTotal.Inc()
}

// RecordLockReleased records a physician unlock
func RecordLockReleased() {
	locksReleasedTotal.Inc()
}

// RecordVerificationTransition records a verification status change
func RecordVerificationTransition(fromStatus, toStatus string) {
	verificationTransitionsTotal.WithLabelValues(fromStatus, toStatus).Inc()
}

// RecordReplyAttempt records a conversational reply attempt outcome
func RecordReplyAttempt(outcome string) {
	replyAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordAuditEntry records an audit entry creation
func RecordAuditEntry() {
	auditEntriesTotal.Inc()
}

// RecordAuditWriteFailure records an audit write that failed after the
// primary operation succeeded
func RecordAuditWriteFailure() {
	auditWriteFailuresTotal.Inc()
}
