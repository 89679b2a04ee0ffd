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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	violationsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_violations_recorded_total",
			Help: "Total violations recorded by type",
		},
		[]string{"violation_type"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_delivery_attempts_total",
			Help: "Notification delivery attempts by outcome and type",
		},
		[]string{"outcome", "notification_type"},
	)

	remindersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_reminders_sent_total",
			Help: "Payment reminders sent by type",
		},
		[]string{"reminder_type"},
	)

	paymentsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_payments_settled_total",
			Help: "Payment settlements by outcome",
		},
		[]string{"outcome"},
	)

	overdueSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_violations_overdue_total",
			Help: "Violations flipped to overdue by the sweep",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_idempotency_hits_total",
			Help: "Detection events deduplicated by the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordViolation records a newly stored violation
func RecordViolation(violationType string) {
	violationsRecorded.WithLabelValues(violationType).Inc()
}

// RecordDeliveryAttempt records a notification delivery attempt outcome
func RecordDeliveryAttempt(outcome, notificationType string) {
	deliveryAttempts.WithLabelValues(outcome, notificationType).Inc()
}

// RecordReminderSent records a dispatched payment reminder
func RecordReminderSent(reminderType string) {
	remindersSent.WithLabelValues(reminderType).Inc()
}

// RecordPayment records a payment settlement outcome
func RecordPayment(outcome string) {
	paymentsSettled.WithLabelValues(outcome).Inc()
}

// RecordOverdueSwept records violations flipped to overdue
func RecordOverdueSwept(count int64) {
	overdueSwept.Add(float64(count))
}

// RecordIdempotencyHit records a deduplicated detection event
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
