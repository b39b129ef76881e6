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
			Name: "switchboard_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	webhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_webhooks_received_total",
			Help: "Total webhook callbacks by channel type and outcome",
		},
		[]string{"channel_type", "outcome"},
	)

	messagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_messages_ingested_total",
			Help: "Inbound messages by channel type and pipeline outcome",
		},
		[]string{"channel_type", "outcome"},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_messages_sent_total",
			Help: "Outbound sends by channel type and result",
		},
		[]string{"channel_type", "result"},
	)

	// DispatchesProcessed counts dispatch jobs by terminal status.
	DispatchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_dispatches_processed_total",
			Help: "Dispatch jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	// DispatchRecipientsSent counts successful recipient sends.
	DispatchRecipientsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_dispatch_recipients_sent_total",
			Help: "Dispatch recipients sent successfully",
		},
	)

	// DispatchRecipientsFailed counts failed recipient sends.
	DispatchRecipientsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_dispatch_recipients_failed_total",
			Help: "Dispatch recipients that failed to send",
		},
	)

	tokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_token_refreshes_total",
			Help: "OAuth token refresh attempts by result",
		},
		[]string{"result"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_idempotency_hits_total",
			Help: "Dispatch creations served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"account_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_redis_connections_active",
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

// RecordWebhook records a webhook callback outcome
func RecordWebhook(channelType, outcome string) {
	webhooksReceived.WithLabelValues(channelType, outcome).Inc()
}

// RecordMessageIngested records a normalization pipeline outcome
func RecordMessageIngested(channelType, outcome string) {
	messagesIngested.WithLabelValues(channelType, outcome).Inc()
}

// RecordMessageSent records an outbound send result
func RecordMessageSent(channelType, result string) {
	messagesSent.WithLabelValues(channelType, result).Inc()
}

// RecordTokenRefresh records an OAuth refresh attempt
func RecordTokenRefresh(result string) {
	tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(accountID string) {
	rateLimitRejections.WithLabelValues(accountID).Inc()
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
