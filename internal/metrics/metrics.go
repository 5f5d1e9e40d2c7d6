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
			Name: "pulse_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_notifications_routed_total",
			Help: "Routed events by notification type and result",
		},
		[]string{"type", "result"},
	)

	channelAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_channel_attempts_total",
			Help: "Per-channel delivery outcomes",
		},
		[]string{"channel", "state"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_delivery_latency_seconds",
			Help:    "Time from enqueue to provider acknowledgment",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	socketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_socket_connections",
			Help: "Live websocket connections owned by this instance",
		},
	)

	socketEmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_socket_emits_total",
			Help: "Messages emitted to connected clients by event",
		},
		[]string{"event"},
	)

	busEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_bus_events_total",
			Help: "Broadcast bus events observed by kind",
		},
		[]string{"kind"},
	)

	rateLimitedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_socket_rate_limited_total",
			Help: "Inbound socket events dropped by the per-connection bucket",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_idempotency_hits_total",
			Help: "Operations skipped because an outcome was already recorded",
		},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulse_circuit_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half_open)",
		},
		[]string{"provider"},
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

// RecordNotificationRouted records one router decision.
func RecordNotificationRouted(notifType, result string) {
	notificationsRouted.WithLabelValues(notifType, result).Inc()
}

// RecordChannelAttempt records a per-channel delivery outcome.
func RecordChannelAttempt(channel, state string) {
	channelAttempts.WithLabelValues(channel, state).Inc()
}

// RecordDeliveryLatency records enqueue-to-ack time for a channel.
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetConnections sets the live local connection count.
func SetConnections(count int) {
	socketConnections.Set(float64(count))
}

// RecordEmit records an outbound client message.
func RecordEmit(event string) {
	socketEmits.WithLabelValues(event).Inc()
}

// RecordBusEvent records a broadcast bus event.
func RecordBusEvent(kind string) {
	busEvents.WithLabelValues(kind).Inc()
}

// RecordRateLimitedEvent records a dropped inbound socket event.
func RecordRateLimitedEvent() {
	rateLimitedEvents.Inc()
}

// RecordIdempotencyHit records an operation served from the outcome store.
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// SetCircuitState exposes a provider's breaker state as a gauge.
func SetCircuitState(provider string, state int) {
	circuitState.WithLabelValues(provider).Set(float64(state))
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
