// Package metrics exposes Prometheus instrumentation for the messaging
// pipeline: message writes, outbox dispatch, and WebSocket sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "messages_written_total",
			Help:      "Total number of message write outcomes",
		},
		[]string{"outcome"}, // created, deduplicated, error
	)

	outboxPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "outbox_events_published_total",
			Help:      "Total number of outbox events published to subscribers",
		},
	)

	outboxFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name:      "outbox_events_failed_total",
			Namespace: "messenger",
			Help:      "Total number of outbox publish attempts that failed",
		},
	)

	outboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "messenger",
			Name:      "outbox_events_pending",
			Help:      "Number of outbox events awaiting publication",
		},
	)

	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "messenger",
			Name:      "ws_connections_active",
			Help:      "Number of currently registered WebSocket connections",
		},
	)

	wsCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "ws_commands_total",
			Help:      "Total number of WebSocket commands received",
		},
		[]string{"op"},
	)

	wsFramesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "ws_frames_dropped_total",
			Help:      "Total number of frames dropped because a client queue was full",
		},
	)

	wsEventsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "ws_events_delivered_total",
			Help:      "Total number of event frames enqueued to subscribers",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messenger",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "messenger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

func RecordMessageWritten(outcome string) {
	messagesWrittenTotal.WithLabelValues(outcome).Inc()
}

func RecordOutboxPublished() {
	outboxPublishedTotal.Inc()
}

func RecordOutboxFailed() {
	outboxFailedTotal.Inc()
}

func SetOutboxPending(count int) {
	outboxPending.Set(float64(count))
}

func SetWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

func RecordWSCommand(op string) {
	wsCommandsTotal.WithLabelValues(op).Inc()
}

func RecordWSFrameDropped() {
	wsFramesDroppedTotal.Inc()
}

func RecordWSEventsDelivered(count int) {
	wsEventsDeliveredTotal.Add(float64(count))
}

func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
