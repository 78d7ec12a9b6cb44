package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_http_requests_total",
			Help: "Total number of HTTP requests processed by the API.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agora_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	realtimeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agora_realtime_sessions_active",
			Help: "Number of attached realtime sessions.",
		},
		[]string{"transport"},
	)
	realtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_realtime_events_total",
			Help: "Total number of realtime frames queued for delivery.",
		},
		[]string{"transport", "event"},
	)
	realtimeDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_realtime_events_dropped_total",
			Help: "Total number of realtime frames dropped because a session buffer was full.",
		},
		[]string{"transport", "event"},
	)
	inboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_socket_inbound_events_total",
			Help: "Total number of inbound socket events by outcome.",
		},
		[]string{"event", "outcome"},
	)
	lockOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_post_lock_operations_total",
			Help: "Total number of post lock operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)
	editOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_post_edits_total",
			Help: "Total number of collaborative edit attempts by outcome.",
		},
		[]string{"outcome"},
	)
	chatMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_chat_messages_total",
			Help: "Total number of chat messages broadcast.",
		},
		[]string{"kind"},
	)
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_notifications_total",
			Help: "Total number of notifications persisted.",
		},
		[]string{"kind"},
	)
	relayPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_relay_publish_errors_total",
			Help: "Total number of AMQP relay publish errors.",
		},
	)
	relayDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_relay_dropped_total",
			Help: "Total number of relay envelopes dropped because the queue was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		realtimeSessions,
		realtimeEventsTotal,
		realtimeDroppedTotal,
		inboundEventsTotal,
		lockOperationsTotal,
		editOutcomesTotal,
		chatMessagesTotal,
		notificationsTotal,
		relayPublishErrorsTotal,
		relayDroppedTotal,
	)
}

// HTTPMiddleware records request counts and latencies per route.
func HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncSessions(transport string) {
	realtimeSessions.WithLabelValues(transport).Inc()
}

func DecSessions(transport string) {
	realtimeSessions.WithLabelValues(transport).Dec()
}

func IncEvent(transport, event string) {
	realtimeEventsTotal.WithLabelValues(transport, event).Inc()
}

func IncDropped(transport, event string) {
	realtimeDroppedTotal.WithLabelValues(transport, event).Inc()
}

func IncInbound(event, outcome string) {
	inboundEventsTotal.WithLabelValues(event, outcome).Inc()
}

func IncLockOperation(operation, outcome string) {
	lockOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

func IncEditOutcome(outcome string) {
	editOutcomesTotal.WithLabelValues(outcome).Inc()
}

func IncChatMessage(kind string) {
	chatMessagesTotal.WithLabelValues(kind).Inc()
}

func IncNotification(kind string) {
	notificationsTotal.WithLabelValues(kind).Inc()
}

func IncRelayPublishError() {
	relayPublishErrorsTotal.Inc()
}

func IncRelayDropped() {
	relayDroppedTotal.Inc()
}
