package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay listener labels.
const (
	ListenerObserver = "observer"
	ListenerNotifier = "notifier"
)

// Delivery results for routed frames.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autocore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autocore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	relayConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autocore",
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Accepted relay connections by listener.",
		},
		[]string{"listener"},
	)
	relayRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autocore",
			Subsystem: "relay",
			Name:      "rejected_connections_total",
			Help:      "Relay connections rejected by backpressure limits.",
		},
		[]string{"listener", "reason"},
	)
	relayFrameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autocore",
			Subsystem: "relay",
			Name:      "frame_errors_total",
			Help:      "Frames that failed to decode by listener.",
		},
		[]string{"listener"},
	)
	relayPublishes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "autocore",
			Subsystem: "relay",
			Name:      "publishes_total",
			Help:      "Publishes routed by the relay.",
		},
	)
	relayDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autocore",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Frames forwarded to pending observers by result.",
		},
		[]string{"result"},
	)
	relayRouteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "autocore",
			Subsystem: "relay",
			Name:      "route_duration_seconds",
			Help:      "Time spent forwarding one publish to its pending observers.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	relayPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "autocore",
			Subsystem: "relay",
			Name:      "pending_registrations",
			Help:      "Observer registrations currently awaiting a publish.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			relayConnections,
			relayRejected,
			relayFrameErrors,
			relayPublishes,
			relayDeliveries,
			relayRouteDuration,
			relayPending,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConnection(listener string) {
	RegisterMetrics()
	relayConnections.WithLabelValues(listener).Inc()
}

func RecordRejected(listener, reason string) {
	RegisterMetrics()
	relayRejected.WithLabelValues(listener, reason).Inc()
}

func RecordFrameError(listener string) {
	RegisterMetrics()
	relayFrameErrors.WithLabelValues(listener).Inc()
}

// RecordPublish counts one routed publish and its per-observer outcomes.
func RecordPublish(sent, failed int, duration time.Duration) {
	RegisterMetrics()
	relayPublishes.Inc()
	relayDeliveries.WithLabelValues(DeliverySent).Add(float64(sent))
	relayDeliveries.WithLabelValues(DeliveryFailed).Add(float64(failed))
	relayRouteDuration.Observe(duration.Seconds())
}

func AddPending(delta int) {
	RegisterMetrics()
	relayPending.Add(float64(delta))
}
