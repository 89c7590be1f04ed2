// Package metrics provides Prometheus instrumentation for the session runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionrt_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessionrt_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Business metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionrt_active_sessions",
		Help: "Number of sessions with a live runAgentLoop.",
	})

	EventBusFanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessionrt_event_bus_fanout_duration_seconds",
		Help:    "Time to assign a sequence, persist, and fan out one event.",
		Buckets: prometheus.DefBuckets,
	})

	NotificationDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionrt_notification_dispatch_total",
		Help: "Notification deliveries attempted per channel kind and outcome.",
	}, []string{"channel_kind", "outcome"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionrt_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionrt_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)
