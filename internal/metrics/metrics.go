package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_active_signal_connections",
		Help: "Number of open signaling websocket connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_signal_connections_total",
		Help: "Total number of signaling websocket connections accepted",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_active_rooms",
		Help: "Number of rooms with at least one member",
	})

	ActiveMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huddle_active_members",
		Help: "Number of room memberships across all rooms",
	})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_signal_messages_total",
		Help: "Total signaling messages",
	}, []string{"type", "direction"}) // direction: "in" | "out"

	HandlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_handler_errors_total",
		Help: "Total server-error replies by error kind",
	}, []string{"code"})

	MediaReadySuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_media_ready_suppressed_total",
		Help: "Duplicate media-ready broadcasts suppressed",
	})

	RateLimitedJoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "huddle_rate_limited_joins_total",
		Help: "Join attempts rejected by the rate limiter",
	})

	SlowConsumersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_slow_consumers_total",
		Help: "Outbound messages hitting a full send queue, by policy action",
	}, []string{"action"})
)
