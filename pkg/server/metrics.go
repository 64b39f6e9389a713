package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "viewtail_sessions_connected",
	Help: "The number of client sessions currently connected",
})

var subscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "viewtail_subscriptions_active",
	Help: "The number of live collection subscriptions across all sessions",
})

var batchesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
	Name: "viewtail_batches_broadcast_total",
	Help: "The total number of change batches broadcast to sessions",
})

var eventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_events_delivered_total",
	Help: "The total number of change events delivered to sessions",
}, []string{"format"})

var bytesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_bytes_delivered_total",
	Help: "The total number of bytes delivered to sessions",
}, []string{"format"})

var messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "viewtail_client_messages_dropped_total",
	Help: "The total number of malformed client messages dropped",
})
