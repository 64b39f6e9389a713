package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var bytesReadCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_client_bytes_read_total",
	Help: "The total number of bytes read from the server",
}, []string{"url"})

var eventsReadCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_client_events_read_total",
	Help: "The total number of change events read from the server",
}, []string{"url"})

var reconnectsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_client_reconnects_total",
	Help: "The total number of reconnect attempts",
}, []string{"url"})
