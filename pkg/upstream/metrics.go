package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var framesProcessedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_upstream_frames_processed_total",
	Help: "The total number of feed frames processed by the upstream consumer",
}, []string{"kind", "collection"})

var malformedFramesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_upstream_malformed_frames_total",
	Help: "The total number of malformed feed frames dropped",
}, []string{"collection"})

var reconnectsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_upstream_reconnects_total",
	Help: "The total number of upstream feed reconnect attempts",
}, []string{"collection"})

var lastWatermarkGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "viewtail_upstream_last_watermark",
	Help: "The last closed watermark per collection",
}, []string{"collection"})

var connectedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "viewtail_upstream_connected",
	Help: "Whether the upstream feed for a collection is currently connected",
}, []string{"collection"})

var snapshotFetchesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_upstream_snapshot_fetches_total",
	Help: "The total number of one-shot snapshot queries issued",
}, []string{"view", "status"})

var snapshotFetchDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "viewtail_upstream_snapshot_fetch_duration_seconds",
	Help:    "The amount of time one-shot snapshot queries take",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
}, []string{"view"})
