package consolidate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rowsFoldedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_consolidate_rows_folded_total",
	Help: "The total number of delta rows folded into pending batches",
}, []string{"collection"})

var batchesEmittedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_consolidate_batches_emitted_total",
	Help: "The total number of consolidated batches emitted",
}, []string{"collection"})

var eventsEmittedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_consolidate_events_emitted_total",
	Help: "The total number of net change events emitted",
}, []string{"collection"})

var snapshotRowsDiscardedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_consolidate_snapshot_rows_discarded_total",
	Help: "The total number of snapshot-phase rows discarded instead of broadcast",
}, []string{"collection"})

var ambiguousFoldsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "viewtail_consolidate_ambiguous_folds_total",
	Help: "The total number of unexpected operation pairings resolved by keeping the latest fold",
}, []string{"collection"})
