// Package consolidate folds a stream of signed delta rows and progress
// watermarks into batches of net logical change events.
//
// Rows sharing a watermark form one atomic batch. Within a batch, multiple
// deltas for the same record identity are consolidated into a single net
// event, so a differential update (retract of the old row plus append of the
// new row) reaches clients as one upsert. The initial burst of rows before
// the first watermark advance is the subscription's snapshot and is discarded
// rather than emitted; clients receive snapshot contents through the one-shot
// full-state query instead.
package consolidate

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/viewtail/viewtail/pkg/models"
	"github.com/viewtail/viewtail/pkg/monotonic"
)

// EmitFunc receives one closed batch of net change events.
type EmitFunc func(events []models.ChangeEvent)

// Consolidator is the per-collection watermark state machine. Methods are
// safe for concurrent use so a safety timer can force the snapshot phase
// closed while the feed reader is folding rows.
type Consolidator struct {
	collection string
	clock      *monotonic.Clock
	logger     *slog.Logger
	emit       EmitFunc

	lk            sync.Mutex
	lastWatermark int64
	hasWatermark  bool
	snapshotPhase bool
	pending       map[string]*models.ChangeEvent
	order         []string
	onClose       func(watermark int64)

	rowsFolded     prometheus.Counter
	batchesEmitted prometheus.Counter
	eventsEmitted  prometheus.Counter
	snapshotRows   prometheus.Counter
	ambiguousFolds prometheus.Counter
}

// New creates a Consolidator for one logical collection. Events are stamped
// with the clock at batch close and delivered through emit.
func New(collection string, clock *monotonic.Clock, logger *slog.Logger, emit EmitFunc) *Consolidator {
	return &Consolidator{
		collection: collection,
		clock:      clock,
		logger:     logger.With("component", "consolidator", "collection", collection),
		emit:       emit,

		snapshotPhase: true,
		pending:       make(map[string]*models.ChangeEvent),

		rowsFolded:     rowsFoldedCounter.WithLabelValues(collection),
		batchesEmitted: batchesEmittedCounter.WithLabelValues(collection),
		eventsEmitted:  eventsEmittedCounter.WithLabelValues(collection),
		snapshotRows:   snapshotRowsDiscardedCounter.WithLabelValues(collection),
		ambiguousFolds: ambiguousFoldsCounter.WithLabelValues(collection),
	}
}

// ResumeLive marks the snapshot phase as already complete. Used when the feed
// resumes from a persisted cursor: an as-of resume replays no snapshot burst,
// so the first rows seen are live deltas.
func (c *Consolidator) ResumeLive() {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.snapshotPhase = false
}

// OnWatermarkClose registers fn to be called each time a watermark closes,
// whether its batch was emitted, discarded as snapshot data, or empty. fn
// runs with internal state locked and must not call back into the
// Consolidator.
func (c *Consolidator) OnWatermarkClose(fn func(watermark int64)) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.onClose = fn
}

// Advance observes a progress watermark. If it closes the current batch, the
// batch is emitted (or, on the first advance, discarded as snapshot data).
func (c *Consolidator) Advance(ts int64) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.observe(ts)
}

// Fold observes a signed delta row. A negative diff retracts the row, a
// positive diff appends it. The row's watermark may itself close the
// previous batch before the row is folded into the new one.
func (c *Consolidator) Fold(ts int64, diff int, row models.Record) {
	c.lk.Lock()
	defer c.lk.Unlock()

	c.observe(ts)
	c.rowsFolded.Inc()

	key := models.KeyOf(row, len(c.order))
	existing, ok := c.pending[key]
	if !ok {
		op := models.OpInsert
		if diff < 0 {
			op = models.OpDelete
		}
		c.pending[key] = &models.ChangeEvent{
			Collection: c.collection,
			Operation:  op,
			Data:       row,
		}
		c.order = append(c.order, key)
		return
	}

	if diff < 0 {
		switch existing.Operation {
		case models.OpInsert, models.OpUpdate:
			// The retract is the "before" side of a differential update
			// arriving after the append; the append already carries the
			// authoritative state.
		case models.OpDelete:
			// Two retracts for one identity in one batch. Keep the most
			// recently folded payload.
			c.ambiguousFolds.Inc()
			c.logger.Warn("ambiguous retract for already-deleted identity", "key", key, "watermark", ts)
			existing.Data = row
		}
		return
	}

	switch existing.Operation {
	case models.OpDelete:
		// The delete was the "before" side of a differential update.
		existing.Operation = models.OpUpdate
		existing.Data = row
	case models.OpInsert, models.OpUpdate:
		existing.Data = row
	}
}

// ForceSnapshotComplete closes the snapshot phase and discards accumulated
// rows. Called by the feed consumer's safety timer when the upstream is slow
// to emit its first progress marker. This bounds memory and staleness; the
// watermark advance remains the correctness boundary.
func (c *Consolidator) ForceSnapshotComplete() {
	c.lk.Lock()
	defer c.lk.Unlock()

	if !c.snapshotPhase {
		return
	}
	c.logger.Warn("forcing snapshot phase complete without watermark advance", "discarded_rows", len(c.order))
	c.endSnapshotPhase()
}

// SnapshotPhase reports whether the consolidator is still accumulating the
// subscription's snapshot burst.
func (c *Consolidator) SnapshotPhase() bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.snapshotPhase
}

// LastWatermark returns the most recently observed watermark, if any.
func (c *Consolidator) LastWatermark() (int64, bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.lastWatermark, c.hasWatermark
}

// observe handles a watermark sighting. Caller holds the lock.
func (c *Consolidator) observe(ts int64) {
	if !c.hasWatermark {
		// First watermark of the subscription; rows carrying it belong to
		// the snapshot batch.
		c.hasWatermark = true
		c.lastWatermark = ts
		return
	}
	if ts <= c.lastWatermark {
		if ts < c.lastWatermark {
			c.logger.Warn("watermark regressed, ignoring", "watermark", ts, "last", c.lastWatermark)
		}
		return
	}

	if c.snapshotPhase {
		c.endSnapshotPhase()
	} else if len(c.order) > 0 {
		c.emitPending()
	}
	if c.onClose != nil {
		c.onClose(c.lastWatermark)
	}
	c.lastWatermark = ts
}

// endSnapshotPhase discards the pending batch without emitting it. The
// snapshot was already delivered to clients via the one-shot query;
// re-broadcasting it would duplicate data. Caller holds the lock.
func (c *Consolidator) endSnapshotPhase() {
	c.snapshotPhase = false
	c.snapshotRows.Add(float64(len(c.order)))
	c.clear()
}

// emitPending flushes the pending batch in first-touch order. Caller holds
// the lock.
func (c *Consolidator) emitPending() {
	ts := c.clock.NowUS()
	events := make([]models.ChangeEvent, 0, len(c.order))
	for _, key := range c.order {
		e := c.pending[key]
		e.TimeUS = ts
		events = append(events, *e)
	}
	c.clear()

	c.batchesEmitted.Inc()
	c.eventsEmitted.Add(float64(len(events)))
	c.emit(events)
}

func (c *Consolidator) clear() {
	c.pending = make(map[string]*models.ChangeEvent)
	c.order = c.order[:0]
}
