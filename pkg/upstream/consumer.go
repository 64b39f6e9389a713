// Package upstream consumes the streaming-query source's per-view delta
// feed, consolidates it into net change batches, and serves one-shot
// snapshot queries against the source's HTTP endpoint.
//
// The feed protocol: after the websocket opens, the consumer sends a
// subscribe frame {"view": <physical view>, "as_of": <watermark, optional>}.
// The upstream then emits frames of two kinds:
//
//	{"kind": "data", "ts": <watermark>, "diff": 1|-1, "row": {...}}
//	{"kind": "progress", "ts": <watermark>}
//
// Without as_of, the feed opens with a snapshot burst at the initial
// watermark. With as_of, the feed replays only deltas after the given
// watermark, so the consolidator starts live.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/viewtail/viewtail/pkg/consolidate"
	"github.com/viewtail/viewtail/pkg/models"
	"github.com/viewtail/viewtail/pkg/monotonic"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("upstream")

// EmitFunc receives each consolidated batch for a logical collection.
type EmitFunc func(ctx context.Context, collection string, events []models.ChangeEvent) error

// Config configures one feed consumer.
type Config struct {
	// WSURL is the full websocket URL of the upstream feed endpoint.
	WSURL string
	// Collection is the logical collection name used toward clients.
	Collection string
	// View is the physical upstream view identifier.
	View string
	// Token is an optional bearer token for the upstream.
	Token string
	// SnapshotDeadline bounds how long the snapshot phase may stay open
	// without a watermark advance before it is forced closed.
	SnapshotDeadline time.Duration
	// ReconnectBase and ReconnectMax shape the reconnect backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SnapshotDeadline == 0 {
		out.SnapshotDeadline = 30 * time.Second
	}
	if out.ReconnectBase == 0 {
		out.ReconnectBase = time.Second
	}
	if out.ReconnectMax == 0 {
		out.ReconnectMax = 30 * time.Second
	}
	return out
}

// Consumer runs one upstream feed subscription. Each collection gets its own
// Consumer goroutine; consumers share no state except through the emit
// callback.
type Consumer struct {
	cfg     Config
	logger  *slog.Logger
	clock   *monotonic.Clock
	cursors *CursorStore
	emit    EmitFunc

	connected atomic.Bool
	cursorSet atomic.Bool
	cursor    atomic.Int64

	framesData     prometheus.Counter
	framesProgress prometheus.Counter
	framesBad      prometheus.Counter
	reconnects     prometheus.Counter
	watermarkGauge prometheus.Gauge
	connGauge      prometheus.Gauge
}

// NewConsumer creates a feed consumer. The persisted cursor, if any, is
// loaded immediately so the first connection resumes as-of it.
func NewConsumer(cfg Config, clock *monotonic.Clock, cursors *CursorStore, logger *slog.Logger, emit EmitFunc) (*Consumer, error) {
	cfg = cfg.withDefaults()

	c := &Consumer{
		cfg:     cfg,
		logger:  logger.With("component", "upstream", "collection", cfg.Collection, "view", cfg.View),
		clock:   clock,
		cursors: cursors,
		emit:    emit,

		framesData:     framesProcessedCounter.WithLabelValues("data", cfg.Collection),
		framesProgress: framesProcessedCounter.WithLabelValues("progress", cfg.Collection),
		framesBad:      malformedFramesCounter.WithLabelValues(cfg.Collection),
		reconnects:     reconnectsCounter.WithLabelValues(cfg.Collection),
		watermarkGauge: lastWatermarkGauge.WithLabelValues(cfg.Collection),
		connGauge:      connectedGauge.WithLabelValues(cfg.Collection),
	}

	if cursors != nil {
		w, ok, err := cursors.Get(cfg.Collection)
		if err != nil {
			return nil, fmt.Errorf("failed to read cursor for %s: %w", cfg.Collection, err)
		}
		if ok {
			c.cursor.Store(w)
			c.cursorSet.Store(true)
			c.logger.Info("resuming from persisted cursor", "watermark", w)
		}
	}

	return c, nil
}

// Run consumes the feed until ctx is cancelled, reconnecting with capped
// exponential backoff on stream termination.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectBase
	bo.MaxInterval = c.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	for {
		err := c.runOnce(ctx, bo)
		c.connected.Store(false)
		c.connGauge.Set(0)
		if ctx.Err() != nil {
			c.logger.Info("shutting down feed consumer on context completion")
			return nil
		}

		c.reconnects.Inc()
		wait := bo.NextBackOff()
		c.logger.Warn("upstream feed terminated, reconnecting", "error", err, "backoff", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) runOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	con, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return fmt.Errorf("failed to dial upstream feed: %w", err)
	}
	defer con.Close()

	sub := subscribeFrame{View: c.cfg.View}
	resuming := c.cursorSet.Load()
	if resuming {
		w := c.cursor.Load()
		sub.AsOf = &w
	}
	b, err := json.Marshal(&sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe frame: %w", err)
	}
	if err := con.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("failed to send subscribe frame: %w", err)
	}

	cons := consolidate.New(c.cfg.Collection, c.clock, c.logger, func(events []models.ChangeEvent) {
		if err := c.emit(ctx, c.cfg.Collection, events); err != nil {
			c.logger.Error("failed to emit batch", "error", err, "events", len(events))
		}
	})
	cons.OnWatermarkClose(c.trackCursor)
	if resuming {
		cons.ResumeLive()
	}

	// Liveness fallback only; the watermark advance is the correctness
	// boundary for ending the snapshot phase.
	deadline := time.AfterFunc(c.cfg.SnapshotDeadline, cons.ForceSnapshotComplete)
	defer deadline.Stop()

	bo.Reset()
	c.connected.Store(true)
	c.connGauge.Set(1)
	c.logger.Info("upstream feed connected", "resuming", resuming)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			con.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := con.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read frame from upstream feed: %w", err)
		}
		c.handleFrame(cons, msg)
	}
}

// frame is one upstream feed message.
type frame struct {
	Kind string        `json:"kind"`
	TS   *int64        `json:"ts"`
	Diff int           `json:"diff"`
	Row  models.Record `json:"row"`
}

type subscribeFrame struct {
	View string `json:"view"`
	AsOf *int64 `json:"as_of,omitempty"`
}

// handleFrame parses and applies one raw feed frame. Malformed frames are
// logged and skipped.
func (c *Consumer) handleFrame(cons *consolidate.Consolidator, msg []byte) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		c.framesBad.Inc()
		c.logger.Error("failed to decode feed frame, skipping", "error", err)
		return
	}

	switch f.Kind {
	case "progress":
		if f.TS == nil {
			c.framesBad.Inc()
			c.logger.Error("progress frame missing watermark, skipping")
			return
		}
		c.framesProgress.Inc()
		cons.Advance(*f.TS)
	case "data":
		if f.TS == nil || f.Diff == 0 || f.Row == nil {
			c.framesBad.Inc()
			c.logger.Error("data frame missing watermark, diff or row, skipping")
			return
		}
		c.framesData.Inc()
		cons.Fold(*f.TS, f.Diff, f.Row)
	default:
		c.framesBad.Inc()
		c.logger.Warn("unknown feed frame kind, skipping", "kind", f.Kind)
	}
}

// trackCursor records each closed watermark; runs on the feed reader
// goroutine via the consolidator's close hook.
func (c *Consumer) trackCursor(watermark int64) {
	c.cursor.Store(watermark)
	c.cursorSet.Store(true)
	c.watermarkGauge.Set(float64(watermark))
}

// WriteCursor persists the in-memory cursor, if any.
func (c *Consumer) WriteCursor(ctx context.Context) error {
	_, span := tracer.Start(ctx, "WriteCursor")
	defer span.End()

	if c.cursors == nil || !c.cursorSet.Load() {
		return nil
	}
	return c.cursors.Set(c.cfg.Collection, c.cursor.Load())
}

// Status describes the consumer for operational visibility.
type Status struct {
	Collection    string `json:"collection"`
	View          string `json:"view"`
	Connected     bool   `json:"connected"`
	LastWatermark int64  `json:"last_watermark"`
}

// Status reports the consumer's current health.
func (c *Consumer) Status() Status {
	return Status{
		Collection:    c.cfg.Collection,
		View:          c.cfg.View,
		Connected:     c.connected.Load(),
		LastWatermark: c.cursor.Load(),
	}
}
