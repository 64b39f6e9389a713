// Package server fans consolidated change batches out to subscribed
// websocket sessions and serves the per-session subscribe handshake.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/viewtail/viewtail/pkg/models"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("server")

// SnapshotFetcher serves one-shot full-state queries against the upstream.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, view string) ([]models.Record, error)
}

// Config configures the fan-out server.
type Config struct {
	// Collections maps logical collection names to physical upstream view
	// identifiers. Static configuration, not business logic.
	Collections map[string]string
	// SnapshotRate and SnapshotBurst rate-limit snapshot queries per
	// session so one client cannot hammer the upstream with subscribes.
	SnapshotRate  rate.Limit
	SnapshotBurst int
}

// Server owns the session set, the subscription registry, and the broadcast
// path from upstream consumers to sessions.
type Server struct {
	registry *Registry
	fetcher  SnapshotFetcher
	names    map[string]string
	logical  []string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	snapshotRate  rate.Limit
	snapshotBurst int

	lk       sync.Mutex
	sessions map[int64]*Session
	nextID   int64
}

// New creates a Server serving the configured logical collections.
func New(cfg Config, fetcher SnapshotFetcher, logger *slog.Logger) *Server {
	logical := make([]string, 0, len(cfg.Collections))
	for name := range cfg.Collections {
		logical = append(logical, name)
	}
	sort.Strings(logical)

	if cfg.SnapshotRate == 0 {
		cfg.SnapshotRate = rate.Limit(1)
	}
	if cfg.SnapshotBurst == 0 {
		cfg.SnapshotBurst = 5
	}

	return &Server{
		registry:      NewRegistry(),
		fetcher:       fetcher,
		names:         cfg.Collections,
		logical:       logical,
		logger:        logger.With("component", "server"),
		snapshotRate:  cfg.SnapshotRate,
		snapshotBurst: cfg.SnapshotBurst,
		sessions:      make(map[int64]*Session),
	}
}

var validFormats = []string{FormatJSON, FormatCBOR}

// HandleSubscribe upgrades the connection, acknowledges the handshake, and
// runs the session's read and write loops until either side closes.
func (s *Server) HandleSubscribe(c echo.Context) error {
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	format := FormatJSON
	if qFormat := c.QueryParam("format"); qFormat != "" {
		for _, f := range validFormats {
			if f == qFormat {
				format = f
				break
			}
		}
	}
	compress := c.QueryParam("compress") == "true"

	sess := s.addSession(ws, format, compress, cancel)
	defer s.removeSession(sess)

	log := s.logger.With("source", "session", "id", sess.id, "remote_addr", ws.RemoteAddr().String())

	sess.send(models.NewConnected(s.logical))

	go s.readLoop(ctx, sess, log)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-sess.buf:
			if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				log.Error("failed to write message to websocket", "error", err)
				return nil
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, sess *Session, log *slog.Logger) {
	defer sess.cancel()

	for {
		_, msg, err := sess.ws.ReadMessage()
		if err != nil {
			log.Info("session read loop closed", "error", err)
			return
		}

		m, err := models.DecodeClientMessage(msg)
		if err != nil {
			// The offending message is dropped; the connection stays up.
			messagesDropped.Inc()
			log.Warn("dropping malformed client message", "error", err)
			continue
		}

		switch m.Type {
		case models.MessageSubscribe:
			s.handleSubscribe(ctx, sess, m.Collection, log)
		case models.MessageUnsubscribe:
			s.handleUnsubscribe(sess, m.Collection)
		}
	}
}

// handleSubscribe starts the snapshot handshake for a collection. The fetch
// runs off the read loop so a slow upstream does not block unsubscribes.
func (s *Server) handleSubscribe(ctx context.Context, sess *Session, logical string, log *slog.Logger) {
	physical, ok := s.names[logical]
	if !ok {
		sess.send(models.NewError(fmt.Sprintf("unknown collection %q", logical)))
		return
	}

	gen, fresh := sess.beginSubscribe(logical)
	if !fresh {
		return
	}

	go func() {
		ctx, span := tracer.Start(ctx, "SnapshotHandshake")
		defer span.End()

		if err := sess.limiter.Wait(ctx); err != nil {
			sess.abortSubscribe(logical, gen)
			return
		}

		records, err := s.fetcher.Fetch(ctx, physical)
		if err != nil {
			sess.abortSubscribe(logical, gen)
			log.Error("snapshot query failed", "collection", logical, "view", physical, "error", err)
			sess.send(models.NewError(fmt.Sprintf("failed to load initial state for %q", logical)))
			return
		}

		// The session may have unsubscribed (or closed) while the query was
		// in flight; a late snapshot must not be forwarded.
		if !sess.stillWanted(logical, gen) {
			log.Info("discarding late snapshot for unsubscribed collection", "collection", logical)
			return
		}

		if !sess.send(models.NewInitialState(logical, records)) {
			sess.abortSubscribe(logical, gen)
			return
		}

		s.registry.Register(logical, sess)
		subscriptionsActive.Inc()

		// An unsubscribe may have raced the register above.
		if !sess.stillWanted(logical, gen) {
			if s.registry.Unregister(logical, sess) {
				subscriptionsActive.Dec()
			}
		}
	}()
}

func (s *Server) handleUnsubscribe(sess *Session, logical string) {
	if sess.unsubscribe(logical) {
		if s.registry.Unregister(logical, sess) {
			subscriptionsActive.Dec()
		}
	}
}

// Broadcast delivers a consolidated batch to every session registered for
// the collection. The message is encoded once per delivery encoding in use;
// sessions whose transport is closed or whose buffer stays full are dropped.
func (s *Server) Broadcast(ctx context.Context, collection string, events []models.ChangeEvent) error {
	_, span := tracer.Start(ctx, "Broadcast")
	defer span.End()

	sessions := s.registry.Sessions(collection)
	if len(sessions) == 0 {
		return nil
	}

	batchesBroadcast.Inc()

	msg := models.NewChanges(events)

	type encKey struct {
		format   string
		compress bool
	}
	variants := make(map[encKey][]byte, 2)

	for _, sess := range sessions {
		if sess.isClosed() {
			continue
		}

		k := encKey{sess.format, sess.compress}
		b, ok := variants[k]
		if !ok {
			var err error
			b, err = encodeMessage(msg, sess.format, sess.compress)
			if err != nil {
				return fmt.Errorf("failed to encode changes message: %w", err)
			}
			variants[k] = b
		}

		if !sess.enqueue(b) {
			s.logger.Error("session buffer full, dropping session", "id", sess.id, "collection", collection)
			sess.cancel()
			continue
		}
		eventsDelivered.WithLabelValues(sess.format).Add(float64(len(events)))
		bytesDelivered.WithLabelValues(sess.format).Add(float64(len(b)))
	}

	return nil
}

func (s *Server) addSession(ws *websocket.Conn, format string, compress bool, cancel context.CancelFunc) *Session {
	s.lk.Lock()
	defer s.lk.Unlock()

	sess := newSession(s.nextID, ws, format, compress, rate.NewLimiter(s.snapshotRate, s.snapshotBurst), cancel)
	s.sessions[s.nextID] = sess
	s.nextID++

	sessionsConnected.Inc()
	s.logger.Info("adding session", "id", sess.id, "remote_addr", ws.RemoteAddr().String(), "format", format, "compress", compress)

	return sess
}

func (s *Server) removeSession(sess *Session) {
	sess.markClosed()
	subscriptionsActive.Sub(float64(s.registry.UnregisterAll(sess)))

	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.sessions, sess.id)

	sessionsConnected.Dec()
	s.logger.Info("removing session", "id", sess.id)
}

// Stats describes the server for the health endpoint.
type Stats struct {
	Connections int            `json:"connections"`
	Collections map[string]int `json:"collections"`
}

// Stats reports current connection and per-collection subscription counts.
func (s *Server) Stats() Stats {
	s.lk.Lock()
	connections := len(s.sessions)
	s.lk.Unlock()

	return Stats{
		Connections: connections,
		Collections: s.registry.Counts(),
	}
}
