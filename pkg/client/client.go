// Package client implements the viewtail reconciliation engine: a
// reconnecting websocket client that keeps local keyed collections
// consistent with the server's change feed.
//
// Changes arriving before a collection's initial state are queued and
// replayed, in original relative order, once the authoritative initial-state
// message lands. Subscription intent survives transport loss: after a
// reconnect the client resubscribes every collection that was subscribed at
// disconnect time.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/viewtail/viewtail/pkg/models"
)

// Config configures a Client.
type Config struct {
	// WebsocketURL is the server's /subscribe endpoint.
	WebsocketURL string
	// Collections to subscribe to as soon as the connection opens.
	Collections []string
	// ExtraHeaders are added to the websocket handshake request.
	ExtraHeaders map[string]string
	// InitialBackoff and MaxBackoff shape the reconnect delay: starting at
	// InitialBackoff, doubling per attempt, capped at MaxBackoff. The
	// attempt counter resets on a successful open.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns a config suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		WebsocketURL:   "ws://localhost:6008/subscribe",
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		ExtraHeaders: map[string]string{
			"User-Agent": "viewtail-client/v0.1.0",
		},
	}
}

// Handler carries optional callbacks invoked after local state mutation.
type Handler struct {
	// OnSync fires when a collection reaches Synced, with a copy of its
	// reconciled records.
	OnSync func(collection string, records map[string]models.Record)
	// OnChange fires once per net change event applied to a Synced
	// collection.
	OnChange func(event models.ChangeEvent)
	// OnError fires for server-scoped error messages. Errors do not tear
	// down the connection.
	OnError func(message string)
}

// Client is one logical connection to a viewtail server.
type Client struct {
	config  *Config
	logger  *slog.Logger
	handler *Handler

	lk      sync.Mutex
	con     *websocket.Conn
	writeLk sync.Mutex
	states  map[string]*CollectionState

	EventsRead atomic.Int64
	BytesRead  atomic.Int64

	eventsRead prometheus.Counter
	bytesRead  prometheus.Counter
	reconnects prometheus.Counter
}

// New creates a Client. Nil config uses DefaultConfig; nil handler disables
// callbacks.
func New(config *Config, logger *slog.Logger, handler *Handler) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.WebsocketURL == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	if config.InitialBackoff == 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if handler == nil {
		handler = &Handler{}
	}

	c := &Client{
		config:  config,
		logger:  logger.With("component", "viewtail-client"),
		handler: handler,
		states:  make(map[string]*CollectionState),

		eventsRead: eventsReadCounter.WithLabelValues(config.WebsocketURL),
		bytesRead:  bytesReadCounter.WithLabelValues(config.WebsocketURL),
		reconnects: reconnectsCounter.WithLabelValues(config.WebsocketURL),
	}

	for _, collection := range config.Collections {
		c.states[collection] = newCollectionState()
	}

	return c, nil
}

// Run connects and reads until ctx is cancelled, reconnecting with capped
// exponential backoff on transport loss. The single loop owns the reconnect
// timer, so at most one is ever pending.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialBackoff
	bo.MaxInterval = c.config.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		err := c.connectAndRead(ctx, bo)
		if ctx.Err() != nil {
			c.logger.Info("shutting down on context completion")
			return nil
		}

		c.reconnects.Inc()
		wait := bo.NextBackOff()
		c.logger.Warn("connection lost, reconnecting", "error", err, "backoff", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	header := http.Header{}
	for k, v := range c.config.ExtraHeaders {
		header.Add(k, v)
	}

	c.logger.Info("connecting to websocket", "url", c.config.WebsocketURL)
	con, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.WebsocketURL, header)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}
	defer con.Close()

	c.lk.Lock()
	c.con = con
	resub := make([]string, 0, len(c.states))
	for collection, st := range c.states {
		st.reset()
		resub = append(resub, collection)
	}
	c.lk.Unlock()
	sort.Strings(resub)

	bo.Reset()

	for _, collection := range resub {
		if err := c.writeMessage(&models.ClientMessage{Type: models.MessageSubscribe, Collection: collection}); err != nil {
			c.clearConn()
			return fmt.Errorf("failed to resubscribe to %s: %w", collection, err)
		}
	}

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
			c.clearConn()
			return fmt.Errorf("failed to read message from websocket: %w", err)
		}
		c.BytesRead.Add(int64(len(msg)))
		c.bytesRead.Add(float64(len(msg)))
		c.handleMessage(msg)
	}
}

func (c *Client) clearConn() {
	c.lk.Lock()
	c.con = nil
	c.lk.Unlock()
}

// Subscribe records subscription intent for a collection and, when
// connected, sends the subscribe message. Subscribing twice is a no-op.
func (c *Client) Subscribe(collection string) error {
	c.lk.Lock()
	if _, ok := c.states[collection]; ok {
		c.lk.Unlock()
		return nil
	}
	c.states[collection] = newCollectionState()
	con := c.con
	c.lk.Unlock()

	if con == nil {
		// Not connected; intent is recorded and sent on the next open.
		return nil
	}
	return c.writeMessage(&models.ClientMessage{Type: models.MessageSubscribe, Collection: collection})
}

// Unsubscribe discards the collection's local state and cancels future
// delivery. A snapshot already in flight server-side is dropped on arrival.
func (c *Client) Unsubscribe(collection string) error {
	c.lk.Lock()
	_, ok := c.states[collection]
	delete(c.states, collection)
	con := c.con
	c.lk.Unlock()

	if !ok || con == nil {
		return nil
	}
	return c.writeMessage(&models.ClientMessage{Type: models.MessageUnsubscribe, Collection: collection})
}

func (c *Client) writeMessage(m *models.ClientMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", m.Type, err)
	}

	c.writeLk.Lock()
	defer c.writeLk.Unlock()

	c.lk.Lock()
	con := c.con
	c.lk.Unlock()
	if con == nil {
		return fmt.Errorf("not connected")
	}
	return con.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) handleMessage(msg []byte) {
	m, err := models.DecodeServerMessage(msg)
	if err != nil {
		// The offending message is dropped; the connection stays up.
		c.logger.Warn("dropping malformed server message", "error", err)
		return
	}

	switch m.Type {
	case models.MessageConnected:
		c.logger.Info("handshake acknowledged", "collections", m.Collections)
	case models.MessageInitialState:
		c.handleInitialState(m)
	case models.MessageChanges:
		c.handleChanges(m)
	case models.MessageError:
		c.logger.Error("server error", "message", m.Message)
		if c.handler.OnError != nil {
			c.handler.OnError(m.Message)
		}
	}
}

func (c *Client) handleInitialState(m *models.ServerMessage) {
	c.lk.Lock()
	st, ok := c.states[m.Collection]
	if !ok {
		c.lk.Unlock()
		// Late snapshot for a collection unsubscribed while the query was
		// in flight.
		c.logger.Info("dropping initial-state for unsubscribed collection", "collection", m.Collection)
		return
	}
	st.applyInitial(m.Data)
	records := st.snapshot()
	c.lk.Unlock()

	c.logger.Info("collection synced", "collection", m.Collection, "records", len(records))
	if c.handler.OnSync != nil {
		c.handler.OnSync(m.Collection, records)
	}
}

func (c *Client) handleChanges(m *models.ServerMessage) {
	c.EventsRead.Add(int64(len(m.Changes)))
	c.eventsRead.Add(float64(len(m.Changes)))

	// Partition the batch by collection, preserving arrival order within
	// each collection.
	groups := make(map[string][]models.ChangeEvent)
	order := make([]string, 0, 1)
	for _, e := range m.Changes {
		if _, ok := groups[e.Collection]; !ok {
			order = append(order, e.Collection)
		}
		groups[e.Collection] = append(groups[e.Collection], e)
	}

	var applied []models.ChangeEvent

	c.lk.Lock()
	for _, collection := range order {
		st, ok := c.states[collection]
		if !ok {
			continue
		}
		if st.status != Synced {
			st.enqueue(groups[collection])
			continue
		}
		applied = append(applied, st.applyChanges(groups[collection])...)
	}
	c.lk.Unlock()

	if c.handler.OnChange != nil {
		for _, e := range applied {
			c.handler.OnChange(e)
		}
	}
}

// Records returns a copy of a collection's reconciled records. The second
// return is false when the collection is not subscribed.
func (c *Client) Records(collection string) (map[string]models.Record, bool) {
	c.lk.Lock()
	defer c.lk.Unlock()

	st, ok := c.states[collection]
	if !ok {
		return nil, false
	}
	return st.snapshot(), true
}

// Status reports the collection's subscription state.
func (c *Client) Status(collection string) Status {
	c.lk.Lock()
	defer c.lk.Unlock()

	st, ok := c.states[collection]
	if !ok {
		return NotSubscribed
	}
	return st.status
}
