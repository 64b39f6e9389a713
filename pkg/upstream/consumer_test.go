package upstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viewtail/viewtail/pkg/consolidate"
	"github.com/viewtail/viewtail/pkg/models"
	"github.com/viewtail/viewtail/pkg/monotonic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// feedServer is a scripted upstream: it reads the subscribe frame and then
// plays the script against the connection.
type feedServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	script   func(ws *websocket.Conn, sub subscribeFrame)

	mu   sync.Mutex
	subs []subscribeFrame
}

func newFeedServer(t *testing.T, script func(ws *websocket.Conn, sub subscribeFrame)) *feedServer {
	f := &feedServer{t: t, script: script}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feedServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/feed"
}

func (f *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, msg, err := ws.ReadMessage()
	if err != nil {
		return
	}
	var sub subscribeFrame
	if err := json.Unmarshal(msg, &sub); err != nil {
		return
	}

	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	f.script(ws, sub)

	// Hold the connection open until the consumer goes away.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *feedServer) lastSubscribe() (subscribeFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return subscribeFrame{}, false
	}
	return f.subs[len(f.subs)-1], true
}

func sendFrame(t *testing.T, ws *websocket.Conn, f frame) {
	t.Helper()
	b, err := json.Marshal(&f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

func ts(v int64) *int64 { return &v }

type batchCollector struct {
	mu      sync.Mutex
	batches [][]models.ChangeEvent
}

func (bc *batchCollector) emit(ctx context.Context, collection string, events []models.ChangeEvent) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.batches = append(bc.batches, events)
	return nil
}

func (bc *batchCollector) len() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.batches)
}

func (bc *batchCollector) batch(i int) []models.ChangeEvent {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.batches[i]
}

func runConsumer(t *testing.T, cfg Config, cursors *CursorStore, bc *batchCollector) *Consumer {
	t.Helper()
	c, err := NewConsumer(cfg, monotonic.NewClock(), cursors, testLogger(), bc.emit)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()
	return c
}

func TestConsumeDiscardsSnapshotAndEmitsLive(t *testing.T) {
	feed := newFeedServer(t, func(ws *websocket.Conn, sub subscribeFrame) {
		// Snapshot burst at the initial watermark, then a live delta.
		sendFrame(t, ws, frame{Kind: "data", TS: ts(100), Diff: 1, Row: models.Record{"id": "A"}})
		sendFrame(t, ws, frame{Kind: "data", TS: ts(100), Diff: 1, Row: models.Record{"id": "B"}})
		sendFrame(t, ws, frame{Kind: "progress", TS: ts(101)})
		sendFrame(t, ws, frame{Kind: "data", TS: ts(101), Diff: 1, Row: models.Record{"id": "C"}})
		sendFrame(t, ws, frame{Kind: "progress", TS: ts(102)})
	})

	bc := &batchCollector{}
	c := runConsumer(t, Config{
		WSURL:      feed.url(),
		Collection: "orders",
		View:       "mv_orders",
	}, nil, bc)

	require.Eventually(t, func() bool {
		return bc.len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	batch := bc.batch(0)
	require.Len(t, batch, 1, "snapshot rows are not broadcast")
	assert.Equal(t, "C", batch[0].Data["id"])
	assert.Equal(t, models.OpInsert, batch[0].Operation)

	sub, ok := feed.lastSubscribe()
	require.True(t, ok)
	assert.Equal(t, "mv_orders", sub.View)
	assert.Nil(t, sub.AsOf, "a fresh consumer subscribes without a cursor")

	require.Eventually(t, func() bool {
		st := c.Status()
		return st.Connected && st.LastWatermark == 101
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumeResumesFromPersistedCursor(t *testing.T) {
	cursors, err := OpenCursorStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cursors.Close() })
	require.NoError(t, cursors.Set("orders", 500))

	feed := newFeedServer(t, func(ws *websocket.Conn, sub subscribeFrame) {
		sendFrame(t, ws, frame{Kind: "data", TS: ts(600), Diff: 1, Row: models.Record{"id": "X"}})
		sendFrame(t, ws, frame{Kind: "progress", TS: ts(601)})
	})

	bc := &batchCollector{}
	runConsumer(t, Config{
		WSURL:      feed.url(),
		Collection: "orders",
		View:       "mv_orders",
	}, cursors, bc)

	require.Eventually(t, func() bool {
		return bc.len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// An as-of resume replays no snapshot burst, so the first batch is live.
	batch := bc.batch(0)
	require.Len(t, batch, 1)
	assert.Equal(t, "X", batch[0].Data["id"])

	sub, ok := feed.lastSubscribe()
	require.True(t, ok)
	require.NotNil(t, sub.AsOf)
	assert.EqualValues(t, 500, *sub.AsOf)
}

func TestConsumerSendsBearerToken(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		up := websocket.Upgrader{}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	bc := &batchCollector{}
	runConsumer(t, Config{
		WSURL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Collection: "orders",
		View:       "mv_orders",
		Token:      "s3cret",
	}, nil, bc)

	select {
	case auth := <-gotAuth:
		assert.Equal(t, "Bearer s3cret", auth)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never dialed")
	}
}

func TestHandleFrameSkipsMalformed(t *testing.T) {
	bc := &batchCollector{}
	c, err := NewConsumer(Config{
		WSURL:      "ws://unused",
		Collection: "orders",
		View:       "mv_orders",
	}, monotonic.NewClock(), nil, testLogger(), bc.emit)
	require.NoError(t, err)

	var batches [][]models.ChangeEvent
	cons := consolidate.New("orders", monotonic.NewClock(), testLogger(), func(events []models.ChangeEvent) {
		batches = append(batches, events)
	})
	cons.ResumeLive()

	c.handleFrame(cons, []byte(`not json`))
	c.handleFrame(cons, []byte(`{"kind":"warble","ts":1}`))
	c.handleFrame(cons, []byte(`{"kind":"progress"}`))
	c.handleFrame(cons, []byte(`{"kind":"data","ts":5}`))
	c.handleFrame(cons, []byte(`{"kind":"data","ts":5,"diff":1}`))

	// Valid frames still flow after the garbage.
	c.handleFrame(cons, []byte(`{"kind":"data","ts":5,"diff":1,"row":{"id":"A"}}`))
	c.handleFrame(cons, []byte(`{"kind":"progress","ts":6}`))

	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "A", batches[0][0].Data["id"])
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{WSURL: "ws://x", Collection: "orders", View: "v"}).withDefaults()
	assert.Equal(t, 30*time.Second, cfg.SnapshotDeadline)
	assert.Equal(t, time.Second, cfg.ReconnectBase)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
}
