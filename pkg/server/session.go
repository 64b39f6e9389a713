package server

import (
	"context"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/viewtail/viewtail/pkg/models"
	"golang.org/x/time/rate"
)

const (
	// FormatJSON and FormatCBOR are the delivery encodings a session may
	// request on /subscribe.
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// enqueueTimeout bounds how long a broadcast waits on a slow session's
// buffer before the session is dropped.
const enqueueTimeout = 5 * time.Second

// Session is one client websocket connection.
type Session struct {
	id       int64
	ws       *websocket.Conn
	buf      chan []byte
	format   string
	compress bool
	limiter  *rate.Limiter
	cancel   context.CancelFunc

	lk      sync.Mutex
	nextGen uint64
	subs    map[string]uint64
	closed  bool
}

func newSession(id int64, ws *websocket.Conn, format string, compress bool, limiter *rate.Limiter, cancel context.CancelFunc) *Session {
	return &Session{
		id:       id,
		ws:       ws,
		buf:      make(chan []byte, 100),
		format:   format,
		compress: compress,
		limiter:  limiter,
		cancel:   cancel,
		subs:     make(map[string]uint64),
	}
}

// beginSubscribe records subscription intent for a collection and returns a
// generation token for the snapshot fetch. The second return is false when
// the session is already subscribed (or subscribing) to the collection.
func (s *Session) beginSubscribe(collection string) (uint64, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()

	if _, ok := s.subs[collection]; ok {
		return 0, false
	}
	s.nextGen++
	s.subs[collection] = s.nextGen
	return s.nextGen, true
}

// abortSubscribe drops subscription intent recorded by beginSubscribe, but
// only if it still belongs to the given generation.
func (s *Session) abortSubscribe(collection string, gen uint64) {
	s.lk.Lock()
	defer s.lk.Unlock()

	if s.subs[collection] == gen {
		delete(s.subs, collection)
	}
}

// stillWanted reports whether the subscription that started the snapshot
// fetch is still live. A snapshot result arriving after unsubscribe is
// discarded based on this check.
func (s *Session) stillWanted(collection string, gen uint64) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.subs[collection] == gen
}

// unsubscribe drops subscription intent; reports whether it existed.
func (s *Session) unsubscribe(collection string) bool {
	s.lk.Lock()
	defer s.lk.Unlock()

	_, ok := s.subs[collection]
	delete(s.subs, collection)
	return ok
}

func (s *Session) markClosed() {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.closed = true
}

func (s *Session) isClosed() bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.closed
}

// enqueue hands an encoded message to the session's write loop. Returns
// false if the session is closed or its buffer stays full past the timeout;
// the caller decides whether to drop the session.
func (s *Session) enqueue(b []byte) bool {
	if s.isClosed() {
		return false
	}

	select {
	case s.buf <- b:
		return true
	default:
	}

	t := time.NewTimer(enqueueTimeout)
	defer t.Stop()
	select {
	case s.buf <- b:
		return true
	case <-t.C:
		return false
	}
}

// send encodes a message for this session's negotiated encoding and
// enqueues it.
func (s *Session) send(msg *models.ServerMessage) bool {
	b, err := encodeMessage(msg, s.format, s.compress)
	if err != nil {
		return false
	}
	return s.enqueue(b)
}

var zstdEncoder, _ = zstd.NewWriter(nil)

func zstdCompress(src []byte) []byte {
	return zstdEncoder.EncodeAll(src, make([]byte, 0, len(src)))
}

// encodeMessage serializes a server message in the given delivery encoding.
func encodeMessage(msg *models.ServerMessage, format string, compress bool) ([]byte, error) {
	var b []byte
	var err error
	switch format {
	case FormatCBOR:
		b, err = cbor.Marshal(msg)
	default:
		b, err = json.Marshal(msg)
	}
	if err != nil {
		return nil, err
	}
	if compress {
		b = zstdCompress(b)
	}
	return b, nil
}
