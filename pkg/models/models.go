// Package models defines the viewtail wire protocol and record identity.
package models

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Record is an opaque keyed row payload as delivered by the upstream.
type Record map[string]any

// Operations carried by a ChangeEvent. Insert and update are both upserts on
// the wire; the distinction exists for diagnostics only.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ChangeEvent is a single net logical change to one record of a collection.
type ChangeEvent struct {
	Collection string `json:"collection"`
	Operation  string `json:"operation"`
	Data       Record `json:"data"`
	TimeUS     int64  `json:"timestamp"`
}

// Key returns the stable identity of the event's record. The position
// argument is the caller's last-resort positional fallback.
func (e *ChangeEvent) Key(position int) string {
	return KeyOf(e.Data, position)
}

// KeyOf derives a stable identity for a record: the "id" field, else the
// legacy "rid" field, else a positional fallback. Identity must be identical
// across insert, update and delete of the same logical row, so field values
// are formatted canonically.
func KeyOf(rec Record, position int) string {
	for _, field := range []string{"id", "rid"} {
		if v, ok := rec[field]; ok {
			if k := canonicalKey(v); k != "" {
				return k
			}
		}
	}
	return "#" + strconv.Itoa(position)
}

func canonicalKey(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Message types exchanged over a viewtail session.
const (
	MessageSubscribe    = "subscribe"
	MessageUnsubscribe  = "unsubscribe"
	MessageConnected    = "connected"
	MessageInitialState = "initial-state"
	MessageChanges      = "changes"
	MessageError        = "error"
)

// ErrUnknownMessageType is returned when a message carries a type outside the
// protocol. Callers log the message and drop it without tearing down the
// connection.
var ErrUnknownMessageType = errors.New("unknown message type")

// ClientMessage is a message sent from a client to the server.
type ClientMessage struct {
	Type       string `json:"type"`
	Collection string `json:"collection"`
}

// DecodeClientMessage parses and validates a client message at the transport
// boundary.
func DecodeClientMessage(b []byte) (*ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode client message: %w", err)
	}
	switch m.Type {
	case MessageSubscribe, MessageUnsubscribe:
		if m.Collection == "" {
			return nil, fmt.Errorf("%s message missing collection", m.Type)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	return &m, nil
}

// ServerMessage is a message sent from the server to a client. Exactly one
// message kind is populated, discriminated by Type.
type ServerMessage struct {
	Type string `json:"type"`

	// connected
	Collections []string `json:"collections,omitempty"`

	// initial-state
	Collection string   `json:"collection,omitempty"`
	Data       []Record `json:"data,omitempty"`

	// changes
	Changes []ChangeEvent `json:"changes,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// NewConnected builds the handshake acknowledgement listing the logical
// collections this server serves.
func NewConnected(collections []string) *ServerMessage {
	return &ServerMessage{Type: MessageConnected, Collections: collections}
}

// NewInitialState builds the one-shot full-state message for a collection.
func NewInitialState(collection string, data []Record) *ServerMessage {
	return &ServerMessage{Type: MessageInitialState, Collection: collection, Data: data}
}

// NewChanges builds an incremental change batch message.
func NewChanges(changes []ChangeEvent) *ServerMessage {
	return &ServerMessage{Type: MessageChanges, Changes: changes}
}

// NewError builds a session-scoped error message.
func NewError(message string) *ServerMessage {
	return &ServerMessage{Type: MessageError, Message: message}
}

// DecodeServerMessage parses and validates a server message at the transport
// boundary.
func DecodeServerMessage(b []byte) (*ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode server message: %w", err)
	}
	switch m.Type {
	case MessageConnected, MessageChanges, MessageError:
	case MessageInitialState:
		if m.Collection == "" {
			return nil, fmt.Errorf("initial-state message missing collection")
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	return &m, nil
}
