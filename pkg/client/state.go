package client

import "github.com/viewtail/viewtail/pkg/models"

// Status is the per-collection subscription state.
type Status int

const (
	NotSubscribed Status = iota
	AwaitingInitial
	Synced
)

func (s Status) String() string {
	switch s {
	case AwaitingInitial:
		return "awaiting-initial"
	case Synced:
		return "synced"
	default:
		return "not-subscribed"
	}
}

// CollectionState holds one collection's local records, plus the queue of
// changes that arrived before the initial state did. Transitions are pure
// methods so the reconciliation rules are testable without a transport.
type CollectionState struct {
	status  Status
	records map[string]models.Record
	pending []models.ChangeEvent
}

func newCollectionState() *CollectionState {
	return &CollectionState{
		status:  AwaitingInitial,
		records: make(map[string]models.Record),
	}
}

// reset returns the state to awaiting-initial after a reconnect. Records are
// kept; the fresh initial-state message is authoritative and replaces them
// wholesale, so previously known state is never dropped by a disconnect.
func (cs *CollectionState) reset() {
	cs.status = AwaitingInitial
	cs.pending = nil
}

// applyInitial replaces the records wholesale, drains the pending queue in
// arrival order, and transitions to Synced.
func (cs *CollectionState) applyInitial(data []models.Record) {
	cs.records = make(map[string]models.Record, len(data))
	for i, rec := range data {
		cs.records[models.KeyOf(rec, i)] = rec
	}

	drained := foldEvents(cs.pending)
	cs.pending = nil
	for i := range drained {
		cs.apply(&drained[i])
	}

	cs.status = Synced
}

// enqueue buffers changes that arrived before the initial state, preserving
// arrival order.
func (cs *CollectionState) enqueue(events []models.ChangeEvent) {
	cs.pending = append(cs.pending, events...)
}

// applyChanges consolidates a batch per identity and applies the net
// operations. Returns the net events applied, for handler notification.
func (cs *CollectionState) applyChanges(events []models.ChangeEvent) []models.ChangeEvent {
	net := foldEvents(events)
	for i := range net {
		cs.apply(&net[i])
	}
	return net
}

func (cs *CollectionState) apply(e *models.ChangeEvent) {
	key := e.Key(len(cs.records))
	switch e.Operation {
	case models.OpDelete:
		// Deleting an absent identity is a no-op, not an error.
		delete(cs.records, key)
	default:
		cs.records[key] = e.Data
	}
}

// snapshot returns a copy of the records map safe to hand to callers.
func (cs *CollectionState) snapshot() map[string]models.Record {
	out := make(map[string]models.Record, len(cs.records))
	for k, v := range cs.records {
		out[k] = v
	}
	return out
}

// foldEvents consolidates multiple events for the same identity into one net
// event, preserving first-touch order. A delete followed by an upsert becomes
// an update; an upsert followed by a delete keeps the upsert (the delete is
// the "before" side of a differential update); repeated ops keep the latest
// payload.
func foldEvents(events []models.ChangeEvent) []models.ChangeEvent {
	if len(events) <= 1 {
		return events
	}

	byKey := make(map[string]*models.ChangeEvent, len(events))
	order := make([]string, 0, len(events))

	for i := range events {
		e := events[i]
		key := e.Key(len(order))

		existing, ok := byKey[key]
		if !ok {
			cp := e
			byKey[key] = &cp
			order = append(order, key)
			continue
		}

		if e.Operation == models.OpDelete {
			if existing.Operation == models.OpDelete {
				existing.Data = e.Data
				existing.TimeUS = e.TimeUS
			}
			// An existing upsert wins over a later delete for the same
			// identity within one batch.
			continue
		}

		if existing.Operation == models.OpDelete {
			existing.Operation = models.OpUpdate
		}
		existing.Data = e.Data
		existing.TimeUS = e.TimeUS
	}

	out := make([]models.ChangeEvent, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}
