package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viewtail/viewtail/pkg/models"
)

func upsert(collection, id string, fields models.Record) models.ChangeEvent {
	data := models.Record{"id": id}
	for k, v := range fields {
		data[k] = v
	}
	return models.ChangeEvent{Collection: collection, Operation: models.OpInsert, Data: data}
}

func remove(collection, id string) models.ChangeEvent {
	return models.ChangeEvent{Collection: collection, Operation: models.OpDelete, Data: models.Record{"id": id}}
}

func TestApplyInitialIndexesByIdentity(t *testing.T) {
	cs := newCollectionState()
	require.Equal(t, AwaitingInitial, cs.status)

	cs.applyInitial([]models.Record{
		{"id": "A", "qty": 1},
		{"id": "B", "qty": 2},
		{"name": "no key"},
	})

	require.Equal(t, Synced, cs.status)
	require.Len(t, cs.records, 3)
	assert.Equal(t, 1, cs.records["A"]["qty"])
	assert.Equal(t, 2, cs.records["B"]["qty"])
	assert.Contains(t, cs.records, "#2", "keyless records index positionally")
}

func TestInsertThenDeleteSameBatchKeepsRecord(t *testing.T) {
	// The delete is the "before" side of a differential update folded into
	// the same batch as the new row, so the record survives with the new
	// payload.
	cs := newCollectionState()
	cs.applyInitial([]models.Record{{"id": "A", "qty": 1}})

	applied := cs.applyChanges([]models.ChangeEvent{
		upsert("orders", "A", models.Record{"qty": 5}),
		remove("orders", "A"),
	})

	require.Len(t, applied, 1)
	require.Contains(t, cs.records, "A")
	assert.Equal(t, 5, cs.records["A"]["qty"])
}

func TestDeleteThenInsertSameBatchBecomesUpdate(t *testing.T) {
	cs := newCollectionState()
	cs.applyInitial([]models.Record{{"id": "A", "qty": 1}})

	applied := cs.applyChanges([]models.ChangeEvent{
		remove("orders", "A"),
		upsert("orders", "A", models.Record{"qty": 9}),
	})

	require.Len(t, applied, 1)
	assert.Equal(t, models.OpUpdate, applied[0].Operation)
	assert.Equal(t, 9, cs.records["A"]["qty"])
}

func TestDeleteAbsentIdentityIsNoOp(t *testing.T) {
	cs := newCollectionState()
	cs.applyInitial([]models.Record{{"id": "A"}})

	cs.applyChanges([]models.ChangeEvent{remove("orders", "C")})
	cs.applyChanges([]models.ChangeEvent{remove("orders", "C")})

	require.Len(t, cs.records, 1)
	assert.Contains(t, cs.records, "A")
}

func TestQueuedChangesDrainAfterInitial(t *testing.T) {
	cs := newCollectionState()

	// Changes race ahead of the snapshot query: a delete for a record the
	// snapshot will not contain, and an update for one it will.
	cs.enqueue([]models.ChangeEvent{remove("orders", "C")})
	cs.enqueue([]models.ChangeEvent{upsert("orders", "A", models.Record{"qty": 7})})
	require.Equal(t, AwaitingInitial, cs.status)

	cs.applyInitial([]models.Record{
		{"id": "A", "qty": 1},
		{"id": "B", "qty": 2},
	})

	require.Equal(t, Synced, cs.status)
	require.Len(t, cs.records, 2)
	assert.Equal(t, 7, cs.records["A"]["qty"], "queued update applied over snapshot value")
	assert.Equal(t, 2, cs.records["B"]["qty"])
	assert.NotContains(t, cs.records, "C", "queued delete of an absent identity is a no-op")
	assert.Nil(t, cs.pending)
}

func TestQueueFoldsPerIdentity(t *testing.T) {
	cs := newCollectionState()

	cs.enqueue([]models.ChangeEvent{
		upsert("orders", "X", models.Record{"v": 1}),
		upsert("orders", "X", models.Record{"v": 2}),
		remove("orders", "Y"),
		upsert("orders", "Y", models.Record{"v": 3}),
	})
	cs.applyInitial(nil)

	require.Len(t, cs.records, 2)
	assert.Equal(t, 2, cs.records["X"]["v"], "latest queued payload wins")
	assert.Equal(t, 3, cs.records["Y"]["v"], "delete then upsert folds to an update")
}

func TestResetKeepsRecordsUntilFreshInitial(t *testing.T) {
	cs := newCollectionState()
	cs.applyInitial([]models.Record{{"id": "A", "qty": 1}})
	cs.enqueue(nil)

	cs.reset()
	require.Equal(t, AwaitingInitial, cs.status)
	require.Len(t, cs.records, 1, "records survive a disconnect")

	cs.applyInitial([]models.Record{{"id": "B"}})
	require.Len(t, cs.records, 1)
	assert.Contains(t, cs.records, "B", "fresh initial-state replaces records wholesale")
}

func TestSnapshotIsACopy(t *testing.T) {
	cs := newCollectionState()
	cs.applyInitial([]models.Record{{"id": "A", "qty": 1}})

	snap := cs.snapshot()
	delete(snap, "A")
	require.Contains(t, cs.records, "A")
}

func TestFoldEventsPreservesFirstTouchOrder(t *testing.T) {
	events := []models.ChangeEvent{
		upsert("orders", "B", models.Record{"v": 1}),
		upsert("orders", "A", models.Record{"v": 1}),
		upsert("orders", "B", models.Record{"v": 2}),
	}

	out := foldEvents(events)
	require.Len(t, out, 2)
	assert.Equal(t, "B", out[0].Data["id"])
	assert.Equal(t, 2, out[0].Data["v"])
	assert.Equal(t, "A", out[1].Data["id"])
}

func TestFoldEventsDoubleDeleteKeepsLatest(t *testing.T) {
	a := remove("orders", "A")
	a.TimeUS = 1
	b := remove("orders", "A")
	b.TimeUS = 2

	out := foldEvents([]models.ChangeEvent{a, b})
	require.Len(t, out, 1)
	assert.Equal(t, models.OpDelete, out[0].Operation)
	assert.EqualValues(t, 2, out[0].TimeUS)
}
