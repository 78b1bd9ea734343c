package memstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flowlite-go/flowlite/flow/persist"
)

func TestStatePersisterSaveLoad(t *testing.T) {
	ctx := context.Background()
	p := NewStatePersister[int]()
	id := uuid.New()

	_, err := p.Save(ctx, persist.InstanceData[int]{FlowInstanceID: id, State: 7, Stage: "A", StageStatus: persist.StatusPending})
	require.NoError(t, err)

	row, err := p.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 7, row.State)
	require.Equal(t, persist.StatusPending, row.StageStatus)

	_, err = p.Load(ctx, uuid.New())
	require.ErrorIs(t, err, persist.ErrNotFound)
}

func TestStatePersisterCAS(t *testing.T) {
	ctx := context.Background()
	p := NewStatePersister[int]()
	id := uuid.New()
	_, err := p.Save(ctx, persist.InstanceData[int]{FlowInstanceID: id, Stage: "A", StageStatus: persist.StatusPending})
	require.NoError(t, err)

	ok, err := p.TryTransitionStageStatus(ctx, id, "WRONG", persist.StatusPending, persist.StatusRunning)
	require.NoError(t, err)
	require.False(t, ok, "CAS must fail on stage mismatch")

	ok, err = p.TryTransitionStageStatus(ctx, id, "A", persist.StatusPending, persist.StatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.TryTransitionStageStatus(ctx, id, "A", persist.StatusPending, persist.StatusRunning)
	require.NoError(t, err)
	require.False(t, ok, "second CAS from the same expected state must fail once already transitioned")
}

func TestEventStorePeekOrdersByArrival(t *testing.T) {
	ctx := context.Background()
	es := NewEventStore()
	id := uuid.New()

	_, err := es.Append(ctx, "flow1", id, "Signal", "E1")
	require.NoError(t, err)
	_, err = es.Append(ctx, "flow1", id, "Signal", "E2")
	require.NoError(t, err)

	found, ok, err := es.Peek(ctx, "flow1", id, []persist.EventKind{{EventType: "Signal", EventValue: "E2"}, {EventType: "Signal", EventValue: "E1"}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "E1", found.EventValue, "peek must return the oldest match among candidate kinds")

	deleted, err := es.Delete(ctx, found.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err = es.Peek(ctx, "flow1", id, []persist.EventKind{{EventType: "Signal", EventValue: "E1"}})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTickQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewTickQueue()
	a, b := uuid.New(), uuid.New()
	require.NoError(t, q.Enqueue(ctx, "flow1", a))
	require.NoError(t, q.Enqueue(ctx, "flow1", b))

	batch, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, a, batch[0].FlowInstanceID)

	batch, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, b, batch[0].FlowInstanceID)
}
