package sqlstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flowlite-go/flowlite/flow/persist"
)

type counterState struct{ N int }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStatePersisterSaveLoadAndCAS(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	persister := StatePersister[counterState](store, "flow-1")

	id := uuid.New()
	_, err := persister.Save(ctx, persist.InstanceData[counterState]{
		FlowInstanceID: id,
		State:          counterState{N: 1},
		Stage:          "A",
		StageStatus:    persist.StatusPending,
	})
	require.NoError(t, err)

	row, err := persister.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, row.State.N)
	require.Equal(t, "A", row.Stage)

	ok, err := persister.TryTransitionStageStatus(ctx, id, "A", persist.StatusPending, persist.StatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = persister.TryTransitionStageStatus(ctx, id, "A", persist.StatusPending, persist.StatusRunning)
	require.NoError(t, err)
	require.False(t, ok, "second claim on the same expected status must fail")

	_, err = persister.Load(ctx, uuid.New())
	require.ErrorIs(t, err, persist.ErrNotFound)
}

func TestEventStoreAppendPeekDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	events := EventStore(store)

	instanceID := uuid.New()
	first, err := events.Append(ctx, "flow-1", instanceID, "t1", "v1")
	require.NoError(t, err)
	_, err = events.Append(ctx, "flow-1", instanceID, "t2", "v2")
	require.NoError(t, err)

	found, ok, err := events.Peek(ctx, "flow-1", instanceID, []persist.EventKind{{EventType: "t1", EventValue: "v1"}, {EventType: "t2", EventValue: "v2"}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.ID, found.ID, "peek returns the oldest matching candidate")

	deleted, err := events.Delete(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err = events.Peek(ctx, "flow-1", instanceID, []persist.EventKind{{EventType: "t1", EventValue: "v1"}})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTickQueueFIFO(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	queue := Queue(store)

	a, b := uuid.New(), uuid.New()
	require.NoError(t, queue.Enqueue(ctx, "flow-1", a))
	require.NoError(t, queue.Enqueue(ctx, "flow-1", b))

	batch, err := queue.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, a, batch[0].FlowInstanceID)

	batch, err = queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, b, batch[0].FlowInstanceID)

	batch, err = queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestHistoryStoreAppend(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	hist := HistoryStore(store)

	err := hist.Append(ctx, persist.HistoryEntry{
		ID:             uuid.New(),
		FlowID:         "flow-1",
		FlowInstanceID: uuid.New(),
		Kind:           persist.HistoryStarted,
		Stage:          "A",
	})
	require.NoError(t, err)
}
