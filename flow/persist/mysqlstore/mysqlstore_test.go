package mysqlstore

// Integration test against a real MySQL/MariaDB instance.
//
// Prerequisites:
//   - MySQL server running (local, Docker, or cloud).
//   - TEST_MYSQL_DSN environment variable set, e.g.:
//     export TEST_MYSQL_DSN="user:password@tcp(localhost:3306)/flowlite_test?parseTime=true"
//
// Run with: go test -v -run TestMySQLStoreIntegration ./flow/persist/mysqlstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flowlite-go/flowlite/flow/persist"
)

type counterState struct{ N int }

func TestMySQLStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("set TEST_MYSQL_DSN to run the MySQL integration test")
	}

	store, err := Open(dsn)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	persister := StatePersister[counterState](store, "flow-1")
	events := EventStore(store)
	queue := Queue(store)
	hist := HistoryStore(store)

	id := uuid.New()
	_, err = persister.Save(ctx, persist.InstanceData[counterState]{
		FlowInstanceID: id,
		State:          counterState{N: 1},
		Stage:          "A",
		StageStatus:    persist.StatusPending,
	})
	require.NoError(t, err)

	row, err := persister.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, row.State.N)

	ok, err := persister.TryTransitionStageStatus(ctx, id, "A", persist.StatusPending, persist.StatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	ev, err := events.Append(ctx, "flow-1", id, "t1", "v1")
	require.NoError(t, err)
	found, ok, err := events.Peek(ctx, "flow-1", id, []persist.EventKind{{EventType: "t1", EventValue: "v1"}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ev.ID, found.ID)

	deleted, err := events.Delete(ctx, ev.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	require.NoError(t, queue.Enqueue(ctx, "flow-1", id))
	batch, err := queue.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, hist.Append(ctx, persist.HistoryEntry{
		ID:             uuid.New(),
		FlowID:         "flow-1",
		FlowInstanceID: id,
		Kind:           persist.HistoryStarted,
		Stage:          "A",
	}))
}
