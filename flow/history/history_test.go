package history

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flowlite-go/flowlite/flow/persist"
	"github.com/flowlite-go/flowlite/flow/persist/memstore"
)

func TestRecorderRecordsEntries(t *testing.T) {
	store := memstore.NewHistoryStore()
	rec := New(store)
	ctx := context.Background()
	instanceID := uuid.New()

	rec.RecordStarted(ctx, "flow1", instanceID, "A")
	rec.RecordStatusChanged(ctx, "flow1", instanceID, persist.StatusPending, persist.StatusRunning)
	rec.RecordStageChanged(ctx, "flow1", instanceID, "A", "B", "")
	rec.RecordCancelled(ctx, "flow1", instanceID)
	rec.RecordError(ctx, "flow1", instanceID, "B", "boom", "boom happened", "")

	entries := store.Entries()
	require.Len(t, entries, 5)
	require.Equal(t, persist.HistoryStarted, entries[0].Kind)
	require.Equal(t, persist.HistoryStatusChanged, entries[1].Kind)
	require.Equal(t, persist.HistoryStageChanged, entries[2].Kind)
	require.Equal(t, persist.HistoryCancelled, entries[3].Kind)
	require.Equal(t, persist.HistoryError, entries[4].Kind)
	require.Equal(t, "boom happened", entries[4].ErrorMessage)
	for _, e := range entries {
		require.NotZero(t, e.ID)
		require.False(t, e.OccurredAt.IsZero())
	}
}

type failingHistoryStore struct{}

func (failingHistoryStore) Append(context.Context, persist.HistoryEntry) error {
	return errFailingStore
}

var errFailingStore = errors.New("boom")

func TestRecorderSwallowsStoreFailure(t *testing.T) {
	rec := New(failingHistoryStore{})
	require.NotPanics(t, func() {
		rec.RecordStarted(context.Background(), "flow1", uuid.New(), "A")
	})
}

func TestRecorderNilStoreIsNoOp(t *testing.T) {
	rec := New(nil)
	require.NotPanics(t, func() {
		rec.RecordStarted(context.Background(), "flow1", uuid.New(), "A")
	})
}
