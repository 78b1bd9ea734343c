// Package memstore is an in-memory implementation of every contract in
// flow/persist. It is designed for tests, examples, and single-process
// workflows where durability across restarts is not required; data is lost
// when the process terminates.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/flowlite-go/flowlite/flow/persist"
)

// StatePersister is a thread-safe in-memory persist.StatePersister[S].
type StatePersister[S any] struct {
	mu   sync.Mutex
	rows map[uuid.UUID]persist.InstanceData[S]
}

// NewStatePersister creates an empty in-memory StatePersister.
func NewStatePersister[S any]() *StatePersister[S] {
	return &StatePersister[S]{rows: make(map[uuid.UUID]persist.InstanceData[S])}
}

// Save creates or updates the row for data.FlowInstanceID.
func (p *StatePersister[S]) Save(_ context.Context, data persist.InstanceData[S]) (persist.InstanceData[S], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[data.FlowInstanceID] = data
	return data, nil
}

// Load returns persist.ErrNotFound if instanceID has no row.
func (p *StatePersister[S]) Load(_ context.Context, instanceID uuid.UUID) (persist.InstanceData[S], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.rows[instanceID]
	if !ok {
		var zero persist.InstanceData[S]
		return zero, persist.ErrNotFound
	}
	return row, nil
}

// ListInstanceIDs returns every instance id currently held, in no
// particular order. Supports the engine facade's read-only introspection
// helpers; not part of persist.StatePersister.
func (p *StatePersister[S]) ListInstanceIDs(_ context.Context) ([]uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uuid.UUID, 0, len(p.rows))
	for id := range p.rows {
		out = append(out, id)
	}
	return out, nil
}

// TryTransitionStageStatus performs the compare-and-set on (stage,
// stageStatus) under the store's single mutex, making it an atomic claim
// primitive for every instance this process holds in memory.
func (p *StatePersister[S]) TryTransitionStageStatus(_ context.Context, instanceID uuid.UUID, expectedStage string, expectedStatus, newStatus persist.StageStatus) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.rows[instanceID]
	if !ok {
		return false, persist.ErrNotFound
	}
	if row.Stage != expectedStage || row.StageStatus != expectedStatus {
		return false, nil
	}
	row.StageStatus = newStatus
	p.rows[instanceID] = row
	return true, nil
}

// EventStore is a thread-safe in-memory persist.EventStore.
type EventStore struct {
	mu     sync.Mutex
	events []persist.StoredEvent
}

// NewEventStore creates an empty in-memory EventStore.
func NewEventStore() *EventStore {
	return &EventStore{}
}

// Append enqueues a new event, preserving insertion order for Peek's
// oldest-match semantics.
func (s *EventStore) Append(_ context.Context, flowID string, instanceID uuid.UUID, eventType, eventValue string) (persist.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := persist.StoredEvent{
		ID:             uuid.New(),
		FlowID:         flowID,
		FlowInstanceID: instanceID,
		EventType:      eventType,
		EventValue:     eventValue,
	}
	s.events = append(s.events, ev)
	return ev, nil
}

// Peek returns the oldest stored event for (flowID, instanceID) whose kind
// matches one of candidateKinds, without removing it.
func (s *EventStore) Peek(_ context.Context, flowID string, instanceID uuid.UUID, candidateKinds []persist.EventKind) (persist.StoredEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.FlowID != flowID || ev.FlowInstanceID != instanceID {
			continue
		}
		for _, kind := range candidateKinds {
			if ev.EventType == kind.EventType && ev.EventValue == kind.EventValue {
				return ev, true, nil
			}
		}
	}
	return persist.StoredEvent{}, false, nil
}

// Delete removes the event by id; returns false if it was already gone.
func (s *EventStore) Delete(_ context.Context, eventID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ev := range s.events {
		if ev.ID == eventID {
			s.events = append(s.events[:i], s.events[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// HistoryStore is a thread-safe in-memory persist.HistoryStore, useful for
// asserting on recorded entries in tests.
type HistoryStore struct {
	mu      sync.Mutex
	entries []persist.HistoryEntry
}

// NewHistoryStore creates an empty in-memory HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{}
}

// Append records entry. Never fails; an in-memory slice has no I/O to fail.
func (h *HistoryStore) Append(_ context.Context, entry persist.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	return nil
}

// Entries returns a copy of every recorded entry in insertion order. Test
// helper; not part of persist.HistoryStore.
func (h *HistoryStore) Entries() []persist.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]persist.HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// TickQueue is an in-memory FIFO implementation of ticks.Queue. Every
// DequeueBatch call removes what it returns, so there is no separate
// "optimistic lock" step to lose: the single mutex already serializes
// concurrent pollers within one process.
type TickQueue struct {
	mu    sync.Mutex
	ticks []persist.Tick
}

// NewTickQueue creates an empty in-memory tick queue.
func NewTickQueue() *TickQueue {
	return &TickQueue{}
}

// Enqueue appends a tick; duplicates are allowed, matching the durable
// contract ticks.Queue implementations must honor.
func (q *TickQueue) Enqueue(_ context.Context, flowID string, instanceID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ticks = append(q.ticks, persist.Tick{ID: uuid.New(), FlowID: flowID, FlowInstanceID: instanceID})
	return nil
}

// DequeueBatch removes and returns up to limit ticks in FIFO order.
func (q *TickQueue) DequeueBatch(_ context.Context, limit int) ([]persist.Tick, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.ticks) {
		limit = len(q.ticks)
	}
	batch := make([]persist.Tick, limit)
	copy(batch, q.ticks[:limit])
	q.ticks = q.ticks[limit:]
	return batch, nil
}
