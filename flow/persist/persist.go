// Package persist declares the four persistence contracts the runtime
// depends on: durable instance state, pending events, the tick queue, and
// history. Only StatePersister is generic over the host's domain state
// type; the other three are string/uuid-keyed so a single EventStore,
// TickScheduler, or HistoryStore can back every registered flow regardless
// of its state type.
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Load when the requested row does not exist.
var ErrNotFound = errors.New("persist: not found")

// StageStatus is the lifecycle status of a live instance.
type StageStatus string

const (
	StatusPending   StageStatus = "PENDING"
	StatusRunning   StageStatus = "RUNNING"
	StatusCompleted StageStatus = "COMPLETED"
	StatusCancelled StageStatus = "CANCELLED"
	StatusError     StageStatus = "ERROR"
)

// InstanceData is one persisted row per live flow instance.
type InstanceData[S any] struct {
	FlowInstanceID uuid.UUID
	State          S
	Stage          string
	StageStatus    StageStatus
}

// StatePersister is the per-flow-type contract for instance state. Save
// must create-or-update the row atomically and preserve application-owned
// columns a concurrent external writer may have touched; TryTransitionStageStatus
// is the sole primitive the runtime uses to claim single-flight execution.
type StatePersister[S any] interface {
	// Save creates or updates the row for data.FlowInstanceID and returns the
	// refreshed row as persisted (which may differ from data if a concurrent
	// writer merged in application-owned columns).
	Save(ctx context.Context, data InstanceData[S]) (InstanceData[S], error)

	// Load fails with ErrNotFound if the instance does not exist.
	Load(ctx context.Context, instanceID uuid.UUID) (InstanceData[S], error)

	// TryTransitionStageStatus performs a compare-and-set on (stage,
	// stageStatus): if the currently persisted row matches expectedStage and
	// expectedStatus exactly, it is updated to newStatus and true is
	// returned; otherwise no write occurs and false is returned.
	TryTransitionStageStatus(ctx context.Context, instanceID uuid.UUID, expectedStage string, expectedStatus, newStatus StageStatus) (bool, error)
}

// StoredEvent is a pending event row: an event kind, represented as a
// (type, value) pair, waiting to be consumed by an instance.
type StoredEvent struct {
	ID             uuid.UUID
	FlowID         string
	FlowInstanceID uuid.UUID
	EventType      string
	EventValue     string
}

// EventStore holds pending events across every flow and instance. Peek
// returns the oldest match (by insertion order) among candidateKinds so
// that event delivery per instance is arrival-ordered within the set of
// currently-waited kinds.
type EventStore interface {
	Append(ctx context.Context, flowID string, instanceID uuid.UUID, eventType, eventValue string) (StoredEvent, error)
	Peek(ctx context.Context, flowID string, instanceID uuid.UUID, candidateKinds []EventKind) (StoredEvent, bool, error)
	Delete(ctx context.Context, eventID uuid.UUID) (bool, error)
}

// EventKind identifies an event kind in its stable, string-encoded form.
type EventKind struct {
	EventType  string
	EventValue string
}

// Tick is a durable work item signalling that some instance may be able to
// advance.
type Tick struct {
	ID             uuid.UUID
	FlowID         string
	FlowInstanceID uuid.UUID
}

// TickHandler processes one delivered tick. Implementations tolerate
// at-least-once and duplicate delivery.
type TickHandler func(ctx context.Context, tick Tick)

// TickScheduler owns a durable FIFO queue of pending ticks. Implementations
// must deliver each enqueued tick at least once and may deliver duplicates.
type TickScheduler interface {
	// SetTickHandler registers the function invoked for each delivered
	// tick. Must be called once, before the scheduler starts polling.
	SetTickHandler(handler TickHandler)

	// ScheduleTick enqueues one tick row; duplicates are allowed.
	ScheduleTick(ctx context.Context, flowID string, instanceID uuid.UUID) error
}

// HistoryEntryKind enumerates the append-only history event types.
type HistoryEntryKind string

const (
	HistoryStarted       HistoryEntryKind = "STARTED"
	HistoryEventAppended HistoryEntryKind = "EVENT_APPENDED"
	HistoryStatusChanged HistoryEntryKind = "STATUS_CHANGED"
	HistoryStageChanged  HistoryEntryKind = "STAGE_CHANGED"
	HistoryCancelled     HistoryEntryKind = "CANCELLED"
	HistoryError         HistoryEntryKind = "ERROR"
)

// HistoryEntry is one append-only observability record. Only the fields
// relevant to Kind are expected to be populated.
type HistoryEntry struct {
	ID              uuid.UUID
	OccurredAt      time.Time
	FlowID          string
	FlowInstanceID  uuid.UUID
	Kind            HistoryEntryKind
	Stage           string
	FromStage       string
	ToStage         string
	FromStatus      StageStatus
	ToStatus        StageStatus
	Event           string
	ErrorType       string
	ErrorMessage    string
	ErrorStackTrace string
}

// HistoryStore is the optional durable sink for HistoryEntry rows. The
// runtime never calls Append directly; it always goes through
// flow/history.Recorder, which swallows and logs failures so history can
// never block engine progress.
type HistoryStore interface {
	Append(ctx context.Context, entry HistoryEntry) error
}
