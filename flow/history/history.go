// Package history wraps a persist.HistoryStore with the best-effort
// recording contract the runtime requires: a failed write is logged and
// swallowed, never allowed to block or fail the engine's progress. It is
// the sole call site that invokes HistoryStore.Append directly.
package history

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/flowlite-go/flowlite/flow/persist"
)

// FailureCounter receives a best-effort signal when an Append call fails.
// flow/metrics.Recorder satisfies this via IncHistoryFailure.
type FailureCounter interface {
	IncHistoryFailure()
}

// Recorder records HistoryEntry rows on behalf of the runtime. A nil
// underlying store is valid: every method becomes a no-op, which lets a
// flow run without history entirely (history is documented as optional in
// the persistence contracts).
type Recorder struct {
	store   persist.HistoryStore
	metrics FailureCounter
}

// New builds a Recorder over store. store may be nil.
func New(store persist.HistoryStore) *Recorder {
	return &Recorder{store: store}
}

// WithMetrics attaches a FailureCounter so swallowed Append failures are
// still observable outside the logs.
func (r *Recorder) WithMetrics(m FailureCounter) *Recorder {
	r.metrics = m
	return r
}

func (r *Recorder) append(ctx context.Context, entry persist.HistoryEntry) {
	if r == nil || r.store == nil {
		return
	}
	entry.ID = uuid.New()
	entry.OccurredAt = time.Now()
	if err := r.store.Append(ctx, entry); err != nil {
		log.Printf("history: failed to append %s entry for instance %s: %v", entry.Kind, entry.FlowInstanceID, err)
		if r.metrics != nil {
			r.metrics.IncHistoryFailure()
		}
	}
}

// RecordStarted records a Started entry when an instance begins.
func (r *Recorder) RecordStarted(ctx context.Context, flowID string, instanceID uuid.UUID, stage string) {
	r.append(ctx, persist.HistoryEntry{
		FlowID:         flowID,
		FlowInstanceID: instanceID,
		Kind:           persist.HistoryStarted,
		Stage:          stage,
	})
}

// RecordEventAppended records an EventAppended entry when a caller sends
// an event, regardless of whether any stage is currently waiting for it.
func (r *Recorder) RecordEventAppended(ctx context.Context, flowID string, instanceID uuid.UUID, event string) {
	r.append(ctx, persist.HistoryEntry{
		FlowID:         flowID,
		FlowInstanceID: instanceID,
		Kind:           persist.HistoryEventAppended,
		Event:          event,
	})
}

// RecordStatusChanged records a StatusChanged entry. fromStatus/toStatus
// anchor on the pre-change instance so the "from" field reflects the
// actual prior persisted value.
func (r *Recorder) RecordStatusChanged(ctx context.Context, flowID string, instanceID uuid.UUID, fromStatus, toStatus persist.StageStatus) {
	r.append(ctx, persist.HistoryEntry{
		FlowID:         flowID,
		FlowInstanceID: instanceID,
		Kind:           persist.HistoryStatusChanged,
		FromStatus:     fromStatus,
		ToStatus:       toStatus,
	})
}

// RecordStageChanged records a StageChanged entry, optionally naming the
// event that triggered the transition (empty for automatic/condition-driven
// transitions).
func (r *Recorder) RecordStageChanged(ctx context.Context, flowID string, instanceID uuid.UUID, fromStage, toStage, event string) {
	r.append(ctx, persist.HistoryEntry{
		FlowID:         flowID,
		FlowInstanceID: instanceID,
		Kind:           persist.HistoryStageChanged,
		FromStage:      fromStage,
		ToStage:        toStage,
		Event:          event,
	})
}

// RecordCancelled records a Cancelled entry.
func (r *Recorder) RecordCancelled(ctx context.Context, flowID string, instanceID uuid.UUID) {
	r.append(ctx, persist.HistoryEntry{
		FlowID:         flowID,
		FlowInstanceID: instanceID,
		Kind:           persist.HistoryCancelled,
	})
}

// RecordError records an Error entry with the exception type, message, and
// stack trace captured by the execution loop.
func (r *Recorder) RecordError(ctx context.Context, flowID string, instanceID uuid.UUID, stage, errType, errMessage, stackTrace string) {
	r.append(ctx, persist.HistoryEntry{
		FlowID:          flowID,
		FlowInstanceID:  instanceID,
		Kind:            persist.HistoryError,
		Stage:           stage,
		ErrorType:       errType,
		ErrorMessage:    errMessage,
		ErrorStackTrace: stackTrace,
	})
}
