// Package flowengine is the public facade of the flow engine: registering
// flows, starting and driving instances, and the operator escape hatches
// (retry, cancel, changeStage). Everything else in this module — the flow
// model, the builder/validator, the persistence contracts, the tick
// scheduler, and the dispatcher/execution loop — is wired together here.
package flowengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowlite-go/flowlite/flow"
	"github.com/flowlite-go/flowlite/flow/history"
	"github.com/flowlite-go/flowlite/flow/persist"
	"github.com/flowlite-go/flowlite/flow/runtime"
)

// DispatchTracer instruments a flow's dispatch calls. flow/tracing.Tracer
// satisfies this.
type DispatchTracer = runtime.DispatchTracer

// DispatchMetrics receives claim/failure counters. flow/metrics.Recorder
// satisfies this.
type DispatchMetrics = runtime.DispatchMetrics

// Config is the engine's construction-time configuration: the shared
// persistence/scheduling collaborators every registered flow uses, plus
// optional cross-cutting observability.
type Config struct {
	// EventStore holds pending events for every registered flow.
	EventStore persist.EventStore
	// TickScheduler owns the durable tick queue and worker pool. New
	// installs the engine's demultiplexing handler on it, so
	// SetTickHandler must not already have been called.
	TickScheduler persist.TickScheduler
	// HistoryStore is optional; a nil store makes history recording a
	// no-op everywhere, per the best-effort history contract.
	HistoryStore persist.HistoryStore
	// Tracer and Metrics are optional cross-cutting instrumentation
	// applied to every flow registered on this engine.
	Tracer  DispatchTracer
	Metrics DispatchMetrics
}

// registeredFlow is the type-erased view of a *FlowHandle[S, Stg, Ev] the
// Engine's string/uuid-keyed facade methods operate through. Every method
// here mirrors one FlowHandle operation, accepting/returning `any` where
// the real type depends on a flow's own S/Stg/Ev.
type registeredFlow interface {
	startWithState(ctx context.Context, initialState any) (uuid.UUID, error)
	resume(ctx context.Context, instanceID uuid.UUID) error
	sendEvent(ctx context.Context, instanceID uuid.UUID, event any) error
	retry(ctx context.Context, instanceID uuid.UUID) error
	cancel(ctx context.Context, instanceID uuid.UUID) error
	changeStage(ctx context.Context, instanceID uuid.UUID, targetRendered string) error
	status(ctx context.Context, instanceID uuid.UUID) (string, persist.StageStatus, error)
	listInstanceIDs(ctx context.Context) ([]uuid.UUID, error)
	handleTick(ctx context.Context, tick persist.Tick)
}

// Engine is the process-local registry of flows and the single entry point
// callers use once a flow is registered: the `flows`/handle map is written
// only by RegisterFlow (expected at startup) and read by every other
// method, always under mu, so registering while ticks are being dispatched
// is safe.
type Engine struct {
	mu    sync.RWMutex
	cfg   Config
	flows map[string]registeredFlow
}

// New builds an Engine over cfg and installs its tick-demultiplexing
// handler on cfg.TickScheduler. Call this once per TickScheduler; the
// scheduler's SetTickHandler contract permits only one handler.
func New(cfg Config) *Engine {
	e := &Engine{cfg: cfg, flows: make(map[string]registeredFlow)}
	cfg.TickScheduler.SetTickHandler(e.dispatchTick)
	return e
}

func (e *Engine) dispatchTick(ctx context.Context, tick persist.Tick) {
	e.mu.RLock()
	rf, ok := e.flows[tick.FlowID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	rf.handleTick(ctx, tick)
}

func (e *Engine) lookup(flowID string) (registeredFlow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rf, ok := e.flows[flowID]
	if !ok {
		return nil, &NotRegisteredError{FlowID: flowID}
	}
	return rf, nil
}

// RegisterFlow registers def under flowID, backed by persister, and
// returns a typed handle for callers who know S/Stg/Ev statically. flowId
// claims a single registration; later operations are keyed by it. Go has
// no method-level type parameters, so — unlike the other facade operations
// below, which hang off *Engine — this one is a free function.
func RegisterFlow[S any, Stg flow.Identity, Ev flow.Identity](
	e *Engine,
	flowID string,
	def *flow.Flow[S, Stg, Ev],
	persister persist.StatePersister[S],
	opts ...runtime.Option[S, Stg, Ev],
) (*FlowHandle[S, Stg, Ev], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.flows[flowID]; exists {
		return nil, &AlreadyRegisteredError{FlowID: flowID}
	}

	recorder := history.New(e.cfg.HistoryStore)
	if hm, ok := e.cfg.Metrics.(history.FailureCounter); ok {
		recorder = recorder.WithMetrics(hm)
	}
	runnerOpts := []runtime.Option[S, Stg, Ev]{runtime.WithTickEnqueuer[S, Stg, Ev](e.cfg.TickScheduler)}
	if e.cfg.Tracer != nil {
		runnerOpts = append(runnerOpts, runtime.WithTracer[S, Stg, Ev](e.cfg.Tracer))
	}
	if e.cfg.Metrics != nil {
		runnerOpts = append(runnerOpts, runtime.WithMetrics[S, Stg, Ev](e.cfg.Metrics))
	}
	runnerOpts = append(runnerOpts, opts...)

	runner := runtime.New(flowID, def, persister, e.cfg.EventStore, recorder, runnerOpts...)

	stageByName := make(map[string]Stg, len(def.Stages()))
	for _, stg := range def.Stages() {
		stageByName[stg.String()] = stg
	}

	h := &FlowHandle[S, Stg, Ev]{
		id:          flowID,
		def:         def,
		persister:   persister,
		events:      e.cfg.EventStore,
		tickSched:   e.cfg.TickScheduler,
		recorder:    recorder,
		runner:      runner,
		stageByName: stageByName,
	}
	e.flows[flowID] = h
	return h, nil
}

// StartInstance resolves flowID's initial stage from initialState (per
// flow.Flow.ResolveInitialStage), persists a new Pending instance, records
// Started, enqueues a tick, and returns the new instance id. initialState
// must be the flow's own state type; a mismatch is a programmer error.
func (e *Engine) StartInstance(ctx context.Context, flowID string, initialState any) (uuid.UUID, error) {
	rf, err := e.lookup(flowID)
	if err != nil {
		return uuid.Nil, err
	}
	return rf.startWithState(ctx, initialState)
}

// ResumeInstance re-kicks an existing instance by enqueueing a tick; a
// no-op if the instance is already Completed or Cancelled. This is the
// facade's second startInstance overload (re-kick by id), renamed because
// Go has no overloading.
func (e *Engine) ResumeInstance(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	rf, err := e.lookup(flowID)
	if err != nil {
		return err
	}
	return rf.resume(ctx, instanceID)
}

// SendEvent appends event to the event store, records EventAppended
// regardless of whether any stage currently waits for it, and enqueues a
// tick. event must be the flow's own event type.
func (e *Engine) SendEvent(ctx context.Context, flowID string, instanceID uuid.UUID, event any) error {
	rf, err := e.lookup(flowID)
	if err != nil {
		return err
	}
	return rf.sendEvent(ctx, instanceID, event)
}

// Retry transitions an Error instance back to Pending and enqueues a tick.
// Any other current status is an IllegalOperationForStatusError.
func (e *Engine) Retry(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	rf, err := e.lookup(flowID)
	if err != nil {
		return err
	}
	return rf.retry(ctx, instanceID)
}

// Cancel marks an instance Cancelled, unless it is already Completed or
// Cancelled (a no-op). It does not enqueue a tick and does not interrupt a
// currently Running loop; cancellation takes effect at the next dispatch.
func (e *Engine) Cancel(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	rf, err := e.lookup(flowID)
	if err != nil {
		return err
	}
	return rf.cancel(ctx, instanceID)
}

// ChangeStage is the operator escape hatch: resolve targetStageRendered
// against the flow's stages by their stable string rendering, force the
// instance to that stage, force status to Pending if it wasn't already,
// and enqueue a tick.
func (e *Engine) ChangeStage(ctx context.Context, flowID string, instanceID uuid.UUID, targetStageRendered string) error {
	rf, err := e.lookup(flowID)
	if err != nil {
		return err
	}
	return rf.changeStage(ctx, instanceID, targetStageRendered)
}

// GetStatus returns an instance's current stage (its stable string
// rendering) and status.
func (e *Engine) GetStatus(ctx context.Context, flowID string, instanceID uuid.UUID) (string, persist.StageStatus, error) {
	rf, err := e.lookup(flowID)
	if err != nil {
		return "", "", err
	}
	return rf.status(ctx, instanceID)
}

// ListFlows returns every registered flow id, in no particular order. A
// read-only companion to GetStatus for operator tooling; the cockpit's own
// history/state queries remain out of scope (see §1 of the design notes).
func (e *Engine) ListFlows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.flows))
	for id := range e.flows {
		out = append(out, id)
	}
	return out
}

// ListInstanceIDs returns every instance id known to flowID's persister, if
// it supports listing (flow/persist.StatePersister does not require this;
// memstore, sqlstore, and mysqlstore all provide it).
func (e *Engine) ListInstanceIDs(ctx context.Context, flowID string) ([]uuid.UUID, error) {
	rf, err := e.lookup(flowID)
	if err != nil {
		return nil, err
	}
	return rf.listInstanceIDs(ctx)
}

// FlowHandle is the typed handle RegisterFlow returns: every operation
// here mirrors an Engine facade method but with the flow's real S/Stg/Ev
// types, so callers who registered the flow themselves never need to go
// through the type-erased *Engine methods or risk mis-pairing a flowId
// with the wrong state type.
type FlowHandle[S any, Stg flow.Identity, Ev flow.Identity] struct {
	id          string
	def         *flow.Flow[S, Stg, Ev]
	persister   persist.StatePersister[S]
	events      persist.EventStore
	tickSched   persist.TickScheduler
	recorder    *history.Recorder
	runner      *runtime.Runner[S, Stg, Ev]
	stageByName map[string]Stg
}

// FlowID returns the id this handle was registered under.
func (h *FlowHandle[S, Stg, Ev]) FlowID() string { return h.id }

// Start resolves the flow's initial stage against initialState, persists a
// new Pending instance, records Started, enqueues a tick, and returns the
// new instance id.
func (h *FlowHandle[S, Stg, Ev]) Start(ctx context.Context, initialState S) (uuid.UUID, error) {
	stage := h.def.ResolveInitialStage(initialState)
	instanceID := uuid.New()
	data := persist.InstanceData[S]{
		FlowInstanceID: instanceID,
		State:          initialState,
		Stage:          stage.String(),
		StageStatus:    persist.StatusPending,
	}
	if _, err := h.persister.Save(ctx, data); err != nil {
		return uuid.Nil, fmt.Errorf("flowengine: save initial instance: %w", err)
	}
	h.recorder.RecordStarted(ctx, h.id, instanceID, stage.String())
	if err := h.tickSched.ScheduleTick(ctx, h.id, instanceID); err != nil {
		return uuid.Nil, fmt.Errorf("flowengine: schedule initial tick: %w", err)
	}
	return instanceID, nil
}

// Resume re-kicks an existing instance by enqueueing a tick. A no-op if
// the instance is already Completed or Cancelled.
func (h *FlowHandle[S, Stg, Ev]) Resume(ctx context.Context, instanceID uuid.UUID) error {
	data, err := h.persister.Load(ctx, instanceID)
	if err != nil {
		return &MissingInstanceError{FlowID: h.id, InstanceID: instanceID, Cause: err}
	}
	if data.StageStatus == persist.StatusCompleted || data.StageStatus == persist.StatusCancelled {
		return nil
	}
	return h.tickSched.ScheduleTick(ctx, h.id, instanceID)
}

// SendEvent appends event to the event store, records EventAppended
// regardless of whether the instance's current stage waits for it, and
// enqueues a tick. The facade never checks whether anything is waiting:
// late or unrelated events sit in the store until a matching stage is
// reached, or forever.
func (h *FlowHandle[S, Stg, Ev]) SendEvent(ctx context.Context, instanceID uuid.UUID, event Ev) error {
	kind := runtime.EncodeEventKind(event)
	if _, err := h.events.Append(ctx, h.id, instanceID, kind.EventType, kind.EventValue); err != nil {
		return fmt.Errorf("flowengine: append event: %w", err)
	}
	h.recorder.RecordEventAppended(ctx, h.id, instanceID, event.String())
	return h.tickSched.ScheduleTick(ctx, h.id, instanceID)
}

// Retry transitions an Error instance to Pending and enqueues a tick. Any
// other current status is an IllegalOperationForStatusError.
func (h *FlowHandle[S, Stg, Ev]) Retry(ctx context.Context, instanceID uuid.UUID) error {
	data, err := h.persister.Load(ctx, instanceID)
	if err != nil {
		return &MissingInstanceError{FlowID: h.id, InstanceID: instanceID, Cause: err}
	}
	if data.StageStatus != persist.StatusError {
		return &IllegalOperationForStatusError{FlowID: h.id, InstanceID: instanceID, Operation: "retry", Status: data.StageStatus}
	}
	fromStatus := data.StageStatus
	data.StageStatus = persist.StatusPending
	if _, err := h.persister.Save(ctx, data); err != nil {
		return fmt.Errorf("flowengine: save retry: %w", err)
	}
	h.recorder.RecordStatusChanged(ctx, h.id, instanceID, fromStatus, persist.StatusPending)
	return h.tickSched.ScheduleTick(ctx, h.id, instanceID)
}

// Cancel marks the instance Cancelled unless it is already Completed or
// Cancelled (a no-op). It does not enqueue a tick and does not interrupt a
// currently Running loop: cancellation takes effect the next time the
// dispatcher loads this instance and observes the new status.
func (h *FlowHandle[S, Stg, Ev]) Cancel(ctx context.Context, instanceID uuid.UUID) error {
	data, err := h.persister.Load(ctx, instanceID)
	if err != nil {
		return &MissingInstanceError{FlowID: h.id, InstanceID: instanceID, Cause: err}
	}
	if data.StageStatus == persist.StatusCompleted || data.StageStatus == persist.StatusCancelled {
		return nil
	}
	data.StageStatus = persist.StatusCancelled
	if _, err := h.persister.Save(ctx, data); err != nil {
		return fmt.Errorf("flowengine: save cancel: %w", err)
	}
	h.recorder.RecordCancelled(ctx, h.id, instanceID)
	return nil
}

// ChangeStage is the operator escape hatch: resolve targetStageRendered
// against the flow's stages by their stable string rendering (error if
// none matches), force the instance's stage to the target, force status to
// Pending if it wasn't already, and enqueue a tick.
func (h *FlowHandle[S, Stg, Ev]) ChangeStage(ctx context.Context, instanceID uuid.UUID, targetStageRendered string) error {
	target, ok := h.stageByName[targetStageRendered]
	if !ok {
		return fmt.Errorf("flowengine: no stage in flow %q renders as %q", h.id, targetStageRendered)
	}
	data, err := h.persister.Load(ctx, instanceID)
	if err != nil {
		return &MissingInstanceError{FlowID: h.id, InstanceID: instanceID, Cause: err}
	}
	fromStage, fromStatus := data.Stage, data.StageStatus
	data.Stage = target.String()
	data.StageStatus = persist.StatusPending
	if _, err := h.persister.Save(ctx, data); err != nil {
		return fmt.Errorf("flowengine: save stage change: %w", err)
	}
	if fromStage != data.Stage {
		h.recorder.RecordStageChanged(ctx, h.id, instanceID, fromStage, data.Stage, "")
	}
	if fromStatus != persist.StatusPending {
		h.recorder.RecordStatusChanged(ctx, h.id, instanceID, fromStatus, persist.StatusPending)
	}
	return h.tickSched.ScheduleTick(ctx, h.id, instanceID)
}

// GetStatus returns an instance's current stage and status.
func (h *FlowHandle[S, Stg, Ev]) GetStatus(ctx context.Context, instanceID uuid.UUID) (Stg, persist.StageStatus, error) {
	data, err := h.persister.Load(ctx, instanceID)
	if err != nil {
		var zero Stg
		return zero, "", &MissingInstanceError{FlowID: h.id, InstanceID: instanceID, Cause: err}
	}
	stg, ok := h.stageByName[data.Stage]
	if !ok {
		var zero Stg
		return zero, "", fmt.Errorf("flowengine: instance %s has unknown stage %q", instanceID, data.Stage)
	}
	return stg, data.StageStatus, nil
}

// ListInstanceIDs returns every instance id known to this handle's
// persister, if it supports listing.
func (h *FlowHandle[S, Stg, Ev]) ListInstanceIDs(ctx context.Context) ([]uuid.UUID, error) {
	lister, ok := h.persister.(interface {
		ListInstanceIDs(context.Context) ([]uuid.UUID, error)
	})
	if !ok {
		return nil, fmt.Errorf("flowengine: persister for flow %q does not support instance listing", h.id)
	}
	return lister.ListInstanceIDs(ctx)
}

// handleTick satisfies registeredFlow: it is the single per-flow entry
// point the Engine's dispatchTick demultiplexer calls into.
func (h *FlowHandle[S, Stg, Ev]) handleTick(ctx context.Context, tick persist.Tick) {
	h.runner.Handle(ctx, tick)
}

func (h *FlowHandle[S, Stg, Ev]) startWithState(ctx context.Context, initialState any) (uuid.UUID, error) {
	state, ok := initialState.(S)
	if !ok {
		return uuid.Nil, fmt.Errorf("flowengine: flow %q expects state type %T, got %T", h.id, state, initialState)
	}
	return h.Start(ctx, state)
}

func (h *FlowHandle[S, Stg, Ev]) resume(ctx context.Context, instanceID uuid.UUID) error {
	return h.Resume(ctx, instanceID)
}

func (h *FlowHandle[S, Stg, Ev]) sendEvent(ctx context.Context, instanceID uuid.UUID, event any) error {
	ev, ok := event.(Ev)
	if !ok {
		return fmt.Errorf("flowengine: flow %q expects event type %T, got %T", h.id, ev, event)
	}
	return h.SendEvent(ctx, instanceID, ev)
}

func (h *FlowHandle[S, Stg, Ev]) retry(ctx context.Context, instanceID uuid.UUID) error {
	return h.Retry(ctx, instanceID)
}

func (h *FlowHandle[S, Stg, Ev]) cancel(ctx context.Context, instanceID uuid.UUID) error {
	return h.Cancel(ctx, instanceID)
}

func (h *FlowHandle[S, Stg, Ev]) changeStage(ctx context.Context, instanceID uuid.UUID, targetRendered string) error {
	return h.ChangeStage(ctx, instanceID, targetRendered)
}

func (h *FlowHandle[S, Stg, Ev]) status(ctx context.Context, instanceID uuid.UUID) (string, persist.StageStatus, error) {
	stg, status, err := h.GetStatus(ctx, instanceID)
	if err != nil {
		return "", "", err
	}
	return stg.String(), status, nil
}

func (h *FlowHandle[S, Stg, Ev]) listInstanceIDs(ctx context.Context) ([]uuid.UUID, error) {
	return h.ListInstanceIDs(ctx)
}
