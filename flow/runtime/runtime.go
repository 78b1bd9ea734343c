// Package runtime implements the tick-entry dispatcher and the per-stage
// execution loop: the compare-and-set single-flight claim, and the
// interpreter that advances an instance through as many stages as it can
// without external input.
package runtime

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/flowlite-go/flowlite/flow"
	"github.com/flowlite-go/flowlite/flow/history"
	"github.com/flowlite-go/flowlite/flow/persist"
)

// TickEnqueuer schedules a follow-up tick. flow/ticks.Scheduler satisfies
// this via its ScheduleTick method.
type TickEnqueuer interface {
	ScheduleTick(ctx context.Context, flowID string, instanceID uuid.UUID) error
}

// DispatchTracer instruments one Dispatch call. StartSpan returns a
// context to propagate and a func to end the span; flow/tracing.Tracer
// satisfies this.
type DispatchTracer interface {
	StartSpan(ctx context.Context, flowID string, instanceID uuid.UUID) (context.Context, func(err error))
}

// StepTracer instruments one advancement step within the execution loop.
// flow/tracing.Tracer satisfies this in addition to DispatchTracer; a
// DispatchTracer that does not implement it simply gets no per-step spans.
type StepTracer interface {
	StartStep(ctx context.Context, fromStage string) (context.Context, func(err error))
}

// DispatchMetrics receives best-effort counters about claim outcomes.
// flow/metrics.Recorder satisfies this.
type DispatchMetrics interface {
	IncClaimSucceeded()
	IncClaimConflict()
	IncActionFailure()
}

// Option configures a Runner at construction time.
type Option[S any, Stg flow.Identity, Ev flow.Identity] func(*Runner[S, Stg, Ev])

// WithTickEnqueuer attaches the scheduler used to enqueue compensating
// ticks (see the release path in step 1 of the execution loop).
func WithTickEnqueuer[S any, Stg flow.Identity, Ev flow.Identity](enq TickEnqueuer) Option[S, Stg, Ev] {
	return func(r *Runner[S, Stg, Ev]) { r.enqueuer = enq }
}

// WithTracer attaches an OpenTelemetry-style span wrapper around Dispatch.
func WithTracer[S any, Stg flow.Identity, Ev flow.Identity](t DispatchTracer) Option[S, Stg, Ev] {
	return func(r *Runner[S, Stg, Ev]) { r.tracer = t }
}

// WithMetrics attaches claim/failure counters.
func WithMetrics[S any, Stg flow.Identity, Ev flow.Identity](m DispatchMetrics) Option[S, Stg, Ev] {
	return func(r *Runner[S, Stg, Ev]) { r.metrics = m }
}

// Runner is the dispatcher and execution loop for a single registered
// flow. One Runner is created per flow by the engine facade at
// registration time and shared by every worker that dispatches a tick for
// that flow.
type Runner[S any, Stg flow.Identity, Ev flow.Identity] struct {
	flowID    string
	def       *flow.Flow[S, Stg, Ev]
	persister persist.StatePersister[S]
	events    persist.EventStore
	recorder  *history.Recorder

	enqueuer TickEnqueuer
	tracer   DispatchTracer
	metrics  DispatchMetrics

	stageByName map[string]Stg
}

// New builds a Runner for a single registered flow.
func New[S any, Stg flow.Identity, Ev flow.Identity](
	flowID string,
	def *flow.Flow[S, Stg, Ev],
	persister persist.StatePersister[S],
	events persist.EventStore,
	recorder *history.Recorder,
	opts ...Option[S, Stg, Ev],
) *Runner[S, Stg, Ev] {
	stageByName := make(map[string]Stg, len(def.Stages()))
	for _, stg := range def.Stages() {
		stageByName[stg.String()] = stg
	}
	r := &Runner[S, Stg, Ev]{
		flowID:      flowID,
		def:         def,
		persister:   persister,
		events:      events,
		recorder:    recorder,
		stageByName: stageByName,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle adapts Dispatch to persist.TickHandler: it logs and absorbs any
// returned error so a single failing instance never takes down the worker
// pool, matching the top-level handler contract described for the
// execution loop's ActionFailure path.
func (r *Runner[S, Stg, Ev]) Handle(ctx context.Context, tick persist.Tick) {
	if err := r.Dispatch(ctx, tick.FlowInstanceID); err != nil {
		log.Printf("runtime: dispatch failed for flow %q instance %s: %v", r.flowID, tick.FlowInstanceID, err)
	}
}

// Dispatch is the tick entry point. It loads the instance, acts on its
// stageStatus per the dispatcher's table, and on a successful
// Pending->Running claim hands the instance to the execution loop.
func (r *Runner[S, Stg, Ev]) Dispatch(ctx context.Context, instanceID uuid.UUID) error {
	if r.tracer != nil {
		var end func(error)
		ctx, end = r.tracer.StartSpan(ctx, r.flowID, instanceID)
		var err error
		defer func() { end(err) }()
		err = r.dispatch(ctx, instanceID)
		return err
	}
	return r.dispatch(ctx, instanceID)
}

func (r *Runner[S, Stg, Ev]) dispatch(ctx context.Context, instanceID uuid.UUID) error {
	data, err := r.persister.Load(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("runtime: load instance %s: %w", instanceID, err)
	}

	switch data.StageStatus {
	case persist.StatusError:
		log.Printf("runtime: instance %s is in Error status, awaiting retry", instanceID)
		return nil
	case persist.StatusCompleted, persist.StatusCancelled:
		log.Printf("runtime: instance %s already at rest (%s)", instanceID, data.StageStatus)
		return nil
	case persist.StatusRunning:
		log.Printf("runtime: instance %s already Running, duplicate tick ignored", instanceID)
		return nil
	case persist.StatusPending:
		ok, err := r.persister.TryTransitionStageStatus(ctx, instanceID, data.Stage, persist.StatusPending, persist.StatusRunning)
		if err != nil {
			return fmt.Errorf("runtime: claim instance %s: %w", instanceID, err)
		}
		if !ok {
			if r.metrics != nil {
				r.metrics.IncClaimConflict()
			}
			log.Printf("runtime: lost claim race for instance %s, duplicate tick", instanceID)
			return nil
		}
		if r.metrics != nil {
			r.metrics.IncClaimSucceeded()
		}
		r.recorder.RecordStatusChanged(ctx, r.flowID, instanceID, persist.StatusPending, persist.StatusRunning)

		data, err = r.persister.Load(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("runtime: reload claimed instance %s: %w", instanceID, err)
		}
		return r.runLoop(ctx, data)
	default:
		return fmt.Errorf("runtime: instance %s has unknown stage status %q", instanceID, data.StageStatus)
	}
}

// runLoop repeats the advancement step until the instance reaches a
// terminal resting point. Invariant on entry: data.StageStatus == Running.
func (r *Runner[S, Stg, Ev]) runLoop(ctx context.Context, data persist.InstanceData[S]) error {
	stepTracer, _ := r.tracer.(StepTracer)
	for {
		stepCtx := ctx
		var endStep func(error)
		if stepTracer != nil {
			stepCtx, endStep = stepTracer.StartStep(ctx, data.Stage)
		}

		stg, ok := r.stageByName[data.Stage]
		if !ok {
			err := fmt.Errorf("stage %q is not defined in flow %q", data.Stage, r.flowID)
			if endStep != nil {
				endStep(err)
			}
			return r.failInstance(ctx, data, err)
		}
		def, ok := r.def.Definition(stg)
		if !ok {
			err := fmt.Errorf("stage %q has no definition in flow %q", data.Stage, r.flowID)
			if endStep != nil {
				endStep(err)
			}
			return r.failInstance(ctx, data, err)
		}

		var (
			next persist.InstanceData[S]
			err  error
			done bool
		)
		switch {
		case len(def.EventHandlers) > 0:
			next, done, err = r.stepEventWait(stepCtx, data, def)
		case def.Action != nil:
			next, done, err = r.stepAction(stepCtx, data, def)
		case def.Condition != nil:
			next, done, err = r.stepCondition(stepCtx, data, def)
		case def.HasNextStage():
			next, done, err = r.stepNextStage(stepCtx, data, def)
		case def.IsTerminal():
			next, done, err = r.stepTerminalNoAction(stepCtx, data)
		default:
			err = fmt.Errorf("stage %q: non-terminal stage declares no transition", data.Stage)
		}
		if endStep != nil {
			endStep(err)
		}
		if err != nil {
			return r.failInstance(ctx, data, err)
		}
		if done {
			return nil
		}
		data = next
	}
}

// stepEventWait implements execution-loop step 1.
func (r *Runner[S, Stg, Ev]) stepEventWait(ctx context.Context, data persist.InstanceData[S], def flow.StageDefinition[S, Stg, Ev]) (persist.InstanceData[S], bool, error) {
	candidateKinds, kindToEvent := eventCandidates(def.EventHandlers)

	found, ok, err := r.events.Peek(ctx, r.flowID, data.FlowInstanceID, candidateKinds)
	if err != nil {
		return data, false, fmt.Errorf("peek events: %w", err)
	}
	if ok {
		ev := kindToEvent[persist.EventKind{EventType: found.EventType, EventValue: found.EventValue}]
		handler := def.EventHandlers[ev]
		target := handler.Resolve(data.State)

		fromStage := data.Stage
		updated := data
		updated.Stage = target.String()
		saved, err := r.persister.Save(ctx, updated)
		if err != nil {
			return data, false, fmt.Errorf("save stage change: %w", err)
		}
		if _, err := r.events.Delete(ctx, found.ID); err != nil {
			return data, false, fmt.Errorf("delete consumed event: %w", err)
		}
		r.recorder.RecordStageChanged(ctx, r.flowID, data.FlowInstanceID, fromStage, target.String(), ev.String())
		return saved, false, nil
	}

	// No matching event: release the claim back to Pending.
	released := data
	released.StageStatus = persist.StatusPending
	saved, err := r.persister.Save(ctx, released)
	if err != nil {
		return data, false, fmt.Errorf("save release: %w", err)
	}
	r.recorder.RecordStatusChanged(ctx, r.flowID, data.FlowInstanceID, persist.StatusRunning, persist.StatusPending)

	// Re-peek: an event may have arrived between our first peek and the
	// release write. If so, enqueue a compensating tick so another worker
	// picks it up (see the open question on duplicate-tick races).
	_, ok, err = r.events.Peek(ctx, r.flowID, data.FlowInstanceID, candidateKinds)
	if err != nil {
		return saved, false, fmt.Errorf("re-peek events: %w", err)
	}
	if ok && r.enqueuer != nil {
		if err := r.enqueuer.ScheduleTick(ctx, r.flowID, data.FlowInstanceID); err != nil {
			log.Printf("runtime: failed to enqueue compensating tick for instance %s: %v", data.FlowInstanceID, err)
		}
	}
	return saved, true, nil
}

// stepAction implements execution-loop step 2.
func (r *Runner[S, Stg, Ev]) stepAction(ctx context.Context, data persist.InstanceData[S], def flow.StageDefinition[S, Stg, Ev]) (persist.InstanceData[S], bool, error) {
	newStatePtr, err := def.Action(data.State)
	if err != nil {
		if r.metrics != nil {
			r.metrics.IncActionFailure()
		}
		return data, false, fmt.Errorf("action at stage %q: %w", data.Stage, err)
	}
	newState := data.State
	if newStatePtr != nil {
		newState = *newStatePtr
	}

	if def.IsTerminal() {
		updated := data
		updated.State = newState
		updated.StageStatus = persist.StatusCompleted
		saved, err := r.persister.Save(ctx, updated)
		if err != nil {
			return data, false, fmt.Errorf("save completion: %w", err)
		}
		r.recorder.RecordStatusChanged(ctx, r.flowID, data.FlowInstanceID, persist.StatusRunning, persist.StatusCompleted)
		return saved, true, nil
	}

	var target Stg
	switch {
	case def.Condition != nil:
		target = def.Condition.Resolve(newState)
	case def.HasNextStage():
		target = def.NextStage
	default:
		return data, false, fmt.Errorf("stage %q: non-terminal action has no successor", data.Stage)
	}

	fromStage := data.Stage
	updated := data
	updated.State = newState
	updated.Stage = target.String()
	saved, err := r.persister.Save(ctx, updated)
	if err != nil {
		return data, false, fmt.Errorf("save stage change: %w", err)
	}
	r.recorder.RecordStageChanged(ctx, r.flowID, data.FlowInstanceID, fromStage, target.String(), "")
	return saved, false, nil
}

// stepCondition implements execution-loop step 3.
func (r *Runner[S, Stg, Ev]) stepCondition(ctx context.Context, data persist.InstanceData[S], def flow.StageDefinition[S, Stg, Ev]) (persist.InstanceData[S], bool, error) {
	target := def.Condition.Resolve(data.State)
	fromStage := data.Stage
	updated := data
	updated.Stage = target.String()
	saved, err := r.persister.Save(ctx, updated)
	if err != nil {
		return data, false, fmt.Errorf("save stage change: %w", err)
	}
	r.recorder.RecordStageChanged(ctx, r.flowID, data.FlowInstanceID, fromStage, target.String(), "")
	return saved, false, nil
}

// stepNextStage implements execution-loop step 4.
func (r *Runner[S, Stg, Ev]) stepNextStage(ctx context.Context, data persist.InstanceData[S], def flow.StageDefinition[S, Stg, Ev]) (persist.InstanceData[S], bool, error) {
	target := def.NextStage
	fromStage := data.Stage
	updated := data
	updated.Stage = target.String()
	saved, err := r.persister.Save(ctx, updated)
	if err != nil {
		return data, false, fmt.Errorf("save stage change: %w", err)
	}
	r.recorder.RecordStageChanged(ctx, r.flowID, data.FlowInstanceID, fromStage, target.String(), "")
	return saved, false, nil
}

// stepTerminalNoAction implements execution-loop step 5.
func (r *Runner[S, Stg, Ev]) stepTerminalNoAction(ctx context.Context, data persist.InstanceData[S]) (persist.InstanceData[S], bool, error) {
	updated := data
	updated.StageStatus = persist.StatusCompleted
	saved, err := r.persister.Save(ctx, updated)
	if err != nil {
		return data, false, fmt.Errorf("save completion: %w", err)
	}
	r.recorder.RecordStatusChanged(ctx, r.flowID, data.FlowInstanceID, persist.StatusRunning, persist.StatusCompleted)
	return saved, true, nil
}

// failInstance handles any exception raised by an action or a persister
// write inside the loop: it saves Error status preserving the current
// stage, records an Error history entry, and returns the original error so
// the caller (the worker's top-level handler, Handle) can log and absorb it.
func (r *Runner[S, Stg, Ev]) failInstance(ctx context.Context, data persist.InstanceData[S], cause error) error {
	updated := data
	updated.StageStatus = persist.StatusError
	if _, saveErr := r.persister.Save(ctx, updated); saveErr != nil {
		log.Printf("runtime: failed to persist Error status for instance %s after %v: %v", data.FlowInstanceID, cause, saveErr)
	}
	r.recorder.RecordError(ctx, r.flowID, data.FlowInstanceID, data.Stage, fmt.Sprintf("%T", cause), cause.Error(), string(debug.Stack()))
	return cause
}

// eventCandidates builds the EventStore candidate-kind list and the
// reverse lookup from a stage's event handlers.
func eventCandidates[S any, Stg flow.Identity, Ev flow.Identity](handlers map[Ev]flow.EventHandler[S, Stg]) ([]persist.EventKind, map[persist.EventKind]Ev) {
	kinds := make([]persist.EventKind, 0, len(handlers))
	lookup := make(map[persist.EventKind]Ev, len(handlers))
	for ev := range handlers {
		kind := EncodeEventKind(ev)
		kinds = append(kinds, kind)
		lookup[kind] = ev
	}
	return kinds, lookup
}

// EncodeEventKind renders an event identity into the stable (type, value)
// string pair the event store persists, per the external interfaces
// contract: fully-qualified type name plus the identity's own string
// rendering.
func EncodeEventKind[Ev flow.Identity](ev Ev) persist.EventKind {
	return persist.EventKind{
		EventType:  reflect.TypeOf(ev).String(),
		EventValue: ev.String(),
	}
}
