package flow

// EventHandler resolves the stage to move to once a waited-for event arrives.
// Exactly one of Target or Condition is set; both lead to a leaf stage.
type EventHandler[S any, Stg Identity] struct {
	Target    Stg
	Condition *ConditionHandler[S, Stg]

	hasTarget bool
}

// OnEvent builds an EventHandler that moves directly to target.
func OnEvent[S any, Stg Identity](target Stg) EventHandler[S, Stg] {
	return EventHandler[S, Stg]{Target: target, hasTarget: true}
}

// OnEventCondition builds an EventHandler that evaluates a condition tree
// against the current state once the event arrives.
func OnEventCondition[S any, Stg Identity](h *ConditionHandler[S, Stg]) EventHandler[S, Stg] {
	return EventHandler[S, Stg]{Condition: h}
}

// Resolve returns the stage this handler leads to, evaluating the nested
// condition against state if one is set.
func (h EventHandler[S, Stg]) Resolve(state S) Stg {
	if h.hasTarget {
		return h.Target
	}
	return h.Condition.Resolve(state)
}

// Targets returns every stage this handler can resolve to: the direct
// Target, or every leaf of Condition. Used by flow/builder to validate
// stage references without evaluating any predicate.
func (h EventHandler[S, Stg]) Targets() []Stg {
	if h.hasTarget {
		return []Stg{h.Target}
	}
	return h.Condition.Leaves()
}

// StageDefinition is one node of a Flow graph: an identity, an optional
// action, and at most one outgoing transition descriptor.
type StageDefinition[S any, Stg Identity, Ev Identity] struct {
	Stage Stg

	// Action is nil for stages with no side-effecting computation.
	Action Action[S]

	// At most one of NextStage / Condition / EventHandlers may be set (none
	// makes the stage terminal); the builder validates this invariant, not
	// this type.
	NextStage     Stg
	hasNextStage  bool
	Condition     *ConditionHandler[S, Stg]
	EventHandlers map[Ev]EventHandler[S, Stg]
}

// WithNextStage returns a copy of def with an automatic successor set.
func (def StageDefinition[S, Stg, Ev]) WithNextStage(target Stg) StageDefinition[S, Stg, Ev] {
	def.NextStage = target
	def.hasNextStage = true
	return def
}

// HasNextStage reports whether def declares an automatic successor.
func (def StageDefinition[S, Stg, Ev]) HasNextStage() bool {
	return def.hasNextStage
}

// IsTerminal reports whether def has no action-driven or declared outgoing
// transition at all: no NextStage, no Condition, no EventHandlers.
func (def StageDefinition[S, Stg, Ev]) IsTerminal() bool {
	return !def.hasNextStage && def.Condition == nil && len(def.EventHandlers) == 0
}

// transitionKind names the mutually exclusive shapes a stage's outgoing
// transition may take.
type transitionKind int

const (
	transitionNone transitionKind = iota
	transitionNext
	transitionCondition
	transitionEvents
)

func (def StageDefinition[S, Stg, Ev]) transitionKind() transitionKind {
	switch {
	case def.hasNextStage:
		return transitionNext
	case def.Condition != nil:
		return transitionCondition
	case len(def.EventHandlers) > 0:
		return transitionEvents
	default:
		return transitionNone
	}
}

// Flow is an immutable, validated flow graph: built once via flow/builder
// and never mutated afterward.
type Flow[S any, Stg Identity, Ev Identity] struct {
	initialStage     Stg
	hasInitialStage  bool
	initialCondition *ConditionHandler[S, Stg]
	stages           map[Stg]StageDefinition[S, Stg, Ev]
}

// ResolveInitialStage resolves the flow's initial target against state,
// directly if InitialStage was set or by evaluating InitialCondition.
func (f *Flow[S, Stg, Ev]) ResolveInitialStage(state S) Stg {
	if f.hasInitialStage {
		return f.initialStage
	}
	return f.initialCondition.Resolve(state)
}

// NewFlow assembles a Flow from already-validated parts. It is the seam
// flow/builder uses to hand back an immutable Flow once every build-time
// invariant has been checked; callers outside a builder should not normally
// need it.
func NewFlow[S any, Stg Identity, Ev Identity](initialStage Stg, hasInitialStage bool, initialCondition *ConditionHandler[S, Stg], stages map[Stg]StageDefinition[S, Stg, Ev]) *Flow[S, Stg, Ev] {
	return &Flow[S, Stg, Ev]{
		initialStage:     initialStage,
		hasInitialStage:  hasInitialStage,
		initialCondition: initialCondition,
		stages:           stages,
	}
}

// Definition returns the StageDefinition for stage and whether it exists.
func (f *Flow[S, Stg, Ev]) Definition(stage Stg) (StageDefinition[S, Stg, Ev], bool) {
	def, ok := f.stages[stage]
	return def, ok
}

// Stages returns every stage identity defined in the flow, in no particular
// order. Used by diagram tooling and tests outside this package.
func (f *Flow[S, Stg, Ev]) Stages() []Stg {
	out := make([]Stg, 0, len(f.stages))
	for s := range f.stages {
		out = append(out, s)
	}
	return out
}
