// Package builder translates a declarative flow description into an
// immutable *flow.Flow, rejecting every malformed shape the runtime cannot
// safely execute. The fluent surface a flow author sees is deliberately
// thin: this package only needs to produce legal graphs, not be pleasant to
// chain.
package builder

import (
	"fmt"

	"github.com/flowlite-go/flowlite/flow"
)

// StageSpec declares one stage of a FlowSpec. At most one of NextStage,
// Condition, or EventHandlers may be set (none makes the stage terminal);
// Build rejects a stage that sets more than one.
type StageSpec[S any, Stg flow.Identity, Ev flow.Identity] struct {
	Stage  Stg
	Action flow.Action[S]

	NextStage    Stg
	HasNextStage bool

	Condition *flow.ConditionHandler[S, Stg]

	EventHandlers map[Ev]flow.EventHandler[S, Stg]
}

// FlowSpec is the declarative description fed to Build.
type FlowSpec[S any, Stg flow.Identity, Ev flow.Identity] struct {
	InitialStage     Stg
	HasInitialStage  bool
	InitialCondition *flow.ConditionHandler[S, Stg]

	Stages []StageSpec[S, Stg, Ev]
}

// Build validates spec and, on success, returns an immutable *flow.Flow.
// Every violation is reported via a single *flow.FlowDefinitionError naming
// the offending stage or event.
func Build[S any, Stg flow.Identity, Ev flow.Identity](spec FlowSpec[S, Stg, Ev]) (*flow.Flow[S, Stg, Ev], error) {
	// Invariant 1: exactly one of InitialStage / InitialCondition is set.
	if spec.HasInitialStage == (spec.InitialCondition != nil) {
		return nil, &flow.FlowDefinitionError{
			Reason: "exactly one of InitialStage or InitialCondition must be set",
		}
	}

	defs := make(map[Stg]flow.StageDefinition[S, Stg, Ev], len(spec.Stages))
	waitedEvents := make(map[Ev]Stg)

	for _, ss := range spec.Stages {
		// No stage appears as a definition twice.
		if _, dup := defs[ss.Stage]; dup {
			return nil, &flow.FlowDefinitionError{
				Stage:  ss.Stage.String(),
				Reason: "stage defined more than once",
			}
		}

		kindCount := 0
		if ss.HasNextStage {
			kindCount++
		}
		if ss.Condition != nil {
			kindCount++
		}
		if len(ss.EventHandlers) > 0 {
			kindCount++
		}
		if kindCount > 1 {
			return nil, &flow.FlowDefinitionError{
				Stage:  ss.Stage.String(),
				Reason: "a stage's transition must be exactly one of: automatic next, condition, event handlers",
			}
		}

		// Action-with-event-handlers is rejected.
		if ss.Action != nil && len(ss.EventHandlers) > 0 {
			return nil, &flow.FlowDefinitionError{
				Stage:  ss.Stage.String(),
				Reason: "a stage must not declare both an action and event handlers",
			}
		}

		// No event kind used as a wait key in more than one stage of the
		// same flow.
		for ev := range ss.EventHandlers {
			if existing, seen := waitedEvents[ev]; seen {
				return nil, &flow.FlowDefinitionError{
					Stage:  ss.Stage.String(),
					Event:  ev.String(),
					Reason: fmt.Sprintf("event already waited on by stage %q; repeated occurrences must be modelled as distinct event kinds", existing.String()),
				}
			}
			waitedEvents[ev] = ss.Stage
		}

		def := flow.StageDefinition[S, Stg, Ev]{
			Stage:         ss.Stage,
			Action:        ss.Action,
			Condition:     ss.Condition,
			EventHandlers: ss.EventHandlers,
		}
		if ss.HasNextStage {
			def = def.WithNextStage(ss.NextStage)
		}
		defs[ss.Stage] = def
	}

	// Invariant: every referenced stage is defined (initial target, next,
	// condition leaves, event targets).
	referenced := map[Stg]string{}
	if spec.HasInitialStage {
		referenced[spec.InitialStage] = "initial stage"
	}
	if spec.InitialCondition != nil {
		for _, leaf := range spec.InitialCondition.Leaves() {
			referenced[leaf] = "initial condition leaf"
		}
	}
	for _, ss := range spec.Stages {
		if ss.HasNextStage {
			referenced[ss.NextStage] = fmt.Sprintf("nextStage of %q", ss.Stage.String())
		}
		if ss.Condition != nil {
			for _, leaf := range ss.Condition.Leaves() {
				referenced[leaf] = fmt.Sprintf("condition leaf of %q", ss.Stage.String())
			}
		}
		for ev, h := range ss.EventHandlers {
			for _, target := range h.Targets() {
				referenced[target] = fmt.Sprintf("event %q target of %q", ev.String(), ss.Stage.String())
			}
		}
	}
	for stg, origin := range referenced {
		if _, ok := defs[stg]; !ok {
			return nil, &flow.FlowDefinitionError{
				Stage:  stg.String(),
				Reason: fmt.Sprintf("referenced as %s but never defined", origin),
			}
		}
	}

	return flow.NewFlow(spec.InitialStage, spec.HasInitialStage, spec.InitialCondition, defs), nil
}
