package builder

import (
	"errors"
	"testing"

	"github.com/flowlite-go/flowlite/flow"
)

type stage string

func (s stage) String() string { return string(s) }

type event string

func (e event) String() string { return string(e) }

type state struct{ n int }

func flowDefErr(t *testing.T, err error) *flow.FlowDefinitionError {
	t.Helper()
	var fde *flow.FlowDefinitionError
	if !errors.As(err, &fde) {
		t.Fatalf("expected *flow.FlowDefinitionError, got %T: %v", err, err)
	}
	return fde
}

func TestBuildLinearFlow(t *testing.T) {
	spec := FlowSpec[state, stage, event]{
		InitialStage:    "A",
		HasInitialStage: true,
		Stages: []StageSpec[state, stage, event]{
			{Stage: "A", NextStage: "B", HasNextStage: true},
			{Stage: "B"},
		},
	}
	f, err := Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	def, ok := f.Definition("A")
	if !ok || !def.HasNextStage() || def.NextStage != "B" {
		t.Fatalf("stage A definition wrong: %+v ok=%v", def, ok)
	}
}

func TestBuildRejectsMissingInitial(t *testing.T) {
	_, err := Build(FlowSpec[state, stage, event]{
		Stages: []StageSpec[state, stage, event]{{Stage: "A"}},
	})
	flowDefErr(t, err)
}

func TestBuildRejectsBothInitialKinds(t *testing.T) {
	cond := flow.NewCondition[state, stage]("x", func(state) bool { return true },
		flow.Leaf[state, stage]("A"), flow.Leaf[state, stage]("B"))
	_, err := Build(FlowSpec[state, stage, event]{
		InitialStage:     "A",
		HasInitialStage:  true,
		InitialCondition: cond,
		Stages: []StageSpec[state, stage, event]{
			{Stage: "A"}, {Stage: "B"},
		},
	})
	flowDefErr(t, err)
}

func TestBuildRejectsDuplicateStage(t *testing.T) {
	_, err := Build(FlowSpec[state, stage, event]{
		InitialStage:    "A",
		HasInitialStage: true,
		Stages: []StageSpec[state, stage, event]{
			{Stage: "A"},
			{Stage: "A"},
		},
	})
	flowDefErr(t, err)
}

func TestBuildRejectsUnreferencedStage(t *testing.T) {
	_, err := Build(FlowSpec[state, stage, event]{
		InitialStage:    "A",
		HasInitialStage: true,
		Stages: []StageSpec[state, stage, event]{
			{Stage: "A", NextStage: "MISSING", HasNextStage: true},
		},
	})
	flowDefErr(t, err)
}

func TestBuildRejectsMultipleTransitionKinds(t *testing.T) {
	_, err := Build(FlowSpec[state, stage, event]{
		InitialStage:    "A",
		HasInitialStage: true,
		Stages: []StageSpec[state, stage, event]{
			{
				Stage:         "A",
				NextStage:     "B",
				HasNextStage:  true,
				EventHandlers: map[event]flow.EventHandler[state, stage]{"E": flow.OnEvent[state, stage]("B")},
			},
			{Stage: "B"},
		},
	})
	flowDefErr(t, err)
}

func TestBuildRejectsActionWithEventHandlers(t *testing.T) {
	_, err := Build(FlowSpec[state, stage, event]{
		InitialStage:    "A",
		HasInitialStage: true,
		Stages: []StageSpec[state, stage, event]{
			{
				Stage:         "A",
				Action:        func(s state) (*state, error) { return &s, nil },
				EventHandlers: map[event]flow.EventHandler[state, stage]{"E": flow.OnEvent[state, stage]("B")},
			},
			{Stage: "B"},
		},
	})
	flowDefErr(t, err)
}

func TestBuildRejectsDuplicateEventWaitKey(t *testing.T) {
	_, err := Build(FlowSpec[state, stage, event]{
		InitialStage:    "A",
		HasInitialStage: true,
		Stages: []StageSpec[state, stage, event]{
			{Stage: "A", EventHandlers: map[event]flow.EventHandler[state, stage]{"E": flow.OnEvent[state, stage]("C")}},
			{Stage: "B", EventHandlers: map[event]flow.EventHandler[state, stage]{"E": flow.OnEvent[state, stage]("C")}},
			{Stage: "C"},
		},
	})
	fde := flowDefErr(t, err)
	if fde.Event != "E" {
		t.Fatalf("expected error on event E, got %q", fde.Event)
	}
}

func TestBuildRejectsUnresolvedConditionLeaf(t *testing.T) {
	cond := flow.NewCondition[state, stage]("x>0", func(s state) bool { return s.n > 0 },
		flow.Leaf[state, stage]("A"), flow.Leaf[state, stage]("GHOST"))
	_, err := Build(FlowSpec[state, stage, event]{
		InitialStage:    "A",
		HasInitialStage: true,
		Stages: []StageSpec[state, stage, event]{
			{Stage: "A", Condition: cond},
		},
	})
	flowDefErr(t, err)
}
