package flow

import "testing"

type testStage string

func (s testStage) String() string { return string(s) }

type testEvent string

func (e testEvent) String() string { return string(e) }

type counterState struct{ n int }

func TestConditionHandlerResolve(t *testing.T) {
	pred := func(s counterState) bool { return s.n > 0 }
	h := NewCondition[counterState, testStage]("n positive?", pred,
		Leaf[counterState, testStage]("A"),
		Leaf[counterState, testStage]("B"))

	if got := h.Resolve(counterState{n: 1}); got != "A" {
		t.Fatalf("Resolve(n=1) = %q, want A", got)
	}
	if got := h.Resolve(counterState{n: -1}); got != "B" {
		t.Fatalf("Resolve(n=-1) = %q, want B", got)
	}
}

func TestConditionHandlerNestedResolve(t *testing.T) {
	inner := NewCondition[counterState, testStage]("n huge?",
		func(s counterState) bool { return s.n > 100 },
		Leaf[counterState, testStage]("HUGE"),
		Leaf[counterState, testStage]("BIG"))
	outer := NewCondition[counterState, testStage]("n positive?",
		func(s counterState) bool { return s.n > 0 },
		Nested[counterState, testStage](inner),
		Leaf[counterState, testStage]("NEG"))

	if got := outer.Resolve(counterState{n: 200}); got != "HUGE" {
		t.Fatalf("Resolve(n=200) = %q, want HUGE", got)
	}
	if got := outer.Resolve(counterState{n: 5}); got != "BIG" {
		t.Fatalf("Resolve(n=5) = %q, want BIG", got)
	}
	if got := outer.Resolve(counterState{n: -5}); got != "NEG" {
		t.Fatalf("Resolve(n=-5) = %q, want NEG", got)
	}
}

func TestStageDefinitionIsTerminal(t *testing.T) {
	term := StageDefinition[counterState, testStage, testEvent]{Stage: "C"}
	if !term.IsTerminal() {
		t.Fatal("definition with no transitions should be terminal")
	}

	withNext := term.WithNextStage("D")
	if withNext.IsTerminal() {
		t.Fatal("definition with NextStage should not be terminal")
	}
}

func TestEventHandlerResolve(t *testing.T) {
	direct := OnEvent[counterState, testStage]("TARGET")
	if got := direct.Resolve(counterState{}); got != "TARGET" {
		t.Fatalf("direct handler Resolve = %q, want TARGET", got)
	}

	cond := OnEventCondition[counterState, testStage](
		NewCondition[counterState, testStage]("n positive?",
			func(s counterState) bool { return s.n > 0 },
			Leaf[counterState, testStage]("POS"),
			Leaf[counterState, testStage]("NEG")))
	if got := cond.Resolve(counterState{n: 1}); got != "POS" {
		t.Fatalf("conditional handler Resolve = %q, want POS", got)
	}
}

func TestFlowResolveInitialStage(t *testing.T) {
	f := &Flow[counterState, testStage, testEvent]{
		initialStage:    "A",
		hasInitialStage: true,
		stages: map[testStage]StageDefinition[counterState, testStage, testEvent]{
			"A": {Stage: "A"},
		},
	}
	if got := f.ResolveInitialStage(counterState{}); got != "A" {
		t.Fatalf("ResolveInitialStage = %q, want A", got)
	}

	cond := &Flow[counterState, testStage, testEvent]{
		initialCondition: NewCondition[counterState, testStage]("n positive?",
			func(s counterState) bool { return s.n > 0 },
			Leaf[counterState, testStage]("A"),
			Leaf[counterState, testStage]("B")),
		stages: map[testStage]StageDefinition[counterState, testStage, testEvent]{
			"A": {Stage: "A"}, "B": {Stage: "B"},
		},
	}
	if got := cond.ResolveInitialStage(counterState{n: -1}); got != "B" {
		t.Fatalf("ResolveInitialStage(n=-1) = %q, want B", got)
	}
}
