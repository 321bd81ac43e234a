package flow

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validActionStep(id, next string) *Step {
	return &Step{ID: id, Type: StepAction, Agent: "worker", Instruction: "do " + id, NextStep: next}
}

func TestDefinitionValidate(t *testing.T) {
	cases := []struct {
		name    string
		def     *Definition
		wantErr string
	}{
		{
			"valid linear",
			&Definition{ID: "ok", Name: "OK", Steps: []*Step{validActionStep("a", "b"), validActionStep("b", End)}},
			"",
		},
		{
			"missing id",
			&Definition{Name: "X", Steps: []*Step{validActionStep("a", "")}},
			"missing id",
		},
		{
			"missing name",
			&Definition{ID: "x", Steps: []*Step{validActionStep("a", "")}},
			"missing name",
		},
		{
			"no steps",
			&Definition{ID: "x", Name: "X"},
			"no steps",
		},
		{
			"empty step id",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{Type: StepAction, Agent: "w", Instruction: "i"}}},
			"empty id",
		},
		{
			"reserved step id",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: End, Type: StepAction, Agent: "w", Instruction: "i"}}},
			"reserved",
		},
		{
			"duplicate step id",
			&Definition{ID: "x", Name: "X", Steps: []*Step{validActionStep("a", ""), validActionStep("a", "")}},
			"duplicate",
		},
		{
			"unknown type",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: "teleport"}}},
			"unknown type",
		},
		{
			"undefined successor",
			&Definition{ID: "x", Name: "X", Steps: []*Step{validActionStep("a", "ghost")}},
			"undefined step",
		},
		{
			"self successor",
			&Definition{ID: "x", Name: "X", Steps: []*Step{validActionStep("a", "a")}},
			"itself",
		},
		{
			"action without agent",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepAction, Instruction: "i"}}},
			"no agent",
		},
		{
			"action without instruction",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepAction, Agent: "w"}}},
			"no instruction",
		},
		{
			"condition without predicate",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepCondition, TrueNext: "b"}, validActionStep("b", "")}},
			"no condition",
		},
		{
			"condition without routes",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepCondition, Condition: &Condition{Operator: "exists", Left: "v"}}}},
			"routes nowhere",
		},
		{
			"wait without spec",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepWait}}},
			"no wait spec",
		},
		{
			"parallel without substeps",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepParallel}}},
			"no substeps",
		},
		{
			"parallel undefined substep",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepParallel, ParallelSteps: []string{"ghost"}}}},
			"undefined step",
		},
		{
			"parallel lists itself",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepParallel, ParallelSteps: []string{"a"}}}},
			"lists itself",
		},
		{
			"switch without cases",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepSwitch}}},
			"no cases",
		},
		{
			"switch case undefined target",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepSwitch, Cases: []SwitchCase{{Condition: Condition{Operator: "exists", Left: "v"}, Next: "ghost"}}}}},
			"undefined step",
		},
		{
			"for_each without collection",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepForEach, Loop: &LoopSpec{Steps: []string{"b"}}}, validActionStep("b", "")}},
			"no collection",
		},
		{
			"for_each without body",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepForEach, Loop: &LoopSpec{Collection: "items"}}}},
			"no loop steps",
		},
		{
			"for_each loops over itself",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepForEach, Loop: &LoopSpec{Collection: "items", Steps: []string{"a"}}}}},
			"itself",
		},
		{
			"extract without source",
			&Definition{ID: "x", Name: "X", Steps: []*Step{{ID: "a", Type: StepExtract, Extract: &ExtractSpec{Prompt: "p"}}}},
			"source and prompt",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("error should wrap ErrInvalidDefinition: %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q should mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestDefinitionEntry(t *testing.T) {
	t.Run("first declared step", func(t *testing.T) {
		def := &Definition{ID: "x", Name: "X", Steps: []*Step{validActionStep("alpha", ""), validActionStep("beta", "")}}
		if got := def.Entry(); got != "alpha" {
			t.Errorf("Entry() = %q, want alpha", got)
		}
	})
	t.Run("start step wins regardless of position", func(t *testing.T) {
		def := &Definition{ID: "x", Name: "X", Steps: []*Step{validActionStep("alpha", ""), validActionStep("start", "")}}
		if got := def.Entry(); got != EntryStep {
			t.Errorf("Entry() = %q, want %q", got, EntryStep)
		}
	})
	t.Run("no steps", func(t *testing.T) {
		def := &Definition{ID: "x", Name: "X"}
		if got := def.Entry(); got != "" {
			t.Errorf("Entry() = %q, want empty", got)
		}
	})
}

func TestCompile(t *testing.T) {
	def := &Definition{ID: "ok", Name: "OK", Steps: []*Step{validActionStep("a", "b"), validActionStep("b", End)}}
	wf, err := Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if wf.ID() != "ok" {
		t.Errorf("ID() = %q", wf.ID())
	}
	if wf.step("a") == nil || wf.step("ghost") != nil {
		t.Error("step lookup broken")
	}
	if wf.step("a").Name != "a" {
		t.Errorf("unnamed steps should default to their id, got %q", wf.step("a").Name)
	}

	if _, err := Compile(nil); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("Compile(nil) = %v", err)
	}
	if _, err := Compile(&Definition{ID: "bad", Name: "Bad"}); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("Compile(invalid) = %v", err)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	s := &Step{ID: "a"}
	if got := s.retryPolicy(); got != DefaultRetryPolicy {
		t.Errorf("nil retry should use the default, got %+v", got)
	}

	s.Retry = &RetryPolicy{MaxAttempts: 0, Delay: Duration(5 * time.Second)}
	got := s.retryPolicy()
	if got.MaxAttempts != DefaultRetryPolicy.MaxAttempts {
		t.Errorf("non-positive attempts should normalize, got %d", got.MaxAttempts)
	}
	if got.Delay.Std() != 5*time.Second {
		t.Errorf("declared delay should survive, got %v", got.Delay.Std())
	}
}

func TestInstanceEventFired(t *testing.T) {
	inst := &Instance{
		FiredEvents: []string{"approval_granted"},
		History: []HistoryEntry{
			{StepID: "fetch", Outcome: OutcomeCompleted},
			{StepID: "enrich", Outcome: OutcomeFailed},
		},
	}

	if !inst.eventFired("approval_granted") {
		t.Error("explicitly fired event not found")
	}
	if !inst.eventFired("fetch_complete") {
		t.Error("completed steps imply their _complete event")
	}
	if inst.eventFired("enrich_complete") {
		t.Error("failed steps must not imply completion events")
	}
	if inst.eventFired("other_event") {
		t.Error("unknown event reported as fired")
	}
	if inst.eventFired("_complete") {
		t.Error("bare suffix is not a step event")
	}
}
