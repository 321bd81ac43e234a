package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/agentflow-go/model"
)

func TestCreatePlan(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: `[
		{"description": "Fetch the account record", "agent": "crm_agent", "priority": "high", "depends_on": []},
		{"description": "Summarize open opportunities", "agent": "crm_agent", "priority": "medium", "depends_on": [0]},
		{"description": "Draft the outreach email", "agent": "email_agent", "priority": "urgent", "depends_on": [0, 1]}
	]`}}}

	p := New(mock)
	plan, err := p.CreatePlan(context.Background(), "prepare outreach for Acme Corp", "")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if !strings.HasPrefix(plan.ID, "plan-") {
		t.Errorf("plan id %q should carry the plan- prefix", plan.ID)
	}
	if len(plan.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(plan.Tasks))
	}

	fetch, summarize, draft := plan.Tasks[0], plan.Tasks[1], plan.Tasks[2]
	if fetch.Agent != "crm_agent" || fetch.Priority != PriorityHigh {
		t.Errorf("unexpected first task: %+v", fetch)
	}
	if len(fetch.DependsOn) != 0 {
		t.Errorf("first task should have no dependencies, got %v", fetch.DependsOn)
	}
	if len(summarize.DependsOn) != 1 || summarize.DependsOn[0] != fetch.ID {
		t.Errorf("positional dependency should resolve to the first task id, got %v", summarize.DependsOn)
	}
	if len(draft.DependsOn) != 2 {
		t.Errorf("expected 2 dependencies on the draft task, got %v", draft.DependsOn)
	}
	for _, task := range plan.Tasks {
		if task.Status != TaskPending {
			t.Errorf("new task %q should be pending, got %s", task.Description, task.Status)
		}
	}
}

func TestCreatePlanIncludesConversation(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: `[
		{"description": "Do the thing", "agent": "general", "priority": "medium"}
	]`}}}

	p := New(mock)
	if _, err := p.CreatePlan(context.Background(), "do it", "user prefers short emails"); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	call, ok := mock.LastCall()
	if !ok {
		t.Fatal("expected a model call")
	}
	user := call.Messages[len(call.Messages)-1].Content
	if !strings.Contains(user, "user prefers short emails") {
		t.Errorf("conversation context missing from prompt: %q", user)
	}
}

func TestCreatePlanFallbackOnModelError(t *testing.T) {
	mock := &model.MockChatModel{Err: errors.New("rate limited")}

	p := New(mock, WithDefaultAgent("assistant"))
	plan, err := p.CreatePlan(context.Background(), "book a flight to Oslo", "")
	if err != nil {
		t.Fatalf("fallback should not surface the model error, got %v", err)
	}
	if len(plan.Tasks) != 1 {
		t.Fatalf("expected a single fallback task, got %d", len(plan.Tasks))
	}
	task := plan.Tasks[0]
	if task.Description != "book a flight to Oslo" {
		t.Errorf("fallback task should carry the instruction, got %q", task.Description)
	}
	if task.Agent != "assistant" {
		t.Errorf("fallback task should use the default agent, got %q", task.Agent)
	}
	if task.Priority != PriorityMedium {
		t.Errorf("fallback task priority should be medium, got %s", task.Priority)
	}
}

func TestCreatePlanFallbackOnGarbage(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "I cannot plan this."}}}

	p := New(mock)
	plan, err := p.CreatePlan(context.Background(), "organize the offsite", "")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Tasks) != 1 || plan.Tasks[0].Description != "organize the offsite" {
		t.Errorf("expected single fallback task, got %+v", plan.Tasks)
	}
}

func TestCreatePlanStripsFences(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "```json\n[{\"description\": \"Single step\", \"agent\": \"general\", \"priority\": \"low\"}]\n```"}}}

	p := New(mock)
	plan, err := p.CreatePlan(context.Background(), "fenced", "")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Tasks) != 1 || plan.Tasks[0].Priority != PriorityLow {
		t.Errorf("fenced output should parse, got %+v", plan.Tasks)
	}
}

func TestCreatePlanWrappedObject(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: `{"tasks": [
		{"description": "Only task", "agent": "general", "priority": "CRITICAL"}
	]}`}}}

	p := New(mock)
	plan, err := p.CreatePlan(context.Background(), "wrapped", "")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Tasks) != 1 {
		t.Fatalf("wrapped task array should parse, got %d tasks", len(plan.Tasks))
	}
	if plan.Tasks[0].Priority != PriorityMedium {
		t.Errorf("unknown priority should normalize to medium, got %s", plan.Tasks[0].Priority)
	}
}

func TestNextTaskOrdering(t *testing.T) {
	plan := &Plan{Tasks: []*Task{
		{ID: "a", Description: "early medium", Status: TaskPending, Priority: PriorityMedium},
		{ID: "b", Description: "urgent but blocked", Status: TaskPending, Priority: PriorityUrgent, DependsOn: []string{"a"}},
		{ID: "c", Description: "high and ready", Status: TaskPending, Priority: PriorityHigh},
		{ID: "d", Description: "another high later", Status: TaskPending, Priority: PriorityHigh},
	}}

	next := plan.NextTask()
	if next == nil || next.ID != "c" {
		t.Fatalf("expected the first ready high-priority task, got %+v", next)
	}

	plan.Complete("a", "done")
	next = plan.NextTask()
	if next == nil || next.ID != "b" {
		t.Fatalf("urgent task should win once unblocked, got %+v", next)
	}

	plan.Complete("b", "done")
	plan.Complete("c", "done")
	plan.Complete("d", "done")
	if next := plan.NextTask(); next != nil {
		t.Errorf("no task should be ready, got %+v", next)
	}
	if !plan.Done() {
		t.Error("plan with all tasks completed should be done")
	}
}

func TestNextTaskSkipsFailedDependency(t *testing.T) {
	plan := &Plan{Tasks: []*Task{
		{ID: "a", Status: TaskFailed, Priority: PriorityMedium},
		{ID: "b", Status: TaskPending, Priority: PriorityUrgent, DependsOn: []string{"a"}},
	}}
	if next := plan.NextTask(); next != nil {
		t.Errorf("task blocked on a failed dependency is not ready, got %+v", next)
	}
	if plan.Done() {
		t.Error("plan with failed and pending tasks is not done")
	}
}

func TestTaskLifecycle(t *testing.T) {
	plan := &Plan{Tasks: []*Task{{ID: "t1", Status: TaskPending, Priority: PriorityMedium}}}

	plan.Start("t1")
	if plan.Tasks[0].Status != TaskInProgress {
		t.Errorf("expected in_progress, got %s", plan.Tasks[0].Status)
	}

	plan.Complete("t1", "42")
	task := plan.Tasks[0]
	if task.Status != TaskCompleted || task.Result != "42" || task.CompletedAt == nil {
		t.Errorf("unexpected completed task: %+v", task)
	}

	plan.Fail("missing", "ignored")

	plan2 := &Plan{Tasks: []*Task{{ID: "t2", Status: TaskInProgress}}}
	plan2.Fail("t2", "agent crashed")
	if plan2.Tasks[0].Status != TaskFailed || plan2.Tasks[0].Error != "agent crashed" {
		t.Errorf("unexpected failed task: %+v", plan2.Tasks[0])
	}
}

func TestReplanPreservesCompleted(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: `[
			{"description": "Gather requirements", "agent": "analyst", "priority": "high"},
			{"description": "Build a prototype", "agent": "engineer", "priority": "medium", "depends_on": [0]},
			{"description": "Write the launch post", "agent": "writer", "priority": "low", "depends_on": [1]}
		]`},
		{Text: `[
			{"description": "Build a mobile prototype instead", "agent": "engineer", "priority": "high"},
			{"description": "Write the launch post", "agent": "writer", "priority": "low", "depends_on": [0]}
		]`},
	}}

	p := New(mock)
	plan, err := p.CreatePlan(context.Background(), "launch the product", "")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	gatherID := plan.Tasks[0].ID
	plan.Start(gatherID)
	plan.Complete(gatherID, "requirements doc")

	revised, err := p.Replan(context.Background(), plan, "target mobile, not web")
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if len(revised.Tasks) != 3 {
		t.Fatalf("expected 1 kept + 2 revised tasks, got %d", len(revised.Tasks))
	}
	if revised.Tasks[0].ID != gatherID || revised.Tasks[0].Status != TaskCompleted {
		t.Errorf("completed task should survive replanning: %+v", revised.Tasks[0])
	}
	if revised.Tasks[0].Result != "requirements doc" {
		t.Errorf("completed result should be preserved, got %q", revised.Tasks[0].Result)
	}
	if !strings.Contains(revised.Tasks[1].Description, "mobile") {
		t.Errorf("revised task should reflect the modification, got %q", revised.Tasks[1].Description)
	}

	call, ok := mock.LastCall()
	if !ok {
		t.Fatal("expected a replan model call")
	}
	prompt := call.Messages[len(call.Messages)-1].Content
	if !strings.Contains(prompt, "Gather requirements") || !strings.Contains(prompt, "target mobile") {
		t.Errorf("replan prompt should carry kept tasks and the modification: %q", prompt)
	}
}

func TestReplanLeavesPlanOnParseFailure(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "no json here"}}}

	p := New(mock)
	plan := &Plan{
		ID:          "plan-fixed",
		Instruction: "original",
		Tasks: []*Task{
			{ID: "a", Description: "keep me", Status: TaskCompleted},
			{ID: "b", Description: "pending", Status: TaskPending},
		},
	}

	got, err := p.Replan(context.Background(), plan, "change everything")
	if err == nil {
		t.Fatal("expected an error on unparseable replan output")
	}
	if got != plan || len(got.Tasks) != 2 {
		t.Errorf("plan should be returned unchanged on failure, got %+v", got.Tasks)
	}
}
