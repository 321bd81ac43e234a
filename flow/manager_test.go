package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/agentflow-go/flow/checkpoint"
	"github.com/dshills/agentflow-go/model"
)

// noopDefinition is a registerable workflow that completes immediately.
func noopDefinition(id, name string) *Definition {
	return &Definition{
		ID: id, Name: name,
		Steps: []*Step{{ID: "noop", Type: StepWait, Wait: &WaitSpec{}, NextStep: End}},
	}
}

func TestCompileRoutes(t *testing.T) {
	rules, err := CompileRoutes([]RoutePattern{
		{Pattern: "onboard", Workflow: "deal-support"},
		{Pattern: `ticket\s+#\d+`, Workflow: "ticket-triage"},
	})
	if err != nil {
		t.Fatalf("CompileRoutes: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if !rules[0].Pattern.MatchString("Please ONBOARD Acme") {
		t.Error("routes should match case-insensitively")
	}
	if !rules[1].Pattern.MatchString("look at ticket #42") {
		t.Error("regex pattern should match")
	}

	if _, err := CompileRoutes([]RoutePattern{{Pattern: "([", Workflow: "x"}}); err == nil {
		t.Fatal("expected an error for an invalid pattern")
	} else if !strings.Contains(err.Error(), "invalid route pattern") {
		t.Errorf("error = %v", err)
	}
}

func TestManagerRegister(t *testing.T) {
	m := NewManager(NewEngine(nil))
	m.Register(
		noopDefinition("beta", "Beta"),
		nil,
		&Definition{ID: "broken", Name: "Broken"},
		noopDefinition("alpha", "Alpha"),
	)

	got := m.Workflows()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("Workflows() = %v, want the valid ids sorted", got)
	}
	if _, ok := m.Workflow("broken"); ok {
		t.Error("invalid definitions must not register")
	}
	if _, ok := m.Workflow("alpha"); !ok {
		t.Error("valid definition missing")
	}
}

func TestManagerRouteRegexFirst(t *testing.T) {
	rules, err := CompileRoutes([]RoutePattern{{Pattern: "onboard", Workflow: "deal-support"}})
	if err != nil {
		t.Fatal(err)
	}
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "should not be consulted"}}}

	m := NewManager(NewEngine(nil), WithRoutes(rules), WithRouterModel(mock))
	m.Register(noopDefinition("deal-support", "Deal Support"))

	if got := m.Route(context.Background(), "Onboard Acme Corp"); got != "deal-support" {
		t.Errorf("Route = %q", got)
	}
	if mock.CallCount() != 0 {
		t.Error("a regex hit must not consult the routing model")
	}
}

func TestManagerRouteSkipsUnregisteredRule(t *testing.T) {
	rules, err := CompileRoutes([]RoutePattern{{Pattern: "onboard", Workflow: "retired-workflow"}})
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(NewEngine(nil), WithRoutes(rules))
	m.Register(noopDefinition("deal-support", "Deal Support"))

	if got := m.Route(context.Background(), "Onboard Acme"); got != RouteNone {
		t.Errorf("rule targeting an unregistered workflow should be skipped, got %q", got)
	}
}

func TestManagerRouteByModel(t *testing.T) {
	register := func(m *Manager) {
		m.Register(
			noopDefinition("deal-support", "Deal Support"),
			noopDefinition("ticket-triage", "Ticket Triage"),
		)
	}

	cases := []struct {
		name   string
		answer string
		want   string
	}{
		{"exact id", "deal-support", "deal-support"},
		{"quoted and cased", "\"Deal-Support\".", "deal-support"},
		{"fenced", "```\nticket-triage\n```", "ticket-triage"},
		{"verbose single mention", "I would route this to deal-support.", "deal-support"},
		{"ambiguous mentions", "either deal-support or ticket-triage", RouteNone},
		{"explicit none", "none", RouteNone},
		{"garbage", "flibbertigibbet", RouteNone},
		{"empty", "", RouteNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: tc.answer}}}
			m := NewManager(NewEngine(nil), WithRouterModel(mock))
			register(m)

			if got := m.Route(context.Background(), "help with the Acme account"); got != tc.want {
				t.Errorf("Route = %q, want %q", got, tc.want)
			}
		})
	}

	t.Run("prompt lists templates and instruction", func(t *testing.T) {
		mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "none"}}}
		m := NewManager(NewEngine(nil), WithRouterModel(mock))
		register(m)
		m.Route(context.Background(), "help with the Acme account")

		call, ok := mock.LastCall()
		if !ok {
			t.Fatal("expected a model call")
		}
		prompt := call.Messages[len(call.Messages)-1].Content
		if !strings.Contains(prompt, "- deal-support: Deal Support") {
			t.Errorf("prompt missing template listing: %q", prompt)
		}
		if !strings.Contains(prompt, "help with the Acme account") {
			t.Errorf("prompt missing instruction: %q", prompt)
		}
	})

	t.Run("model error falls back to none", func(t *testing.T) {
		mock := &model.MockChatModel{Err: errors.New("rate limited")}
		m := NewManager(NewEngine(nil), WithRouterModel(mock))
		register(m)
		if got := m.Route(context.Background(), "anything"); got != RouteNone {
			t.Errorf("Route = %q", got)
		}
	})

	t.Run("no router configured", func(t *testing.T) {
		m := NewManager(NewEngine(nil))
		register(m)
		if got := m.Route(context.Background(), "anything"); got != RouteNone {
			t.Errorf("Route = %q", got)
		}
	})

	t.Run("empty catalog skips the model", func(t *testing.T) {
		mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "deal-support"}}}
		m := NewManager(NewEngine(nil), WithRouterModel(mock))
		if got := m.Route(context.Background(), "anything"); got != RouteNone {
			t.Errorf("Route = %q", got)
		}
		if mock.CallCount() != 0 {
			t.Error("nothing to select from, the model should not be called")
		}
	})
}

func TestManagerDispatchNoMatch(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "none"}}}
	m := NewManager(NewEngine(nil), WithRouterModel(mock))
	m.Register(noopDefinition("deal-support", "Deal Support"))

	out, err := m.Dispatch(context.Background(), "what is the weather in Oslo?", nil, "conv-weather")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("no-match dispatch should complete, got %s", out.Status)
	}
	if !strings.Contains(out.Result, "no workflow template matches") {
		t.Errorf("Result = %q", out.Result)
	}
	if mock.CallCount() != 1 {
		t.Errorf("expected one routing call, got %d", mock.CallCount())
	}
}

func TestManagerDispatchRunsWorkflow(t *testing.T) {
	client := dealSupportClient(t, "found 1 opportunity id=006A")
	rules, err := CompileRoutes([]RoutePattern{{Pattern: "onboard", Workflow: "deal-support"}})
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(NewEngine(nil, WithAgentClient(client)), WithRoutes(rules))
	m.Register(dealSupportDefinition())

	out, err := m.Dispatch(context.Background(), "Onboard Acme Corp", map[string]interface{}{"account": "Acme Corp"}, "conv-onboard")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", out.Status, out.Error)
	}
	if out.Result != "onboarding complete" {
		t.Errorf("Result = %q", out.Result)
	}
	if out.Instance.TriggeredBy != "Onboard Acme Corp" {
		t.Errorf("instruction should be recorded as the trigger, got %q", out.Instance.TriggeredBy)
	}
}

func TestManagerDispatchResumesInterruptedThread(t *testing.T) {
	client := dealSupportClient(t, "found 3 opportunities: 006A, 006B, 006C")
	rules, err := CompileRoutes([]RoutePattern{{Pattern: "onboard", Workflow: "deal-support"}})
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(NewEngine(nil, WithAgentClient(client)), WithRoutes(rules))
	m.Register(dealSupportDefinition())

	out, err := m.Dispatch(context.Background(), "Onboard Acme Corp", map[string]interface{}{"account": "Acme Corp"}, "conv-pick")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != StatusWaitingForHuman {
		t.Fatalf("expected waiting_for_human, got %s", out.Status)
	}
	if id, ok := m.Interrupted("conv-pick"); !ok || id != "deal-support" {
		t.Fatalf("thread should be tracked as interrupted, got %q, %v", id, ok)
	}

	// The next message on the same thread answers the interrupt rather
	// than starting a new instance.
	resumed, err := m.Dispatch(context.Background(), "006XYZ", nil, "conv-pick")
	if err != nil {
		t.Fatalf("Dispatch (resume): %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", resumed.Status, resumed.Error)
	}
	if resumed.Instance.Variables["select_opportunity_response"] != "006XYZ" {
		t.Errorf("human response lost: %v", resumed.Instance.Variables["select_opportunity_response"])
	}
	if _, ok := m.Interrupted("conv-pick"); ok {
		t.Error("completed thread should no longer be tracked as interrupted")
	}
}

func TestManagerDispatchResumesAfterRestart(t *testing.T) {
	client := dealSupportClient(t, "found 3 opportunities: 006A, 006B, 006C")
	saver := checkpoint.NewMemSaver[*Instance]()
	rules, err := CompileRoutes([]RoutePattern{{Pattern: "onboard", Workflow: "deal-support"}})
	if err != nil {
		t.Fatal(err)
	}

	m1 := NewManager(NewEngine(saver, WithAgentClient(client)), WithRoutes(rules))
	m1.Register(dealSupportDefinition())

	out, err := m1.Dispatch(context.Background(), "Onboard Acme Corp", map[string]interface{}{"account": "Acme Corp"}, "conv-restart")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Status != StatusWaitingForHuman {
		t.Fatalf("expected waiting_for_human, got %s", out.Status)
	}

	// A fresh manager over the same saver has no in-memory record of
	// the suspension; the checkpoint alone must carry the resume.
	m2 := NewManager(NewEngine(saver, WithAgentClient(client)), WithRoutes(rules))
	m2.Register(dealSupportDefinition())
	if _, ok := m2.Interrupted("conv-restart"); ok {
		t.Fatal("fresh manager should not have in-memory interrupt state")
	}

	resumed, err := m2.Dispatch(context.Background(), "006B", nil, "conv-restart")
	if err != nil {
		t.Fatalf("Dispatch (resume after restart): %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", resumed.Status, resumed.Error)
	}
	if resumed.Instance.Variables["select_opportunity_response"] != "006B" {
		t.Errorf("human response lost: %v", resumed.Instance.Variables["select_opportunity_response"])
	}
}

func TestManagerExecuteWorkflow(t *testing.T) {
	client := dealSupportClient(t, "found 1 opportunity id=006A")
	m := NewManager(NewEngine(nil, WithAgentClient(client)))
	m.Register(dealSupportDefinition())

	out, err := m.ExecuteWorkflow(context.Background(), "deal-support", "Onboard Acme", map[string]interface{}{"account": "Acme"}, "conv-direct")
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", out.Status, out.Error)
	}

	if _, err := m.ExecuteWorkflow(context.Background(), "ghost", "x", nil, "conv-ghost"); !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("expected ErrUnknownWorkflow, got %v", err)
	}
}

func TestManagerResumeUnknownWorkflow(t *testing.T) {
	m := NewManager(NewEngine(nil))
	if _, err := m.ResumeWorkflow(context.Background(), "ghost", "input", "conv-x"); !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("expected ErrUnknownWorkflow, got %v", err)
	}
}
