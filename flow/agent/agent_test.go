package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientExecute(t *testing.T) {
	var gotReq TaskRequest
	var gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := TaskResponse{
			Status: StatusCompleted,
			Artifacts: []Artifact{
				{ID: "art-1", TaskID: gotReq.ID, Content: "3 opportunities found", ContentType: "text/plain"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient(NewRegistry(map[string]string{"crm-agent": srv.URL}))
	req := TaskRequest{
		ID:          WorkflowTaskID("deal-support", "fetch_opportunities"),
		Instruction: "Fetch open opportunities for Acme Corp",
		Context: TaskContext{
			WorkflowID:   "deal-support",
			WorkflowName: "Deal Support",
			StepID:       "fetch_opportunities",
			StepName:     "Fetch Opportunities",
			Variables:    map[string]interface{}{"account": "Acme Corp"},
		},
	}

	resp, err := client.Execute(context.Background(), "crm-agent", req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if gotReq.ID != "workflow-deal-support-fetch_opportunities" {
		t.Errorf("task id = %q, want workflow-deal-support-fetch_opportunities", gotReq.ID)
	}
	if gotReq.Context.StepName != "Fetch Opportunities" {
		t.Errorf("step name = %q, want Fetch Opportunities", gotReq.Context.StepName)
	}
	if gotReq.Context.Variables["account"] != "Acme Corp" {
		t.Errorf("variables[account] = %v, want Acme Corp", gotReq.Context.Variables["account"])
	}
	if resp.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", resp.Status)
	}
	if got := resp.Result(); got != "3 opportunities found" {
		t.Errorf("Result() = %q, want first artifact content", got)
	}
	if resp.Interrupted() {
		t.Error("Interrupted() = true for a completed response")
	}
}

func TestClientExecuteInterrupted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := TaskResponse{
			Status: StatusInterrupted,
			Metadata: &ResponseMetadata{
				WorkflowName: "Deal Support",
				ThreadID:     "thread-42",
				InterruptData: map[string]interface{}{
					"step_id":     "select_opportunity",
					"workflow_id": "deal-support",
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient(NewRegistry(map[string]string{"workflow-agent": srv.URL}))
	resp, err := client.Execute(context.Background(), "workflow-agent", TaskRequest{ID: "wf_workflow-agent_1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if !resp.Interrupted() {
		t.Fatal("Interrupted() = false, want true")
	}
	if resp.Metadata == nil {
		t.Fatal("Metadata = nil, want interrupt metadata")
	}
	if resp.Metadata.ThreadID != "thread-42" {
		t.Errorf("thread id = %q, want thread-42", resp.Metadata.ThreadID)
	}
	if resp.Metadata.InterruptData["step_id"] != "select_opportunity" {
		t.Errorf("interrupt step_id = %v, want select_opportunity", resp.Metadata.InterruptData["step_id"])
	}
}

func TestClientExecuteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(NewRegistry(map[string]string{"crm-agent": srv.URL}))
	_, err := client.Execute(context.Background(), "crm-agent", TaskRequest{ID: "t1"})
	if err == nil {
		t.Fatal("Execute() error = nil for a 500 response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error %q does not mention the status code", err)
	}
	if !strings.Contains(err.Error(), "agent exploded") {
		t.Errorf("error %q does not carry the response body", err)
	}
}

func TestClientExecuteUnknownAgent(t *testing.T) {
	client := NewClient(NewRegistry(nil))
	_, err := client.Execute(context.Background(), "ghost", TaskRequest{ID: "t1"})
	if err == nil {
		t.Fatal("Execute() error = nil for an unregistered agent")
	}
	if !strings.Contains(err.Error(), "not registered") {
		t.Errorf("error = %q, want mention of missing registration", err)
	}
}

func TestClientExecuteContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TaskResponse{Status: StatusCompleted})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(NewRegistry(map[string]string{"crm-agent": srv.URL}))
	if _, err := client.Execute(ctx, "crm-agent", TaskRequest{ID: "t1"}); err == nil {
		t.Fatal("Execute() error = nil with a canceled context")
	}
}

func TestRegistryEnvOverride(t *testing.T) {
	t.Setenv("AGENTFLOW_AGENT_CRM_AGENT_URL", "http://override.internal:9000/tasks")

	reg := NewRegistry(map[string]string{"crm-agent": "http://registered.internal/tasks"})
	got, err := reg.Endpoint("crm-agent")
	if err != nil {
		t.Fatalf("Endpoint() error = %v", err)
	}
	if got != "http://override.internal:9000/tasks" {
		t.Errorf("Endpoint() = %q, want the environment override", got)
	}
}

func TestRegistryRegisterAndNames(t *testing.T) {
	reg := NewRegistry(map[string]string{"deals": "http://deals/tasks"})
	reg.Register("research", "http://research/tasks")
	reg.Register("deals", "http://deals-v2/tasks")

	got, err := reg.Endpoint("deals")
	if err != nil {
		t.Fatalf("Endpoint() error = %v", err)
	}
	if got != "http://deals-v2/tasks" {
		t.Errorf("Endpoint() = %q, want the replaced URL", got)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "deals" || names[1] != "research" {
		t.Errorf("Names() = %v, want [deals research]", names)
	}
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"crm-agent", "AGENTFLOW_AGENT_CRM_AGENT_URL"},
		{"deals", "AGENTFLOW_AGENT_DEALS_URL"},
		{"workflow.agent v2", "AGENTFLOW_AGENT_WORKFLOW_AGENT_V2_URL"},
	}
	for _, tt := range tests {
		if got := EnvKey(tt.name); got != tt.want {
			t.Errorf("EnvKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestTaskIDs(t *testing.T) {
	if got := WorkflowTaskID("deal-support", "fetch"); got != "workflow-deal-support-fetch" {
		t.Errorf("WorkflowTaskID() = %q", got)
	}
	if got := AdhocTaskID("research"); !strings.HasPrefix(got, "wf_research_") {
		t.Errorf("AdhocTaskID() = %q, want wf_research_ prefix", got)
	}
}

func TestResultWithoutArtifacts(t *testing.T) {
	resp := &TaskResponse{Status: StatusFailed}
	got := resp.Result()
	if !strings.Contains(got, `"status":"failed"`) {
		t.Errorf("Result() = %q, want serialized response", got)
	}
}
