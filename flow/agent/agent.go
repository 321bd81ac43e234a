// Package agent dispatches workflow tasks to remote agent services over
// a JSON-over-HTTP envelope. The engine uses it for action steps whose
// work is performed by an external agent; the planner uses it to hand
// individual plan tasks to specialist agents.
//
// Endpoints are resolved through a Registry and may be overridden per
// deployment with AGENTFLOW_AGENT_<NAME>_URL environment variables.
package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task statuses an agent may report.
const (
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// TaskContext identifies where in a workflow a task originated so the
// agent can reply with enough information to resume it.
type TaskContext struct {
	WorkflowID   string                 `json:"workflow_id"`
	WorkflowName string                 `json:"workflow_name"`
	StepID       string                 `json:"step_id"`
	StepName     string                 `json:"step_name"`
	Variables    map[string]interface{} `json:"variables,omitempty"`
}

// TaskRequest is the envelope sent to a remote agent. StateSnapshot is
// opaque to the transport; agents that support resumption echo it back
// through their own state.
type TaskRequest struct {
	ID            string                 `json:"id"`
	Instruction   string                 `json:"instruction"`
	Context       TaskContext            `json:"context"`
	StateSnapshot map[string]interface{} `json:"state_snapshot,omitempty"`
}

// Artifact is one unit of agent output.
type Artifact struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// ResponseMetadata carries optional resumption hints back from the
// agent. InterruptData holds the interrupt payload when Status is
// "interrupted".
type ResponseMetadata struct {
	WorkflowName  string                 `json:"workflow_name,omitempty"`
	ThreadID      string                 `json:"thread_id,omitempty"`
	InterruptData map[string]interface{} `json:"interrupt_data,omitempty"`
}

// TaskResponse is the envelope returned by a remote agent.
type TaskResponse struct {
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	Status    string            `json:"status"`
	Metadata  *ResponseMetadata `json:"metadata,omitempty"`
}

// Result returns the first artifact's content, or the full response
// serialized as JSON when no artifact is present.
func (r *TaskResponse) Result() string {
	if len(r.Artifacts) > 0 {
		return r.Artifacts[0].Content
	}
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(data)
}

// Interrupted reports whether the agent paused the task waiting for
// external input.
func (r *TaskResponse) Interrupted() bool {
	return r.Status == StatusInterrupted
}

// WorkflowTaskID builds the task id for a step dispatched by the
// engine. Re-sending a task with the same id resumes an interrupted
// run on the agent side.
func WorkflowTaskID(workflowID, stepID string) string {
	return fmt.Sprintf("workflow-%s-%s", workflowID, stepID)
}

// AdhocTaskID builds the task id for a task dispatched outside any
// workflow, such as a plan task handed to a specialist agent.
func AdhocTaskID(agentName string) string {
	return fmt.Sprintf("wf_%s_%d", agentName, time.Now().Unix())
}
