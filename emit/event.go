// Package emit defines the observability event stream shared by the
// workflow engine and the memory graph.
//
// Workflow execution emits step lifecycle events (started, completed,
// failed, interrupted, resumed); memory writes emit graph-update
// events (node added, node merged, edge added). Both flow through the
// same Emitter interface so a single sink can reconstruct what a
// conversation did and what it learned.
package emit

// Workflow lifecycle event names.
const (
	WorkflowStarted     = "workflow_started"
	WorkflowCompleted   = "workflow_completed"
	WorkflowFailed      = "workflow_failed"
	WorkflowCancelled   = "workflow_cancelled"
	WorkflowInterrupted = "workflow_interrupted"
	WorkflowWaiting     = "workflow_waiting"
	WorkflowResumed     = "workflow_resumed"
	StepStarted         = "step_started"
	StepCompleted       = "step_completed"
	StepFailed          = "step_failed"
	StepRetried         = "step_retried"
	StepSkipped         = "step_skipped"
)

// Memory graph-update event names.
const (
	MemoryNodeAdded  = "memory_node_added"
	MemoryNodeMerged = "memory_node_merged"
	MemoryEdgeAdded  = "memory_edge_added"
	MemoryCleanup    = "memory_cleanup"
)

// Event is one observation from workflow execution or a memory write.
//
// Events are deliberately flat: a thread identifier to correlate on,
// a step counter for ordering, the subject's id, a name, and a
// free-form metadata map. Sinks that need richer structure pull it
// from Meta.
type Event struct {
	// ThreadID identifies the conversation or workflow session the
	// event belongs to ("<agent>-<task_id>" for workflow threads,
	// the scope label for memory graphs).
	ThreadID string

	// Step is the execution step counter, 1-indexed. Zero for
	// session-level and memory events.
	Step int

	// StepID names the workflow step or memory node the event is
	// about. Empty for session-level events.
	StepID string

	// Msg is the event name, one of the constants above or a
	// sink-defined extension.
	Msg string

	// Meta holds event-specific details. Common keys:
	//   - "duration_ms": step execution time
	//   - "error": failure description
	//   - "attempt": retry attempt number
	//   - "status": instance status after the event
	//   - "context_type": memory node context type
	Meta map[string]interface{}
}
