package flow

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a workflow instance.
//
//	pending ─► running ─► { waiting | waiting_for_human } ─► running ─► completed
//	                           │                                  │
//	                           └────► cancelled   running ────────┴► failed
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusWaiting         Status = "waiting"
	StatusWaitingForHuman Status = "waiting_for_human"
	StatusPaused          Status = "paused"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// HistoryEntry records one executed step. History is append-only and
// monotonic in time; given identical external responses the sequence
// is a pure function of the definition and its inputs.
type HistoryEntry struct {
	StepID    string        `json:"step_id"`
	StepType  StepType      `json:"step_type"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   string        `json:"outcome"`
	Next      string        `json:"next,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// History entry outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
	OutcomeWaiting     = "waiting"
)

// Interrupt is the structured payload surfaced when a human step
// suspends an instance. Context carries the bundle assembled from
// recent results and any explicit context_from allow-list.
type Interrupt struct {
	StepID      string                 `json:"step_id"`
	StepName    string                 `json:"step_name"`
	Description string                 `json:"description"`
	WorkflowID  string                 `json:"workflow_id"`
	Context     map[string]interface{} `json:"context"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Instance is one execution of a workflow definition. It is the unit
// of checkpointing: the whole struct round-trips through JSON, keyed
// by the external thread id, so a suspended instance survives process
// restarts.
type Instance struct {
	ID           string                 `json:"id"`
	DefinitionID string                 `json:"definition_id"`
	Status       Status                 `json:"status"`
	CurrentStep  string                 `json:"current_step,omitempty"`
	Variables    map[string]interface{} `json:"variables"`
	History      []HistoryEntry         `json:"history"`
	Interrupt    *Interrupt             `json:"interrupt,omitempty"`
	FiredEvents  []string               `json:"fired_events,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	ParentID     string                 `json:"parent_id,omitempty"`
	TriggeredBy  string                 `json:"triggered_by,omitempty"`
	FailureCause string                 `json:"failure_cause,omitempty"`
}

// newInstance seeds a running instance: definition variables merged
// with caller variables (caller wins), workflow_id and workflow_name
// available for substitution, empty history. An "instruction" caller
// variable doubles as the triggered-by record.
func newInstance(def *Definition, vars map[string]interface{}) *Instance {
	merged := make(map[string]interface{}, len(def.Variables)+len(vars)+2)
	for k, v := range def.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	merged["workflow_id"] = def.ID
	merged["workflow_name"] = def.Name

	triggeredBy, _ := merged["instruction"].(string)

	now := time.Now().UTC()
	return &Instance{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		Status:       StatusRunning,
		CurrentStep:  def.Entry(),
		Variables:    merged,
		History:      []HistoryEntry{},
		CreatedAt:    now,
		UpdatedAt:    now,
		TriggeredBy:  triggeredBy,
	}
}

// eventFired reports whether a named event has been delivered to the
// instance, either explicitly via FireEvent or implicitly as the
// "<step_id>_complete" event of a completed step.
func (in *Instance) eventFired(event string) bool {
	for _, e := range in.FiredEvents {
		if e == event {
			return true
		}
	}
	const suffix = "_complete"
	if len(event) > len(suffix) && event[len(event)-len(suffix):] == suffix {
		stepID := event[:len(event)-len(suffix)]
		for _, h := range in.History {
			if h.StepID == stepID && h.Outcome == OutcomeCompleted {
				return true
			}
		}
	}
	return false
}

// snapshotVariables returns a shallow copy of the variable view, used
// for concurrent reads during parallel fan-out and for state
// snapshots handed to agents.
func (in *Instance) snapshotVariables() map[string]interface{} {
	snap := make(map[string]interface{}, len(in.Variables))
	for k, v := range in.Variables {
		snap[k] = v
	}
	return snap
}

func (in *Instance) touch() {
	in.UpdatedAt = time.Now().UTC()
}

func (in *Instance) complete() {
	now := time.Now().UTC()
	in.Status = StatusCompleted
	in.CurrentStep = ""
	in.UpdatedAt = now
	in.CompletedAt = &now
}

func (in *Instance) fail(cause string) {
	in.Status = StatusFailed
	in.FailureCause = cause
	in.touch()
}
