// Package planner decomposes free-form instructions into executable
// task plans. A Plan is a DAG of tasks with agent assignments,
// priorities, and dependencies; the planner creates it with an LLM,
// revises it on request while preserving completed work, and selects
// the next ready task for dispatch.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/agentflow-go/model"
)

// TaskStatus is the lifecycle state of a plan task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Priority orders ready tasks. Urgent beats high beats medium beats
// low; ties resolve by plan position.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityMedium: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Task is one unit of plannable work.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	Agent       string     `json:"agent"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Plan is an ordered set of tasks produced for one instruction.
type Plan struct {
	ID          string    `json:"id"`
	Instruction string    `json:"instruction"`
	Tasks       []*Task   `json:"tasks"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Task returns the task with the given id, or nil.
func (p *Plan) Task(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// NextTask selects the highest-priority pending task whose
// dependencies are all completed. Returns nil when nothing is ready.
func (p *Plan) NextTask() *Task {
	var best *Task
	for _, t := range p.Tasks {
		if t.Status != TaskPending || !p.depsCompleted(t) {
			continue
		}
		if best == nil || priorityRank[t.Priority] > priorityRank[best.Priority] {
			best = t
		}
	}
	return best
}

// Done reports whether every task is completed or cancelled.
func (p *Plan) Done() bool {
	for _, t := range p.Tasks {
		if t.Status != TaskCompleted && t.Status != TaskCancelled {
			return false
		}
	}
	return true
}

func (p *Plan) depsCompleted(t *Task) bool {
	for _, dep := range t.DependsOn {
		d := p.Task(dep)
		if d == nil || d.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// Start marks a task in progress.
func (p *Plan) Start(id string) {
	if t := p.Task(id); t != nil {
		t.Status = TaskInProgress
		t.UpdatedAt = time.Now().UTC()
		p.UpdatedAt = t.UpdatedAt
	}
}

// Complete records a task's result and marks it completed.
func (p *Plan) Complete(id, result string) {
	if t := p.Task(id); t != nil {
		now := time.Now().UTC()
		t.Status = TaskCompleted
		t.Result = result
		t.UpdatedAt = now
		t.CompletedAt = &now
		p.UpdatedAt = now
	}
}

// Fail records a task failure.
func (p *Plan) Fail(id, cause string) {
	if t := p.Task(id); t != nil {
		t.Status = TaskFailed
		t.Error = cause
		t.UpdatedAt = time.Now().UTC()
		p.UpdatedAt = t.UpdatedAt
	}
}

// Planner creates and revises plans with a chat model.
type Planner struct {
	model        model.ChatModel
	defaultAgent string
	log          zerolog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithDefaultAgent sets the agent assigned to fallback tasks and to
// planned tasks that name no agent. Defaults to "general".
func WithDefaultAgent(agent string) Option {
	return func(p *Planner) { p.defaultAgent = agent }
}

// WithLogger attaches a logger for plan parse failures.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Planner) { p.log = l }
}

// New builds a planner over a chat model.
func New(cm model.ChatModel, opts ...Option) *Planner {
	p := &Planner{
		model:        cm,
		defaultAgent: "general",
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// plannedTask is the JSON shape the model produces. Dependencies are
// zero-based positions into the task list or task id strings.
type plannedTask struct {
	Description string        `json:"description"`
	Agent       string        `json:"agent"`
	Priority    string        `json:"priority"`
	DependsOn   []interface{} `json:"depends_on"`
}

const planSystemPrompt = `You decompose instructions into task plans for specialist agents.
Respond with a JSON array only. Each element:
{"description": "...", "agent": "...", "priority": "low|medium|high|urgent", "depends_on": [indices of prerequisite tasks, zero-based]}
Order tasks so prerequisites come first. No prose, no markdown fences.`

// CreatePlan asks the model to decompose an instruction into tasks.
// Conversation context, when present, is included for grounding. If
// the model fails or returns unparseable output, a single-task
// fallback plan covering the whole instruction is emitted instead.
func (p *Planner) CreatePlan(ctx context.Context, instruction, conversation string) (*Plan, error) {
	user := "Instruction: " + instruction
	if conversation != "" {
		user += "\n\nConversation context:\n" + conversation
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: planSystemPrompt},
		{Role: model.RoleUser, Content: user},
	}

	out, err := p.model.Chat(ctx, messages, nil)
	if err != nil {
		p.log.Warn().Err(err).Msg("plan model failed, emitting fallback plan")
		return p.fallbackPlan(instruction), nil
	}

	planned, err := parsePlannedTasks(out.Text)
	if err != nil {
		p.log.Warn().Err(err).Msg("plan output unparseable, emitting fallback plan")
		return p.fallbackPlan(instruction), nil
	}

	now := time.Now().UTC()
	plan := &Plan{
		ID:          "plan-" + uuid.NewString(),
		Instruction: instruction,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	plan.Tasks = p.buildTasks(planned, nil, now)
	return plan, nil
}

// Replan revises a plan against a modification instruction. Completed
// and in-progress tasks are preserved; pending, failed, and cancelled
// tasks are replaced by the model's revision. On model or parse
// failure the plan is returned unchanged with the error.
func (p *Planner) Replan(ctx context.Context, plan *Plan, instruction string) (*Plan, error) {
	if plan == nil {
		return nil, fmt.Errorf("nil plan")
	}

	var kept, replaceable []*Task
	for _, t := range plan.Tasks {
		if t.Status == TaskCompleted || t.Status == TaskInProgress {
			kept = append(kept, t)
		} else {
			replaceable = append(replaceable, t)
		}
	}

	var b strings.Builder
	b.WriteString("Original instruction: ")
	b.WriteString(plan.Instruction)
	b.WriteString("\n\nCompleted or running tasks (keep these, do not repeat them):\n")
	for _, t := range kept {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", t.Status, t.Description, t.Agent)
	}
	b.WriteString("\nRemaining tasks to revise:\n")
	for _, t := range replaceable {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", t.Status, t.Description, t.Agent)
	}
	b.WriteString("\nModification: ")
	b.WriteString(instruction)
	b.WriteString("\n\nProduce the revised remaining tasks only.")

	messages := []model.Message{
		{Role: model.RoleSystem, Content: planSystemPrompt},
		{Role: model.RoleUser, Content: b.String()},
	}

	out, err := p.model.Chat(ctx, messages, nil)
	if err != nil {
		return plan, fmt.Errorf("replan model failed: %w", err)
	}
	planned, err := parsePlannedTasks(out.Text)
	if err != nil {
		return plan, fmt.Errorf("replan output unparseable: %w", err)
	}

	now := time.Now().UTC()
	plan.Tasks = append(kept, p.buildTasks(planned, kept, now)...)
	plan.UpdatedAt = now
	return plan, nil
}

// buildTasks materializes planned tasks, resolving positional
// dependencies to generated ids. Positions index the new tasks;
// string dependencies pass through (they may reference kept tasks).
func (p *Planner) buildTasks(planned []plannedTask, kept []*Task, now time.Time) []*Task {
	tasks := make([]*Task, len(planned))
	for i := range planned {
		tasks[i] = &Task{
			ID:        uuid.NewString(),
			Status:    TaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	for i, pt := range planned {
		t := tasks[i]
		t.Description = strings.TrimSpace(pt.Description)
		t.Agent = strings.TrimSpace(pt.Agent)
		if t.Agent == "" {
			t.Agent = p.defaultAgent
		}
		t.Priority = normalizePriority(pt.Priority)
		for _, dep := range pt.DependsOn {
			switch d := dep.(type) {
			case float64:
				idx := int(d)
				if idx >= 0 && idx < len(tasks) && idx != i {
					t.DependsOn = append(t.DependsOn, tasks[idx].ID)
				}
			case string:
				t.DependsOn = append(t.DependsOn, d)
			}
		}
	}
	return tasks
}

func (p *Planner) fallbackPlan(instruction string) *Plan {
	now := time.Now().UTC()
	return &Plan{
		ID:          "plan-" + uuid.NewString(),
		Instruction: instruction,
		CreatedAt:   now,
		UpdatedAt:   now,
		Tasks: []*Task{{
			ID:          uuid.NewString(),
			Description: instruction,
			Status:      TaskPending,
			Priority:    PriorityMedium,
			Agent:       p.defaultAgent,
			CreatedAt:   now,
			UpdatedAt:   now,
		}},
	}
}

func parsePlannedTasks(text string) ([]plannedTask, error) {
	cleaned := model.StripJSONFences(text)
	var planned []plannedTask
	if err := json.Unmarshal([]byte(cleaned), &planned); err != nil {
		// Some models wrap the array in an object.
		var wrapper struct {
			Tasks []plannedTask `json:"tasks"`
		}
		if err2 := json.Unmarshal([]byte(cleaned), &wrapper); err2 != nil || len(wrapper.Tasks) == 0 {
			return nil, fmt.Errorf("not a task array: %w", err)
		}
		planned = wrapper.Tasks
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("empty task array")
	}
	return planned, nil
}

func normalizePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityUrgent:
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}
