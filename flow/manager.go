package flow

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dshills/agentflow-go/model"
)

// RouteNone is the routing decision for instructions no template
// matches.
const RouteNone = "none"

// RouteRule maps an instruction pattern to a workflow id. Rules are
// evaluated in declared order; the first match wins, which keeps
// routing deterministic for identical instructions.
type RouteRule struct {
	Pattern  *regexp.Regexp
	Workflow string
}

// RoutePattern is the configuration form of a route rule.
type RoutePattern struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	Workflow string `yaml:"workflow" json:"workflow"`
}

// CompileRoutes compiles a routing table, preserving declaration
// order. Patterns are matched case-insensitively.
func CompileRoutes(patterns []RoutePattern) ([]RouteRule, error) {
	rules := make([]RouteRule, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid route pattern %q: %w", p.Pattern, err)
		}
		rules = append(rules, RouteRule{Pattern: re, Workflow: p.Workflow})
	}
	return rules, nil
}

// Manager owns the compiled template catalog. It routes instructions
// to templates (regex table first, LLM fallback second), executes and
// resumes instances through its engine, and tracks interrupted
// threads so a second dispatch on the same thread resumes instead of
// starting anew.
type Manager struct {
	mu          sync.RWMutex
	engine      *Engine
	workflows   map[string]*Workflow
	routes      []RouteRule
	router      model.ChatModel
	interrupted map[string]string
	log         zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRoutes installs the deterministic routing table.
func WithRoutes(rules []RouteRule) ManagerOption {
	return func(m *Manager) { m.routes = rules }
}

// WithRouterModel installs the LLM used when no route rule matches.
// Without one, unmatched instructions route to "none".
func WithRouterModel(cm model.ChatModel) ManagerOption {
	return func(m *Manager) { m.router = cm }
}

// WithManagerLogger attaches a logger for compile and routing
// failures.
func WithManagerLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// NewManager builds a manager over an engine.
func NewManager(engine *Engine, opts ...ManagerOption) *Manager {
	m := &Manager{
		engine:      engine,
		workflows:   make(map[string]*Workflow),
		interrupted: make(map[string]string),
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register compiles definitions into the catalog. A definition that
// fails to compile is logged and skipped; the rest still register.
func (m *Manager) Register(defs ...*Definition) {
	for _, def := range defs {
		wf, err := Compile(def)
		if err != nil {
			id := "<nil>"
			if def != nil {
				id = def.ID
			}
			m.log.Error().Err(err).Str("workflow", id).Msg("failed to compile workflow template")
			continue
		}
		m.mu.Lock()
		m.workflows[wf.ID()] = wf
		m.mu.Unlock()
	}
}

// Workflow returns a compiled template by id.
func (m *Manager) Workflow(id string) (*Workflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	return wf, ok
}

// Workflows returns the registered template ids in sorted order.
func (m *Manager) Workflows() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.workflows))
	for id := range m.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Interrupted reports whether a thread is suspended on a human step
// and, if so, which workflow holds it.
func (m *Manager) Interrupted(threadID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.interrupted[threadID]
	return id, ok
}

// Route maps an instruction to a registered template id, or RouteNone.
// The regex table is consulted first in declared order; the LLM
// fallback selects among registered templates only.
func (m *Manager) Route(ctx context.Context, instruction string) string {
	for _, rule := range m.routes {
		if !rule.Pattern.MatchString(instruction) {
			continue
		}
		if _, ok := m.Workflow(rule.Workflow); ok {
			return rule.Workflow
		}
		m.log.Warn().Str("workflow", rule.Workflow).Msg("route rule targets an unregistered workflow")
	}
	return m.routeByModel(ctx, instruction)
}

func (m *Manager) routeByModel(ctx context.Context, instruction string) string {
	if m.router == nil {
		return RouteNone
	}
	ids := m.Workflows()
	if len(ids) == 0 {
		return RouteNone
	}

	var b strings.Builder
	b.WriteString("Available workflow templates:\n")
	for _, id := range ids {
		wf, _ := m.Workflow(id)
		fmt.Fprintf(&b, "- %s: %s\n", id, wf.Definition().Name)
	}
	b.WriteString("\nInstruction: ")
	b.WriteString(instruction)

	messages := []model.Message{
		{Role: model.RoleSystem, Content: "You select workflow templates. Respond with exactly one template id from the list, or \"none\" if no template fits the instruction. Respond with the id only."},
		{Role: model.RoleUser, Content: b.String()},
	}
	out, err := m.router.Chat(ctx, messages, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("routing model failed")
		return RouteNone
	}

	answer := strings.ToLower(strings.Trim(strings.TrimSpace(model.StripJSONFences(out.Text)), "\"'`."))
	if answer == "" || answer == RouteNone {
		return RouteNone
	}
	for _, id := range ids {
		if strings.EqualFold(id, answer) {
			return id
		}
	}
	// Verbose answers still count when they name exactly one template.
	match := ""
	for _, id := range ids {
		if strings.Contains(answer, strings.ToLower(id)) {
			if match != "" {
				return RouteNone
			}
			match = id
		}
	}
	if match != "" {
		return match
	}
	return RouteNone
}

// Dispatch routes an instruction and executes the chosen workflow on
// the given thread. A thread suspended on an interrupt consumes the
// dispatch as its human response instead of starting a new instance.
// When routing yields RouteNone the caller receives a completed
// outcome with a no-match message.
func (m *Manager) Dispatch(ctx context.Context, instruction string, vars map[string]interface{}, threadID string) (*Outcome, error) {
	if id, suspended := m.Interrupted(threadID); suspended {
		return m.ResumeWorkflow(ctx, id, instruction, threadID)
	}

	// The interrupt map is in-process state; after a restart the
	// suspension only exists in the checkpoint store.
	if inst, err := m.engine.Load(ctx, threadID); err == nil && inst.Status == StatusWaitingForHuman {
		if _, ok := m.Workflow(inst.DefinitionID); ok {
			return m.ResumeWorkflow(ctx, inst.DefinitionID, instruction, threadID)
		}
	}

	id := m.Route(ctx, instruction)
	if id == RouteNone {
		return &Outcome{
			Status: StatusCompleted,
			Result: fmt.Sprintf("no workflow template matches %q", instruction),
		}, nil
	}
	return m.ExecuteWorkflow(ctx, id, instruction, vars, threadID)
}

// ExecuteWorkflow starts the named workflow on a thread, seeding the
// instruction as a variable. If the thread is already suspended on an
// interrupt in the same workflow, the instruction is delivered as the
// human response instead.
func (m *Manager) ExecuteWorkflow(ctx context.Context, name, instruction string, vars map[string]interface{}, threadID string) (*Outcome, error) {
	if id, suspended := m.Interrupted(threadID); suspended && id == name {
		return m.ResumeWorkflow(ctx, name, instruction, threadID)
	}

	wf, ok := m.Workflow(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}

	merged := make(map[string]interface{}, len(vars)+1)
	for k, v := range vars {
		merged[k] = v
	}
	if instruction != "" {
		merged["instruction"] = instruction
	}

	out, err := m.engine.Run(ctx, wf, threadID, merged)
	m.track(threadID, name, out)
	return out, err
}

// ResumeWorkflow delivers a human response to the named workflow's
// suspended instance on the given thread.
func (m *Manager) ResumeWorkflow(ctx context.Context, name string, humanInput interface{}, threadID string) (*Outcome, error) {
	wf, ok := m.Workflow(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	out, err := m.engine.Resume(ctx, wf, threadID, humanInput)
	m.track(threadID, name, out)
	return out, err
}

func (m *Manager) track(threadID, name string, out *Outcome) {
	if out == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if out.Status == StatusWaitingForHuman {
		m.interrupted[threadID] = name
	} else {
		delete(m.interrupted, threadID)
	}
}
