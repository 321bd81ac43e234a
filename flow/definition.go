// Package flow compiles declarative workflow definitions into
// executable state machines and drives them step by step: dispatching
// actions to remote agents, evaluating conditions, fanning out
// parallel work, iterating collections, extracting structured data,
// and pausing for human input against a durable checkpoint.
//
// A Definition is declarative data, usually loaded from YAML (see
// Catalog). Compile validates it into a Workflow; an Engine executes
// Workflow instances keyed by an external thread id so a suspended
// instance can be resumed across process restarts. The Manager layers
// a template catalog, instruction routing, and interrupt tracking on
// top.
package flow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// End is the reserved terminal step reference. A step whose successor
// is End (or empty) completes the instance.
const End = "end"

// EntryStep is the conventional entry step id. Definitions without a
// step named "start" enter at the first declared step.
const EntryStep = "start"

// StepType discriminates step behavior. Dispatch is a table keyed by
// this tag; there is no step subclassing.
type StepType string

const (
	StepAction    StepType = "action"
	StepCondition StepType = "condition"
	StepWait      StepType = "wait"
	StepParallel  StepType = "parallel"
	StepHuman     StepType = "human"
	StepSwitch    StepType = "switch"
	StepForEach   StepType = "for_each"
	StepExtract   StepType = "extract"
)

var stepTypes = map[StepType]bool{
	StepAction:    true,
	StepCondition: true,
	StepWait:      true,
	StepParallel:  true,
	StepHuman:     true,
	StepSwitch:    true,
	StepForEach:   true,
	StepExtract:   true,
}

// Duration is a time.Duration that unmarshals from YAML as either a
// Go duration string ("30s", "5m") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value on line %d", value.Line)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryPolicy controls action and extract step retries. Backoff is
// linear: attempt n sleeps Delay*n before retrying.
type RetryPolicy struct {
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
	Delay       Duration `yaml:"delay" json:"delay"`
}

// DefaultRetryPolicy applies to action steps that do not declare one.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Delay: Duration(time.Second)}

// Condition is a predicate over instance state. Two forms exist and
// are distinguished by which fields are set:
//
// The legacy operator form compares Left against Right:
//
//	{operator: not_contains, left: $fetch_result, right: "found 1"}
//
// with operators equals, not_equals, greater_than, less_than,
// greater_equal, less_equal, contains, not_contains, exists,
// not_exists, in, not_in.
//
// The typed form names a check and the value it reads:
//
//	{type: count_greater_than, source: $opportunities, value: 1}
//
// with types is_empty, is_not_empty, count_greater_than,
// count_less_than, contains, equals, response_contains, has_error.
//
// Operand strings beginning with "$" resolve through a dotted path
// over the instance variable view; anything else is a literal.
type Condition struct {
	Operator string      `yaml:"operator,omitempty" json:"operator,omitempty"`
	Left     interface{} `yaml:"left,omitempty" json:"left,omitempty"`
	Right    interface{} `yaml:"right,omitempty" json:"right,omitempty"`

	Type   string      `yaml:"type,omitempty" json:"type,omitempty"`
	Source string      `yaml:"source,omitempty" json:"source,omitempty"`
	Value  interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

// ConditionalRoute attaches post-completion routing to an action or
// extract step: evaluate Condition on the updated state, follow
// TrueNext or FalseNext.
type ConditionalRoute struct {
	Condition Condition `yaml:"condition" json:"condition"`
	TrueNext  string    `yaml:"true_next" json:"true_next"`
	FalseNext string    `yaml:"false_next" json:"false_next"`
}

// SwitchCase is one arm of a switch step. Cases are evaluated in
// declared order; the first match wins.
type SwitchCase struct {
	Condition Condition `yaml:"condition" json:"condition"`
	Next      string    `yaml:"next" json:"next"`
}

// WaitSpec describes what a wait step blocks on. Exactly one of
// Deadline, Event, or CompileFields should be set.
//
// Deadline suspends the instance with status "waiting" until the
// duration elapses (relative to when the step first runs). Event
// suspends until Engine.FireEvent delivers the named event; the engine
// fires "<step_id>_complete" for every completed step, so an event
// name with that suffix waits on another step. The special event
// "compile" does not suspend: it gathers CompileFields from variables
// into a compiled_results map plus a rendered summary and falls
// through.
type WaitSpec struct {
	Deadline      Duration `yaml:"deadline,omitempty" json:"deadline,omitempty"`
	Event         string   `yaml:"event,omitempty" json:"event,omitempty"`
	CompileFields []string `yaml:"compile_fields,omitempty" json:"compile_fields,omitempty"`
}

// EventCompile is the WaitSpec event that compiles fields instead of
// suspending.
const EventCompile = "compile"

// LoopSpec describes a for_each iteration. Collection names the
// variable holding the items; Iterator is the per-item variable
// (default "item") and gets a companion "<Iterator>_index".
type LoopSpec struct {
	Collection    string   `yaml:"collection" json:"collection"`
	Iterator      string   `yaml:"iterator,omitempty" json:"iterator,omitempty"`
	Steps         []string `yaml:"steps" json:"steps"`
	MaxIterations int      `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

// DefaultMaxIterations caps for_each loops that do not declare a cap.
const DefaultMaxIterations = 100

// ExtractSpec configures an extract step: read Source from variables,
// hand it with Prompt to the configured extractor, optionally naming a
// registered target Schema.
type ExtractSpec struct {
	Source string `yaml:"source" json:"source"`
	Prompt string `yaml:"prompt" json:"prompt"`
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// Step is one node of a workflow definition. Which fields matter
// depends on Type; Validate enforces the per-type requirements.
type Step struct {
	ID   string   `yaml:"id" json:"id"`
	Type StepType `yaml:"type" json:"type"`
	Name string   `yaml:"name,omitempty" json:"name,omitempty"`

	// Action fields.
	Agent       string            `yaml:"agent,omitempty" json:"agent,omitempty"`
	Instruction string            `yaml:"instruction,omitempty" json:"instruction,omitempty"`
	Retry       *RetryPolicy      `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnComplete  *ConditionalRoute `yaml:"on_complete,omitempty" json:"on_complete,omitempty"`

	// Condition fields.
	Condition *Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
	TrueNext  string     `yaml:"true_next,omitempty" json:"true_next,omitempty"`
	FalseNext string     `yaml:"false_next,omitempty" json:"false_next,omitempty"`

	// Wait fields.
	Wait *WaitSpec `yaml:"wait,omitempty" json:"wait,omitempty"`

	// Parallel fields.
	ParallelSteps []string `yaml:"parallel_steps,omitempty" json:"parallel_steps,omitempty"`

	// Switch fields.
	Cases       []SwitchCase `yaml:"cases,omitempty" json:"cases,omitempty"`
	DefaultNext string       `yaml:"default_next,omitempty" json:"default_next,omitempty"`

	// For-each fields.
	Loop *LoopSpec `yaml:"loop,omitempty" json:"loop,omitempty"`

	// Extract fields.
	Extract *ExtractSpec `yaml:"extract,omitempty" json:"extract,omitempty"`

	// Common fields.
	NextStep string                 `yaml:"next_step,omitempty" json:"next_step,omitempty"`
	Timeout  Duration               `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Critical bool                   `yaml:"critical,omitempty" json:"critical,omitempty"`
	Metadata map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Definition is a declarative workflow template. Steps are held in
// declared order; the first declared step is the entry unless a step
// is named "start". Definitions are immutable once registered.
type Definition struct {
	ID        string                 `yaml:"id" json:"id"`
	Name      string                 `yaml:"name" json:"name"`
	Trigger   string                 `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Variables map[string]interface{} `yaml:"variables,omitempty" json:"variables,omitempty"`
	Steps     []*Step                `yaml:"steps" json:"steps"`
}

// Step returns the step with the given id, or nil.
func (d *Definition) Step(id string) *Step {
	for _, s := range d.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Entry returns the entry step id: "start" when declared, else the
// first declared step.
func (d *Definition) Entry() string {
	if d.Step(EntryStep) != nil {
		return EntryStep
	}
	if len(d.Steps) > 0 {
		return d.Steps[0].ID
	}
	return ""
}

// Validate checks the structural invariants of a definition. All
// violations wrap ErrInvalidDefinition.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: %s: missing name", ErrInvalidDefinition, d.ID)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s: no steps", ErrInvalidDefinition, d.ID)
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: %s: step with empty id", ErrInvalidDefinition, d.ID)
		}
		if s.ID == End {
			return fmt.Errorf("%w: %s: %q is reserved", ErrInvalidDefinition, d.ID, End)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s: duplicate step id %q", ErrInvalidDefinition, d.ID, s.ID)
		}
		seen[s.ID] = true
		if !stepTypes[s.Type] {
			return fmt.Errorf("%w: %s: step %q has unknown type %q", ErrInvalidDefinition, d.ID, s.ID, s.Type)
		}
	}

	for _, s := range d.Steps {
		if err := d.validateStep(s, seen); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateStep(s *Step, defined map[string]bool) error {
	badRef := func(field, target string) error {
		return fmt.Errorf("%w: %s: step %q %s references undefined step %q",
			ErrInvalidDefinition, d.ID, s.ID, field, target)
	}
	checkNext := func(field, target string) error {
		if target == "" || target == End {
			return nil
		}
		if !defined[target] {
			return badRef(field, target)
		}
		if target == s.ID {
			return fmt.Errorf("%w: %s: step %q references itself as successor",
				ErrInvalidDefinition, d.ID, s.ID)
		}
		return nil
	}

	if err := checkNext("next_step", s.NextStep); err != nil {
		return err
	}
	if err := checkNext("true_next", s.TrueNext); err != nil {
		return err
	}
	if err := checkNext("false_next", s.FalseNext); err != nil {
		return err
	}
	if err := checkNext("default_next", s.DefaultNext); err != nil {
		return err
	}
	if s.OnComplete != nil {
		if err := checkNext("on_complete.true_next", s.OnComplete.TrueNext); err != nil {
			return err
		}
		if err := checkNext("on_complete.false_next", s.OnComplete.FalseNext); err != nil {
			return err
		}
	}
	for _, c := range s.Cases {
		if err := checkNext("case", c.Next); err != nil {
			return err
		}
	}

	switch s.Type {
	case StepAction:
		if s.Agent == "" {
			return fmt.Errorf("%w: %s: action step %q has no agent", ErrInvalidDefinition, d.ID, s.ID)
		}
		if s.Instruction == "" {
			return fmt.Errorf("%w: %s: action step %q has no instruction", ErrInvalidDefinition, d.ID, s.ID)
		}
	case StepCondition:
		if s.Condition == nil {
			return fmt.Errorf("%w: %s: condition step %q has no condition", ErrInvalidDefinition, d.ID, s.ID)
		}
		if s.TrueNext == "" && s.FalseNext == "" {
			return fmt.Errorf("%w: %s: condition step %q routes nowhere", ErrInvalidDefinition, d.ID, s.ID)
		}
	case StepWait:
		if s.Wait == nil {
			return fmt.Errorf("%w: %s: wait step %q has no wait spec", ErrInvalidDefinition, d.ID, s.ID)
		}
	case StepParallel:
		if len(s.ParallelSteps) == 0 {
			return fmt.Errorf("%w: %s: parallel step %q has no substeps", ErrInvalidDefinition, d.ID, s.ID)
		}
		for _, sub := range s.ParallelSteps {
			if !defined[sub] {
				return badRef("parallel_steps", sub)
			}
			if sub == s.ID {
				return fmt.Errorf("%w: %s: parallel step %q lists itself", ErrInvalidDefinition, d.ID, s.ID)
			}
		}
	case StepSwitch:
		if len(s.Cases) == 0 {
			return fmt.Errorf("%w: %s: switch step %q has no cases", ErrInvalidDefinition, d.ID, s.ID)
		}
	case StepForEach:
		if s.Loop == nil || s.Loop.Collection == "" {
			return fmt.Errorf("%w: %s: for_each step %q has no collection", ErrInvalidDefinition, d.ID, s.ID)
		}
		if len(s.Loop.Steps) == 0 {
			return fmt.Errorf("%w: %s: for_each step %q has no loop steps", ErrInvalidDefinition, d.ID, s.ID)
		}
		for _, sub := range s.Loop.Steps {
			if !defined[sub] {
				return badRef("loop.steps", sub)
			}
			if sub == s.ID {
				return fmt.Errorf("%w: %s: for_each step %q loops over itself", ErrInvalidDefinition, d.ID, s.ID)
			}
		}
	case StepExtract:
		if s.Extract == nil || s.Extract.Source == "" || s.Extract.Prompt == "" {
			return fmt.Errorf("%w: %s: extract step %q needs source and prompt", ErrInvalidDefinition, d.ID, s.ID)
		}
	}
	return nil
}
