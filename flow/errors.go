package flow

import (
	"errors"
	"fmt"
)

// Sentinel errors callers can branch on with errors.Is.
var (
	// ErrInvalidDefinition is returned when a workflow definition
	// fails validation at compile time.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrUnknownWorkflow is returned when an execution request names
	// a workflow the catalog does not hold.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrMaxStepsExceeded is returned when an instance executes more
	// steps than its configured limit, usually a definition cycle.
	ErrMaxStepsExceeded = errors.New("max steps exceeded")

	// ErrNoInterrupt is returned when resume is requested for a
	// thread that is not suspended on a human step.
	ErrNoInterrupt = errors.New("instance is not waiting for human input")

	// ErrNotWaiting is returned when a wake or event fire targets an
	// instance that is not in a waiting state.
	ErrNotWaiting = errors.New("instance is not waiting")
)

// Step failure classes. They appear in history entries and
// human-visible failure strings; raw causes stay wrapped underneath.
const (
	FailureAgent      = "agent_failure"
	FailureCritical   = "agent_failure_critical"
	FailureRouting    = "step_routing_error"
	FailureCondition  = "condition_evaluation_error"
	FailureExtraction = "extraction_failure"
	FailureCancelled  = "cancellation"
)

// StepError describes a failure attributed to a specific workflow
// step. The message references the step name and failure class, never
// the raw stack.
type StepError struct {
	StepID   string
	StepName string
	Class    string
	Err      error
}

func (e *StepError) Error() string {
	name := e.StepName
	if name == "" {
		name = e.StepID
	}
	if e.Err != nil {
		return fmt.Sprintf("step %q failed (%s): %v", name, e.Class, e.Err)
	}
	return fmt.Sprintf("step %q failed (%s)", name, e.Class)
}

func (e *StepError) Unwrap() error { return e.Err }

func newStepError(step *Step, class string, err error) *StepError {
	return &StepError{StepID: step.ID, StepName: step.Name, Class: class, Err: err}
}
