package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/agentflow-go/emit"
	"github.com/dshills/agentflow-go/flow/agent"
	"github.com/dshills/agentflow-go/flow/checkpoint"
	"github.com/dshills/agentflow-go/model"
)

// Default execution limits.
const (
	DefaultMaxSteps       = 100
	defaultContextHistory = 5
)

// Engine drives compiled workflows. It is a run-until-blocked driver:
// each call executes steps until the instance reaches a terminal
// status or suspends on an interrupt, a deadline, or an event. Every
// state transition is checkpointed under the external thread id
// before control returns, so suspended instances survive restarts and
// resume on another engine bound to the same saver.
//
// Interrupts are first-class outcomes, not errors: a human step (or an
// agent that reports status "interrupted") produces an Outcome with
// status waiting_for_human and a structured Interrupt payload. Errors
// are reserved for infrastructure failures and cancellation.
type Engine struct {
	saver     checkpoint.Saver[*Instance]
	agents    *agent.Client
	extractor model.Extractor
	emitter   emit.Emitter
	metrics   *Metrics
	log       zerolog.Logger

	maxSteps       int
	contextHistory int
	schemas        map[string]map[string]interface{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAgentClient sets the client used by action steps.
func WithAgentClient(c *agent.Client) EngineOption {
	return func(e *Engine) { e.agents = c }
}

// WithExtractor sets the extractor used by extract steps.
func WithExtractor(x model.Extractor) EngineOption {
	return func(e *Engine) { e.extractor = x }
}

// WithEmitter attaches an observability event sink.
func WithEmitter(em emit.Emitter) EngineOption {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineLogger attaches a logger for condition failures, retries,
// and other execution detail outside the event stream.
func WithEngineLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithMaxSteps caps the number of steps an instance may execute
// across its whole lifetime, including resumes. Zero disables the
// limit.
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) { e.maxSteps = n }
}

// WithContextHistory sets how many recent history entries human-step
// context bundles include.
func WithContextHistory(n int) EngineOption {
	return func(e *Engine) { e.contextHistory = n }
}

// WithSchema registers a named extraction target schema referenced by
// extract steps.
func WithSchema(name string, schema map[string]interface{}) EngineOption {
	return func(e *Engine) { e.schemas[name] = schema }
}

// NewEngine builds an engine over the given checkpoint saver. A nil
// saver falls back to an in-memory saver, which loses suspended
// instances on restart.
func NewEngine(saver checkpoint.Saver[*Instance], opts ...EngineOption) *Engine {
	if saver == nil {
		saver = checkpoint.NewMemSaver[*Instance]()
	}
	e := &Engine{
		saver:          saver,
		log:            zerolog.Nop(),
		maxSteps:       DefaultMaxSteps,
		contextHistory: defaultContextHistory,
		schemas:        make(map[string]map[string]interface{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome is the result of driving an instance: its status after the
// drive, the suspension payload when blocked, and the final result
// when completed.
type Outcome struct {
	Status    Status
	Instance  *Instance
	Interrupt *Interrupt
	ResumeAt  time.Time
	Result    string
	Error     string
}

// stepResult is what a step handler reports back to the drive loop.
type stepResult struct {
	next      string
	interrupt *Interrupt
	waiting   bool
	resumeAt  time.Time
	attempts  int
	err       error
}

// Run starts a fresh instance of the workflow under the given thread
// id and drives it until it blocks or terminates. Any previous
// checkpoints for the thread are discarded.
func (e *Engine) Run(ctx context.Context, wf *Workflow, threadID string, vars map[string]interface{}) (*Outcome, error) {
	if wf == nil {
		return nil, fmt.Errorf("nil workflow")
	}
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}

	if err := e.saver.Delete(ctx, threadID); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("failed to clear previous checkpoints: %w", err)
	}

	inst := newInstance(wf.def, vars)
	if err := e.saver.SaveStep(ctx, threadID, 0, "init", inst); err != nil {
		return nil, fmt.Errorf("failed to save initial checkpoint: %w", err)
	}
	e.emitWorkflow(threadID, inst, emit.WorkflowStarted, nil)

	return e.drive(ctx, wf, threadID, inst)
}

// Resume delivers a human response to an instance suspended on an
// interrupt. The value is written as "<step_id>_response" and
// "last_human_response", then execution continues from the
// interrupted step's successor.
func (e *Engine) Resume(ctx context.Context, wf *Workflow, threadID string, input interface{}) (*Outcome, error) {
	inst, err := e.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusWaitingForHuman || inst.Interrupt == nil {
		return nil, fmt.Errorf("%w: thread %s has status %s", ErrNoInterrupt, threadID, inst.Status)
	}

	step := wf.step(inst.Interrupt.StepID)
	if step == nil {
		return nil, fmt.Errorf("interrupted step %q is not part of workflow %s", inst.Interrupt.StepID, wf.def.ID)
	}

	inst.Variables[step.ID+"_response"] = input
	inst.Variables["last_human_response"] = input
	inst.Interrupt = nil
	inst.Status = StatusRunning
	inst.CurrentStep = e.routeAfter(step, inst)
	inst.touch()
	e.emitWorkflow(threadID, inst, emit.WorkflowResumed, map[string]interface{}{"step_id": step.ID})

	return e.drive(ctx, wf, threadID, inst)
}

// Wake re-drives an instance suspended on a wait deadline. If the
// deadline has not passed the instance suspends again.
func (e *Engine) Wake(ctx context.Context, wf *Workflow, threadID string) (*Outcome, error) {
	inst, err := e.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusWaiting {
		return nil, fmt.Errorf("%w: thread %s has status %s", ErrNotWaiting, threadID, inst.Status)
	}
	inst.Status = StatusRunning
	inst.touch()
	return e.drive(ctx, wf, threadID, inst)
}

// FireEvent delivers a named event. An instance waiting on the event
// resumes immediately; otherwise the event is recorded so a future
// wait step falls through.
func (e *Engine) FireEvent(ctx context.Context, wf *Workflow, threadID string, event string) (*Outcome, error) {
	inst, err := e.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	inst.FiredEvents = append(inst.FiredEvents, event)
	inst.touch()

	if inst.Status == StatusWaiting {
		inst.Status = StatusRunning
		return e.drive(ctx, wf, threadID, inst)
	}
	if err := e.checkpoint(ctx, threadID, inst, inst.CurrentStep); err != nil {
		return nil, err
	}
	return e.outcome(inst), nil
}

// Cancel marks a non-terminal instance cancelled and checkpoints it.
func (e *Engine) Cancel(ctx context.Context, threadID string) (*Outcome, error) {
	inst, err := e.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return e.outcome(inst), nil
	}
	inst.Status = StatusCancelled
	inst.Interrupt = nil
	inst.touch()
	if err := e.checkpoint(ctx, threadID, inst, inst.CurrentStep); err != nil {
		return nil, err
	}
	e.emitWorkflow(threadID, inst, emit.WorkflowCancelled, nil)
	e.metrics.RecordInstance(inst.DefinitionID, StatusCancelled)
	return e.outcome(inst), nil
}

// Load returns the latest checkpointed instance for a thread.
func (e *Engine) Load(ctx context.Context, threadID string) (*Instance, error) {
	inst, _, err := e.saver.LoadLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w: thread %s", checkpoint.ErrNotFound, threadID)
		}
		return nil, fmt.Errorf("failed to load instance for thread %s: %w", threadID, err)
	}
	return inst, nil
}

// drive executes steps until the instance blocks or terminates.
func (e *Engine) drive(ctx context.Context, wf *Workflow, threadID string, inst *Instance) (*Outcome, error) {
	for {
		if inst.CurrentStep == "" || inst.CurrentStep == End {
			inst.complete()
			if err := e.checkpoint(ctx, threadID, inst, End); err != nil {
				return nil, err
			}
			e.emitWorkflow(threadID, inst, emit.WorkflowCompleted, nil)
			e.metrics.RecordInstance(wf.def.ID, StatusCompleted)
			return e.outcome(inst), nil
		}

		if e.maxSteps > 0 && len(inst.History) >= e.maxSteps {
			inst.fail("max steps exceeded")
			if err := e.checkpoint(ctx, threadID, inst, inst.CurrentStep); err != nil {
				return nil, err
			}
			e.emitWorkflow(threadID, inst, emit.WorkflowFailed, nil)
			e.metrics.RecordInstance(wf.def.ID, StatusFailed)
			return e.outcome(inst), fmt.Errorf("%w: workflow %s on thread %s", ErrMaxStepsExceeded, wf.def.ID, threadID)
		}

		select {
		case <-ctx.Done():
			inst.fail("cancelled: " + ctx.Err().Error())
			if err := e.checkpoint(ctx, threadID, inst, inst.CurrentStep); err != nil {
				return nil, err
			}
			e.emitWorkflow(threadID, inst, emit.WorkflowFailed, nil)
			e.metrics.RecordInstance(wf.def.ID, StatusFailed)
			return e.outcome(inst), ctx.Err()
		default:
		}

		step := wf.step(inst.CurrentStep)
		if step == nil {
			inst.fail(fmt.Sprintf("step %q is not defined", inst.CurrentStep))
			if err := e.checkpoint(ctx, threadID, inst, inst.CurrentStep); err != nil {
				return nil, err
			}
			e.emitWorkflow(threadID, inst, emit.WorkflowFailed, nil)
			e.metrics.RecordInstance(wf.def.ID, StatusFailed)
			return e.outcome(inst), nil
		}

		stepNo := len(inst.History) + 1
		started := time.Now()
		e.emitStep(threadID, stepNo, step.ID, emit.StepStarted, nil)

		res := e.dispatch(ctx, wf, threadID, inst, step)
		elapsed := time.Since(started)

		entry := HistoryEntry{
			StepID:    step.ID,
			StepType:  step.Type,
			StartedAt: started.UTC(),
			Duration:  elapsed,
			Attempts:  res.attempts,
		}

		switch {
		case res.err != nil:
			entry.Outcome = OutcomeFailed
			entry.Error = res.err.Error()
			inst.History = append(inst.History, entry)
			inst.fail(res.err.Error())
			if err := e.checkpoint(ctx, threadID, inst, step.ID); err != nil {
				return nil, err
			}
			e.emitStep(threadID, stepNo, step.ID, emit.StepFailed, map[string]interface{}{"error": res.err.Error()})
			e.emitWorkflow(threadID, inst, emit.WorkflowFailed, nil)
			e.metrics.RecordStep(wf.def.ID, step.Type, OutcomeFailed, elapsed)
			e.metrics.RecordInstance(wf.def.ID, StatusFailed)
			if ctx.Err() != nil {
				return e.outcome(inst), ctx.Err()
			}
			return e.outcome(inst), nil

		case res.interrupt != nil:
			entry.Outcome = OutcomeInterrupted
			inst.History = append(inst.History, entry)
			inst.Status = StatusWaitingForHuman
			inst.Interrupt = res.interrupt
			inst.touch()
			if err := e.checkpoint(ctx, threadID, inst, step.ID); err != nil {
				return nil, err
			}
			e.emitWorkflow(threadID, inst, emit.WorkflowInterrupted, map[string]interface{}{"step_id": step.ID})
			e.metrics.RecordStep(wf.def.ID, step.Type, OutcomeInterrupted, elapsed)
			e.metrics.RecordInterrupt(wf.def.ID)
			return e.outcome(inst), nil

		case res.waiting:
			entry.Outcome = OutcomeWaiting
			inst.History = append(inst.History, entry)
			inst.Status = StatusWaiting
			inst.touch()
			if err := e.checkpoint(ctx, threadID, inst, step.ID); err != nil {
				return nil, err
			}
			e.emitWorkflow(threadID, inst, emit.WorkflowWaiting, map[string]interface{}{"step_id": step.ID})
			e.metrics.RecordStep(wf.def.ID, step.Type, OutcomeWaiting, elapsed)
			out := e.outcome(inst)
			out.ResumeAt = res.resumeAt
			return out, nil

		default:
			entry.Outcome = OutcomeCompleted
			entry.Next = res.next
			inst.History = append(inst.History, entry)
			inst.CurrentStep = res.next
			inst.touch()
			if err := e.checkpoint(ctx, threadID, inst, step.ID); err != nil {
				return nil, err
			}
			e.emitStep(threadID, stepNo, step.ID, emit.StepCompleted, map[string]interface{}{
				"duration_ms": elapsed.Milliseconds(),
				"next":        res.next,
			})
			e.metrics.RecordStep(wf.def.ID, step.Type, OutcomeCompleted, elapsed)
		}
	}
}

// dispatch routes a step to its handler by type tag.
func (e *Engine) dispatch(ctx context.Context, wf *Workflow, threadID string, inst *Instance, step *Step) stepResult {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout.Std())
		defer cancel()
	}

	switch step.Type {
	case StepAction:
		return e.runAction(ctx, wf, threadID, inst, step)
	case StepCondition:
		return e.runCondition(inst, step)
	case StepHuman:
		return e.runHuman(wf, inst, step)
	case StepWait:
		return e.runWait(inst, step)
	case StepParallel:
		return e.runParallel(ctx, wf, inst, step)
	case StepSwitch:
		return e.runSwitch(inst, step)
	case StepForEach:
		return e.runForEach(ctx, wf, inst, step)
	case StepExtract:
		return e.runExtract(ctx, inst, step)
	default:
		return stepResult{err: newStepError(step, FailureRouting, fmt.Errorf("unknown step type %q", step.Type))}
	}
}

func (e *Engine) runAction(ctx context.Context, wf *Workflow, threadID string, inst *Instance, step *Step) stepResult {
	if e.agents == nil {
		return stepResult{err: newStepError(step, FailureAgent, fmt.Errorf("no agent client configured"))}
	}

	req := agent.TaskRequest{
		ID:          agent.WorkflowTaskID(wf.def.ID, step.ID),
		Instruction: Substitute(step.Instruction, inst.Variables),
		Context: agent.TaskContext{
			WorkflowID:   wf.def.ID,
			WorkflowName: wf.def.Name,
			StepID:       step.ID,
			StepName:     step.Name,
			Variables:    inst.snapshotVariables(),
		},
		StateSnapshot: inst.snapshotVariables(),
	}

	policy := step.retryPolicy()
	var resp *agent.TaskResponse
	var err error
	attempts := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attempts = attempt
		resp, err = e.agents.Execute(ctx, step.Agent, req)
		if err == nil {
			break
		}
		if attempt == policy.MaxAttempts || ctx.Err() != nil {
			break
		}
		e.log.Warn().Err(err).Str("step", step.ID).Int("attempt", attempt).Msg("action failed, retrying")
		e.emitStep(threadID, len(inst.History)+1, step.ID, emit.StepRetried, map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		})
		e.metrics.RecordRetry(wf.def.ID, step.ID)
		select {
		case <-time.After(policy.Delay.Std() * time.Duration(attempt)):
		case <-ctx.Done():
			return stepResult{attempts: attempts, err: newStepError(step, FailureCancelled, ctx.Err())}
		}
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return stepResult{attempts: attempts, err: newStepError(step, FailureCancelled, err)}
		}
		if step.Critical {
			return stepResult{attempts: attempts, err: newStepError(step, FailureCritical, err)}
		}
		inst.Variables[step.ID+"_error"] = err.Error()
		inst.Variables["last_error"] = err.Error()
		e.log.Warn().Err(err).Str("step", step.ID).Msg("non-critical action failed, continuing")
		return stepResult{attempts: attempts, next: e.routeAfter(step, inst)}
	}

	if resp.Interrupted() {
		intr := &Interrupt{
			StepID:      step.ID,
			StepName:    step.Name,
			Description: "agent requested input",
			WorkflowID:  wf.def.ID,
			Context:     map[string]interface{}{},
			Metadata:    step.Metadata,
		}
		if resp.Metadata != nil && resp.Metadata.InterruptData != nil {
			intr.Context = resp.Metadata.InterruptData
		}
		return stepResult{attempts: attempts, interrupt: intr}
	}

	result := resp.Result()
	inst.Variables[step.ID+"_result"] = result
	inst.Variables["last_action_result"] = result
	return stepResult{attempts: attempts, next: e.routeAfter(step, inst)}
}

func (e *Engine) runCondition(inst *Instance, step *Step) stepResult {
	ok, err := evalCondition(step.Condition, inst.Variables)
	if err != nil {
		e.log.Warn().Err(err).Str("step", step.ID).Msg("condition evaluation failed, treating as false")
		ok = false
	}
	if ok {
		return stepResult{next: step.TrueNext}
	}
	return stepResult{next: step.FalseNext}
}

func (e *Engine) runHuman(wf *Workflow, inst *Instance, step *Step) stepResult {
	return stepResult{interrupt: &Interrupt{
		StepID:      step.ID,
		StepName:    step.Name,
		Description: Substitute(step.Instruction, inst.Variables),
		WorkflowID:  wf.def.ID,
		Context:     e.buildContextBundle(inst, step),
		Metadata:    step.Metadata,
	}}
}

// buildContextBundle assembles what the human sees alongside the
// prompt: an explicit context_from allow-list when the step declares
// one, otherwise the results of recent steps.
func (e *Engine) buildContextBundle(inst *Instance, step *Step) map[string]interface{} {
	bundle := make(map[string]interface{})

	if raw, ok := step.Metadata["context_from"]; ok {
		for _, name := range toStringSlice(raw) {
			if v, found := resolvePath(inst.Variables, name); found {
				bundle[name] = v
			}
		}
		return bundle
	}

	recent := inst.History
	if len(recent) > e.contextHistory {
		recent = recent[len(recent)-e.contextHistory:]
	}
	steps := make([]map[string]interface{}, 0, len(recent))
	for _, h := range recent {
		steps = append(steps, map[string]interface{}{
			"step_id": h.StepID,
			"outcome": h.Outcome,
		})
		if v, ok := inst.Variables[h.StepID+"_result"]; ok {
			bundle[h.StepID+"_result"] = v
		}
	}
	bundle["recent_steps"] = steps
	if v, ok := inst.Variables["last_action_result"]; ok {
		bundle["last_action_result"] = v
	}
	return bundle
}

func (e *Engine) runWait(inst *Instance, step *Step) stepResult {
	w := step.Wait

	if w.Event == EventCompile || len(w.CompileFields) > 0 {
		compiled := make(map[string]interface{}, len(w.CompileFields))
		lines := make([]string, 0, len(w.CompileFields))
		for _, field := range w.CompileFields {
			if v, ok := resolvePath(inst.Variables, field); ok {
				compiled[field] = v
				lines = append(lines, field+": "+stringify(v))
			}
		}
		inst.Variables["compiled_results"] = compiled
		inst.Variables["summary"] = strings.Join(lines, "\n")
		return stepResult{next: step.NextStep}
	}

	if w.Deadline > 0 {
		key := step.ID + "_wait_until"
		if raw, ok := inst.Variables[key].(string); ok {
			until, err := time.Parse(time.RFC3339Nano, raw)
			if err == nil {
				if time.Now().Before(until) {
					return stepResult{waiting: true, resumeAt: until}
				}
				delete(inst.Variables, key)
				return stepResult{next: step.NextStep}
			}
		}
		until := time.Now().Add(w.Deadline.Std()).UTC()
		inst.Variables[key] = until.Format(time.RFC3339Nano)
		return stepResult{waiting: true, resumeAt: until}
	}

	if w.Event != "" {
		if inst.eventFired(w.Event) {
			return stepResult{next: step.NextStep}
		}
		return stepResult{waiting: true}
	}

	return stepResult{next: step.NextStep}
}

func (e *Engine) runParallel(ctx context.Context, wf *Workflow, inst *Instance, step *Step) stepResult {
	snapshot := inst.snapshotVariables()

	type slot struct {
		val interface{}
		err error
	}
	slots := make([]slot, len(step.ParallelSteps))

	// A plain group, not WithContext: one substep failing must not
	// cancel its siblings.
	var g errgroup.Group
	for i, subID := range step.ParallelSteps {
		sub := wf.step(subID)
		g.Go(func() error {
			val, err := e.runSubStep(ctx, wf, sub, snapshot)
			slots[i] = slot{val: val, err: err}
			return nil
		})
	}
	_ = g.Wait()

	agg := make(map[string]interface{}, len(slots))
	failed := false
	for i, subID := range step.ParallelSteps {
		s := slots[i]
		if s.err != nil {
			failed = true
			agg[subID] = map[string]interface{}{"error": s.err.Error()}
			e.log.Warn().Err(s.err).Str("substep", subID).Msg("parallel substep failed")
			continue
		}
		agg[subID] = s.val
		inst.Variables[subID+"_result"] = s.val
	}
	inst.Variables[step.ID+"_parallel_results"] = agg

	if failed && step.Critical {
		return stepResult{err: newStepError(step, FailureCritical, fmt.Errorf("parallel substep failed"))}
	}
	return stepResult{next: step.NextStep}
}

func (e *Engine) runSwitch(inst *Instance, step *Step) stepResult {
	for i := range step.Cases {
		c := &step.Cases[i]
		ok, err := evalCondition(&c.Condition, inst.Variables)
		if err != nil {
			e.log.Warn().Err(err).Str("step", step.ID).Int("case", i).Msg("switch case evaluation failed, skipping")
			continue
		}
		if ok {
			return stepResult{next: c.Next}
		}
	}
	if step.DefaultNext != "" {
		return stepResult{next: step.DefaultNext}
	}
	return stepResult{err: newStepError(step, FailureRouting, fmt.Errorf("no case matched and no default_next"))}
}

func (e *Engine) runForEach(ctx context.Context, wf *Workflow, inst *Instance, step *Step) stepResult {
	loop := step.Loop
	coll, ok := resolvePath(inst.Variables, strings.TrimPrefix(loop.Collection, "$"))
	if !ok {
		return stepResult{err: newStepError(step, FailureRouting, fmt.Errorf("collection %q not found", loop.Collection))}
	}
	items, err := collectionItems(coll)
	if err != nil {
		return stepResult{err: newStepError(step, FailureRouting, err)}
	}

	maxIter := loop.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	if len(items) > maxIter {
		items = items[:maxIter]
	}

	iterator := loop.Iterator
	if iterator == "" {
		iterator = "item"
	}
	idxKey := iterator + "_index"
	prevItem, hadItem := inst.Variables[iterator]
	prevIdx, hadIdx := inst.Variables[idxKey]
	restore := func() {
		if hadItem {
			inst.Variables[iterator] = prevItem
		} else {
			delete(inst.Variables, iterator)
		}
		if hadIdx {
			inst.Variables[idxKey] = prevIdx
		} else {
			delete(inst.Variables, idxKey)
		}
	}

	lastID := loop.Steps[len(loop.Steps)-1]
	results := make([]interface{}, 0, len(items))
	for i, item := range items {
		inst.Variables[iterator] = item
		inst.Variables[idxKey] = i

		var iterErr error
		for _, subID := range loop.Steps {
			sub := wf.step(subID)
			val, err := e.runSubStep(ctx, wf, sub, inst.Variables)
			if err != nil {
				if ctx.Err() != nil {
					restore()
					return stepResult{err: newStepError(step, FailureCancelled, ctx.Err())}
				}
				iterErr = err
				e.log.Warn().Err(err).Str("substep", subID).Int("iteration", i).Msg("loop substep failed")
				break
			}
			inst.Variables[subID+"_result"] = val
		}
		if iterErr != nil {
			results = append(results, map[string]interface{}{"error": iterErr.Error()})
			continue
		}
		results = append(results, inst.Variables[lastID+"_result"])
	}

	restore()
	inst.Variables[step.ID+"_results"] = results
	return stepResult{next: step.NextStep}
}

func (e *Engine) runExtract(ctx context.Context, inst *Instance, step *Step) stepResult {
	out, err := e.extract(ctx, step, inst.Variables)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return stepResult{err: newStepError(step, FailureCancelled, err)}
		}
		if step.Critical {
			return stepResult{err: newStepError(step, FailureExtraction, err)}
		}
		inst.Variables[step.ID+"_error"] = err.Error()
		inst.Variables["last_error"] = err.Error()
		e.log.Warn().Err(err).Str("step", step.ID).Msg("non-critical extraction failed, continuing")
		return stepResult{next: e.routeAfter(step, inst)}
	}
	inst.Variables[step.ID+"_result"] = out
	return stepResult{next: e.routeAfter(step, inst)}
}

func (e *Engine) extract(ctx context.Context, step *Step, vars map[string]interface{}) (interface{}, error) {
	if e.extractor == nil {
		return nil, fmt.Errorf("no extractor configured")
	}
	spec := step.Extract
	src, ok := resolvePath(vars, strings.TrimPrefix(spec.Source, "$"))
	if !ok {
		return nil, fmt.Errorf("extract source %q not found", spec.Source)
	}
	var schema map[string]interface{}
	if spec.Schema != "" {
		schema = e.schemas[spec.Schema]
	}
	return e.extractor.Extract(ctx, stringify(src), Substitute(spec.Prompt, vars), schema)
}

// runSubStep executes a step inline for parallel fan-out and for_each
// bodies: no routing, no history entry, result returned to the caller.
func (e *Engine) runSubStep(ctx context.Context, wf *Workflow, sub *Step, vars map[string]interface{}) (interface{}, error) {
	if sub == nil {
		return nil, fmt.Errorf("substep is not defined")
	}
	switch sub.Type {
	case StepAction:
		if e.agents == nil {
			return nil, fmt.Errorf("no agent client configured")
		}
		req := agent.TaskRequest{
			ID:          agent.WorkflowTaskID(wf.def.ID, sub.ID),
			Instruction: Substitute(sub.Instruction, vars),
			Context: agent.TaskContext{
				WorkflowID:   wf.def.ID,
				WorkflowName: wf.def.Name,
				StepID:       sub.ID,
				StepName:     sub.Name,
				Variables:    vars,
			},
		}
		policy := sub.retryPolicy()
		var resp *agent.TaskResponse
		var err error
		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			resp, err = e.agents.Execute(ctx, sub.Agent, req)
			if err == nil {
				break
			}
			if attempt == policy.MaxAttempts || ctx.Err() != nil {
				break
			}
			select {
			case <-time.After(policy.Delay.Std() * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err != nil {
			return nil, err
		}
		if resp.Interrupted() {
			return nil, fmt.Errorf("substep %q requested an interrupt; interrupts are only supported at the top level", sub.ID)
		}
		return resp.Result(), nil
	case StepExtract:
		return e.extract(ctx, sub, vars)
	case StepCondition:
		return evalCondition(sub.Condition, vars)
	default:
		return nil, fmt.Errorf("step type %q cannot run as a substep", sub.Type)
	}
}

// routeAfter resolves the successor of an action, extract, or human
// step: an on_complete conditional route when declared, else
// next_step.
func (e *Engine) routeAfter(step *Step, inst *Instance) string {
	if step.OnComplete == nil {
		return step.NextStep
	}
	ok, err := evalCondition(&step.OnComplete.Condition, inst.Variables)
	if err != nil {
		e.log.Warn().Err(err).Str("step", step.ID).Msg("on_complete condition failed, treating as false")
		ok = false
	}
	if ok {
		return step.OnComplete.TrueNext
	}
	return step.OnComplete.FalseNext
}

func (e *Engine) checkpoint(ctx context.Context, threadID string, inst *Instance, stepID string) error {
	if err := e.saver.SaveStep(ctx, threadID, len(inst.History), stepID, inst); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (e *Engine) outcome(inst *Instance) *Outcome {
	out := &Outcome{
		Status:    inst.Status,
		Instance:  inst,
		Interrupt: inst.Interrupt,
		Error:     inst.FailureCause,
	}
	if inst.Status == StatusCompleted {
		if v, ok := inst.Variables["last_action_result"]; ok {
			out.Result = stringify(v)
		}
	}
	return out
}

func (e *Engine) emitStep(threadID string, stepNo int, stepID, msg string, meta map[string]interface{}) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(emit.Event{
		ThreadID: threadID,
		Step:     stepNo,
		StepID:   stepID,
		Msg:      msg,
		Meta:     meta,
	})
}

func (e *Engine) emitWorkflow(threadID string, inst *Instance, msg string, meta map[string]interface{}) {
	if e.emitter == nil {
		return
	}
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["workflow"] = inst.DefinitionID
	meta["status"] = string(inst.Status)
	e.emitter.Emit(emit.Event{
		ThreadID: threadID,
		Step:     len(inst.History),
		Msg:      msg,
		Meta:     meta,
	})
}

// retryPolicy returns the step's policy or the default, normalizing
// non-positive attempt counts.
func (s *Step) retryPolicy() RetryPolicy {
	if s.Retry == nil {
		return DefaultRetryPolicy
	}
	p := *s.Retry
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	return p
}

// collectionItems coerces a variable into an iterable slice: slices
// pass through, maps iterate values in key order, and strings that
// parse as JSON arrays are decoded.
func collectionItems(v interface{}) ([]interface{}, error) {
	switch c := v.(type) {
	case []interface{}:
		return c, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			items = append(items, c[k])
		}
		return items, nil
	case string:
		var items []interface{}
		if err := json.Unmarshal([]byte(strings.TrimSpace(c)), &items); err != nil {
			return nil, fmt.Errorf("collection is a string that is not a JSON array")
		}
		return items, nil
	default:
		return nil, fmt.Errorf("value of type %T is not iterable", v)
	}
}

func toStringSlice(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return []string{s}
	default:
		return nil
	}
}
