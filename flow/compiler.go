package flow

// Workflow is a compiled, executable workflow: a validated definition
// with its entry step and step lookup resolved. Compiled workflows are
// immutable and safe to share across engines and goroutines.
type Workflow struct {
	def   *Definition
	entry string
	steps map[string]*Step
}

// Compile validates a definition and prepares it for execution.
// Compilation is the only place definitions are checked; the engine
// trusts a compiled workflow.
func Compile(def *Definition) (*Workflow, error) {
	if def == nil {
		return nil, ErrInvalidDefinition
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	steps := make(map[string]*Step, len(def.Steps))
	for _, s := range def.Steps {
		if s.Name == "" {
			s.Name = s.ID
		}
		steps[s.ID] = s
	}

	return &Workflow{
		def:   def,
		entry: def.Entry(),
		steps: steps,
	}, nil
}

// Definition returns the underlying definition.
func (w *Workflow) Definition() *Definition { return w.def }

// ID returns the definition id.
func (w *Workflow) ID() string { return w.def.ID }

func (w *Workflow) step(id string) *Step { return w.steps[id] }
