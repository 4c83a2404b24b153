package domain

import "time"

// ExecutionPlan is a deterministic plan derived from a Pipeline.
type ExecutionPlan struct {
	PlanID       string
	PipelineName string
	EnableCache  bool
	// Steps are in topological order; ties follow declaration order.
	Steps []ExecutionPlanStep
	// Groups partition Steps into scheduling units, in dispatch order.
	Groups []PlanGroup
	Edges  []ExecutionPlanEdge
}

type ExecutionPlanStep struct {
	Name        string
	Index       int
	Group       string
	Inputs      []string
	Outputs     []string
	CachePolicy CachePolicy
	RetryCount  int
	Timeout     time.Duration
	Resources   map[string]string
}

// PlanGroup is a scheduling unit. Steps run sequentially in the listed order.
type PlanGroup struct {
	Name  string
	Steps []string
}

// ExecutionPlanEdge is a data dependency: From produces Names consumed by To.
type ExecutionPlanEdge struct {
	From  string
	To    string
	Names []string
}

// Step returns the plan entry for the named step.
func (p ExecutionPlan) Step(name string) (ExecutionPlanStep, bool) {
	for _, step := range p.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return ExecutionPlanStep{}, false
}

// StepNames returns step names in plan order.
func (p ExecutionPlan) StepNames() []string {
	out := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		out = append(out, step.Name)
	}
	return out
}

// Predecessors maps each step to the steps it directly depends on.
func (p ExecutionPlan) Predecessors() map[string][]string {
	out := make(map[string][]string, len(p.Steps))
	for _, edge := range p.Edges {
		out[edge.To] = append(out[edge.To], edge.From)
	}
	return out
}

// Dependents maps each step to the steps that directly depend on it.
func (p ExecutionPlan) Dependents() map[string][]string {
	out := make(map[string][]string, len(p.Steps))
	for _, edge := range p.Edges {
		out[edge.From] = append(out[edge.From], edge.To)
	}
	return out
}

// TerminalSteps returns steps without dependents, in plan order.
func (p ExecutionPlan) TerminalSteps() []string {
	deps := p.Dependents()
	out := make([]string, 0)
	for _, step := range p.Steps {
		if len(deps[step.Name]) == 0 {
			out = append(out, step.Name)
		}
	}
	return out
}
