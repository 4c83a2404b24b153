package specvalidator

import (
	"fmt"
	"strings"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

// ValidatePipeline performs strict validation of a pipeline declaration
// against the run parameters. An input is resolvable when a step produces it,
// when params or the pipeline's own context carries it, or when the step
// declares a default. All issues are collected into a single
// *domain.ConfigurationError.
func ValidatePipeline(p *domain.Pipeline, params map[string]any) error {
	issues := &domain.ConfigurationError{}
	if p == nil {
		issues.Add("pipeline is required")
		return issues.OrNil()
	}
	if strings.TrimSpace(p.Name) == "" {
		issues.Add("pipeline name is required")
	} else if !isKeySegment(p.Name) {
		issues.Add(fmt.Sprintf("pipeline name %q must not contain path separators", p.Name))
	}

	steps := p.Steps()
	if len(steps) == 0 {
		issues.Add("pipeline must contain at least one step")
		return issues.OrNil()
	}

	stepNames := make(map[string]struct{}, len(steps))
	producers := make(map[string]string)
	for i, step := range steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("step[%d] name is required", i))
			continue
		}
		if _, exists := stepNames[name]; exists {
			issues.Add(fmt.Sprintf("duplicate step name %q", name))
		}
		stepNames[name] = struct{}{}
		if !isKeySegment(name) {
			issues.Add(fmt.Sprintf("step name %q must not contain path separators", name))
		}

		if err := step.ValidateBasicShape(); err != nil {
			issues.Add(err.Error())
		}

		seenInputs := make(map[string]struct{}, len(step.Inputs))
		for _, input := range step.Inputs {
			if strings.TrimSpace(input) == "" {
				issues.Add(fmt.Sprintf("step[%s] input names must be non-empty", name))
				continue
			}
			if _, dup := seenInputs[input]; dup {
				issues.Add(fmt.Sprintf("step[%s] input %q declared twice", name, input))
			}
			seenInputs[input] = struct{}{}
		}

		for _, output := range step.Outputs {
			if strings.TrimSpace(output) == "" {
				issues.Add(fmt.Sprintf("step[%s] output names must be non-empty", name))
				continue
			}
			if !isKeySegment(output) {
				issues.Add(fmt.Sprintf("step[%s] output %q must not contain path separators", name, output))
				continue
			}
			if owner, exists := producers[output]; exists {
				issues.Add(fmt.Sprintf("duplicate output name %q declared by %q and %q", output, owner, name))
				continue
			}
			producers[output] = name
		}
	}

	pipelineContext := p.ContextSnapshot()
	for _, step := range steps {
		for _, input := range step.Inputs {
			if strings.TrimSpace(input) == "" {
				continue
			}
			if _, ok := producers[input]; ok {
				continue
			}
			if _, ok := params[input]; ok {
				continue
			}
			if _, ok := pipelineContext[input]; ok {
				continue
			}
			if _, ok := step.Default(input); ok {
				continue
			}
			issues.Add(fmt.Sprintf("step[%s] unresolved input %q", step.Name, input))
		}
	}

	if cycle := findCycle(steps, p.DependencyEdges()); len(cycle) > 0 {
		issues.Add("dependency graph contains a cycle: " + strings.Join(cycle, " -> "))
	}

	return issues.OrNil()
}

// isKeySegment reports whether name can be used as one segment of an
// artifact object key.
func isKeySegment(name string) bool {
	return name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// findCycle returns the first cycle found, visiting steps in declaration order,
// as a closed path (first element repeated at the end).
func findCycle(steps []domain.Step, edges []domain.ExecutionPlanEdge) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	adj := make(map[string][]string, len(steps))
	for _, edge := range edges {
		adj[edge.From] = append(adj[edge.From], edge.To)
	}

	state := make(map[string]int, len(steps))
	stack := make([]string, 0, len(steps))
	var cycle []string
	var visit func(string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			for i, name := range stack {
				if name == node {
					cycle = append(append([]string(nil), stack[i:]...), node)
					break
				}
			}
			return true
		case done:
			return false
		}
		state[node] = visiting
		stack = append(stack, node)
		for _, next := range adj[node] {
			if visit(next) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		return false
	}

	for _, step := range steps {
		if state[step.Name] == unvisited {
			if visit(step.Name) {
				return cycle
			}
		}
	}
	return nil
}
