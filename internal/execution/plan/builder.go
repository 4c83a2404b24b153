package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/specvalidator"
)

// BuildPlan generates a deterministic execution plan from a Pipeline and the
// run parameters. Inputs may also be satisfied by the pipeline's own context.
func BuildPlan(p *domain.Pipeline, params map[string]any) (domain.ExecutionPlan, error) {
	if err := specvalidator.ValidatePipeline(p, params); err != nil {
		return domain.ExecutionPlan{}, err
	}

	steps := p.Steps()
	edges := p.DependencyEdges()

	groups, err := orderGroups(steps, edges)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}

	byName := make(map[string]domain.Step, len(steps))
	index := make(map[string]int, len(steps))
	for i, step := range steps {
		byName[step.Name] = step
		index[step.Name] = i
	}

	ordered := make([]domain.ExecutionPlanStep, 0, len(steps))
	for _, group := range groups {
		for _, name := range group.Steps {
			step := byName[name]
			ordered = append(ordered, domain.ExecutionPlanStep{
				Name:        step.Name,
				Index:       index[step.Name],
				Group:       step.Group,
				Inputs:      append([]string(nil), step.Inputs...),
				Outputs:     append([]string(nil), step.Outputs...),
				CachePolicy: step.EffectiveCachePolicy(p.EnableCache),
				RetryCount:  step.RetryCount,
				Timeout:     step.Timeout,
				Resources:   step.Resources,
			})
		}
	}

	return domain.ExecutionPlan{
		PlanID:       uuid.NewString(),
		PipelineName: p.Name,
		EnableCache:  p.EnableCache,
		Steps:        ordered,
		Groups:       groups,
		Edges:        edges,
	}, nil
}

type groupNode struct {
	name    string
	first   int
	members []string
}

// orderGroups contracts execution groups into single nodes and sorts them
// topologically, breaking ties by the declaration index of each group's first
// member. Ungrouped steps are singleton groups.
func orderGroups(steps []domain.Step, edges []domain.ExecutionPlanEdge) ([]domain.PlanGroup, error) {
	issues := &domain.ConfigurationError{}

	keyOf := make(map[string]string, len(steps))
	index := make(map[string]int, len(steps))
	nodes := make(map[string]*groupNode)
	keys := make([]string, 0)
	for i, step := range steps {
		index[step.Name] = i
		key := "step:" + step.Name
		name := step.Name
		if tag := strings.TrimSpace(step.Group); tag != "" {
			key = "group:" + tag
			name = tag
		}
		keyOf[step.Name] = key
		node, ok := nodes[key]
		if !ok {
			node = &groupNode{name: name, first: i}
			nodes[key] = node
			keys = append(keys, key)
		}
		node.members = append(node.members, step.Name)
	}

	inDegree := make(map[string]int, len(nodes))
	adj := make(map[string][]string, len(nodes))
	seenEdge := make(map[[2]string]struct{})
	for _, edge := range edges {
		from := keyOf[edge.From]
		to := keyOf[edge.To]
		if from == to {
			if index[edge.From] > index[edge.To] {
				issues.Add(fmt.Sprintf("execution group %q declares %q before its producer %q", nodes[from].name, edge.To, edge.From))
			}
			continue
		}
		pair := [2]string{from, to}
		if _, ok := seenEdge[pair]; ok {
			continue
		}
		seenEdge[pair] = struct{}{}
		adj[from] = append(adj[from], to)
		inDegree[to]++
	}
	if err := issues.OrNil(); err != nil {
		return nil, err
	}

	ready := make([]string, 0, len(keys))
	for _, key := range keys {
		if inDegree[key] == 0 {
			ready = append(ready, key)
		}
	}
	byFirst := func(list []string) {
		sort.SliceStable(list, func(i, j int) bool {
			return nodes[list[i]].first < nodes[list[j]].first
		})
	}
	byFirst(ready)

	ordered := make([]domain.PlanGroup, 0, len(keys))
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		node := nodes[key]
		ordered = append(ordered, domain.PlanGroup{
			Name:  node.name,
			Steps: append([]string(nil), node.members...),
		})
		for _, next := range adj[key] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				byFirst(ready)
			}
		}
	}

	if len(ordered) != len(keys) {
		stuck := make([]string, 0)
		for _, key := range keys {
			if inDegree[key] > 0 {
				stuck = append(stuck, nodes[key].name)
			}
		}
		issues.Add("execution groups form a cycle: " + strings.Join(stuck, ", "))
		return nil, issues
	}
	return ordered, nil
}
