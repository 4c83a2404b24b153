package state

import (
	"strings"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

// DeriveRunStatus computes the deterministic run status from a plan and the
// step results recorded so far.
//
// A run is Failed when any step failed, Cancelled when any step was cancelled,
// Running while some planned step has no terminal result, and Succeeded
// otherwise. A Skipped step without a Failed ancestor means the run was cut
// short, which also reports Failed.
func DeriveRunStatus(plan *domain.ExecutionPlan, results map[string]domain.StepResult) domain.RunStatus {
	if plan == nil || len(plan.Steps) == 0 {
		return domain.RunStatusRunning
	}

	failedSteps := map[string]struct{}{}
	skippedSteps := map[string]struct{}{}
	cancelled := false
	incomplete := false

	for _, step := range plan.Steps {
		stepName := strings.TrimSpace(step.Name)
		if stepName == "" {
			continue
		}
		result, ok := results[stepName]
		if !ok || !result.State.Final() {
			incomplete = true
			continue
		}
		switch result.State {
		case domain.StepStateFailed:
			failedSteps[stepName] = struct{}{}
		case domain.StepStateSkipped:
			skippedSteps[stepName] = struct{}{}
		case domain.StepStateCancelled:
			cancelled = true
		}
	}

	if len(failedSteps) > 0 {
		return domain.RunStatusFailed
	}
	if cancelled {
		return domain.RunStatusCancelled
	}
	if incomplete {
		return domain.RunStatusRunning
	}
	if len(skippedSteps) > 0 {
		return domain.RunStatusFailed
	}
	return domain.RunStatusSucceeded
}

// SkipsHaveFailedAncestor reports whether every skipped step descends from a
// failed step. It is false for runs aborted under a stop-on-failure policy,
// where independent steps are skipped too.
func SkipsHaveFailedAncestor(plan *domain.ExecutionPlan, results map[string]domain.StepResult) bool {
	if plan == nil {
		return true
	}
	failedSteps := map[string]struct{}{}
	skippedSteps := map[string]struct{}{}
	for name, result := range results {
		switch result.State {
		case domain.StepStateFailed:
			failedSteps[name] = struct{}{}
		case domain.StepStateSkipped:
			skippedSteps[name] = struct{}{}
		}
	}
	if len(skippedSteps) == 0 {
		return true
	}
	deps := reverseDependencies(plan.Edges)
	for step := range skippedSteps {
		if !hasFailedAncestor(step, deps, failedSteps, map[string]struct{}{}) {
			return false
		}
	}
	return true
}

// FailedAncestor returns the first failed ancestor of step, if any.
func FailedAncestor(step string, edges []domain.ExecutionPlanEdge, results map[string]domain.StepResult) (string, bool) {
	deps := reverseDependencies(edges)
	visited := map[string]struct{}{}
	queue := append([]string(nil), deps[step]...)
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		if _, ok := visited[parent]; ok {
			continue
		}
		visited[parent] = struct{}{}
		if results[parent].State == domain.StepStateFailed {
			return parent, true
		}
		queue = append(queue, deps[parent]...)
	}
	return "", false
}

func reverseDependencies(edges []domain.ExecutionPlanEdge) map[string][]string {
	out := make(map[string][]string)
	for _, edge := range edges {
		from := strings.TrimSpace(edge.From)
		to := strings.TrimSpace(edge.To)
		if from == "" || to == "" {
			continue
		}
		out[to] = append(out[to], from)
	}
	return out
}

func hasFailedAncestor(step string, deps map[string][]string, failedSteps map[string]struct{}, visited map[string]struct{}) bool {
	if _, ok := visited[step]; ok {
		return false
	}
	visited[step] = struct{}{}
	for _, parent := range deps[step] {
		if _, ok := failedSteps[parent]; ok {
			return true
		}
		if hasFailedAncestor(parent, deps, failedSteps, visited) {
			return true
		}
	}
	return false
}
