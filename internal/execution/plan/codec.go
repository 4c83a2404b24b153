package plan

import (
	"encoding/json"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

// MarshalExecutionPlan serializes an execution plan with stable field names.
// Step functions are not part of the payload; a receiver binds plan steps to
// code through its own pipeline catalog.
func MarshalExecutionPlan(plan domain.ExecutionPlan) ([]byte, error) {
	payload := executionPlanPayload{
		PlanID:       plan.PlanID,
		PipelineName: plan.PipelineName,
		EnableCache:  plan.EnableCache,
		Steps:        make([]executionPlanStepPayload, 0, len(plan.Steps)),
		Groups:       make([]planGroupPayload, 0, len(plan.Groups)),
		Edges:        make([]executionPlanEdgePayload, 0, len(plan.Edges)),
	}
	for _, step := range plan.Steps {
		payload.Steps = append(payload.Steps, executionPlanStepPayload{
			Name:          step.Name,
			Index:         step.Index,
			Group:         step.Group,
			Inputs:        nonNil(step.Inputs),
			Outputs:       nonNil(step.Outputs),
			CachePolicy:   string(step.CachePolicy),
			RetryCount:    step.RetryCount,
			TimeoutMillis: step.Timeout.Milliseconds(),
			Resources:     step.Resources,
		})
	}
	for _, group := range plan.Groups {
		payload.Groups = append(payload.Groups, planGroupPayload{
			Name:  group.Name,
			Steps: nonNil(group.Steps),
		})
	}
	for _, edge := range plan.Edges {
		payload.Edges = append(payload.Edges, executionPlanEdgePayload{
			From:  edge.From,
			To:    edge.To,
			Names: nonNil(edge.Names),
		})
	}
	return json.Marshal(payload)
}

// UnmarshalExecutionPlan parses plan JSON into a domain ExecutionPlan.
func UnmarshalExecutionPlan(raw []byte) (domain.ExecutionPlan, error) {
	var payload executionPlanPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.ExecutionPlan{}, err
	}
	steps := make([]domain.ExecutionPlanStep, 0, len(payload.Steps))
	for _, step := range payload.Steps {
		policy, ok := domain.NormalizeCachePolicy(step.CachePolicy)
		if !ok {
			policy = domain.CachePolicyDisabled
		}
		steps = append(steps, domain.ExecutionPlanStep{
			Name:        step.Name,
			Index:       step.Index,
			Group:       step.Group,
			Inputs:      step.Inputs,
			Outputs:     step.Outputs,
			CachePolicy: policy,
			RetryCount:  step.RetryCount,
			Timeout:     time.Duration(step.TimeoutMillis) * time.Millisecond,
			Resources:   step.Resources,
		})
	}
	groups := make([]domain.PlanGroup, 0, len(payload.Groups))
	for _, group := range payload.Groups {
		groups = append(groups, domain.PlanGroup{Name: group.Name, Steps: group.Steps})
	}
	edges := make([]domain.ExecutionPlanEdge, 0, len(payload.Edges))
	for _, edge := range payload.Edges {
		edges = append(edges, domain.ExecutionPlanEdge{
			From:  edge.From,
			To:    edge.To,
			Names: edge.Names,
		})
	}
	return domain.ExecutionPlan{
		PlanID:       payload.PlanID,
		PipelineName: payload.PipelineName,
		EnableCache:  payload.EnableCache,
		Steps:        steps,
		Groups:       groups,
		Edges:        edges,
	}, nil
}

type executionPlanPayload struct {
	PlanID       string                     `json:"planId"`
	PipelineName string                     `json:"pipelineName"`
	EnableCache  bool                       `json:"enableCache"`
	Steps        []executionPlanStepPayload `json:"steps"`
	Groups       []planGroupPayload         `json:"groups"`
	Edges        []executionPlanEdgePayload `json:"edges"`
}

type executionPlanStepPayload struct {
	Name          string            `json:"name"`
	Index         int               `json:"index"`
	Group         string            `json:"group,omitempty"`
	Inputs        []string          `json:"inputs"`
	Outputs       []string          `json:"outputs"`
	CachePolicy   string            `json:"cachePolicy"`
	RetryCount    int               `json:"retryCount"`
	TimeoutMillis int64             `json:"timeoutMillis"`
	Resources     map[string]string `json:"resources,omitempty"`
}

type planGroupPayload struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
}

type executionPlanEdgePayload struct {
	From  string   `json:"from"`
	To    string   `json:"to"`
	Names []string `json:"names"`
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
