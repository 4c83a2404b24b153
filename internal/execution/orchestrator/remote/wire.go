package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/orchestrator"
)

type submitRequest struct {
	Plan   json.RawMessage `json:"plan"`
	Params map[string]any  `json:"params,omitempty"`
}

type runStatusPayload struct {
	RunID        string                       `json:"runId"`
	PipelineName string                       `json:"pipelineName,omitempty"`
	Status       orchestrator.ExecutionStatus `json:"status"`
}

type errorPayload struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type runPayload struct {
	RunID        string         `json:"runId"`
	PipelineName string         `json:"pipelineName"`
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
	Steps        []stepPayload  `json:"steps"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	// Unencodable lists terminal outputs that have no JSON form. Their values
	// remain reachable through the step output refs.
	Unencodable []string `json:"unencodable,omitempty"`
}

type stepPayload struct {
	Name         string             `json:"name"`
	State        string             `json:"state"`
	Success      bool               `json:"success"`
	Cached       bool               `json:"cached"`
	DurationMs   int64              `json:"durationMs"`
	AttemptCount int                `json:"attemptCount"`
	Fingerprint  string             `json:"fingerprint,omitempty"`
	Error        string             `json:"error,omitempty"`
	OutputRefs   []domain.OutputRef `json:"outputRefs,omitempty"`
}

func encodeRun(run domain.Run) runPayload {
	out := runPayload{
		RunID:        run.ID,
		PipelineName: run.PipelineName,
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		EndedAt:      run.EndedAt,
		Steps:        make([]stepPayload, 0, len(run.StepResults)),
	}
	names := make([]string, 0, len(run.StepResults))
	for name := range run.StepResults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res := run.StepResults[name]
		out.Steps = append(out.Steps, stepPayload{
			Name:         name,
			State:        string(res.State),
			Success:      res.Success,
			Cached:       res.Cached,
			DurationMs:   res.Duration.Milliseconds(),
			AttemptCount: res.AttemptCount,
			Fingerprint:  res.Fingerprint,
			Error:        res.Error,
			OutputRefs:   res.OutputRefs,
		})
	}
	for name, value := range run.Outputs {
		if _, err := json.Marshal(value); err != nil {
			out.Unencodable = append(out.Unencodable, name)
			continue
		}
		if out.Outputs == nil {
			out.Outputs = make(map[string]any, len(run.Outputs))
		}
		out.Outputs[name] = value
	}
	sort.Strings(out.Unencodable)
	return out
}

func decodeRun(p runPayload) domain.Run {
	run := domain.Run{
		ID:           p.RunID,
		PipelineName: p.PipelineName,
		Status:       domain.RunStatus(p.Status),
		StartedAt:    p.StartedAt,
		EndedAt:      p.EndedAt,
		StepResults:  make(map[string]domain.StepResult, len(p.Steps)),
		Outputs:      make(map[string]any, len(p.Outputs)),
	}
	for _, step := range p.Steps {
		res := domain.StepResult{
			StepName:     step.Name,
			State:        domain.StepState(step.State),
			Success:      step.Success,
			Cached:       step.Cached,
			Duration:     time.Duration(step.DurationMs) * time.Millisecond,
			AttemptCount: step.AttemptCount,
			Fingerprint:  step.Fingerprint,
			Error:        step.Error,
			OutputRefs:   step.OutputRefs,
		}
		if step.Error != "" {
			res.Err = errors.New(step.Error)
		}
		run.StepResults[step.Name] = res
	}
	for name, value := range p.Outputs {
		run.Outputs[name] = normalize(value)
	}
	return run
}

// decodeJSON decodes with json.Number so integral values survive as ints.
func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// normalize converts json.Number values to int when integral, else float64.
func normalize(v any) any {
	switch typed := v.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
			return int(i)
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func normalizeParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = normalize(v)
	}
	return out
}
