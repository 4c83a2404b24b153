package domain

import (
	"errors"
	"strings"
	"time"
)

// Run is one execution instance of a Pipeline.
type Run struct {
	ID           string
	PipelineName string
	Status       RunStatus
	StartedAt    time.Time
	EndedAt      *time.Time
	StepResults  map[string]StepResult
	// Outputs holds the outputs of terminal steps, keyed by output name.
	Outputs map[string]any
}

// StepResult is the outcome of one step within a run.
type StepResult struct {
	StepName     string
	State        StepState
	Success      bool
	Cached       bool
	Duration     time.Duration
	Err          error
	Error        string
	AttemptCount int
	Fingerprint  string
	OutputRefs   []OutputRef
	Transitions  []StepTransition
}

// OutputRef points at a materialized output in the artifact store.
type OutputRef struct {
	Name       string `json:"name"`
	ArtifactID string `json:"artifactId"`
	URI        string `json:"uri"`
}

type StepTransition struct {
	From StepState
	To   StepState
	At   time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.PipelineName) == "" {
		return errors.New("pipeline name is required")
	}
	if strings.TrimSpace(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}

// Result returns the step result for name.
func (r Run) Result(name string) (StepResult, bool) {
	res, ok := r.StepResults[name]
	return res, ok
}

// FailedSteps returns names of failed steps in unspecified order.
func (r Run) FailedSteps() []string {
	out := make([]string, 0)
	for name, res := range r.StepResults {
		if res.State == StepStateFailed {
			out = append(out, name)
		}
	}
	return out
}

// OutputRefsByName indexes the refs of a step result.
func (r StepResult) OutputRefsByName() map[string]OutputRef {
	out := make(map[string]OutputRef, len(r.OutputRefs))
	for _, ref := range r.OutputRefs {
		out[ref.Name] = ref
	}
	return out
}
