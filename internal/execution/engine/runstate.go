package engine

import (
	"sync"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

// RunState is the output table of one run. Outputs of a step become visible
// to later steps only through publish, which happens after the step's commit.
type RunState struct {
	RunID        string
	PipelineName string

	mu          sync.RWMutex
	outputs     map[string]any
	artifactIDs map[string]string
}

func NewRunState(runID, pipelineName string) *RunState {
	return &RunState{
		RunID:        runID,
		PipelineName: pipelineName,
		outputs:      make(map[string]any),
		artifactIDs:  make(map[string]string),
	}
}

// Output returns a published output value.
func (r *RunState) Output(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.outputs[name]
	return v, ok
}

// ArtifactID returns the artifact id backing a published output.
func (r *RunState) ArtifactID(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.artifactIDs[name]
	return id, ok
}

// Outputs returns a snapshot of every published output.
func (r *RunState) Outputs() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.outputs))
	for k, v := range r.outputs {
		out[k] = v
	}
	return out
}

func (r *RunState) publish(values domain.Outputs, refs []domain.OutputRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, value := range values {
		r.outputs[name] = value
	}
	for _, ref := range refs {
		if ref.ArtifactID != "" {
			r.artifactIDs[ref.Name] = ref.ArtifactID
		}
	}
}
