package specvalidator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

func TestValidatePipeline(t *testing.T) {
	tests := []struct {
		name     string
		pipeline *domain.Pipeline
		params   map[string]any
		wantErr  string
	}{
		{
			name:     "ok minimal pipeline",
			pipeline: pipelineOf(t, step("load", nil, []string{"data"}), step("double", []string{"data"}, []string{"result"})),
		},
		{
			name:     "input satisfied by context",
			pipeline: pipelineOf(t, step("scale", []string{"factor"}, []string{"scaled"})),
			params:   map[string]any{"factor": 2},
		},
		{
			name: "input satisfied by default",
			pipeline: pipelineOf(t, withDefault(step("scale", []string{"factor"}, []string{"scaled"}), "factor", 3)),
		},
		{
			name:     "input satisfied by pipeline context",
			pipeline: contextPipeline(t, map[string]any{"factor": 2}, step("scale", []string{"factor"}, []string{"scaled"})),
		},
		{
			name:     "output name with separator",
			pipeline: pipelineOf(t, step("load", nil, []string{"../escape"})),
			wantErr:  `step[load] output "../escape" must not contain path separators`,
		},
		{
			name:     "dot output name",
			pipeline: pipelineOf(t, step("load", nil, []string{".."})),
			wantErr:  `step[load] output ".." must not contain path separators`,
		},
		{
			name:     "step name with separator",
			pipeline: pipelineOf(t, step("a/b", nil, []string{"x"})),
			wantErr:  `step name "a/b" must not contain path separators`,
		},
		{
			name:     "unresolved input",
			pipeline: pipelineOf(t, step("scale", []string{"factor"}, []string{"scaled"})),
			wantErr:  `step[scale] unresolved input "factor"`,
		},
		{
			name:     "duplicate output",
			pipeline: pipelineOf(t, step("a", nil, []string{"x"}), step("b", nil, []string{"x"})),
			wantErr:  `duplicate output name "x" declared by "a" and "b"`,
		},
		{
			name:     "cycle detected",
			pipeline: pipelineOf(t, step("a", []string{"y"}, []string{"x"}), step("b", []string{"x"}, []string{"y"})),
			wantErr:  "dependency graph contains a cycle: a -> b -> a",
		},
		{
			name:     "self cycle",
			pipeline: pipelineOf(t, step("a", []string{"x"}, []string{"x"})),
			wantErr:  "dependency graph contains a cycle: a -> a",
		},
		{
			name:     "empty pipeline",
			pipeline: domain.NewPipeline("empty", nil, false),
			wantErr:  "pipeline must contain at least one step",
		},
		{
			name:    "nil pipeline",
			wantErr: "pipeline is required",
		},
	}

	for _, tt := range tests {
		err := ValidatePipeline(tt.pipeline, tt.params)
		if tt.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			continue
		}
		if err == nil {
			t.Fatalf("%s: expected error containing %q", tt.name, tt.wantErr)
		}
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %T", tt.name, err)
		}
		if !strings.Contains(err.Error(), tt.wantErr) {
			t.Fatalf("%s: expected %q in %q", tt.name, tt.wantErr, err.Error())
		}
	}
}

func TestValidatePipelineCollectsAllIssues(t *testing.T) {
	p := pipelineOf(t,
		step("a", []string{"missing-1"}, []string{"x"}),
		step("b", []string{"missing-2"}, []string{"x"}),
	)
	err := ValidatePipeline(p, nil)
	var cfg *domain.ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if len(cfg.Issues) != 3 {
		t.Fatalf("expected 3 issues, got %d: %v", len(cfg.Issues), cfg.Issues)
	}
}

func pipelineOf(t *testing.T, steps ...domain.Step) *domain.Pipeline {
	t.Helper()
	return contextPipeline(t, nil, steps...)
}

func contextPipeline(t *testing.T, params map[string]any, steps ...domain.Step) *domain.Pipeline {
	t.Helper()
	p := domain.NewPipeline("test", params, false)
	for _, s := range steps {
		if err := p.AddStep(s); err != nil {
			t.Fatalf("add step %s: %v", s.Name, err)
		}
	}
	return p
}

func step(name string, inputs, outputs []string) domain.Step {
	return domain.Step{
		Name:    name,
		Func:    noop,
		Inputs:  inputs,
		Outputs: outputs,
	}
}

func withDefault(s domain.Step, name string, value any) domain.Step {
	if s.Defaults == nil {
		s.Defaults = map[string]any{}
	}
	s.Defaults[name] = value
	return s
}

func noop(context.Context, domain.StepInput) (domain.Outputs, error) {
	return domain.Outputs{}, nil
}
