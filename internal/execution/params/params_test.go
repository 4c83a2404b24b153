package params

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

type outputMap map[string]any

func (m outputMap) Output(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func TestContextMergeOverrideWins(t *testing.T) {
	base := NewContext(map[string]any{"lr": 0.1, "epochs": 3})
	merged := base.Merge(map[string]any{"lr": 0.5})

	if v, _ := merged.Get("lr"); v != 0.5 {
		t.Fatalf("expected override to win, got %v", v)
	}
	if v, _ := merged.Get("epochs"); v != 3 {
		t.Fatalf("expected base value, got %v", v)
	}
	if v, _ := base.Get("lr"); v != 0.1 {
		t.Fatalf("base context mutated: %v", v)
	}
	if got := merged.Keys(); !reflect.DeepEqual(got, []string{"epochs", "lr"}) {
		t.Fatalf("unexpected keys: %v", got)
	}
}

func TestBindPriority(t *testing.T) {
	p := domain.NewPipeline("prio", nil, false)
	mustAdd(t, p, domain.Step{Name: "load", Func: noop, Outputs: []string{"data"}})
	mustAdd(t, p, domain.Step{
		Name:     "train",
		Func:     noop,
		Inputs:   []string{"data", "lr", "epochs"},
		Outputs:  []string{"model"},
		Defaults: map[string]any{"data": "ignored", "lr": 0.01, "epochs": 10},
	})

	bindings, err := Bind(p, map[string]any{"data": "ignored-too", "lr": 0.3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := bindings["train"].Params
	want := []Source{SourceOutput, SourceContext, SourceDefault}
	for i, source := range want {
		if got[i].Source != source {
			t.Fatalf("param %s: expected source %s, got %s", got[i].Name, source, got[i].Source)
		}
	}
	if got[0].Producer != "load" {
		t.Fatalf("expected producer load, got %q", got[0].Producer)
	}
}

func TestBindCollectsAllMissing(t *testing.T) {
	p := domain.NewPipeline("missing", nil, false)
	mustAdd(t, p, domain.Step{Name: "a", Func: noop, Inputs: []string{"x", "y"}, Outputs: []string{"out-a"}})
	mustAdd(t, p, domain.Step{
		Name:    "b",
		Func:    noop,
		Inputs:  []string{"count"},
		Outputs: []string{"out-b"},
		Types:   map[string]reflect.Type{"count": reflect.TypeOf(0)},
	})

	_, err := Bind(p, map[string]any{"count": "three"})
	if !errors.Is(err, domain.ErrMissingParameter) {
		t.Fatalf("expected missing parameter error, got %v", err)
	}
	var missing domain.MissingParameters
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingParameters, got %T", err)
	}
	if len(missing) != 2 {
		t.Fatalf("expected errors for 2 steps, got %d", len(missing))
	}
	if !reflect.DeepEqual(missing[0].Names, []string{"x", "y"}) {
		t.Fatalf("expected all names for step a, got %v", missing[0].Names)
	}
	if !strings.Contains(err.Error(), "expected int, got string") {
		t.Fatalf("expected type mismatch reason, got %v", err)
	}
}

func TestBindTypeMismatchFallsBackToDefault(t *testing.T) {
	p := domain.NewPipeline("fallback", nil, false)
	mustAdd(t, p, domain.Step{
		Name:     "a",
		Func:     noop,
		Inputs:   []string{"count"},
		Outputs:  []string{"out"},
		Defaults: map[string]any{"count": 7},
		Types:    map[string]reflect.Type{"count": reflect.TypeOf(0)},
	})

	bindings, err := Bind(p, map[string]any{"count": "seven"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	param := bindings["a"].Params[0]
	if param.Source != SourceDefault || param.Value != 7 {
		t.Fatalf("expected default binding, got %+v", param)
	}
}

func TestResolveOrderAndOutputs(t *testing.T) {
	binding := StepBinding{
		Step: "double",
		Params: []Binding{
			{Name: "data", Source: SourceOutput, Producer: "load"},
			{Name: "factor", Source: SourceContext, Value: 2},
		},
	}
	in, err := Resolve(binding, outputMap{"data": []int{1, 2, 3}}, domain.RunInfo{RunID: "run-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(in.Names(), []string{"data", "factor"}) {
		t.Fatalf("unexpected names: %v", in.Names())
	}
	data, err := Arg[[]int](in, "data")
	if err != nil || !reflect.DeepEqual(data, []int{1, 2, 3}) {
		t.Fatalf("unexpected data arg %v: %v", data, err)
	}
	if _, err := Arg[string](in, "factor"); err == nil {
		t.Fatalf("expected type error for factor")
	}
	if in.Run.RunID != "run-1" {
		t.Fatalf("expected run info to be carried, got %+v", in.Run)
	}
}

func TestResolveMissingOutput(t *testing.T) {
	binding := StepBinding{
		Step: "double",
		Params: []Binding{
			{Name: "data", Source: SourceOutput, Producer: "load"},
			{Name: "labels", Source: SourceOutput, Producer: "label", Type: reflect.TypeOf([]string{})},
		},
	}
	_, err := Resolve(binding, outputMap{"labels": 3}, domain.RunInfo{})
	var missing *domain.MissingParameterError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingParameterError, got %v", err)
	}
	if !reflect.DeepEqual(missing.Names, []string{"data", "labels"}) {
		t.Fatalf("expected both names, got %v", missing.Names)
	}
}

func mustAdd(t *testing.T, p *domain.Pipeline, step domain.Step) {
	t.Helper()
	if err := p.AddStep(step); err != nil {
		t.Fatalf("add step: %v", err)
	}
}

func noop(context.Context, domain.StepInput) (domain.Outputs, error) {
	return domain.Outputs{}, nil
}
