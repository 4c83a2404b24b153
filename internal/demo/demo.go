// Package demo declares the pipelines shipped with the binaries.
package demo

import (
	"context"
	"fmt"
	"reflect"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/orchestrator"
	"github.com/animus-labs/animus-pipelines/internal/execution/params"
)

const (
	LoadDoubleName = "load-double"
	StatsName      = "stats"
)

// LoadDouble loads a fixed series and multiplies it by factor (default 2).
func LoadDouble() (*domain.Pipeline, error) {
	p := domain.NewPipeline(LoadDoubleName, map[string]any{"factor": 2}, true)
	steps := []domain.Step{
		{
			Name:        "load",
			Version:     "1",
			Outputs:     []string{"values"},
			CachePolicy: domain.CachePolicyCodeHash,
			Func: func(_ context.Context, in domain.StepInput) (domain.Outputs, error) {
				if in.Run.Logger != nil {
					in.Run.Logger.Info("loading series")
				}
				return domain.Outputs{"values": []int{1, 2, 3, 4, 5}}, nil
			},
		},
		{
			Name:        "double",
			Version:     "1",
			Inputs:      []string{"values", "factor"},
			Outputs:     []string{"result"},
			CachePolicy: domain.CachePolicyInputHash,
			Types:       map[string]reflect.Type{"factor": reflect.TypeOf(0)},
			Func: func(_ context.Context, in domain.StepInput) (domain.Outputs, error) {
				values, err := params.Arg[[]int](in, "values")
				if err != nil {
					return nil, err
				}
				factor, err := params.Arg[int](in, "factor")
				if err != nil {
					return nil, err
				}
				out := make([]int, len(values))
				for i, v := range values {
					out[i] = v * factor
				}
				return domain.Outputs{"result": out}, nil
			},
		},
	}
	for _, step := range steps {
		if err := p.AddStep(step); err != nil {
			return nil, fmt.Errorf("%s: %w", LoadDoubleName, err)
		}
	}
	return p, nil
}

// Stats computes the mean of a series; count and sum run as parallel branches. The
// series defaults to 1..10 and may be overridden with the "series" parameter.
func Stats() (*domain.Pipeline, error) {
	p := domain.NewPipeline(StatsName, nil, true)
	steps := []domain.Step{
		{
			Name:     "source",
			Version:  "1",
			Inputs:   []string{"series"},
			Outputs:  []string{"series_values"},
			Defaults: map[string]any{"series": []any{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
			Func: func(_ context.Context, in domain.StepInput) (domain.Outputs, error) {
				raw, _ := in.Get("series")
				values, err := toFloats(raw)
				if err != nil {
					return nil, err
				}
				return domain.Outputs{"series_values": values}, nil
			},
		},
		{
			Name:    "count",
			Version: "1",
			Inputs:  []string{"series_values"},
			Outputs: []string{"count"},
			Func: func(_ context.Context, in domain.StepInput) (domain.Outputs, error) {
				values := params.MustArg[[]float64](in, "series_values")
				return domain.Outputs{"count": len(values)}, nil
			},
		},
		{
			Name:    "sum",
			Version: "1",
			Inputs:  []string{"series_values"},
			Outputs: []string{"sum"},
			Func: func(_ context.Context, in domain.StepInput) (domain.Outputs, error) {
				total := 0.0
				for _, v := range params.MustArg[[]float64](in, "series_values") {
					total += v
				}
				return domain.Outputs{"sum": total}, nil
			},
		},
		{
			Name:    "mean",
			Version: "1",
			Inputs:  []string{"count", "sum"},
			Outputs: []string{"mean"},
			Func: func(_ context.Context, in domain.StepInput) (domain.Outputs, error) {
				count := params.MustArg[int](in, "count")
				if count == 0 {
					return nil, fmt.Errorf("empty series")
				}
				return domain.Outputs{"mean": params.MustArg[float64](in, "sum") / float64(count)}, nil
			},
		},
	}
	for _, step := range steps {
		if err := p.AddStep(step); err != nil {
			return nil, fmt.Errorf("%s: %w", StatsName, err)
		}
	}
	return p, nil
}

// Catalog registers the named demo pipelines, or all of them when none are
// named.
func Catalog(only ...string) (*orchestrator.Catalog, error) {
	builders := map[string]func() (*domain.Pipeline, error){
		LoadDoubleName: LoadDouble,
		StatsName:      Stats,
	}
	if len(only) == 0 {
		only = []string{LoadDoubleName, StatsName}
	}
	pipelines := make([]*domain.Pipeline, 0, len(only))
	for _, name := range only {
		build, ok := builders[name]
		if !ok {
			return nil, fmt.Errorf("unknown demo pipeline %q", name)
		}
		p, err := build()
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return orchestrator.NewCatalog(pipelines...)
}

// toFloats accepts numeric slices as they arrive from Go callers or from
// decoded JSON parameters.
func toFloats(raw any) ([]float64, error) {
	switch v := raw.(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, nil
	case []any:
		out := make([]float64, len(v))
		for i, item := range v {
			switch n := item.(type) {
			case int:
				out[i] = float64(n)
			case int64:
				out[i] = float64(n)
			case float64:
				out[i] = n
			default:
				return nil, fmt.Errorf("series[%d]: expected number, got %T", i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("series: expected a list of numbers, got %T", raw)
	}
}
