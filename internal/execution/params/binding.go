package params

import (
	"fmt"
	"reflect"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

// Source identifies where a parameter value comes from.
type Source string

const (
	SourceOutput  Source = "output"
	SourceContext Source = "context"
	SourceDefault Source = "default"
)

// Binding fixes the source of one formal parameter.
type Binding struct {
	Name   string
	Source Source
	// Producer is the step producing the value when Source is SourceOutput.
	Producer string
	// Value holds the context or default value. Output values are looked up
	// at call time.
	Value any
	// Type is the declared annotation, if any.
	Type reflect.Type
}

// StepBinding is the ordered argument list of one step.
type StepBinding struct {
	Step   string
	Params []Binding
}

// Bindings maps step names to their argument lists.
type Bindings map[string]StepBinding

// Bind resolves, once per step, the source of every formal parameter by
// priority: an upstream output, then the effective context, then the declared
// default. Every unresolved name of every step is reported.
func Bind(p *domain.Pipeline, effective map[string]any) (Bindings, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	producers := p.Producers()
	out := make(Bindings)
	var missing domain.MissingParameters

	for _, step := range p.Steps() {
		binding := StepBinding{Step: step.Name, Params: make([]Binding, 0, len(step.Inputs))}
		var unresolved *domain.MissingParameterError
		addMissing := func(name, reason string) {
			if unresolved == nil {
				unresolved = &domain.MissingParameterError{Step: step.Name}
			}
			unresolved.Names = append(unresolved.Names, name)
			if reason != "" {
				if unresolved.Reasons == nil {
					unresolved.Reasons = make(map[string]string)
				}
				unresolved.Reasons[name] = reason
			}
		}

		for _, name := range step.Inputs {
			declared := step.Types[name]
			if producer, ok := producers[name]; ok && producer != step.Name {
				binding.Params = append(binding.Params, Binding{Name: name, Source: SourceOutput, Producer: producer, Type: declared})
				continue
			}

			reason := ""
			if value, ok := effective[name]; ok {
				if typeMatches(declared, value) {
					binding.Params = append(binding.Params, Binding{Name: name, Source: SourceContext, Value: value, Type: declared})
					continue
				}
				reason = mismatchReason(declared, value)
			}

			if value, ok := step.Default(name); ok {
				binding.Params = append(binding.Params, Binding{Name: name, Source: SourceDefault, Value: value, Type: declared})
				continue
			}
			addMissing(name, reason)
		}

		if unresolved != nil {
			missing = append(missing, unresolved)
			continue
		}
		out[step.Name] = binding
	}

	if err := missing.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

func typeMatches(declared reflect.Type, value any) bool {
	if declared == nil {
		return true
	}
	if value == nil {
		switch declared.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return true
		default:
			return false
		}
	}
	return reflect.TypeOf(value).AssignableTo(declared)
}

func mismatchReason(declared reflect.Type, value any) string {
	if value == nil {
		return fmt.Sprintf("expected %s, got nil", declared)
	}
	return fmt.Sprintf("expected %s, got %T", declared, value)
}
