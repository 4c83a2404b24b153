package params

import (
	"fmt"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

// OutputLookup exposes the outputs published so far in a run.
type OutputLookup interface {
	Output(name string) (any, bool)
}

// Resolve materializes a binding into the arguments of one invocation. Output
// bindings are read from the run, checked against their declared type, and
// any failure is reported for every affected name.
func Resolve(binding StepBinding, outputs OutputLookup, run domain.RunInfo) (domain.StepInput, error) {
	names := make([]string, 0, len(binding.Params))
	values := make([]any, 0, len(binding.Params))
	var unresolved *domain.MissingParameterError
	fail := func(name, reason string) {
		if unresolved == nil {
			unresolved = &domain.MissingParameterError{Step: binding.Step, Reasons: make(map[string]string)}
		}
		unresolved.Names = append(unresolved.Names, name)
		unresolved.Reasons[name] = reason
	}

	for _, param := range binding.Params {
		value := param.Value
		if param.Source == SourceOutput {
			v, ok := lookup(outputs, param.Name)
			if !ok {
				fail(param.Name, fmt.Sprintf("output of %q not available", param.Producer))
				continue
			}
			if !typeMatches(param.Type, v) {
				fail(param.Name, mismatchReason(param.Type, v))
				continue
			}
			value = v
		}
		names = append(names, param.Name)
		values = append(values, value)
	}

	if unresolved != nil {
		return domain.StepInput{}, unresolved
	}
	return domain.NewStepInput(run, names, values), nil
}

func lookup(outputs OutputLookup, name string) (any, bool) {
	if outputs == nil {
		return nil, false
	}
	return outputs.Output(name)
}

// Arg returns a resolved argument converted to T.
func Arg[T any](in domain.StepInput, name string) (T, error) {
	var zero T
	raw, ok := in.Get(name)
	if !ok {
		return zero, fmt.Errorf("argument %q not bound", name)
	}
	value, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("argument %q: expected %T, got %T", name, zero, raw)
	}
	return value, nil
}

// MustArg is Arg for arguments whose type is guaranteed by a declared
// annotation. It panics on mismatch; the engine reports panics as step errors.
func MustArg[T any](in domain.StepInput, name string) T {
	value, err := Arg[T](in, name)
	if err != nil {
		panic(err)
	}
	return value
}
