package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"
)

// CachePolicy selects how a step invocation is fingerprinted.
type CachePolicy string

const (
	// CachePolicyUnset defers to the pipeline-level EnableCache flag.
	CachePolicyUnset     CachePolicy = ""
	CachePolicyCodeHash  CachePolicy = "code_hash"
	CachePolicyInputHash CachePolicy = "input_hash"
	CachePolicyDisabled  CachePolicy = "disabled"
)

// NormalizeCachePolicy maps free-form values to canonical cache policies.
func NormalizeCachePolicy(value string) (CachePolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return CachePolicyUnset, true
	case string(CachePolicyCodeHash), "codehash", "code":
		return CachePolicyCodeHash, true
	case string(CachePolicyInputHash), "inputhash", "input":
		return CachePolicyInputHash, true
	case string(CachePolicyDisabled), "none", "off":
		return CachePolicyDisabled, true
	default:
		return "", false
	}
}

// StepFunc is the callable wrapped by a Step. Returned outputs must be keyed by
// the step's declared output names.
type StepFunc func(ctx context.Context, in StepInput) (Outputs, error)

// RunInfo is the execution-scoped handle passed to step code.
type RunInfo struct {
	RunID        string
	PipelineName string
	StepName     string
	Attempt      int
	Logger       *slog.Logger
}

// StepInput carries the resolved arguments of one step invocation in declared
// input order.
type StepInput struct {
	Run    RunInfo
	names  []string
	values []any
}

func NewStepInput(run RunInfo, names []string, values []any) StepInput {
	return StepInput{
		Run:    run,
		names:  cloneStrings(names),
		values: append([]any(nil), values...),
	}
}

// Names returns the parameter names in declared order.
func (in StepInput) Names() []string {
	return cloneStrings(in.names)
}

// Values returns the resolved argument values in declared order.
func (in StepInput) Values() []any {
	return append([]any(nil), in.values...)
}

// Get returns the resolved value for a parameter name.
func (in StepInput) Get(name string) (any, bool) {
	for i, n := range in.names {
		if n == name {
			return in.values[i], true
		}
	}
	return nil, false
}

// Step is a named unit of work with declared inputs and outputs.
type Step struct {
	Name string
	Func StepFunc
	// Version is part of the implementation identity used by code-based
	// fingerprints. Bump it when the step's behavior changes.
	Version     string
	Inputs      []string
	Outputs     []string
	CachePolicy CachePolicy
	RetryCount  int
	Timeout     time.Duration
	Resources   map[string]string
	Group       string
	Defaults    map[string]any
	Types       map[string]reflect.Type
}

// Clone returns a deep copy of the step's declaration.
func (s Step) Clone() Step {
	out := s
	out.Inputs = cloneStrings(s.Inputs)
	out.Outputs = cloneStrings(s.Outputs)
	out.Resources = cloneStringMap(s.Resources)
	if s.Defaults != nil {
		out.Defaults = make(map[string]any, len(s.Defaults))
		for k, v := range s.Defaults {
			out.Defaults[k] = v
		}
	}
	if s.Types != nil {
		out.Types = make(map[string]reflect.Type, len(s.Types))
		for k, v := range s.Types {
			out.Types[k] = v
		}
	}
	return out
}

// Default returns the declared default value for a parameter.
func (s Step) Default(name string) (any, bool) {
	if s.Defaults == nil {
		return nil, false
	}
	v, ok := s.Defaults[name]
	return v, ok
}

// EffectiveCachePolicy resolves the policy used for this step. An explicit step
// policy wins; an unset policy follows the pipeline flag.
func (s Step) EffectiveCachePolicy(pipelineEnableCache bool) CachePolicy {
	if s.CachePolicy != CachePolicyUnset {
		return s.CachePolicy
	}
	if pipelineEnableCache {
		return CachePolicyInputHash
	}
	return CachePolicyDisabled
}

// ValidateBasicShape performs lightweight checks on a single declaration.
func (s Step) ValidateBasicShape() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("step name is required")
	}
	if s.Func == nil {
		return fmt.Errorf("step %q func is required", s.Name)
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("step %q retry count must be >= 0", s.Name)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("step %q timeout must be >= 0", s.Name)
	}
	if _, ok := NormalizeCachePolicy(string(s.CachePolicy)); !ok {
		return fmt.Errorf("step %q cache policy unsupported: %q", s.Name, s.CachePolicy)
	}
	return nil
}

// Pipeline is a named, ordered collection of steps plus a parameter context.
type Pipeline struct {
	Name        string
	Context     map[string]any
	EnableCache bool

	steps []Step
}

func NewPipeline(name string, params map[string]any, enableCache bool) *Pipeline {
	p := &Pipeline{
		Name:        strings.TrimSpace(name),
		Context:     make(map[string]any, len(params)),
		EnableCache: enableCache,
	}
	for k, v := range params {
		p.Context[k] = v
	}
	return p
}

// AddStep registers a step. The declaration is copied, later changes to the
// caller's value are not observed.
func (p *Pipeline) AddStep(step Step) error {
	if p == nil {
		return errors.New("pipeline is nil")
	}
	if err := step.ValidateBasicShape(); err != nil {
		return err
	}
	for _, existing := range p.steps {
		if existing.Name == step.Name {
			return fmt.Errorf("duplicate step name %q", step.Name)
		}
	}
	p.steps = append(p.steps, step.Clone())
	return nil
}

// Steps returns copies of the registered steps in insertion order.
func (p *Pipeline) Steps() []Step {
	if p == nil {
		return nil
	}
	out := make([]Step, 0, len(p.steps))
	for _, step := range p.steps {
		out = append(out, step.Clone())
	}
	return out
}

// Step returns a copy of the named step.
func (p *Pipeline) Step(name string) (Step, bool) {
	if p == nil {
		return Step{}, false
	}
	for _, step := range p.steps {
		if step.Name == name {
			return step.Clone(), true
		}
	}
	return Step{}, false
}

// StepNameSet returns the set of step names declared in the pipeline.
func (p *Pipeline) StepNameSet() map[string]struct{} {
	names := make(map[string]struct{}, len(p.steps))
	for _, step := range p.steps {
		names[step.Name] = struct{}{}
	}
	return names
}

// ContextSnapshot returns a shallow copy of the pipeline-level context.
func (p *Pipeline) ContextSnapshot() map[string]any {
	out := make(map[string]any, len(p.Context))
	for k, v := range p.Context {
		out[k] = v
	}
	return out
}

// Producers maps each output name to the first step declaring it.
func (p *Pipeline) Producers() map[string]string {
	out := make(map[string]string)
	for _, step := range p.steps {
		for _, name := range step.Outputs {
			if _, exists := out[name]; !exists {
				out[name] = step.Name
			}
		}
	}
	return out
}

// DependencyEdges derives data edges from declared names: A -> B whenever an
// output of A is an input of B. Edges are ordered by consumer, then producer
// declaration order.
func (p *Pipeline) DependencyEdges() []ExecutionPlanEdge {
	producers := p.Producers()
	index := make(map[string]int, len(p.steps))
	for i, step := range p.steps {
		index[step.Name] = i
	}
	edges := make([]ExecutionPlanEdge, 0)
	for _, step := range p.steps {
		byProducer := make(map[string]*ExecutionPlanEdge)
		order := make([]string, 0)
		for _, input := range step.Inputs {
			from, ok := producers[input]
			if !ok {
				continue
			}
			edge, exists := byProducer[from]
			if !exists {
				edge = &ExecutionPlanEdge{From: from, To: step.Name}
				byProducer[from] = edge
				order = append(order, from)
			}
			edge.Names = append(edge.Names, input)
		}
		sortByIndex(order, index)
		for _, from := range order {
			edges = append(edges, *byProducer[from])
		}
	}
	return edges
}

func sortByIndex(names []string, index map[string]int) {
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && index[names[j]] < index[names[j-1]]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
}
