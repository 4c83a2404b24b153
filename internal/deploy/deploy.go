// Package deploy reads deployment targets: which orchestrator executes runs
// and which backends hold artifacts, cache entries and run metadata.
package deploy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-pipelines/internal/execution/engine"
	"github.com/animus-labs/animus-pipelines/internal/execution/orchestrator"
)

const SchemaV1 = "animus.deploy.v1"

type File struct {
	Schema        string            `yaml:"schema"`
	DefaultTarget string            `yaml:"default_target,omitempty"`
	Targets       map[string]Target `yaml:"targets"`
}

type Target struct {
	Orchestrator  Component `yaml:"orchestrator"`
	ArtifactStore Component `yaml:"artifact_store"`
	Cache         Component `yaml:"cache,omitempty"`
	Metadata      Component `yaml:"metadata,omitempty"`
	Retry         Retry     `yaml:"retry,omitempty"`
}

// Component selects a registered kind and passes it free-form settings.
type Component struct {
	Kind     string            `yaml:"kind"`
	Settings map[string]string `yaml:"settings,omitempty"`
}

type Retry struct {
	Type       string  `yaml:"type,omitempty"`
	Initial    string  `yaml:"initial,omitempty"`
	Max        string  `yaml:"max,omitempty"`
	Multiplier float64 `yaml:"multiplier,omitempty"`
}

func Parse(input []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(input, &f); err != nil {
		return File{}, fmt.Errorf("decode deployment: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Default is a single in-process target with memory backends.
func Default() File {
	return File{
		Schema:        SchemaV1,
		DefaultTarget: "local",
		Targets: map[string]Target{
			"local": {
				Orchestrator:  Component{Kind: orchestrator.KindLocal},
				ArtifactStore: Component{Kind: KindMemory},
				Cache:         Component{Kind: KindMemory},
				Metadata:      Component{Kind: KindMemory},
			},
		},
	}
}

// LoadOrDefault loads path, or returns Default when path is empty.
func LoadOrDefault(path string) (File, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return Load(path)
}

func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read deployment: %w", err)
	}
	return Parse(raw)
}

// Validate checks structure only. Kinds are checked against the registries
// when a target is resolved.
func (f File) Validate() error {
	if strings.TrimSpace(f.Schema) != SchemaV1 {
		return fmt.Errorf("schema must be %q", SchemaV1)
	}
	if len(f.Targets) == 0 {
		return errors.New("targets must be non-empty")
	}
	if f.DefaultTarget != "" {
		if _, ok := f.Targets[f.DefaultTarget]; !ok {
			return fmt.Errorf("default_target %q is not defined", f.DefaultTarget)
		}
	}
	for _, name := range f.TargetNames() {
		if strings.TrimSpace(name) == "" {
			return errors.New("target name is required")
		}
		if err := f.Targets[name].validate(); err != nil {
			return fmt.Errorf("targets.%s: %w", name, err)
		}
	}
	return nil
}

func (t Target) validate() error {
	if strings.TrimSpace(t.Orchestrator.Kind) == "" {
		return errors.New("orchestrator.kind is required")
	}
	if strings.TrimSpace(t.ArtifactStore.Kind) == "" {
		return errors.New("artifact_store.kind is required")
	}
	if _, err := t.Retry.Policy(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// Target returns the named target, or the default when name is empty.
func (f File) Target(name string) (string, Target, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = f.DefaultTarget
	}
	if name == "" && len(f.Targets) == 1 {
		for only := range f.Targets {
			name = only
		}
	}
	if name == "" {
		return "", Target{}, errors.New("target is required: no default_target configured")
	}
	t, ok := f.Targets[name]
	if !ok {
		return "", Target{}, fmt.Errorf("target %q is not defined (have: %s)", name, strings.Join(f.TargetNames(), ", "))
	}
	return name, t, nil
}

func (f File) TargetNames() []string {
	out := make([]string, 0, len(f.Targets))
	for name := range f.Targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Policy converts the retry block into an engine retry policy.
func (r Retry) Policy() (engine.RetryPolicy, error) {
	policy := engine.RetryPolicy{Type: strings.ToLower(strings.TrimSpace(r.Type)), Multiplier: r.Multiplier}
	switch policy.Type {
	case "":
		policy.Type = engine.BackoffFixed
	case engine.BackoffFixed, engine.BackoffExponential:
	default:
		return engine.RetryPolicy{}, fmt.Errorf("type unsupported: %q", r.Type)
	}
	var err error
	if policy.Initial, err = parseDuration(r.Initial); err != nil {
		return engine.RetryPolicy{}, fmt.Errorf("initial: %w", err)
	}
	if policy.Max, err = parseDuration(r.Max); err != nil {
		return engine.RetryPolicy{}, fmt.Errorf("max: %w", err)
	}
	if r.Multiplier < 0 {
		return engine.RetryPolicy{}, errors.New("multiplier must be >= 0")
	}
	return policy, nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("must be >= 0")
	}
	return d, nil
}

func settings(c Component) orchestrator.Settings {
	return orchestrator.Settings(c.Settings)
}
