package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrMissingParameter = errors.New("missing parameter")
	ErrStepExecution    = errors.New("step execution failed")
	ErrTimeout          = errors.New("step timed out")
	ErrCacheBackend     = errors.New("cache backend error")
)

// ConfigurationError aggregates pipeline declaration issues found before any
// step executes.
type ConfigurationError struct {
	Issues []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Issues) == 0 {
		return "pipeline configuration invalid"
	}
	return "pipeline configuration invalid: " + strings.Join(e.Issues, "; ")
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigurationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ConfigurationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// MissingParameterError lists every parameter of a step that has no source.
type MissingParameterError struct {
	Step string
	// Names are the unresolved parameter names in declared order.
	Names []string
	// Reasons optionally explains a name, e.g. a type mismatch.
	Reasons map[string]string
}

func (e *MissingParameterError) Error() string {
	parts := make([]string, 0, len(e.Names))
	for _, name := range e.Names {
		if reason := e.Reasons[name]; reason != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, reason))
			continue
		}
		parts = append(parts, name)
	}
	return fmt.Sprintf("step %q: unresolved parameters: %s", e.Step, strings.Join(parts, ", "))
}

func (e *MissingParameterError) Is(target error) bool { return target == ErrMissingParameter }

// MissingParameters joins per-step errors in a deterministic order.
type MissingParameters []*MissingParameterError

func (m MissingParameters) Error() string {
	sorted := append(MissingParameters(nil), m...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Step < sorted[j].Step })
	msgs := make([]string, 0, len(sorted))
	for _, err := range sorted {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (m MissingParameters) Unwrap() []error {
	out := make([]error, 0, len(m))
	for _, err := range m {
		out = append(out, err)
	}
	return out
}

func (m MissingParameters) OrNil() error {
	if len(m) == 0 {
		return nil
	}
	return m
}

// StepExecutionError wraps an error raised by step code.
type StepExecutionError struct {
	Step    string
	Attempt int
	Err     error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q attempt %d: %v", e.Step, e.Attempt, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

func (e *StepExecutionError) Is(target error) bool { return target == ErrStepExecution }

// TimeoutError reports a step that exceeded its deadline.
type TimeoutError struct {
	Step    string
	Attempt int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q attempt %d: exceeded timeout %s", e.Step, e.Attempt, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// CacheBackendError wraps a cache persistence failure. It never fails a run.
type CacheBackendError struct {
	Op  string
	Err error
}

func (e *CacheBackendError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheBackendError) Unwrap() error { return e.Err }

func (e *CacheBackendError) Is(target error) bool { return target == ErrCacheBackend }

// IsRetryable reports whether err is eligible for another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStepExecution) || errors.Is(err, ErrTimeout)
}
