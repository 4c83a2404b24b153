package domain

import "strings"

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusRunning), "pending", "started":
		return RunStatusRunning
	case string(RunStatusSucceeded), "success", "completed":
		return RunStatusSucceeded
	case string(RunStatusFailed), "error":
		return RunStatusFailed
	case string(RunStatusCancelled), "canceled":
		return RunStatusCancelled
	default:
		return ""
	}
}

// Done reports whether the run reached a final status.
func (s RunStatus) Done() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// StepState is the position of one step-in-run in the execution state machine.
type StepState string

const (
	StepStatePending    StepState = "pending"
	StepStateCacheCheck StepState = "cache_check"
	StepStateCachedDone StepState = "cached_done"
	StepStateRunning    StepState = "running"
	StepStateRetrying   StepState = "retrying"
	StepStateSucceeded  StepState = "succeeded"
	StepStateFailed     StepState = "failed"
	StepStateSkipped    StepState = "skipped"
	StepStateCancelled  StepState = "cancelled"
)

var stepTransitions = map[StepState][]StepState{
	StepStatePending:    {StepStateCacheCheck, StepStateSkipped, StepStateCancelled},
	StepStateCacheCheck: {StepStateCachedDone, StepStateRunning, StepStateFailed, StepStateCancelled},
	StepStateRunning:    {StepStateSucceeded, StepStateRetrying, StepStateFailed, StepStateCancelled},
	StepStateRetrying:   {StepStateRunning, StepStateCancelled},
}

// CanTransitionStep enforces the step state machine.
func CanTransitionStep(current, next StepState) bool {
	for _, allowed := range stepTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Succeeded reports whether downstream steps may consume this step's outputs.
func (s StepState) Succeeded() bool {
	return s == StepStateSucceeded || s == StepStateCachedDone
}

// Final reports whether no further transition is possible.
func (s StepState) Final() bool {
	switch s {
	case StepStateCachedDone, StepStateSucceeded, StepStateFailed, StepStateSkipped, StepStateCancelled:
		return true
	default:
		return false
	}
}

// NormalizeStepState maps free-form values to canonical step states.
func NormalizeStepState(value string) StepState {
	state := StepState(strings.ToLower(strings.TrimSpace(value)))
	switch state {
	case StepStatePending, StepStateCacheCheck, StepStateCachedDone, StepStateRunning,
		StepStateRetrying, StepStateSucceeded, StepStateFailed, StepStateSkipped, StepStateCancelled:
		return state
	default:
		return ""
	}
}
