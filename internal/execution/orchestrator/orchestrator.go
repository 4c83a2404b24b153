package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

var (
	// ErrRunNotFound is returned for handles the orchestrator does not know.
	ErrRunNotFound = errors.New("run not found")
	// ErrPipelineNotFound is returned when a plan names a pipeline missing
	// from the catalog.
	ErrPipelineNotFound = errors.New("pipeline not found")
)

// ExecutionStatus is the closed set of run statuses an orchestrator reports.
type ExecutionStatus string

const (
	StatusQueued       ExecutionStatus = "queued"
	StatusInitializing ExecutionStatus = "initializing"
	StatusRunning      ExecutionStatus = "running"
	StatusSucceeded    ExecutionStatus = "succeeded"
	StatusFailed       ExecutionStatus = "failed"
	StatusCancelled    ExecutionStatus = "cancelled"
)

// NormalizeStatus maps a native status string onto the closed set. Unknown
// values map to the empty status.
func NormalizeStatus(native string) ExecutionStatus {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case string(StatusQueued), "pending", "submitted", "scheduled", "waiting":
		return StatusQueued
	case string(StatusInitializing), "starting", "provisioning", "preparing", "created":
		return StatusInitializing
	case string(StatusRunning), "in_progress", "active", "executing":
		return StatusRunning
	case string(StatusSucceeded), "success", "successful", "completed", "complete", "done":
		return StatusSucceeded
	case string(StatusFailed), "failure", "error", "errored":
		return StatusFailed
	case string(StatusCancelled), "canceled", "aborted", "terminated", "stopped":
		return StatusCancelled
	default:
		return ""
	}
}

// Done reports whether the status is final.
func (s ExecutionStatus) Done() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// StatusFromRun maps a run status onto the orchestrator status set.
func StatusFromRun(status domain.RunStatus) ExecutionStatus {
	switch status {
	case domain.RunStatusSucceeded:
		return StatusSucceeded
	case domain.RunStatusFailed:
		return StatusFailed
	case domain.RunStatusCancelled:
		return StatusCancelled
	default:
		return StatusRunning
	}
}

// RunHandle identifies a submitted run.
type RunHandle struct {
	RunID        string `json:"runId"`
	PipelineName string `json:"pipelineName"`
}

// Orchestrator executes plans. Submit returns once the run is accepted; the
// run proceeds independently of the submitting context.
type Orchestrator interface {
	Submit(ctx context.Context, plan domain.ExecutionPlan, params map[string]any) (RunHandle, error)
	Status(ctx context.Context, handle RunHandle) (ExecutionStatus, error)
	Wait(ctx context.Context, handle RunHandle) (domain.Run, error)
	Cancel(ctx context.Context, handle RunHandle) error
}
