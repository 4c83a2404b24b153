package auditlog

import (
	"context"
	"sort"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

// RunEvent describes a run lifecycle transition. Action is "run.<status>".
func RunEvent(actor, requestID string, run domain.Run) Event {
	occurred := run.StartedAt
	if run.EndedAt != nil {
		occurred = *run.EndedAt
	}
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	if actor == "" {
		actor = "system"
	}

	payload := map[string]any{
		"pipeline": run.PipelineName,
		"status":   string(run.Status),
	}
	if failed := run.FailedSteps(); len(failed) > 0 {
		sort.Strings(failed)
		payload["failed_steps"] = failed
	}
	if run.EndedAt != nil {
		payload["duration_ms"] = run.EndedAt.Sub(run.StartedAt).Milliseconds()
	}
	return Event{
		OccurredAt:   occurred,
		Actor:        actor,
		Action:       "run." + string(run.Status),
		ResourceType: ResourceRun,
		ResourceID:   run.ID,
		RequestID:    requestID,
		Payload:      payload,
	}
}

// Writer inserts events through a Postgres connection.
type Writer struct {
	DB QueryRower
}

func (w Writer) Write(ctx context.Context, event Event) error {
	_, err := Insert(ctx, w.DB, event)
	return err
}
