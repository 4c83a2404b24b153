package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

type StepResultStore struct {
	db  DB
	now func() time.Time
}

const (
	insertStepResultQuery = `INSERT INTO step_results (
		run_id,
		step_name,
		state,
		success,
		cached,
		duration_ms,
		attempt_count,
		fingerprint,
		error_message,
		output_refs,
		recorded_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (run_id, step_name) DO NOTHING`

	listStepResultsByRunQuery = `SELECT step_name, state, success, cached, duration_ms, attempt_count, fingerprint, error_message, output_refs
	 FROM step_results
	 WHERE run_id = $1
	 ORDER BY recorded_at ASC, step_name ASC`
)

func NewStepResultStore(db DB) *StepResultStore {
	if db == nil {
		return nil
	}
	return &StepResultStore{db: db, now: time.Now}
}

// RecordStepResult stores the terminal result of a step. A result is written
// once per run and step; replays are ignored.
func (s *StepResultStore) RecordStepResult(ctx context.Context, runID string, result domain.StepResult) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step result store not initialized")
	}
	runID = strings.TrimSpace(runID)
	stepName := strings.TrimSpace(result.StepName)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if stepName == "" {
		return fmt.Errorf("step name is required")
	}
	if domain.NormalizeStepState(string(result.State)) == "" {
		return fmt.Errorf("step state unsupported: %q", result.State)
	}
	refsJSON, err := encodeRefs(result.OutputRefs)
	if err != nil {
		return fmt.Errorf("encode output refs: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		insertStepResultQuery,
		runID,
		stepName,
		string(result.State),
		result.Success,
		result.Cached,
		result.Duration.Milliseconds(),
		result.AttemptCount,
		nullIfEmpty(result.Fingerprint),
		nullIfEmpty(result.Error),
		refsJSON,
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}
	return nil
}

func (s *StepResultStore) ListByRun(ctx context.Context, runID string) ([]domain.StepResult, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step result store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listStepResultsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepResult, 0)
	for rows.Next() {
		var res domain.StepResult
		var state string
		var durationMs int64
		var fingerprint sql.NullString
		var errorMessage sql.NullString
		var refsJSON []byte
		if err := rows.Scan(&res.StepName, &state, &res.Success, &res.Cached, &durationMs, &res.AttemptCount, &fingerprint, &errorMessage, &refsJSON); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		res.State = domain.NormalizeStepState(state)
		res.Duration = time.Duration(durationMs) * time.Millisecond
		res.Fingerprint = fingerprint.String
		res.Error = errorMessage.String
		if res.OutputRefs, err = decodeRefs(refsJSON); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	return out, nil
}
