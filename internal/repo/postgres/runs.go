package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

type RunStore struct {
	db DB
}

const (
	upsertRunQuery = `INSERT INTO pipeline_runs (
		run_id,
		pipeline_name,
		status,
		started_at,
		ended_at,
		output_names,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (run_id) DO UPDATE SET
		status = EXCLUDED.status,
		ended_at = EXCLUDED.ended_at,
		output_names = EXCLUDED.output_names,
		integrity_sha256 = EXCLUDED.integrity_sha256`

	selectRunQuery = `SELECT run_id, pipeline_name, status, started_at, ended_at
	 FROM pipeline_runs
	 WHERE run_id = $1`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

// RecordRun inserts a run or updates the status of an existing one. Run
// identity (id, pipeline, start time) never changes.
func (s *RunStore) RecordRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}

	names := make([]string, 0, len(run.Outputs))
	for name := range run.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	namesJSON, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encode output names: %w", err)
	}

	startedAt := normalizeTime(run.StartedAt)
	var endedAt sql.NullTime
	if run.EndedAt != nil {
		endedAt = sql.NullTime{Time: run.EndedAt.UTC(), Valid: true}
	}
	integrity, err := integritySHA256(struct {
		RunID        string     `json:"run_id"`
		PipelineName string     `json:"pipeline_name"`
		Status       string     `json:"status"`
		StartedAt    time.Time  `json:"started_at"`
		EndedAt      *time.Time `json:"ended_at,omitempty"`
		OutputNames  []string   `json:"output_names"`
	}{
		RunID:        strings.TrimSpace(run.ID),
		PipelineName: strings.TrimSpace(run.PipelineName),
		Status:       string(run.Status),
		StartedAt:    startedAt,
		EndedAt:      run.EndedAt,
		OutputNames:  names,
	})
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		upsertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.PipelineName),
		string(run.Status),
		startedAt,
		endedAt,
		namesJSON,
		integrity,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// GetRun loads the run header. Step results are loaded separately.
func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	var run domain.Run
	var status string
	var endedAt sql.NullTime
	row := s.db.QueryRowContext(ctx, selectRunQuery, id)
	if err := row.Scan(&run.ID, &run.PipelineName, &status, &run.StartedAt, &endedAt); err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	run.Status = domain.NormalizeRunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		run.EndedAt = &t
	}
	return run, nil
}
