package postgres

import (
	"context"
	"fmt"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

// MetadataStore combines the run, step result, artifact and lineage stores
// behind repo.MetadataStore and repo.RunReader.
type MetadataStore struct {
	runs      *RunStore
	results   *StepResultStore
	artifacts *ArtifactRecordStore
	lineage   *LineageStore
}

func NewMetadataStore(db DB) (*MetadataStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &MetadataStore{
		runs:      NewRunStore(db),
		results:   NewStepResultStore(db),
		artifacts: NewArtifactRecordStore(db),
		lineage:   NewLineageStore(db),
	}, nil
}

func (m *MetadataStore) RecordRun(ctx context.Context, run domain.Run) error {
	return m.runs.RecordRun(ctx, run)
}

func (m *MetadataStore) RecordStepResult(ctx context.Context, runID string, result domain.StepResult) error {
	return m.results.RecordStepResult(ctx, runID, result)
}

func (m *MetadataStore) RecordArtifact(ctx context.Context, artifact domain.Artifact) error {
	return m.artifacts.RecordArtifact(ctx, artifact)
}

func (m *MetadataStore) RecordLineage(ctx context.Context, edge domain.LineageEdge) error {
	return m.lineage.RecordLineage(ctx, edge)
}

func (m *MetadataStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return m.runs.GetRun(ctx, id)
}

func (m *MetadataStore) ListStepResults(ctx context.Context, runID string) ([]domain.StepResult, error) {
	return m.results.ListByRun(ctx, runID)
}
