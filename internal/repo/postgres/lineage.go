package postgres

import (
	"context"
	"fmt"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/platform/lineageevent"
)

type LineageStore struct {
	db DB
}

func NewLineageStore(db DB) *LineageStore {
	if db == nil {
		return nil
	}
	return &LineageStore{db: db}
}

func (s *LineageStore) RecordLineage(ctx context.Context, edge domain.LineageEdge) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("lineage store not initialized")
	}
	if err := edge.Validate(); err != nil {
		return err
	}
	_, err := lineageevent.Insert(ctx, s.db, lineageevent.Event{
		OccurredAt:        edge.OccurredAt,
		RunID:             edge.RunID,
		PipelineName:      edge.PipelineName,
		ProducerStep:      edge.ProducerStep,
		ChildArtifactID:   edge.ChildArtifactID,
		ParentArtifactIDs: edge.ParentArtifactIDs,
		Metadata:          edge.Metadata,
	})
	return err
}
