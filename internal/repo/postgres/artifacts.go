package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

type ArtifactRecordStore struct {
	db DB
}

const insertArtifactQuery = `INSERT INTO step_artifacts (
		artifact_id,
		run_id,
		pipeline_name,
		producer_step,
		output_name,
		uri,
		content_type,
		sha256,
		size_bytes,
		created_at,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (artifact_id) DO NOTHING`

func NewArtifactRecordStore(db DB) *ArtifactRecordStore {
	if db == nil {
		return nil
	}
	return &ArtifactRecordStore{db: db}
}

func (s *ArtifactRecordStore) RecordArtifact(ctx context.Context, artifact domain.Artifact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact record store not initialized")
	}
	if err := artifact.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(artifact.CreatedAt)
	integrity, err := integritySHA256(struct {
		ID           string    `json:"artifact_id"`
		RunID        string    `json:"run_id"`
		ProducerStep string    `json:"producer_step"`
		OutputName   string    `json:"output_name"`
		URI          string    `json:"uri"`
		SHA256       string    `json:"sha256"`
		SizeBytes    int64     `json:"size_bytes"`
		CreatedAt    time.Time `json:"created_at"`
	}{
		ID:           strings.TrimSpace(artifact.ID),
		RunID:        strings.TrimSpace(artifact.RunID),
		ProducerStep: strings.TrimSpace(artifact.ProducerStep),
		OutputName:   strings.TrimSpace(artifact.OutputName),
		URI:          strings.TrimSpace(artifact.URI),
		SHA256:       strings.TrimSpace(artifact.SHA256),
		SizeBytes:    artifact.SizeBytes,
		CreatedAt:    createdAt,
	})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		insertArtifactQuery,
		strings.TrimSpace(artifact.ID),
		strings.TrimSpace(artifact.RunID),
		strings.TrimSpace(artifact.PipelineName),
		strings.TrimSpace(artifact.ProducerStep),
		strings.TrimSpace(artifact.OutputName),
		strings.TrimSpace(artifact.URI),
		nullIfEmpty(artifact.ContentType),
		strings.TrimSpace(artifact.SHA256),
		artifact.SizeBytes,
		createdAt,
		integrity,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}
