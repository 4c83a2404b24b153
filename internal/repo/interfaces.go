package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-pipelines/internal/domain"
)

var ErrNotFound = errors.New("not found")

// ArtifactStore persists encoded step outputs.
type ArtifactStore interface {
	Save(ctx context.Context, path string, data []byte) (string, error)
	Load(ctx context.Context, uri string) ([]byte, error)
	Exists(ctx context.Context, uri string) (bool, error)
}

// MetadataStore records runs, step results and lineage. It is write-only from
// the engine's point of view.
type MetadataStore interface {
	RecordRun(ctx context.Context, run domain.Run) error
	RecordStepResult(ctx context.Context, runID string, result domain.StepResult) error
	RecordArtifact(ctx context.Context, artifact domain.Artifact) error
	RecordLineage(ctx context.Context, edge domain.LineageEdge) error
}

// CacheStore maps cache keys to the output refs of a committed execution.
type CacheStore interface {
	Put(ctx context.Context, key CacheKey, refs []domain.OutputRef) error
	Get(ctx context.Context, key CacheKey) ([]domain.OutputRef, bool, error)
}

// CacheKey scopes a fingerprint to one step of one pipeline.
type CacheKey struct {
	PipelineName string
	StepName     string
	Fingerprint  string
}

func (k CacheKey) Validate() error {
	if strings.TrimSpace(k.PipelineName) == "" {
		return errors.New("pipeline name is required")
	}
	if strings.TrimSpace(k.StepName) == "" {
		return errors.New("step name is required")
	}
	if strings.TrimSpace(k.Fingerprint) == "" {
		return errors.New("fingerprint is required")
	}
	return nil
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.PipelineName, k.StepName, k.Fingerprint)
}

// RunReader is implemented by metadata stores that can load recorded runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListStepResults(ctx context.Context, runID string) ([]domain.StepResult, error)
}
