package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/repo"
)

// MetadataStore keeps runs, step results, artifacts and lineage in process.
type MetadataStore struct {
	mu        sync.RWMutex
	runs      map[string]domain.Run
	results   map[string][]domain.StepResult
	artifacts map[string]domain.Artifact
	lineage   []domain.LineageEdge
}

func NewMetadataStore() *MetadataStore {
	return &MetadataStore{
		runs:      make(map[string]domain.Run),
		results:   make(map[string][]domain.StepResult),
		artifacts: make(map[string]domain.Artifact),
	}
}

func (s *MetadataStore) RecordRun(_ context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.ID]; ok {
		run.PipelineName = existing.PipelineName
		run.StartedAt = existing.StartedAt
	}
	run.StepResults = nil
	s.runs[run.ID] = run
	return nil
}

func (s *MetadataStore) RecordStepResult(_ context.Context, runID string, result domain.StepResult) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(result.StepName) == "" {
		return errors.New("step name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.results[runID] {
		if existing.StepName == result.StepName {
			return nil
		}
	}
	result.Err = nil
	s.results[runID] = append(s.results[runID], result)
	return nil
}

func (s *MetadataStore) RecordArtifact(_ context.Context, artifact domain.Artifact) error {
	if err := artifact.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[artifact.ID]; !ok {
		s.artifacts[artifact.ID] = artifact
	}
	return nil
}

func (s *MetadataStore) RecordLineage(_ context.Context, edge domain.LineageEdge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	edge.ParentArtifactIDs = append([]string(nil), edge.ParentArtifactIDs...)
	s.lineage = append(s.lineage, edge)
	return nil
}

func (s *MetadataStore) GetRun(_ context.Context, id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *MetadataStore) ListStepResults(_ context.Context, runID string) ([]domain.StepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.StepResult(nil), s.results[runID]...), nil
}

// Lineage returns the recorded edges of a run.
func (s *MetadataStore) Lineage(runID string) []domain.LineageEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LineageEdge, 0)
	for _, edge := range s.lineage {
		if edge.RunID == runID {
			out = append(out, edge)
		}
	}
	return out
}

// Artifacts returns the recorded artifacts of a run ordered by id.
func (s *MetadataStore) Artifacts(runID string) []domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Artifact, 0)
	for _, artifact := range s.artifacts {
		if artifact.RunID == runID {
			out = append(out, artifact)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CacheStore is an in-process repo.CacheStore.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[repo.CacheKey][]domain.OutputRef
}

func NewCacheStore() *CacheStore {
	return &CacheStore{entries: make(map[repo.CacheKey][]domain.OutputRef)}
}

func (s *CacheStore) Put(_ context.Context, key repo.CacheKey, refs []domain.OutputRef) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]domain.OutputRef(nil), refs...)
	return nil
}

func (s *CacheStore) Get(_ context.Context, key repo.CacheKey) ([]domain.OutputRef, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]domain.OutputRef(nil), refs...), true, nil
}

// Len reports the number of cache entries.
func (s *CacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
