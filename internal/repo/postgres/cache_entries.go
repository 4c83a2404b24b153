package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/repo"
)

type CacheEntryStore struct {
	db  DB
	now func() time.Time
}

const (
	// A later commit for the same key replaces refs whose artifacts vanished.
	upsertCacheEntryQuery = `INSERT INTO cache_entries (
		pipeline_name,
		step_name,
		fingerprint,
		output_refs,
		updated_at
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (pipeline_name, step_name, fingerprint) DO UPDATE SET
		output_refs = EXCLUDED.output_refs,
		updated_at = EXCLUDED.updated_at`

	selectCacheEntryQuery = `SELECT output_refs
	 FROM cache_entries
	 WHERE pipeline_name = $1 AND step_name = $2 AND fingerprint = $3`
)

func NewCacheEntryStore(db DB) *CacheEntryStore {
	if db == nil {
		return nil
	}
	return &CacheEntryStore{db: db, now: time.Now}
}

func (s *CacheEntryStore) Put(ctx context.Context, key repo.CacheKey, refs []domain.OutputRef) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("cache entry store not initialized")
	}
	if err := key.Validate(); err != nil {
		return err
	}
	refsJSON, err := encodeRefs(refs)
	if err != nil {
		return fmt.Errorf("encode output refs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertCacheEntryQuery, key.PipelineName, key.StepName, key.Fingerprint, refsJSON, s.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (s *CacheEntryStore) Get(ctx context.Context, key repo.CacheKey) ([]domain.OutputRef, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("cache entry store not initialized")
	}
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	var refsJSON []byte
	err := s.db.QueryRowContext(ctx, selectCacheEntryQuery, key.PipelineName, key.StepName, key.Fingerprint).Scan(&refsJSON)
	if err != nil {
		if errors.Is(handleNotFound(err), repo.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cache entry: %w", err)
	}
	refs, err := decodeRefs(refsJSON)
	if err != nil {
		return nil, false, err
	}
	return refs, true, nil
}
