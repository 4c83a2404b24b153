package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/repo"
)

const keyPrefix = "animus:cache"

// CacheStore keeps cache entries as JSON strings, one key per
// (pipeline, step, fingerprint).
type CacheStore struct {
	client goredis.Cmdable
	ttl    time.Duration
}

func NewCacheStore(client goredis.Cmdable, ttl time.Duration) (*CacheStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	return &CacheStore{client: client, ttl: ttl}, nil
}

func (s *CacheStore) Put(ctx context.Context, key repo.CacheKey, refs []domain.OutputRef) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if refs == nil {
		refs = []domain.OutputRef{}
	}
	payload, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("encode output refs: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(key), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *CacheStore) Get(ctx context.Context, key repo.CacheKey) ([]domain.OutputRef, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var refs []domain.OutputRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, false, fmt.Errorf("decode output refs: %w", err)
	}
	return refs, true, nil
}

func redisKey(key repo.CacheKey) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, key.PipelineName, key.StepName, key.Fingerprint)
}
