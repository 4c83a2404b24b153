package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-pipelines/internal/artifacts"
	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/repo"
)

const defaultValidateConcurrency = 8

// Lookup is the outcome of a cache query. Outputs is populated on a hit.
type Lookup struct {
	Hit     bool
	Refs    []domain.OutputRef
	Outputs domain.Outputs
	// Stale explains why a stored entry was rejected.
	Stale string
}

// Manager mediates cache reads and writes. Backend failures surface as
// *domain.CacheBackendError and always come with a miss.
type Manager struct {
	store       repo.CacheStore
	artifacts   repo.ArtifactStore
	decode      func([]byte) (any, error)
	concurrency int
}

type Option func(*Manager)

// WithValidateConcurrency bounds concurrent artifact checks on a hit.
func WithValidateConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

func WithDecoder(decode func([]byte) (any, error)) Option {
	return func(m *Manager) {
		if decode != nil {
			m.decode = decode
		}
	}
}

func NewManager(store repo.CacheStore, artifactStore repo.ArtifactStore, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if artifactStore == nil {
		return nil, errors.New("artifact store is required")
	}
	m := &Manager{
		store:       store,
		artifacts:   artifactStore,
		decode:      artifacts.Decode,
		concurrency: defaultValidateConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Lookup queries the cache and confirms that every output of a hit is still
// retrievable. A hit whose artifacts are missing or unreadable is a miss.
func (m *Manager) Lookup(ctx context.Context, key repo.CacheKey, outputs []string) (Lookup, error) {
	refs, found, err := m.store.Get(ctx, key)
	if err != nil {
		return Lookup{}, &domain.CacheBackendError{Op: "get", Err: err}
	}
	if !found {
		return Lookup{}, nil
	}

	byName := make(map[string]domain.OutputRef, len(refs))
	for _, ref := range refs {
		byName[ref.Name] = ref
	}
	for _, name := range outputs {
		if _, ok := byName[name]; !ok {
			return Lookup{Stale: fmt.Sprintf("output %q not cached", name)}, nil
		}
	}

	values, err := m.loadAll(ctx, outputs, byName)
	if err != nil {
		return Lookup{Stale: err.Error()}, nil
	}

	kept := make([]domain.OutputRef, 0, len(outputs))
	for _, name := range outputs {
		kept = append(kept, byName[name])
	}
	return Lookup{Hit: true, Refs: kept, Outputs: values}, nil
}

func (m *Manager) loadAll(ctx context.Context, outputs []string, refs map[string]domain.OutputRef) (domain.Outputs, error) {
	var mu sync.Mutex
	values := make(domain.Outputs, len(outputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, name := range outputs {
		ref := refs[name]
		g.Go(func() error {
			exists, err := m.artifacts.Exists(gctx, ref.URI)
			if err != nil {
				return fmt.Errorf("check %s: %w", ref.URI, err)
			}
			if !exists {
				return fmt.Errorf("artifact %s missing", ref.URI)
			}
			raw, err := m.artifacts.Load(gctx, ref.URI)
			if err != nil {
				return fmt.Errorf("load %s: %w", ref.URI, err)
			}
			value, err := m.decode(raw)
			if err != nil {
				return fmt.Errorf("decode %s: %w", ref.URI, err)
			}
			mu.Lock()
			values[ref.Name] = value
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// Commit records the refs of a succeeded execution under key.
func (m *Manager) Commit(ctx context.Context, key repo.CacheKey, refs []domain.OutputRef) error {
	if err := m.store.Put(ctx, key, refs); err != nil {
		return &domain.CacheBackendError{Op: "put", Err: err}
	}
	return nil
}
