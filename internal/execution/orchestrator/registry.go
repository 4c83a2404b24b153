package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/execution/engine"
	"github.com/animus-labs/animus-pipelines/internal/repo"
)

// Settings are the free-form options of one configured component.
type Settings map[string]string

// Get returns a trimmed setting or fallback when it is empty.
func (s Settings) Get(key, fallback string) string {
	if v := strings.TrimSpace(s[key]); v != "" {
		return v
	}
	return fallback
}

func settingInt(s Settings, key string) (int, error) {
	raw := s.Get(key, "")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return v, nil
}

func settingDuration(s Settings, key string) (time.Duration, error) {
	raw := s.Get(key, "")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return d, nil
}

// Env carries the process-level collaborators available to factories. Engine
// and Metadata are nil while storage backends are being constructed.
type Env struct {
	Logger   *slog.Logger
	Catalog  *Catalog
	Engine   *engine.Engine
	Metadata repo.MetadataStore
	// Cleanup registers a release function for resources a factory opens.
	// Nil means the factory's caller owns cleanup.
	Cleanup func(func() error)
}

// OnClose registers release with e.Cleanup, if set.
func (e Env) OnClose(release func() error) {
	if e.Cleanup != nil && release != nil {
		e.Cleanup(release)
	}
}

// Factory constructs a component of kind T.
type Factory[T any] func(ctx context.Context, settings Settings, env Env) (T, error)

// Registry maps component kinds to factories. It is populated explicitly at
// process start.
type Registry[T any] struct {
	mu        sync.RWMutex
	factories map[string]Factory[T]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{factories: make(map[string]Factory[T])}
}

func (r *Registry[T]) Register(kind string, factory Factory[T]) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return errors.New("kind is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for %q is required", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// New constructs a component of the given kind.
func (r *Registry[T]) New(ctx context.Context, kind string, settings Settings, env Env) (T, error) {
	var zero T
	kind = strings.ToLower(strings.TrimSpace(kind))
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("unknown kind %q (registered: %s)", kind, strings.Join(r.Kinds(), ", "))
	}
	return factory(ctx, settings, env)
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry[T]) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
