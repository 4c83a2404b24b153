package deploy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/animus-labs/animus-pipelines/internal/artifacts"
	"github.com/animus-labs/animus-pipelines/internal/execution/cache"
	"github.com/animus-labs/animus-pipelines/internal/execution/engine"
	"github.com/animus-labs/animus-pipelines/internal/execution/orchestrator"
	"github.com/animus-labs/animus-pipelines/internal/execution/orchestrator/remote"
	platformstore "github.com/animus-labs/animus-pipelines/internal/platform/objectstore"
	platformpg "github.com/animus-labs/animus-pipelines/internal/platform/postgres"
	"github.com/animus-labs/animus-pipelines/internal/platform/redisstore"
	"github.com/animus-labs/animus-pipelines/internal/repo"
	"github.com/animus-labs/animus-pipelines/internal/repo/memory"
	pgrepo "github.com/animus-labs/animus-pipelines/internal/repo/postgres"
	redisrepo "github.com/animus-labs/animus-pipelines/internal/repo/redis"
	"github.com/animus-labs/animus-pipelines/internal/storage/objectstore"
)

const (
	KindMemory   = "memory"
	KindMinio    = "minio"
	KindPostgres = "postgres"
	KindRedis    = "redis"
	KindNone     = "none"
)

// Registries holds the factories a target may name.
type Registries struct {
	Orchestrators  *orchestrator.Registry[orchestrator.Orchestrator]
	ArtifactStores *orchestrator.Registry[repo.ArtifactStore]
	Caches         *orchestrator.Registry[repo.CacheStore]
	Metadata       *orchestrator.Registry[repo.MetadataStore]

	conns *connections
}

// DefaultRegistries registers the built-in kinds. Postgres and Redis
// connections opened by its factories are shared within one registry set.
func DefaultRegistries() *Registries {
	conns := &connections{}
	r := &Registries{
		Orchestrators:  orchestrator.NewRegistry[orchestrator.Orchestrator](),
		ArtifactStores: orchestrator.NewRegistry[repo.ArtifactStore](),
		Caches:         orchestrator.NewRegistry[repo.CacheStore](),
		Metadata:       orchestrator.NewRegistry[repo.MetadataStore](),
		conns:          conns,
	}
	mustRegister(r.Orchestrators.Register(orchestrator.KindLocal, orchestrator.LocalFactory))
	mustRegister(r.Orchestrators.Register(remote.KindRemote, remote.Factory))

	mustRegister(r.ArtifactStores.Register(KindMemory, memoryArtifactStore))
	mustRegister(r.ArtifactStores.Register(KindMinio, minioArtifactStore))

	mustRegister(r.Caches.Register(KindMemory, func(context.Context, orchestrator.Settings, orchestrator.Env) (repo.CacheStore, error) {
		return memory.NewCacheStore(), nil
	}))
	mustRegister(r.Caches.Register(KindPostgres, func(ctx context.Context, s orchestrator.Settings, env orchestrator.Env) (repo.CacheStore, error) {
		db, err := conns.postgres(ctx, s, env)
		if err != nil {
			return nil, err
		}
		return pgrepo.NewCacheEntryStore(db), nil
	}))
	mustRegister(r.Caches.Register(KindRedis, conns.redisCache))

	mustRegister(r.Metadata.Register(KindMemory, func(context.Context, orchestrator.Settings, orchestrator.Env) (repo.MetadataStore, error) {
		return memory.NewMetadataStore(), nil
	}))
	mustRegister(r.Metadata.Register(KindPostgres, func(ctx context.Context, s orchestrator.Settings, env orchestrator.Env) (repo.MetadataStore, error) {
		db, err := conns.postgres(ctx, s, env)
		if err != nil {
			return nil, err
		}
		return pgrepo.NewMetadataStore(db)
	}))
	return r
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

type Options struct {
	Catalog *orchestrator.Catalog
	Logger  *slog.Logger
	// Registerer receives engine metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// Components are the collaborators a resolved target provides.
type Components struct {
	Target       string
	Orchestrator orchestrator.Orchestrator
	Engine       *engine.Engine
	Artifacts    repo.ArtifactStore
	// Cache is nil when the target disables caching.
	Cache    repo.CacheStore
	Metadata repo.MetadataStore
	// DB is set when a postgres backend was opened.
	DB *sql.DB

	mu       sync.Mutex
	releases []func() error
}

// Close releases connections opened while resolving, most recent first.
func (c *Components) Close() error {
	c.mu.Lock()
	releases := c.releases
	c.releases = nil
	c.mu.Unlock()
	var errs []error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Components) onClose(release func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = append(c.releases, release)
}

// Resolve constructs every component of the named target.
func (r *Registries) Resolve(ctx context.Context, f File, targetName string, opts Options) (*Components, error) {
	name, target, err := f.Target(targetName)
	if err != nil {
		return nil, err
	}
	if opts.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Components{Target: name}
	env := orchestrator.Env{Logger: logger, Catalog: opts.Catalog, Cleanup: c.onClose}

	fail := func(err error) (*Components, error) {
		_ = c.Close()
		return nil, fmt.Errorf("target %s: %w", name, err)
	}

	if c.Artifacts, err = r.ArtifactStores.New(ctx, target.ArtifactStore.Kind, settings(target.ArtifactStore), env); err != nil {
		return fail(fmt.Errorf("artifact_store: %w", err))
	}
	if kind := componentKind(target.Metadata); kind != KindNone {
		if c.Metadata, err = r.Metadata.New(ctx, kind, settings(target.Metadata), env); err != nil {
			return fail(fmt.Errorf("metadata: %w", err))
		}
	}
	var manager *cache.Manager
	if kind := componentKind(target.Cache); kind != KindNone {
		if c.Cache, err = r.Caches.New(ctx, kind, settings(target.Cache), env); err != nil {
			return fail(fmt.Errorf("cache: %w", err))
		}
		if manager, err = cache.NewManager(c.Cache, c.Artifacts); err != nil {
			return fail(fmt.Errorf("cache: %w", err))
		}
	}
	if r.conns != nil {
		c.DB = r.conns.sharedDB()
	}

	retry, err := target.Retry.Policy()
	if err != nil {
		return fail(fmt.Errorf("retry: %w", err))
	}
	var metrics *engine.Metrics
	if opts.Registerer != nil {
		metrics = engine.NewMetrics(opts.Registerer)
	}
	c.Engine, err = engine.New(engine.Config{
		Artifacts: c.Artifacts,
		Metadata:  c.Metadata,
		Cache:     manager,
		Retry:     retry,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return fail(err)
	}

	env.Engine = c.Engine
	env.Metadata = c.Metadata
	if c.Orchestrator, err = r.Orchestrators.New(ctx, target.Orchestrator.Kind, settings(target.Orchestrator), env); err != nil {
		return fail(fmt.Errorf("orchestrator: %w", err))
	}
	logger.Info("deployment target resolved",
		"target", name,
		"orchestrator", target.Orchestrator.Kind,
		"artifact_store", target.ArtifactStore.Kind,
		"cache", componentKind(target.Cache),
		"metadata", componentKind(target.Metadata),
	)
	return c, nil
}

func componentKind(c Component) string {
	kind := strings.ToLower(strings.TrimSpace(c.Kind))
	if kind == "" {
		return KindNone
	}
	return kind
}

func memoryArtifactStore(_ context.Context, s orchestrator.Settings, _ orchestrator.Env) (repo.ArtifactStore, error) {
	return artifacts.NewStore(objectstore.NewMemoryStore(), s.Get("bucket", "artifacts"), s.Get("prefix", ""))
}

// minioArtifactStore reads connection settings from the ANIMUS_MINIO_*
// environment; bucket and prefix may be overridden per target.
func minioArtifactStore(ctx context.Context, s orchestrator.Settings, env orchestrator.Env) (repo.ArtifactStore, error) {
	cfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Endpoint = s.Get("endpoint", cfg.Endpoint)
	cfg.Bucket = s.Get("bucket", cfg.Bucket)
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	if ensure, _ := strconv.ParseBool(s.Get("ensure_bucket", "true")); ensure {
		if err := platformstore.EnsureBucket(ctx, client, cfg); err != nil {
			return nil, err
		}
	}
	store, err := objectstore.NewMinioStoreWithClient(client)
	if err != nil {
		return nil, err
	}
	if env.Logger != nil {
		env.Logger.Info("minio artifact store", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	}
	return artifacts.NewStore(store, cfg.Bucket, s.Get("prefix", ""))
}

type connections struct {
	mu    sync.Mutex
	db    *sql.DB
	redis *goredis.Client
}

func (c *connections) sharedDB() *sql.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db
}

// postgres opens the shared database once. Connection settings come from
// ANIMUS_DATABASE_*; a url setting overrides the URL and migrate=true
// creates the schema.
func (c *connections) postgres(ctx context.Context, s orchestrator.Settings, env orchestrator.Env) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	cfg, err := platformpg.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.URL = s.Get("url", cfg.URL)
	db, err := platformpg.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if migrate, _ := strconv.ParseBool(s.Get("migrate", "false")); migrate {
		if err := pgrepo.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	c.db = db
	env.OnClose(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.db = nil
		return db.Close()
	})
	return db, nil
}

// redisCache connects using ANIMUS_REDIS_*; addr and ttl may be overridden.
func (c *connections) redisCache(ctx context.Context, s orchestrator.Settings, env orchestrator.Env) (repo.CacheStore, error) {
	cfg, err := redisstore.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Addr = s.Get("addr", cfg.Addr)
	if raw := s.Get("ttl", ""); raw != "" {
		if cfg.TTL, err = time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("ttl: %w", err)
		}
	}

	c.mu.Lock()
	client := c.redis
	if client == nil {
		client, err = redisstore.Open(ctx, cfg)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.redis = client
		env.OnClose(func() error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.redis = nil
			return client.Close()
		})
	}
	c.mu.Unlock()
	return redisrepo.NewCacheStore(client, cfg.TTL)
}
