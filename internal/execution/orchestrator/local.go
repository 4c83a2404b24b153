package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/engine"
	"github.com/animus-labs/animus-pipelines/internal/execution/params"
	"github.com/animus-labs/animus-pipelines/internal/execution/scheduler"
)

const KindLocal = "local"

// DefaultRetention is how long a finished run stays queryable.
const DefaultRetention = time.Hour

type LocalConfig struct {
	Catalog   *Catalog
	Engine    *engine.Engine
	Scheduler scheduler.Options
	// MaxConcurrentRuns bounds runs executing at once; further runs stay
	// queued. 0 means unbounded.
	MaxConcurrentRuns int
	// Retention is how long finished runs remain available to Status and
	// Wait. 0 selects DefaultRetention.
	Retention time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Local executes runs in-process through the scheduler.
type Local struct {
	catalog   *Catalog
	scheduler *scheduler.Scheduler
	slots     chan struct{}
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	runs map[string]*localRun
}

type localRun struct {
	handle RunHandle
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.RWMutex
	status     ExecutionStatus
	run        domain.Run
	err        error
	finishedAt time.Time
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := cfg.Scheduler
	if opts.Logger == nil {
		opts.Logger = logger
	}
	s, err := scheduler.New(cfg.Engine, opts)
	if err != nil {
		return nil, err
	}
	l := &Local{
		catalog:   cfg.Catalog,
		scheduler: s,
		retention: cfg.Retention,
		logger:    logger,
		now:       cfg.Now,
		runs:      make(map[string]*localRun),
	}
	if l.retention <= 0 {
		l.retention = DefaultRetention
	}
	if l.now == nil {
		l.now = time.Now
	}
	if cfg.MaxConcurrentRuns > 0 {
		l.slots = make(chan struct{}, cfg.MaxConcurrentRuns)
	}
	return l, nil
}

// LocalFactory builds a Local orchestrator from deployment settings.
// Recognized settings: max_workers, failure_policy, max_concurrent_runs,
// retention.
func LocalFactory(_ context.Context, settings Settings, env Env) (Orchestrator, error) {
	cfg := LocalConfig{Catalog: env.Catalog, Engine: env.Engine, Logger: env.Logger}
	cfg.Scheduler.Metadata = env.Metadata
	var err error
	if cfg.Scheduler.MaxWorkers, err = settingInt(settings, "max_workers"); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentRuns, err = settingInt(settings, "max_concurrent_runs"); err != nil {
		return nil, err
	}
	if cfg.Retention, err = settingDuration(settings, "retention"); err != nil {
		return nil, err
	}
	if raw := settings.Get("failure_policy", ""); raw != "" {
		policy, ok := scheduler.NormalizeFailurePolicy(raw)
		if !ok {
			return nil, fmt.Errorf("failure_policy unsupported: %q", raw)
		}
		cfg.Scheduler.FailurePolicy = policy
	}
	return NewLocal(cfg)
}

// Submit binds the plan's parameters and starts the run. Configuration and
// missing-parameter errors are returned before anything executes.
func (l *Local) Submit(ctx context.Context, plan domain.ExecutionPlan, overrides map[string]any) (RunHandle, error) {
	pipeline, ok := l.catalog.Lookup(plan.PipelineName)
	if !ok {
		return RunHandle{}, fmt.Errorf("%w: %q", ErrPipelineNotFound, plan.PipelineName)
	}
	effective := params.Effective(pipeline.ContextSnapshot(), overrides)
	bindings, err := params.Bind(pipeline, effective)
	if err != nil {
		return RunHandle{}, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &localRun{
		handle: RunHandle{RunID: uuid.NewString(), PipelineName: plan.PipelineName},
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusQueued,
	}
	l.mu.Lock()
	l.evictLocked()
	l.runs[r.handle.RunID] = r
	l.mu.Unlock()

	l.logger.Info("run submitted", "run_id", r.handle.RunID, "pipeline", plan.PipelineName, "plan_id", plan.PlanID)
	go l.execute(runCtx, r, scheduler.Request{
		RunID:    r.handle.RunID,
		Pipeline: pipeline,
		Plan:     plan,
		Bindings: bindings,
	})
	return r.handle, nil
}

func (l *Local) execute(ctx context.Context, r *localRun, req scheduler.Request) {
	defer close(r.done)
	defer r.cancel()

	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
			defer func() { <-l.slots }()
		case <-ctx.Done():
			r.finish(domain.Run{
				ID:           req.RunID,
				PipelineName: req.Plan.PipelineName,
				Status:       domain.RunStatusCancelled,
			}, nil, l.now())
			return
		}
	}

	r.setStatus(StatusInitializing)
	req.OnStart = func() { r.setStatus(StatusRunning) }
	run, err := l.scheduler.Execute(ctx, req)
	if err != nil {
		l.logger.Error("run could not start", "run_id", req.RunID, "error", err)
		run = domain.Run{ID: req.RunID, PipelineName: req.Plan.PipelineName, Status: domain.RunStatusFailed}
	}
	r.finish(run, err, l.now())
}

// evictLocked forgets runs that finished more than the retention period ago.
// Callers hold l.mu.
func (l *Local) evictLocked() {
	cutoff := l.now().Add(-l.retention)
	for id, r := range l.runs {
		r.mu.RLock()
		expired := !r.finishedAt.IsZero() && r.finishedAt.Before(cutoff)
		r.mu.RUnlock()
		if expired {
			delete(l.runs, id)
		}
	}
}

func (l *Local) lookup(handle RunHandle) (*localRun, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.runs[strings.TrimSpace(handle.RunID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, handle.RunID)
	}
	return r, nil
}

func (l *Local) Status(_ context.Context, handle RunHandle) (ExecutionStatus, error) {
	r, err := l.lookup(handle)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status, nil
}

func (l *Local) Wait(ctx context.Context, handle RunHandle) (domain.Run, error) {
	r, err := l.lookup(handle)
	if err != nil {
		return domain.Run{}, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return domain.Run{}, ctx.Err()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.run, r.err
}

// Cancel stops a run. Cancelling a finished run is a no-op.
func (l *Local) Cancel(_ context.Context, handle RunHandle) error {
	r, err := l.lookup(handle)
	if err != nil {
		return err
	}
	l.logger.Info("run cancel requested", "run_id", handle.RunID)
	r.cancel()
	return nil
}

func (r *localRun) setStatus(status ExecutionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Done() {
		return
	}
	r.status = status
}

func (r *localRun) finish(run domain.Run, err error, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run = run
	r.err = err
	r.finishedAt = at
	r.status = StatusFromRun(run.Status)
}
