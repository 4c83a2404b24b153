package runs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/engine"
	"github.com/animus-labs/animus-pipelines/internal/execution/orchestrator"
	"github.com/animus-labs/animus-pipelines/internal/execution/params"
	"github.com/animus-labs/animus-pipelines/internal/execution/plan"
	"github.com/animus-labs/animus-pipelines/internal/execution/scheduler"
	"github.com/animus-labs/animus-pipelines/internal/execution/state"
	"github.com/animus-labs/animus-pipelines/internal/platform/auditlog"
	"github.com/animus-labs/animus-pipelines/internal/repo"
)

// cancelGrace bounds how long Run waits for a cancelled run to settle.
const cancelGrace = 30 * time.Second

// Auditor persists audit events. auditlog.Writer satisfies it.
type Auditor interface {
	Write(ctx context.Context, event auditlog.Event) error
}

type Config struct {
	Orchestrator orchestrator.Orchestrator
	// Engine backs per-run scheduler overrides. Optional.
	Engine   *engine.Engine
	Metadata repo.MetadataStore
	Auditor  Auditor
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	orchestrator orchestrator.Orchestrator
	engine       *engine.Engine
	metadata     repo.MetadataStore
	auditor      Auditor
	logger       *slog.Logger
	now          func() time.Time
}

type AuditInfo struct {
	Actor     string
	RequestID string
}

type RunOptions struct {
	// Params override the pipeline context for this run only.
	Params map[string]any
	// Orchestrator replaces the service orchestrator for this run.
	Orchestrator orchestrator.Orchestrator
	// Scheduler, when set, runs in-process with these options instead.
	Scheduler *scheduler.Options
	Audit     AuditInfo
}

func New(cfg Config) (*Service, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	s := &Service{
		orchestrator: cfg.Orchestrator,
		engine:       cfg.Engine,
		metadata:     cfg.Metadata,
		auditor:      cfg.Auditor,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Run executes p and returns the finished run. Step failures are reported
// through run.Status; the error covers runs that could not start or whose
// wait was interrupted.
func (s *Service) Run(ctx context.Context, p *domain.Pipeline, opts RunOptions) (domain.Run, error) {
	if p == nil {
		return domain.Run{}, errors.New("pipeline is required")
	}
	effective := params.Effective(p.ContextSnapshot(), opts.Params)
	// Structural problems, unresolvable inputs included, are configuration
	// errors. Binding then reports values that fail their declared types.
	execPlan, err := plan.BuildPlan(p, effective)
	if err != nil {
		return domain.Run{}, err
	}
	if _, err := params.Bind(p, effective); err != nil {
		return domain.Run{}, err
	}

	o, err := s.orchestratorFor(p, opts)
	if err != nil {
		return domain.Run{}, err
	}
	handle, err := o.Submit(ctx, execPlan, opts.Params)
	if err != nil {
		return domain.Run{}, fmt.Errorf("submit: %w", err)
	}
	logger := s.logger.With("run_id", handle.RunID, "pipeline", p.Name)
	logger.Info("run submitted", "plan_id", execPlan.PlanID, "steps", len(execPlan.Steps))
	s.audit(ctx, opts.Audit, auditlog.RunEvent(opts.Audit.Actor, opts.Audit.RequestID, domain.Run{
		ID:           handle.RunID,
		PipelineName: p.Name,
		Status:       "started",
		StartedAt:    s.now().UTC(),
	}))

	run, waitErr := o.Wait(ctx, handle)
	if waitErr != nil && ctx.Err() != nil {
		run, waitErr = s.cancel(ctx, o, handle, logger)
	}
	if waitErr != nil {
		return domain.Run{}, fmt.Errorf("wait: %w", waitErr)
	}

	if run.Status == domain.RunStatusFailed && !state.SkipsHaveFailedAncestor(&execPlan, run.StepResults) {
		logger.Warn("skipped steps without a failed ancestor", "failed_steps", run.FailedSteps())
	}
	if s.metadata != nil {
		if err := s.metadata.RecordRun(context.WithoutCancel(ctx), run); err != nil {
			logger.Warn("record run failed", "error", err)
		}
	}
	s.audit(ctx, opts.Audit, auditlog.RunEvent(opts.Audit.Actor, opts.Audit.RequestID, run))
	logger.Info("run finished", "status", run.Status, "failed_steps", run.FailedSteps())

	if ctx.Err() != nil {
		return run, ctx.Err()
	}
	return run, nil
}

// cancel stops a run whose caller went away and waits for it to settle.
func (s *Service) cancel(ctx context.Context, o orchestrator.Orchestrator, handle orchestrator.RunHandle, logger *slog.Logger) (domain.Run, error) {
	graceCtx, done := context.WithTimeout(context.WithoutCancel(ctx), cancelGrace)
	defer done()
	logger.Warn("caller context ended, cancelling run", "error", ctx.Err())
	if err := o.Cancel(graceCtx, handle); err != nil {
		return domain.Run{}, fmt.Errorf("cancel: %w", err)
	}
	return o.Wait(graceCtx, handle)
}

func (s *Service) orchestratorFor(p *domain.Pipeline, opts RunOptions) (orchestrator.Orchestrator, error) {
	if opts.Scheduler == nil {
		if opts.Orchestrator != nil {
			return opts.Orchestrator, nil
		}
		return s.orchestrator, nil
	}
	if s.engine == nil {
		return nil, errors.New("scheduler overrides require an engine")
	}
	catalog, err := orchestrator.NewCatalog(p)
	if err != nil {
		return nil, err
	}
	schedOpts := *opts.Scheduler
	if schedOpts.Metadata == nil {
		schedOpts.Metadata = s.metadata
	}
	return orchestrator.NewLocal(orchestrator.LocalConfig{
		Catalog:   catalog,
		Engine:    s.engine,
		Scheduler: schedOpts,
		Logger:    s.logger,
	})
}

func (s *Service) audit(ctx context.Context, info AuditInfo, event auditlog.Event) {
	if s.auditor == nil {
		return
	}
	if strings.TrimSpace(info.Actor) == "" {
		event.Actor = "system"
	}
	if err := s.auditor.Write(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("audit write failed", "action", event.Action, "resource_id", event.ResourceID, "error", err)
	}
}
