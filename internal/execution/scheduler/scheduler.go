package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/engine"
	"github.com/animus-labs/animus-pipelines/internal/execution/params"
	"github.com/animus-labs/animus-pipelines/internal/execution/state"
	"github.com/animus-labs/animus-pipelines/internal/repo"
)

const DefaultMaxWorkers = 4

// FailurePolicy decides what happens to the rest of a run after a step fails.
type FailurePolicy string

const (
	// FailurePolicySkipDependents skips every transitive dependent of a failed
	// step and lets independent branches finish.
	FailurePolicySkipDependents FailurePolicy = "skip_dependents"
	// FailurePolicyAbortRun stops dispatching after the first failure. Steps
	// already running finish; every step not yet started is skipped.
	FailurePolicyAbortRun FailurePolicy = "abort_run"
)

// NormalizeFailurePolicy maps free-form values to a failure policy.
func NormalizeFailurePolicy(value string) (FailurePolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(FailurePolicySkipDependents), "skip":
		return FailurePolicySkipDependents, true
	case string(FailurePolicyAbortRun), "abort", "fail_fast":
		return FailurePolicyAbortRun, true
	default:
		return "", false
	}
}

type Options struct {
	// MaxWorkers bounds the number of groups running at once. 1 runs the plan
	// sequentially.
	MaxWorkers    int
	FailurePolicy FailurePolicy
	// Metadata receives the run record at start and at completion.
	Metadata repo.MetadataStore
	Logger   *slog.Logger
	Now      func() time.Time
}

// Scheduler drives an execution plan through the engine.
type Scheduler struct {
	engine        *engine.Engine
	maxWorkers    int
	failurePolicy FailurePolicy
	metadata      repo.MetadataStore
	logger        *slog.Logger
	now           func() time.Time
}

func New(eng *engine.Engine, opts Options) (*Scheduler, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	policy, ok := NormalizeFailurePolicy(string(opts.FailurePolicy))
	if !ok {
		return nil, fmt.Errorf("failure policy unsupported: %q", opts.FailurePolicy)
	}
	s := &Scheduler{
		engine:        eng,
		maxWorkers:    opts.MaxWorkers,
		failurePolicy: policy,
		metadata:      opts.Metadata,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if s.maxWorkers <= 0 {
		s.maxWorkers = DefaultMaxWorkers
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Request is one run to execute.
type Request struct {
	RunID    string
	Pipeline *domain.Pipeline
	Plan     domain.ExecutionPlan
	Bindings params.Bindings
	// OnStart, if set, is called once the run is recorded and dispatch begins.
	OnStart func()
	// OnStep, if set, observes every terminal step result. It is called from
	// worker goroutines.
	OnStep func(domain.StepResult)
}

func (r Request) validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	if r.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if len(r.Plan.Groups) == 0 {
		return errors.New("plan has no groups")
	}
	for _, step := range r.Plan.Steps {
		if _, ok := r.Pipeline.Step(step.Name); !ok {
			return fmt.Errorf("plan step %q not declared by pipeline %q", step.Name, r.Pipeline.Name)
		}
		if _, ok := r.Bindings[step.Name]; !ok {
			return fmt.Errorf("plan step %q has no parameter binding", step.Name)
		}
	}
	return nil
}

// Execute runs every group of the plan and returns the finished run. Step
// failures are reported through the run status, the error is reserved for
// requests that cannot be started.
func (s *Scheduler) Execute(ctx context.Context, req Request) (domain.Run, error) {
	if err := req.validate(); err != nil {
		return domain.Run{}, err
	}

	x := &runExecution{
		scheduler: s,
		req:       req,
		state:     engine.NewRunState(req.RunID, req.Plan.PipelineName),
		results:   make(map[string]domain.StepResult, len(req.Plan.Steps)),
		preds:     req.Plan.Predecessors(),
		logger:    s.logger.With("run_id", req.RunID, "pipeline", req.Plan.PipelineName),
	}
	started := s.now().UTC()
	s.recordRun(ctx, domain.Run{
		ID:           req.RunID,
		PipelineName: req.Plan.PipelineName,
		Status:       domain.RunStatusRunning,
		StartedAt:    started,
	})
	x.logger.Info("run started", "groups", len(req.Plan.Groups), "steps", len(req.Plan.Steps), "max_workers", s.maxWorkers, "failure_policy", s.failurePolicy)

	if req.OnStart != nil {
		req.OnStart()
	}
	x.dispatch(ctx)

	ended := s.now().UTC()
	run := domain.Run{
		ID:           req.RunID,
		PipelineName: req.Plan.PipelineName,
		Status:       state.DeriveRunStatus(&req.Plan, x.results),
		StartedAt:    started,
		EndedAt:      &ended,
		StepResults:  x.results,
		Outputs:      x.terminalOutputs(),
	}
	s.recordRun(ctx, run)
	x.logger.Info("run finished", "status", run.Status, "duration", ended.Sub(started))
	return run, nil
}

func (s *Scheduler) recordRun(ctx context.Context, run domain.Run) {
	if s.metadata == nil {
		return
	}
	if err := s.metadata.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("record run failed", "run_id", run.ID, "error", err)
	}
}

type runExecution struct {
	scheduler *Scheduler
	req       Request
	state     *engine.RunState
	preds     map[string][]string
	logger    *slog.Logger
	aborted   atomic.Bool

	mu      sync.Mutex
	results map[string]domain.StepResult
}

// dispatch is the control loop. It is the only goroutine deciding which
// groups start; workers report back through done.
func (x *runExecution) dispatch(ctx context.Context) {
	groups := x.req.Plan.Groups
	groupOf := make(map[string]int, len(x.req.Plan.Steps))
	for i, group := range groups {
		for _, name := range group.Steps {
			groupOf[name] = i
		}
	}
	indegree := make([]int, len(groups))
	dependents := make([][]int, len(groups))
	linked := make(map[[2]int]struct{})
	for _, edge := range x.req.Plan.Edges {
		from, to := groupOf[edge.From], groupOf[edge.To]
		if from == to {
			continue
		}
		if _, ok := linked[[2]int{from, to}]; ok {
			continue
		}
		linked[[2]int{from, to}] = struct{}{}
		indegree[to]++
		dependents[from] = append(dependents[from], to)
	}

	done := make(chan int, len(groups))
	workers := pool.New().WithMaxGoroutines(x.scheduler.maxWorkers)
	dispatched := make([]bool, len(groups))
	inflight := 0
	start := func(i int) {
		dispatched[i] = true
		inflight++
		workers.Go(func() {
			x.runGroup(ctx, groups[i])
			done <- i
		})
	}

	for i := range groups {
		if indegree[i] == 0 {
			start(i)
		}
	}
	for inflight > 0 {
		i := <-done
		inflight--
		if ctx.Err() != nil || x.aborted.Load() {
			continue
		}
		for _, next := range dependents[i] {
			indegree[next]--
			if indegree[next] == 0 {
				start(next)
			}
		}
	}
	workers.Wait()

	for i, group := range groups {
		if dispatched[i] {
			continue
		}
		for _, name := range group.Steps {
			x.settle(ctx, name)
		}
	}
}

// runGroup executes the steps of one group sequentially.
func (x *runExecution) runGroup(ctx context.Context, group domain.PlanGroup) {
	for _, name := range group.Steps {
		if x.settle(ctx, name) {
			continue
		}
		step, _ := x.req.Pipeline.Step(name)
		planStep, _ := x.req.Plan.Step(name)
		result := x.scheduler.engine.Execute(ctx, x.state, step, planStep, x.req.Bindings[name])
		x.finish(result)
		if result.State == domain.StepStateFailed && x.scheduler.failurePolicy == FailurePolicyAbortRun {
			if x.aborted.CompareAndSwap(false, true) {
				x.logger.Warn("aborting run after step failure", "step", name)
			}
		}
	}
}

// settle records a terminal result for a step that must not run and reports
// whether it did so.
func (x *runExecution) settle(ctx context.Context, name string) bool {
	eng := x.scheduler.engine
	if err := ctx.Err(); err != nil {
		x.finish(eng.Cancel(ctx, x.state, name, context.Cause(ctx)))
		return true
	}
	if x.aborted.Load() {
		x.finish(eng.Skip(ctx, x.state, name, "run aborted after a step failure"))
		return true
	}

	x.mu.Lock()
	var blocked string
	for _, pred := range x.preds[name] {
		if !x.results[pred].State.Succeeded() {
			blocked = pred
			break
		}
	}
	failed, hasFailed := state.FailedAncestor(name, x.req.Plan.Edges, x.results)
	x.mu.Unlock()
	if blocked == "" {
		return false
	}

	reason := fmt.Sprintf("upstream step %q did not succeed", blocked)
	if hasFailed {
		reason = fmt.Sprintf("upstream step %q failed", failed)
	}
	x.finish(eng.Skip(ctx, x.state, name, reason))
	return true
}

func (x *runExecution) finish(result domain.StepResult) {
	x.mu.Lock()
	x.results[result.StepName] = result
	x.mu.Unlock()
	if x.req.OnStep != nil {
		x.req.OnStep(result)
	}
}

// terminalOutputs collects the outputs of steps without dependents.
func (x *runExecution) terminalOutputs() map[string]any {
	published := x.state.Outputs()
	out := make(map[string]any)
	for _, name := range x.req.Plan.TerminalSteps() {
		planStep, _ := x.req.Plan.Step(name)
		for _, output := range planStep.Outputs {
			if value, ok := published[output]; ok {
				out[output] = value
			}
		}
	}
	return out
}
