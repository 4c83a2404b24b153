package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/animus-labs/animus-pipelines/internal/artifacts"
	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/cache"
	"github.com/animus-labs/animus-pipelines/internal/execution/params"
	"github.com/animus-labs/animus-pipelines/internal/repo"
)

const tracerName = "github.com/animus-labs/animus-pipelines/internal/execution/engine"

// Config wires the engine collaborators. Artifacts is required; everything
// else has a usable default.
type Config struct {
	Artifacts repo.ArtifactStore
	Metadata  repo.MetadataStore
	// Cache is optional. Without it every step runs.
	Cache   *cache.Manager
	Retry   RetryPolicy
	Encode  func(any) ([]byte, error)
	Logger  *slog.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
}

// Engine drives one step-in-run through the execution state machine.
type Engine struct {
	artifacts repo.ArtifactStore
	metadata  repo.MetadataStore
	cache     *cache.Manager
	retry     RetryPolicy
	encode    func(any) ([]byte, error)
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) (*Engine, error) {
	if cfg.Artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	e := &Engine{
		artifacts: cfg.Artifacts,
		metadata:  cfg.Metadata,
		cache:     cfg.Cache,
		retry:     cfg.Retry,
		encode:    cfg.Encode,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
	}
	if e.metadata == nil {
		e.metadata = noopMetadata{}
	}
	if e.encode == nil {
		e.encode = artifacts.Encode
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	return e, nil
}

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// Execute runs one step of run. The caller guarantees that every producer of
// the step's inputs already reached CachedDone or Succeeded. The returned
// result is terminal and has been handed to the metadata store.
func (e *Engine) Execute(ctx context.Context, run *RunState, step domain.Step, planStep domain.ExecutionPlanStep, binding params.StepBinding) domain.StepResult {
	ctx, span := e.tracer.Start(ctx, "pipeline.step",
		trace.WithAttributes(
			attribute.String("pipeline.name", run.PipelineName),
			attribute.String("run.id", run.RunID),
			attribute.String("step.name", step.Name),
		))
	defer span.End()

	x := e.begin(run, step.Name)
	if err := ctx.Err(); err != nil {
		x.transition(domain.StepStateCancelled)
		return x.finish(ctx, span, context.Cause(ctx))
	}

	x.transition(domain.StepStateCacheCheck)
	info := domain.RunInfo{
		RunID:        run.RunID,
		PipelineName: run.PipelineName,
		StepName:     step.Name,
		Logger:       x.logger,
	}
	in, err := params.Resolve(binding, run, info)
	if err != nil {
		x.transition(domain.StepStateFailed)
		return x.finish(ctx, span, err)
	}

	key, cacheable := e.fingerprint(x, run, step, planStep, in)
	if cacheable && e.cache != nil {
		if e.lookup(ctx, x, key, step) {
			return x.finish(ctx, span, nil)
		}
	}

	maxAttempts := step.RetryCount + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		x.transition(domain.StepStateRunning)
		x.result.AttemptCount = attempt
		e.metrics.attempt(run.PipelineName, step.Name)

		call := in
		call.Run = info
		call.Run.Attempt = attempt
		refs, err := e.attempt(ctx, run, step, binding, call)
		if err == nil {
			x.result.OutputRefs = refs
			x.transition(domain.StepStateSucceeded)
			if cacheable && e.cache != nil {
				if err := e.cache.Commit(ctx, key, refs); err != nil {
					x.logger.Warn("cache write failed", "error", err)
					e.metrics.cacheWriteError(run.PipelineName)
				}
			}
			return x.finish(ctx, span, nil)
		}
		lastErr = err

		if ctx.Err() != nil {
			x.transition(domain.StepStateCancelled)
			return x.finish(ctx, span, context.Cause(ctx))
		}
		if attempt >= maxAttempts {
			break
		}

		delay := e.retry.Delay(attempt)
		x.transition(domain.StepStateRetrying)
		x.logger.Warn("step attempt failed, retrying", "attempt", attempt, "max_attempts", maxAttempts, "backoff", delay, "error", err)
		e.metrics.retry(run.PipelineName, step.Name)
		if err := e.sleep(ctx, delay); err != nil {
			x.transition(domain.StepStateCancelled)
			return x.finish(ctx, span, context.Cause(ctx))
		}
	}

	x.transition(domain.StepStateFailed)
	return x.finish(ctx, span, lastErr)
}

// Skip records a step that will not run, e.g. because an upstream step failed.
func (e *Engine) Skip(ctx context.Context, run *RunState, stepName, reason string) domain.StepResult {
	x := e.begin(run, stepName)
	x.transition(domain.StepStateSkipped)
	x.logger.Info("step skipped", "reason", reason)
	return x.finish(ctx, nil, errors.New(reason))
}

// Cancel records a step that never started because the run was cancelled.
func (e *Engine) Cancel(ctx context.Context, run *RunState, stepName string, cause error) domain.StepResult {
	x := e.begin(run, stepName)
	x.transition(domain.StepStateCancelled)
	if cause == nil {
		cause = context.Canceled
	}
	return x.finish(ctx, nil, cause)
}

func (e *Engine) fingerprint(x *execution, run *RunState, step domain.Step, planStep domain.ExecutionPlanStep, in domain.StepInput) (repo.CacheKey, bool) {
	policy := planStep.CachePolicy
	if policy == domain.CachePolicyUnset {
		policy = step.EffectiveCachePolicy(false)
	}
	if policy == domain.CachePolicyDisabled {
		return repo.CacheKey{}, false
	}
	fp, err := cache.Fingerprint(policy, cache.Identity(step), in)
	if err != nil {
		x.logger.Warn("step arguments cannot be fingerprinted, caching skipped", "error", err)
		e.metrics.cacheLookup(run.PipelineName, cacheUncacheable)
		return repo.CacheKey{}, false
	}
	if fp == "" {
		return repo.CacheKey{}, false
	}
	x.result.Fingerprint = fp
	return repo.CacheKey{PipelineName: run.PipelineName, StepName: step.Name, Fingerprint: fp}, true
}

// lookup consults the cache and completes the step on a hit.
func (e *Engine) lookup(ctx context.Context, x *execution, key repo.CacheKey, step domain.Step) bool {
	found, err := e.cache.Lookup(ctx, key, step.Outputs)
	switch {
	case err != nil:
		x.logger.Warn("cache lookup failed, treating as miss", "error", err)
		e.metrics.cacheLookup(key.PipelineName, cacheDegraded)
		return false
	case found.Hit:
		x.run.publish(found.Outputs, found.Refs)
		x.result.Cached = true
		x.result.OutputRefs = found.Refs
		x.transition(domain.StepStateCachedDone)
		e.metrics.cacheLookup(key.PipelineName, cacheHit)
		return true
	case found.Stale != "":
		x.logger.Info("cache entry rejected", "fingerprint", key.Fingerprint, "reason", found.Stale)
		e.metrics.cacheLookup(key.PipelineName, cacheStale)
		return false
	default:
		e.metrics.cacheLookup(key.PipelineName, cacheMiss)
		return false
	}
}

// attempt invokes the step once and commits its outputs. Outputs become
// visible to the run only after the commit.
func (e *Engine) attempt(ctx context.Context, run *RunState, step domain.Step, binding params.StepBinding, in domain.StepInput) ([]domain.OutputRef, error) {
	outputs, err := e.invoke(ctx, step, in)
	if err != nil {
		return nil, err
	}
	if err := validateOutputs(step, outputs); err != nil {
		return nil, &domain.StepExecutionError{Step: step.Name, Attempt: in.Run.Attempt, Err: err}
	}
	refs, err := e.commit(ctx, run, step, binding, outputs)
	if err != nil {
		return nil, &domain.StepExecutionError{Step: step.Name, Attempt: in.Run.Attempt, Err: err}
	}
	run.publish(outputs, refs)
	return refs, nil
}

type callResult struct {
	outputs domain.Outputs
	err     error
}

// invoke calls the step function on its own goroutine and stops waiting at
// the step deadline or when the run is cancelled.
func (e *Engine) invoke(ctx context.Context, step domain.Step, in domain.StepInput) (domain.Outputs, error) {
	attempt := in.Run.Attempt
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if step.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		outputs, err := step.Func(callCtx, in)
		done <- callResult{outputs: outputs, err: err}
	}()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
	}
	select {
	case res := <-done:
		// A result delivered after the deadline is still a timeout.
		if timedOut() {
			return nil, &domain.TimeoutError{Step: step.Name, Attempt: attempt, Timeout: step.Timeout}
		}
		if res.err == nil {
			return res.outputs, nil
		}
		return nil, &domain.StepExecutionError{Step: step.Name, Attempt: attempt, Err: res.err}
	case <-callCtx.Done():
		if timedOut() {
			return nil, &domain.TimeoutError{Step: step.Name, Attempt: attempt, Timeout: step.Timeout}
		}
		return nil, &domain.StepExecutionError{Step: step.Name, Attempt: attempt, Err: context.Cause(ctx)}
	}
}

func validateOutputs(step domain.Step, outputs domain.Outputs) error {
	declared := make(map[string]struct{}, len(step.Outputs))
	for _, name := range step.Outputs {
		declared[name] = struct{}{}
	}
	extra := make([]string, 0)
	for name := range outputs {
		if _, ok := declared[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("undeclared output %q", extra[0])
	}
	for _, name := range step.Outputs {
		if _, ok := outputs[name]; !ok {
			return fmt.Errorf("declared output %q not returned", name)
		}
	}
	return nil
}

// commit materializes every output as an artifact and records its lineage.
// Metadata failures are logged only.
func (e *Engine) commit(ctx context.Context, run *RunState, step domain.Step, binding params.StepBinding, outputs domain.Outputs) ([]domain.OutputRef, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.step.commit",
		trace.WithAttributes(attribute.Int("outputs.count", len(step.Outputs))))
	defer span.End()

	logger := e.logger.With("run_id", run.RunID, "step", step.Name)
	parents := parentArtifacts(run, binding)
	refs := make([]domain.OutputRef, 0, len(step.Outputs))
	for _, name := range step.Outputs {
		data, err := e.encode(outputs[name])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "encode output")
			return nil, fmt.Errorf("encode output %q: %w", name, err)
		}
		uri, err := e.artifacts.Save(ctx, path.Join(run.PipelineName, run.RunID, step.Name, name), data)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "save artifact")
			return nil, fmt.Errorf("save output %q: %w", name, err)
		}

		sum := sha256.Sum256(data)
		now := e.now().UTC()
		artifact := domain.Artifact{
			ID:           uuid.NewString(),
			RunID:        run.RunID,
			PipelineName: run.PipelineName,
			ProducerStep: step.Name,
			OutputName:   name,
			URI:          uri,
			ContentType:  artifacts.ContentType,
			SHA256:       hex.EncodeToString(sum[:]),
			SizeBytes:    int64(len(data)),
			CreatedAt:    now,
		}
		if err := e.metadata.RecordArtifact(ctx, artifact); err != nil {
			logger.Warn("record artifact failed", "output", name, "error", err)
		}
		edge := domain.LineageEdge{
			RunID:             run.RunID,
			PipelineName:      run.PipelineName,
			ChildArtifactID:   artifact.ID,
			ParentArtifactIDs: parents,
			ProducerStep:      step.Name,
			OccurredAt:        now,
			Metadata:          domain.Metadata{"output": name},
		}
		if err := e.metadata.RecordLineage(ctx, edge); err != nil {
			logger.Warn("record lineage failed", "output", name, "error", err)
		}
		refs = append(refs, domain.OutputRef{Name: name, ArtifactID: artifact.ID, URI: uri})
	}
	return refs, nil
}

// parentArtifacts returns the artifact ids of every input bound to an
// upstream output, in declared order without duplicates.
func parentArtifacts(run *RunState, binding params.StepBinding) []string {
	out := make([]string, 0)
	seen := make(map[string]struct{})
	for _, param := range binding.Params {
		if param.Source != params.SourceOutput {
			continue
		}
		id, ok := run.ArtifactID(param.Name)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// execution tracks the state of one step while the engine drives it.
type execution struct {
	engine  *Engine
	run     *RunState
	logger  *slog.Logger
	started time.Time
	result  domain.StepResult
}

func (e *Engine) begin(run *RunState, stepName string) *execution {
	return &execution{
		engine:  e,
		run:     run,
		logger:  e.logger.With("run_id", run.RunID, "pipeline", run.PipelineName, "step", stepName),
		started: e.now(),
		result: domain.StepResult{
			StepName: stepName,
			State:    domain.StepStatePending,
		},
	}
}

func (x *execution) transition(next domain.StepState) {
	current := x.result.State
	if !domain.CanTransitionStep(current, next) {
		x.logger.Error("illegal step transition", "from", current, "to", next)
	}
	x.result.State = next
	x.result.Transitions = append(x.result.Transitions, domain.StepTransition{
		From: current,
		To:   next,
		At:   x.engine.now().UTC(),
	})
	x.logger.Debug("step transition", "from", current, "to", next, "attempt", x.result.AttemptCount)
}

func (x *execution) finish(ctx context.Context, span trace.Span, err error) domain.StepResult {
	e := x.engine
	res := x.result
	res.Duration = e.now().Sub(x.started)
	res.Success = res.State.Succeeded()
	if !res.Success && err != nil {
		res.Err = err
		res.Error = err.Error()
	}

	e.metrics.outcome(x.run.PipelineName, string(res.State), res.Duration)
	if span != nil {
		span.SetAttributes(
			attribute.String("step.state", string(res.State)),
			attribute.Int("step.attempts", res.AttemptCount),
			attribute.Bool("step.cached", res.Cached),
		)
		if res.Success {
			span.SetStatus(codes.Ok, "")
		} else {
			if err != nil {
				span.RecordError(err)
			}
			span.SetStatus(codes.Error, string(res.State))
		}
	}

	if recErr := e.metadata.RecordStepResult(context.WithoutCancel(ctx), x.run.RunID, res); recErr != nil {
		x.logger.Warn("record step result failed", "error", recErr)
	}

	switch res.State {
	case domain.StepStateFailed:
		x.logger.Error("step failed", "attempts", res.AttemptCount, "duration", res.Duration, "error", res.Error)
	default:
		x.logger.Info("step finished", "state", res.State, "cached", res.Cached, "attempts", res.AttemptCount, "duration", res.Duration)
	}
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type noopMetadata struct{}

func (noopMetadata) RecordRun(context.Context, domain.Run) error                       { return nil }
func (noopMetadata) RecordStepResult(context.Context, string, domain.StepResult) error { return nil }
func (noopMetadata) RecordArtifact(context.Context, domain.Artifact) error             { return nil }
func (noopMetadata) RecordLineage(context.Context, domain.LineageEdge) error           { return nil }
