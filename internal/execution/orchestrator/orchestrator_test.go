package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/artifacts"
	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/engine"
	"github.com/animus-labs/animus-pipelines/internal/execution/params"
	"github.com/animus-labs/animus-pipelines/internal/execution/plan"
	"github.com/animus-labs/animus-pipelines/internal/storage/objectstore"
)

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]ExecutionStatus{
		"PENDING":     StatusQueued,
		"queued":      StatusQueued,
		"Starting":    StatusInitializing,
		"in_progress": StatusRunning,
		"running":     StatusRunning,
		"Completed":   StatusSucceeded,
		"error":       StatusFailed,
		"canceled":    StatusCancelled,
		"terminated":  StatusCancelled,
		"mystery":     "",
	}
	for native, want := range tests {
		if got := NormalizeStatus(native); got != want {
			t.Fatalf("NormalizeStatus(%q)=%q, want %q", native, got, want)
		}
	}
	if StatusRunning.Done() || !StatusCancelled.Done() {
		t.Fatalf("unexpected Done semantics")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry[string]()
	factory := func(_ context.Context, settings Settings, _ Env) (string, error) {
		return settings.Get("name", "default"), nil
	}
	if err := reg.Register("Echo", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("echo", factory); err == nil {
		t.Fatalf("expected duplicate kind error")
	}
	got, err := reg.New(context.Background(), "echo", Settings{"name": " custom "}, Env{})
	if err != nil || got != "custom" {
		t.Fatalf("New()=%q, %v", got, err)
	}
	if _, err := reg.New(context.Background(), "missing", nil, Env{}); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if !reflect.DeepEqual(reg.Kinds(), []string{"echo"}) {
		t.Fatalf("unexpected kinds %v", reg.Kinds())
	}
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	store, err := artifacts.NewStore(objectstore.NewMemoryStore(), "artifacts", "")
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	eng, err := engine.New(engine.Config{Artifacts: store})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return eng
}

func scalePipeline(t *testing.T, block chan struct{}) *domain.Pipeline {
	t.Helper()
	p := domain.NewPipeline("scale", map[string]any{"factor": 2}, false)
	err := p.AddStep(domain.Step{
		Name:    "scale",
		Inputs:  []string{"factor"},
		Outputs: []string{"scaled"},
		Func: func(ctx context.Context, in domain.StepInput) (domain.Outputs, error) {
			if block != nil {
				select {
				case <-block:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return domain.Outputs{"scaled": params.MustArg[int](in, "factor") * 10}, nil
		},
	})
	if err != nil {
		t.Fatalf("add step: %v", err)
	}
	return p
}

func newLocal(t *testing.T, p *domain.Pipeline, maxRuns int) *Local {
	t.Helper()
	catalog, err := NewCatalog(p)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	local, err := NewLocal(LocalConfig{Catalog: catalog, Engine: newTestEngine(t), MaxConcurrentRuns: maxRuns})
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	return local
}

func waitStatus(t *testing.T, o Orchestrator, handle RunHandle, want ExecutionStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := o.Status(context.Background(), handle)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", handle.RunID, want)
}

func TestLocalSubmitWait(t *testing.T) {
	p := scalePipeline(t, nil)
	local := newLocal(t, p, 0)
	execPlan, err := plan.BuildPlan(p, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	handle, err := local.Submit(context.Background(), execPlan, map[string]any{"factor": 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	run, err := local.Wait(context.Background(), handle)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if run.Status != domain.RunStatusSucceeded || run.Outputs["scaled"] != 30 {
		t.Fatalf("unexpected run %+v", run)
	}
	if status, _ := local.Status(context.Background(), handle); status != StatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", status)
	}
}

func TestLocalSubmitRejectsMissingParameters(t *testing.T) {
	p := domain.NewPipeline("needs-input", nil, false)
	if err := p.AddStep(domain.Step{
		Name:    "use",
		Inputs:  []string{"threshold", "limit"},
		Outputs: []string{"out"},
		Func: func(context.Context, domain.StepInput) (domain.Outputs, error) {
			return domain.Outputs{"out": 1}, nil
		},
	}); err != nil {
		t.Fatalf("add step: %v", err)
	}
	local := newLocal(t, p, 0)
	execPlan := domain.ExecutionPlan{
		PipelineName: "needs-input",
		Steps:        []domain.ExecutionPlanStep{{Name: "use"}},
		Groups:       []domain.PlanGroup{{Name: "step:use", Steps: []string{"use"}}},
	}
	_, err := local.Submit(context.Background(), execPlan, nil)
	if !errors.Is(err, domain.ErrMissingParameter) {
		t.Fatalf("expected missing parameter error, got %v", err)
	}
	var missing *domain.MissingParameterError
	if !errors.As(err, &missing) || !reflect.DeepEqual(missing.Names, []string{"threshold", "limit"}) {
		t.Fatalf("expected every missing name, got %v", err)
	}
}

func TestLocalQueueAndCancel(t *testing.T) {
	block := make(chan struct{})
	p := scalePipeline(t, block)
	local := newLocal(t, p, 1)
	execPlan, err := plan.BuildPlan(p, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	first, err := local.Submit(context.Background(), execPlan, nil)
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	waitStatus(t, local, first, StatusRunning)

	second, err := local.Submit(context.Background(), execPlan, nil)
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if status, _ := local.Status(context.Background(), second); status != StatusQueued {
		t.Fatalf("expected second run queued, got %s", status)
	}

	if err := local.Cancel(context.Background(), first); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	run, err := local.Wait(context.Background(), first)
	if err != nil {
		t.Fatalf("wait first: %v", err)
	}
	if run.Status != domain.RunStatusCancelled {
		t.Fatalf("expected cancelled run, got %s", run.Status)
	}

	close(block)
	run, err = local.Wait(context.Background(), second)
	if err != nil || run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected queued run to finish, got %s (%v)", run.Status, err)
	}
}

func TestLocalEvictsFinishedRunsAfterRetention(t *testing.T) {
	p := scalePipeline(t, nil)
	catalog, err := NewCatalog(p)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	var clock atomic.Int64
	clock.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	local, err := NewLocal(LocalConfig{
		Catalog:   catalog,
		Engine:    newTestEngine(t),
		Retention: time.Minute,
		Now:       func() time.Time { return time.Unix(0, clock.Load()) },
	})
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	execPlan, err := plan.BuildPlan(p, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	old, err := local.Submit(context.Background(), execPlan, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := local.Wait(context.Background(), old); err != nil {
		t.Fatalf("wait: %v", err)
	}

	clock.Add(int64(30 * time.Second))
	recent, err := local.Submit(context.Background(), execPlan, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := local.Wait(context.Background(), recent); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := local.Status(context.Background(), old); err != nil {
		t.Fatalf("run inside retention must stay queryable: %v", err)
	}

	clock.Add(int64(45 * time.Second))
	if _, err := local.Submit(context.Background(), execPlan, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := local.Status(context.Background(), old); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected expired run to be evicted, got %v", err)
	}
	if _, err := local.Status(context.Background(), recent); err != nil {
		t.Fatalf("recent run must survive eviction: %v", err)
	}
}

func TestLocalUnknownRun(t *testing.T) {
	local := newLocal(t, scalePipeline(t, nil), 0)
	if _, err := local.Status(context.Background(), RunHandle{RunID: "nope"}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := local.Cancel(context.Background(), RunHandle{RunID: "nope"}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestLocalFactory(t *testing.T) {
	catalog, _ := NewCatalog(scalePipeline(t, nil))
	env := Env{Catalog: catalog, Engine: newTestEngine(t)}
	if _, err := LocalFactory(context.Background(), Settings{"max_workers": "2", "failure_policy": "abort"}, env); err != nil {
		t.Fatalf("factory: %v", err)
	}
	if _, err := LocalFactory(context.Background(), Settings{"max_workers": "many"}, env); err == nil {
		t.Fatalf("expected invalid max_workers error")
	}
	if _, err := LocalFactory(context.Background(), Settings{"failure_policy": "shrug"}, env); err == nil {
		t.Fatalf("expected invalid failure policy error")
	}
	if _, err := LocalFactory(context.Background(), Settings{"retention": "15m"}, env); err != nil {
		t.Fatalf("factory with retention: %v", err)
	}
	if _, err := LocalFactory(context.Background(), Settings{"retention": "soon"}, env); err == nil {
		t.Fatalf("expected invalid retention error")
	}
}
