package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/animus-labs/animus-pipelines/internal/demo"
	"github.com/animus-labs/animus-pipelines/internal/deploy"
	"github.com/animus-labs/animus-pipelines/internal/domain"
	"github.com/animus-labs/animus-pipelines/internal/execution/scheduler"
	"github.com/animus-labs/animus-pipelines/internal/platform/auditlog"
	"github.com/animus-labs/animus-pipelines/internal/platform/env"
	"github.com/animus-labs/animus-pipelines/internal/platform/tracing"
	"github.com/animus-labs/animus-pipelines/internal/service/runs"
)

type paramFlags map[string]any

func (p paramFlags) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p paramFlags) Set(raw string) error {
	name, value, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", raw)
	}
	p[name] = parseValue(value)
	return nil
}

func main() {
	deployFile := flag.String("deploy", env.String("ANIMUS_DEPLOY_FILE", ""), "deployment file (empty runs in-process with memory backends)")
	target := flag.String("target", env.String("ANIMUS_DEPLOY_TARGET", ""), "deployment target (empty uses default_target)")
	pipelineName := flag.String("pipeline", demo.LoadDoubleName, "pipeline to run")
	maxWorkers := flag.Int("max-workers", 0, "run in-process with this many workers (0 uses the target orchestrator)")
	failurePolicy := flag.String("failure-policy", "", "skip_dependents or abort_run (implies an in-process run)")
	actor := flag.String("actor", env.String("USER", ""), "actor recorded in audit events")
	overrides := paramFlags{}
	flag.Var(overrides, "param", "parameter override name=value; repeatable")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg, err := tracing.ConfigFromEnv("pipeline-runner")
	if err != nil {
		die("tracing config", err)
	}
	// Stdout carries the run report, so spans go to stderr.
	shutdownTracing, err := tracing.Setup(ctx, traceCfg, os.Stderr)
	if err != nil {
		die("tracing", err)
	}

	deployment, err := deploy.LoadOrDefault(*deployFile)
	if err != nil {
		die("load deployment", err)
	}
	catalog, err := demo.Catalog()
	if err != nil {
		die("pipeline catalog", err)
	}
	p, ok := catalog.Lookup(*pipelineName)
	if !ok {
		die("pipeline", fmt.Errorf("unknown pipeline %q (have: %s)", *pipelineName, strings.Join(catalog.Names(), ", ")))
	}

	components, err := deploy.DefaultRegistries().Resolve(ctx, deployment, *target, deploy.Options{Catalog: catalog, Logger: logger})
	if err != nil {
		die("resolve deployment", err)
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("release components", "error", err)
		}
	}()

	cfg := runs.Config{
		Orchestrator: components.Orchestrator,
		Engine:       components.Engine,
		Metadata:     components.Metadata,
		Logger:       logger,
	}
	if components.DB != nil {
		cfg.Auditor = auditlog.Writer{DB: components.DB}
	}
	svc, err := runs.New(cfg)
	if err != nil {
		die("run service", err)
	}

	opts := runs.RunOptions{
		Params: overrides,
		Audit:  runs.AuditInfo{Actor: *actor},
	}
	if *maxWorkers > 0 || *failurePolicy != "" {
		policy, ok := scheduler.NormalizeFailurePolicy(*failurePolicy)
		if !ok {
			die("failure policy", fmt.Errorf("unsupported %q", *failurePolicy))
		}
		opts.Scheduler = &scheduler.Options{MaxWorkers: *maxWorkers, FailurePolicy: policy}
	}

	fmt.Printf("==> running %s on target %s\n", p.Name, components.Target)
	run, err := svc.Run(ctx, p, opts)
	if err != nil && run.ID == "" {
		die("run", err)
	}
	report(run)
	flushTraces(shutdownTracing, logger)
	if err != nil {
		die("run", err)
	}
	if run.Status != domain.RunStatusSucceeded {
		os.Exit(1)
	}
}

func report(run domain.Run) {
	fmt.Printf("==> run %s: %s\n", run.ID, run.Status)
	names := make([]string, 0, len(run.StepResults))
	for name := range run.StepResults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res := run.StepResults[name]
		line := fmt.Sprintf("    %-12s %-10s attempts=%d", name, res.State, res.AttemptCount)
		if res.Cached {
			line += " cached"
		}
		if res.Error != "" {
			line += " error=" + res.Error
		} else if res.Err != nil {
			line += " error=" + res.Err.Error()
		}
		fmt.Println(line)
	}
	keys := make([]string, 0, len(run.Outputs))
	for k := range run.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("==> output %s = %v\n", k, run.Outputs[k])
	}
}

// parseValue reads JSON scalars and lists; anything else stays a string.
// Whole numbers become int so they bind to int-typed parameters.
func parseValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return normalize(v)
}

func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalize(t[k])
		}
		return t
	default:
		return v
	}
}

// flushTraces exports buffered spans before the process exits.
func flushTraces(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("flush traces", "error", err)
	}
}

func die(step string, err error) {
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "interrupted: %s\n", step)
		os.Exit(130)
	}
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", step, err)
	os.Exit(1)
}
