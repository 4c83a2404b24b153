package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/animus-labs/animus-pipelines/internal/demo"
	"github.com/animus-labs/animus-pipelines/internal/deploy"
	"github.com/animus-labs/animus-pipelines/internal/execution/orchestrator/remote"
	"github.com/animus-labs/animus-pipelines/internal/platform/auditlog"
	"github.com/animus-labs/animus-pipelines/internal/platform/auth"
	"github.com/animus-labs/animus-pipelines/internal/platform/env"
	"github.com/animus-labs/animus-pipelines/internal/platform/httpserver"
	"github.com/animus-labs/animus-pipelines/internal/platform/tracing"
)

const service = "orchestrator"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("ORCHESTRATOR_HTTP_ADDR", ":8090")
	shutdownTimeout, err := env.Duration("ORCHESTRATOR_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	traceCfg, err := tracing.ConfigFromEnv(service)
	if err != nil {
		logger.Error("invalid tracing config", "error", err)
		os.Exit(2)
	}
	shutdownTracing, err := tracing.Setup(ctx, traceCfg, os.Stderr)
	if err != nil {
		logger.Error("tracing unavailable", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.New(ctx, authCfg)
	if err != nil {
		logger.Error("auth unavailable", "error", err)
		os.Exit(1)
	}
	if authCfg.Mode == auth.ModeDisabled {
		logger.Warn("authentication disabled; every caller is admin")
	}

	deployment, err := deploy.LoadOrDefault(env.String("ANIMUS_DEPLOY_FILE", ""))
	if err != nil {
		logger.Error("invalid deployment", "error", err)
		os.Exit(2)
	}
	catalog, err := demo.Catalog(env.List("ORCHESTRATOR_PIPELINES", nil)...)
	if err != nil {
		logger.Error("pipeline catalog", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	components, err := deploy.DefaultRegistries().Resolve(ctx, deployment, env.String("ANIMUS_DEPLOY_TARGET", ""), deploy.Options{
		Catalog:    catalog,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		logger.Error("resolve deployment", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("release components", "error", err)
		}
	}()

	api, err := remote.NewHandler(components.Orchestrator, catalog, logger)
	if err != nil {
		logger.Error("orchestrator api", "error", err)
		os.Exit(1)
	}

	var checks []httpserver.ReadinessCheck
	middleware := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
	}
	if db := components.DB; db != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
		deny := auditlog.AuthDeny(db, service)
		middleware.Audit = func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return deny(auditCtx, event)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.Readyz(service, checks...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/v1/", api)

	cfg := httpserver.Config{
		Service:         service,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	logger.Info("serving pipelines", "target", components.Target, "pipelines", catalog.Names())
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, service, middleware.Wrap(mux))); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
