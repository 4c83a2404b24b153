// Package tracing installs the process-wide OpenTelemetry tracer provider
// that the execution engine reports step spans to.
package tracing

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/animus-labs/animus-pipelines/internal/platform/env"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

type Config struct {
	ServiceName string
	Exporter    string
	// Endpoint is the OTLP/HTTP collector URL. Empty falls back to the
	// standard OTEL_EXPORTER_OTLP_* variables.
	Endpoint    string
	SampleRatio float64
}

// ConfigFromEnv reads ANIMUS_TRACE_EXPORTER, ANIMUS_TRACE_ENDPOINT and
// ANIMUS_TRACE_SAMPLE_RATIO.
func ConfigFromEnv(service string) (Config, error) {
	cfg := Config{
		ServiceName: service,
		Exporter:    strings.ToLower(strings.TrimSpace(env.String("ANIMUS_TRACE_EXPORTER", ExporterNone))),
		Endpoint:    strings.TrimSpace(env.String("ANIMUS_TRACE_ENDPOINT", "")),
	}
	ratio, err := env.Float("ANIMUS_TRACE_SAMPLE_RATIO", 1)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRatio = ratio
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Exporter {
	case "", ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("trace exporter unsupported: %q", c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("trace sample ratio must be within [0, 1], got %v", c.SampleRatio)
	}
	return nil
}

// Setup installs a batching tracer provider for cfg and returns its shutdown
// func, which flushes pending spans. With no exporter the global provider is
// left untouched. The stdout exporter writes to out.
func Setup(ctx context.Context, cfg Config, out io.Writer) (func(context.Context) error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "", ExporterNone:
		return func(context.Context) error { return nil }, nil
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out))
	case ExporterOTLP:
		opts := make([]otlptracehttp.Option, 0, 1)
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("%s trace exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
