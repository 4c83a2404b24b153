package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestConfigFromEnv(t *testing.T) {
	cfg, err := ConfigFromEnv("orchestrator")
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Exporter != ExporterNone || cfg.SampleRatio != 1 || cfg.ServiceName != "orchestrator" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	t.Setenv("ANIMUS_TRACE_EXPORTER", " OTLP ")
	t.Setenv("ANIMUS_TRACE_ENDPOINT", "http://collector:4318")
	t.Setenv("ANIMUS_TRACE_SAMPLE_RATIO", "0.25")
	cfg, err = ConfigFromEnv("runner")
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Exporter != ExporterOTLP || cfg.Endpoint != "http://collector:4318" || cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("ANIMUS_TRACE_SAMPLE_RATIO", "2")
	if _, err := ConfigFromEnv("runner"); err == nil {
		t.Fatalf("expected sample ratio error")
	}
	t.Setenv("ANIMUS_TRACE_SAMPLE_RATIO", "1")
	t.Setenv("ANIMUS_TRACE_EXPORTER", "zipkin")
	if _, err := ConfigFromEnv("runner"); err == nil {
		t.Fatalf("expected unsupported exporter error")
	}
}

func TestSetupNoneKeepsGlobalProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), Config{Exporter: ExporterNone, SampleRatio: 1}, nil)
	if err != nil {
		t.Fatalf("Setup() err=%v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatalf("provider must not change without an exporter")
	}
}

func TestSetupStdoutExportsSpans(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	var out bytes.Buffer
	shutdown, err := Setup(context.Background(), Config{ServiceName: "runner", Exporter: ExporterStdout, SampleRatio: 1}, &out)
	if err != nil {
		t.Fatalf("Setup() err=%v", err)
	}
	_, span := otel.Tracer("tracing-test").Start(context.Background(), "pipeline.step")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "pipeline.step") || !strings.Contains(got, "runner") {
		t.Fatalf("expected exported span with service name, got %q", got)
	}
}
