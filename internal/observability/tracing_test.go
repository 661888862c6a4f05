package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestTracingConfigFrom(t *testing.T) {
	env := map[string]string{
		"HANDOVER_TRACING_ENABLED":      "true",
		"HANDOVER_TRACING_EXPORTER":     "OTLP",
		"HANDOVER_TRACING_SAMPLE_RATIO": "0.25",
		"HANDOVER_OTLP_ENDPOINT":        "collector:4317",
	}
	cfg, err := TracingConfigFrom(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("TracingConfigFrom: %v", err)
	}
	if !cfg.Enabled || cfg.Exporter != ExporterOTLP || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ServiceName != "handover-engine" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}
}

func TestTracingConfigFromKeepsDefaultsOnBadValues(t *testing.T) {
	env := map[string]string{
		"HANDOVER_TRACING_ENABLED":      "yes please",
		"HANDOVER_TRACING_SAMPLE_RATIO": "2",
	}
	cfg, err := TracingConfigFrom(func(k string) string { return env[k] })
	if err == nil || !strings.Contains(err.Error(), "HANDOVER_TRACING_ENABLED") {
		t.Fatalf("err = %v, want the first malformed key", err)
	}
	if cfg.Enabled || cfg.SampleRatio != 1 || cfg.Exporter != ExporterStdout {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	shutdown, err := InitTracing(ctx, TracingConfig{
		Enabled:     true,
		ServiceName: "handover-test",
		Exporter:    ExporterStdout,
		SampleRatio: 1,
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() {
		_, _ = InitTracing(ctx, TracingConfig{}, nil)
	})

	_, span := otel.Tracer("test").Start(ctx, "handover.score")
	span.End()
	ShutdownWithTimeout(ctx, shutdown, nil)

	if !strings.Contains(buf.String(), "handover.score") {
		t.Fatalf("exported spans missing handover.score:\n%s", buf.String())
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatal("InitTracing accepted an unknown exporter")
	}
}
