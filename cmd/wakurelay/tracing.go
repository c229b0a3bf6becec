package main

import (
	"context"
	"fmt"
	"io"

	relay "github.com/waku-org/go-waku-relay"
	"github.com/waku-org/go-waku-relay/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// setupTracing installs the span exporter selected by cfg as the global
// tracer provider and enables relay spans. The returned function flushes
// and stops the exporter. Tracing stays disabled when no exporter is set.
func setupTracing(ctx context.Context, cfg *config.Config, stdout io.Writer) (func(context.Context) error, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.TraceExporter {
	case config.TraceExporterNone:
		return func(context.Context) error { return nil }, nil
	case config.TraceExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(stdout), stdouttrace.WithPrettyPrint())
	case config.TraceExporterOTLP:
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.TraceEndpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s span exporter: %w", cfg.TraceExporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("wakurelay"),
			semconv.ServiceVersionKey.String(version),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
	)
	otel.SetTracerProvider(tp)

	relay.InitOtelTracingWithTopicFilter(cfg.TraceTopicFilter)
	log.Infof("tracing enabled; exporting spans to %s", cfg.TraceExporter)

	return tp.Shutdown, nil
}
