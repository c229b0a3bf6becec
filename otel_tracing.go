package relay

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/waku-org/go-waku-relay"
)

var (
	otelMu sync.RWMutex

	// nil until tracing is enabled
	otelTracer trace.Tracer

	// only topics containing this substring are traced; empty means all
	otelTopicFilter string
)

// InitOtelTracing enables OpenTelemetry spans around publishing and
// validation, using the global tracer provider.
// If this function is never called, all tracing operations are no-ops.
func InitOtelTracing() {
	InitOtelTracingWithTopicFilter("")
}

// InitOtelTracingWithTopicFilter enables tracing for topics containing
// topicFilter only.
func InitOtelTracingWithTopicFilter(topicFilter string) {
	otelMu.Lock()
	defer otelMu.Unlock()

	otelTracer = otel.Tracer(tracerName)
	otelTopicFilter = topicFilter
}

// IsTracingEnabled returns whether OpenTelemetry tracing is currently enabled
func IsTracingEnabled() bool {
	otelMu.RLock()
	defer otelMu.RUnlock()

	return otelTracer != nil
}

// startSpanForTopic starts a span only if the topic matches the filter.
// Returns a no-op span if tracing is disabled or the topic doesn't match.
func startSpanForTopic(ctx context.Context, operationName string, topic string) (context.Context, trace.Span) {
	otelMu.RLock()
	tracer, filter := otelTracer, otelTopicFilter
	otelMu.RUnlock()

	if tracer == nil || (filter != "" && !strings.Contains(topic, filter)) {
		return ctx, trace.SpanFromContext(ctx)
	}

	return tracer.Start(ctx, operationName, trace.WithAttributes(attribute.String("topic", topic)))
}
