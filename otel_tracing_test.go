package relay

import (
	"context"
	"testing"

	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withSpanRecorder installs a recording tracer provider for the duration of
// the test and disables tracing afterwards.
func withSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	t.Cleanup(func() {
		otelMu.Lock()
		otelTracer = nil
		otelTopicFilter = ""
		otelMu.Unlock()

		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func spanNames(rec *tracetest.SpanRecorder) map[string]int {
	names := make(map[string]int)
	for _, s := range rec.Ended() {
		names[s.Name()]++
	}
	return names
}

func TestOtelTracingDisabled(t *testing.T) {
	rec := withSpanRecorder(t)

	if IsTracingEnabled() {
		t.Fatal("tracing should be disabled by default")
	}

	_, span := startSpanForTopic(context.Background(), "test.operation", "foo")
	if span.IsRecording() {
		t.Fatal("span should not record when tracing is disabled")
	}
	span.End()

	if len(rec.Ended()) != 0 {
		t.Fatal("no span should be exported when tracing is disabled")
	}
}

func TestOtelTracingEnabled(t *testing.T) {
	rec := withSpanRecorder(t)
	InitOtelTracing()

	if !IsTracingEnabled() {
		t.Fatal("tracing should be enabled")
	}

	_, span := startSpanForTopic(context.Background(), "test.operation", "foo")
	if !span.IsRecording() {
		t.Fatal("span should be recording when tracing enabled")
	}
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span; got %d", len(ended))
	}
	var topic string
	for _, kv := range ended[0].Attributes() {
		if kv.Key == attribute.Key("topic") {
			topic = kv.Value.AsString()
		}
	}
	if topic != "foo" {
		t.Fatalf("expected the topic attribute; got %q", topic)
	}
}

func TestOtelTracingTopicFilter(t *testing.T) {
	rec := withSpanRecorder(t)
	InitOtelTracingWithTopicFilter("/waku/2/")

	_, span := startSpanForTopic(context.Background(), "traced", DefaultWakuTopic)
	span.End()
	_, span = startSpanForTopic(context.Background(), "untraced", "other-topic")
	if span.IsRecording() {
		t.Fatal("span for a filtered out topic should not record")
	}
	span.End()

	names := spanNames(rec)
	if names["traced"] != 1 || names["untraced"] != 0 {
		t.Fatalf("unexpected spans %v", names)
	}
}

func TestRelayWithOtelTracing(t *testing.T) {
	rec := withSpanRecorder(t)
	InitOtelTracing()

	tr := newTestRelay(t)
	sub := tr.subscribe(t, "foo")
	p := testPeer(1)
	tr.connect(t, p, "foo")

	err := tr.RegisterTopicValidator("foo", func(ctx context.Context, from peer.ID, msg *Message) bool {
		return true
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tr.Publish(context.Background(), "foo", []byte("local")); err != nil {
		t.Fatal(err)
	}
	nextMessage(t, sub)

	tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", "remote")}})
	nextMessage(t, sub)

	names := spanNames(rec)
	if names["relay.Publish"] != 1 {
		t.Fatalf("expected a publish span; got %v", names)
	}
	if names["relay.validate"] != 1 {
		t.Fatalf("expected a validation span for the remote message; got %v", names)
	}
}
