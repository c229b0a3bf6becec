package relay

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/waku-org/go-waku-relay"

// metrics records relay activity through otel instruments. It is fed as a
// raw tracer for message events and called directly by the router for state
// it owns.
type metrics struct {
	meshSizeGauge      metric.Int64Gauge
	peersGauge         metric.Int64Gauge
	topicsGauge        metric.Int64Gauge
	delivered          metric.Int64Counter
	rejected           metric.Int64Counter
	duplicates         metric.Int64Counter
	ignored            metric.Int64Counter
	sendFailures       metric.Int64Counter
	peerScoreHistogram metric.Float64Histogram
	heartbeatHistogram metric.Int64Histogram
}

var _ RawTracer = (*metrics)(nil)

func newMetrics(mp metric.MeterProvider) (m *metrics, err error) {
	meter := mp.Meter(meterName)
	m = &metrics{}

	if m.meshSizeGauge, err = meter.Int64Gauge(
		"mesh.size",
		metric.WithDescription("Size of the gossipsub mesh"),
	); err != nil {
		return nil, err
	}
	if m.peersGauge, err = meter.Int64Gauge(
		"peers",
		metric.WithDescription("Number of connected relay peers"),
	); err != nil {
		return nil, err
	}
	if m.topicsGauge, err = meter.Int64Gauge(
		"topics",
		metric.WithDescription("Number of subscribed topics"),
	); err != nil {
		return nil, err
	}
	if m.delivered, err = meter.Int64Counter(
		"messages.delivered",
		metric.WithDescription("Messages delivered to local subscriptions"),
	); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter(
		"messages.rejected",
		metric.WithDescription("Messages rejected, by reason"),
	); err != nil {
		return nil, err
	}
	if m.duplicates, err = meter.Int64Counter(
		"messages.duplicate",
		metric.WithDescription("Duplicate messages received"),
	); err != nil {
		return nil, err
	}
	if m.ignored, err = meter.Int64Counter(
		"messages.ignored",
		metric.WithDescription("Messages ignored by validators"),
	); err != nil {
		return nil, err
	}
	if m.sendFailures, err = meter.Int64Counter(
		"send.failures",
		metric.WithDescription("Frames the network refused to send"),
	); err != nil {
		return nil, err
	}
	if m.peerScoreHistogram, err = meter.Float64Histogram(
		"peer.score",
		metric.WithDescription("Scores of connected peers, sampled every heartbeat"),
		metric.WithExplicitBucketBoundaries(-100, -80, -50, -10, 0, 5, 20, 100),
	); err != nil {
		return nil, err
	}
	if m.heartbeatHistogram, err = meter.Int64Histogram(
		"heartbeat.duration",
		metric.WithDescription("Duration of a heartbeat"),
		metric.WithUnit("us"),
		metric.WithExplicitBucketBoundaries(100, 500, 1_000, 5_000, 10_000, 50_000, 100_000, 500_000, 1_000_000),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metrics) meshSize(topic string, n int) {
	m.meshSizeGauge.Record(context.Background(), int64(n), metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *metrics) peers(n int) {
	m.peersGauge.Record(context.Background(), int64(n))
}

func (m *metrics) topics(n int) {
	m.topicsGauge.Record(context.Background(), int64(n))
}

func (m *metrics) sendFailed() {
	m.sendFailures.Add(context.Background(), 1)
}

func (m *metrics) peerScore(s float64) {
	m.peerScoreHistogram.Record(context.Background(), s)
}

func (m *metrics) heartbeatDone(d time.Duration) {
	m.heartbeatHistogram.Record(context.Background(), d.Microseconds())
}

func (m *metrics) DeliverMessage(msg *Message) {
	if msg.Local {
		return
	}
	m.delivered.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", msg.GetTopic())))
}

func (m *metrics) RejectMessage(msg *Message, reason string) {
	if reason == RejectValidationIgnored {
		m.ignored.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", msg.GetTopic())))
		return
	}
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("topic", msg.GetTopic()),
		attribute.String("reason", reason),
	))
}

func (m *metrics) DuplicateMessage(msg *Message) {
	m.duplicates.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", msg.GetTopic())))
}

func (m *metrics) AddPeer(p peer.ID, proto protocol.ID) {}
func (m *metrics) RemovePeer(p peer.ID)                 {}
func (m *metrics) Join(topic string)                    {}
func (m *metrics) Leave(topic string)                   {}
func (m *metrics) Graft(p peer.ID, topic string)        {}
func (m *metrics) Prune(p peer.ID, topic string)        {}
func (m *metrics) ValidateMessage(msg *Message)         {}
func (m *metrics) ThrottlePeer(p peer.ID)               {}
