package p2p

import (
	"context"
	"testing"
	"time"

	relay "github.com/waku-org/go-waku-relay"
	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/benbjohnson/clock"
	coreconnmgr "github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/stretchr/testify/require"
)

func newTestConnMgr(t *testing.T, clk clock.Clock) *connmgr.BasicConnMgr {
	t.Helper()
	cmgr, err := connmgr.NewConnManager(5, 10,
		connmgr.WithGracePeriod(time.Minute),
		connmgr.DecayerConfig(&connmgr.DecayerCfg{Clock: clk, Resolution: time.Minute}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cmgr.Close() })
	return cmgr
}

func newTestTagTracer(t *testing.T, cmgr coreconnmgr.ConnManager, direct []peer.ID, clk clock.Clock) *TagTracer {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return newTagTracer(ctx, cmgr, direct, clk)
}

func getTagValue(mgr coreconnmgr.ConnManager, p peer.ID, tag string) int {
	info := mgr.GetTagInfo(p)
	if info == nil {
		return 0
	}
	return info.Tags[tag]
}

func deliveredMessage(id string, from peer.ID, topic string) *relay.Message {
	return &relay.Message{
		ID:           id,
		ReceivedFrom: from,
		Message:      &pb.Message{Data: []byte("hello"), Topic: topic},
	}
}

func TestTagTracerMeshTags(t *testing.T) {
	clk := clock.NewMock()
	cmgr := newTestConnMgr(t, clk)
	tt := newTestTagTracer(t, cmgr, nil, clk)

	p := peer.ID("a-peer")
	topic := "a-topic"

	tt.Join(topic)
	tt.Graft(p, topic)
	require.Equal(t, ConnTagValueMeshPeer, getTagValue(cmgr, p, "relay:"+topic))

	tt.Prune(p, topic)
	require.Zero(t, getTagValue(cmgr, p, "relay:"+topic))
}

func TestTagTracerDirectPeerTags(t *testing.T) {
	clk := clock.NewMock()
	cmgr := newTestConnMgr(t, clk)

	p1 := peer.ID("1")
	p2 := peer.ID("2")
	tt := newTestTagTracer(t, cmgr, []peer.ID{p1}, clk)

	tt.AddPeer(p1, relay.WakuRelayID_v200)
	tt.AddPeer(p2, relay.WakuRelayID_v200)

	require.Equal(t, ConnTagValueDirectPeer, getTagValue(cmgr, p1, "relay:direct"))
	require.Zero(t, getTagValue(cmgr, p2, "relay:direct"))
}

func TestTagTracerDeliveryTags(t *testing.T) {
	clk := clock.NewMock()
	cmgr := newTestConnMgr(t, clk)
	tt := newTestTagTracer(t, cmgr, nil, clk)

	p := peer.ID("a-peer")
	tt.Join("topic-1")
	tt.Join("topic-2")

	for i := 0; i < 20; i++ {
		msg := deliveredMessage(string(rune('a'+i)), p, "topic-1")
		tt.ValidateMessage(msg)
		tt.DeliverMessage(msg)
		if i < 5 {
			msg := deliveredMessage(string(rune('A'+i)), p, "topic-2")
			tt.ValidateMessage(msg)
			tt.DeliverMessage(msg)
		}
	}

	// bumps are applied by the decayer goroutine
	require.Eventually(t, func() bool {
		return getTagValue(cmgr, p, "relay-deliveries:topic-1") == ConnTagMessageDeliveryCap &&
			getTagValue(cmgr, p, "relay-deliveries:topic-2") == 5
	}, 5*time.Second, 10*time.Millisecond)

	// the decayer ticker starts in its own goroutine, so keep the clock moving
	require.Eventually(t, func() bool {
		clk.Add(ConnTagDecayInterval)
		return getTagValue(cmgr, p, "relay-deliveries:topic-1") < ConnTagMessageDeliveryCap
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTagTracerNearFirstDeliveries(t *testing.T) {
	clk := clock.NewMock()
	cmgr := newTestConnMgr(t, clk)
	tt := newTestTagTracer(t, cmgr, nil, clk)

	first := peer.ID("first")
	second := peer.ID("second")
	late := peer.ID("late")
	tt.Join("t")

	msg := deliveredMessage("m1", first, "t")
	tt.ValidateMessage(msg)
	// arrives while the first copy is validating
	tt.DuplicateMessage(deliveredMessage("m1", second, "t"))
	tt.DeliverMessage(msg)
	// arrives after validation and earns nothing
	tt.DuplicateMessage(deliveredMessage("m1", late, "t"))

	require.Eventually(t, func() bool {
		return getTagValue(cmgr, first, "relay-deliveries:t") == 1 &&
			getTagValue(cmgr, second, "relay-deliveries:t") == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, getTagValue(cmgr, late, "relay-deliveries:t"))
}

func TestTagTracerRejectedMessagesEarnNothing(t *testing.T) {
	clk := clock.NewMock()
	cmgr := newTestConnMgr(t, clk)
	tt := newTestTagTracer(t, cmgr, nil, clk)

	p := peer.ID("dup")
	tt.Join("t")

	msg := deliveredMessage("bad", peer.ID("author"), "t")
	tt.ValidateMessage(msg)
	tt.DuplicateMessage(deliveredMessage("bad", p, "t"))
	tt.RejectMessage(msg, relay.RejectValidationFailed)

	tt.mx.Lock()
	drec := tt.deliveries["bad"]
	tt.mx.Unlock()
	require.Equal(t, deliveryInvalid, drec.status)
	require.Nil(t, drec.peers)

	// records are collected once old enough
	clk.Add(deliveryRecordTTL + 2*time.Minute)
	require.Eventually(t, func() bool {
		tt.mx.Lock()
		defer tt.mx.Unlock()
		return len(tt.deliveries) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
