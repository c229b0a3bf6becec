package p2p

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	relay "github.com/waku-org/go-waku-relay"
	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type inFrame struct {
	from peer.ID
	data []byte
}

type fakeReceiver struct {
	mx      sync.Mutex
	added   map[peer.ID]protocol.ID
	removed []peer.ID
	frames  chan inFrame
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{
		added:  make(map[peer.ID]protocol.ID),
		frames: make(chan inFrame, 64),
	}
}

func (r *fakeReceiver) AddPeer(p peer.ID, proto protocol.ID) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.added[p] = proto
	return nil
}

func (r *fakeReceiver) RemovePeer(p peer.ID) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.removed = append(r.removed, p)
	return nil
}

func (r *fakeReceiver) HandleFrame(p peer.ID, frame []byte) error {
	r.frames <- inFrame{from: p, data: frame}
	return nil
}

func (r *fakeReceiver) hasPeer(p peer.ID) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.added[p]
	return ok
}

func (r *fakeReceiver) wasRemoved(p peer.ID) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, q := range r.removed {
		if q == p {
			return true
		}
	}
	return false
}

func (r *fakeReceiver) next(t *testing.T) inFrame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return inFrame{}
	}
}

func newMocknet(t *testing.T, n int) (mocknet.Mocknet, []host.Host) {
	t.Helper()
	mn := mocknet.New()
	t.Cleanup(func() { mn.Close() })

	hosts := make([]host.Host, n)
	for i := range hosts {
		h, err := mn.GenPeer()
		require.NoError(t, err)
		hosts[i] = h
	}
	require.NoError(t, mn.LinkAll())
	return mn, hosts
}

func startNetwork(t *testing.T, h host.Host, recv Receiver, opts ...Option) *Network {
	t.Helper()
	n, err := NewNetwork(h, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, n.Start(ctx, recv))
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNetworkExchangesFrames(t *testing.T) {
	mn, hosts := newMocknet(t, 2)
	r1, r2 := newFakeReceiver(), newFakeReceiver()
	n1 := startNetwork(t, hosts[0], r1)
	n2 := startNetwork(t, hosts[1], r2)

	_, err := mn.ConnectPeers(hosts[0].ID(), hosts[1].ID())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r1.hasPeer(hosts[1].ID()) && r2.hasPeer(hosts[0].ID())
	}, 5*time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []peer.ID{hosts[1].ID()}, n1.ConnectedPeers())

	require.NoError(t, n1.Send(hosts[1].ID(), relay.WakuRelayID_v200, []byte("one")))
	require.NoError(t, n1.SendUrgent(hosts[1].ID(), relay.WakuRelayID_v200, []byte("two")))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		f := r2.next(t)
		require.Equal(t, hosts[0].ID(), f.from)
		got[string(f.data)] = true
	}
	require.Equal(t, map[string]bool{"one": true, "two": true}, got)

	require.NoError(t, n2.Send(hosts[0].ID(), relay.WakuRelayID_v200, []byte("back")))
	f := r1.next(t)
	require.Equal(t, "back", string(f.data))
}

func TestNetworkSendToUnknownPeer(t *testing.T) {
	_, hosts := newMocknet(t, 2)
	n := startNetwork(t, hosts[0], newFakeReceiver())

	err := n.Send(hosts[1].ID(), relay.WakuRelayID_v200, []byte("hi"))
	require.ErrorIs(t, err, ErrNotConnected)

	err = n.Send(hosts[1].ID(), relay.WakuRelayID_v200, make([]byte, DefaultMaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestNetworkNotStarted(t *testing.T) {
	_, hosts := newMocknet(t, 1)
	n, err := NewNetwork(hosts[0])
	require.NoError(t, err)
	require.ErrorIs(t, n.Send("someone", relay.WakuRelayID_v200, nil), ErrNetworkClosed)

	require.NoError(t, n.Start(context.Background(), newFakeReceiver()))
	require.ErrorIs(t, n.Start(context.Background(), newFakeReceiver()), ErrAlreadyStarted)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
}

func TestNetworkPeerRemovedOnDisconnect(t *testing.T) {
	mn, hosts := newMocknet(t, 2)
	r1 := newFakeReceiver()
	n1 := startNetwork(t, hosts[0], r1)
	startNetwork(t, hosts[1], newFakeReceiver())

	_, err := mn.ConnectPeers(hosts[0].ID(), hosts[1].ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r1.hasPeer(hosts[1].ID()) }, 5*time.Second, 10*time.Millisecond)

	require.True(t, n1.IsOutbound(hosts[1].ID()))
	for _, ip := range n1.PeerIPs(hosts[1].ID()) {
		require.NotNil(t, net.ParseIP(ip), "not an ip: %s", ip)
	}

	require.NoError(t, mn.DisconnectPeers(hosts[0].ID(), hosts[1].ID()))
	require.Eventually(t, func() bool { return r1.wasRemoved(hosts[1].ID()) }, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, n1.ConnectedPeers())
	require.ErrorIs(t, n1.Send(hosts[1].ID(), relay.WakuRelayID_v200, []byte("x")), ErrNotConnected)
}

func TestNetworkIgnoresOtherProtocols(t *testing.T) {
	mn, hosts := newMocknet(t, 2)
	r1 := newFakeReceiver()
	startNetwork(t, hosts[0], r1)
	startNetwork(t, hosts[1], newFakeReceiver(), WithProtocols("/other/1.0.0"))

	_, err := mn.ConnectPeers(hosts[0].ID(), hosts[1].ID())
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	require.False(t, r1.hasPeer(hosts[1].ID()))
}

func TestNetworkInboundRateLimit(t *testing.T) {
	mn, hosts := newMocknet(t, 2)
	r2 := newFakeReceiver()
	n1 := startNetwork(t, hosts[0], newFakeReceiver())
	startNetwork(t, hosts[1], r2, WithInboundRateLimit(rate.Every(time.Hour), 2))

	_, err := mn.ConnectPeers(hosts[0].ID(), hosts[1].ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(n1.ConnectedPeers()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, n1.Send(hosts[1].ID(), relay.WakuRelayID_v200, []byte{byte(i)}))
	}

	r2.next(t)
	r2.next(t)
	select {
	case f := <-r2.frames:
		t.Fatalf("frame %v got past the rate limit", f.data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNetworkOptions(t *testing.T) {
	_, hosts := newMocknet(t, 1)

	_, err := NewNetwork(hosts[0], WithPeerOutboundQueueSize(0))
	require.Error(t, err)
	_, err = NewNetwork(hosts[0], WithMaxFrameSize(-1))
	require.Error(t, err)
	_, err = NewNetwork(hosts[0], WithInboundRateLimit(rate.Inf, 0))
	require.Error(t, err)
	_, err = NewNetwork(hosts[0], WithProtocols())
	require.Error(t, err)
}

func TestRelaysOverNetwork(t *testing.T) {
	mn, hosts := newMocknet(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relays := make([]*relay.Relay, len(hosts))
	for i, h := range hosts {
		n, err := NewNetwork(h)
		require.NoError(t, err)
		r, err := relay.NewWakuRelay(ctx, n)
		require.NoError(t, err)
		require.NoError(t, n.Start(ctx, r))
		relays[i] = r
		t.Cleanup(func() {
			n.Close()
			r.Close()
		})
	}

	subs := make([]*relay.Subscription, len(relays))
	for i, r := range relays {
		sub, err := r.Subscribe(relay.DefaultWakuTopic)
		require.NoError(t, err)
		subs[i] = sub
	}

	_, err := mn.ConnectPeers(hosts[0].ID(), hosts[1].ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		peers := relays[0].ListPeers(relay.DefaultWakuTopic)
		return len(peers) == 1 && peers[0] == hosts[1].ID()
	}, 5*time.Second, 10*time.Millisecond)

	wm := &pb.WakuMessage{Payload: []byte("hi"), ContentTopic: "/app/1/chat/proto"}
	id, err := relays[0].PublishWaku(ctx, relay.DefaultWakuTopic, wm)
	require.NoError(t, err)

	nctx, ncancel := context.WithTimeout(ctx, 5*time.Second)
	defer ncancel()
	msg, err := subs[1].Next(nctx)
	require.NoError(t, err)
	require.Equal(t, id, msg.ID)
	require.Equal(t, hosts[0].ID(), msg.ReceivedFrom)

	got := new(pb.WakuMessage)
	require.NoError(t, got.Unmarshal(msg.Data))
	require.Equal(t, wm.ContentTopic, got.ContentTopic)
	require.Equal(t, wm.Payload, got.Payload)
}
