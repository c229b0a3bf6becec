package p2p

import (
	"context"
	"testing"
	"time"

	relay "github.com/waku-org/go-waku-relay"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/record"
	"github.com/stretchr/testify/require"
)

func newTestPeerExchange(t *testing.T, h host.Host) *PeerExchange {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	px, err := newPeerExchange(ctx, h, clock.New())
	require.NoError(t, err)
	return px
}

func signedRecord(t *testing.T, h host.Host, id peer.ID) []byte {
	t.Helper()
	rec := peer.PeerRecordFromAddrInfo(peer.AddrInfo{ID: id, Addrs: h.Addrs()})
	env, err := record.Seal(rec, h.Peerstore().PrivKey(h.ID()))
	require.NoError(t, err)
	b, err := env.Marshal()
	require.NoError(t, err)
	return b
}

func TestPeerExchangeDials(t *testing.T) {
	_, hosts := newMocknet(t, 2)
	px := newTestPeerExchange(t, hosts[0])

	px.HandlePeerExchange("t", []relay.PeerInfo{{ID: hosts[1].ID()}})

	require.Eventually(t, func() bool {
		return hosts[0].Network().Connectedness(hosts[1].ID()) == network.Connected
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, px.recent.Contains(hosts[1].ID()))
}

func TestPeerExchangeConsumesSignedRecords(t *testing.T) {
	_, hosts := newMocknet(t, 2)
	px := newTestPeerExchange(t, hosts[0])

	spr := signedRecord(t, hosts[1], hosts[1].ID())
	px.HandlePeerExchange("t", []relay.PeerInfo{{ID: hosts[1].ID(), SignedPeerRecord: spr}})

	require.Eventually(t, func() bool {
		return hosts[0].Network().Connectedness(hosts[1].ID()) == network.Connected
	}, 5*time.Second, 10*time.Millisecond)
	require.Subset(t, hosts[0].Peerstore().Addrs(hosts[1].ID()), hosts[1].Addrs())
}

func TestPeerExchangeRejectsBadRecords(t *testing.T) {
	_, hosts := newMocknet(t, 3)
	px := newTestPeerExchange(t, hosts[0])

	// a record signed by someone else than the suggested peer
	forged := signedRecord(t, hosts[2], hosts[2].ID())
	require.Error(t, px.consumeRecord(relay.PeerInfo{ID: hosts[1].ID(), SignedPeerRecord: forged}))
	require.Error(t, px.consumeRecord(relay.PeerInfo{ID: hosts[1].ID(), SignedPeerRecord: []byte("garbage")}))

	px.HandlePeerExchange("t", []relay.PeerInfo{
		{ID: hosts[1].ID(), SignedPeerRecord: forged},
		{ID: hosts[2].ID(), SignedPeerRecord: []byte("garbage")},
	})

	time.Sleep(200 * time.Millisecond)
	require.NotEqual(t, network.Connected, hosts[0].Network().Connectedness(hosts[1].ID()))
	require.NotEqual(t, network.Connected, hosts[0].Network().Connectedness(hosts[2].ID()))
}

func TestPeerExchangeSkipsSelfAndRecentDials(t *testing.T) {
	_, hosts := newMocknet(t, 2)
	px := newTestPeerExchange(t, hosts[0])

	px.dial(context.Background(), relay.PeerInfo{ID: hosts[0].ID()})
	require.False(t, px.recent.Contains(hosts[0].ID()))

	px.recent.Add(hosts[1].ID(), px.clk.Now())
	px.dial(context.Background(), relay.PeerInfo{ID: hosts[1].ID()})
	require.NotEqual(t, network.Connected, hosts[0].Network().Connectedness(hosts[1].ID()))
}
