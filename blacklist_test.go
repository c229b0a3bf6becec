package relay

import (
	"testing"
	"time"

	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestPeerSetBlacklist(t *testing.T) {
	b := make(peerSet)
	p := peer.ID("test")

	if !b.Add(p) {
		t.Fatal("first add should report a new entry")
	}
	if b.Add(p) {
		t.Fatal("second add of the same peer should report false")
	}
	if !b.Contains(p) {
		t.Fatal("peer not in the blacklist")
	}
	if b.Contains(peer.ID("other")) {
		t.Fatal("unexpected peer in the blacklist")
	}
}

func TestExpiringBlacklist(t *testing.T) {
	if _, err := NewExpiringBlacklist(0); err == nil {
		t.Fatal("expected a zero ttl to be refused")
	}

	b, err := NewExpiringBlacklist(50 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	p := peer.ID("test")

	if !b.Add(p) {
		t.Fatal("first add should succeed")
	}
	if !b.Contains(p) {
		t.Fatal("peer not in the blacklist")
	}
	if b.Add(p) {
		t.Fatal("second add of the same peer should report false")
	}

	time.Sleep(100 * time.Millisecond)
	if b.Contains(p) {
		t.Fatal("peer still listed after the ttl")
	}
	if !b.Add(p) {
		t.Fatal("re-adding an expired peer should succeed")
	}
	if !b.Contains(p) {
		t.Fatal("re-added peer not in the blacklist")
	}
}

func TestRelayWithExpiringBlacklist(t *testing.T) {
	b, err := NewExpiringBlacklist(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tr := newTestRelay(t, WithBlacklist(b))
	sub := tr.subscribe(t, "foo")
	p := testPeer(1)
	tr.connect(t, p, "foo")

	if err := tr.BlacklistPeer(p); err != nil {
		t.Fatal(err)
	}
	if !b.Contains(p) {
		t.Fatal("peer not added to the injected blacklist")
	}

	tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", "hello")}})
	assertNoMessage(t, sub)
}
