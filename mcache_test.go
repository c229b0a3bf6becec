package relay

import (
	"encoding/binary"
	"fmt"
	"testing"

	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestMessageCache(t *testing.T) {
	mcache := NewMessageCache(3, 5)
	msgID := DefaultMsgIdFn

	msgs := make([]*pb.Message, 60)
	for i := range msgs {
		msgs[i] = makeTestMessage(i)
	}

	for i := range 10 {
		if _, dup := mcache.Put(&Message{Message: msgs[i]}); dup {
			t.Fatalf("Message %d reported as duplicate", i)
		}
	}

	for i := range 10 {
		mid := msgID(msgs[i])
		m, ok := mcache.Get(mid)
		if !ok {
			t.Fatalf("Message %d not in cache", i)
		}

		if m.Message != msgs[i] {
			t.Fatalf("Message %d does not match cache", i)
		}
	}

	gids := mcache.GossipForTopic("test")
	if len(gids) != 10 {
		t.Fatalf("Expected 10 gossip IDs; got %d", len(gids))
	}

	for i := range 10 {
		mid := msgID(msgs[i])
		if mid != gids[i] {
			t.Fatalf("GossipID mismatch for message %d", i)
		}
	}

	mcache.ShiftWindow()
	for i := 10; i < 20; i++ {
		mcache.Put(&Message{Message: msgs[i]})
	}

	gids = mcache.GossipForTopic("test")
	if len(gids) != 20 {
		t.Fatalf("Expected 20 gossip IDs; got %d", len(gids))
	}

	// newest slot first
	for i := range 10 {
		if gids[i] != msgID(msgs[10+i]) {
			t.Fatalf("GossipID mismatch for message %d", 10+i)
		}
		if gids[10+i] != msgID(msgs[i]) {
			t.Fatalf("GossipID mismatch for message %d", i)
		}
	}

	// fill the remaining slots; the first 10 messages fall out of the gossip
	// window but stay retrievable until the history is exhausted
	for s := 2; s < 5; s++ {
		mcache.ShiftWindow()
		for i := s * 10; i < (s+1)*10; i++ {
			mcache.Put(&Message{Message: msgs[i]})
		}
	}

	gids = mcache.GossipForTopic("test")
	if len(gids) != 30 {
		t.Fatalf("Expected 30 gossip IDs; got %d", len(gids))
	}
	if _, ok := mcache.Get(msgID(msgs[0])); !ok {
		t.Fatal("Message 0 should still be in the history")
	}

	mcache.ShiftWindow()
	for i := 50; i < 60; i++ {
		mcache.Put(&Message{Message: msgs[i]})
	}

	for i := range 10 {
		if _, ok := mcache.Get(msgID(msgs[i])); ok {
			t.Fatalf("Message %d should have been evicted", i)
		}
	}
	for i := 10; i < 60; i++ {
		if _, ok := mcache.Get(msgID(msgs[i])); !ok {
			t.Fatalf("Message %d not in cache", i)
		}
	}
	if mcache.Len() != 50 {
		t.Fatalf("expected 50 cached messages; got %d", mcache.Len())
	}
}

func TestMessageCacheDuplicate(t *testing.T) {
	mcache := NewMessageCache(1, 2)
	msg := makeTestMessage(1)

	mid, dup := mcache.Put(&Message{Message: msg})
	if dup {
		t.Fatal("first put reported as duplicate")
	}

	mid2, dup := mcache.Put(&Message{Message: msg})
	if !dup {
		t.Fatal("second put not reported as duplicate")
	}
	if mid != mid2 {
		t.Fatalf("id mismatch: %x != %x", mid, mid2)
	}

	if gids := mcache.GossipForTopic("test"); len(gids) != 1 {
		t.Fatalf("expected a single gossip id; got %d", len(gids))
	}
}

func TestMessageCacheTransmissions(t *testing.T) {
	mcache := NewMessageCache(1, 2)
	msg := makeTestMessage(7)
	mid, _ := mcache.Put(&Message{Message: msg})

	p := peer.ID("peer-a")
	for i := 1; i <= 3; i++ {
		_, count, ok := mcache.GetForPeer(mid, p)
		if !ok {
			t.Fatal("message not found")
		}
		if count != i {
			t.Fatalf("expected transmission count %d; got %d", i, count)
		}
	}

	if _, _, ok := mcache.GetForPeer("unknown", p); ok {
		t.Fatal("unexpected hit for unknown id")
	}

	// counters go away with the message
	mcache.ShiftWindow()
	mcache.ShiftWindow()
	if _, _, ok := mcache.GetForPeer(mid, p); ok {
		t.Fatal("message should have been evicted")
	}

	mcache.Put(&Message{Message: msg})
	if _, count, _ := mcache.GetForPeer(mid, p); count != 1 {
		t.Fatalf("expected fresh transmission count; got %d", count)
	}
}

func TestMessageCacheSeenBy(t *testing.T) {
	mcache := NewMessageCache(1, 2)
	mid, _ := mcache.Put(&Message{Message: makeTestMessage(3)})

	a, b := peer.ID("a"), peer.ID("b")
	mcache.MarkSeenBy(mid, a)

	if !mcache.SeenBy(mid, a) {
		t.Fatal("a should be recorded")
	}
	if mcache.SeenBy(mid, b) {
		t.Fatal("b should not be recorded")
	}

	// unknown ids are ignored
	mcache.MarkSeenBy("unknown", a)
	if mcache.SeenBy("unknown", a) {
		t.Fatal("unknown id should not record peers")
	}
}

func TestMessageCacheWindowCap(t *testing.T) {
	mcache := NewMessageCache(2, 3)
	mcache.SetMaxWindowEntries(5)

	for i := range 8 {
		mcache.Put(&Message{Message: makeTestMessage(i)})
	}
	if mcache.Len() != 5 {
		t.Fatalf("expected the window to hold 5 messages; got %d", mcache.Len())
	}

	mcache.ShiftWindow()
	mcache.Put(&Message{Message: makeTestMessage(100)})
	if mcache.Len() != 6 {
		t.Fatalf("expected a fresh window to accept messages; got %d", mcache.Len())
	}
}

func makeTestMessage(n int) *pb.Message {
	seqno := make([]byte, 8)
	binary.BigEndian.PutUint64(seqno, uint64(n))
	data := []byte(fmt.Sprintf("%d", n))
	return &pb.Message{
		Data:  data,
		Topic: "test",
		From:  []byte("test"),
		Seqno: seqno,
	}
}
