package relay

import (
	"regexp"
	"testing"

	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestBasicSubscriptionFilter(t *testing.T) {
	peerA := peer.ID("A")

	topic1 := "test1"
	topic2 := "test2"
	topic3 := "test3"
	subs := []*pb.RPC_SubOpts{
		{Topicid: topic1, Subscribe: true},
		{Topicid: topic2, Subscribe: true},
		{Topicid: topic3, Subscribe: true},
	}

	check := func(filter SubscriptionFilter) {
		t.Helper()

		if !filter.CanSubscribe(topic1) {
			t.Fatal("expected allowed subscription")
		}
		if !filter.CanSubscribe(topic2) {
			t.Fatal("expected allowed subscription")
		}
		if filter.CanSubscribe(topic3) {
			t.Fatal("expected disallowed subscription")
		}

		allowedSubs, err := filter.FilterIncomingSubscriptions(peerA, subs)
		if err != nil {
			t.Fatal(err)
		}
		if len(allowedSubs) != 2 {
			t.Fatalf("expected 2 allowed subscriptions but got %d", len(allowedSubs))
		}
		for _, sub := range allowedSubs {
			if sub.GetTopicid() == topic3 {
				t.Fatal("unexpected subscription to test3")
			}
		}

		limitFilter := WrapLimitSubscriptionFilter(filter, 2)
		_, err = limitFilter.FilterIncomingSubscriptions(peerA, subs)
		if err != ErrTooManySubscriptions {
			t.Fatal("expected rejection because of too many subscriptions")
		}
	}

	check(NewAllowlistSubscriptionFilter(topic1, topic2))
	check(NewRegexpSubscriptionFilter(regexp.MustCompile("^test[12]$")))
}

func TestSubscriptionFilterDeduplication(t *testing.T) {
	peerA := peer.ID("A")

	topic1 := "test1"
	topic2 := "test2"
	topic3 := "test3"
	subs := []*pb.RPC_SubOpts{
		{Topicid: topic1, Subscribe: true},
		{Topicid: topic1, Subscribe: true},
		{Topicid: topic2, Subscribe: true},
		{Topicid: topic2, Subscribe: false},
		{Topicid: topic3, Subscribe: true},
	}

	filter := NewAllowlistSubscriptionFilter(topic1, topic2)
	allowedSubs, err := filter.FilterIncomingSubscriptions(peerA, subs)
	if err != nil {
		t.Fatal(err)
	}
	if len(allowedSubs) != 1 {
		t.Fatalf("expected 1 allowed subscription but got %d", len(allowedSubs))
	}
	if allowedSubs[0].GetTopicid() != topic1 {
		t.Fatalf("unexpected subscription %s", allowedSubs[0].GetTopicid())
	}
}
