package metrics

import (
	"context"
	"sync"

	relay "github.com/waku-org/go-waku-relay"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.opencensus.io/stats"
)

// Tracer records the topic and peer gauges from relay trace events.
type Tracer struct {
	mu     sync.Mutex
	topics map[string]struct{}
	peers  map[peer.ID]struct{}
}

var _ relay.RawTracer = (*Tracer)(nil)

func NewTracer() *Tracer {
	return &Tracer{
		topics: make(map[string]struct{}),
		peers:  make(map[peer.ID]struct{}),
	}
}

func (t *Tracer) AddPeer(p peer.ID, proto protocol.ID) {
	t.mu.Lock()
	t.peers[p] = struct{}{}
	n := len(t.peers)
	t.mu.Unlock()
	stats.Record(context.Background(), MPeers.M(int64(n)))
}

func (t *Tracer) RemovePeer(p peer.ID) {
	t.mu.Lock()
	delete(t.peers, p)
	n := len(t.peers)
	t.mu.Unlock()
	stats.Record(context.Background(), MPeers.M(int64(n)))
}

func (t *Tracer) Join(topic string) {
	t.mu.Lock()
	t.topics[topic] = struct{}{}
	n := len(t.topics)
	t.mu.Unlock()
	stats.Record(context.Background(), MTopics.M(int64(n)))
}

func (t *Tracer) Leave(topic string) {
	t.mu.Lock()
	delete(t.topics, topic)
	n := len(t.topics)
	t.mu.Unlock()
	stats.Record(context.Background(), MTopics.M(int64(n)))
}

func (t *Tracer) Graft(p peer.ID, topic string)                   {}
func (t *Tracer) Prune(p peer.ID, topic string)                   {}
func (t *Tracer) ValidateMessage(msg *relay.Message)              {}
func (t *Tracer) DeliverMessage(msg *relay.Message)               {}
func (t *Tracer) RejectMessage(msg *relay.Message, reason string) {}
func (t *Tracer) DuplicateMessage(msg *relay.Message)             {}
func (t *Tracer) ThrottlePeer(p peer.ID)                          {}
