package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	relay "github.com/waku-org/go-waku-relay"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

var (
	// ConnTagValueDirectPeer is the connection manager tag value to
	// apply to direct peers. This should be high, as we want to prioritize these
	// connections above all others.
	ConnTagValueDirectPeer = 1000

	// ConnTagValueMeshPeer is the connection manager tag value to apply to
	// peers in a topic mesh. If a peer is in the mesh for multiple topics, their
	// connection will be tagged separately for each.
	ConnTagValueMeshPeer = 20

	// ConnTagBumpMessageDelivery is added to the delivery tag of a topic each
	// time a peer is the first to deliver a message in it, up to
	// ConnTagMessageDeliveryCap.
	ConnTagBumpMessageDelivery = 1

	// ConnTagDecayInterval is the decay interval for decaying connection manager tags.
	ConnTagDecayInterval = 10 * time.Minute

	// ConnTagDecayAmount is subtracted from decaying tag values at each decay interval.
	ConnTagDecayAmount = 1

	// ConnTagMessageDeliveryCap is the maximum value of the delivery tags.
	ConnTagMessageDeliveryCap = 15

	// how long delivery records are kept once a message is validated
	deliveryRecordTTL = 2 * time.Minute
)

type deliveryStatus int

const (
	deliveryUnknown deliveryStatus = iota
	deliveryValid
	deliveryInvalid
)

type deliveryRecord struct {
	status    deliveryStatus
	firstSeen time.Time
	// peers that delivered the message while it was validating
	peers map[peer.ID]struct{}
}

// TagTracer applies connection manager tags to relay peers:
//   - direct peers are tagged with ConnTagValueDirectPeer;
//   - mesh peers are tagged with ConnTagValueMeshPeer, once per topic mesh;
//   - the first deliverers of a valid message, including peers that delivered it
//     while it was validating, get a decaying delivery tag bumped for its topic.
type TagTracer struct {
	mx sync.Mutex

	cmgr     connmgr.ConnManager
	decayer  connmgr.Decayer
	decaying map[string]connmgr.DecayingTag
	direct   map[peer.ID]struct{}
	clk      clock.Clock

	deliveries map[string]*deliveryRecord
}

var _ relay.RawTracer = (*TagTracer)(nil)

// NewTagTracer returns a tracer tagging through cmgr. Delivery records are
// collected until ctx is done.
func NewTagTracer(ctx context.Context, cmgr connmgr.ConnManager, direct []peer.ID) *TagTracer {
	return newTagTracer(ctx, cmgr, direct, clock.New())
}

func newTagTracer(ctx context.Context, cmgr connmgr.ConnManager, direct []peer.ID, clk clock.Clock) *TagTracer {
	decayer, ok := connmgr.SupportsDecay(cmgr)
	if !ok {
		log.Warnf("connection manager does not support decaying tags, delivery tags will not be applied")
	}
	t := &TagTracer{
		cmgr:       cmgr,
		decayer:    decayer,
		decaying:   make(map[string]connmgr.DecayingTag),
		direct:     make(map[peer.ID]struct{}),
		clk:        clk,
		deliveries: make(map[string]*deliveryRecord),
	}
	for _, p := range direct {
		t.direct[p] = struct{}{}
	}
	go t.background(ctx, t.clk.Ticker(time.Minute))
	return t
}

func (t *TagTracer) background(ctx context.Context, gc *clock.Ticker) {
	defer gc.Stop()

	for {
		select {
		case <-gc.C:
			t.gcDeliveryRecords()
		case <-ctx.Done():
			return
		}
	}
}

func (t *TagTracer) gcDeliveryRecords() {
	t.mx.Lock()
	defer t.mx.Unlock()

	now := t.clk.Now()
	for id, drec := range t.deliveries {
		if now.Sub(drec.firstSeen) > deliveryRecordTTL {
			delete(t.deliveries, id)
		}
	}
}

func (t *TagTracer) record(id string) *deliveryRecord {
	drec, ok := t.deliveries[id]
	if !ok {
		drec = &deliveryRecord{firstSeen: t.clk.Now(), peers: make(map[peer.ID]struct{})}
		t.deliveries[id] = drec
	}
	return drec
}

func topicTag(topic string) string {
	return fmt.Sprintf("relay:%s", topic)
}

func (t *TagTracer) decayingDeliveryTag(topic string) (connmgr.DecayingTag, error) {
	name := fmt.Sprintf("relay-deliveries:%s", topic)

	decayFn := func(value connmgr.DecayingValue) (after int, rm bool) {
		v := value.Value - ConnTagDecayAmount
		return v, v <= 0
	}

	bumpFn := func(value connmgr.DecayingValue, delta int) (after int) {
		val := value.Value + delta
		if val > ConnTagMessageDeliveryCap {
			return ConnTagMessageDeliveryCap
		}
		return val
	}

	return t.decayer.RegisterDecayingTag(name, ConnTagDecayInterval, decayFn, bumpFn)
}

func (t *TagTracer) bumpDeliveryTag(p peer.ID, topic string) {
	t.mx.Lock()
	tag, ok := t.decaying[topic]
	t.mx.Unlock()
	if !ok {
		return
	}
	if err := tag.Bump(p, ConnTagBumpMessageDelivery); err != nil {
		log.Warnf("error bumping delivery tag: %s", err)
	}
}

func (t *TagTracer) AddPeer(p peer.ID, proto protocol.ID) {
	if _, ok := t.direct[p]; ok {
		t.cmgr.TagPeer(p, "relay:direct", ConnTagValueDirectPeer)
	}
}

func (t *TagTracer) RemovePeer(p peer.ID) {}

func (t *TagTracer) Join(topic string) {
	if t.decayer == nil {
		return
	}

	t.mx.Lock()
	defer t.mx.Unlock()
	if _, ok := t.decaying[topic]; ok {
		return
	}
	tag, err := t.decayingDeliveryTag(topic)
	if err != nil {
		log.Warnf("unable to create decaying delivery tag: %s", err)
		return
	}
	t.decaying[topic] = tag
}

func (t *TagTracer) Leave(topic string) {
	t.mx.Lock()
	tag, ok := t.decaying[topic]
	delete(t.decaying, topic)
	t.mx.Unlock()
	if ok {
		if err := tag.Close(); err != nil {
			log.Debugf("error closing delivery tag of %s: %s", topic, err)
		}
	}
}

func (t *TagTracer) Graft(p peer.ID, topic string) {
	t.cmgr.TagPeer(p, topicTag(topic), ConnTagValueMeshPeer)
}

func (t *TagTracer) Prune(p peer.ID, topic string) {
	t.cmgr.UntagPeer(p, topicTag(topic))
}

func (t *TagTracer) ValidateMessage(msg *relay.Message) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.record(msg.ID)
}

func (t *TagTracer) DeliverMessage(msg *relay.Message) {
	if msg.Local {
		return
	}

	t.mx.Lock()
	drec := t.record(msg.ID)
	var nearFirst []peer.ID
	if drec.status == deliveryUnknown {
		drec.status = deliveryValid
		for p := range drec.peers {
			// a peer can't get a double count by sending the message twice
			if p != msg.ReceivedFrom {
				nearFirst = append(nearFirst, p)
			}
		}
		drec.peers = nil
	}
	t.mx.Unlock()

	topic := msg.GetTopic()
	t.bumpDeliveryTag(msg.ReceivedFrom, topic)
	for _, p := range nearFirst {
		t.bumpDeliveryTag(p, topic)
	}
}

func (t *TagTracer) RejectMessage(msg *relay.Message, reason string) {
	// rejected before the id was computed
	if msg.ID == "" {
		return
	}

	t.mx.Lock()
	defer t.mx.Unlock()

	drec := t.record(msg.ID)
	if drec.status != deliveryUnknown {
		return
	}
	drec.status = deliveryInvalid
	drec.peers = nil
}

func (t *TagTracer) DuplicateMessage(msg *relay.Message) {
	t.mx.Lock()
	defer t.mx.Unlock()

	drec := t.record(msg.ID)
	if drec.status == deliveryUnknown {
		// still validating; the peer is credited if the message turns out valid
		drec.peers[msg.ReceivedFrom] = struct{}{}
	}
}

func (t *TagTracer) ThrottlePeer(p peer.ID) {}
