package relay

import (
	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// EventTracer is a generic event tracer interface.
// This is a high level tracing interface which delivers tracing events, as defined by the
// TraceEvent type.
type EventTracer interface {
	Trace(evt *TraceEvent)
}

// RawTracer is a low level tracing interface that allows an application to trace the internal
// operation of the relay.
//
// Note that the tracers are invoked synchronously, which means that application tracers must
// take care to not block or modify arguments.
type RawTracer interface {
	// AddPeer is invoked when a new peer is added.
	AddPeer(p peer.ID, proto protocol.ID)
	// RemovePeer is invoked when a peer is removed.
	RemovePeer(p peer.ID)
	// Join is invoked when a new topic is joined
	Join(topic string)
	// Leave is invoked when a topic is abandoned
	Leave(topic string)
	// Graft is invoked when a new peer is grafted on the mesh
	Graft(p peer.ID, topic string)
	// Prune is invoked when a peer is pruned from the message
	Prune(p peer.ID, topic string)
	// ValidateMessage is invoked when a message first enters the validation pipeline.
	ValidateMessage(msg *Message)
	// DeliverMessage is invoked when a message is delivered
	DeliverMessage(msg *Message)
	// RejectMessage is invoked when a message is Rejected or Ignored.
	// The reason argument can be one of the named strings Reject*.
	RejectMessage(msg *Message, reason string)
	// DuplicateMessage is invoked when a duplicate message is dropped.
	DuplicateMessage(msg *Message)
	// ThrottlePeer is invoked when a peer is throttled by the peer gater.
	ThrottlePeer(p peer.ID)
}

// TraceEventType names the kind of a TraceEvent.
type TraceEventType string

const (
	TracePublishMessage   TraceEventType = "PUBLISH_MESSAGE"
	TraceRejectMessage    TraceEventType = "REJECT_MESSAGE"
	TraceDuplicateMessage TraceEventType = "DUPLICATE_MESSAGE"
	TraceDeliverMessage   TraceEventType = "DELIVER_MESSAGE"
	TraceAddPeer          TraceEventType = "ADD_PEER"
	TraceRemovePeer       TraceEventType = "REMOVE_PEER"
	TraceRecvRPC          TraceEventType = "RECV_RPC"
	TraceSendRPC          TraceEventType = "SEND_RPC"
	TraceDropRPC          TraceEventType = "DROP_RPC"
	TraceJoin             TraceEventType = "JOIN"
	TraceLeave            TraceEventType = "LEAVE"
	TraceGraft            TraceEventType = "GRAFT"
	TracePrune            TraceEventType = "PRUNE"
)

// TraceEvent is a single tracing record. Only the fields relevant to Type are
// set.
type TraceEvent struct {
	Type      TraceEventType `json:"type"`
	PeerID    peer.ID        `json:"peerID"`
	Timestamp int64          `json:"timestamp"`

	MessageID    []byte      `json:"messageID,omitempty"`
	Topic        string      `json:"topic,omitempty"`
	ReceivedFrom peer.ID     `json:"receivedFrom,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Peer         peer.ID     `json:"peer,omitempty"`
	Protocol     protocol.ID `json:"protocol,omitempty"`
	RPC          *RPCMeta    `json:"rpc,omitempty"`
}

type RPCMeta struct {
	Messages      []MessageMeta `json:"messages,omitempty"`
	Subscriptions []SubMeta     `json:"subscriptions,omitempty"`
	Control       *ControlMeta  `json:"control,omitempty"`
}

type MessageMeta struct {
	MessageID []byte `json:"messageID"`
	Topic     string `json:"topic"`
}

type SubMeta struct {
	Subscribe bool   `json:"subscribe"`
	Topic     string `json:"topic"`
}

type ControlMeta struct {
	IHave []string `json:"ihave,omitempty"`
	IWant int      `json:"iwant,omitempty"`
	Graft []string `json:"graft,omitempty"`
	Prune []string `json:"prune,omitempty"`
}

// pubsubTracer fans tracing events out to the internal tracers (score, promises,
// metrics), the user raw tracers and the event tracer.
type pubsubTracer struct {
	tracer EventTracer
	raw    []RawTracer
	pid    peer.ID
	idGen  *msgIDGenerator
	clk    clock.Clock
}

func (t *pubsubTracer) emit(evt *TraceEvent) {
	if t.tracer == nil {
		return
	}
	evt.PeerID = t.pid
	evt.Timestamp = t.clk.Now().UnixNano()
	t.tracer.Trace(evt)
}

func (t *pubsubTracer) PublishMessage(msg *Message) {
	if t == nil {
		return
	}

	t.emit(&TraceEvent{
		Type:      TracePublishMessage,
		MessageID: []byte(msg.ID),
		Topic:     msg.GetTopic(),
	})
}

func (t *pubsubTracer) ValidateMessage(msg *Message) {
	if t == nil {
		return
	}

	for _, tr := range t.raw {
		tr.ValidateMessage(msg)
	}
}

func (t *pubsubTracer) RejectMessage(msg *Message, reason string) {
	if t == nil {
		return
	}

	for _, tr := range t.raw {
		tr.RejectMessage(msg, reason)
	}

	t.emit(&TraceEvent{
		Type:         TraceRejectMessage,
		MessageID:    []byte(msg.ID),
		Topic:        msg.GetTopic(),
		ReceivedFrom: msg.ReceivedFrom,
		Reason:       reason,
	})
}

func (t *pubsubTracer) DuplicateMessage(msg *Message) {
	if t == nil {
		return
	}

	for _, tr := range t.raw {
		tr.DuplicateMessage(msg)
	}

	t.emit(&TraceEvent{
		Type:         TraceDuplicateMessage,
		MessageID:    []byte(msg.ID),
		Topic:        msg.GetTopic(),
		ReceivedFrom: msg.ReceivedFrom,
	})
}

func (t *pubsubTracer) DeliverMessage(msg *Message) {
	if t == nil {
		return
	}

	for _, tr := range t.raw {
		tr.DeliverMessage(msg)
	}

	t.emit(&TraceEvent{
		Type:         TraceDeliverMessage,
		MessageID:    []byte(msg.ID),
		Topic:        msg.GetTopic(),
		ReceivedFrom: msg.ReceivedFrom,
	})
}

func (t *pubsubTracer) AddPeer(p peer.ID, proto protocol.ID) {
	if t == nil {
		return
	}

	for _, tr := range t.raw {
		tr.AddPeer(p, proto)
	}

	t.emit(&TraceEvent{
		Type:     TraceAddPeer,
		Peer:     p,
		Protocol: proto,
	})
}

func (t *pubsubTracer) RemovePeer(p peer.ID) {
	if t == nil {
		return
	}

	for _, tr := range t.raw {
		tr.RemovePeer(p)
	}

	t.emit(&TraceEvent{
		Type: TraceRemovePeer,
		Peer: p,
	})
}

func (t *pubsubTracer) RecvRPC(rpc *RPC) {
	if t == nil || t.tracer == nil {
		return
	}

	t.emit(&TraceEvent{
		Type: TraceRecvRPC,
		Peer: rpc.from,
		RPC:  t.traceRPCMeta(rpc),
	})
}

func (t *pubsubTracer) SendRPC(rpc *RPC, p peer.ID) {
	if t == nil || t.tracer == nil {
		return
	}

	t.emit(&TraceEvent{
		Type: TraceSendRPC,
		Peer: p,
		RPC:  t.traceRPCMeta(rpc),
	})
}

func (t *pubsubTracer) DropRPC(rpc *RPC, p peer.ID) {
	if t == nil || t.tracer == nil {
		return
	}

	t.emit(&TraceEvent{
		Type: TraceDropRPC,
		Peer: p,
		RPC:  t.traceRPCMeta(rpc),
	})
}

func (t *pubsubTracer) traceRPCMeta(rpc *RPC) *RPCMeta {
	rpcMeta := new(RPCMeta)

	for _, m := range rpc.Publish {
		rpcMeta.Messages = append(rpcMeta.Messages, MessageMeta{
			MessageID: []byte(t.idGen.RawID(m)),
			Topic:     m.GetTopic(),
		})
	}

	for _, sub := range rpc.Subscriptions {
		rpcMeta.Subscriptions = append(rpcMeta.Subscriptions, SubMeta{
			Subscribe: sub.GetSubscribe(),
			Topic:     sub.GetTopicid(),
		})
	}

	if ctl := rpc.Control; !ctl.Empty() {
		meta := new(ControlMeta)
		for _, ihave := range ctl.Ihave {
			meta.IHave = append(meta.IHave, ihave.TopicID)
		}
		for _, iwant := range ctl.Iwant {
			meta.IWant += len(iwant.MessageIDs)
		}
		for _, graft := range ctl.Graft {
			meta.Graft = append(meta.Graft, graft.TopicID)
		}
		for _, prune := range ctl.Prune {
			meta.Prune = append(meta.Prune, prune.TopicID)
		}
		rpcMeta.Control = meta
	}

	return rpcMeta
}

func (t *pubsubTracer) Join(topic string) {
	if t == nil {
		return
	}

	for _, tr := range t.raw {
		tr.Join(topic)
	}

	t.emit(&TraceEvent{
		Type:  TraceJoin,
		Topic: topic,
	})
}

func (t *pubsubTracer) Leave(topic string) {
	if t == nil {
		return
	}

	for _, tr := range t.raw {
		tr.Leave(topic)
	}

	t.emit(&TraceEvent{
		Type:  TraceLeave,
		Topic: topic,
	})
}

func (t *pubsubTracer) Graft(p peer.ID, topic string) {
	if t == nil {
		return
	}

	for _, tr := range t.raw {
		tr.Graft(p, topic)
	}

	t.emit(&TraceEvent{
		Type:  TraceGraft,
		Peer:  p,
		Topic: topic,
	})
}

func (t *pubsubTracer) Prune(p peer.ID, topic string) {
	if t == nil {
		return
	}

	for _, tr := range t.raw {
		tr.Prune(p, topic)
	}

	t.emit(&TraceEvent{
		Type:  TracePrune,
		Peer:  p,
		Topic: topic,
	})
}

func (t *pubsubTracer) ThrottlePeer(p peer.ID) {
	if t == nil {
		return
	}

	for _, tr := range t.raw {
		tr.ThrottlePeer(p)
	}
}
