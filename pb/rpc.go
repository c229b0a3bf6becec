// Package relay_pb holds the wire types exchanged by relay peers and their
// protobuf encoding.
//
// The layout follows the gossipsub v1.1 rpc.proto; fields are encoded by hand
// with protowire so the package carries no generated code.
package relay_pb

// RPC is a single frame exchanged between two relay peers. A frame may batch
// subscription changes, published messages and control messages.
type RPC struct {
	Subscriptions []*RPC_SubOpts
	Publish       []*Message
	Control       *ControlMessage
}

type RPC_SubOpts struct {
	Subscribe bool
	Topicid   string
}

// Message is a published message. From, Seqno, Signature and Key are nil when
// absent on the wire.
type Message struct {
	From      []byte
	Data      []byte
	Seqno     []byte
	Topic     string
	Signature []byte
	Key       []byte
}

type ControlMessage struct {
	Ihave []*ControlIHave
	Iwant []*ControlIWant
	Graft []*ControlGraft
	Prune []*ControlPrune
}

type ControlIHave struct {
	TopicID    string
	MessageIDs []string
}

type ControlIWant struct {
	MessageIDs []string
}

type ControlGraft struct {
	TopicID string
}

type ControlPrune struct {
	TopicID string
	Peers   []*PeerInfo
	// Backoff in seconds; zero when not advertised.
	Backoff uint64
}

type PeerInfo struct {
	PeerID           []byte
	SignedPeerRecord []byte
}

func (m *RPC) GetSubscriptions() []*RPC_SubOpts {
	if m != nil {
		return m.Subscriptions
	}
	return nil
}

func (m *RPC) GetPublish() []*Message {
	if m != nil {
		return m.Publish
	}
	return nil
}

func (m *RPC) GetControl() *ControlMessage {
	if m != nil {
		return m.Control
	}
	return nil
}

func (m *RPC_SubOpts) GetSubscribe() bool {
	if m != nil {
		return m.Subscribe
	}
	return false
}

func (m *RPC_SubOpts) GetTopicid() string {
	if m != nil {
		return m.Topicid
	}
	return ""
}

func (m *Message) GetFrom() []byte {
	if m != nil {
		return m.From
	}
	return nil
}

func (m *Message) GetData() []byte {
	if m != nil {
		return m.Data
	}
	return nil
}

func (m *Message) GetSeqno() []byte {
	if m != nil {
		return m.Seqno
	}
	return nil
}

func (m *Message) GetTopic() string {
	if m != nil {
		return m.Topic
	}
	return ""
}

func (m *Message) GetSignature() []byte {
	if m != nil {
		return m.Signature
	}
	return nil
}

func (m *Message) GetKey() []byte {
	if m != nil {
		return m.Key
	}
	return nil
}

func (m *ControlMessage) GetIhave() []*ControlIHave {
	if m != nil {
		return m.Ihave
	}
	return nil
}

func (m *ControlMessage) GetIwant() []*ControlIWant {
	if m != nil {
		return m.Iwant
	}
	return nil
}

func (m *ControlMessage) GetGraft() []*ControlGraft {
	if m != nil {
		return m.Graft
	}
	return nil
}

func (m *ControlMessage) GetPrune() []*ControlPrune {
	if m != nil {
		return m.Prune
	}
	return nil
}

// Empty reports whether the control message carries nothing.
func (m *ControlMessage) Empty() bool {
	return m == nil || len(m.Ihave)+len(m.Iwant)+len(m.Graft)+len(m.Prune) == 0
}

func (m *ControlIHave) GetTopicID() string {
	if m != nil {
		return m.TopicID
	}
	return ""
}

func (m *ControlIHave) GetMessageIDs() []string {
	if m != nil {
		return m.MessageIDs
	}
	return nil
}

func (m *ControlIWant) GetMessageIDs() []string {
	if m != nil {
		return m.MessageIDs
	}
	return nil
}

func (m *ControlGraft) GetTopicID() string {
	if m != nil {
		return m.TopicID
	}
	return ""
}

func (m *ControlPrune) GetTopicID() string {
	if m != nil {
		return m.TopicID
	}
	return ""
}

func (m *ControlPrune) GetPeers() []*PeerInfo {
	if m != nil {
		return m.Peers
	}
	return nil
}

func (m *ControlPrune) GetBackoff() uint64 {
	if m != nil {
		return m.Backoff
	}
	return 0
}

func (m *PeerInfo) GetPeerID() []byte {
	if m != nil {
		return m.PeerID
	}
	return nil
}

func (m *PeerInfo) GetSignedPeerRecord() []byte {
	if m != nil {
		return m.SignedPeerRecord
	}
	return nil
}
