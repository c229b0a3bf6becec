package relay

import (
	"sync"

	pb "github.com/waku-org/go-waku-relay/pb"

	sha256 "github.com/minio/sha256-simd"
)

// MsgIdFunction returns a unique ID for the passed Message, and is used to
// deduplicate and cache messages.
type MsgIdFunction func(pmsg *pb.Message) string

// DefaultMsgIdFn returns a unique ID of the passed Message: the author
// concatenated with the sequence number. Anonymous messages carry neither and
// are identified by the hash of their topic and data.
func DefaultMsgIdFn(pmsg *pb.Message) string {
	if len(pmsg.GetSeqno()) == 0 {
		h := sha256.New()
		h.Write([]byte(pmsg.GetTopic()))
		h.Write(pmsg.GetData())
		return string(h.Sum(nil))
	}
	return string(pmsg.GetFrom()) + string(pmsg.GetSeqno())
}

// WakuMessageIdFn derives the id from the deterministic hash of the waku
// envelope carried in the message data. Data that is not a waku message is
// hashed as is.
func WakuMessageIdFn(pmsg *pb.Message) string {
	wm := new(pb.WakuMessage)
	if err := wm.Unmarshal(pmsg.GetData()); err != nil {
		h := sha256.Sum256(pmsg.GetData())
		return string(h[:])
	}
	h := wm.DeterministicHash(pmsg.GetTopic())
	return string(h[:])
}

// msgIDGenerator handles computing IDs for msgs
// It allows setting custom generators(MsgIdFunction) per topic
type msgIDGenerator struct {
	Default MsgIdFunction

	topicGensLk sync.RWMutex
	topicGens   map[string]MsgIdFunction
}

func newMsgIdGenerator() *msgIDGenerator {
	return &msgIDGenerator{
		Default:   DefaultMsgIdFn,
		topicGens: make(map[string]MsgIdFunction),
	}
}

// Set sets custom id generator(MsgIdFunction) for topic.
func (m *msgIDGenerator) Set(topic string, gen MsgIdFunction) {
	m.topicGensLk.Lock()
	m.topicGens[topic] = gen
	m.topicGensLk.Unlock()
}

// ID computes ID for the msg or short-circuits with the cached value.
func (m *msgIDGenerator) ID(msg *Message) string {
	if msg.ID != "" {
		return msg.ID
	}

	msg.ID = m.RawID(msg.Message)
	return msg.ID
}

// RawID computes ID for the proto 'msg'.
func (m *msgIDGenerator) RawID(msg *pb.Message) string {
	m.topicGensLk.RLock()
	gen, ok := m.topicGens[msg.GetTopic()]
	m.topicGensLk.RUnlock()
	if !ok {
		gen = m.Default
	}

	return gen(msg)
}
