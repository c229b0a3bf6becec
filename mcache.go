package relay

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

type historyEntry struct {
	mid   string
	topic string
}

type cacheEntry struct {
	*Message

	// peers known to already hold the message
	seenBy map[peer.ID]struct{}
}

// MessageCache is a sliding window of recently relayed messages, used to
// answer IWANT requests and to build IHAVE gossip.
type MessageCache struct {
	msgID func(*Message) string

	msgs map[string]*cacheEntry

	// Per-peer transmission counters
	peertx map[string]map[peer.ID]int

	history    [][]historyEntry
	gossipLen  int
	maxEntries int
}

// NewMessageCache creates a sliding window cache that remembers messages for as
// long as `historyLen` slots.
//
// When queried for messages to advertise via gossip, the cache only returns messages
// in the last `gossipLen` slots.
//
// The `gossipLen` parameter must be smaller or equal to `historyLen`, or this
// function will panic.
//
// The slack between `gossipLen` and `historyLen` accounts for the reaction time
// between when a message is advertised via IHAVE gossip, and the peer pulls it
// via an IWANT command.
func NewMessageCache(gossipLen, historyLen int) *MessageCache {
	if gossipLen > historyLen {
		err := fmt.Errorf("invalid parameters for message cache; gossip slots (%d) cannot be larger than history slots (%d)",
			gossipLen, historyLen)
		panic(err)
	}

	return &MessageCache{
		msgs:      make(map[string]*cacheEntry),
		peertx:    make(map[string]map[peer.ID]int),
		history:   make([][]historyEntry, historyLen),
		gossipLen: gossipLen,
		msgID: func(msg *Message) string {
			if msg.ID != "" {
				return msg.ID
			}
			return DefaultMsgIdFn(msg.Message)
		},
	}
}

func (mc *MessageCache) SetMsgIdFn(msgID func(*Message) string) {
	mc.msgID = msgID
}

// SetMaxWindowEntries caps the number of messages held per history slot.
// Zero disables the cap.
func (mc *MessageCache) SetMaxWindowEntries(n int) {
	mc.maxEntries = n
}

// Put adds a message to the newest slot of the window. It reports the message
// id and whether the id was already cached, in which case the cache is left
// untouched. A full slot drops the message silently.
func (mc *MessageCache) Put(msg *Message) (string, bool) {
	mid := mc.msgID(msg)
	if _, ok := mc.msgs[mid]; ok {
		return mid, true
	}

	if mc.maxEntries > 0 && len(mc.history[0]) >= mc.maxEntries {
		return mid, false
	}

	mc.msgs[mid] = &cacheEntry{Message: msg}
	mc.history[0] = append(mc.history[0], historyEntry{mid: mid, topic: msg.GetTopic()})
	return mid, false
}

// Get retrieves the message for the given message ID without modifying
// any transmission counts.
func (mc *MessageCache) Get(mid string) (*Message, bool) {
	e, ok := mc.msgs[mid]
	if !ok {
		return nil, false
	}
	return e.Message, true
}

// GetForPeer retrieves the message for the given message ID and increments
// the transmission count for the specified peer.
// It returns the message, the updated transmission count, and a boolean indicating
// whether the message was found in the cache.
func (mc *MessageCache) GetForPeer(mid string, p peer.ID) (*Message, int, bool) {
	e, ok := mc.msgs[mid]
	if !ok {
		return nil, 0, false
	}

	tx, ok := mc.peertx[mid]
	if !ok {
		tx = make(map[peer.ID]int)
		mc.peertx[mid] = tx
	}
	tx[p]++

	return e.Message, tx[p], true
}

// MarkSeenBy records that p already holds the message.
func (mc *MessageCache) MarkSeenBy(mid string, p peer.ID) {
	e, ok := mc.msgs[mid]
	if !ok {
		return
	}
	if e.seenBy == nil {
		e.seenBy = make(map[peer.ID]struct{})
	}
	e.seenBy[p] = struct{}{}
}

// SeenBy reports whether p is known to hold the message.
func (mc *MessageCache) SeenBy(mid string, p peer.ID) bool {
	e, ok := mc.msgs[mid]
	if !ok {
		return false
	}
	_, seen := e.seenBy[p]
	return seen
}

// GossipForTopic returns the message IDs in the gossip window for the given topic.
func (mc *MessageCache) GossipForTopic(topic string) []string {
	var mids []string
	for _, entries := range mc.history[:mc.gossipLen] {
		for _, entry := range entries {
			if entry.topic == topic {
				mids = append(mids, entry.mid)
			}
		}
	}
	return mids
}

// ShiftWindow advances the sliding window by one slot, dropping the messages
// of the oldest slot together with their transmission counters.
func (mc *MessageCache) ShiftWindow() {
	last := mc.history[len(mc.history)-1]
	for _, entry := range last {
		delete(mc.msgs, entry.mid)
		delete(mc.peertx, entry.mid)
	}
	for i := len(mc.history) - 2; i >= 0; i-- {
		mc.history[i+1] = mc.history[i]
	}
	mc.history[0] = nil
}

// Len returns the number of cached messages.
func (mc *MessageCache) Len() int {
	return len(mc.msgs)
}
