package relay

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// pruneBackoff records, per topic, until when a peer must not be grafted.
// It is owned by the event loop.
type pruneBackoff struct {
	entries map[string]map[peer.ID]time.Time
}

func newPruneBackoff() *pruneBackoff {
	return &pruneBackoff{entries: make(map[string]map[peer.ID]time.Time)}
}

// add backs p off from topic until now+d. An existing later expiry wins.
func (b *pruneBackoff) add(topic string, p peer.ID, now time.Time, d time.Duration) {
	backoff, ok := b.entries[topic]
	if !ok {
		backoff = make(map[peer.ID]time.Time)
		b.entries[topic] = backoff
	}
	expire := now.Add(d)
	if backoff[p].Before(expire) {
		backoff[p] = expire
	}
}

// active reports whether p is still backed off from topic.
func (b *pruneBackoff) active(topic string, p peer.ID, now time.Time) bool {
	expire, ok := b.entries[topic][p]
	return ok && now.Before(expire)
}

// expiry returns when the backoff of p on topic ends.
func (b *pruneBackoff) expiry(topic string, p peer.ID) (time.Time, bool) {
	expire, ok := b.entries[topic][p]
	return expire, ok
}

// cleanup drops expired entries.
func (b *pruneBackoff) cleanup(now time.Time) {
	for topic, backoffs := range b.entries {
		for p, expire := range backoffs {
			if expire.Before(now) {
				delete(backoffs, p)
			}
		}
		if len(backoffs) == 0 {
			delete(b.entries, topic)
		}
	}
}
