package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/whyrusleeping/timecache"
)

// Blacklist holds the peers the relay refuses to talk to. Connections, RPCs
// and messages from a listed peer are dropped, and so are messages authored
// by one. Add reports whether p was newly listed.
type Blacklist interface {
	Add(p peer.ID) bool
	Contains(p peer.ID) bool
}

// peerSet is the default blacklist. It never forgets a peer and is only
// touched from the event loop.
type peerSet map[peer.ID]struct{}

func (s peerSet) Add(p peer.ID) bool {
	if _, ok := s[p]; ok {
		return false
	}
	s[p] = struct{}{}
	return true
}

func (s peerSet) Contains(p peer.ID) bool {
	_, ok := s[p]
	return ok
}

// ExpiringBlacklist lists a peer for a fixed time after it was added. It is
// safe to share between relays.
type ExpiringBlacklist struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen *timecache.TimeCache
}

var _ Blacklist = (*ExpiringBlacklist)(nil)

// NewExpiringBlacklist returns a blacklist whose entries last ttl.
func NewExpiringBlacklist(ttl time.Duration) (*ExpiringBlacklist, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid blacklist ttl %s; must be positive", ttl)
	}
	return &ExpiringBlacklist{ttl: ttl, seen: timecache.NewTimeCache(ttl)}, nil
}

func (b *ExpiringBlacklist) Add(p peer.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := p.String()
	if added, ok := b.seen.M[k]; ok {
		if b.live(added) {
			return false
		}
		// expired but not swept yet
		b.seen.M[k] = time.Now()
		return true
	}
	b.seen.Add(k)
	return true
}

func (b *ExpiringBlacklist) Contains(p peer.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	added, ok := b.seen.M[p.String()]
	return ok && b.live(added)
}

func (b *ExpiringBlacklist) live(added time.Time) bool {
	return time.Since(added) <= b.ttl
}
