package timecache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// LastSeenCache is a time cache that extends the expiry of a seen message when added
// or checked for presence with Has..
type LastSeenCache struct {
	lk  sync.Mutex
	m   map[string]time.Time
	ttl time.Duration
	clk clock.Clock
}

var _ TimeCache = (*LastSeenCache)(nil)

func newLastSeenCache(ttl time.Duration, clk clock.Clock) *LastSeenCache {
	return &LastSeenCache{
		m:   make(map[string]time.Time),
		ttl: ttl,
		clk: clk,
	}
}

func (tc *LastSeenCache) Add(s string) bool {
	tc.lk.Lock()
	defer tc.lk.Unlock()

	now := tc.clk.Now()
	expiry, ok := tc.m[s]
	tc.m[s] = now.Add(tc.ttl)

	return !ok || !expiry.After(now)
}

func (tc *LastSeenCache) Has(s string) bool {
	tc.lk.Lock()
	defer tc.lk.Unlock()

	now := tc.clk.Now()
	expiry, ok := tc.m[s]
	if !ok || !expiry.After(now) {
		return false
	}

	tc.m[s] = now.Add(tc.ttl)
	return true
}

func (tc *LastSeenCache) Sweep() {
	tc.lk.Lock()
	defer tc.lk.Unlock()

	now := tc.clk.Now()
	for k, expiry := range tc.m {
		if !expiry.After(now) {
			delete(tc.m, k)
		}
	}
}

func (tc *LastSeenCache) Len() int {
	tc.lk.Lock()
	defer tc.lk.Unlock()

	return len(tc.m)
}
