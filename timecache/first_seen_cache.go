package timecache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// FirstSeenCache is a time cache that only marks the expiry of a message when
// first added.
type FirstSeenCache struct {
	lk  sync.Mutex
	m   map[string]time.Time
	ttl time.Duration
	clk clock.Clock
}

var _ TimeCache = (*FirstSeenCache)(nil)

func newFirstSeenCache(ttl time.Duration, clk clock.Clock) *FirstSeenCache {
	return &FirstSeenCache{
		m:   make(map[string]time.Time),
		ttl: ttl,
		clk: clk,
	}
}

func (tc *FirstSeenCache) Add(s string) bool {
	tc.lk.Lock()
	defer tc.lk.Unlock()

	now := tc.clk.Now()
	if expiry, ok := tc.m[s]; ok && expiry.After(now) {
		return false
	}

	tc.m[s] = now.Add(tc.ttl)
	return true
}

func (tc *FirstSeenCache) Has(s string) bool {
	tc.lk.Lock()
	defer tc.lk.Unlock()

	expiry, ok := tc.m[s]
	return ok && expiry.After(tc.clk.Now())
}

func (tc *FirstSeenCache) Sweep() {
	tc.lk.Lock()
	defer tc.lk.Unlock()

	now := tc.clk.Now()
	for k, expiry := range tc.m {
		if !expiry.After(now) {
			delete(tc.m, k)
		}
	}
}

func (tc *FirstSeenCache) Len() int {
	tc.lk.Lock()
	defer tc.lk.Unlock()

	return len(tc.m)
}
