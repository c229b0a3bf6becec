package p2p

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	MinBackoffDelay   = 100 * time.Millisecond
	MaxBackoffDelay   = 10 * time.Second
	TimeToLive        = 10 * time.Minute
	BackoffMultiplier = 2
)

type backoffHistory struct {
	duration  time.Duration
	lastTried time.Time
}

// dialBackoff spaces out repeated dial attempts to the same peer.
type dialBackoff struct {
	mu   sync.Mutex
	info map[peer.ID]*backoffHistory
	ct   int // size threshold that kicks off the cleaner
	clk  clock.Clock
}

func newDialBackoff(sizeThreshold int, clk clock.Clock) *dialBackoff {
	return &dialBackoff{
		ct:   sizeThreshold,
		info: make(map[peer.ID]*backoffHistory),
		clk:  clk,
	}
}

func (b *dialBackoff) updateAndGet(id peer.ID) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()

	h, ok := b.info[id]
	switch {
	case !ok || now.Sub(h.lastTried) > TimeToLive:
		// first request goes immediately.
		h = &backoffHistory{
			duration: time.Duration(0),
		}
	case h.duration < MinBackoffDelay:
		h.duration = MinBackoffDelay

	case h.duration < MaxBackoffDelay:
		h.duration = time.Duration(BackoffMultiplier * h.duration)
		if h.duration > MaxBackoffDelay || h.duration < 0 {
			h.duration = MaxBackoffDelay
		}
	}

	h.lastTried = now
	b.info[id] = h

	if len(b.info) > b.ct {
		b.cleanup(now)
	}

	return h.duration
}

func (b *dialBackoff) cleanup(now time.Time) {
	for id, h := range b.info {
		if now.Sub(h.lastTried) > TimeToLive {
			delete(b.info, id)
		}
	}
}
