package timecache

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestLastSeenCacheFound(t *testing.T) {
	tc := newLastSeenCache(time.Minute, clock.NewMock())

	tc.Add("test")

	if !tc.Has("test") {
		t.Fatal("should have this key")
	}
}

func TestLastSeenCacheExpire(t *testing.T) {
	clk := clock.NewMock()
	tc := newLastSeenCache(time.Second, clk)
	for i := 0; i < 11; i++ {
		tc.Add(fmt.Sprint(i))
		clk.Add(time.Millisecond * 100)
	}

	clk.Add(2 * time.Second)
	tc.Sweep()
	if tc.Len() != 0 {
		t.Fatalf("expected an empty cache, got %d entries", tc.Len())
	}
	for i := 0; i < 11; i++ {
		if tc.Has(fmt.Sprint(i)) {
			t.Fatalf("should have dropped this key: %s from the cache already", fmt.Sprint(i))
		}
	}
}

func TestLastSeenCacheSlideForward(t *testing.T) {
	clk := clock.NewMock()
	tc := newLastSeenCache(time.Second, clk)
	i := 0

	// T0ms: Add 8 entries with a 100ms sleep after each
	for i < 8 {
		tc.Add(fmt.Sprint(i))
		clk.Add(time.Millisecond * 100)
		i++
	}

	// T800ms: Lookup the first entry - this should slide the entry forward so that its expiration is a full second
	// later.
	if !tc.Has(fmt.Sprint(0)) {
		t.Fatal("should have this key")
	}

	// T1200ms: The first entry should still be present in the cache - this will also slide the entry forward.
	clk.Add(time.Millisecond * 400)
	if !tc.Has(fmt.Sprint(0)) {
		t.Fatal("should still have this key")
	}

	// T1200ms: The second entry should have expired
	if tc.Has(fmt.Sprint(1)) {
		t.Fatal("should have dropped this from the cache already")
	}

	// T2300ms: Now the first entry should have expired
	clk.Add(time.Millisecond * 1100)
	if tc.Has(fmt.Sprint(0)) {
		t.Fatal("should have dropped this from the cache already")
	}

	// And it should not have been added back
	if tc.Has(fmt.Sprint(0)) {
		t.Fatal("should have dropped this from the cache already")
	}
}

func TestStrategySelection(t *testing.T) {
	clk := clock.NewMock()
	if _, ok := NewTimeCacheWithStrategy(Strategy_LastSeen, time.Second, clk).(*LastSeenCache); !ok {
		t.Fatal("expected a last-seen cache")
	}
	if _, ok := NewTimeCacheWithStrategy(Strategy_FirstSeen, time.Second, clk).(*FirstSeenCache); !ok {
		t.Fatal("expected a first-seen cache")
	}
}
