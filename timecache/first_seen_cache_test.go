package timecache

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestFirstSeenCacheFound(t *testing.T) {
	tc := newFirstSeenCache(time.Minute, clock.NewMock())

	if !tc.Add("test") {
		t.Fatal("first add should report a new entry")
	}
	if tc.Add("test") {
		t.Fatal("second add should report a known entry")
	}

	if !tc.Has("test") {
		t.Fatal("should have this key")
	}
}

func TestFirstSeenCacheExpire(t *testing.T) {
	clk := clock.NewMock()
	tc := newFirstSeenCache(time.Second, clk)
	for i := 0; i < 11; i++ {
		tc.Add(fmt.Sprint(i))
		clk.Add(time.Millisecond * 100)
	}

	if tc.Has(fmt.Sprint(0)) {
		t.Fatal("should have dropped this from the cache already")
	}
	if !tc.Has(fmt.Sprint(10)) {
		t.Fatal("should still have the latest key")
	}
}

func TestFirstSeenCacheNotExtended(t *testing.T) {
	clk := clock.NewMock()
	tc := newFirstSeenCache(time.Second, clk)

	tc.Add("test")
	clk.Add(800 * time.Millisecond)
	if !tc.Has("test") {
		t.Fatal("should have this key")
	}

	clk.Add(400 * time.Millisecond)
	if tc.Has("test") {
		t.Fatal("lookups must not extend a first-seen entry")
	}
}

func TestFirstSeenCacheSweep(t *testing.T) {
	clk := clock.NewMock()
	tc := newFirstSeenCache(time.Second, clk)

	tc.Add("a")
	clk.Add(600 * time.Millisecond)
	tc.Add("b")
	clk.Add(600 * time.Millisecond)

	tc.Sweep()
	if tc.Len() != 1 {
		t.Fatalf("expected 1 entry after sweep, got %d", tc.Len())
	}
	if !tc.Has("b") {
		t.Fatal("sweep dropped a live entry")
	}
}
