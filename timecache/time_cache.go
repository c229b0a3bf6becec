// Package timecache implements the seen-message caches used for message
// deduplication. Entries expire after a fixed span; expired entries are
// dropped lazily on lookup and in bulk by Sweep, which the relay calls once
// per heartbeat.
package timecache

import (
	"time"

	"github.com/benbjohnson/clock"
)

type Strategy uint8

const (
	// Strategy_FirstSeen expires an entry a fixed span after it was first added.
	Strategy_FirstSeen Strategy = iota
	// Strategy_LastSeen extends the expiry of an entry every time it is added
	// or looked up.
	Strategy_LastSeen
)

type TimeCache interface {
	// Add inserts s and reports whether it was not present before.
	Add(s string) bool
	Has(s string) bool
	// Sweep drops every expired entry.
	Sweep()
	Len() int
}

// NewTimeCache defaults to the "first seen" cache on the wall clock.
func NewTimeCache(span time.Duration) TimeCache {
	return NewTimeCacheWithStrategy(Strategy_FirstSeen, span, clock.New())
}

func NewTimeCacheWithStrategy(strategy Strategy, span time.Duration, clk clock.Clock) TimeCache {
	switch strategy {
	case Strategy_LastSeen:
		return newLastSeenCache(span, clk)
	default:
		return newFirstSeenCache(span, clk)
	}
}
