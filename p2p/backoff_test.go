package p2p

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestDialBackoffUpdate(t *testing.T) {
	id1 := peer.ID("peer-1")
	id2 := peer.ID("peer-2")

	clk := clock.NewMock()
	b := newDialBackoff(10, clk)
	require.Empty(t, b.info)

	require.Equal(t, time.Duration(0), b.updateAndGet(id1))
	require.Equal(t, time.Duration(0), b.updateAndGet(id2))

	for i := 0; i < 10; i++ {
		got := b.updateAndGet(id1)

		expected := time.Duration(math.Pow(BackoffMultiplier, float64(i)) * float64(MinBackoffDelay))
		if expected > MaxBackoffDelay {
			expected = MaxBackoffDelay
		}
		require.Equal(t, expected, got, "attempt %d", i)
	}

	require.Equal(t, MinBackoffDelay, b.updateAndGet(id2))

	// once the history expires the next attempt goes out immediately
	clk.Add(TimeToLive + time.Second)
	require.Equal(t, time.Duration(0), b.updateAndGet(id2))
	require.Len(t, b.info, 2)
}

func TestDialBackoffCleanup(t *testing.T) {
	clk := clock.NewMock()
	size := 10
	b := newDialBackoff(size, clk)

	for i := 0; i < size; i++ {
		b.updateAndGet(peer.ID(fmt.Sprintf("peer-%d", i)))
	}
	require.Len(t, b.info, size)

	clk.Add(TimeToLive + time.Second)

	// crossing the size threshold triggers the cleanup
	require.Equal(t, time.Duration(0), b.updateAndGet(peer.ID("some-new-peer")))
	require.Len(t, b.info, 1)
}
