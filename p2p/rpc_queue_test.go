package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewFrameQueue(t *testing.T) {
	q := newFrameQueue(32)
	require.Equal(t, 32, q.maxSize)
	require.Equal(t, &q.queueMu, q.dataAvailable.L)
	require.Equal(t, &q.queueMu, q.spaceAvailable.L)
}

func TestFrameQueueUrgentPush(t *testing.T) {
	q := newFrameQueue(32)

	require.NoError(t, q.Push([]byte("1"), true))
	require.NoError(t, q.UrgentPush([]byte("2"), true))
	require.NoError(t, q.Push([]byte("3"), true))
	require.NoError(t, q.UrgentPush([]byte("4"), true))

	var got []string
	for i := 0; i < 4; i++ {
		frame, err := q.Pop(context.Background())
		require.NoError(t, err)
		got = append(got, string(frame))
	}
	require.Equal(t, []string{"2", "4", "1", "3"}, got)
}

func TestFrameQueueFull(t *testing.T) {
	q := newFrameQueue(2)

	require.NoError(t, q.Push([]byte("1"), false))
	require.NoError(t, q.Push([]byte("2"), false))
	require.ErrorIs(t, q.Push([]byte("3"), false), ErrQueueFull)
	require.ErrorIs(t, q.UrgentPush([]byte("3"), false), ErrQueueFull)

	_, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.UrgentPush([]byte("3"), false))
	require.Equal(t, 2, q.Len())
}

func TestFrameQueueBlockingPush(t *testing.T) {
	q := newFrameQueue(1)
	require.NoError(t, q.Push([]byte("1"), true))

	pushed := make(chan error, 1)
	go func() {
		pushed <- q.Push([]byte("2"), true)
	}()

	select {
	case <-pushed:
		t.Fatal("push into a full queue returned before space was made")
	case <-time.After(50 * time.Millisecond):
	}

	frame, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1", string(frame))

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked push was not woken up")
	}
}

func TestFrameQueuePopCancelled(t *testing.T) {
	q := newFrameQueue(1)

	ctx, cancel := context.WithCancel(context.Background())
	popped := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		popped <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-popped:
		require.ErrorIs(t, err, ErrQueueCancelled)
	case <-time.After(time.Second):
		t.Fatal("pop did not return after cancellation")
	}
}

func TestFrameQueueClose(t *testing.T) {
	q := newFrameQueue(1)
	require.NoError(t, q.Push([]byte("1"), true))

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Push([]byte("2"), true)
	}()
	time.Sleep(10 * time.Millisecond)

	q.Close()

	select {
	case err := <-blocked:
		require.ErrorIs(t, err, ErrQueuePushOnClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked push was not woken up by close")
	}

	_, err := q.Pop(context.Background())
	require.ErrorIs(t, err, ErrQueueClosed)
	require.Nil(t, q.TryPop())
	require.ErrorIs(t, q.Push([]byte("3"), false), ErrQueuePushOnClosed)
}

func TestFrameQueueTryPop(t *testing.T) {
	q := newFrameQueue(4)
	require.Nil(t, q.TryPop())

	require.NoError(t, q.Push([]byte("a"), false))
	require.NoError(t, q.UrgentPush([]byte("b"), false))
	require.Equal(t, "b", string(q.TryPop()))
	require.Equal(t, "a", string(q.TryPop()))
	require.Nil(t, q.TryPop())
}
