package p2p

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueCancelled    = errors.New("frame queue operation cancelled")
	ErrQueueClosed       = errors.New("frame queue closed")
	ErrQueueFull         = errors.New("frame queue full")
	ErrQueuePushOnClosed = errors.New("push on closed frame queue")
)

// DefaultPeerOutboundQueueSize is the number of frames buffered per peer
// before sends start failing with ErrQueueFull.
const DefaultPeerOutboundQueueSize = 32

type priorityQueue struct {
	normal   [][]byte
	priority [][]byte
}

func (q *priorityQueue) Len() int {
	return len(q.normal) + len(q.priority)
}

func (q *priorityQueue) NormalPush(frame []byte) {
	q.normal = append(q.normal, frame)
}

func (q *priorityQueue) PriorityPush(frame []byte) {
	q.priority = append(q.priority, frame)
}

func (q *priorityQueue) Pop() []byte {
	var frame []byte

	if len(q.priority) > 0 {
		frame = q.priority[0]
		q.priority[0] = nil
		q.priority = q.priority[1:]
	} else if len(q.normal) > 0 {
		frame = q.normal[0]
		q.normal[0] = nil
		q.normal = q.normal[1:]
	}

	return frame
}

// frameQueue buffers the encoded frames waiting to be written to one peer.
// Urgent frames (control traffic) overtake queued messages.
type frameQueue struct {
	dataAvailable  sync.Cond
	spaceAvailable sync.Cond
	// Mutex used to access queue
	queueMu sync.Mutex
	queue   priorityQueue

	closed  bool
	maxSize int
}

func newFrameQueue(maxSize int) *frameQueue {
	q := &frameQueue{maxSize: maxSize}
	q.dataAvailable.L = &q.queueMu
	q.spaceAvailable.L = &q.queueMu
	return q
}

func (q *frameQueue) Push(frame []byte, block bool) error {
	return q.push(frame, false, block)
}

func (q *frameQueue) UrgentPush(frame []byte, block bool) error {
	return q.push(frame, true, block)
}

func (q *frameQueue) push(frame []byte, urgent bool, block bool) error {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()

	if q.closed {
		return ErrQueuePushOnClosed
	}

	for q.queue.Len() >= q.maxSize {
		if !block {
			return ErrQueueFull
		}
		q.spaceAvailable.Wait()
		// woken up by Close
		if q.closed {
			return ErrQueuePushOnClosed
		}
	}

	if urgent {
		q.queue.PriorityPush(frame)
	} else {
		q.queue.NormalPush(frame)
	}

	q.dataAvailable.Signal()
	return nil
}

// Pop blocks until a frame is available, ctx is done or the queue is closed.
func (q *frameQueue) Pop(ctx context.Context) ([]byte, error) {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	stop := context.AfterFunc(ctx, func() {
		q.queueMu.Lock()
		defer q.queueMu.Unlock()
		q.dataAvailable.Broadcast()
	})
	defer stop()

	for q.queue.Len() == 0 {
		if ctx.Err() != nil {
			return nil, ErrQueueCancelled
		}
		q.dataAvailable.Wait()
		if q.closed {
			return nil, ErrQueueClosed
		}
	}
	frame := q.queue.Pop()
	q.spaceAvailable.Signal()
	return frame, nil
}

// TryPop returns the next frame without blocking, or nil when the queue is
// empty or closed.
func (q *frameQueue) TryPop() []byte {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()

	if q.closed || q.queue.Len() == 0 {
		return nil
	}
	frame := q.queue.Pop()
	q.spaceAvailable.Signal()
	return frame
}

func (q *frameQueue) Len() int {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()
	return q.queue.Len()
}

func (q *frameQueue) Close() {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()

	q.closed = true
	q.dataAvailable.Broadcast()
	q.spaceAvailable.Broadcast()
}
