package p2p

import (
	"context"
	"errors"
	"io"

	relay "github.com/waku-org/go-waku-relay"
	"github.com/waku-org/go-waku-relay/metrics"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-varint"
	"go.opencensus.io/stats"
)

func (n *Network) handleNewStream(s network.Stream) {
	p := s.Conn().RemotePeer()

	// the remote may finish identifying us before we finish identifying it
	n.addPeer(p, s.Protocol())
	lim := n.limiter(p)

	r := msgio.NewVarintReaderSize(s, n.maxFrameSize)
	for {
		// frames are not released back to the pool; the decoded RPC may
		// reference them
		frame, err := r.ReadMsg()
		if err != nil {
			if err != io.EOF {
				s.Reset()
				log.Debugf("error reading frame from %s: %s", p, err)
			} else {
				// Just be nice. They probably won't read this
				// but it doesn't hurt to send it.
				s.Close()
			}
			return
		}

		stats.Record(n.ctx, metrics.MIncomingFrames.M(int64(len(frame))))

		if lim != nil && !lim.Allow() {
			stats.Record(n.ctx, metrics.MDroppedFrames.M(1))
			log.Debugf("dropping frame from %s: rate limit exceeded", p)
			continue
		}

		err = n.recv.HandleFrame(p, frame)
		if errors.Is(err, relay.ErrRelayClosed) {
			// Close is useless because the other side isn't reading.
			s.Reset()
			return
		}
	}
}

func (n *Network) handleNewPeer(ctx context.Context, p peer.ID, proto protocol.ID, q *frameQueue) {
	defer n.dropQueue(p, q)

	s, err := n.h.NewStream(ctx, p, proto)
	if err != nil {
		log.Debugf("opening new stream to peer %s: %s", p, err)
		return
	}

	n.handleSendingMessages(ctx, s, q)
}

func (n *Network) handleSendingMessages(ctx context.Context, s network.Stream, q *frameQueue) {
	bufw := newBufferedWriter(s, n.maxFrameSize)
	defer bufw.Release()
	defer s.Close()

	write := func(frame []byte) bool {
		if err := bufw.WriteFrame(frame); err != nil {
			s.Reset()
			log.Infof("error writing frame to %s: %s", s.Conn().RemotePeer(), err)
			return false
		}
		stats.Record(ctx, metrics.MOutgoingFrames.M(int64(len(frame))))
		return true
	}

	for {
		frame, err := q.Pop(ctx)
		if err != nil {
			return
		}
		if !write(frame) {
			return
		}

		// coalesce whatever else is already queued into one flush
		for frame = q.TryPop(); frame != nil; frame = q.TryPop() {
			if !write(frame) {
				return
			}
		}

		if err := bufw.Flush(); err != nil {
			s.Reset()
			log.Infof("error flushing frames to %s: %s", s.Conn().RemotePeer(), err)
			return
		}
	}
}

// bufferedWriter collects length prefixed frames in a pooled buffer.
type bufferedWriter struct {
	w    io.Writer
	buf  []byte
	n    int
	size int
}

func newBufferedWriter(w io.Writer, maxFrameSize int) *bufferedWriter {
	return &bufferedWriter{w: w, size: maxFrameSize + varint.MaxLenUvarint63}
}

func (b *bufferedWriter) WriteFrame(frame []byte) error {
	need := varint.UvarintSize(uint64(len(frame))) + len(frame)
	if need > b.size {
		return ErrFrameTooLarge
	}

	if b.buf == nil {
		b.buf = pool.Get(b.size)
	}

	if need > b.available() {
		if err := b.doWrite(); err != nil {
			return err
		}
	}

	b.n += varint.PutUvarint(b.buf[b.n:], uint64(len(frame)))
	b.n += copy(b.buf[b.n:], frame)
	return nil
}

func (b *bufferedWriter) Flush() (err error) {
	if b.n > 0 {
		err = b.doWrite()
	}
	b.Release()
	return err
}

func (b *bufferedWriter) Release() {
	if b.buf != nil {
		pool.Put(b.buf)
		b.buf = nil
		b.n = 0
	}
}

func (b *bufferedWriter) doWrite() error {
	_, err := b.w.Write(b.buf[:b.n])
	b.n = 0
	return err
}

func (b *bufferedWriter) available() int {
	return len(b.buf) - b.n
}
