// Package p2p connects a relay to a libp2p host. Every peer gets one
// outbound stream fed by a bounded frame queue, and every inbound stream is
// read as a sequence of varint delimited frames.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	relay "github.com/waku-org/go-waku-relay"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/time/rate"
)

var log = logging.Logger("relay/p2p")

// DefaultMaxFrameSize leaves room for the envelope around a maximum sized message.
const DefaultMaxFrameSize = relay.DefaultMaxMessageSize + 64<<10

var (
	ErrNotConnected   = errors.New("peer not connected")
	ErrNetworkClosed  = errors.New("network closed")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrAlreadyStarted = errors.New("network already started")
)

// Receiver is the side of the relay the network feeds.
type Receiver interface {
	AddPeer(p peer.ID, proto protocol.ID) error
	RemovePeer(p peer.ID) error
	HandleFrame(p peer.ID, frame []byte) error
}

// Network implements relay.Network on top of a libp2p host.
type Network struct {
	h      host.Host
	protos []protocol.ID

	queueSize    int
	maxFrameSize int
	inboundLimit rate.Limit
	inboundBurst int

	recv   Receiver
	ctx    context.Context
	cancel context.CancelFunc

	// peers that disconnected; drained by the watcher
	peerDead chan peer.ID
	notifiee *network.NotifyBundle

	mx       sync.Mutex
	closed   bool
	peers    map[peer.ID]*relayPeer
	queues   map[peer.ID]*frameQueue
	limiters map[peer.ID]*rate.Limiter
}

var _ relay.Network = (*Network)(nil)

type relayPeer struct {
	proto protocol.ID
	// closed once the relay knows about the peer
	ready chan struct{}
}

// NewNetwork wraps h. Nothing is read or sent until Start.
func NewNetwork(h host.Host, opts ...Option) (*Network, error) {
	n := &Network{
		h:            h,
		protos:       []protocol.ID{relay.WakuRelayID_v200},
		queueSize:    DefaultPeerOutboundQueueSize,
		maxFrameSize: DefaultMaxFrameSize,
		inboundLimit: rate.Inf,
		inboundBurst: 1,
		peerDead:     make(chan peer.ID, 32),
		peers:        make(map[peer.ID]*relayPeer),
		queues:       make(map[peer.ID]*frameQueue),
		limiters:     make(map[peer.ID]*rate.Limiter),
	}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}

	return n, nil
}

// Start registers the stream handlers and starts feeding recv. Peers that are
// already connected and speak one of our protocols are added right away.
func (n *Network) Start(ctx context.Context, recv Receiver) error {
	n.mx.Lock()
	if n.recv != nil {
		n.mx.Unlock()
		return ErrAlreadyStarted
	}
	n.recv = recv
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.mx.Unlock()

	sub, err := n.subscribePeerEvents()
	if err != nil {
		n.cancel()
		return fmt.Errorf("subscribing to peer events: %w", err)
	}

	for _, proto := range n.protos {
		n.h.SetStreamHandler(proto, n.handleNewStream)
	}
	n.notifiee = &network.NotifyBundle{DisconnectedF: n.disconnected}
	n.h.Network().Notify(n.notifiee)

	go n.watchForNewPeers(n.ctx, sub)
	return nil
}

// Close stops reading and writing. The host is left open.
func (n *Network) Close() error {
	n.mx.Lock()
	if n.closed {
		n.mx.Unlock()
		return nil
	}
	n.closed = true
	for p, q := range n.queues {
		q.Close()
		delete(n.queues, p)
	}
	n.mx.Unlock()

	for _, proto := range n.protos {
		n.h.RemoveStreamHandler(proto)
	}
	if n.notifiee != nil {
		n.h.Network().StopNotify(n.notifiee)
	}
	if n.cancel != nil {
		n.cancel()
	}
	return nil
}

func (n *Network) ID() peer.ID {
	return n.h.ID()
}

// Send queues frame for p. It fails when the queue of p is full.
func (n *Network) Send(p peer.ID, proto protocol.ID, frame []byte) error {
	q, err := n.queueFor(p, proto, len(frame))
	if err != nil {
		return err
	}
	return q.Push(frame, false)
}

// SendUrgent queues frame for p ahead of the frames already waiting.
func (n *Network) SendUrgent(p peer.ID, proto protocol.ID, frame []byte) error {
	q, err := n.queueFor(p, proto, len(frame))
	if err != nil {
		return err
	}
	return q.UrgentPush(frame, false)
}

func (n *Network) queueFor(p peer.ID, proto protocol.ID, size int) (*frameQueue, error) {
	if size > n.maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	n.mx.Lock()
	defer n.mx.Unlock()

	if n.closed || n.ctx == nil {
		return nil, ErrNetworkClosed
	}
	if _, ok := n.peers[p]; !ok {
		return nil, ErrNotConnected
	}

	q, ok := n.queues[p]
	if !ok {
		q = newFrameQueue(n.queueSize)
		n.queues[p] = q
		go n.handleNewPeer(n.ctx, p, proto, q)
	}
	return q, nil
}

func (n *Network) dropQueue(p peer.ID, q *frameQueue) {
	n.mx.Lock()
	if n.queues[p] == q {
		delete(n.queues, p)
	}
	n.mx.Unlock()
	q.Close()
}

// ConnectedPeers returns the connected peers that speak a relay protocol.
func (n *Network) ConnectedPeers() []peer.ID {
	n.mx.Lock()
	defer n.mx.Unlock()

	peers := make([]peer.ID, 0, len(n.peers))
	for p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}

// PeerIPs returns the remote IPs of our connections to p.
func (n *Network) PeerIPs(p peer.ID) []string {
	var ips []string
	seen := make(map[string]struct{})
	for _, c := range n.h.Network().ConnsToPeer(p) {
		ip, err := manet.ToIP(c.RemoteMultiaddr())
		if err != nil {
			continue
		}
		s := ip.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		ips = append(ips, s)
	}
	return ips
}

// IsOutbound reports whether any of our connections to p was dialed by us.
func (n *Network) IsOutbound(p peer.ID) bool {
	for _, c := range n.h.Network().ConnsToPeer(p) {
		if c.Stat().Direction == network.DirOutbound {
			return true
		}
	}
	return false
}

// SignedPeerRecord returns the marshalled signed record of p we hold, if any.
func (n *Network) SignedPeerRecord(p peer.ID) []byte {
	cab, ok := peerstore.GetCertifiedAddrBook(n.h.Peerstore())
	if !ok {
		return nil
	}
	env := cab.GetPeerRecord(p)
	if env == nil {
		return nil
	}
	b, err := env.Marshal()
	if err != nil {
		log.Debugf("error marshalling signed peer record of %s: %s", p, err)
		return nil
	}
	return b
}

// addPeer hands p to the relay the first time it is seen speaking proto.
// Concurrent callers return once the relay has taken the peer, so frames
// read afterwards are never dropped as coming from an unknown peer.
func (n *Network) addPeer(p peer.ID, proto protocol.ID) {
	if p == n.h.ID() {
		return
	}

	n.mx.Lock()
	if n.closed {
		n.mx.Unlock()
		return
	}
	if rp, ok := n.peers[p]; ok {
		n.mx.Unlock()
		select {
		case <-rp.ready:
		case <-n.ctx.Done():
		}
		return
	}
	rp := &relayPeer{proto: proto, ready: make(chan struct{})}
	n.peers[p] = rp
	if n.inboundLimit != rate.Inf {
		n.limiters[p] = rate.NewLimiter(n.inboundLimit, n.inboundBurst)
	}
	n.mx.Unlock()

	log.Debugf("new relay peer %s speaking %s", p, proto)
	if err := n.recv.AddPeer(p, proto); err != nil {
		log.Debugf("error adding peer %s: %s", p, err)
	}
	close(rp.ready)
}

func (n *Network) removePeer(p peer.ID) {
	n.mx.Lock()
	if _, ok := n.peers[p]; !ok {
		n.mx.Unlock()
		return
	}
	delete(n.peers, p)
	delete(n.limiters, p)
	q := n.queues[p]
	delete(n.queues, p)
	n.mx.Unlock()

	if q != nil {
		q.Close()
	}

	log.Debugf("relay peer %s gone", p)
	if err := n.recv.RemovePeer(p); err != nil {
		log.Debugf("error removing peer %s: %s", p, err)
	}
}

func (n *Network) limiter(p peer.ID) *rate.Limiter {
	n.mx.Lock()
	defer n.mx.Unlock()
	return n.limiters[p]
}
