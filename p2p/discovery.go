package p2p

import (
	"context"
	"fmt"
	"time"

	relay "github.com/waku-org/go-waku-relay"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/record"
)

var (
	// MaxPendingConnections is the number of PX candidates waiting to be dialed;
	// candidates beyond that are dropped.
	MaxPendingConnections = 128

	// Connectors is the number of goroutines dialing PX candidates.
	Connectors = 8

	// ConnectionTimeout bounds a single PX dial.
	ConnectionTimeout = 30 * time.Second

	// RecentDialTTL is how long a dialed candidate is ignored when suggested again.
	RecentDialTTL = time.Minute

	recentDialsSize = 1024
)

// PeerExchange dials the peers suggested in the PRUNEs we receive. It
// implements relay.PeerExchangeSink.
type PeerExchange struct {
	h       host.Host
	clk     clock.Clock
	backoff *dialBackoff
	recent  *lru.Cache[peer.ID, time.Time]
	connect chan relay.PeerInfo
}

var _ relay.PeerExchangeSink = (*PeerExchange)(nil)

// NewPeerExchange starts the connectors; they stop with ctx.
func NewPeerExchange(ctx context.Context, h host.Host) (*PeerExchange, error) {
	return newPeerExchange(ctx, h, clock.New())
}

func newPeerExchange(ctx context.Context, h host.Host, clk clock.Clock) (*PeerExchange, error) {
	recent, err := lru.New[peer.ID, time.Time](recentDialsSize)
	if err != nil {
		return nil, fmt.Errorf("creating recent dials cache: %w", err)
	}

	px := &PeerExchange{
		h:       h,
		clk:     clk,
		backoff: newDialBackoff(1000, clk),
		recent:  recent,
		connect: make(chan relay.PeerInfo, MaxPendingConnections),
	}

	for i := 0; i < Connectors; i++ {
		go px.connector(ctx)
	}
	return px, nil
}

// HandlePeerExchange queues the suggested peers for dialing without blocking.
func (px *PeerExchange) HandlePeerExchange(topic string, peers []relay.PeerInfo) {
	for _, pi := range peers {
		select {
		case px.connect <- pi:
		default:
			log.Debugf("ignoring PX candidate %s for %s: too many pending connections", pi.ID, topic)
		}
	}
}

func (px *PeerExchange) connector(ctx context.Context) {
	for {
		select {
		case pi := <-px.connect:
			px.dial(ctx, pi)
		case <-ctx.Done():
			return
		}
	}
}

func (px *PeerExchange) dial(ctx context.Context, pi relay.PeerInfo) {
	if pi.ID == px.h.ID() || px.h.Network().Connectedness(pi.ID) == network.Connected {
		return
	}

	now := px.clk.Now()
	if last, ok := px.recent.Get(pi.ID); ok && now.Sub(last) < RecentDialTTL {
		return
	}

	if len(pi.SignedPeerRecord) > 0 {
		if err := px.consumeRecord(pi); err != nil {
			log.Debugf("error consuming signed peer record of %s: %s", pi.ID, err)
			return
		}
	}

	if delay := px.backoff.updateAndGet(pi.ID); delay > 0 {
		t := px.clk.Timer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	px.recent.Add(pi.ID, px.clk.Now())

	log.Debugf("connecting to PX peer %s", pi.ID)
	cctx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()
	if err := px.h.Connect(cctx, peer.AddrInfo{ID: pi.ID}); err != nil {
		log.Debugf("error connecting to PX peer %s: %s", pi.ID, err)
	}
}

// consumeRecord stores the addresses of a signed record naming pi.ID.
func (px *PeerExchange) consumeRecord(pi relay.PeerInfo) error {
	env, r, err := record.ConsumeEnvelope(pi.SignedPeerRecord, peer.PeerRecordEnvelopeDomain)
	if err != nil {
		return err
	}
	rec, ok := r.(*peer.PeerRecord)
	if !ok {
		return fmt.Errorf("unexpected record type %T", r)
	}
	if rec.PeerID != pi.ID {
		return fmt.Errorf("record is for peer %s", rec.PeerID)
	}

	cab, ok := peerstore.GetCertifiedAddrBook(px.h.Peerstore())
	if !ok {
		px.h.Peerstore().AddAddrs(pi.ID, rec.Addrs, peerstore.TempAddrTTL)
		return nil
	}
	_, err = cab.ConsumePeerRecord(env, peerstore.TempAddrTTL)
	return err
}
