package p2p

import (
	"context"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
)

func (n *Network) subscribePeerEvents() (event.Subscription, error) {
	// We don't bother subscribing to "connectivity" events because we always run identify after
	// every new connection.
	return n.h.EventBus().Subscribe([]interface{}{
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtPeerProtocolsUpdated),
	})
}

func (n *Network) watchForNewPeers(ctx context.Context, sub event.Subscription) {
	defer sub.Close()

	for _, p := range n.h.Network().Peers() {
		protos, err := n.h.Peerstore().SupportsProtocols(p, n.protos...)
		if err != nil {
			log.Debugf("failed to get protocols of %s: %s", p, err)
			continue
		}
		if proto, ok := n.preferred(protos); ok {
			n.addPeer(p, proto)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case p := <-n.peerDead:
			if n.h.Network().Connectedness(p) != network.Connected {
				n.removePeer(p)
			}

		case ev, ok := <-sub.Out():
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case event.EvtPeerIdentificationCompleted:
				if proto, ok := n.preferred(ev.Protocols); ok {
					n.addPeer(ev.Peer, proto)
				}
			case event.EvtPeerProtocolsUpdated:
				if proto, ok := n.preferred(ev.Added); ok {
					n.addPeer(ev.Peer, proto)
				}
			}
		}
	}
}

// preferred returns the first of our protocols found in protos.
func (n *Network) preferred(protos []protocol.ID) (protocol.ID, bool) {
	for _, ours := range n.protos {
		for _, theirs := range protos {
			if ours == theirs {
				return ours, true
			}
		}
	}
	return "", false
}

func (n *Network) disconnected(_ network.Network, c network.Conn) {
	p := c.RemotePeer()
	// notifiees must not block the swarm
	go func() {
		select {
		case n.peerDead <- p:
		case <-n.ctx.Done():
		}
	}()
}
