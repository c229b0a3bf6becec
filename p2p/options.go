package p2p

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/protocol"
	"golang.org/x/time/rate"
)

// Option configures a Network.
type Option func(*Network) error

// WithProtocols sets the relay protocols we speak, in order of preference.
func WithProtocols(protos ...protocol.ID) Option {
	return func(n *Network) error {
		if len(protos) == 0 {
			return fmt.Errorf("at least one protocol is required")
		}
		n.protos = protos
		return nil
	}
}

// WithPeerOutboundQueueSize is an option to set the buffer size for outbound frames to a peer.
// Frames are dropped once the queue is full.
func WithPeerOutboundQueueSize(size int) Option {
	return func(n *Network) error {
		if size <= 0 {
			return fmt.Errorf("invalid outbound queue size; must be positive")
		}
		n.queueSize = size
		return nil
	}
}

// WithMaxFrameSize bounds the frames read from and written to a stream.
func WithMaxFrameSize(size int) Option {
	return func(n *Network) error {
		if size <= 0 {
			return fmt.Errorf("invalid max frame size; must be positive")
		}
		n.maxFrameSize = size
		return nil
	}
}

// WithInboundRateLimit limits the frames accepted from each peer. Frames over
// the limit are dropped before they are decoded.
func WithInboundRateLimit(limit rate.Limit, burst int) Option {
	return func(n *Network) error {
		if burst <= 0 {
			return fmt.Errorf("invalid inbound burst; must be positive")
		}
		n.inboundLimit = limit
		n.inboundBurst = burst
		return nil
	}
}
