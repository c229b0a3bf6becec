package relay

import (
	"fmt"
	"time"

	pb "github.com/waku-org/go-waku-relay/pb"
	"github.com/waku-org/go-waku-relay/timecache"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.opentelemetry.io/otel/metric"
)

// WithGossipSubParams replaces the mesh and gossip parameters. The
// parameters are validated when the relay starts.
func WithGossipSubParams(params Params) Option {
	return func(r *Relay) error {
		r.params = params
		return nil
	}
}

// WithPeerScore sets the score parameters and thresholds.
func WithPeerScore(params *PeerScoreParams, thresholds *PeerScoreThresholds) Option {
	return func(r *Relay) error {
		if params == nil || thresholds == nil {
			return fmt.Errorf("peer score params and thresholds are required")
		}
		r.scoreParams = params
		r.scoreThresholds = thresholds
		return nil
	}
}

// WithMessageIdFn is an option to customize the way a message ID is computed for a pubsub message.
// The default ID function is DefaultMsgIdFn (concatenate source and seq nr.),
// but it can be customized to e.g. the hash of the message.
func WithMessageIdFn(fn MsgIdFunction) Option {
	return func(r *Relay) error {
		r.idGen.Default = fn
		return nil
	}
}

// WithTopicMessageIdFn sets the message ID function of a single topic.
func WithTopicMessageIdFn(topic string, fn MsgIdFunction) Option {
	return func(r *Relay) error {
		r.idGen.Set(topic, fn)
		return nil
	}
}

// WithMessageSignaturePolicy sets the mode of operation for producing and verifying message signatures.
func WithMessageSignaturePolicy(policy MessageSignaturePolicy) Option {
	return func(r *Relay) error {
		r.signPolicy = policy
		return nil
	}
}

// WithMessageSigningKey signs published messages with key, authoring them as
// the matching peer id, and turns on StrictSign.
func WithMessageSigningKey(key crypto.PrivKey) Option {
	return func(r *Relay) error {
		pid, err := peer.IDFromPrivateKey(key)
		if err != nil {
			return fmt.Errorf("deriving author from signing key: %w", err)
		}
		r.signID = pid
		r.signKey = key
		r.signPolicy = StrictSign
		return nil
	}
}

// WithMessageAuthor sets the author for outbound messages to the given peer ID
// without a signing key, for use with LaxNoSign.
func WithMessageAuthor(author peer.ID) Option {
	return func(r *Relay) error {
		r.signID = author
		r.signKey = nil
		return nil
	}
}

// WithNoAuthor omits the author and seq-number data of messages, and disables message signatures.
// Not recommended to use with the default message ID function, see WithMessageIdFn.
func WithNoAuthor() Option {
	return func(r *Relay) error {
		r.signID = ""
		r.signKey = nil
		r.signPolicy = StrictNoSign
		return nil
	}
}

// WithMaxMessageSize sets the global maximum message size for relay messages. The default value is 1MiB (DefaultMaxMessageSize).
//
// WARNING: when raising the limit, change the protocol id too (WithProtocolID).
// Peers using the default size would drop our larger frames.
func WithMaxMessageSize(maxMessageSize int) Option {
	return func(r *Relay) error {
		if maxMessageSize <= 0 {
			return fmt.Errorf("invalid max message size; must be positive")
		}
		r.maxMessageSize = maxMessageSize
		if c, ok := r.codec.(pb.Codec); ok {
			c.MaxSize = maxMessageSize + frameOverhead
			r.codec = c
		}
		return nil
	}
}

// WithSeenMessagesTTL configures when a previously seen message ID can be forgotten about
func WithSeenMessagesTTL(ttl time.Duration) Option {
	return func(r *Relay) error {
		r.seenMsgTTL = ttl
		return nil
	}
}

// WithSeenMessagesStrategy configures which type of lookup/cleanup strategy is used by the seen messages cache
func WithSeenMessagesStrategy(strategy timecache.Strategy) Option {
	return func(r *Relay) error {
		r.seenMsgStrategy = strategy
		return nil
	}
}

// WithBlacklist replaces the default blacklist, which keeps a peer listed
// for the lifetime of the relay.
func WithBlacklist(b Blacklist) Option {
	return func(r *Relay) error {
		r.blacklist = b
		return nil
	}
}

// WithSubscriptionFilter is a relay option that specifies a filter for subscriptions
// in topics of interest.
func WithSubscriptionFilter(subFilter SubscriptionFilter) Option {
	return func(r *Relay) error {
		r.subFilter = subFilter
		return nil
	}
}

// WithPeerExchange enables peer exchange: our PRUNEs suggest other peers,
// and suggestions received from well scored peers are handed to sink. A nil
// sink only enables the former.
func WithPeerExchange(sink PeerExchangeSink) Option {
	return func(r *Relay) error {
		r.doPX = true
		r.px = sink
		return nil
	}
}

// WithDirectPeers sets the peers we always forward to and never mesh with.
// Direct peers should be configured reciprocally on both ends.
func WithDirectPeers(peers []peer.ID) Option {
	return func(r *Relay) error {
		r.direct = append(r.direct, peers...)
		return nil
	}
}

// WithRawTracer adds a raw tracer to the relay.
// Multiple tracers can be added using multiple invocations of the option.
func WithRawTracer(tracer RawTracer) Option {
	return func(r *Relay) error {
		r.rawTracers = append(r.rawTracers, tracer)
		return nil
	}
}

// WithEventTracer provides a tracer for the relay
func WithEventTracer(tracer EventTracer) Option {
	return func(r *Relay) error {
		r.eventTracer = tracer
		return nil
	}
}

// WithMeterProvider sets the otel meter provider metrics are recorded to.
func WithMeterProvider(meterProvider metric.MeterProvider) Option {
	return func(r *Relay) error {
		r.meterProvider = meterProvider
		return nil
	}
}

// WithClock sets the clock used for heartbeats, backoffs, score decay and
// the seen messages cache.
func WithClock(clk clock.Clock) Option {
	return func(r *Relay) error {
		r.clk = clk
		return nil
	}
}

// WithManualHeartbeat disables the heartbeat timer; heartbeats then only run
// through Tick.
func WithManualHeartbeat() Option {
	return func(r *Relay) error {
		r.manualHeartbeat = true
		return nil
	}
}

// WithCodec replaces the wire codec.
func WithCodec(c Codec) Option {
	return func(r *Relay) error {
		r.codec = c
		return nil
	}
}

// WithProtocolID sets the protocol used to send to peers added without one.
func WithProtocolID(proto protocol.ID) Option {
	return func(r *Relay) error {
		r.protocol = proto
		return nil
	}
}

// WithSeqnoGenerator sets the generator of the sequence numbers of
// authored messages.
func WithSeqnoGenerator(gen SeqnoGenerator) Option {
	return func(r *Relay) error {
		r.seqno = gen
		return nil
	}
}
