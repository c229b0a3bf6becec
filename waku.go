package relay

import (
	"context"
	"fmt"

	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// WakuRelayID_v200 is the protocol id of Waku relay.
const WakuRelayID_v200 = protocol.ID("/vac/waku/relay/2.0.0")

// DefaultWakuTopic is the pubsub topic used when none is configured.
const DefaultWakuTopic = "/waku/2/default-waku/proto"

// MaxWakuMessageSize bounds the encoded WakuMessage carried by a relay message.
const MaxWakuMessageSize = 1 << 20

// NewWakuRelay returns a relay configured for Waku: anonymous unsigned
// messages identified by their deterministic hash, the Waku protocol id and
// the Waku size limit. opts are applied after these and may override them.
func NewWakuRelay(ctx context.Context, net Network, opts ...Option) (*Relay, error) {
	base := []Option{
		WithNoAuthor(),
		WithMessageIdFn(WakuMessageIdFn),
		WithMaxMessageSize(MaxWakuMessageSize),
		WithProtocolID(WakuRelayID_v200),
	}
	return New(ctx, net, append(base, opts...)...)
}

// WakuMessageValidator rejects messages whose data is not a well formed
// WakuMessage. The decoded envelope is left in ValidatorData.
func WakuMessageValidator(ctx context.Context, from peer.ID, msg *Message) ValidationResult {
	if len(msg.Data) > MaxWakuMessageSize {
		log.Debugf("waku message from %s too large: %d bytes", from, len(msg.Data))
		return ValidationReject
	}

	wm := new(pb.WakuMessage)
	if err := wm.Unmarshal(msg.Data); err != nil {
		log.Debugf("invalid waku message from %s: %s", from, err)
		return ValidationReject
	}
	if wm.ContentTopic == "" {
		return ValidationReject
	}

	msg.ValidatorData = wm
	return ValidationAccept
}

// PublishWaku encodes wm and publishes it to topic.
func (r *Relay) PublishWaku(ctx context.Context, topic string, wm *pb.WakuMessage) (string, error) {
	if wm == nil {
		return "", fmt.Errorf("nil waku message")
	}
	return r.Publish(ctx, topic, wm.Marshal())
}
