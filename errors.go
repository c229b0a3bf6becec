package relay

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrPayloadTooLarge is returned by Publish when the payload exceeds the
	// configured maximum message size.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrNotSubscribedAndNoFanout is returned by Publish when the node is not
	// subscribed to the topic and knows no peer to send the message to.
	ErrNotSubscribedAndNoFanout = errors.New("not subscribed and no fanout peers")

	// ErrDuplicate is returned by Publish when a message with the same id has
	// already been seen.
	ErrDuplicate = errors.New("duplicate message")

	// ErrValidationIgnored is returned by Publish when a local validator
	// ignored the message.
	ErrValidationIgnored = errors.New("message ignored by validator")

	// ErrSubscriptionNotAllowed is returned by Subscribe when the subscription
	// filter refuses the topic.
	ErrSubscriptionNotAllowed = errors.New("subscription not allowed")

	// ErrSubscriptionCancelled may be returned when a subscription Next() is called after the
	// subscription has been cancelled.
	ErrSubscriptionCancelled = errors.New("subscription cancelled")

	// ErrRelayClosed is returned by every operation once the relay is closed.
	ErrRelayClosed = errors.New("relay closed")
)

// DecodeError is returned by HandleFrame when a frame cannot be decoded. The
// frame is dropped and the sender is penalized.
type DecodeError struct {
	Peer peer.ID
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed frame from %s: %s", e.Peer, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError is returned by Publish when a validator rejected the
// message.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return e.Reason
}

// SendError describes a failed send to a single peer. It never escapes the
// relay; it is logged and charged to the peer's score.
type SendError struct {
	Peer peer.ID
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending to %s: %s", e.Peer, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
