package relay

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

type EventType int

const (
	PeerJoin EventType = iota
	PeerLeave
)

func (t EventType) String() string {
	if t == PeerJoin {
		return "join"
	}
	return "leave"
}

// Subscription handles the details of a particular topic subscription.
// There may be multiple subscriptions for a given topic.
type Subscription struct {
	topic    string
	ch       chan *Message
	cancelCh chan<- *Subscription
	ctx      context.Context
	err      error
	once     sync.Once

	backlogMx   sync.Mutex
	evtBacklog  map[peer.ID]EventType
	backlogCh   chan struct{}
	nextEventMx sync.Mutex
}

type PeerEvent struct {
	Type EventType
	Peer peer.ID
}

func newSubscription(ctx context.Context, topic string, size int, cancelCh chan<- *Subscription) *Subscription {
	return &Subscription{
		topic:      topic,
		ch:         make(chan *Message, size),
		cancelCh:   cancelCh,
		ctx:        ctx,
		evtBacklog: make(map[peer.ID]EventType),
		backlogCh:  make(chan struct{}, 1),
	}
}

// Topic returns the topic string associated with the Subscription
func (sub *Subscription) Topic() string {
	return sub.topic
}

// Next returns the next message in our subscription
func (sub *Subscription) Next(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-sub.ch:
		if !ok {
			return msg, sub.err
		}

		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel closes the subscription. If this is the last active subscription then the relay will send an unsubscribe
// announcement to the network.
func (sub *Subscription) Cancel() {
	select {
	case sub.cancelCh <- sub:
	case <-sub.ctx.Done():
	}
}

func (sub *Subscription) close() {
	sub.closeWithError(ErrSubscriptionCancelled)
}

func (sub *Subscription) closeWithError(err error) {
	sub.once.Do(func() {
		sub.err = err
		close(sub.ch)
	})
}

func (sub *Subscription) sendNotification(evt PeerEvent) {
	sub.backlogMx.Lock()
	defer sub.backlogMx.Unlock()

	sub.addToBacklog(evt)

	select {
	case sub.backlogCh <- struct{}{}:
	default:
	}
}

// addToBacklog assumes a lock has been taken to protect the backlog
func (sub *Subscription) addToBacklog(evt PeerEvent) {
	e, ok := sub.evtBacklog[evt.Peer]
	if !ok {
		sub.evtBacklog[evt.Peer] = evt.Type
	} else if e != evt.Type {
		delete(sub.evtBacklog, evt.Peer)
	}
}

// pullFromBacklog assumes a lock has been taken to protect the backlog
func (sub *Subscription) pullFromBacklog() (PeerEvent, bool) {
	for k, v := range sub.evtBacklog {
		evt := PeerEvent{Peer: k, Type: v}
		delete(sub.evtBacklog, k)
		return evt, true
	}
	return PeerEvent{}, false
}

// NextPeerEvent returns the next event regarding subscribed peers
// Guarantees: Peer Join and Peer Leave events for a given peer will fire in order.
// Unless a peer both Joins and Leaves before NextPeerEvent emits either event
// all events will eventually be received from NextPeerEvent.
func (sub *Subscription) NextPeerEvent(ctx context.Context) (PeerEvent, error) {
	sub.nextEventMx.Lock()
	defer sub.nextEventMx.Unlock()

	for {
		sub.backlogMx.Lock()
		evt, ok := sub.pullFromBacklog()
		sub.backlogMx.Unlock()

		if ok {
			return evt, nil
		}

		select {
		case <-sub.backlogCh:
			continue
		case <-ctx.Done():
			return PeerEvent{}, ctx.Err()
		}
	}
}

// SubOpt is an option for Subscribe.
type SubOpt func(sub *Subscription) error

// WithBufferSize is a Subscribe option to customize the size of the subscribe output buffer.
// The default length is 32 but it can be configured to avoid dropping messages if the consumer is not reading fast
// enough.
func WithBufferSize(size int) SubOpt {
	return func(sub *Subscription) error {
		sub.ch = make(chan *Message, size)
		return nil
	}
}
