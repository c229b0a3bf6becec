package relay

import (
	"context"
	"fmt"
	"sort"
	"time"

	pb "github.com/waku-org/go-waku-relay/pb"
	"github.com/waku-org/go-waku-relay/timecache"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DefaultMaxMessageSize is 1 megabyte.
const DefaultMaxMessageSize = 1 << 20

// room for the framing, author, sequence number, signature and key around the
// payload of a single message
const frameOverhead = 4096

var (
	// TimeCacheDuration specifies how long a message ID will be remembered as seen.
	// Use WithSeenMessagesTTL to configure this per relay instance.
	TimeCacheDuration = 120 * time.Second

	// TimeCacheStrategy specifies which type of lookup/cleanup strategy is used by the seen messages cache.
	// Use WithSeenMessagesStrategy to configure this per relay instance.
	TimeCacheStrategy = timecache.Strategy_FirstSeen
)

var log = logging.Logger("relay")

// Network is the connectivity layer the relay sends frames through. Send must
// not block on the remote peer; an error means the frame was dropped.
//
// A Network may also implement any of:
//
//	ID() peer.ID                            // our own peer id
//	SendUrgent(peer.ID, protocol.ID, []byte) error // priority lane for control frames
//	PeerIPs(peer.ID) []string               // remote IPs, for IP colocation scoring
//	IsOutbound(peer.ID) bool                // connection direction, for the Dout quota
//	SignedPeerRecord(peer.ID) []byte        // records to hand out through PX
type Network interface {
	Send(p peer.ID, proto protocol.ID, frame []byte) error
	ConnectedPeers() []peer.ID
}

type selfIdentifier interface {
	ID() peer.ID
}

type urgentSender interface {
	SendUrgent(p peer.ID, proto protocol.ID, frame []byte) error
}

type outboundChecker interface {
	IsOutbound(p peer.ID) bool
}

type peerRecordSource interface {
	SignedPeerRecord(p peer.ID) []byte
}

// Codec turns RPCs into frames and back.
type Codec interface {
	Encode(rpc *pb.RPC) ([]byte, error)
	Decode(frame []byte) (*pb.RPC, error)
}

// PeerInfo is a peer learned through peer exchange.
type PeerInfo struct {
	ID               peer.ID
	SignedPeerRecord []byte
}

// PeerExchangeSink receives the peers suggested to us in PRUNEs. It is called
// from the event loop and must not block.
type PeerExchangeSink interface {
	HandlePeerExchange(topic string, peers []PeerInfo)
}

// Relay is a gossipsub topic relay. All of its state is owned by a single
// event loop; the public methods hand work to the loop and wait for it.
type Relay struct {
	// atomic counter for seqnos
	seqno SeqnoGenerator

	net      Network
	codec    Codec
	protocol protocol.ID
	self     peer.ID

	rt *GossipSubRouter

	val *validation

	tracer      *pubsubTracer
	rawTracers  []RawTracer
	eventTracer EventTracer

	// scoring configuration, applied at construction
	scoreParams     *PeerScoreParams
	scoreThresholds *PeerScoreThresholds
	gaterParams     *PeerGaterParams
	params          Params
	direct          []peer.ID

	// peer exchange; when enabled our PRUNEs carry peer suggestions, and the
	// ones we receive go to px
	doPX bool
	px   PeerExchangeSink

	// maxMessageSize is the maximum payload size of a published message
	maxMessageSize int

	// incoming messages from other peers
	incoming chan *RPC

	// verdicts of async validations
	validated chan *validationResult

	// a notification channel for subscriptions being cancelled
	cancelCh chan *Subscription

	// eval thunk in event loop
	eval chan func()

	// peer blacklist
	blacklist Blacklist

	subFilter SubscriptionFilter

	mySubs map[string]map[*Subscription]struct{}

	// topics tracks which topics each of our peers are subscribed to
	topics map[string]map[peer.ID]struct{}

	seenMessages    timecache.TimeCache
	seenMsgTTL      time.Duration
	seenMsgStrategy timecache.Strategy

	// generator used to compute the ID for a message
	idGen *msgIDGenerator

	// key for signing messages; nil when signing is disabled
	signKey crypto.PrivKey
	// source ID for signed messages; corresponds to signKey, empty when signing is disabled.
	// If empty, the author and seq-nr are completely omitted from the messages.
	signID peer.ID
	// strict mode rejects all unsigned messages prior to validation
	signPolicy MessageSignaturePolicy

	clk             clock.Clock
	manualHeartbeat bool

	meterProvider metric.MeterProvider
	metrics       *metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option is a relay option
type Option func(*Relay) error

// New returns a relay sending through net, and starts its event loop. The
// relay stops when ctx is cancelled or Close is called.
func New(ctx context.Context, net Network, opts ...Option) (*Relay, error) {
	ctx, cancel := context.WithCancel(ctx)

	r := &Relay{
		net:             net,
		codec:           pb.Codec{MaxSize: DefaultMaxMessageSize + frameOverhead},
		protocol:        GossipSubID_v11,
		val:             newValidation(),
		params:          DefaultGossipSubParams(),
		scoreParams:     DefaultPeerScoreParams(),
		scoreThresholds: DefaultPeerScoreThresholds(),
		maxMessageSize:  DefaultMaxMessageSize,
		incoming:        make(chan *RPC, 32),
		validated:       make(chan *validationResult, 32),
		cancelCh:        make(chan *Subscription),
		eval:            make(chan func()),
		blacklist:       make(peerSet),
		mySubs:          make(map[string]map[*Subscription]struct{}),
		topics:          make(map[string]map[peer.ID]struct{}),
		seenMsgTTL:      TimeCacheDuration,
		seenMsgStrategy: TimeCacheStrategy,
		idGen:           newMsgIdGenerator(),
		seqno:           NewLinearSeqno(),
		signPolicy:      StrictNoSign,
		clk:             clock.New(),
		meterProvider:   noop.MeterProvider{},
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}

	if si, ok := net.(selfIdentifier); ok {
		r.self = si.ID()
	}

	for _, opt := range opts {
		err := opt(r)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	if err := r.init(); err != nil {
		cancel()
		return nil, err
	}

	go r.processLoop(ctx)

	return r, nil
}

func (r *Relay) init() error {
	if err := r.params.validate(); err != nil {
		return fmt.Errorf("invalid gossipsub parameters: %w", err)
	}
	if err := r.scoreParams.validate(); err != nil {
		return fmt.Errorf("invalid peer score parameters: %w", err)
	}
	if err := r.scoreThresholds.validate(); err != nil {
		return fmt.Errorf("invalid peer score thresholds: %w", err)
	}

	if r.signPolicy.mustSign() {
		if r.signID == "" {
			return fmt.Errorf("strict signature usage enabled but message author was disabled")
		}
		if r.signKey == nil {
			return fmt.Errorf("can't sign for peer %s: no private key", r.signID)
		}
	}
	if r.self == "" {
		r.self = r.signID
	}

	m, err := newMetrics(r.meterProvider)
	if err != nil {
		return err
	}
	r.metrics = m

	r.seenMessages = timecache.NewTimeCacheWithStrategy(r.seenMsgStrategy, r.seenMsgTTL, r.clk)

	ips, _ := r.net.(ipSource)
	rt := newGossipSubRouter(r.params, r.scoreThresholds, r.clk)
	rt.score = newPeerScore(r.scoreParams, ips, r.clk, r.seenMsgTTL)
	for _, p := range r.direct {
		rt.direct[p] = struct{}{}
	}
	rt.doPX = r.doPX
	rt.px = r.px
	r.rt = rt

	raw := []RawTracer{rt.score, rt.gossipTracer, r.metrics}
	if r.gaterParams != nil {
		rt.gate = newPeerGater(r.gaterParams, ips, r.clk)
		raw = append(raw, rt.gate)
	}
	r.tracer = &pubsubTracer{
		tracer: r.eventTracer,
		raw:    append(raw, r.rawTracers...),
		pid:    r.self,
		idGen:  r.idGen,
		clk:    r.clk,
	}

	r.val.Start(r)
	rt.Attach(r)

	return nil
}

// processLoop handles all inputs arriving on the channels
func (r *Relay) processLoop(ctx context.Context) {
	defer func() {
		// close all subscriptions
		for _, subs := range r.mySubs {
			for sub := range subs {
				sub.closeWithError(ErrRelayClosed)
			}
		}
		close(r.done)
	}()

	for {
		select {
		case rpc := <-r.incoming:
			r.handleIncomingRPC(rpc)

		case res := <-r.validated:
			if r.val.Finish(res) {
				r.publishMessage(res.req.msg, res.req.seenBy)
			}

		case sub := <-r.cancelCh:
			r.handleRemoveSubscription(sub)

		case thunk := <-r.eval:
			thunk()

		case <-ctx.Done():
			log.Info("relay processloop shutting down")
			return
		}
	}
}

// evalSync runs f on the event loop and waits for it to return.
func (r *Relay) evalSync(ctx context.Context, f func()) error {
	// a closed relay wins over a caller context that is done as well
	if r.ctx.Err() != nil {
		return ErrRelayClosed
	}

	done := make(chan struct{})
	select {
	case r.eval <- func() {
		f()
		close(done)
	}:
	case <-ctx.Done():
		if r.ctx.Err() != nil {
			return ErrRelayClosed
		}
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrRelayClosed
	}

	select {
	case <-done:
		return nil
	case <-r.ctx.Done():
		select {
		case <-done:
			return nil
		default:
			return ErrRelayClosed
		}
	}
}

// Close stops the event loop. Subscriptions are closed with ErrRelayClosed.
func (r *Relay) Close() error {
	r.cancel()
	<-r.done
	return nil
}

// Tick runs one heartbeat on the event loop and waits for it.
func (r *Relay) Tick() error {
	return r.evalSync(r.ctx, r.rt.heartbeat)
}

// AddPeer tells the relay that p connected and speaks proto. Our
// subscriptions are announced to it.
func (r *Relay) AddPeer(p peer.ID, proto protocol.ID) error {
	return r.evalSync(r.ctx, func() {
		r.handleAddPeer(p, proto)
	})
}

// RemovePeer tells the relay that p disconnected.
func (r *Relay) RemovePeer(p peer.ID) error {
	return r.evalSync(r.ctx, func() {
		r.handleRemovePeer(p)
	})
}

func (r *Relay) handleAddPeer(p peer.ID, proto protocol.ID) {
	if _, ok := r.rt.peers[p]; ok {
		return
	}

	if r.blacklist.Contains(p) {
		log.Debugf("ignoring connection from blacklisted peer: %s", p)
		return
	}

	r.rt.AddPeer(p, proto)
	r.metrics.peers(len(r.rt.peers))

	// hello
	if len(r.mySubs) == 0 {
		return
	}
	subs := make([]*pb.RPC_SubOpts, 0, len(r.mySubs))
	for t := range r.mySubs {
		subs = append(subs, &pb.RPC_SubOpts{Topicid: t, Subscribe: true})
	}
	r.rt.sendRPC(p, rpcWithSubs(subs...))
}

func (r *Relay) handleRemovePeer(p peer.ID) {
	if _, ok := r.rt.peers[p]; !ok {
		return
	}

	for t, tmap := range r.topics {
		if _, ok := tmap[p]; ok {
			delete(tmap, p)
			r.notifyLeave(t, p)
		}
	}

	r.rt.RemovePeer(p)
	r.metrics.peers(len(r.rt.peers))
}

// HandleFrame is called by the connectivity layer for every frame received
// from p. Decoding happens in the caller's goroutine; the RPC is then queued
// for the event loop, blocking while the queue is full.
func (r *Relay) HandleFrame(p peer.ID, frame []byte) error {
	if r.ctx.Err() != nil {
		return ErrRelayClosed
	}

	rpc, err := r.codec.Decode(frame)
	if err != nil {
		derr := &DecodeError{Peer: p, Err: err}
		log.Debug(derr.Error())
		select {
		case r.eval <- func() { r.rt.score.AddPenalty(p, 1) }:
		case <-r.ctx.Done():
			return ErrRelayClosed
		}
		return derr
	}

	select {
	case r.incoming <- &RPC{RPC: *rpc, from: p}:
		return nil
	case <-r.ctx.Done():
		return ErrRelayClosed
	}
}

func (r *Relay) handleIncomingRPC(rpc *RPC) {
	if _, ok := r.rt.peers[rpc.from]; !ok {
		log.Debugf("dropping RPC from unknown peer %s", rpc.from)
		return
	}

	if r.blacklist.Contains(rpc.from) {
		log.Debugf("dropping RPC from blacklisted peer %s", rpc.from)
		return
	}

	// ignore the whole RPC if the router is not accepting messages
	if !r.rt.AcceptFrom(rpc.from) {
		log.Debugf("received RPC from router graylisted peer %s; dropping RPC", rpc.from)
		return
	}

	// under validation pressure the messages of poor sources are dropped,
	// their control is still processed
	if len(rpc.Publish) > 0 && !r.rt.gate.AcceptMessagesFrom(rpc.from) {
		r.tracer.ThrottlePeer(rpc.from)
		rpc.Publish = nil
	}

	r.tracer.RecvRPC(rpc)

	subs := rpc.GetSubscriptions()
	if len(subs) != 0 && r.subFilter != nil {
		var err error
		subs, err = r.subFilter.FilterIncomingSubscriptions(rpc.from, subs)
		if err != nil {
			log.Debugf("subscription filter error: %s; ignoring RPC", err)
			return
		}
	}

	for _, subopt := range subs {
		t := subopt.GetTopicid()

		if subopt.GetSubscribe() {
			tmap, ok := r.topics[t]
			if !ok {
				tmap = make(map[peer.ID]struct{})
				r.topics[t] = tmap
			}

			if _, ok = tmap[rpc.from]; !ok {
				tmap[rpc.from] = struct{}{}
				r.notifyJoin(t, rpc.from)
				r.rt.onSubscribe(rpc.from, t)
			}
		} else {
			tmap, ok := r.topics[t]
			if !ok {
				continue
			}

			if _, ok := tmap[rpc.from]; ok {
				delete(tmap, rpc.from)
				r.notifyLeave(t, rpc.from)
				r.rt.onUnsubscribe(rpc.from, t)
			}
		}
	}

	for _, pmsg := range rpc.GetPublish() {
		if !r.subscribedToMsg(pmsg) {
			log.Debug("received message in topic we didn't subscribe to; ignoring message")
			continue
		}

		r.pushMsg(&Message{Message: pmsg, ReceivedFrom: rpc.from})
	}

	r.rt.HandleRPC(rpc)
}

// pushMsg pushes a message performing validation as necessary
func (r *Relay) pushMsg(msg *Message) {
	src := msg.ReceivedFrom

	// reject messages from blacklisted peers
	if r.blacklist.Contains(src) {
		log.Debugf("dropping message from blacklisted peer %s", src)
		r.tracer.RejectMessage(msg, RejectBlacklstedPeer)
		return
	}

	// even if they are forwarded by good peers
	if author := msg.GetFrom(); author != "" && r.blacklist.Contains(author) {
		log.Debugf("dropping message from blacklisted source %s", author)
		r.tracer.RejectMessage(msg, RejectBlacklistedSource)
		return
	}

	// reject unsigned messages when strict before we even process the id
	if reason := checkSigningPolicy(r.signPolicy, r.signID == "", msg.Message); reason != "" {
		log.Debugf("dropping message from %s: %s", src, reason)
		r.tracer.RejectMessage(msg, reason)
		return
	}

	// reject messages claiming to be from ourselves but not locally published
	if r.self != "" && msg.GetFrom() == r.self {
		log.Debugf("dropping message claiming to be from self but forwarded from %s", src)
		r.tracer.RejectMessage(msg, RejectSelfOrigin)
		return
	}

	id := r.idGen.ID(msg)

	// have we already seen this message?
	if r.seenMessage(id) {
		r.tracer.DuplicateMessage(msg)
		if !r.val.MarkSeenBy(id, src) {
			r.rt.mcache.MarkSeenBy(id, src)
		}
		return
	}

	// verify before marking the id as seen, so that a forged copy cannot
	// shadow the genuine message
	if msg.Signature != nil && !r.val.ValidateSignature(msg) {
		log.Debugf("message signature validation failed; dropping message from %s", src)
		r.tracer.RejectMessage(msg, RejectInvalidSignature)
		return
	}

	r.markSeen(id)
	r.tracer.ValidateMessage(msg)

	if r.val.Push(src, msg) {
		r.publishMessage(msg, nil)
	}
}

// publishMessage delivers an accepted remote message and relays it to
// everyone but the peers in seenBy.
func (r *Relay) publishMessage(msg *Message, seenBy map[peer.ID]struct{}) {
	if !r.subscribedToMsg(msg.Message) {
		log.Debugf("dropping accepted message for unsubscribed topic %s", msg.GetTopic())
		return
	}

	r.tracer.DeliverMessage(msg)
	r.notifySubs(msg)
	r.rt.Publish(msg, r.rt.forwardTargets(msg), seenBy)
}

func (r *Relay) notifySubs(msg *Message) {
	topic := msg.GetTopic()
	subs := r.mySubs[topic]
	for f := range subs {
		select {
		case f.ch <- msg:
		default:
			log.Infof("Can't deliver message to subscription for topic %s; subscriber too slow", topic)
		}
	}
}

// seenMessage returns whether we already saw this message before
func (r *Relay) seenMessage(id string) bool {
	return r.seenMessages.Has(id)
}

// markSeen marks a message as seen such that seenMessage returns `true' for the given id
// returns true if the message was freshly marked
func (r *Relay) markSeen(id string) bool {
	return r.seenMessages.Add(id)
}

// subscribedToMsg returns whether we are subscribed to the topic of a given message
func (r *Relay) subscribedToMsg(msg *pb.Message) bool {
	_, ok := r.mySubs[msg.GetTopic()]
	return ok
}

func (r *Relay) peerSubscribed(p peer.ID, topic string) bool {
	_, ok := r.topics[topic][p]
	return ok
}

func (r *Relay) notifyJoin(topic string, p peer.ID) {
	for sub := range r.mySubs[topic] {
		sub.sendNotification(PeerEvent{PeerJoin, p})
	}
}

func (r *Relay) notifyLeave(topic string, p peer.ID) {
	for sub := range r.mySubs[topic] {
		sub.sendNotification(PeerEvent{PeerLeave, p})
	}
}

func (r *Relay) maxFrameSize() int {
	return r.maxMessageSize + frameOverhead
}

// send encodes rpc and hands it to the network.
func (r *Relay) send(p peer.ID, rpc *pb.RPC, urgent bool) error {
	frame, err := r.codec.Encode(rpc)
	if err != nil {
		return err
	}

	proto := r.rt.peers[p]
	if proto == "" {
		proto = r.protocol
	}

	if urgent {
		if us, ok := r.net.(urgentSender); ok {
			return us.SendUrgent(p, proto, frame)
		}
	}
	return r.net.Send(p, proto, frame)
}

// Subscribe returns a new Subscription for the topic. The first subscription
// to a topic announces it to our peers and joins the topic mesh.
func (r *Relay) Subscribe(topic string, opts ...SubOpt) (*Subscription, error) {
	if r.subFilter != nil && !r.subFilter.CanSubscribe(topic) {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotAllowed, topic)
	}

	sub := newSubscription(r.ctx, topic, 32, r.cancelCh)
	for _, opt := range opts {
		err := opt(sub)
		if err != nil {
			return nil, err
		}
	}

	err := r.evalSync(r.ctx, func() {
		r.handleAddSubscription(sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *Relay) handleAddSubscription(sub *Subscription) {
	subs := r.mySubs[sub.topic]

	// announce we want this topic if neither subs nor relays exist so far
	if len(subs) == 0 {
		r.mySubs[sub.topic] = make(map[*Subscription]struct{})
		r.val.Join(sub.topic)
		r.tracer.Join(sub.topic)
		r.announce(sub.topic, true)
		r.rt.Join(sub.topic)
		r.metrics.topics(len(r.mySubs))
	}

	r.mySubs[sub.topic][sub] = struct{}{}

	for p := range r.topics[sub.topic] {
		sub.sendNotification(PeerEvent{PeerJoin, p})
	}
}

func (r *Relay) handleRemoveSubscription(sub *Subscription) {
	subs := r.mySubs[sub.topic]

	if subs == nil {
		return
	}

	sub.close()
	delete(subs, sub)

	if len(subs) == 0 {
		delete(r.mySubs, sub.topic)

		// cancel in flight validations before leaving, so that late verdicts
		// are discarded
		r.val.Leave(sub.topic)
		r.announce(sub.topic, false)
		r.rt.Leave(sub.topic)
		r.tracer.Leave(sub.topic)
		r.metrics.topics(len(r.mySubs))
	}
}

// Unsubscribe cancels every subscription to topic.
func (r *Relay) Unsubscribe(topic string) error {
	return r.evalSync(r.ctx, func() {
		for sub := range r.mySubs[topic] {
			r.handleRemoveSubscription(sub)
		}
	})
}

func (r *Relay) announce(topic string, sub bool) {
	subopt := &pb.RPC_SubOpts{
		Topicid:   topic,
		Subscribe: sub,
	}

	out := rpcWithSubs(subopt)
	for pid := range r.rt.peers {
		r.rt.sendRPC(pid, out)
	}
}

// PubOpt is an option for Publish.
type PubOpt func(pub *PublishOptions) error

// PublishOptions holds the per message publishing options.
type PublishOptions struct {
	customKey func() (peer.ID, crypto.PrivKey)
}

// WithSecretKeyAndPeerId returns a publishing option for providing a custom private key and its corresponding peer ID
// This option is useful when we want to send messages from "virtual", never-connectable peers in the network
func WithSecretKeyAndPeerId(key crypto.PrivKey, pid peer.ID) PubOpt {
	return func(pub *PublishOptions) error {
		pub.customKey = func() (peer.ID, crypto.PrivKey) {
			return pid, key
		}

		return nil
	}
}

// Publish publishes data to topic and returns the id of the new message.
func (r *Relay) Publish(ctx context.Context, topic string, data []byte, opts ...PubOpt) (string, error) {
	ctx, span := startSpanForTopic(ctx, "relay.Publish", topic)
	defer span.End()

	id, err := r.publish(ctx, topic, data, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("message.id", fmt.Sprintf("%x", id)))
	return id, nil
}

func (r *Relay) publish(ctx context.Context, topic string, data []byte, opts ...PubOpt) (string, error) {
	if len(data) > r.maxMessageSize {
		return "", fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(data), r.maxMessageSize)
	}

	pid := r.signID
	key := r.signKey

	pub := &PublishOptions{}
	for _, opt := range opts {
		err := opt(pub)
		if err != nil {
			return "", err
		}
	}

	if pub.customKey != nil {
		pid, key = pub.customKey()
		if key == nil {
			return "", fmt.Errorf("nil private key given")
		}
	}

	m := &pb.Message{
		Data:  data,
		Topic: topic,
	}
	if pid != "" {
		m.From = []byte(pid)
		m.Seqno = seqnoBytes(r.seqno.Next())
	}
	if key != nil {
		m.From = []byte(pid)
		err := signMessage(pid, key, m)
		if err != nil {
			return "", err
		}
	}

	msg := &Message{Message: m, ReceivedFrom: r.self, Local: true}
	msg.ID = r.idGen.RawID(m)

	// snapshot the validators on the loop, then run them here
	var vals []*topicVal
	if err := r.evalSync(ctx, func() {
		vals = r.val.topicVals[topic]
	}); err != nil {
		return "", err
	}

	res, reason := validateLocal(ctx, r.self, vals, msg)
	switch res {
	case ValidationReject:
		return "", ValidationError{Reason: reason}
	case ValidationIgnore:
		return "", ErrValidationIgnored
	}

	var err error
	if serr := r.evalSync(ctx, func() {
		err = r.publishLocal(msg)
	}); serr != nil {
		return "", serr
	}
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (r *Relay) publishLocal(msg *Message) error {
	if r.seenMessage(msg.ID) {
		return ErrDuplicate
	}

	tosend, err := r.rt.publishTargets(msg.GetTopic())
	if err != nil {
		return err
	}

	r.markSeen(msg.ID)
	r.tracer.PublishMessage(msg)
	r.tracer.DeliverMessage(msg)
	r.notifySubs(msg)
	r.rt.Publish(msg, tosend, nil)
	return nil
}

// RegisterTopicValidator registers a validator for topic.
// By default validators are asynchronous, which means they will run in a separate goroutine.
// The number of active goroutines is controlled by global and per topic validator
// throttles; if it exceeds the throttle threshold, messages will be dropped.
func (r *Relay) RegisterTopicValidator(topic string, val interface{}, opts ...ValidatorOpt) error {
	addVal := &addValReq{
		topic:    topic,
		validate: val,
	}

	for _, opt := range opts {
		err := opt(addVal)
		if err != nil {
			return err
		}
	}

	var err error
	if serr := r.evalSync(r.ctx, func() {
		err = r.val.AddValidator(addVal)
	}); serr != nil {
		return serr
	}
	return err
}

// UnregisterTopicValidator removes the validators of a topic.
// Returns an error if there was no validator registered with the topic.
func (r *Relay) UnregisterTopicValidator(topic string) error {
	var err error
	if serr := r.evalSync(r.ctx, func() {
		err = r.val.RemoveValidators(topic)
	}); serr != nil {
		return serr
	}
	return err
}

// BlacklistPeer blacklists a peer; all messages from this peer will be unconditionally dropped.
func (r *Relay) BlacklistPeer(p peer.ID) error {
	return r.evalSync(r.ctx, func() {
		log.Infof("Blacklisting peer %s", p)
		r.blacklist.Add(p)
		r.handleRemovePeer(p)
	})
}

// ListPeers returns the peers we know are subscribed to topic.
func (r *Relay) ListPeers(topic string) []peer.ID {
	var out []peer.ID
	_ = r.evalSync(r.ctx, func() {
		out = peerMapToList(r.topics[topic])
	})
	return sortedPeers(out)
}

// MeshPeers returns the mesh of topic.
func (r *Relay) MeshPeers(topic string) []peer.ID {
	var out []peer.ID
	_ = r.evalSync(r.ctx, func() {
		out = peerMapToList(r.rt.mesh[topic])
	})
	return sortedPeers(out)
}

// FanoutPeers returns the fanout set of topic.
func (r *Relay) FanoutPeers(topic string) []peer.ID {
	var out []peer.ID
	_ = r.evalSync(r.ctx, func() {
		out = peerMapToList(r.rt.fanout[topic])
	})
	return sortedPeers(out)
}

// ListAllPeers returns every connected peer.
func (r *Relay) ListAllPeers() []peer.ID {
	var out []peer.ID
	_ = r.evalSync(r.ctx, func() {
		out = make([]peer.ID, 0, len(r.rt.peers))
		for p := range r.rt.peers {
			out = append(out, p)
		}
	})
	return sortedPeers(out)
}

// PeerScore returns the current score of p.
func (r *Relay) PeerScore(p peer.ID) float64 {
	return r.rt.score.Score(p)
}

// Topics returns the topics we are subscribed to.
func (r *Relay) Topics() []string {
	var out []string
	_ = r.evalSync(r.ctx, func() {
		out = make([]string, 0, len(r.mySubs))
		for t := range r.mySubs {
			out = append(out, t)
		}
	})
	sort.Strings(out)
	return out
}

func sortedPeers(peers []peer.ID) []peer.ID {
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}
