package relay

import (
	"math/rand"
	"time"

	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// GossipSubID_v11 is the protocol id spoken by default.
	GossipSubID_v11 = protocol.ID("/meshsub/1.1.0")
)

// GossipSubRouter maintains the topic meshes and implements the control
// protocol. It is owned by the relay event loop: every method must be called
// from the loop, and it reads the peer subscriptions tracked by the relay.
//
// Meshes are kept between Dlo and Dhi peers per topic; messages are pushed to
// mesh peers and advertised through IHAVE gossip to a sample of the others.
// Unsubscribed topics that are published to use a fanout set that expires
// after FanoutTTL.
type GossipSubRouter struct {
	r        *Relay
	peers    map[peer.ID]protocol.ID         // peer protocols
	direct   map[peer.ID]struct{}            // direct peers
	mesh     map[string]map[peer.ID]struct{} // topic meshes
	fanout   map[string]map[peer.ID]struct{} // topic fanout
	lastpub  map[string]time.Time            // last publish time for fanout topics
	gossip   map[peer.ID][]*pb.ControlIHave  // pending gossip
	control  map[peer.ID]*pb.ControlMessage  // pending control messages
	peerhave map[peer.ID]int                 // number of IHAVEs received from peer in the last heartbeat
	iasked   map[peer.ID]int                 // number of messages we have asked from peer in the last heartbeat
	outbound map[peer.ID]bool                // connection direction cache, marks peers with outbound connections
	asked    map[string]time.Time            // ids requested through IWANT and not yet delivered
	backoff  *pruneBackoff
	mcache   *MessageCache
	tracer   *pubsubTracer

	score        *peerScore
	gossipTracer *gossipTracer
	gate         *peerGater

	params Params

	// whether PX is enabled; this should be enabled in bootstrappers and other well connected/trusted
	// nodes.
	doPX bool
	px   PeerExchangeSink

	// threshold for accepting PX from a peer; this should be positive and limited to scores
	// attainable by bootstrappers and trusted nodes
	acceptPXThreshold float64

	// threshold for peer score to emit/accept gossip
	// If the peer score is below this threshold, we won't emit or accept gossip from the peer.
	// When there is no score, this value is 0.
	gossipThreshold float64

	// flood publish score threshold; we only publish to peers with score >= to the threshold
	// when using flood publishing or the peer is a fanout peer.
	publishThreshold float64

	// threshold for peer score before we graylist the peer and silently ignore its RPCs
	graylistThreshold float64

	// threshold for median peer score before triggering opportunistic grafting
	opportunisticGraftThreshold float64

	heartbeatTicks uint64

	clk clock.Clock
}

func newGossipSubRouter(params Params, thresholds *PeerScoreThresholds, clk clock.Clock) *GossipSubRouter {
	rt := &GossipSubRouter{
		peers:    make(map[peer.ID]protocol.ID),
		direct:   make(map[peer.ID]struct{}),
		mesh:     make(map[string]map[peer.ID]struct{}),
		fanout:   make(map[string]map[peer.ID]struct{}),
		lastpub:  make(map[string]time.Time),
		gossip:   make(map[peer.ID][]*pb.ControlIHave),
		control:  make(map[peer.ID]*pb.ControlMessage),
		peerhave: make(map[peer.ID]int),
		iasked:   make(map[peer.ID]int),
		outbound: make(map[peer.ID]bool),
		asked:    make(map[string]time.Time),
		backoff:  newPruneBackoff(),
		mcache:   NewMessageCache(params.HistoryGossip, params.HistoryLength),
		params:   params,
		clk:      clk,

		gossipThreshold:             thresholds.GossipThreshold,
		publishThreshold:            thresholds.PublishThreshold,
		graylistThreshold:           thresholds.GraylistThreshold,
		acceptPXThreshold:           thresholds.AcceptPXThreshold,
		opportunisticGraftThreshold: thresholds.OpportunisticGraftThreshold,
	}
	rt.mcache.SetMaxWindowEntries(params.MaxWindowEntries)
	rt.gossipTracer = newGossipTracer(params.IWantFollowupTime, clk)
	return rt
}

// Attach binds the router to the relay that owns it.
func (gs *GossipSubRouter) Attach(r *Relay) {
	gs.r = r
	gs.tracer = r.tracer
	gs.mcache.SetMsgIdFn(r.idGen.ID)

	if !r.manualHeartbeat {
		go gs.heartbeatTimer()
	}
}

// AddPeer registers a connected peer speaking proto.
func (gs *GossipSubRouter) AddPeer(p peer.ID, proto protocol.ID) {
	log.Debugf("PEERUP: Add new peer %s using %s", p, proto)
	gs.tracer.AddPeer(p, proto)
	gs.peers[p] = proto

	if oc, ok := gs.r.net.(outboundChecker); ok {
		gs.outbound[p] = oc.IsOutbound(p)
	}
}

// RemovePeer forgets a disconnected peer. Mesh links are dropped without
// PRUNE, since the peer is gone.
func (gs *GossipSubRouter) RemovePeer(p peer.ID) {
	log.Debugf("PEERDOWN: Remove disconnected peer %s", p)
	gs.tracer.RemovePeer(p)
	delete(gs.peers, p)
	for _, peers := range gs.mesh {
		delete(peers, p)
	}
	for _, peers := range gs.fanout {
		delete(peers, p)
	}
	delete(gs.gossip, p)
	delete(gs.control, p)
	delete(gs.outbound, p)
}

// AcceptFrom reports whether RPCs from p should be processed at all.
func (gs *GossipSubRouter) AcceptFrom(p peer.ID) bool {
	_, direct := gs.direct[p]
	if direct {
		return true
	}

	return gs.score.Score(p) >= gs.graylistThreshold
}

// onSubscribe is called after p announced a subscription to topic.
func (gs *GossipSubRouter) onSubscribe(p peer.ID, topic string) {
	// top up a fanout we are publishing through
	peers, ok := gs.fanout[topic]
	if !ok || len(peers) >= gs.params.D {
		return
	}
	_, direct := gs.direct[p]
	if !direct && gs.score.Score(p) >= gs.publishThreshold {
		peers[p] = struct{}{}
	}
}

// onUnsubscribe is called after p announced it left topic.
func (gs *GossipSubRouter) onUnsubscribe(p peer.ID, topic string) {
	if peers, ok := gs.mesh[topic]; ok {
		if _, inMesh := peers[p]; inMesh {
			log.Debugf("UNSUBSCRIBE: remove mesh link to %s in %s", p, topic)
			gs.tracer.Prune(p, topic)
			delete(peers, p)
		}
	}
	if peers, ok := gs.fanout[topic]; ok {
		delete(peers, p)
	}
}

// HandleRPC processes the control part of an incoming RPC and answers it.
func (gs *GossipSubRouter) HandleRPC(rpc *RPC) {
	ctl := rpc.GetControl()
	if ctl == nil {
		return
	}

	iwant := gs.handleIHave(rpc.from, ctl)
	ihave := gs.handleIWant(rpc.from, ctl)
	prune := gs.handleGraft(rpc.from, ctl)
	gs.handlePrune(rpc.from, ctl)

	if len(iwant) == 0 && len(ihave) == 0 && len(prune) == 0 {
		return
	}

	out := rpcWithControl(ihave, nil, iwant, nil, prune)
	gs.sendRPC(rpc.from, out)
}

func (gs *GossipSubRouter) handleIHave(p peer.ID, ctl *pb.ControlMessage) []*pb.ControlIWant {
	if len(ctl.GetIhave()) == 0 {
		return nil
	}

	// we ignore IHAVE gossip from any peer whose score is below the gossip threshold
	score := gs.score.Score(p)
	if score < gs.gossipThreshold {
		log.Debugf("IHAVE: ignoring peer %s with score below threshold [score = %f]", p, score)
		return nil
	}

	// IHAVE flood protection
	gs.peerhave[p]++
	if gs.peerhave[p] > gs.params.MaxIHaveMessages {
		log.Debugf("IHAVE: peer %s has advertised too many times (%d) within this heartbeat interval; ignoring", p, gs.peerhave[p])
		return nil
	}
	if gs.iasked[p] >= gs.params.MaxIHaveLength {
		log.Debugf("IHAVE: peer %s has already advertised too many messages (%d); ignoring", p, gs.iasked[p])
		return nil
	}

	iwant := make(map[string]struct{})
	for _, ihave := range ctl.GetIhave() {
		topic := ihave.GetTopicID()
		_, ok := gs.mesh[topic]
		if !ok {
			continue
		}

		for _, mid := range ihave.GetMessageIDs() {
			if gs.r.seenMessage(mid) {
				continue
			}
			if _, ok := gs.asked[mid]; ok {
				continue
			}
			iwant[mid] = struct{}{}
		}
	}

	if len(iwant) == 0 {
		return nil
	}

	iask := len(iwant)
	if iask+gs.iasked[p] > gs.params.MaxIHaveLength {
		iask = gs.params.MaxIHaveLength - gs.iasked[p]
	}

	log.Debugf("IHAVE: Asking for %d out of %d messages from %s", iask, len(iwant), p)

	iwantlst := make([]string, 0, len(iwant))
	for mid := range iwant {
		iwantlst = append(iwantlst, mid)
	}

	// ask in random order
	shuffleStrings(iwantlst)

	// truncate to the messages we are actually asking for and update the iasked counter
	iwantlst = iwantlst[:iask]
	gs.iasked[p] += iask

	now := gs.clk.Now()
	for _, mid := range iwantlst {
		gs.asked[mid] = now
	}
	gs.gossipTracer.AddPromise(p, iwantlst)

	return []*pb.ControlIWant{{MessageIDs: iwantlst}}
}

func (gs *GossipSubRouter) handleIWant(p peer.ID, ctl *pb.ControlMessage) []*pb.Message {
	if len(ctl.GetIwant()) == 0 {
		return nil
	}

	// we don't respond to IWANT requests from any peer whose score is below the gossip threshold
	score := gs.score.Score(p)
	if score < gs.gossipThreshold {
		log.Debugf("IWANT: ignoring peer %s with score below threshold [score = %f]", p, score)
		return nil
	}

	ihave := make(map[string]*pb.Message)
	for _, iwant := range ctl.GetIwant() {
		for _, mid := range iwant.GetMessageIDs() {
			msg, count, ok := gs.mcache.GetForPeer(mid, p)
			if !ok {
				continue
			}

			if count > gs.params.GossipRetransmission {
				log.Debugf("IWANT: Peer %s has asked for message %s too many times; ignoring request", p, mid)
				continue
			}

			ihave[mid] = msg.Message
		}
	}

	if len(ihave) == 0 {
		return nil
	}

	log.Debugf("IWANT: Sending %d messages to %s", len(ihave), p)

	msgs := make([]*pb.Message, 0, len(ihave))
	for _, msg := range ihave {
		msgs = append(msgs, msg)
	}

	return msgs
}

func (gs *GossipSubRouter) handleGraft(p peer.ID, ctl *pb.ControlMessage) []*pb.ControlPrune {
	if len(ctl.GetGraft()) == 0 {
		return nil
	}

	var prune []string

	doPX := gs.doPX
	score := gs.score.Score(p)
	now := gs.clk.Now()

	for _, graft := range ctl.GetGraft() {
		topic := graft.GetTopicID()
		peers, ok := gs.mesh[topic]
		if !ok {
			// don't do PX when there is an unknown topic to avoid leaking our peers
			doPX = false
			// spam hardening: ignore GRAFTs for unknown topics
			continue
		}

		// a peer that never announced the topic cannot be meshed
		if !gs.r.peerSubscribed(p, topic) {
			doPX = false
			continue
		}

		// check if it is already in the mesh; if so do nothing (we might have concurrent grafting)
		_, inMesh := peers[p]
		if inMesh {
			continue
		}

		// we don't GRAFT to/from direct peers; complain loudly if this happens
		_, direct := gs.direct[p]
		if direct {
			log.Warnf("GRAFT: ignoring request from direct peer %s", p)
			// this is possibly a bug from non-reciprocal configuration; send a PRUNE
			prune = append(prune, topic)
			// but don't PX
			doPX = false
			continue
		}

		// make sure we are not backing off that peer
		expire, backoff := gs.backoff.expiry(topic, p)
		if backoff && now.Before(expire) {
			log.Debugf("GRAFT: ignoring backed off peer %s", p)
			// add behavioural penalty
			gs.score.AddPenalty(p, 1)
			// no PX
			doPX = false
			// check the flood cutoff -- is the GRAFT coming too fast?
			floodCutoff := expire.Add(gs.params.GraftFloodThreshold - gs.params.PruneBackoff)
			if now.Before(floodCutoff) {
				// extra penalty
				gs.score.AddPenalty(p, 1)
			}
			// refresh the backoff
			gs.addBackoff(p, topic, false)
			prune = append(prune, topic)
			continue
		}

		// check the score
		if score < 0 {
			// we don't GRAFT peers with negative score
			log.Debugf("GRAFT: ignoring peer %s with negative score [score = %f, topic = %s]", p, score, topic)
			// we do send them PRUNE however, because it's a matter of protocol correctness
			prune = append(prune, topic)
			// but we won't PX to them
			doPX = false
			// add/refresh backoff so that we don't reGRAFT too early even if the score decays back up
			gs.addBackoff(p, topic, false)
			continue
		}

		// check the number of mesh peers; if it is at (or over) Dhi, we only accept grafts
		// from peers with outbound connections; this is a defensive check to restrict potential
		// mesh takeover attacks combined with love bombing
		if len(peers) >= gs.params.Dhi && !gs.outbound[p] {
			prune = append(prune, topic)
			gs.addBackoff(p, topic, false)
			continue
		}

		log.Debugf("GRAFT: add mesh link from %s in %s", p, topic)
		gs.tracer.Graft(p, topic)
		peers[p] = struct{}{}
	}

	if len(prune) == 0 {
		return nil
	}

	cprune := make([]*pb.ControlPrune, 0, len(prune))
	for _, topic := range prune {
		cprune = append(cprune, gs.makePrune(p, topic, doPX, false))
	}

	return cprune
}

func (gs *GossipSubRouter) handlePrune(p peer.ID, ctl *pb.ControlMessage) {
	if len(ctl.GetPrune()) == 0 {
		return
	}

	score := gs.score.Score(p)

	for _, prune := range ctl.GetPrune() {
		topic := prune.GetTopicID()
		peers, ok := gs.mesh[topic]
		if !ok {
			continue
		}

		log.Debugf("PRUNE: Remove mesh link to %s in %s", p, topic)
		if _, inMesh := peers[p]; inMesh {
			gs.tracer.Prune(p, topic)
			delete(peers, p)
		}

		// obey the advertised backoff, but never less than our own
		backoff := gs.params.PruneBackoff
		if adv := time.Duration(prune.GetBackoff()) * time.Second; adv > backoff {
			backoff = adv
		}
		gs.backoff.add(topic, p, gs.clk.Now(), backoff)

		px := prune.GetPeers()
		if len(px) > 0 {
			// we ignore PX from peers with insufficient score
			if score < gs.acceptPXThreshold {
				log.Debugf("PRUNE: ignoring PX from peer %s with insufficient score [score = %f, topic = %s]", p, score, topic)
				continue
			}

			gs.pxConnect(topic, px)
		}
	}
}

func (gs *GossipSubRouter) addBackoff(p peer.ID, topic string, isUnsubscribe bool) {
	backoff := gs.params.PruneBackoff
	if isUnsubscribe {
		backoff = gs.params.UnsubscribeBackoff
	}
	gs.backoff.add(topic, p, gs.clk.Now(), backoff)
}

// pxConnect hands the peers received through PX to the configured sink; the
// sink decides whether and how to connect to them.
func (gs *GossipSubRouter) pxConnect(topic string, peers []*pb.PeerInfo) {
	if gs.px == nil {
		return
	}

	if len(peers) > gs.params.PrunePeers {
		shufflePeerInfo(peers)
		peers = peers[:gs.params.PrunePeers]
	}

	toconnect := make([]PeerInfo, 0, len(peers))

	for _, pi := range peers {
		p := peer.ID(pi.PeerID)

		_, connected := gs.peers[p]
		if connected || p == gs.r.self {
			continue
		}

		toconnect = append(toconnect, PeerInfo{ID: p, SignedPeerRecord: pi.SignedPeerRecord})
	}

	if len(toconnect) == 0 {
		return
	}

	gs.px.HandlePeerExchange(topic, toconnect)
}

// Join builds the mesh for a topic we just subscribed to, reusing the fanout
// peers when we were already publishing to it.
func (gs *GossipSubRouter) Join(topic string) {
	gmap, ok := gs.mesh[topic]
	if ok {
		return
	}

	log.Debugf("JOIN %s", topic)

	now := gs.clk.Now()

	gmap, ok = gs.fanout[topic]
	if ok {
		// these peers have a score above the publish threshold, which may be negative
		// so drop the ones with a negative score
		for p := range gmap {
			if gs.score.Score(p) < 0 || gs.backoff.active(topic, p, now) {
				delete(gmap, p)
			}
		}

		if len(gmap) < gs.params.D {
			// we need more peers; eager, as this would get fixed in the next heartbeat
			more := gs.getPeers(topic, gs.params.D-len(gmap), func(p peer.ID) bool {
				// filter our current peers, direct peers, peers we are backing off, and
				// peers with negative scores
				_, inMesh := gmap[p]
				_, direct := gs.direct[p]
				return !inMesh && !direct && !gs.backoff.active(topic, p, now) && gs.score.Score(p) >= 0
			})
			for _, p := range more {
				gmap[p] = struct{}{}
			}
		}
		gs.mesh[topic] = gmap
		delete(gs.fanout, topic)
		delete(gs.lastpub, topic)
	} else {
		peers := gs.getPeers(topic, gs.params.D, func(p peer.ID) bool {
			// filter direct peers, peers we are backing off and peers with negative score
			_, direct := gs.direct[p]
			return !direct && !gs.backoff.active(topic, p, now) && gs.score.Score(p) >= 0
		})
		gmap = peerListToMap(peers)
		gs.mesh[topic] = gmap
	}

	for p := range gmap {
		log.Debugf("JOIN: Add mesh link to %s in %s", p, topic)
		gs.tracer.Graft(p, topic)
		gs.sendGraft(p, topic)
	}
}

// Leave tears the topic mesh down, pruning every member with the
// unsubscribe backoff.
func (gs *GossipSubRouter) Leave(topic string) {
	gmap, ok := gs.mesh[topic]
	if !ok {
		return
	}

	log.Debugf("LEAVE %s", topic)

	delete(gs.mesh, topic)

	for p := range gmap {
		log.Debugf("LEAVE: Remove mesh link to %s in %s", p, topic)
		gs.tracer.Prune(p, topic)
		gs.sendPrune(p, topic, true)
		// Add a backoff to this peer to prevent us from eagerly
		// re-grafting this peer into our mesh if we rejoin this
		// topic before the backoff period ends.
		gs.addBackoff(p, topic, true)
	}
}

// publishTargets selects the peers a locally published message goes to. It
// fails when we are not subscribed to the topic and have nobody to send to.
func (gs *GossipSubRouter) publishTargets(topic string) (map[peer.ID]struct{}, error) {
	tmap := gs.r.topics[topic]
	tosend := make(map[peer.ID]struct{})
	_, subscribed := gs.mesh[topic]

	publishable := func(p peer.ID) bool {
		_, direct := gs.direct[p]
		return !direct && gs.score.Score(p) >= gs.publishThreshold
	}

	if gs.params.FloodPublish {
		for p := range tmap {
			_, direct := gs.direct[p]
			if direct || gs.score.Score(p) >= gs.publishThreshold {
				tosend[p] = struct{}{}
			}
		}
		if !subscribed && len(tosend) == 0 {
			return nil, ErrNotSubscribedAndNoFanout
		}
		return tosend, nil
	}

	// direct peers
	for p := range gs.direct {
		if _, inTopic := tmap[p]; inTopic {
			tosend[p] = struct{}{}
		}
	}

	if subscribed {
		meshed := 0
		for p := range gs.mesh[topic] {
			if gs.score.Score(p) >= gs.publishThreshold {
				tosend[p] = struct{}{}
				meshed++
			}
		}

		// nothing in the mesh yet; push to a few random subscribers instead
		if meshed == 0 {
			for _, p := range gs.getPeers(topic, gs.params.floodPublishFanout(), publishable) {
				tosend[p] = struct{}{}
			}
		}
		return tosend, nil
	}

	// we are not in the mesh for topic, use fanout peers
	gmap, ok := gs.fanout[topic]
	if !ok || len(gmap) == 0 {
		// we don't have any, pick some with score above the publish threshold
		peers := gs.getPeers(topic, gs.params.floodPublishFanout(), publishable)
		if len(peers) > 0 {
			gmap = peerListToMap(peers)
			gs.fanout[topic] = gmap
		}
	}

	for p := range gmap {
		if gs.score.Score(p) >= gs.publishThreshold {
			tosend[p] = struct{}{}
		}
	}

	if len(tosend) == 0 {
		return nil, ErrNotSubscribedAndNoFanout
	}

	gs.lastpub[topic] = gs.clk.Now()
	return tosend, nil
}

// forwardTargets selects the peers an accepted remote message is relayed to.
func (gs *GossipSubRouter) forwardTargets(msg *Message) map[peer.ID]struct{} {
	topic := msg.GetTopic()
	tmap := gs.r.topics[topic]
	tosend := make(map[peer.ID]struct{})

	// direct peers
	for p := range gs.direct {
		if _, inTopic := tmap[p]; inTopic {
			tosend[p] = struct{}{}
		}
	}

	// mesh peers
	gmap := gs.mesh[topic]
	for p := range gmap {
		if gs.score.Score(p) >= gs.publishThreshold {
			tosend[p] = struct{}{}
		}
	}

	// lazy push: occasionally hand the message to one subscriber outside the mesh
	if gs.params.LazyPushProbability > 0 && rand.Float64() < gs.params.LazyPushProbability {
		extra := gs.getPeers(topic, 1, func(p peer.ID) bool {
			_, inMesh := gmap[p]
			_, direct := gs.direct[p]
			return !inMesh && !direct && p != msg.ReceivedFrom &&
				!gs.mcache.SeenBy(msg.ID, p) && gs.score.Score(p) >= gs.publishThreshold
		})
		for _, p := range extra {
			tosend[p] = struct{}{}
		}
	}

	return tosend
}

// Publish caches msg and sends it to tosend, skipping the peer we got it
// from, its author and peers known to already have it.
func (gs *GossipSubRouter) Publish(msg *Message, tosend, seenBy map[peer.ID]struct{}) {
	gs.mcache.Put(msg)
	for p := range seenBy {
		gs.mcache.MarkSeenBy(msg.ID, p)
	}

	from := msg.ReceivedFrom
	author := msg.GetFrom()

	out := rpcWithMessages(msg.Message)
	for pid := range tosend {
		if pid == from || pid == author || gs.mcache.SeenBy(msg.ID, pid) {
			continue
		}

		gs.sendRPC(pid, out)
	}
}

func (gs *GossipSubRouter) sendGraft(p peer.ID, topic string) {
	graft := []*pb.ControlGraft{{TopicID: topic}}
	out := rpcWithControl(nil, nil, nil, graft, nil)
	gs.sendRPC(p, out)
}

func (gs *GossipSubRouter) sendPrune(p peer.ID, topic string, isUnsubscribe bool) {
	prune := []*pb.ControlPrune{gs.makePrune(p, topic, gs.doPX, isUnsubscribe)}
	out := rpcWithControl(nil, nil, nil, nil, prune)
	gs.sendRPC(p, out)
}

// sendRPC encodes and sends out to p, piggybacking any pending control and
// gossip for the peer. Frames over the size limit are split. A failed send
// costs the peer a behavioural penalty and its GRAFT/PRUNE are kept for
// retry.
func (gs *GossipSubRouter) sendRPC(p peer.ID, out *RPC) {
	// do we own the RPC?
	own := false

	// piggyback control message retries
	ctl, ok := gs.control[p]
	if ok {
		out = copyRPC(out)
		own = true
		gs.piggybackControl(p, out, ctl)
		delete(gs.control, p)
	}

	// piggyback gossip
	ihave, ok := gs.gossip[p]
	if ok {
		if !own {
			out = copyRPC(out)
		}
		gs.piggybackGossip(p, out, ihave)
		delete(gs.gossip, p)
	}

	if out.Control != nil && out.Control.Empty() {
		out.Control = nil
	}

	frames, err := pb.FragmentRPC(&out.RPC, gs.r.maxFrameSize())
	if err != nil {
		log.Warnf("dropping RPC to %s: %s", p, err)
		gs.tracer.DropRPC(out, p)
		return
	}

	// control-only frames go through the priority lane when there is one
	urgent := len(out.Publish) == 0

	for _, frame := range frames {
		if err := gs.r.send(p, frame, urgent); err != nil {
			serr := &SendError{Peer: p, Err: err}
			log.Debug(serr.Error())
			gs.score.AddPenalty(p, 1)
			gs.r.metrics.sendFailed()
			gs.tracer.DropRPC(out, p)
			if out.Control != nil {
				gs.pushControl(p, out.Control)
			}
			return
		}
	}

	gs.tracer.SendRPC(out, p)
}

// pushControl keeps the GRAFT and PRUNE of a failed send for retry; gossip is
// not retried.
func (gs *GossipSubRouter) pushControl(p peer.ID, ctl *pb.ControlMessage) {
	if len(ctl.Graft) == 0 && len(ctl.Prune) == 0 {
		return
	}
	pending, ok := gs.control[p]
	if !ok {
		pending = &pb.ControlMessage{}
		gs.control[p] = pending
	}
	pending.Graft = append(pending.Graft, ctl.Graft...)
	pending.Prune = append(pending.Prune, ctl.Prune...)
}

func (gs *GossipSubRouter) piggybackControl(p peer.ID, out *RPC, ctl *pb.ControlMessage) {
	var tograft []*pb.ControlGraft
	var toprune []*pb.ControlPrune

	// check to see if we still need to GRAFT/PRUNE
	for _, graft := range ctl.GetGraft() {
		topic := graft.GetTopicID()
		peers, ok := gs.mesh[topic]
		if !ok {
			continue
		}
		_, ok = peers[p]
		if ok {
			tograft = append(tograft, graft)
		}
	}

	for _, prune := range ctl.GetPrune() {
		topic := prune.GetTopicID()
		peers, ok := gs.mesh[topic]
		if !ok {
			toprune = append(toprune, prune)
			continue
		}
		_, ok = peers[p]
		if !ok {
			toprune = append(toprune, prune)
		}
	}

	if len(tograft) == 0 && len(toprune) == 0 {
		return
	}

	xctl := out.Control
	if xctl == nil {
		xctl = &pb.ControlMessage{}
		out.Control = xctl
	}

	if len(tograft) > 0 {
		xctl.Graft = append(xctl.Graft, tograft...)
	}
	if len(toprune) > 0 {
		xctl.Prune = append(xctl.Prune, toprune...)
	}
}

func (gs *GossipSubRouter) piggybackGossip(p peer.ID, out *RPC, ihave []*pb.ControlIHave) {
	ctl := out.Control
	if ctl == nil {
		ctl = &pb.ControlMessage{}
		out.Control = ctl
	}

	ctl.Ihave = append(ctl.Ihave, ihave...)
}

func (gs *GossipSubRouter) makePrune(p peer.ID, topic string, doPX bool, isUnsubscribe bool) *pb.ControlPrune {
	backoff := uint64(gs.params.PruneBackoff / time.Second)
	if isUnsubscribe {
		backoff = uint64(gs.params.UnsubscribeBackoff / time.Second)
	}

	var px []*pb.PeerInfo
	if doPX {
		// select peers for Peer eXchange
		peers := gs.getPeers(topic, gs.params.PrunePeers, func(xp peer.ID) bool {
			return p != xp && gs.score.Score(xp) >= 0
		})

		records, _ := gs.r.net.(peerRecordSource)
		px = make([]*pb.PeerInfo, 0, len(peers))
		for _, p := range peers {
			// see if we have a signed peer record to send back; if we don't, just send
			// the peer ID and let the pruned peer find them in the DHT -- we can't trust
			// unsigned address records through px anyway.
			var recordBytes []byte
			if records != nil {
				recordBytes = records.SignedPeerRecord(p)
			}
			px = append(px, &pb.PeerInfo{PeerID: []byte(p), SignedPeerRecord: recordBytes})
		}
	}

	return &pb.ControlPrune{TopicID: topic, Peers: px, Backoff: backoff}
}

// getPeers returns up to count connected subscribers of topic accepted by
// filter, in random order. A count of zero or less returns all of them.
func (gs *GossipSubRouter) getPeers(topic string, count int, filter func(peer.ID) bool) []peer.ID {
	tmap, ok := gs.r.topics[topic]
	if !ok {
		return nil
	}

	peers := make([]peer.ID, 0, len(tmap))
	for p := range tmap {
		if _, connected := gs.peers[p]; connected && filter(p) {
			peers = append(peers, p)
		}
	}

	shufflePeers(peers)

	if count > 0 && len(peers) > count {
		peers = peers[:count]
	}

	return peers
}

func peerListToMap(peers []peer.ID) map[peer.ID]struct{} {
	pmap := make(map[peer.ID]struct{})
	for _, p := range peers {
		pmap[p] = struct{}{}
	}
	return pmap
}

func peerMapToList(peers map[peer.ID]struct{}) []peer.ID {
	plst := make([]peer.ID, 0, len(peers))
	for p := range peers {
		plst = append(plst, p)
	}
	return plst
}

func shufflePeers(peers []peer.ID) {
	for i := range peers {
		j := rand.Intn(i + 1)
		peers[i], peers[j] = peers[j], peers[i]
	}
}

func shufflePeerInfo(peers []*pb.PeerInfo) {
	for i := range peers {
		j := rand.Intn(i + 1)
		peers[i], peers[j] = peers[j], peers[i]
	}
}

func shuffleStrings(lst []string) {
	for i := range lst {
		j := rand.Intn(i + 1)
		lst[i], lst[j] = lst[j], lst[i]
	}
}
