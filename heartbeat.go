package relay

import (
	"fmt"
	"sort"
	"time"

	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/libp2p/go-libp2p/core/peer"
)

func (gs *GossipSubRouter) heartbeatTimer() {
	ctx := gs.r.ctx

	timer := gs.clk.Timer(gs.params.HeartbeatInitialDelay)
	select {
	case <-timer.C:
		select {
		case gs.r.eval <- gs.heartbeat:
		case <-ctx.Done():
			return
		}
	case <-ctx.Done():
		timer.Stop()
		return
	}

	ticker := gs.clk.Ticker(gs.params.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case gs.r.eval <- gs.heartbeat:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (gs *GossipSubRouter) heartbeat() {
	start := time.Now()
	defer func() {
		gs.r.metrics.heartbeatDone(time.Since(start))
		if took := time.Since(start); took > gs.params.HeartbeatInterval {
			log.Warnf("slow heartbeat took %v", took)
		}
	}()

	gs.heartbeatTicks++

	noPX := make(map[peer.ID]bool)

	// clean up expired backoffs
	if gs.heartbeatTicks%gs.params.BackoffCleanupTicks == 0 {
		gs.backoff.cleanup(gs.clk.Now())
	}

	// clean up iasked counters
	gs.clearIHaveCounters()

	// apply IWANT request penalties
	gs.applyIwantPenalties()

	// cache scores throughout the heartbeat
	scores := make(map[peer.ID]float64)
	score := func(p peer.ID) float64 {
		s, ok := scores[p]
		if !ok {
			s = gs.score.Score(p)
			scores[p] = s
		}
		return s
	}

	// maintain the mesh for topics we have joined
	for topic, peers := range gs.mesh {
		topic, peers := topic, peers
		safeDo("mesh "+topic, func() {
			gs.maintainMesh(topic, peers, score, noPX)
		})
		gs.r.metrics.meshSize(topic, len(peers))
	}

	for p := range gs.peers {
		gs.r.metrics.peerScore(score(p))
	}

	// expire fanout for topics we haven't published to in a while
	now := gs.clk.Now()
	for topic, lastpub := range gs.lastpub {
		if lastpub.Add(gs.params.FanoutTTL).Before(now) {
			delete(gs.fanout, topic)
			delete(gs.lastpub, topic)
		}
	}

	// maintain our fanout for topics we are publishing but we have not joined
	for topic, peers := range gs.fanout {
		topic, peers := topic, peers
		safeDo("fanout "+topic, func() {
			gs.maintainFanout(topic, peers, score)
		})
	}

	// emit IHAVE gossip; we already push messages to mesh and fanout peers, so
	// it would be redundant to gossip to them
	for topic, peers := range gs.mesh {
		topic, peers := topic, peers
		safeDo("gossip "+topic, func() {
			gs.emitGossip(topic, peers, score)
		})
	}
	for topic, peers := range gs.fanout {
		topic, peers := topic, peers
		safeDo("gossip "+topic, func() {
			gs.emitGossip(topic, peers, score)
		})
	}

	// send out the batched GRAFT/PRUNE and gossip
	safeDo("control flush", func() {
		gs.flush(noPX)
	})

	// advance the message history window
	gs.mcache.ShiftWindow()

	gs.score.maybeRefresh()
	gs.gate.maybeDecay()
	gs.r.seenMessages.Sweep()

	for mid, t := range gs.asked {
		if t.Add(gs.params.IWantFollowupTime).Before(now) {
			delete(gs.asked, mid)
		}
	}
}

func (gs *GossipSubRouter) maintainMesh(topic string, peers map[peer.ID]struct{}, score func(peer.ID) float64, noPX map[peer.ID]bool) {
	now := gs.clk.Now()

	graftPeer := func(p peer.ID) {
		log.Debugf("HEARTBEAT: Add mesh link to %s in %s", p, topic)
		gs.tracer.Graft(p, topic)
		peers[p] = struct{}{}
		gs.queueGraft(p, topic)
	}

	prunePeer := func(p peer.ID) {
		gs.tracer.Prune(p, topic)
		delete(peers, p)
		gs.addBackoff(p, topic, false)
		gs.queuePrune(p, topic)
	}

	// drop all peers with negative score, without PX
	for p := range peers {
		if score(p) < 0 {
			log.Debugf("HEARTBEAT: Prune peer %s with negative score [score = %f, topic = %s]", p, score(p), topic)
			prunePeer(p)
			noPX[p] = true
		}
	}

	// do we have enough peers?
	if l := len(peers); l < gs.params.Dlo {
		ineed := gs.params.D - l
		plst := gs.getPeers(topic, ineed, func(p peer.ID) bool {
			// filter our current and direct peers, peers we are backing off, and peers with negative score
			_, inMesh := peers[p]
			_, direct := gs.direct[p]
			return !inMesh && !direct && !gs.backoff.active(topic, p, now) && score(p) >= 0
		})

		for _, p := range plst {
			graftPeer(p)
		}
	}

	// do we have too many peers?
	if len(peers) > gs.params.Dhi {
		plst := peerMapToList(peers)

		// sort by score (but shuffle first for the case we don't use the score)
		shufflePeers(plst)
		sort.Slice(plst, func(i, j int) bool {
			return score(plst[i]) > score(plst[j])
		})

		// We keep the first D_score peers by score and the remaining up to D randomly
		// under the constraint that we keep D_out peers in the mesh (if we have that many)
		shufflePeers(plst[gs.params.Dscore:])

		// count the outbound peers we are keeping
		outbound := 0
		for _, p := range plst[:gs.params.D] {
			if gs.outbound[p] {
				outbound++
			}
		}

		// if it's less than D_out, bubble up some outbound peers from the random selection
		if outbound < gs.params.Dout {
			rotate := func(i int) {
				// rotate the plst to the right and put the ith peer in the front
				p := plst[i]
				for j := i; j > 0; j-- {
					plst[j] = plst[j-1]
				}
				plst[0] = p
			}

			// first bubble up all outbound peers already in the selection to the front
			if outbound > 0 {
				ihave := outbound
				for i := 1; i < gs.params.D && ihave > 0; i++ {
					p := plst[i]
					if gs.outbound[p] {
						rotate(i)
						ihave--
					}
				}
			}

			// now bubble up enough outbound peers outside the selection to the front
			ineed := gs.params.Dout - outbound
			for i := gs.params.D; i < len(plst) && ineed > 0; i++ {
				p := plst[i]
				if gs.outbound[p] {
					rotate(i)
					ineed--
				}
			}
		}

		// prune the excess peers
		for _, p := range plst[gs.params.D:] {
			log.Debugf("HEARTBEAT: Remove mesh link to %s in %s", p, topic)
			prunePeer(p)
		}
	}

	// do we have enough outbound peers?
	if len(peers) >= gs.params.Dlo {
		// count the outbound peers we have
		outbound := 0
		for p := range peers {
			if gs.outbound[p] {
				outbound++
			}
		}

		// if it's less than D_out, select some peers with outbound connections and graft them
		if outbound < gs.params.Dout {
			ineed := gs.params.Dout - outbound
			plst := gs.getPeers(topic, ineed, func(p peer.ID) bool {
				// filter our current and direct peers, peers we are backing off, and peers with negative score
				_, inMesh := peers[p]
				_, direct := gs.direct[p]
				return !inMesh && !direct && !gs.backoff.active(topic, p, now) && gs.outbound[p] && score(p) >= 0
			})

			for _, p := range plst {
				graftPeer(p)
			}
		}
	}

	// should we try to improve the mesh with opportunistic grafting?
	if gs.heartbeatTicks%gs.params.OpportunisticGraftTicks == 0 && len(peers) > 1 {
		// Opportunistic grafting works as follows: we check the median score of peers in the
		// mesh; if this score is below the opportunisticGraftThreshold, we select a few peers at
		// random with score over the median.
		// The intention is to (slowly) improve an underperforming mesh by introducing good
		// scoring peers that may have been gossiping at us. This allows us to get out of sticky
		// situations where we are stuck with poor peers and also recover from churn of good peers.

		// now compute the median peer score in the mesh
		plst := peerMapToList(peers)
		sort.Slice(plst, func(i, j int) bool {
			return score(plst[i]) < score(plst[j])
		})
		medianIndex := len(peers) / 2
		medianScore := score(plst[medianIndex])

		// if the median score is below the threshold, select a better peer (if any) and GRAFT
		if medianScore < gs.opportunisticGraftThreshold {
			plst = gs.getPeers(topic, gs.params.OpportunisticGraftPeers, func(p peer.ID) bool {
				_, inMesh := peers[p]
				_, direct := gs.direct[p]
				return !inMesh && !direct && !gs.backoff.active(topic, p, now) && score(p) > medianScore
			})

			for _, p := range plst {
				log.Debugf("HEARTBEAT: Opportunistically graft peer %s on topic %s", p, topic)
				graftPeer(p)
			}
		}
	}
}

func (gs *GossipSubRouter) maintainFanout(topic string, peers map[peer.ID]struct{}, score func(peer.ID) float64) {
	// check whether our peers are still in the topic and have a score above the publish threshold
	for p := range peers {
		if !gs.r.peerSubscribed(p, topic) || score(p) < gs.publishThreshold {
			delete(peers, p)
		}
	}

	// do we need more peers?
	if len(peers) < gs.params.D {
		ineed := gs.params.D - len(peers)
		plst := gs.getPeers(topic, ineed, func(p peer.ID) bool {
			// filter our current and direct peers and peers with score above the publish threshold
			_, inFanout := peers[p]
			_, direct := gs.direct[p]
			return !inFanout && !direct && score(p) >= gs.publishThreshold
		})

		for _, p := range plst {
			peers[p] = struct{}{}
		}
	}
}

func (gs *GossipSubRouter) emitGossip(topic string, exclude map[peer.ID]struct{}, score func(peer.ID) float64) {
	mids := gs.mcache.GossipForTopic(topic)
	if len(mids) == 0 {
		return
	}

	// shuffle to emit in random order
	shuffleStrings(mids)

	// if we are emitting more than MaxIHaveLength mids, truncate the list
	if len(mids) > gs.params.MaxIHaveLength {
		// we do the truncation (with shuffling) per peer below
		log.Debugf("too many messages for gossip; will truncate IHAVE list (%d messages)", len(mids))
	}

	// Send gossip to GossipFactor peers above threshold, with a minimum of D_lazy.
	// First we collect the peers above gossipThreshold that are not in the exclude set
	// and then randomly select from that set.
	// We also exclude direct peers, as there is no reason to emit gossip to them.
	peers := gs.getPeers(topic, 0, func(p peer.ID) bool {
		_, inExclude := exclude[p]
		_, direct := gs.direct[p]
		return !inExclude && !direct && score(p) >= gs.gossipThreshold
	})

	target := gs.params.Dlazy
	factor := int(gs.params.GossipFactor * float64(len(peers)))
	if factor > target {
		target = factor
	}

	if target < len(peers) {
		peers = peers[:target]
	}

	// Emit the IHAVE gossip to the selected peers.
	for _, p := range peers {
		peerMids := mids
		if len(mids) > gs.params.MaxIHaveLength {
			// we do this per peer so that we emit a different set for each peer.
			// we have enough redundancy in the system that this will significantly increase the message
			// coverage when we do truncate.
			peerMids = make([]string, gs.params.MaxIHaveLength)
			shuffleStrings(mids)
			copy(peerMids, mids)
		}
		gs.enqueueGossip(p, &pb.ControlIHave{TopicID: topic, MessageIDs: peerMids})
	}
}

func (gs *GossipSubRouter) enqueueGossip(p peer.ID, ihave *pb.ControlIHave) {
	gs.gossip[p] = append(gs.gossip[p], ihave)
}

func (gs *GossipSubRouter) queueGraft(p peer.ID, topic string) {
	ctl := gs.pendingControl(p)
	ctl.Graft = append(ctl.Graft, &pb.ControlGraft{TopicID: topic})
}

// queuePrune records a PRUNE to flush; its PX and backoff are filled in at
// flush time.
func (gs *GossipSubRouter) queuePrune(p peer.ID, topic string) {
	ctl := gs.pendingControl(p)
	ctl.Prune = append(ctl.Prune, &pb.ControlPrune{TopicID: topic})
}

func (gs *GossipSubRouter) pendingControl(p peer.ID) *pb.ControlMessage {
	ctl, ok := gs.control[p]
	if !ok {
		ctl = &pb.ControlMessage{}
		gs.control[p] = ctl
	}
	return ctl
}

// flush sends the pending gossip and control, merging both into a single RPC
// per peer where possible.
func (gs *GossipSubRouter) flush(noPX map[peer.ID]bool) {
	gossip, control := gs.gossip, gs.control
	gs.gossip = make(map[peer.ID][]*pb.ControlIHave)
	gs.control = make(map[peer.ID]*pb.ControlMessage)

	send := func(p peer.ID, ihave []*pb.ControlIHave, ctl *pb.ControlMessage) {
		var graft []*pb.ControlGraft
		var prune []*pb.ControlPrune
		if ctl != nil {
			graft = ctl.Graft
			prune = gs.completePrunes(p, ctl.Prune, !noPX[p])
		}
		out := rpcWithControl(nil, ihave, nil, graft, prune)
		gs.sendRPC(p, out)
	}

	// send gossip first, which will also piggyback pending control
	for p, ihave := range gossip {
		ctl := control[p]
		delete(control, p)
		send(p, ihave, ctl)
	}

	// send the remaining control messages that wasn't merged with gossip
	for p, ctl := range control {
		send(p, nil, ctl)
	}
}

// completePrunes fills in the backoff and PX of queued PRUNEs. Retried PRUNEs
// already carry them.
func (gs *GossipSubRouter) completePrunes(p peer.ID, prunes []*pb.ControlPrune, doPX bool) []*pb.ControlPrune {
	out := make([]*pb.ControlPrune, 0, len(prunes))
	for _, prune := range prunes {
		if prune.Backoff == 0 && prune.Peers == nil {
			prune = gs.makePrune(p, prune.TopicID, gs.doPX && doPX, false)
		}
		out = append(out, prune)
	}
	return out
}

func (gs *GossipSubRouter) clearIHaveCounters() {
	if len(gs.peerhave) > 0 {
		// throw away the old map and make a new one
		gs.peerhave = make(map[peer.ID]int)
	}

	if len(gs.iasked) > 0 {
		// throw away the old map and make a new one
		gs.iasked = make(map[peer.ID]int)
	}
}

func (gs *GossipSubRouter) applyIwantPenalties() {
	for p, count := range gs.gossipTracer.GetBrokenPromises() {
		log.Infof("peer %s didn't follow up in %d IWANT requests; adding penalty", p, count)
		gs.score.AddPenalty(p, count)
	}
}

// safeDo runs one heartbeat step; a failure in one step must not stop the
// others.
func safeDo(step string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("heartbeat: recovered from panic in %s: %s", step, fmt.Sprint(r))
		}
	}()
	f()
}
