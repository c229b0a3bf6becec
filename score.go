package relay

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ipSource is implemented by networks that can report the remote IPs of a
// connected peer.
type ipSource interface {
	PeerIPs(p peer.ID) []string
}

// peerStats is the score record of a peer. It outlives the connection by
// RetainScore so that reconnecting does not reset a bad score.
type peerStats struct {
	connected bool
	expire    time.Time

	topics map[string]*topicStats
	ips    []string

	// P7, charged by the router
	behaviourPenalty float64
}

// topicStats holds the P1 to P4 counters of a peer in one scored topic.
type topicStats struct {
	inMesh    bool
	graftTime time.Time
	// refreshed on decay so that scoring does not read the clock
	meshTime time.Duration

	firstMessageDeliveries      float64
	meshMessageDeliveries       float64
	meshMessageDeliveriesActive bool
	meshFailurePenalty          float64
	invalidMessageDeliveries    float64
}

func (ts *topicStats) score(tp *TopicScoreParams) float64 {
	var s float64

	// P1
	if ts.inMesh {
		inMesh := float64(ts.meshTime / tp.TimeInMeshQuantum)
		if inMesh > tp.TimeInMeshCap {
			inMesh = tp.TimeInMeshCap
		}
		s += inMesh * tp.TimeInMeshWeight
	}

	// P2
	s += ts.firstMessageDeliveries * tp.FirstMessageDeliveriesWeight

	// P3, only once the peer had time to catch up with the mesh
	if d := ts.meshDeficit(tp); d > 0 {
		s += d * d * tp.MeshMessageDeliveriesWeight
	}

	// P3b and P4 have negative weights
	s += ts.meshFailurePenalty * tp.MeshFailurePenaltyWeight
	s += ts.invalidMessageDeliveries * ts.invalidMessageDeliveries * tp.InvalidMessageDeliveriesWeight

	return s
}

// meshDeficit is how far the active mesh deliveries are below the threshold.
func (ts *topicStats) meshDeficit(tp *TopicScoreParams) float64 {
	if !ts.meshMessageDeliveriesActive || ts.meshMessageDeliveries >= tp.MeshMessageDeliveriesThreshold {
		return 0
	}
	return tp.MeshMessageDeliveriesThreshold - ts.meshMessageDeliveries
}

// leaveMesh makes a P3 deficit sticky as P3b.
func (ts *topicStats) leaveMesh(tp *TopicScoreParams) {
	if ts.inMesh {
		if d := ts.meshDeficit(tp); d > 0 {
			ts.meshFailurePenalty += d * d
		}
	}
	ts.inMesh = false
}

func (ts *topicStats) decay(tp *TopicScoreParams, now time.Time, decayToZero float64) {
	ts.firstMessageDeliveries = decayCounter(ts.firstMessageDeliveries, tp.FirstMessageDeliveriesDecay, decayToZero)
	ts.meshMessageDeliveries = decayCounter(ts.meshMessageDeliveries, tp.MeshMessageDeliveriesDecay, decayToZero)
	ts.meshFailurePenalty = decayCounter(ts.meshFailurePenalty, tp.MeshFailurePenaltyDecay, decayToZero)
	ts.invalidMessageDeliveries = decayCounter(ts.invalidMessageDeliveries, tp.InvalidMessageDeliveriesDecay, decayToZero)

	if ts.inMesh {
		ts.meshTime = now.Sub(ts.graftTime)
		if ts.meshTime > tp.MeshMessageDeliveriesActivation {
			ts.meshMessageDeliveriesActive = true
		}
	}
}

func decayCounter(v, factor, decayToZero float64) float64 {
	v *= factor
	if v < decayToZero {
		return 0
	}
	return v
}

func addCapped(v *float64, cap float64) {
	*v++
	if *v > cap {
		*v = cap
	}
}

// peerScore implements the P1 to P7 scoring function. It is fed by the
// tracer events of the relay and refreshed from the heartbeat.
type peerScore struct {
	sync.Mutex

	params    *PeerScoreParams
	peerStats map[peer.ID]*peerStats

	// ip => peers connected from it, for P6
	peerIPs map[string]map[peer.ID]struct{}

	deliveries *messageDeliveries

	ips ipSource
	clk clock.Clock

	lastDecay time.Time
}

var _ RawTracer = (*peerScore)(nil)

func newPeerScore(params *PeerScoreParams, ips ipSource, clk clock.Clock, seenTTL time.Duration) *peerScore {
	ttl := params.SeenMsgTTL
	if ttl == 0 {
		ttl = seenTTL
	}
	return &peerScore{
		params:     params,
		peerStats:  make(map[peer.ID]*peerStats),
		peerIPs:    make(map[string]map[peer.ID]struct{}),
		deliveries: newMessageDeliveries(ttl, clk),
		ips:        ips,
		clk:        clk,
		lastDecay:  clk.Now(),
	}
}

// Score returns the current score of p; 0 for unknown peers or without
// scoring.
func (ps *peerScore) Score(p peer.ID) float64 {
	if ps == nil {
		return 0
	}

	ps.Lock()
	defer ps.Unlock()

	return ps.score(p)
}

func (ps *peerScore) score(p peer.ID) float64 {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return 0
	}

	var score float64
	for topic, tstats := range pstats.topics {
		tp, ok := ps.params.Topics[topic]
		if !ok {
			continue
		}
		topicScore := tstats.score(tp) * tp.TopicWeight
		if ps.params.TopicScoreCap > 0 && topicScore > ps.params.TopicScoreCap {
			topicScore = ps.params.TopicScoreCap
		}
		score += topicScore
	}

	// P5
	score += ps.params.AppSpecificScore(p) * ps.params.AppSpecificWeight

	// P6 applies past the colocation threshold, quadratically
	for _, ip := range pstats.ips {
		if _, ok := ps.params.IPColocationFactorWhitelist[ip]; ok {
			continue
		}
		if surplus := len(ps.peerIPs[ip]) - ps.params.IPColocationFactorThreshold; surplus > 0 {
			score += float64(surplus*surplus) * ps.params.IPColocationFactorWeight
		}
	}

	// P7
	if excess := pstats.behaviourPenalty - ps.params.BehaviourPenaltyThreshold; excess > 0 {
		score += excess * excess * ps.params.BehaviourPenaltyWeight
	}

	return score
}

// AddPenalty charges count units of behaviour penalty to p.
func (ps *peerScore) AddPenalty(p peer.ID, count int) {
	if ps == nil {
		return
	}

	ps.Lock()
	defer ps.Unlock()

	if pstats, ok := ps.peerStats[p]; ok {
		pstats.behaviourPenalty += float64(count)
	}
}

// maybeRefresh decays the counters once per DecayInterval.
func (ps *peerScore) maybeRefresh() {
	ps.Lock()
	defer ps.Unlock()

	now := ps.clk.Now()
	if now.Sub(ps.lastDecay) < ps.params.DecayInterval {
		return
	}
	ps.lastDecay = now

	ps.refreshScores(now)
	ps.refreshIPs()
	ps.deliveries.gc()
}

func (ps *peerScore) refreshScores(now time.Time) {
	for p, pstats := range ps.peerStats {
		// retained records are frozen until they expire
		if !pstats.connected {
			if now.After(pstats.expire) {
				ps.untrackIPs(p, pstats.ips)
				delete(ps.peerStats, p)
			}
			continue
		}

		for topic, tstats := range pstats.topics {
			if tp, ok := ps.params.Topics[topic]; ok {
				tstats.decay(tp, now, ps.params.DecayToZero)
			}
		}
		pstats.behaviourPenalty = decayCounter(pstats.behaviourPenalty, ps.params.BehaviourPenaltyDecay, ps.params.DecayToZero)
	}
}

func (ps *peerScore) refreshIPs() {
	for p, pstats := range ps.peerStats {
		if pstats.connected {
			pstats.ips = ps.updateIPs(p, pstats.ips)
		}
	}
}

func (ps *peerScore) AddPeer(p peer.ID, proto protocol.ID) {
	ps.Lock()
	defer ps.Unlock()

	pstats, ok := ps.peerStats[p]
	if !ok {
		pstats = &peerStats{topics: make(map[string]*topicStats)}
		ps.peerStats[p] = pstats
	}
	pstats.connected = true
	pstats.ips = ps.updateIPs(p, pstats.ips)
}

func (ps *peerScore) RemovePeer(p peer.ID) {
	ps.Lock()
	defer ps.Unlock()

	pstats, ok := ps.peerStats[p]
	if !ok {
		return
	}

	// P2 does not survive the disconnect, P3 deficits turn into P3b
	for topic, tstats := range pstats.topics {
		tstats.firstMessageDeliveries = 0
		tstats.leaveMesh(ps.params.Topics[topic])
	}

	pstats.connected = false
	pstats.expire = ps.clk.Now().Add(ps.params.RetainScore)
}

func (ps *peerScore) Join(topic string)  {}
func (ps *peerScore) Leave(topic string) {}

func (ps *peerScore) Graft(p peer.ID, topic string) {
	ps.Lock()
	defer ps.Unlock()

	tstats, ok := ps.topicStats(p, topic)
	if !ok {
		return
	}

	tstats.inMesh = true
	tstats.graftTime = ps.clk.Now()
	tstats.meshTime = 0
	tstats.meshMessageDeliveriesActive = false
}

func (ps *peerScore) Prune(p peer.ID, topic string) {
	ps.Lock()
	defer ps.Unlock()

	if tstats, ok := ps.topicStats(p, topic); ok {
		tstats.leaveMesh(ps.params.Topics[topic])
	}
}

func (ps *peerScore) ValidateMessage(msg *Message) {
	ps.Lock()
	defer ps.Unlock()

	// starts the clock for duplicates arriving during validation
	ps.deliveries.getRecord(msg.ID)
}

func (ps *peerScore) DeliverMessage(msg *Message) {
	ps.Lock()
	defer ps.Unlock()

	ps.markFirstDelivery(msg.ReceivedFrom, msg)

	drec := ps.deliveries.getRecord(msg.ID)
	if drec.status != deliveryUnknown {
		log.Debugf("unexpected delivery trace: message from %s was first seen %s ago and has delivery status %d", msg.ReceivedFrom, ps.clk.Since(drec.firstSeen), drec.status)
		return
	}

	drec.status = deliveryValid
	drec.validated = ps.clk.Now()

	// mesh peers that forwarded it while it was being validated get P3 credit
	for p := range drec.peers {
		if p != msg.ReceivedFrom {
			ps.markDuplicateDelivery(p, msg, time.Time{})
		}
	}
}

func (ps *peerScore) RejectMessage(msg *Message, reason string) {
	ps.Lock()
	defer ps.Unlock()

	switch reason {
	case RejectMissingSignature, RejectInvalidSignature, RejectUnexpectedAuthInfo, RejectUnexpectedSignature, RejectSelfOrigin:
		// invalid on their face; no record is kept
		ps.markInvalidDelivery(msg.ReceivedFrom, msg)
		return
	case RejectBlacklstedPeer, RejectBlacklistedSource:
		return
	}

	drec := ps.deliveries.getRecord(msg.ID)
	if drec.status != deliveryUnknown {
		log.Debugf("unexpected rejection trace: message from %s was first seen %s ago and has delivery status %d", msg.ReceivedFrom, ps.clk.Since(drec.firstSeen), drec.status)
		return
	}

	switch reason {
	case RejectValidationThrottled:
		// validity unknown, nobody is penalized
		drec.status = deliveryThrottled
	case RejectValidationIgnored, RejectValidationCancelled:
		drec.status = deliveryIgnored
	default:
		drec.status = deliveryInvalid
		ps.markInvalidDelivery(msg.ReceivedFrom, msg)
		for p := range drec.peers {
			ps.markInvalidDelivery(p, msg)
		}
	}
	drec.peers = nil
}

func (ps *peerScore) DuplicateMessage(msg *Message) {
	ps.Lock()
	defer ps.Unlock()

	drec := ps.deliveries.getRecord(msg.ID)
	if _, ok := drec.peers[msg.ReceivedFrom]; ok {
		return
	}

	switch drec.status {
	case deliveryUnknown:
		// settled by the Deliver or Reject trace
		drec.peers[msg.ReceivedFrom] = struct{}{}
	case deliveryValid:
		drec.peers[msg.ReceivedFrom] = struct{}{}
		ps.markDuplicateDelivery(msg.ReceivedFrom, msg, drec.validated)
	case deliveryInvalid:
		ps.markInvalidDelivery(msg.ReceivedFrom, msg)
	}
}

func (ps *peerScore) ThrottlePeer(p peer.ID) {}

// topicStats returns the stats of a connected or retained peer in a scored
// topic, creating them on first use.
func (ps *peerScore) topicStats(p peer.ID, topic string) (*topicStats, bool) {
	pstats, ok := ps.peerStats[p]
	if !ok {
		return nil, false
	}
	if tstats, ok := pstats.topics[topic]; ok {
		return tstats, true
	}
	if _, ok := ps.params.Topics[topic]; !ok {
		return nil, false
	}
	tstats := &topicStats{}
	pstats.topics[topic] = tstats
	return tstats, true
}

func (ps *peerScore) markInvalidDelivery(p peer.ID, msg *Message) {
	if tstats, ok := ps.topicStats(p, msg.GetTopic()); ok {
		tstats.invalidMessageDeliveries++
	}
}

func (ps *peerScore) markFirstDelivery(p peer.ID, msg *Message) {
	topic := msg.GetTopic()
	tstats, ok := ps.topicStats(p, topic)
	if !ok {
		return
	}

	tp := ps.params.Topics[topic]
	addCapped(&tstats.firstMessageDeliveries, tp.FirstMessageDeliveriesCap)
	if tstats.inMesh {
		addCapped(&tstats.meshMessageDeliveries, tp.MeshMessageDeliveriesCap)
	}
}

// markDuplicateDelivery credits a mesh peer that delivered within the P3
// window after validation; a zero validated time means during validation.
func (ps *peerScore) markDuplicateDelivery(p peer.ID, msg *Message, validated time.Time) {
	topic := msg.GetTopic()
	tstats, ok := ps.topicStats(p, topic)
	if !ok || !tstats.inMesh {
		return
	}

	tp := ps.params.Topics[topic]
	if !validated.IsZero() && ps.clk.Now().After(validated.Add(tp.MeshMessageDeliveriesWindow)) {
		return
	}
	addCapped(&tstats.meshMessageDeliveries, tp.MeshMessageDeliveriesCap)
}

// updateIPs moves the P6 tracking of p from old to its current IPs.
func (ps *peerScore) updateIPs(p peer.ID, old []string) []string {
	var current []string
	if ps.ips != nil {
		current = ps.ips.PeerIPs(p)
	}

	keep := make(map[string]struct{}, len(current))
	for _, ip := range current {
		keep[ip] = struct{}{}
		peers, ok := ps.peerIPs[ip]
		if !ok {
			peers = make(map[peer.ID]struct{})
			ps.peerIPs[ip] = peers
		}
		peers[p] = struct{}{}
	}

	var stale []string
	for _, ip := range old {
		if _, ok := keep[ip]; !ok {
			stale = append(stale, ip)
		}
	}
	ps.untrackIPs(p, stale)

	return current
}

func (ps *peerScore) untrackIPs(p peer.ID, ips []string) {
	for _, ip := range ips {
		peers, ok := ps.peerIPs[ip]
		if !ok {
			continue
		}
		delete(peers, p)
		if len(peers) == 0 {
			delete(ps.peerIPs, ip)
		}
	}
}

// delivery record status
const (
	deliveryUnknown = iota
	deliveryValid
	deliveryInvalid
	deliveryIgnored
	deliveryThrottled
)

// messageDeliveries tracks who delivered each message until the seen TTL
// runs out, in a FIFO of expiring entries.
type messageDeliveries struct {
	seenMsgTTL time.Duration
	clk        clock.Clock

	records map[string]*deliveryRecord

	head *deliveryEntry
	tail *deliveryEntry
}

type deliveryRecord struct {
	status    int
	firstSeen time.Time
	validated time.Time
	peers     map[peer.ID]struct{}
}

type deliveryEntry struct {
	id     string
	expire time.Time
	next   *deliveryEntry
}

func newMessageDeliveries(ttl time.Duration, clk clock.Clock) *messageDeliveries {
	return &messageDeliveries{seenMsgTTL: ttl, clk: clk, records: make(map[string]*deliveryRecord)}
}

func (d *messageDeliveries) getRecord(id string) *deliveryRecord {
	if rec, ok := d.records[id]; ok {
		return rec
	}

	now := d.clk.Now()
	rec := &deliveryRecord{peers: make(map[peer.ID]struct{}), firstSeen: now}
	d.records[id] = rec

	entry := &deliveryEntry{id: id, expire: now.Add(d.seenMsgTTL)}
	if d.tail == nil {
		d.head = entry
	} else {
		d.tail.next = entry
	}
	d.tail = entry

	return rec
}

func (d *messageDeliveries) gc() {
	now := d.clk.Now()
	for d.head != nil && now.After(d.head.expire) {
		delete(d.records, d.head.id)
		d.head = d.head.next
	}
	if d.head == nil {
		d.tail = nil
	}
}
