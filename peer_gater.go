package relay

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

var (
	DefaultPeerGaterRetainStats     = 6 * time.Hour
	DefaultPeerGaterQuiet           = time.Minute
	DefaultPeerGaterDuplicateWeight = 0.125
	DefaultPeerGaterIgnoreWeight    = 1.0
	DefaultPeerGaterRejectWeight    = 16.0
	DefaultPeerGaterThreshold       = 0.33
	DefaultPeerGaterGlobalDecay     = ScoreParameterDecay(2 * time.Minute)
	DefaultPeerGaterSourceDecay     = ScoreParameterDecay(time.Hour)
)

// PeerGaterParams groups together parameters that control the operation of the peer gater
type PeerGaterParams struct {
	// when the ratio of throttled/validated messages exceeds this threshold, the gater turns on
	Threshold float64
	// (linear) decay parameter for gater counters
	GlobalDecay float64 // global counter decay
	SourceDecay float64 // per IP counter decay
	// decay interval
	DecayInterval time.Duration
	// counter zeroing threshold
	DecayToZero float64
	// how long to retain stats
	RetainStats time.Duration
	// quiet interval before turning off the gater; if there are no validation throttle events
	// for this interval, the gater turns off
	Quiet time.Duration
	// weight of duplicate message deliveries
	DuplicateWeight float64
	// weight of ignored messages
	IgnoreWeight float64
	// weight of rejected messages
	RejectWeight float64

	// priority topic delivery weights
	TopicDeliveryWeights map[string]float64
}

func (p *PeerGaterParams) validate() error {
	if p.Threshold <= 0 {
		return fmt.Errorf("invalid Threshold; must be > 0")
	}
	if p.GlobalDecay <= 0 || p.GlobalDecay >= 1 {
		return fmt.Errorf("invalid GlobalDecay; must be between 0 and 1")
	}
	if p.SourceDecay <= 0 || p.SourceDecay >= 1 {
		return fmt.Errorf("invalid SourceDecay; must be between 0 and 1")
	}
	if p.DecayInterval < time.Second {
		return fmt.Errorf("invalid DecayInterval; must be at least 1s")
	}
	if p.DecayToZero <= 0 || p.DecayToZero >= 1 {
		return fmt.Errorf("invalid DecayToZero; must be between 0 and 1")
	}
	// no need to check stats retention; a value of 0 means we don't retain stats
	if p.Quiet < time.Second {
		return fmt.Errorf("invalid Quiet interval; must be at least 1s")
	}
	if p.DuplicateWeight <= 0 {
		return fmt.Errorf("invalid DuplicateWeight; must be > 0")
	}
	if p.IgnoreWeight < 1 {
		return fmt.Errorf("invalid IgnoreWeight; must be >= 1")
	}
	if p.RejectWeight < 1 {
		return fmt.Errorf("invalid RejectWeight; must be >= 1")
	}

	return nil
}

// WithTopicDeliveryWeights is a fluid setter for the priority topic delivery weights
func (p *PeerGaterParams) WithTopicDeliveryWeights(w map[string]float64) *PeerGaterParams {
	p.TopicDeliveryWeights = w
	return p
}

// NewPeerGaterParams creates a new PeerGaterParams struct, using the specified threshold and decay
// parameters and default values for all other parameters.
func NewPeerGaterParams(threshold, globalDecay, sourceDecay float64) *PeerGaterParams {
	return &PeerGaterParams{
		Threshold:       threshold,
		GlobalDecay:     globalDecay,
		SourceDecay:     sourceDecay,
		DecayToZero:     DefaultDecayToZero,
		DecayInterval:   DefaultDecayInterval,
		RetainStats:     DefaultPeerGaterRetainStats,
		Quiet:           DefaultPeerGaterQuiet,
		DuplicateWeight: DefaultPeerGaterDuplicateWeight,
		IgnoreWeight:    DefaultPeerGaterIgnoreWeight,
		RejectWeight:    DefaultPeerGaterRejectWeight,
	}
}

// DefaultPeerGaterParams creates a new PeerGaterParams struct using default values
func DefaultPeerGaterParams() *PeerGaterParams {
	return NewPeerGaterParams(DefaultPeerGaterThreshold, DefaultPeerGaterGlobalDecay, DefaultPeerGaterSourceDecay)
}

// peerGater throttles the messages of low goodput sources while the
// validation pipeline is under pressure. Sources are IPs when the network can
// report them and peer ids otherwise. It runs on the event loop.
type peerGater struct {
	params *PeerGaterParams

	validate, throttle float64

	lastThrottle time.Time
	lastDecay    time.Time

	peerStats map[peer.ID]*peerGaterStats
	ipStats   map[string]*peerGaterStats

	ips ipSource
	clk clock.Clock

	// for unit tests
	getIP func(peer.ID) string
	rand  func() float64
}

type peerGaterStats struct {
	connected int // number of connected peers from this source
	expire    time.Time

	deliver, duplicate, ignore, reject float64
}

// WithPeerGater enables reactive validation queue management.
// When the ratio of throttled to validated messages exceeds the threshold,
// publish messages of sources with a poor delivery record are dropped with a
// probability that grows with their share of duplicate, ignored and rejected
// messages; their control messages are always processed.
func WithPeerGater(params *PeerGaterParams) Option {
	return func(r *Relay) error {
		if err := params.validate(); err != nil {
			return err
		}
		r.gaterParams = params
		return nil
	}
}

func newPeerGater(params *PeerGaterParams, ips ipSource, clk clock.Clock) *peerGater {
	pg := &peerGater{
		params:    params,
		peerStats: make(map[peer.ID]*peerGaterStats),
		ipStats:   make(map[string]*peerGaterStats),
		ips:       ips,
		clk:       clk,
		lastDecay: clk.Now(),
		rand:      rand.Float64,
	}
	pg.getIP = pg.sourceOf
	return pg
}

func (pg *peerGater) sourceOf(p peer.ID) string {
	if pg.ips != nil {
		if ips := pg.ips.PeerIPs(p); len(ips) > 0 {
			return ips[0]
		}
	}
	return "peer:" + string(p)
}

// maybeDecay decays the counters once per DecayInterval; it is called from
// the heartbeat.
func (pg *peerGater) maybeDecay() {
	if pg == nil {
		return
	}
	now := pg.clk.Now()
	if now.Sub(pg.lastDecay) < pg.params.DecayInterval {
		return
	}
	pg.lastDecay = now
	pg.decayStats(now)
}

func (pg *peerGater) decayStats(now time.Time) {
	pg.validate *= pg.params.GlobalDecay
	if pg.validate < pg.params.DecayToZero {
		pg.validate = 0
	}

	pg.throttle *= pg.params.GlobalDecay
	if pg.throttle < pg.params.DecayToZero {
		pg.throttle = 0
	}

	for ip, st := range pg.ipStats {
		if st.connected > 0 {
			st.deliver *= pg.params.SourceDecay
			if st.deliver < pg.params.DecayToZero {
				st.deliver = 0
			}

			st.duplicate *= pg.params.SourceDecay
			if st.duplicate < pg.params.DecayToZero {
				st.duplicate = 0
			}

			st.ignore *= pg.params.SourceDecay
			if st.ignore < pg.params.DecayToZero {
				st.ignore = 0
			}

			st.reject *= pg.params.SourceDecay
			if st.reject < pg.params.DecayToZero {
				st.reject = 0
			}
		} else if st.expire.Before(now) {
			delete(pg.ipStats, ip)
		}
	}
}

func (pg *peerGater) getPeerStats(p peer.ID) *peerGaterStats {
	st, ok := pg.peerStats[p]
	if !ok {
		st = pg.getIPStats(p)
		pg.peerStats[p] = st
	}
	return st
}

func (pg *peerGater) getIPStats(p peer.ID) *peerGaterStats {
	ip := pg.getIP(p)
	st, ok := pg.ipStats[ip]
	if !ok {
		st = &peerGaterStats{}
		pg.ipStats[ip] = st
	}
	return st
}

// AcceptMessagesFrom reports whether the publish messages of p should be
// processed. A nil gater accepts everything.
func (pg *peerGater) AcceptMessagesFrom(p peer.ID) bool {
	if pg == nil {
		return true
	}

	// no throttle events recently
	if pg.clk.Since(pg.lastThrottle) > pg.params.Quiet {
		return true
	}

	if pg.throttle == 0 {
		return true
	}

	if pg.validate != 0 && pg.throttle/pg.validate < pg.params.Threshold {
		return true
	}

	st := pg.getPeerStats(p)

	total := st.deliver + pg.params.DuplicateWeight*st.duplicate + pg.params.IgnoreWeight*st.ignore + pg.params.RejectWeight*st.reject
	if total == 0 {
		return true
	}

	// we make a randomized decision based on the goodput of the peer.
	// the probability is biased by adding 1 to the delivery counter so that we don't unconditionally
	// throttle in the first negative event; it also ensures that a peer always has a chance of being
	// accepted; this is not a sinkhole/blacklist.
	threshold := (1 + st.deliver) / (1 + total)
	if pg.rand() < threshold {
		return true
	}

	log.Debugf("throttling peer %s with threshold %f", p, threshold)
	return false
}

func (pg *peerGater) AddPeer(p peer.ID, proto protocol.ID) {
	st := pg.getPeerStats(p)
	st.connected++
}

func (pg *peerGater) RemovePeer(p peer.ID) {
	st := pg.getPeerStats(p)
	st.connected--
	st.expire = pg.clk.Now().Add(pg.params.RetainStats)

	delete(pg.peerStats, p)
}

func (pg *peerGater) Join(topic string)             {}
func (pg *peerGater) Leave(topic string)            {}
func (pg *peerGater) Graft(p peer.ID, topic string) {}
func (pg *peerGater) Prune(p peer.ID, topic string) {}

func (pg *peerGater) ValidateMessage(msg *Message) {
	pg.validate++
}

func (pg *peerGater) DeliverMessage(msg *Message) {
	if msg.Local {
		return
	}

	st := pg.getPeerStats(msg.ReceivedFrom)

	weight := 1.0
	if w, ok := pg.params.TopicDeliveryWeights[msg.GetTopic()]; ok {
		weight = w
	}
	st.deliver += weight
}

func (pg *peerGater) RejectMessage(msg *Message, reason string) {
	if msg.Local {
		return
	}

	switch reason {
	case RejectValidationThrottled:
		pg.lastThrottle = pg.clk.Now()
		pg.throttle++

	case RejectValidationIgnored:
		st := pg.getPeerStats(msg.ReceivedFrom)
		st.ignore++

	default:
		st := pg.getPeerStats(msg.ReceivedFrom)
		st.reject++
	}
}

func (pg *peerGater) DuplicateMessage(msg *Message) {
	st := pg.getPeerStats(msg.ReceivedFrom)
	st.duplicate++
}

func (pg *peerGater) ThrottlePeer(p peer.ID) {}
