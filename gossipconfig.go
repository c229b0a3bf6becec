package relay

import (
	"fmt"
	"time"
)

var (
	GossipSubD                         = 6
	GossipSubDlo                       = 5
	GossipSubDhi                       = 12
	GossipSubDscore                    = 4
	GossipSubDout                      = 2
	GossipSubHistoryLength             = 5
	GossipSubHistoryGossip             = 3
	GossipSubDlazy                     = 6
	GossipSubGossipFactor              = 0.25
	GossipSubGossipRetransmission      = 3
	GossipSubHeartbeatInitialDelay     = 100 * time.Millisecond
	GossipSubHeartbeatInterval         = 1 * time.Second
	GossipSubFanoutTTL                 = 60 * time.Second
	GossipSubPrunePeers                = 16
	GossipSubPruneBackoff              = time.Minute
	GossipSubUnsubscribeBackoff        = 10 * time.Second
	GossipSubGraftFloodThreshold       = 10 * time.Second
	GossipSubOpportunisticGraftTicks   = uint64(60)
	GossipSubOpportunisticGraftPeers   = 2
	GossipSubMaxIHaveLength            = 5000
	GossipSubMaxIHaveMessages          = 10
	GossipSubIWantFollowupTime         = 3 * time.Second
	GossipSubMaxWindowEntries          = 10000
	GossipSubBackoffCleanupTicks       = uint64(15)
	GossipSubLazyPushProbability       = 0.0
	GossipSubFloodPublishFanoutDefault = 0
)

// Params holds the mesh and gossip tunables of the relay.
type Params struct {
	// D sets the optimal degree for a mesh. For example, if D == 6, each peer
	// will want to have about six peers in their mesh for each topic they're
	// subscribed to. D should be set somewhere between Dlo and Dhi.
	D int

	// Dlo sets the lower bound on the number of peers we keep in a mesh. If we
	// have fewer than Dlo peers, we will attempt to graft some more into the
	// mesh at the next heartbeat.
	Dlo int

	// Dhi sets the upper bound on the number of peers we keep in a mesh. If we
	// have more than Dhi peers, we will select some to prune from the mesh at
	// the next heartbeat.
	Dhi int

	// Dscore affects how peers are selected when pruning a mesh due to over
	// subscription. At least Dscore of the retained peers will be high-scoring,
	// while the remainder are chosen randomly.
	Dscore int

	// Dout sets the quota for the number of outbound connections to maintain
	// in a topic mesh. When the mesh is pruned due to over subscription, we
	// make sure that we have outbound connections to at least Dout of the
	// survivor peers. Dout must be set below Dlo, and must not exceed D/2.
	Dout int

	// HistoryLength controls the size of the message cache used for gossip.
	// The message cache will remember messages for HistoryLength heartbeats.
	HistoryLength int

	// HistoryGossip controls how many cached message ids we will advertise in
	// IHAVE gossip messages. HistoryGossip must be less than or equal to
	// HistoryLength.
	HistoryGossip int

	// Dlazy affects how many peers we will emit gossip to at each heartbeat.
	// We will send gossip to at least Dlazy peers outside our mesh.
	Dlazy int

	// GossipFactor affects how many peers we will emit gossip to at each
	// heartbeat. We will send gossip to GossipFactor * (total number of
	// non-mesh peers), or Dlazy, whichever is greater.
	GossipFactor float64

	// GossipRetransmission controls how many times we will allow a peer to
	// request the same message id through IWANT gossip before we start
	// ignoring them.
	GossipRetransmission int

	// HeartbeatInitialDelay is the short delay before the heartbeat timer
	// begins after the router is initialized.
	HeartbeatInitialDelay time.Duration

	// HeartbeatInterval controls the time between heartbeats.
	HeartbeatInterval time.Duration

	// FanoutTTL controls how long we keep track of the fanout state. If it's
	// been FanoutTTL since we've published to a topic that we're not
	// subscribed to, we'll delete the fanout map for that topic.
	FanoutTTL time.Duration

	// PrunePeers controls the number of peers to include in prune Peer
	// eXchange.
	PrunePeers int

	// PruneBackoff controls the backoff time for pruned peers. This is how
	// long a peer must wait before attempting to graft into our mesh again
	// after being pruned. It is also the minimum backoff we honour when we
	// are pruned.
	PruneBackoff time.Duration

	// UnsubscribeBackoff controls the backoff time to use when unsuscribing
	// from a topic.
	UnsubscribeBackoff time.Duration

	// GraftFloodThreshold controls how long after a prune a GRAFT is treated
	// as flooding and penalised twice.
	GraftFloodThreshold time.Duration

	// OpportunisticGraftTicks is the number of heartbeat ticks between
	// attempts to improve the mesh with opportunistic grafting.
	OpportunisticGraftTicks uint64

	// OpportunisticGraftPeers is the number of peers to opportunistically
	// graft.
	OpportunisticGraftPeers int

	// MaxIHaveLength is the maximum number of messages to include in an IHAVE
	// message, and also the maximum number of ids we request from a peer
	// within a heartbeat.
	MaxIHaveLength int

	// MaxIHaveMessages is the maximum number of IHAVE messages to accept from
	// a peer within a heartbeat.
	MaxIHaveMessages int

	// IWantFollowupTime is the time to wait for a message requested through
	// IWANT following an IHAVE advertisement. If the message is not received
	// within this window, a broken promise is declared and the router may
	// apply bahavioural penalties.
	IWantFollowupTime time.Duration

	// MaxWindowEntries caps the number of messages cached for gossip per
	// history window. Messages beyond the cap are still deduplicated.
	MaxWindowEntries int

	// BackoffCleanupTicks is the number of heartbeats between sweeps of
	// expired backoff entries.
	BackoffCleanupTicks uint64

	// FloodPublish makes locally published messages go to every topic peer
	// above the publish threshold instead of just the mesh.
	FloodPublish bool

	// FloodPublishFanout is the number of peers a message is published to
	// when there is no mesh to carry it: it sizes new fanout sets and the
	// fallback used when subscribed with an empty mesh. Zero means D.
	FloodPublishFanout int

	// LazyPushProbability is the probability of eagerly forwarding an
	// accepted message to one extra random subscriber outside the mesh.
	LazyPushProbability float64
}

// DefaultGossipSubParams returns the default parameters.
func DefaultGossipSubParams() Params {
	return Params{
		D:                       GossipSubD,
		Dlo:                     GossipSubDlo,
		Dhi:                     GossipSubDhi,
		Dscore:                  GossipSubDscore,
		Dout:                    GossipSubDout,
		HistoryLength:           GossipSubHistoryLength,
		HistoryGossip:           GossipSubHistoryGossip,
		Dlazy:                   GossipSubDlazy,
		GossipFactor:            GossipSubGossipFactor,
		GossipRetransmission:    GossipSubGossipRetransmission,
		HeartbeatInitialDelay:   GossipSubHeartbeatInitialDelay,
		HeartbeatInterval:       GossipSubHeartbeatInterval,
		FanoutTTL:               GossipSubFanoutTTL,
		PrunePeers:              GossipSubPrunePeers,
		PruneBackoff:            GossipSubPruneBackoff,
		UnsubscribeBackoff:      GossipSubUnsubscribeBackoff,
		GraftFloodThreshold:     GossipSubGraftFloodThreshold,
		OpportunisticGraftTicks: GossipSubOpportunisticGraftTicks,
		OpportunisticGraftPeers: GossipSubOpportunisticGraftPeers,
		MaxIHaveLength:          GossipSubMaxIHaveLength,
		MaxIHaveMessages:        GossipSubMaxIHaveMessages,
		IWantFollowupTime:       GossipSubIWantFollowupTime,
		MaxWindowEntries:        GossipSubMaxWindowEntries,
		BackoffCleanupTicks:     GossipSubBackoffCleanupTicks,
		FloodPublishFanout:      GossipSubFloodPublishFanoutDefault,
		LazyPushProbability:     GossipSubLazyPushProbability,
	}
}

func (p *Params) floodPublishFanout() int {
	if p.FloodPublishFanout > 0 {
		return p.FloodPublishFanout
	}
	return p.D
}

func (p *Params) validate() error {
	if !(p.Dlo <= p.D && p.D <= p.Dhi) {
		return fmt.Errorf("invalid mesh degrees; must have Dlo <= D <= Dhi, got %d <= %d <= %d", p.Dlo, p.D, p.Dhi)
	}
	if p.Dlo <= 0 {
		return fmt.Errorf("invalid Dlo; must be positive")
	}
	if !(p.Dout < p.Dlo && p.Dout <= p.D/2) {
		return fmt.Errorf("invalid Dout; must be < Dlo and <= D/2")
	}
	if p.Dscore < 0 || p.Dscore > p.D {
		return fmt.Errorf("invalid Dscore; must be between 0 and D")
	}
	if p.HistoryLength <= 0 || p.HistoryGossip < 0 || p.HistoryGossip > p.HistoryLength {
		return fmt.Errorf("invalid history; must have 0 <= HistoryGossip <= HistoryLength and a positive HistoryLength")
	}
	if p.GossipFactor < 0 || p.GossipFactor > 1 {
		return fmt.Errorf("invalid GossipFactor; must be between 0 and 1")
	}
	if p.LazyPushProbability < 0 || p.LazyPushProbability > 1 {
		return fmt.Errorf("invalid LazyPushProbability; must be between 0 and 1")
	}
	if p.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid HeartbeatInterval; must be positive")
	}
	if p.MaxIHaveLength <= 0 || p.MaxIHaveMessages <= 0 {
		return fmt.Errorf("invalid IHAVE limits; must be positive")
	}
	if p.PruneBackoff < time.Second {
		return fmt.Errorf("invalid PruneBackoff; must be at least 1s")
	}
	// queued PRUNEs with a zero backoff are completed at flush time
	if p.UnsubscribeBackoff < time.Second {
		return fmt.Errorf("invalid UnsubscribeBackoff; must be at least 1s")
	}
	if p.FloodPublishFanout < 0 {
		return fmt.Errorf("invalid FloodPublishFanout; must be >= 0")
	}
	if p.BackoffCleanupTicks == 0 || p.OpportunisticGraftTicks == 0 {
		return fmt.Errorf("invalid tick counts; BackoffCleanupTicks and OpportunisticGraftTicks must be positive")
	}
	return nil
}
