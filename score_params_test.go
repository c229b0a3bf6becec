package relay

import (
	"math"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestPeerScoreThresholdsValidation(t *testing.T) {
	invalid := []*PeerScoreThresholds{
		{GossipThreshold: 1},
		{PublishThreshold: 1},
		{GossipThreshold: -1, PublishThreshold: 0},
		{GossipThreshold: -1, PublishThreshold: -2, GraylistThreshold: 0},
		{AcceptPXThreshold: -1},
		{OpportunisticGraftThreshold: -1},
		{GossipThreshold: math.NaN()},
	}
	for i, th := range invalid {
		if th.validate() == nil {
			t.Fatalf("expected validation error for thresholds %d", i)
		}
	}

	if (&PeerScoreThresholds{GossipThreshold: -1, PublishThreshold: -2, GraylistThreshold: -3, AcceptPXThreshold: 1, OpportunisticGraftThreshold: 2}).validate() != nil {
		t.Fatal("expected validation success")
	}
	if DefaultPeerScoreThresholds().validate() != nil {
		t.Fatal("default thresholds must be valid")
	}
}

func TestTopicScoreParamsValidation(t *testing.T) {
	invalid := []*TopicScoreParams{
		{TopicWeight: -1},
		{TopicWeight: math.Inf(1)},

		{TimeInMeshWeight: -1, TimeInMeshQuantum: time.Second},
		{TimeInMeshWeight: 1, TimeInMeshQuantum: -1},
		{TimeInMeshWeight: 1, TimeInMeshQuantum: time.Second, TimeInMeshCap: -1},

		{FirstMessageDeliveriesWeight: -1},
		{FirstMessageDeliveriesWeight: 1, FirstMessageDeliveriesDecay: -1},
		{FirstMessageDeliveriesWeight: 1, FirstMessageDeliveriesDecay: 2},
		{FirstMessageDeliveriesWeight: 1, FirstMessageDeliveriesDecay: .5, FirstMessageDeliveriesCap: -1},

		{MeshMessageDeliveriesWeight: 1},
		{MeshMessageDeliveriesWeight: -1, MeshMessageDeliveriesDecay: -1},
		{MeshMessageDeliveriesWeight: -1, MeshMessageDeliveriesDecay: 2},
		{MeshMessageDeliveriesWeight: -1, MeshMessageDeliveriesDecay: .5, MeshMessageDeliveriesCap: -1},
		{MeshMessageDeliveriesWeight: -1, MeshMessageDeliveriesDecay: .5, MeshMessageDeliveriesCap: 5, MeshMessageDeliveriesThreshold: -3},
		{MeshMessageDeliveriesWeight: -1, MeshMessageDeliveriesDecay: .5, MeshMessageDeliveriesCap: 5, MeshMessageDeliveriesThreshold: 3, MeshMessageDeliveriesWindow: -1},
		{MeshMessageDeliveriesWeight: -1, MeshMessageDeliveriesDecay: .5, MeshMessageDeliveriesCap: 5, MeshMessageDeliveriesThreshold: 3, MeshMessageDeliveriesWindow: time.Millisecond, MeshMessageDeliveriesActivation: time.Millisecond},

		{MeshFailurePenaltyWeight: 1},
		{MeshFailurePenaltyWeight: -1, MeshFailurePenaltyDecay: -1},
		{MeshFailurePenaltyWeight: -1, MeshFailurePenaltyDecay: 2},

		{InvalidMessageDeliveriesWeight: 1},
		{InvalidMessageDeliveriesWeight: -1, InvalidMessageDeliveriesDecay: -1},
		{InvalidMessageDeliveriesWeight: -1, InvalidMessageDeliveriesDecay: 2},
	}
	for i, tp := range invalid {
		if tp.validate() == nil {
			t.Fatalf("expected validation error for topic params %d: %+v", i, tp)
		}
	}

	// disabled parameters need no decay or cap
	if (&TopicScoreParams{}).validate() != nil {
		t.Fatal("expected validation success for empty params")
	}

	// don't use these params in production!
	if testTopicScoreParams(1).validate() != nil {
		t.Fatal("expected validation success")
	}
	if DefaultTopicScoreParams().validate() != nil {
		t.Fatal("default topic params must be valid")
	}
}

func TestPeerScoreParamsValidation(t *testing.T) {
	appScore := func(peer.ID) float64 { return 0 }

	invalid := []*PeerScoreParams{
		{TopicScoreCap: -1, AppSpecificScore: appScore, DecayInterval: time.Second, DecayToZero: 0.01},
		{TopicScoreCap: 1, DecayInterval: time.Second, DecayToZero: 0.01},
		{TopicScoreCap: 1, AppSpecificScore: appScore, DecayInterval: time.Second, DecayToZero: 0.01, IPColocationFactorWeight: 1},
		{TopicScoreCap: 1, AppSpecificScore: appScore, DecayInterval: time.Second, DecayToZero: 0.01, IPColocationFactorWeight: -1, IPColocationFactorThreshold: -1},
		{TopicScoreCap: 1, AppSpecificScore: appScore, DecayInterval: time.Millisecond, DecayToZero: 0.01, IPColocationFactorWeight: -1, IPColocationFactorThreshold: 1},
		{TopicScoreCap: 1, AppSpecificScore: appScore, DecayInterval: time.Second, DecayToZero: -1, IPColocationFactorWeight: -1, IPColocationFactorThreshold: 1},
		{TopicScoreCap: 1, AppSpecificScore: appScore, DecayInterval: time.Second, DecayToZero: 2, IPColocationFactorWeight: -1, IPColocationFactorThreshold: 1},
		{AppSpecificScore: appScore, DecayInterval: time.Second, DecayToZero: 0.01, BehaviourPenaltyWeight: 1},
		{AppSpecificScore: appScore, DecayInterval: time.Second, DecayToZero: 0.01, BehaviourPenaltyWeight: -1},
		{AppSpecificScore: appScore, DecayInterval: time.Second, DecayToZero: 0.01, BehaviourPenaltyWeight: -1, BehaviourPenaltyDecay: 2},
		{AppSpecificScore: appScore, DecayInterval: time.Second, DecayToZero: 0.01, BehaviourPenaltyThreshold: -1},
		{
			AppSpecificScore: appScore,
			DecayInterval:    time.Second,
			DecayToZero:      0.01,
			Topics:           map[string]*TopicScoreParams{"test": testTopicScoreParams(-1)},
		},
	}
	for i, p := range invalid {
		if p.validate() == nil {
			t.Fatalf("expected validation error for params %d", i)
		}
	}

	// don't use these params in production!
	valid := []*PeerScoreParams{
		{
			AppSpecificScore:            appScore,
			DecayInterval:               time.Second,
			DecayToZero:                 0.01,
			IPColocationFactorWeight:    -1,
			IPColocationFactorThreshold: 1,
			BehaviourPenaltyWeight:      -1,
			BehaviourPenaltyDecay:       0.999,
		},
		{
			TopicScoreCap:               1,
			AppSpecificScore:            appScore,
			DecayInterval:               time.Second,
			DecayToZero:                 0.01,
			IPColocationFactorWeight:    -1,
			IPColocationFactorThreshold: 1,
			Topics:                      map[string]*TopicScoreParams{"test": testTopicScoreParams(1)},
		},
		DefaultPeerScoreParams(),
	}
	for i, p := range valid {
		if err := p.validate(); err != nil {
			t.Fatalf("expected validation success for params %d: %s", i, err)
		}
	}
}

func TestScoreParameterDecay(t *testing.T) {
	decay1hr := ScoreParameterDecay(time.Hour)
	if decay1hr != .9987216039048303 {
		t.Fatalf("expected .9987216039048303, got %f", decay1hr)
	}

	// a counter decayed for the whole period ends up at DecayToZero
	decay := ScoreParameterDecayWithBase(10*time.Second, time.Second, 0.01)
	if v := math.Pow(decay, 10); math.Abs(v-0.01) > 1e-9 {
		t.Fatalf("expected 0.01 after 10 intervals, got %f", v)
	}
}

func testTopicScoreParams(weight float64) *TopicScoreParams {
	return &TopicScoreParams{
		TopicWeight:                     weight,
		TimeInMeshWeight:                0.01,
		TimeInMeshQuantum:               time.Second,
		TimeInMeshCap:                   10,
		FirstMessageDeliveriesWeight:    1,
		FirstMessageDeliveriesDecay:     0.5,
		FirstMessageDeliveriesCap:       10,
		MeshMessageDeliveriesWeight:     -1,
		MeshMessageDeliveriesDecay:      0.5,
		MeshMessageDeliveriesCap:        10,
		MeshMessageDeliveriesThreshold:  5,
		MeshMessageDeliveriesWindow:     time.Millisecond,
		MeshMessageDeliveriesActivation: time.Second,
		MeshFailurePenaltyWeight:        -1,
		MeshFailurePenaltyDecay:         0.5,
		InvalidMessageDeliveriesWeight:  -1,
		InvalidMessageDeliveriesDecay:   0.5,
	}
}
