package main

import (
	"github.com/waku-org/go-waku-relay/metrics"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats/view"
)

// relayIntrospector is the part of the relay the collector reads.
type relayIntrospector interface {
	Topics() []string
	ListAllPeers() []peer.ID
	MeshPeers(topic string) []peer.ID
	PeerScore(p peer.ID) float64
}

var scoreBuckets = []float64{-100, -80, -50, -10, 0, 5, 20, 100}

// relayCollector exports relay state and the frame counters of the p2p
// layer to prometheus.
type relayCollector struct {
	r relayIntrospector

	peers     *prometheus.Desc
	topics    *prometheus.Desc
	meshSize  *prometheus.Desc
	scores    *prometheus.Desc
	framesIn  *prometheus.Desc
	framesOut *prometheus.Desc
	dropped   *prometheus.Desc
}

var _ prometheus.Collector = (*relayCollector)(nil)

func newRelayCollector(r relayIntrospector) *relayCollector {
	return &relayCollector{
		r:         r,
		peers:     prometheus.NewDesc("wakurelay_peers", "Connected relay peers", nil, nil),
		topics:    prometheus.NewDesc("wakurelay_topics", "Subscribed pubsub topics", nil, nil),
		meshSize:  prometheus.NewDesc("wakurelay_mesh_size", "Peers in the mesh of a topic", []string{"topic"}, nil),
		scores:    prometheus.NewDesc("wakurelay_peer_score", "Scores of the connected peers", nil, nil),
		framesIn:  prometheus.NewDesc("wakurelay_incoming_frames_total", "Frames read from peers", nil, nil),
		framesOut: prometheus.NewDesc("wakurelay_outgoing_frames_total", "Frames written to peers", nil, nil),
		dropped:   prometheus.NewDesc("wakurelay_dropped_frames_total", "Inbound frames dropped by the rate limiter", nil, nil),
	}
}

func (c *relayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.peers
	ch <- c.topics
	ch <- c.meshSize
	ch <- c.scores
	ch <- c.framesIn
	ch <- c.framesOut
	ch <- c.dropped
}

func (c *relayCollector) Collect(ch chan<- prometheus.Metric) {
	peers := c.r.ListAllPeers()
	topics := c.r.Topics()

	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(len(peers)))
	ch <- prometheus.MustNewConstMetric(c.topics, prometheus.GaugeValue, float64(len(topics)))
	for _, t := range topics {
		ch <- prometheus.MustNewConstMetric(c.meshSize, prometheus.GaugeValue, float64(len(c.r.MeshPeers(t))), t)
	}

	buckets := make(map[float64]uint64, len(scoreBuckets))
	var sum float64
	for _, p := range peers {
		s := c.r.PeerScore(p)
		sum += s
		for _, b := range scoreBuckets {
			if s <= b {
				buckets[b]++
			}
		}
	}
	ch <- prometheus.MustNewConstHistogram(c.scores, uint64(len(peers)), sum, buckets)

	ch <- prometheus.MustNewConstMetric(c.framesIn, prometheus.CounterValue, viewCount(metrics.IncomingFrameCountView))
	ch <- prometheus.MustNewConstMetric(c.framesOut, prometheus.CounterValue, viewCount(metrics.OutgoingFrameCountView))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, viewSum(metrics.DroppedFrameCountView))
}

func viewCount(v *view.View) float64 {
	rows, err := view.RetrieveData(v.Name)
	if err != nil {
		return 0
	}
	var total float64
	for _, row := range rows {
		if d, ok := row.Data.(*view.CountData); ok {
			total += float64(d.Value)
		}
	}
	return total
}

func viewSum(v *view.View) float64 {
	rows, err := view.RetrieveData(v.Name)
	if err != nil {
		return 0
	}
	var total float64
	for _, row := range rows {
		if d, ok := row.Data.(*view.SumData); ok {
			total += d.Value
		}
	}
	return total
}
