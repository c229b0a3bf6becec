package metrics

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var (
	MOutgoingFrames = stats.Int64("relay/outgoing_frame_size", "Outgoing frame size", "By")
	MIncomingFrames = stats.Int64("relay/incoming_frame_size", "Incoming frame size", "By")
	MDroppedFrames  = stats.Int64("relay/dropped_frames", "Inbound frames dropped by the rate limiter", "1")
	MTopics         = stats.Int64("relay/topics", "Number of topics currently subscribed", "1")
	MPeers          = stats.Int64("relay/peers", "Number of relay peers", "1")

	OutgoingFrameCountView = &view.View{
		Name:        "relay/outgoing_frame_count",
		Description: "Number of outgoing frames sent",
		Measure:     MOutgoingFrames,
		Aggregation: view.Count(),
	}

	OutgoingFrameSizeView = &view.View{
		Name:        "relay/outgoing_frame_size",
		Description: "Sizes of outgoing frames sent",
		Measure:     MOutgoingFrames,
		Aggregation: view.Distribution(0, 128, 512, 1024, 64*1024, 1024*1024),
	}

	IncomingFrameCountView = &view.View{
		Name:        "relay/incoming_frame_count",
		Description: "Number of incoming frames received",
		Measure:     MIncomingFrames,
		Aggregation: view.Count(),
	}

	IncomingFrameSizeView = &view.View{
		Name:        "relay/incoming_frame_size",
		Description: "Sizes of incoming frames received",
		Measure:     MIncomingFrames,
		Aggregation: view.Distribution(0, 128, 512, 1024, 64*1024, 1024*1024),
	}

	DroppedFrameCountView = &view.View{
		Name:        "relay/dropped_frames",
		Description: "Inbound frames dropped by the rate limiter",
		Measure:     MDroppedFrames,
		Aggregation: view.Sum(),
	}

	TopicsGaugeView = &view.View{
		Name:        "relay/topics",
		Description: "Topics the relay is subscribed to",
		Measure:     MTopics,
		Aggregation: view.LastValue(),
	}

	PeersGaugeView = &view.View{
		Name:        "relay/peers",
		Description: "Relay peers the host is connected to",
		Measure:     MPeers,
		Aggregation: view.LastValue(),
	}
)

// Views lists every view of the package.
func Views() []*view.View {
	return []*view.View{
		OutgoingFrameCountView,
		OutgoingFrameSizeView,
		IncomingFrameCountView,
		IncomingFrameSizeView,
		DroppedFrameCountView,
		TopicsGaugeView,
		PeersGaugeView,
	}
}

func Register() error {
	return view.Register(Views()...)
}

func Unregister() {
	view.Unregister(Views()...)
}
