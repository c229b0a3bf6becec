package relay

import (
	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Message is a relay message together with its routing metadata.
type Message struct {
	*pb.Message
	ID            string
	ReceivedFrom  peer.ID
	ValidatorData interface{}
	Local         bool
}

func (m *Message) GetFrom() peer.ID {
	return peer.ID(m.Message.GetFrom())
}

type RPC struct {
	pb.RPC

	// unexported on purpose, not sending this over the wire
	from peer.ID
}

func rpcWithSubs(subs ...*pb.RPC_SubOpts) *RPC {
	return &RPC{
		RPC: pb.RPC{
			Subscriptions: subs,
		},
	}
}

func rpcWithMessages(msgs ...*pb.Message) *RPC {
	return &RPC{RPC: pb.RPC{Publish: msgs}}
}

func rpcWithControl(msgs []*pb.Message,
	ihave []*pb.ControlIHave,
	iwant []*pb.ControlIWant,
	graft []*pb.ControlGraft,
	prune []*pb.ControlPrune) *RPC {
	return &RPC{
		RPC: pb.RPC{
			Publish: msgs,
			Control: &pb.ControlMessage{
				Ihave: ihave,
				Iwant: iwant,
				Graft: graft,
				Prune: prune,
			},
		},
	}
}

func copyRPC(rpc *RPC) *RPC {
	res := new(RPC)
	*res = *rpc
	if rpc.Control != nil {
		// piggybacking appends to the control lists; don't share their backing arrays
		res.Control = &pb.ControlMessage{
			Ihave: append([]*pb.ControlIHave(nil), rpc.Control.Ihave...),
			Iwant: append([]*pb.ControlIWant(nil), rpc.Control.Iwant...),
			Graft: append([]*pb.ControlGraft(nil), rpc.Control.Graft...),
			Prune: append([]*pb.ControlPrune(nil), rpc.Control.Prune...),
		}
	}
	return res
}
