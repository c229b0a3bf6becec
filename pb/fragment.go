package relay_pb

// framing overhead reserved for the RPC and control envelopes around a
// single control entry
const envelopeSlack = 16

// FragmentRPC splits rpc into frames that each encode to at most limit bytes.
// Published messages and subscriptions are never split; IHAVE and IWANT
// entries whose id lists do not fit are spread over several frames.
// ErrFrameTooLarge is returned when a single message cannot fit on its own.
func FragmentRPC(rpc *RPC, limit int) ([]*RPC, error) {
	if rpc.Size() <= limit {
		return []*RPC{rpc}, nil
	}

	f := &fragmenter{limit: limit}
	f.next()

	for _, msg := range rpc.Publish {
		msg := msg
		err := f.add(
			func(r *RPC) { r.Publish = append(r.Publish, msg) },
			func(r *RPC) { r.Publish = r.Publish[:len(r.Publish)-1] },
		)
		if err != nil {
			return nil, err
		}
	}

	for _, sub := range rpc.Subscriptions {
		sub := sub
		err := f.add(
			func(r *RPC) { r.Subscriptions = append(r.Subscriptions, sub) },
			func(r *RPC) { r.Subscriptions = r.Subscriptions[:len(r.Subscriptions)-1] },
		)
		if err != nil {
			return nil, err
		}
	}

	ctl := rpc.Control
	if ctl.Empty() {
		return f.out, nil
	}

	for _, ih := range ctl.Ihave {
		for _, chunk := range chunkIDs(ih.MessageIDs, limit-envelopeSlack-len(ih.TopicID)) {
			ihave := &ControlIHave{TopicID: ih.TopicID, MessageIDs: chunk}
			err := f.addControl(
				func(c *ControlMessage) { c.Ihave = append(c.Ihave, ihave) },
				func(c *ControlMessage) { c.Ihave = c.Ihave[:len(c.Ihave)-1] },
			)
			if err != nil {
				return nil, err
			}
		}
	}

	for _, iw := range ctl.Iwant {
		for _, chunk := range chunkIDs(iw.MessageIDs, limit-envelopeSlack) {
			iwant := &ControlIWant{MessageIDs: chunk}
			err := f.addControl(
				func(c *ControlMessage) { c.Iwant = append(c.Iwant, iwant) },
				func(c *ControlMessage) { c.Iwant = c.Iwant[:len(c.Iwant)-1] },
			)
			if err != nil {
				return nil, err
			}
		}
	}

	for _, g := range ctl.Graft {
		g := g
		err := f.addControl(
			func(c *ControlMessage) { c.Graft = append(c.Graft, g) },
			func(c *ControlMessage) { c.Graft = c.Graft[:len(c.Graft)-1] },
		)
		if err != nil {
			return nil, err
		}
	}

	for _, p := range ctl.Prune {
		p := p
		err := f.addControl(
			func(c *ControlMessage) { c.Prune = append(c.Prune, p) },
			func(c *ControlMessage) { c.Prune = c.Prune[:len(c.Prune)-1] },
		)
		if err != nil {
			return nil, err
		}
	}

	return f.out, nil
}

type fragmenter struct {
	limit int
	out   []*RPC
}

func (f *fragmenter) cur() *RPC {
	return f.out[len(f.out)-1]
}

func (f *fragmenter) next() {
	f.out = append(f.out, &RPC{})
}

// add pushes an item into the current frame, moving it to a fresh frame if it
// does not fit.
func (f *fragmenter) add(push, pop func(*RPC)) error {
	r := f.cur()
	push(r)
	if r.Size() <= f.limit {
		return nil
	}

	pop(r)
	if r.Size() == 0 {
		return ErrFrameTooLarge
	}

	f.next()
	r = f.cur()
	push(r)
	if r.Size() > f.limit {
		return ErrFrameTooLarge
	}
	return nil
}

func (f *fragmenter) addControl(push, pop func(*ControlMessage)) error {
	return f.add(
		func(r *RPC) {
			if r.Control == nil {
				r.Control = &ControlMessage{}
			}
			push(r.Control)
		},
		func(r *RPC) {
			pop(r.Control)
			if r.Control.Empty() {
				r.Control = nil
			}
		},
	)
}

// chunkIDs splits ids into groups whose encoded size stays within budget.
func chunkIDs(ids []string, budget int) [][]string {
	if len(ids) == 0 {
		return [][]string{nil}
	}

	var (
		out  [][]string
		cur  []string
		size int
	)
	for _, id := range ids {
		sz := sizeStrings(1, []string{id})
		if len(cur) > 0 && size+sz > budget {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, id)
		size += sz
	}
	return append(out, cur)
}
