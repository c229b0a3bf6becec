package relay_pb

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrFrameTooLarge is returned when an encoded frame exceeds the codec limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrMissingTopic is returned when a decoded message has no topic.
	ErrMissingTopic = errors.New("message without topic")
)

// Codec marshals frames to and from their protobuf representation.
// A zero MaxSize disables the size check.
type Codec struct {
	MaxSize int
}

func (c Codec) Encode(rpc *RPC) ([]byte, error) {
	if c.MaxSize > 0 && rpc.Size() > c.MaxSize {
		return nil, ErrFrameTooLarge
	}
	return rpc.Marshal(), nil
}

func (c Codec) Decode(b []byte) (*RPC, error) {
	if c.MaxSize > 0 && len(b) > c.MaxSize {
		return nil, ErrFrameTooLarge
	}
	rpc := new(RPC)
	if err := rpc.Unmarshal(b); err != nil {
		return nil, err
	}
	return rpc, nil
}

// Marshal

func (m *RPC) Marshal() []byte {
	return m.appendTo(make([]byte, 0, m.Size()))
}

func (m *RPC) appendTo(b []byte) []byte {
	for _, s := range m.Subscriptions {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(s.Size()))
		b = s.appendTo(b)
	}
	for _, msg := range m.Publish {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(msg.Size()))
		b = msg.appendTo(b)
	}
	if m.Control != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(m.Control.Size()))
		b = m.Control.appendTo(b)
	}
	return b
}

func (m *RPC_SubOpts) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Subscribe))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendString(b, m.Topicid)
}

// Marshal encodes a single message; this is also the signing payload once the
// signature and key are cleared.
func (m *Message) Marshal() []byte {
	return m.appendTo(make([]byte, 0, m.Size()))
}

func (m *Message) appendTo(b []byte) []byte {
	b = appendOptionalBytes(b, 1, m.From)
	b = appendOptionalBytes(b, 2, m.Data)
	b = appendOptionalBytes(b, 3, m.Seqno)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, m.Topic)
	b = appendOptionalBytes(b, 5, m.Signature)
	return appendOptionalBytes(b, 6, m.Key)
}

func (m *ControlMessage) appendTo(b []byte) []byte {
	for _, ih := range m.Ihave {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(ih.Size()))
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, ih.TopicID)
		b = appendStrings(b, 2, ih.MessageIDs)
	}
	for _, iw := range m.Iwant {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(iw.Size()))
		b = appendStrings(b, 1, iw.MessageIDs)
	}
	for _, g := range m.Graft {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(g.Size()))
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, g.TopicID)
	}
	for _, p := range m.Prune {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(p.Size()))
		b = p.appendTo(b)
	}
	return b
}

func (m *ControlPrune) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.TopicID)
	for _, pi := range m.Peers {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(pi.Size()))
		b = appendOptionalBytes(b, 1, pi.PeerID)
		b = appendOptionalBytes(b, 2, pi.SignedPeerRecord)
	}
	if m.Backoff > 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Backoff)
	}
	return b
}

func appendOptionalBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStrings(b []byte, num protowire.Number, vs []string) []byte {
	for _, s := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

// Size

func (m *RPC) Size() (n int) {
	if m == nil {
		return 0
	}
	for _, s := range m.Subscriptions {
		n += sizeEmbedded(1, s.Size())
	}
	for _, msg := range m.Publish {
		n += sizeEmbedded(2, msg.Size())
	}
	if m.Control != nil {
		n += sizeEmbedded(3, m.Control.Size())
	}
	return n
}

func (m *RPC_SubOpts) Size() int {
	return protowire.SizeTag(1) + 1 + protowire.SizeTag(2) + protowire.SizeBytes(len(m.Topicid))
}

func (m *Message) Size() (n int) {
	n += sizeOptionalBytes(1, m.From)
	n += sizeOptionalBytes(2, m.Data)
	n += sizeOptionalBytes(3, m.Seqno)
	n += protowire.SizeTag(4) + protowire.SizeBytes(len(m.Topic))
	n += sizeOptionalBytes(5, m.Signature)
	n += sizeOptionalBytes(6, m.Key)
	return n
}

func (m *ControlMessage) Size() (n int) {
	for _, ih := range m.Ihave {
		n += sizeEmbedded(1, ih.Size())
	}
	for _, iw := range m.Iwant {
		n += sizeEmbedded(2, iw.Size())
	}
	for _, g := range m.Graft {
		n += sizeEmbedded(3, g.Size())
	}
	for _, p := range m.Prune {
		n += sizeEmbedded(4, p.Size())
	}
	return n
}

func (m *ControlIHave) Size() int {
	return protowire.SizeTag(1) + protowire.SizeBytes(len(m.TopicID)) + sizeStrings(2, m.MessageIDs)
}

func (m *ControlIWant) Size() int {
	return sizeStrings(1, m.MessageIDs)
}

func (m *ControlGraft) Size() int {
	return protowire.SizeTag(1) + protowire.SizeBytes(len(m.TopicID))
}

func (m *ControlPrune) Size() (n int) {
	n = protowire.SizeTag(1) + protowire.SizeBytes(len(m.TopicID))
	for _, pi := range m.Peers {
		n += sizeEmbedded(2, pi.Size())
	}
	if m.Backoff > 0 {
		n += protowire.SizeTag(3) + protowire.SizeVarint(m.Backoff)
	}
	return n
}

func (m *PeerInfo) Size() int {
	return sizeOptionalBytes(1, m.PeerID) + sizeOptionalBytes(2, m.SignedPeerRecord)
}

func sizeEmbedded(num protowire.Number, size int) int {
	return protowire.SizeTag(num) + protowire.SizeBytes(size)
}

func sizeOptionalBytes(num protowire.Number, v []byte) int {
	if v == nil {
		return 0
	}
	return protowire.SizeTag(num) + protowire.SizeBytes(len(v))
}

func sizeStrings(num protowire.Number, vs []string) (n int) {
	for _, s := range vs {
		n += protowire.SizeTag(num) + protowire.SizeBytes(len(s))
	}
	return n
}

// Unmarshal

// fieldFunc handles one field of an embedded message. It returns the number
// of bytes consumed, or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func parseFields(b []byte, f fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m := f(num, typ, b)
		if m == 0 {
			// unknown field; skip it
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeEmbedded(typ protowire.Type, b []byte, into func([]byte) error) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	if err := into(v); err != nil {
		return -1
	}
	return n
}

func consumeBytesInto(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	*dst = clone(v)
	return n
}

func consumeStringInto(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return n
	}
	*dst = v
	return n
}

func consumeStringAppend(typ protowire.Type, b []byte, dst *[]string) int {
	var s string
	n := consumeStringInto(typ, b, &s)
	if n > 0 {
		*dst = append(*dst, s)
	}
	return n
}

func consumeVarintInto(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n
	}
	*dst = v
	return n
}

// clone copies v so that decoded frames never alias the read buffer, which
// is returned to a pool by the transport.
func clone(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (m *RPC) Unmarshal(b []byte) error {
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeEmbedded(typ, b, func(v []byte) error {
				s := new(RPC_SubOpts)
				if err := s.Unmarshal(v); err != nil {
					return err
				}
				m.Subscriptions = append(m.Subscriptions, s)
				return nil
			})
		case 2:
			return consumeEmbedded(typ, b, func(v []byte) error {
				msg := new(Message)
				if err := msg.Unmarshal(v); err != nil {
					return err
				}
				m.Publish = append(m.Publish, msg)
				return nil
			})
		case 3:
			return consumeEmbedded(typ, b, func(v []byte) error {
				ctl := new(ControlMessage)
				if err := ctl.Unmarshal(v); err != nil {
					return err
				}
				m.Control = ctl
				return nil
			})
		}
		return 0
	})
	if err != nil {
		return fmt.Errorf("decoding rpc: %w", err)
	}
	return nil
}

func (m *RPC_SubOpts) Unmarshal(b []byte) error {
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			var v uint64
			n := consumeVarintInto(typ, b, &v)
			m.Subscribe = protowire.DecodeBool(v)
			return n
		case 2:
			return consumeStringInto(typ, b, &m.Topicid)
		}
		return 0
	})
}

func (m *Message) Unmarshal(b []byte) error {
	hasTopic := false
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeBytesInto(typ, b, &m.From)
		case 2:
			return consumeBytesInto(typ, b, &m.Data)
		case 3:
			return consumeBytesInto(typ, b, &m.Seqno)
		case 4:
			n := consumeStringInto(typ, b, &m.Topic)
			hasTopic = n > 0
			return n
		case 5:
			return consumeBytesInto(typ, b, &m.Signature)
		case 6:
			return consumeBytesInto(typ, b, &m.Key)
		}
		return 0
	})
	if err != nil {
		return err
	}
	if !hasTopic {
		return ErrMissingTopic
	}
	return nil
}

func (m *ControlMessage) Unmarshal(b []byte) error {
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeEmbedded(typ, b, func(v []byte) error {
				ih := new(ControlIHave)
				m.Ihave = append(m.Ihave, ih)
				return parseFields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
					switch num {
					case 1:
						return consumeStringInto(typ, b, &ih.TopicID)
					case 2:
						return consumeStringAppend(typ, b, &ih.MessageIDs)
					}
					return 0
				})
			})
		case 2:
			return consumeEmbedded(typ, b, func(v []byte) error {
				iw := new(ControlIWant)
				m.Iwant = append(m.Iwant, iw)
				return parseFields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
					if num == 1 {
						return consumeStringAppend(typ, b, &iw.MessageIDs)
					}
					return 0
				})
			})
		case 3:
			return consumeEmbedded(typ, b, func(v []byte) error {
				g := new(ControlGraft)
				m.Graft = append(m.Graft, g)
				return parseFields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
					if num == 1 {
						return consumeStringInto(typ, b, &g.TopicID)
					}
					return 0
				})
			})
		case 4:
			return consumeEmbedded(typ, b, func(v []byte) error {
				p := new(ControlPrune)
				m.Prune = append(m.Prune, p)
				return p.Unmarshal(v)
			})
		}
		return 0
	})
}

func (m *ControlPrune) Unmarshal(b []byte) error {
	return parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeStringInto(typ, b, &m.TopicID)
		case 2:
			return consumeEmbedded(typ, b, func(v []byte) error {
				pi := new(PeerInfo)
				m.Peers = append(m.Peers, pi)
				return parseFields(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
					switch num {
					case 1:
						return consumeBytesInto(typ, b, &pi.PeerID)
					case 2:
						return consumeBytesInto(typ, b, &pi.SignedPeerRecord)
					}
					return 0
				})
			})
		case 3:
			return consumeVarintInto(typ, b, &m.Backoff)
		}
		return 0
	})
}
