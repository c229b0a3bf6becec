package relay_pb

import (
	"fmt"

	sha256 "github.com/minio/sha256-simd"
	"google.golang.org/protobuf/encoding/protowire"
)

// WakuMessage is the application envelope carried in the data field of relay
// messages on Waku topics (14/WAKU2-MESSAGE).
type WakuMessage struct {
	Payload        []byte
	ContentTopic   string
	Version        uint32
	Timestamp      *int64
	Meta           []byte
	RateLimitProof []byte
	Ephemeral      bool
}

func (m *WakuMessage) GetTimestamp() int64 {
	if m != nil && m.Timestamp != nil {
		return *m.Timestamp
	}
	return 0
}

func (m *WakuMessage) Marshal() []byte {
	var b []byte
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	if m.ContentTopic != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.ContentTopic)
	}
	if m.Version != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Version))
	}
	if m.Timestamp != nil {
		b = protowire.AppendTag(b, 10, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(*m.Timestamp))
	}
	b = appendOptionalBytes(b, 11, m.Meta)
	if len(m.RateLimitProof) > 0 {
		b = protowire.AppendTag(b, 21, protowire.BytesType)
		b = protowire.AppendBytes(b, m.RateLimitProof)
	}
	if m.Ephemeral {
		b = protowire.AppendTag(b, 31, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func (m *WakuMessage) Unmarshal(b []byte) error {
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeBytesInto(typ, b, &m.Payload)
		case 2:
			return consumeStringInto(typ, b, &m.ContentTopic)
		case 3:
			var v uint64
			n := consumeVarintInto(typ, b, &v)
			m.Version = uint32(v)
			return n
		case 10:
			var v uint64
			n := consumeVarintInto(typ, b, &v)
			if n > 0 {
				ts := protowire.DecodeZigZag(v)
				m.Timestamp = &ts
			}
			return n
		case 11:
			return consumeBytesInto(typ, b, &m.Meta)
		case 21:
			return consumeBytesInto(typ, b, &m.RateLimitProof)
		case 31:
			var v uint64
			n := consumeVarintInto(typ, b, &v)
			m.Ephemeral = protowire.DecodeBool(v)
			return n
		}
		return 0
	})
	if err != nil {
		return fmt.Errorf("decoding waku message: %w", err)
	}
	return nil
}

// DeterministicHash computes the 14/WAKU2-MESSAGE deterministic message hash:
//
//	sha256(pubsubTopic || payload || contentTopic || meta)
func (m *WakuMessage) DeterministicHash(pubsubTopic string) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(pubsubTopic))
	h.Write(m.Payload)
	h.Write([]byte(m.ContentTopic))
	if m.Meta != nil {
		h.Write(m.Meta)
	}

	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
