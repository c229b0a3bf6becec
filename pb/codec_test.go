package relay_pb

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testRPC() *RPC {
	return &RPC{
		Subscriptions: []*RPC_SubOpts{
			{Subscribe: true, Topicid: "news"},
			{Subscribe: false, Topicid: "sports"},
		},
		Publish: []*Message{
			{From: []byte("peer-a"), Data: []byte("hello"), Seqno: []byte{0, 0, 0, 0, 0, 0, 0, 1}, Topic: "news"},
			{Data: []byte{}, Topic: "anon"},
		},
		Control: &ControlMessage{
			Ihave: []*ControlIHave{{TopicID: "news", MessageIDs: []string{"m1", "m2"}}},
			Iwant: []*ControlIWant{{MessageIDs: []string{"m3"}}},
			Graft: []*ControlGraft{{TopicID: "news"}},
			Prune: []*ControlPrune{{
				TopicID: "sports",
				Peers:   []*PeerInfo{{PeerID: []byte("peer-b")}},
				Backoff: 60,
			}},
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	rpc := testRPC()

	c := Codec{MaxSize: 1 << 20}
	b, err := c.Encode(rpc)
	require.NoError(t, err)
	require.Len(t, b, rpc.Size())

	out, err := c.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, rpc, out)

	// absent optional fields stay absent
	assert.Nil(t, out.Publish[1].From)
	assert.Nil(t, out.Publish[1].Seqno)
	assert.NotNil(t, out.Publish[1].Data)
}

func TestCodecDoesNotAliasInput(t *testing.T) {
	b := testRPC().Marshal()

	out := new(RPC)
	require.NoError(t, out.Unmarshal(b))

	for i := range b {
		b[i] = 0
	}
	assert.Equal(t, []byte("hello"), out.Publish[0].Data)
}

func TestCodecSkipsUnknownFields(t *testing.T) {
	msg := &Message{Data: []byte("x"), Topic: "t"}
	b := msg.Marshal()
	b = protowire.AppendTag(b, 42, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	b = protowire.AppendTag(b, 43, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("ignored"))

	out := new(Message)
	require.NoError(t, out.Unmarshal(b))
	assert.Equal(t, msg, out)
}

func TestCodecErrors(t *testing.T) {
	t.Run("truncated", func(t *testing.T) {
		b := testRPC().Marshal()
		_, err := Codec{}.Decode(b[:len(b)-3])
		require.Error(t, err)
	})

	t.Run("missing topic", func(t *testing.T) {
		var b []byte
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte("data"))

		out := new(Message)
		require.ErrorIs(t, out.Unmarshal(b), ErrMissingTopic)
	})

	t.Run("too large", func(t *testing.T) {
		rpc := &RPC{Publish: []*Message{{Data: make([]byte, 128), Topic: "t"}}}
		_, err := Codec{MaxSize: 64}.Encode(rpc)
		require.ErrorIs(t, err, ErrFrameTooLarge)

		_, err = Codec{MaxSize: 64}.Decode(make([]byte, 65))
		require.ErrorIs(t, err, ErrFrameTooLarge)
	})
}

func TestFragmentRPC(t *testing.T) {
	t.Run("small rpc is untouched", func(t *testing.T) {
		rpc := testRPC()
		out, err := FragmentRPC(rpc, 1<<20)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Same(t, rpc, out[0])
	})

	t.Run("messages are spread", func(t *testing.T) {
		rpc := &RPC{}
		for i := 0; i < 10; i++ {
			rpc.Publish = append(rpc.Publish, &Message{Data: make([]byte, 100), Topic: "t"})
		}
		out, err := FragmentRPC(rpc, 350)
		require.NoError(t, err)
		require.Greater(t, len(out), 1)

		total := 0
		for _, r := range out {
			assert.LessOrEqual(t, r.Size(), 350)
			total += len(r.Publish)
		}
		assert.Equal(t, 10, total)
	})

	t.Run("ihave ids are split", func(t *testing.T) {
		var ids []string
		for i := 0; i < 200; i++ {
			ids = append(ids, fmt.Sprintf("message-%04d", i))
		}
		rpc := &RPC{Control: &ControlMessage{
			Ihave: []*ControlIHave{{TopicID: "t", MessageIDs: ids}},
			Graft: []*ControlGraft{{TopicID: "t"}},
		}}

		out, err := FragmentRPC(rpc, 512)
		require.NoError(t, err)

		var got []string
		grafts := 0
		for _, r := range out {
			assert.LessOrEqual(t, r.Size(), 512)
			for _, ih := range r.Control.GetIhave() {
				assert.Equal(t, "t", ih.TopicID)
				got = append(got, ih.MessageIDs...)
			}
			grafts += len(r.Control.GetGraft())
		}
		assert.Equal(t, ids, got)
		assert.Equal(t, 1, grafts)
	})

	t.Run("oversized message", func(t *testing.T) {
		rpc := &RPC{Publish: []*Message{
			{Data: make([]byte, 10), Topic: "t"},
			{Data: make([]byte, 1000), Topic: "t"},
		}}
		_, err := FragmentRPC(rpc, 256)
		require.ErrorIs(t, err, ErrFrameTooLarge)
	})
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestWakuMessageDeterministicHash(t *testing.T) {
	const pubsubTopic = "/waku/2/default-waku/proto"
	const contentTopic = "/waku/2/default-content/proto"

	cases := []struct {
		name    string
		payload string
		meta    []byte
		expect  string
	}{
		{
			name:    "12 byte meta",
			payload: "010203045445535405060708",
			meta:    mustHex(t, "73757065722d736563726574"),
			expect:  "4fdde1099c9f77f6dae8147b6b3179aba1fc8e14a7bf35203fc253ee479f135f",
		},
		{
			name:    "no meta",
			payload: "010203045445535405060708",
			expect:  "87619d05e563521d9126749b45bd4cc2430df0607e77e23572d874ed9c1aaa62",
		},
		{
			name:    "empty payload",
			payload: "",
			meta:    mustHex(t, "73757065722d736563726574"),
			expect:  "e1a9596237dbe2cc8aaf4b838c46a7052df6bc0d42ba214b998a8bfdbe8487d6",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := &WakuMessage{
				Payload:      mustHex(t, tc.payload),
				ContentTopic: contentTopic,
				Meta:         tc.meta,
			}
			h := msg.DeterministicHash(pubsubTopic)
			assert.Equal(t, tc.expect, hex.EncodeToString(h[:]))
		})
	}
}

func TestWakuMessageEncoding(t *testing.T) {
	ts := int64(-1700000000000000000)
	msg := &WakuMessage{
		Payload:        []byte("payload"),
		ContentTopic:   "/app/1/chat/proto",
		Version:        1,
		Timestamp:      &ts,
		Meta:           []byte{},
		RateLimitProof: []byte{1, 2, 3},
		Ephemeral:      true,
	}

	out := new(WakuMessage)
	require.NoError(t, out.Unmarshal(msg.Marshal()))
	assert.Equal(t, msg, out)
	assert.Equal(t, ts, out.GetTimestamp())

	// proto3 defaults are omitted from the encoding
	assert.Empty(t, (&WakuMessage{}).Marshal())
}

func TestRPCLogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("rpc", "rpc", testRPC())

	out := buf.String()
	assert.Contains(t, out, "rpc.publish.message.topic=news")
	assert.Contains(t, out, "rpc.control.graft=1")
}
