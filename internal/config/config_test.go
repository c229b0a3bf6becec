package config

import (
	"crypto/rand"
	"testing"

	relay "github.com/waku-org/go-waku-relay"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeerAddr(t *testing.T) string {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return "/ip4/127.0.0.1/tcp/60001/p2p/" + id.String()
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, []string{relay.DefaultWakuTopic}, cfg.Topics)
	assert.True(t, cfg.PeerExchange)
	assert.False(t, cfg.PublishStdin)
	assert.Empty(t, cfg.Peers)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	testPeer := testPeerAddr(t)

	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults",
			modify: func(c *Config) {},
		},
		{
			name:   "with peers and metrics",
			modify: func(c *Config) { c.Peers = []string{testPeer}; c.MetricsAddr = "127.0.0.1:8008" },
		},
		{
			name:    "no listen address",
			modify:  func(c *Config) { c.Listen = nil },
			wantErr: "at least one listen address",
		},
		{
			name:    "bad listen address",
			modify:  func(c *Config) { c.Listen = []string{"0.0.0.0:60000"} },
			wantErr: "invalid listen address",
		},
		{
			name:    "peer without id",
			modify:  func(c *Config) { c.Peers = []string{"/ip4/127.0.0.1/tcp/60001"} },
			wantErr: "invalid peer address",
		},
		{
			name:    "no topics",
			modify:  func(c *Config) { c.Topics = nil },
			wantErr: "at least one topic",
		},
		{
			name:    "empty topic",
			modify:  func(c *Config) { c.Topics = []string{""} },
			wantErr: "empty topic",
		},
		{
			name:    "stdin without content topic",
			modify:  func(c *Config) { c.PublishStdin = true; c.ContentTopic = "" },
			wantErr: "content topic",
		},
		{
			name:    "watermarks reversed",
			modify:  func(c *Config) { c.ConnLow = 10; c.ConnHigh = 5 },
			wantErr: "connection watermarks",
		},
		{
			name:    "zero queue",
			modify:  func(c *Config) { c.QueueSize = 0 },
			wantErr: "queue size",
		},
		{
			name:    "negative rate",
			modify:  func(c *Config) { c.InboundRate = -1 },
			wantErr: "inbound rate",
		},
		{
			name:    "rate without burst",
			modify:  func(c *Config) { c.InboundRate = 10; c.InboundBurst = 0 },
			wantErr: "inbound burst",
		},
		{
			name:    "bad metrics address",
			modify:  func(c *Config) { c.MetricsAddr = "8008" },
			wantErr: "invalid metrics address",
		},
		{
			name:   "otlp exporter",
			modify: func(c *Config) { c.TraceExporter = TraceExporterOTLP },
		},
		{
			name:    "otlp without endpoint",
			modify:  func(c *Config) { c.TraceExporter = TraceExporterOTLP; c.TraceEndpoint = "" },
			wantErr: "invalid trace endpoint",
		},
		{
			name:    "unknown exporter",
			modify:  func(c *Config) { c.TraceExporter = "jaeger" },
			wantErr: "unknown trace exporter",
		},
		{
			name:    "sample ratio above one",
			modify:  func(c *Config) { c.TraceSampleRatio = 1.5 },
			wantErr: "sample ratio",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	testPeer := testPeerAddr(t)
	t.Setenv("WAKURELAY_LISTEN", "/ip4/127.0.0.1/tcp/1, /ip4/127.0.0.1/udp/1/quic-v1")
	t.Setenv("WAKURELAY_PEERS", testPeer)
	t.Setenv("WAKURELAY_TOPICS", "a,b")
	t.Setenv("WAKURELAY_LOG_LEVEL", "DEBUG")
	t.Setenv("WAKURELAY_PEER_EXCHANGE", "false")
	t.Setenv("WAKURELAY_CONN_LOW", "5")
	t.Setenv("WAKURELAY_CONN_HIGH", "not-a-number")
	t.Setenv("WAKURELAY_INBOUND_RATE", "2.5")
	t.Setenv("WAKURELAY_TRACE_EXPORTER", "STDOUT")
	t.Setenv("WAKURELAY_TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("WAKURELAY_PPROF_SIGNAL", "true")

	cfg := NewConfig()
	cfg.LoadFromEnv()

	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/1", "/ip4/127.0.0.1/udp/1/quic-v1"}, cfg.Listen)
	assert.Equal(t, []string{testPeer}, cfg.Peers)
	assert.Equal(t, []string{"a", "b"}, cfg.Topics)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.PeerExchange)
	assert.Equal(t, 5, cfg.ConnLow)
	// unparsable values keep the default
	assert.Equal(t, 100, cfg.ConnHigh)
	assert.Equal(t, 2.5, cfg.InboundRate)
	assert.Equal(t, TraceExporterStdout, cfg.TraceExporter)
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
	assert.True(t, cfg.PprofSignal)
	require.NoError(t, cfg.Validate())
}

func TestConfigString(t *testing.T) {
	cfg := NewConfig()
	s := cfg.String()
	assert.Contains(t, s, relay.DefaultWakuTopic)
	assert.Contains(t, s, "Peers: [none]")
}
