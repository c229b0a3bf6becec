// Package config holds the settings of a wakurelay node.
//
// Settings come from, in order of precedence: environment variables
// (WAKURELAY_*), command line flags and the defaults of NewConfig.
//
// Environment variables:
//   - WAKURELAY_LISTEN: comma separated listen multiaddrs
//   - WAKURELAY_PEERS: comma separated multiaddrs (with /p2p/) to connect to
//   - WAKURELAY_TOPICS: comma separated pubsub topics to relay
//   - WAKURELAY_CONTENT_TOPIC: content topic of the messages published from stdin
//   - WAKURELAY_METRICS_ADDR: host:port of the prometheus endpoint, empty to disable
//   - WAKURELAY_LOG_LEVEL: debug, info, warn or error
//   - WAKURELAY_PEER_EXCHANGE: dial the peers suggested in PRUNEs
//   - WAKURELAY_CONN_LOW, WAKURELAY_CONN_HIGH: connection manager watermarks
//   - WAKURELAY_QUEUE_SIZE: outbound frames buffered per peer
//   - WAKURELAY_INBOUND_RATE, WAKURELAY_INBOUND_BURST: per peer inbound frame rate, 0 for no limit
//   - WAKURELAY_PUBLISH_STDIN: publish every line read from stdin
//   - WAKURELAY_EVENT_TRACE: file receiving the relay events as ndjson
//   - WAKURELAY_TRACE_EXPORTER: OpenTelemetry span exporter, stdout or otlp
//   - WAKURELAY_TRACE_ENDPOINT: host:port of the OTLP/HTTP collector
//   - WAKURELAY_TRACE_TOPIC_FILTER: only trace topics containing this string
//   - WAKURELAY_TRACE_SAMPLE_RATIO: fraction of traces sampled, 0 to 1
//   - WAKURELAY_PPROF_SIGNAL: capture CPU and heap profiles on SIGUSR1
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	relay "github.com/waku-org/go-waku-relay"
	"github.com/waku-org/go-waku-relay/p2p"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Config holds all the settings of a wakurelay node.
type Config struct {
	// Network settings
	Listen []string `env:"WAKURELAY_LISTEN"`
	Peers  []string `env:"WAKURELAY_PEERS"`

	// Relay settings
	Topics       []string `env:"WAKURELAY_TOPICS"`
	ContentTopic string   `env:"WAKURELAY_CONTENT_TOPIC"`
	PeerExchange bool     `env:"WAKURELAY_PEER_EXCHANGE"`
	PublishStdin bool     `env:"WAKURELAY_PUBLISH_STDIN"`

	// Resource limits
	ConnLow      int     `env:"WAKURELAY_CONN_LOW"`
	ConnHigh     int     `env:"WAKURELAY_CONN_HIGH"`
	QueueSize    int     `env:"WAKURELAY_QUEUE_SIZE"`
	InboundRate  float64 `env:"WAKURELAY_INBOUND_RATE"`
	InboundBurst int     `env:"WAKURELAY_INBOUND_BURST"`

	// Observability
	MetricsAddr      string  `env:"WAKURELAY_METRICS_ADDR"`
	LogLevel         string  `env:"WAKURELAY_LOG_LEVEL"`
	EventTrace       string  `env:"WAKURELAY_EVENT_TRACE"`
	TraceExporter    string  `env:"WAKURELAY_TRACE_EXPORTER"`
	TraceEndpoint    string  `env:"WAKURELAY_TRACE_ENDPOINT"`
	TraceTopicFilter string  `env:"WAKURELAY_TRACE_TOPIC_FILTER"`
	TraceSampleRatio float64 `env:"WAKURELAY_TRACE_SAMPLE_RATIO"`
	PprofSignal      bool    `env:"WAKURELAY_PPROF_SIGNAL"`
}

// Span exporters understood by TraceExporter.
const (
	TraceExporterNone   = ""
	TraceExporterStdout = "stdout"
	TraceExporterOTLP   = "otlp"
)

// NewConfig returns a config with the defaults: listen on all interfaces on
// port 60000, relay the default waku topic, peer exchange on.
func NewConfig() *Config {
	return &Config{
		Listen:       []string{"/ip4/0.0.0.0/tcp/60000"},
		Peers:        []string{},
		Topics:       []string{relay.DefaultWakuTopic},
		ContentTopic: "/wakurelay/1/stdin/proto",
		PeerExchange: true,
		ConnLow:      50,
		ConnHigh:     100,
		QueueSize:    p2p.DefaultPeerOutboundQueueSize,
		InboundBurst: 100,
		LogLevel:     "info",

		TraceEndpoint:    "localhost:4318",
		TraceSampleRatio: 1,
	}
}

// Validate checks the config and returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Listen) == 0 {
		return fmt.Errorf("at least one listen address is required")
	}
	for _, addr := range c.Listen {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
	}

	for _, addr := range c.Peers {
		if _, err := peer.AddrInfoFromString(addr); err != nil {
			return fmt.Errorf("invalid peer address %q: %w", addr, err)
		}
	}

	if len(c.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	for _, t := range c.Topics {
		if t == "" {
			return fmt.Errorf("empty topic")
		}
	}

	if c.PublishStdin && c.ContentTopic == "" {
		return fmt.Errorf("a content topic is required to publish from stdin")
	}

	if c.ConnLow <= 0 || c.ConnHigh < c.ConnLow {
		return fmt.Errorf("invalid connection watermarks %d/%d; must be 0 < low <= high", c.ConnLow, c.ConnHigh)
	}

	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid queue size; must be positive")
	}

	if c.InboundRate < 0 {
		return fmt.Errorf("invalid inbound rate; must be non-negative")
	}
	if c.InboundRate > 0 && c.InboundBurst <= 0 {
		return fmt.Errorf("invalid inbound burst; must be positive")
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.MetricsAddr, err)
		}
	}

	if _, err := logging.LevelFromString(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	switch c.TraceExporter {
	case TraceExporterNone, TraceExporterStdout:
	case TraceExporterOTLP:
		if _, _, err := net.SplitHostPort(c.TraceEndpoint); err != nil {
			return fmt.Errorf("invalid trace endpoint %q: %w", c.TraceEndpoint, err)
		}
	default:
		return fmt.Errorf("unknown trace exporter %q; must be stdout or otlp", c.TraceExporter)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("invalid trace sample ratio; must be between 0 and 1")
	}

	return nil
}

// LoadFromEnv overrides the config with the WAKURELAY_* variables that are
// set. Values that fail to parse are ignored.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("WAKURELAY_LISTEN"); v != "" {
		c.Listen = splitList(v)
	}

	if v := os.Getenv("WAKURELAY_PEERS"); v != "" {
		c.Peers = splitList(v)
	}

	if v := os.Getenv("WAKURELAY_TOPICS"); v != "" {
		c.Topics = splitList(v)
	}

	if v := os.Getenv("WAKURELAY_CONTENT_TOPIC"); v != "" {
		c.ContentTopic = v
	}

	if v := os.Getenv("WAKURELAY_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}

	if v := os.Getenv("WAKURELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}

	if v := os.Getenv("WAKURELAY_EVENT_TRACE"); v != "" {
		c.EventTrace = v
	}
	if v := os.Getenv("WAKURELAY_TRACE_EXPORTER"); v != "" {
		c.TraceExporter = strings.ToLower(v)
	}
	if v := os.Getenv("WAKURELAY_TRACE_ENDPOINT"); v != "" {
		c.TraceEndpoint = v
	}
	if v := os.Getenv("WAKURELAY_TRACE_TOPIC_FILTER"); v != "" {
		c.TraceTopicFilter = v
	}
	loadFloat("WAKURELAY_TRACE_SAMPLE_RATIO", &c.TraceSampleRatio)
	loadBool("WAKURELAY_PPROF_SIGNAL", &c.PprofSignal)

	loadBool("WAKURELAY_PEER_EXCHANGE", &c.PeerExchange)
	loadBool("WAKURELAY_PUBLISH_STDIN", &c.PublishStdin)
	loadInt("WAKURELAY_CONN_LOW", &c.ConnLow)
	loadInt("WAKURELAY_CONN_HIGH", &c.ConnHigh)
	loadInt("WAKURELAY_QUEUE_SIZE", &c.QueueSize)
	loadInt("WAKURELAY_INBOUND_BURST", &c.InboundBurst)

	loadFloat("WAKURELAY_INBOUND_RATE", &c.InboundRate)
}

// String returns a one line summary for logging.
func (c *Config) String() string {
	peers := "[none]"
	if len(c.Peers) > 0 {
		peers = strings.Join(c.Peers, ", ")
	}
	return fmt.Sprintf(
		"Config{Listen: %s, Peers: %s, Topics: %s, PeerExchange: %v, Conns: %d/%d, Metrics: %q, Tracing: %q, LogLevel: %s}",
		strings.Join(c.Listen, ", "), peers, strings.Join(c.Topics, ", "),
		c.PeerExchange, c.ConnLow, c.ConnHigh, c.MetricsAddr, c.TraceExporter, c.LogLevel,
	)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func loadBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func loadInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func loadFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
