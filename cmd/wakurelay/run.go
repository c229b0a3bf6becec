package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	relay "github.com/waku-org/go-waku-relay"
	"github.com/waku-org/go-waku-relay/internal/config"
	"github.com/waku-org/go-waku-relay/metrics"
	"github.com/waku-org/go-waku-relay/p2p"
	pb "github.com/waku-org/go-waku-relay/pb"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var log = logging.Logger("wakurelay")

var (
	runCfg = *config.NewConfig()

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a relay node",
		Long: `Run a relay node until interrupted.

Every message relayed on the subscribed topics is printed as one line:
the pubsub topic, the content topic and the payload.

Every flag can also be set with a WAKURELAY_* environment variable;
a flag given on the command line wins over the environment.`,
		Args: cobra.NoArgs,
		RunE: runRelay,
	}
)

func init() {
	f := runCmd.Flags()
	f.StringSliceVar(&runCfg.Listen, "listen", runCfg.Listen, "Listen multiaddrs")
	f.StringSliceVar(&runCfg.Peers, "peer", runCfg.Peers, "Multiaddrs of peers to connect to (can be repeated)")
	f.StringSliceVar(&runCfg.Topics, "topic", runCfg.Topics, "Pubsub topics to relay (can be repeated)")
	f.StringVar(&runCfg.ContentTopic, "content-topic", runCfg.ContentTopic, "Content topic of the messages published from stdin")
	f.BoolVar(&runCfg.PublishStdin, "publish-stdin", runCfg.PublishStdin, "Publish every line read from stdin to the first topic")
	f.BoolVar(&runCfg.PeerExchange, "peer-exchange", runCfg.PeerExchange, "Dial the peers suggested when we are pruned")
	f.IntVar(&runCfg.ConnLow, "conn-low", runCfg.ConnLow, "Connection manager low watermark")
	f.IntVar(&runCfg.ConnHigh, "conn-high", runCfg.ConnHigh, "Connection manager high watermark")
	f.IntVar(&runCfg.QueueSize, "queue-size", runCfg.QueueSize, "Outbound frames buffered per peer")
	f.Float64Var(&runCfg.InboundRate, "inbound-rate", runCfg.InboundRate, "Inbound frames per second accepted from a peer, 0 for no limit")
	f.IntVar(&runCfg.InboundBurst, "inbound-burst", runCfg.InboundBurst, "Inbound frame burst accepted from a peer")
	f.StringVar(&runCfg.MetricsAddr, "metrics", runCfg.MetricsAddr, "Serve prometheus metrics on this host:port")
	f.StringVarP(&runCfg.LogLevel, "log-level", "l", runCfg.LogLevel, "Log level: debug, info, warn or error")
	f.StringVar(&runCfg.EventTrace, "event-trace", runCfg.EventTrace, "Write relay events as JSON lines to this file")
	f.StringVar(&runCfg.TraceExporter, "trace-exporter", runCfg.TraceExporter, "OpenTelemetry span exporter: stdout or otlp")
	f.StringVar(&runCfg.TraceEndpoint, "trace-endpoint", runCfg.TraceEndpoint, "host:port of the OTLP/HTTP collector")
	f.StringVar(&runCfg.TraceTopicFilter, "trace-topic-filter", runCfg.TraceTopicFilter, "Only trace topics containing this string")
	f.Float64Var(&runCfg.TraceSampleRatio, "trace-sample-ratio", runCfg.TraceSampleRatio, "Fraction of traces sampled")
	f.BoolVar(&runCfg.PprofSignal, "pprof-signal", runCfg.PprofSignal, "Capture CPU and heap profiles in the working directory on SIGUSR1")
}

func runRelay(cmd *cobra.Command, _ []string) error {
	if err := loadEnv(cmd.Flags(), &runCfg); err != nil {
		return err
	}
	if err := runCfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	lvl, _ := logging.LevelFromString(runCfg.LogLevel)
	logging.SetupLogging(logging.Config{
		Format: logging.ColorizedOutput,
		Stderr: true,
		Level:  logging.LevelError,
	})
	logging.SetAllLoggers(logging.LevelError)
	for _, name := range []string{"wakurelay", "relay", "relay/p2p"} {
		if err := logging.SetLogLevel(name, zapcore.Level(lvl).String()); err != nil {
			return err
		}
	}
	log.Debugf("configuration: %s", runCfg.String())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runWithConfig(ctx, &runCfg, cmd.InOrStdin(), cmd.OutOrStdout())
}

// loadEnv applies the WAKURELAY_* variables to cfg, keeping the values of
// the flags set on the command line.
func loadEnv(fs *pflag.FlagSet, cfg *config.Config) error {
	type setFlag struct {
		flag  *pflag.Flag
		value string
		slice []string
	}
	var set []setFlag
	fs.Visit(func(f *pflag.Flag) {
		sf := setFlag{flag: f, value: f.Value.String()}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sf.slice = sv.GetSlice()
		}
		set = append(set, sf)
	})

	cfg.LoadFromEnv()

	for _, sf := range set {
		var err error
		if sv, ok := sf.flag.Value.(pflag.SliceValue); ok {
			err = sv.Replace(sf.slice)
		} else {
			err = sf.flag.Value.Set(sf.value)
		}
		if err != nil {
			return fmt.Errorf("restoring flag --%s: %w", sf.flag.Name, err)
		}
	}
	return nil
}

// runWithConfig runs a node until ctx is done or one of its tasks fails.
func runWithConfig(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := setupTracing(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warnf("error flushing spans: %s", err)
		}
	}()

	cm, err := connmgr.NewConnManager(cfg.ConnLow, cfg.ConnHigh)
	if err != nil {
		return fmt.Errorf("creating connection manager: %w", err)
	}
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(cfg.Listen...),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		return fmt.Errorf("creating host: %w", err)
	}
	defer h.Close()

	netOpts := []p2p.Option{p2p.WithPeerOutboundQueueSize(cfg.QueueSize)}
	if cfg.InboundRate > 0 {
		netOpts = append(netOpts, p2p.WithInboundRateLimit(rate.Limit(cfg.InboundRate), cfg.InboundBurst))
	}
	n, err := p2p.NewNetwork(h, netOpts...)
	if err != nil {
		return err
	}

	opts := []relay.Option{
		relay.WithRawTracer(p2p.NewTagTracer(ctx, h.ConnManager(), nil)),
		relay.WithRawTracer(metrics.NewTracer()),
	}
	if cfg.EventTrace != "" {
		jt, err := relay.NewJSONTracer(cfg.EventTrace)
		if err != nil {
			return fmt.Errorf("opening event trace: %w", err)
		}
		defer jt.Close()
		opts = append(opts, relay.WithEventTracer(jt))
	}
	if cfg.PeerExchange {
		px, err := p2p.NewPeerExchange(ctx, h)
		if err != nil {
			return err
		}
		opts = append(opts, relay.WithPeerExchange(px))
	}

	r, err := relay.NewWakuRelay(ctx, n, opts...)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	defer r.Close()

	if err := n.Start(ctx, r); err != nil {
		return err
	}
	defer n.Close()

	if err := metrics.Register(); err != nil {
		return fmt.Errorf("registering views: %w", err)
	}
	defer metrics.Unregister()

	subs := make([]*relay.Subscription, 0, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		if err := r.RegisterTopicValidator(topic, relay.WakuMessageValidator); err != nil {
			return err
		}
		sub, err := r.Subscribe(topic)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	log.Infof("relay %s listening on %v", h.ID(), h.Addrs())

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, r)
		})
	}

	printer := newMessagePrinter(out)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			return printer.run(gctx, sub)
		})
	}

	g.Go(func() error {
		connectPeers(gctx, h, cfg.Peers)
		return nil
	})

	if cfg.PprofSignal {
		g.Go(func() error {
			return profileOnSignal(gctx, ".")
		})
	}

	if cfg.PublishStdin {
		g.Go(func() error {
			return publishLines(gctx, r, cfg.Topics[0], cfg.ContentTopic, in)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil || errors.Is(err, relay.ErrRelayClosed) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, r relayIntrospector) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newRelayCollector(r))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Infof("serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return ctx.Err()
}

func connectPeers(ctx context.Context, h host.Host, addrs []string) {
	for _, addr := range addrs {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.Warnf("skipping peer %s: %s", addr, err)
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = h.Connect(cctx, *pi)
		cancel()
		if err != nil {
			log.Warnf("error connecting to %s: %s", pi.ID, err)
			continue
		}
		log.Infof("connected to %s", pi.ID)
	}
}

// publishLines publishes every line of in as a waku message until in is
// exhausted or ctx is done.
func publishLines(ctx context.Context, r *relay.Relay, topic, contentTopic string, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			now := time.Now().UnixNano()
			wm := &pb.WakuMessage{
				Payload:      []byte(line),
				ContentTopic: contentTopic,
				Timestamp:    &now,
			}
			id, err := r.PublishWaku(ctx, topic, wm)
			if err != nil {
				if errors.Is(err, relay.ErrRelayClosed) {
					return err
				}
				log.Warnf("error publishing: %s", err)
				continue
			}
			log.Debugf("published %x", id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
