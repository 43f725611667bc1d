package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/topicrelay-go/internal/amqpbridge"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/config"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/discovery"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/federation"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/httpapi"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/peerlink"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/relay"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/httpclient"
)

const (
	appName    = "TopicRelay"
	appVersion = "0.1.0"

	shutdownTimeout = 30 * time.Second
)

var log = logging.Logger("relay/daemon")

// options are the command-line overrides applied on top of the config file
type options struct {
	configPath  string
	nodeID      string
	httpAddr    string
	peerAddr    string
	noPeer      bool
	amqpURL     string
	amqpKey     string
	upstream    []string
	upPattern   string
	overflow    string
	capacity    int
	messageTTL  time.Duration
	noAuth      bool
	logLevel    string
	showVersion bool
	showHealth  bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	fs.StringVar(&opts.nodeID, "node-id", "", "Unique node identifier (default: from config or hostname)")
	fs.StringVar(&opts.httpAddr, "http", "", "Listen address for the HTTP API (default :8081)")
	fs.StringVar(&opts.peerAddr, "peer-listen", "", "Listen address for the gRPC peer link (default :9090)")
	fs.BoolVar(&opts.noPeer, "no-peer", false, "Disable the gRPC peer link")
	fs.StringVar(&opts.amqpURL, "amqp-url", "", "Bridge messages from this AMQP broker (enables the bridge)")
	fs.StringVar(&opts.amqpKey, "amqp-binding", "", "Binding key for the AMQP bridge queue")
	fs.Func("upstream", "Follow an upstream relay at [id=]host:port (repeatable, comma separated)", func(v string) error {
		for _, seed := range strings.Split(v, ",") {
			if seed = strings.TrimSpace(seed); seed != "" {
				opts.upstream = append(opts.upstream, seed)
			}
		}
		return nil
	})
	fs.StringVar(&opts.upPattern, "upstream-pattern", "", "Topic pattern pulled from upstream relays (default #)")
	fs.StringVar(&opts.overflow, "overflow", "", "Default overflow policy: drop-oldest, drop-newest or block")
	fs.IntVar(&opts.capacity, "queue-capacity", 0, "Default per-subscription queue capacity")
	fs.DurationVar(&opts.messageTTL, "message-ttl", 0, "Default message TTL (0 disables)")
	fs.BoolVar(&opts.noAuth, "no-auth", false, "Disable HTTP authentication (development only)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	fs.BoolVar(&opts.showHealth, "health", false, "Query the health of a running relay and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.nodeID != "" {
		cfg.Relay.NodeID = opts.nodeID
	} else if opts.configPath == "" {
		cfg.Relay.NodeID = getDefaultNodeID()
	}
	if opts.httpAddr != "" {
		cfg.HTTP.Addr = opts.httpAddr
	}
	if opts.peerAddr != "" {
		cfg.PeerLink.ListenAddress = opts.peerAddr
	}
	if opts.noPeer {
		cfg.PeerLink.Enabled = false
	}
	if opts.amqpURL != "" {
		cfg.AMQP.Enabled = true
		cfg.AMQP.URL = opts.amqpURL
	}
	if opts.amqpKey != "" {
		cfg.AMQP.BindingKey = opts.amqpKey
	}
	if len(opts.upstream) > 0 {
		cfg.Upstream.Peers = opts.upstream
	}
	if opts.upPattern != "" {
		cfg.Upstream.Pattern = opts.upPattern
	}
	if opts.overflow != "" {
		policy, err := delivery.ParseOverflowPolicy(opts.overflow)
		if err != nil {
			return nil, err
		}
		cfg.Relay.Overflow = policy
	}
	if opts.capacity != 0 {
		cfg.Relay.QueueCapacity = opts.capacity
	}
	if opts.messageTTL != 0 {
		cfg.Relay.MessageTTL = opts.messageTTL
	}
	if opts.noAuth {
		cfg.HTTP.NoAuth = true
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	if cfg.AMQP.Enabled {
		cfg.AMQP.SetDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Printf("%s v%s\n", appName, appVersion)
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := setLogLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if opts.showHealth {
		os.Exit(showHealthStatus(cfg.HTTP.Addr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("starting "+appName, "version", appVersion, "node", cfg.Relay.NodeID)
	if err := run(ctx, cfg, nil); err != nil {
		log.Errorw("relay stopped with error", "error", err)
		os.Exit(1)
	}
	log.Infow(appName+" stopped", "node", cfg.Relay.NodeID)
}

// listeners reports the bound addresses once every server is accepting
type listeners struct {
	HTTP string
	Peer string
}

// run starts the relay and its front ends and blocks until ctx ends or one
// of them fails. ready, when set, is called once every listener is bound.
func run(ctx context.Context, cfg *config.Config, ready func(listeners)) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	relayConfig := cfg.Relay
	relayConfig.Registerer = registry
	r, err := relay.NewRelay(&relayConfig)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	defer r.Close()

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	var bridge *amqpbridge.Bridge
	if cfg.AMQP.Enabled {
		if bridge, err = amqpbridge.NewBridge(r, cfg.AMQP.Config, amqpbridge.DialAMQP); err != nil {
			return fmt.Errorf("failed to create amqp bridge: %w", err)
		}
	}

	var follower *federation.Federation
	if len(cfg.Upstream.Peers) > 0 {
		peers, err := discovery.NewStaticDiscovery(cfg.Upstream.Peers)
		if err != nil {
			return fmt.Errorf("invalid upstream peers: %w", err)
		}
		if follower, err = federation.New(r, cfg.Relay.NodeID, peers, cfg.Upstream, nil); err != nil {
			return fmt.Errorf("failed to create federation: %w", err)
		}
	}

	httpConfig := cfg.HTTP
	httpConfig.Gatherer = registry
	httpServer, err := httpapi.NewServer(r, httpConfig)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	httpListener, err := net.Listen("tcp", httpConfig.Addr)
	if err != nil {
		httpServer.Stop(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", httpConfig.Addr, err)
	}

	var peerServer *peerlink.GRPCServer
	var peerListener net.Listener
	if cfg.PeerLink.Enabled {
		peerConfig := cfg.PeerLink.Config
		if peerServer, err = peerlink.NewGRPCServer(r, &peerConfig); err != nil {
			httpListener.Close()
			httpServer.Stop(context.Background())
			return fmt.Errorf("failed to create peerlink server: %w", err)
		}
		if peerListener, err = net.Listen("tcp", peerConfig.ListenAddress); err != nil {
			httpListener.Close()
			httpServer.Stop(context.Background())
			peerServer.Close()
			return fmt.Errorf("failed to listen on %s: %w", peerConfig.ListenAddress, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})

	if peerServer != nil {
		g.Go(func() error {
			if err := peerServer.Serve(peerListener); err != nil && !errors.Is(err, peerlink.ErrServerClosed) {
				return fmt.Errorf("peerlink: %w", err)
			}
			return nil
		})
	}

	if bridge != nil {
		g.Go(func() error {
			return bridge.Run(gctx)
		})
	}

	if follower != nil {
		g.Go(func() error {
			return follower.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Infow("shutting down", "node", cfg.Relay.NodeID)
		return shutdown(httpServer, peerServer)
	})

	addrs := listeners{HTTP: httpListener.Addr().String()}
	if peerListener != nil {
		addrs.Peer = peerListener.Addr().String()
	}
	log.Infow(appName+" ready", "node", cfg.Relay.NodeID, "http", addrs.HTTP, "peer", addrs.Peer, "amqp", cfg.AMQP.Enabled, "upstreams", len(cfg.Upstream.Peers))
	if ready != nil {
		ready(addrs)
	}

	return g.Wait()
}

func shutdown(httpServer *httpapi.Server, peerServer *peerlink.GRPCServer) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := httpServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http api shutdown: %w", err))
	}
	if peerServer != nil {
		if err := peerServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("peerlink shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func setLogLevel(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}

// getDefaultNodeID generates a default node ID based on hostname
func getDefaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "topicrelay-1"
	}
	return fmt.Sprintf("topicrelay-%s", hostname)
}

// healthURL turns a listen address into a URL on the local host
func healthURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// showHealthStatus queries a running relay and returns the process exit code
func showHealthStatus(addr string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := httpclient.NewClient(httpclient.Config{
		ServerURL:  healthURL(addr),
		ClientID:   "health-check",
		MaxRetries: 1,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	health, err := client.GetHealth(ctx)
	if health == nil || (err != nil && health.NodeID == "") {
		fmt.Fprintf(os.Stderr, "❌ Failed to get health status: %v\n", err)
		return 1
	}

	fmt.Printf("%s Node Health Status:\n", appName)
	fmt.Printf("  Node: %s\n", health.NodeID)
	fmt.Printf("  Overall: %s\n", healthStatus(health.Healthy))
	fmt.Printf("  Subscriptions: %d\n", health.Subscriptions)
	if health.Uptime != "" {
		fmt.Printf("  Uptime: %s\n", health.Uptime)
	}
	fmt.Printf("  Message: %s\n", health.Message)

	if health.Healthy {
		return 0
	}
	return 1
}

// healthStatus returns a colored health status string
func healthStatus(healthy bool) string {
	if healthy {
		return "✅ Healthy"
	}
	return "❌ Unhealthy"
}
