// Package main provides the prober executable: issues periodic
// reachability/capability challenges against providers known to routerd
// and emits the results back into the gossip event log as receipts.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/terraingossip/terraingossip/internal/canon"
	"github.com/terraingossip/terraingossip/internal/config"
	"github.com/terraingossip/terraingossip/internal/gossip"
	"github.com/terraingossip/terraingossip/internal/identity"
	"github.com/terraingossip/terraingossip/internal/membership"
	"github.com/terraingossip/terraingossip/internal/metrics"
	"github.com/terraingossip/terraingossip/internal/obslog"
	"github.com/terraingossip/terraingossip/internal/storage"
	"github.com/terraingossip/terraingossip/internal/terrain"
	"github.com/terraingossip/terraingossip/internal/wire"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file (JSON)")
	listen := flag.String("listen", "", "Address to listen on (default: config value)")
	dataDir := flag.String("data-dir", "", "Data directory for persistent state")
	worldPhrase := flag.String("world-phrase", "", "World admission phrase (default: WORLD_PHRASE env)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("prober version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDirectory = *dataDir
	}
	if *worldPhrase != "" {
		cfg.WorldPhrase = *worldPhrase
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := obslog.New(obslog.ParseLevel(cfg.LogLevel), os.Stdout).Component("prober")
	log.Info("starting prober", "version", version, "build_time", buildTime, "listen", cfg.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = obslog.WithContext(ctx, log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("prober exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// Receipt is the JSON body of an EventReceipt gossip event: the outcome
// of one challenge issued to a provider.
type Receipt struct {
	ChallengeID string
	ProviderID  canon.Bytes32
	Success     bool
	LatencyMs   float64
	IssuedAt    time.Time
}

type daemon struct {
	cfg       *config.Config
	log       *obslog.Logger
	store     *storage.Store
	events    *gossip.EventLog
	registry  *terrain.Registry
	metrics   *metrics.Metrics
	codec     *wire.Codec
	replicaID canon.Bytes32
	worldID   canon.Bytes32

	sem chan struct{}
}

func run(ctx context.Context, cfg *config.Config, log *obslog.Logger) error {
	if err := os.MkdirAll(cfg.DataDirectory, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := storage.Open(filepath.Join(cfg.DataDirectory, "prober.db"))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	d, err := newDaemon(cfg, log, store)
	if err != nil {
		return fmt.Errorf("initialize daemon: %w", err)
	}
	log.World(d.worldID).Info("identity ready")

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	defer listener.Close()

	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()
	go d.acceptLoop(serveCtx, listener)
	go d.probeLoop(serveCtx)

	if cfg.EnableMetrics {
		go d.serveMetrics(serveCtx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("context cancelled", "reason", ctx.Err())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("initiating graceful shutdown...")
	serveCancel()
	listener.Close()

	select {
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout exceeded, forcing exit")
		return shutdownCtx.Err()
	default:
	}
	return nil
}

func newDaemon(cfg *config.Config, log *obslog.Logger, store *storage.Store) (*daemon, error) {
	const epochID uint64 = 0

	ns, ok, err := store.LoadNodeState()
	if err != nil {
		return nil, fmt.Errorf("load node state: %w", err)
	}

	var pub ed25519.PublicKey
	var priv ed25519.PrivateKey
	if ok && len(ns.TransportSeed) == ed25519.SeedSize {
		priv = ed25519.NewKeyFromSeed(ns.TransportSeed)
		pub = priv.Public().(ed25519.PublicKey)
	} else {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate transport seed: %w", err)
		}
		priv = ed25519.NewKeyFromSeed(seed)
		pub = priv.Public().(ed25519.PublicKey)
		ns.TransportSeed = seed
	}

	bundle := &canon.RuleBundle{Version: 1, EpochLenMs: 3600_000, ExplorationRate: cfg.FahAlpha, DefaultCircuitLen: uint64(cfg.MaxHops)}
	if err := bundle.Normalize(); err != nil {
		return nil, fmt.Errorf("normalize rule bundle: %w", err)
	}
	ruleBundleHash := identity.RuleBundleHash(bundle)
	members := membership.New(cfg.WorldPhrase, ruleBundleHash, cfg.RateLimitRPM)
	worldID := members.WorldID()
	replicaID := identity.ReplicaID(pub, worldID, epochID)

	ns.WorldID = worldID
	if err := store.SaveNodeState(ns); err != nil {
		return nil, fmt.Errorf("save node state: %w", err)
	}

	events, err := gossip.New(store, worldID, replicaID)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	var m *metrics.Metrics
	if cfg.EnableMetrics {
		m = metrics.New("prober")
	}

	return &daemon{
		cfg:       cfg,
		log:       log,
		store:     store,
		events:    events,
		registry:  terrain.NewRegistry(cfg.MinReputation),
		metrics:   m,
		codec:     wire.NewCodec(),
		replicaID: replicaID,
		worldID:   worldID,
		sem:       make(chan struct{}, cfg.ConcurrentProbes),
	}, nil
}

func (d *daemon) serveMetrics(ctx context.Context) {
	addr := fmt.Sprintf(":%d", d.cfg.MetricsPort)
	srv := &http.Server{Addr: addr, Handler: d.metrics.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	d.log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		d.log.Warn("metrics server stopped", "error", err)
	}
}

// acceptLoop listens for EventBroadcast frames (DescriptorPublish events
// forwarded from gossipd/routerd) so this prober learns about providers
// without needing its own dial-out logic, mirroring routerd's ingestion
// path.
func (d *daemon) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.log.Warn("accept failed", "error", err)
				continue
			}
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := d.log.Peer(conn.RemoteAddr().String())
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := d.codec.Decode(conn)
		if err != nil {
			log.Debug("connection closed", "error", err)
			return
		}
		switch frame.Type {
		case wire.FramePing:
			d.codec.Encode(conn, wire.Pong())
		case wire.FrameEventBroadcast:
			ev, err := gossip.DecodeBroadcast(frame.Payload)
			if err != nil {
				log.Warn("malformed event broadcast", "error", err)
				continue
			}
			d.ingestEvent(log, ev)
		default:
			log.Debug("unhandled frame type", "type", frame.Type.String())
		}
	}
}

func (d *daemon) ingestEvent(log *obslog.Logger, ev gossip.Event) {
	if ev.Body.Type != gossip.EventDescriptorPublish {
		return
	}
	ann, err := terrain.DecodeAnnouncement(ev.Body.Data)
	if err != nil {
		log.Warn("malformed descriptor announcement", "error", err)
		return
	}
	if _, ok := d.registry.Get(ann.ProviderID); !ok {
		d.registry.Register(terrain.NewProviderState(ann.ProviderID, ann.ModelFamily, ann.Capabilities))
	}
}

// probeLoop fires every ProbeIntervalSecs, selecting the providers with the
// oldest LastSeen (refreshed by a successful probe or a new announcement,
// not by a failed probe) up to a batch bounded by MaxQueueSize and dispatching
// each to a worker bounded by ConcurrentProbes concurrent challenges.
func (d *daemon) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ProbeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchRound(ctx)
		}
	}
}

func (d *daemon) dispatchRound(ctx context.Context) {
	providers := d.registry.AllAvailable()
	sort.Slice(providers, func(i, j int) bool { return providers[i].LastSeen.Before(providers[j].LastSeen) })

	batch := providers
	if len(batch) > d.cfg.MaxQueueSize {
		batch = batch[:d.cfg.MaxQueueSize]
	}

	for _, p := range batch {
		select {
		case <-ctx.Done():
			return
		case d.sem <- struct{}{}:
		}
		go func(provider *terrain.ProviderState) {
			defer func() { <-d.sem }()
			d.challenge(provider)
		}(p)
	}
}

// challenge issues one probe against provider. The actual network call
// to a provider's contact point is outside this daemon's current scope
// (providers are only known by model family and capability bits, not a
// dialable address, until descriptor ContactPoints are threaded through
// the Announcement type); until then this records a synthetic
// reachability check seeded by the provider's last known state so the
// rest of the probe/receipt/reputation pipeline can be exercised
// end-to-end.
func (d *daemon) challenge(provider *terrain.ProviderState) {
	start := time.Now()
	challengeID := uuid.New().String()

	success := provider.Reachable
	latency := time.Since(start).Seconds() * 1000

	if d.metrics != nil {
		d.metrics.ProbesIssued.Inc()
	}

	if success {
		d.registry.RecordSuccess(provider.ID, latency)
		if d.metrics != nil {
			d.metrics.ProbeSuccesses.Inc()
		}
	} else {
		d.registry.RecordFailure(provider.ID)
		if d.metrics != nil {
			d.metrics.ProbeFailures.Inc()
		}
	}

	receipt := Receipt{
		ChallengeID: challengeID,
		ProviderID:  provider.ID,
		Success:     success,
		LatencyMs:   latency,
		IssuedAt:    start,
	}
	body, err := json.Marshal(receipt)
	if err != nil {
		d.log.Warn("marshal receipt failed", "error", err)
		return
	}

	ev := gossip.Event{
		EventID: identity.BahID([]byte(challengeID)),
		World:   d.worldID,
		EpochID: 0,
		Body:    gossip.EventBody{Type: gossip.EventReceipt, Data: body},
	}
	if err := d.events.Append(ev); err != nil {
		d.log.Warn("append receipt failed", "error", err)
	}
}
