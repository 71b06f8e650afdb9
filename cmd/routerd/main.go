// Package main provides the routerd executable: the L3 FAH terrain and
// provider scoring daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/terraingossip/terraingossip/internal/canon"
	"github.com/terraingossip/terraingossip/internal/config"
	"github.com/terraingossip/terraingossip/internal/gossip"
	"github.com/terraingossip/terraingossip/internal/metrics"
	"github.com/terraingossip/terraingossip/internal/obslog"
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
	worldPhrase := flag.String("world-phrase", "", "World admission phrase (default: WORLD_PHRASE env)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("routerd version %s (built %s)\n", version, buildTime)
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

	log := obslog.New(obslog.ParseLevel(cfg.LogLevel), os.Stdout).Component("routerd")
	log.Info("starting routerd", "version", version, "build_time", buildTime, "listen", cfg.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = obslog.WithContext(ctx, log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("routerd exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

type daemon struct {
	cfg      *config.Config
	log      *obslog.Logger
	registry *terrain.Registry
	terrain  *terrain.Map
	scorer   *terrain.Scorer
	metrics  *metrics.Metrics
	codec    *wire.Codec
}

func run(ctx context.Context, cfg *config.Config, log *obslog.Logger) error {
	d := &daemon{
		cfg:      cfg,
		log:      log,
		registry: terrain.NewRegistry(cfg.MinReputation),
		terrain:  terrain.NewMap(),
		scorer:   terrain.NewScorer(terrain.DefaultScoringWeights(), cfg.FahAlpha),
		codec:    wire.NewCodec(),
	}
	if cfg.EnableMetrics {
		d.metrics = metrics.New("routerd")
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	defer listener.Close()

	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()
	go d.acceptLoop(serveCtx, listener)
	go d.maintenanceLoop(serveCtx)

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

		resp, ok := d.handleFrame(log, frame)
		if !ok {
			continue
		}
		if err := d.codec.Encode(conn, resp); err != nil {
			log.Warn("write failed", "error", err)
			return
		}
	}
}

func (d *daemon) handleFrame(log *obslog.Logger, frame wire.Frame) (wire.Frame, bool) {
	switch frame.Type {
	case wire.FramePing:
		return wire.Pong(), true

	case wire.FrameEventBroadcast:
		ev, err := gossip.DecodeBroadcast(frame.Payload)
		if err != nil {
			log.Warn("malformed event broadcast", "error", err)
			return wire.Frame{}, false
		}
		d.ingestEvent(log, ev)
		return wire.Frame{}, false

	case wire.FrameInferenceRequest:
		return d.handleRouteQuery(log, frame)

	default:
		log.Debug("unhandled frame type", "type", frame.Type.String())
		return wire.Frame{}, false
	}
}

// ingestEvent registers a DescriptorPublish event's provider capability
// into the registry and terrain map; every other event type is outside
// routerd's concern and is ignored.
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
	coord := terrain.NewCoord(ann.ModelFamily, ann.Capabilities)
	d.terrain.RegisterProvider(coord, ann.ProviderID)

	if d.metrics != nil {
		d.metrics.ProvidersKnown.Set(float64(d.registry.Stats().Total))
	}
	log.Debug("provider registered", "provider_id", ann.ProviderID, "model_family", ann.ModelFamily)
}

// handleRouteQuery answers a routing request with the best available
// provider for the requested model family.
func (d *daemon) handleRouteQuery(log *obslog.Logger, frame wire.Frame) (wire.Frame, bool) {
	q, err := terrain.DecodeRouteQuery(frame.Payload)
	if err != nil {
		log.Warn("malformed route query", "error", err)
		return wire.Frame{}, false
	}

	exclude := make(map[canon.Bytes32]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		exclude[id] = true
	}

	if d.metrics != nil {
		d.metrics.RouteRequests.Inc()
		d.metrics.ScoreComputations.Inc()
	}

	coord := terrain.NewCoord(q.ModelFamily, q.Capabilities)
	answer := terrain.RouteAnswer{}
	result, err := terrain.RouteRequest(d.scorer, d.registry, d.terrain, coord, q.ModelFamily, exclude, q.MaxLatencyMs)
	if err != nil {
		if d.metrics != nil {
			d.metrics.RouteFailures.Inc()
		}
		log.Debug("no providers available", "model_family", q.ModelFamily)
	} else {
		answer = terrain.RouteAnswer{Found: true, ProviderID: result.Primary.ID, Score: result.Primary.Score}
	}

	payload, err := terrain.EncodeRouteAnswer(answer)
	if err != nil {
		log.Warn("encode route answer failed", "error", err)
		return wire.Frame{}, false
	}
	return wire.Frame{Type: wire.FrameInferenceResponse, Payload: payload}, true
}

// maintenanceLoop periodically decays pheromone trails and prunes stale
// providers, matching the continuous background processes spec §5
// describes for the terrain layer.
func (d *daemon) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SyncInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.terrain.GlobalDecay()
			n := d.registry.PruneStale(10 * d.cfg.SyncInterval())
			if n > 0 {
				d.log.Debug("pruned stale providers", "count", n)
			}
			if d.metrics != nil {
				d.metrics.ProvidersKnown.Set(float64(d.registry.Stats().Total))
			}
		}
	}
}
