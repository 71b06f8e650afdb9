// Package main provides the infernode executable: the L2 onion routing
// relay and client circuit host.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/terraingossip/terraingossip/internal/canon"
	"github.com/terraingossip/terraingossip/internal/config"
	"github.com/terraingossip/terraingossip/internal/identity"
	"github.com/terraingossip/terraingossip/internal/metrics"
	"github.com/terraingossip/terraingossip/internal/obslog"
	"github.com/terraingossip/terraingossip/internal/onion/cell"
	"github.com/terraingossip/terraingossip/internal/onion/circuit"
	"github.com/terraingossip/terraingossip/internal/onion/relay"
	"github.com/terraingossip/terraingossip/internal/onion/sessionkeys"
	"github.com/terraingossip/terraingossip/internal/retry"
	"github.com/terraingossip/terraingossip/internal/tgerr"
	"github.com/terraingossip/terraingossip/internal/wire"
)

// relayQueueSize bounds each per-peer forward queue and the local
// delivery queue in the relay Dispatcher.
const relayQueueSize = 64

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
		fmt.Printf("infernode version %s (built %s)\n", version, buildTime)
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

	log := obslog.New(obslog.ParseLevel(cfg.LogLevel), os.Stdout).Component("infernode")
	log.Info("starting infernode", "version", version, "build_time", buildTime, "listen", cfg.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = obslog.WithContext(ctx, log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("infernode exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// daemon bundles the client-side circuit manager and the relay-side
// forwarding table: one infernode process is both a circuit originator
// for local inference requests and a relay hop for other nodes' circuits.
type daemon struct {
	cfg           *config.Config
	log           *obslog.Logger
	clients       *circuit.Manager
	relay         *circuit.RelayTable
	metrics       *metrics.Metrics
	codec         *wire.Codec
	relayDispatch *relay.Dispatcher

	// peerAddrs maps a relay peer's address-derived bookkeeping key
	// (identity.BahID of its configured address) to that address, so a
	// ForwardAction's opaque NextHop id can be resolved to somewhere to
	// dial. This is not a cryptographic claim about the peer's real
	// replica_id; that still requires a handshake this relay does not
	// perform against the peers it forwards to.
	peerAddrs map[canon.Bytes32]string

	connsMu sync.Mutex
	conns   map[string]net.Conn
}

func run(ctx context.Context, cfg *config.Config, log *obslog.Logger) error {
	peerAddrs := make(map[canon.Bytes32]string, len(cfg.Bootstrap))
	for _, addr := range cfg.Bootstrap {
		peerAddrs[identity.BahID([]byte(addr))] = addr
	}

	d := &daemon{
		cfg:           cfg,
		log:           log,
		clients:       circuit.NewManager(cfg.MaxCircuits, cfg.CircuitTimeout()),
		relay:         circuit.NewRelayTable(cfg.MaxCircuits),
		codec:         wire.NewFixedCellCodec(512),
		relayDispatch: relay.NewDispatcher(relayQueueSize),
		peerAddrs:     peerAddrs,
		conns:         make(map[string]net.Conn),
	}
	if cfg.EnableMetrics {
		d.metrics = metrics.New("infernode")
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	defer listener.Close()

	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()
	go d.acceptLoop(serveCtx, listener)
	go d.pruneLoop(serveCtx)
	go d.deliveryLoop(serveCtx)
	for peerKey, addr := range d.peerAddrs {
		go d.forwardLoop(serveCtx, peerKey, addr)
	}

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

		resp, ok := d.handleFrame(log, conn.RemoteAddr().String(), frame)
		if !ok {
			continue
		}
		if err := d.codec.Encode(conn, resp); err != nil {
			log.Warn("write failed", "error", err)
			return
		}
	}
}

// handleFrame dispatches relay-side circuit frames. A non-final CELL is
// routed and forwarded over the network by handleCell/forwardLoop below.
// FrameCircuitExtend (telescoping a CREATE handshake transparently
// through intermediate hops, so each relay on a path gets its own
// legitimately-negotiated RelayEntry instead of the client dialing every
// hop directly) is a separate, larger feature this relay does not yet
// implement; an EXTEND frame is simply unhandled here.
func (d *daemon) handleFrame(log *obslog.Logger, prevHop string, frame wire.Frame) (wire.Frame, bool) {
	switch frame.Type {
	case wire.FramePing:
		return wire.Pong(), true

	case wire.FrameCircuitCreate:
		return d.handleCreate(log, prevHop, frame)

	case wire.FrameCircuitCell:
		return d.handleCell(log, frame)

	case wire.FrameCircuitDestroy:
		if len(frame.Payload) >= 8 {
			id := decodeCircuitID(frame.Payload)
			d.relay.Remove(id)
			if d.metrics != nil {
				d.metrics.ActiveCircuits.Dec()
			}
			log.Debug("circuit destroyed", "circuit_id", id)
		}
		return wire.Frame{}, false

	default:
		log.Debug("unhandled frame type", "type", frame.Type.String())
		return wire.Frame{}, false
	}
}

// handleCreate performs this relay's half of the single-hop X25519
// key exchange: the payload is the client's ephemeral public key, the
// response is this relay's own ephemeral public key. Both sides then
// derive matching SessionKeys via sessionkeys.Derive.
func (d *daemon) handleCreate(log *obslog.Logger, prevHop string, frame wire.Frame) (wire.Frame, bool) {
	if len(frame.Payload) != 8+32 {
		log.Warn("malformed CREATE payload", "len", len(frame.Payload))
		return wire.Frame{}, false
	}
	circuitID := decodeCircuitID(frame.Payload)
	var theirPublic [32]byte
	copy(theirPublic[:], frame.Payload[8:40])

	ex, err := sessionkeys.NewEphemeralKeyExchange()
	if err != nil {
		log.Warn("key exchange generation failed", "error", err)
		return wire.Frame{}, false
	}
	ourPublic := ex.PublicKey()
	shared, err := ex.Exchange(theirPublic)
	if err != nil {
		log.Warn("key exchange failed", "error", err)
		if d.metrics != nil {
			d.metrics.CircuitBuildFailures.Inc()
		}
		return wire.Frame{}, false
	}
	keys, err := sessionkeys.Derive(shared, ourPublic, theirPublic, []byte("terraingossip-circuit"))
	if err != nil {
		log.Warn("session key derivation failed", "error", err)
		return wire.Frame{}, false
	}

	d.relay.Register(&circuit.RelayEntry{CircuitID: circuitID, Keys: keys, PrevHop: prevHop})
	if d.metrics != nil {
		d.metrics.CircuitBuilds.Inc()
		d.metrics.ActiveCircuits.Inc()
	}
	log.Info("circuit created", "circuit_id", circuitID)

	payload := make([]byte, 8+32)
	copy(payload[0:8], frame.Payload[0:8])
	copy(payload[8:40], ourPublic[:])
	return wire.Frame{Type: wire.FrameCircuitCreate, Payload: payload}, true
}

// handleCell peels one onion layer from a CELL frame using this relay's
// session keys for the circuit, then routes the result through the
// relay Dispatcher: a final-hop cell is queued for local delivery, a
// non-final cell is queued on its next hop's outbound forward queue for
// forwardLoop to actually send, and a full queue drops the cell.
func (d *daemon) handleCell(log *obslog.Logger, frame wire.Frame) (wire.Frame, bool) {
	if len(frame.Payload) < 16 {
		log.Warn("malformed CELL payload", "len", len(frame.Payload))
		return wire.Frame{}, false
	}
	circuitID := decodeCircuitID(frame.Payload)
	seq := decodeSeq(frame.Payload)
	ciphertext := frame.Payload[16:]

	entry, ok := d.relay.Get(circuitID)
	if !ok {
		log.Warn("cell for unknown circuit", "circuit_id", circuitID)
		return wire.Frame{}, false
	}

	header, payload, err := cell.DecryptLayer(entry.Keys, ciphertext, circuitID, seq)
	if err != nil {
		log.Warn("layer decryption failed", "circuit_id", circuitID, "error", err)
		return wire.Frame{}, false
	}

	if !header.IsFinal {
		if _, known := d.peerAddrs[canon.Bytes32(header.NextHop)]; !known {
			log.Warn("no known address for next hop, dropping", "circuit_id", circuitID, "next_hop", fmt.Sprintf("%x", header.NextHop[:8]))
			if d.metrics != nil {
				d.metrics.CellsDropped.Inc()
			}
			return wire.Frame{}, false
		}
	}

	switch action := d.relayDispatch.Route(circuitID, seq, header, payload).(type) {
	case relay.ForwardAction:
		log.Debug("intermediate layer peeled, queued for forward", "circuit_id", circuitID, "next_hop", fmt.Sprintf("%x", action.ToPeer[:8]))
	case relay.DeliverAction:
		log.Debug("final layer queued for delivery", "circuit_id", circuitID, "payload_len", len(action.Payload))
	case relay.DropAction:
		log.Warn("cell dropped", "circuit_id", circuitID, "reason", action.Reason)
		if d.metrics != nil {
			d.metrics.CellsDropped.Inc()
		}
	}
	return wire.Frame{}, false
}

// forwardLoop drains peerKey's outbound forward queue and sends each
// cell to addr over a pooled connection, retrying transient transport
// failures, and incrementing CellsRelayed only once a send actually
// succeeds.
func (d *daemon) forwardLoop(ctx context.Context, peerKey canon.Bytes32, addr string) {
	queue := d.relayDispatch.Outbound(peerKey)
	for {
		select {
		case <-ctx.Done():
			return
		case action := <-queue:
			err := retry.Do(ctx, retry.Default(), func() error {
				return d.sendCell(ctx, addr, action)
			})
			if err != nil {
				d.log.Warn("forward failed", "addr", addr, "circuit_id", action.CircuitID, "error", err)
				continue
			}
			if d.metrics != nil {
				d.metrics.CellsRelayed.Inc()
			}
		}
	}
}

func (d *daemon) sendCell(ctx context.Context, addr string, action relay.ForwardAction) error {
	conn, err := d.dialPeer(ctx, addr)
	if err != nil {
		return tgerr.Timeout(err)
	}
	payload := make([]byte, 16+len(action.Cell))
	encodeCircuitID(payload, action.CircuitID)
	encodeSeq(payload, action.Seq)
	copy(payload[16:], action.Cell)

	if err := d.codec.Encode(conn, wire.Frame{Type: wire.FrameCircuitCell, Payload: payload}); err != nil {
		d.dropPeerConn(addr)
		return tgerr.Timeout(err)
	}
	return nil
}

// dialPeer returns a pooled connection to addr, dialing a fresh one if
// none is cached yet.
func (d *daemon) dialPeer(ctx context.Context, addr string) (net.Conn, error) {
	d.connsMu.Lock()
	conn, ok := d.conns[addr]
	d.connsMu.Unlock()
	if ok {
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	d.connsMu.Lock()
	d.conns[addr] = conn
	d.connsMu.Unlock()
	return conn, nil
}

func (d *daemon) dropPeerConn(addr string) {
	d.connsMu.Lock()
	conn, ok := d.conns[addr]
	if ok {
		delete(d.conns, addr)
	}
	d.connsMu.Unlock()
	if ok {
		conn.Close()
	}
}

// deliveryLoop drains final-hop payloads routed to this node and logs
// their arrival. The inference backend itself is out of scope (spec
// Non-goals); this is the local delivery point a real dispatch would
// hang off of.
func (d *daemon) deliveryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case action := <-d.relayDispatch.Deliveries():
			d.log.Debug("payload delivered locally", "circuit_id", action.CircuitID, "payload_len", len(action.Payload))
			if d.metrics != nil {
				d.metrics.CellsDelivered.Inc()
			}
		}
	}
}

func (d *daemon) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.CircuitTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := d.clients.Prune(d.cfg.CircuitTimeout())
			if n > 0 {
				d.log.Debug("pruned expired client circuits", "count", n)
			}
			if d.metrics != nil {
				stats := d.clients.Stats()
				d.metrics.ActiveCircuits.Set(float64(stats.Ready + stats.Building))
			}
		}
	}
}

func decodeCircuitID(payload []byte) uint64 {
	var id uint64
	for i := 0; i < 8; i++ {
		id |= uint64(payload[i]) << (8 * i)
	}
	return id
}

func decodeSeq(payload []byte) uint64 {
	var seq uint64
	for i := 0; i < 8; i++ {
		seq |= uint64(payload[8+i]) << (8 * i)
	}
	return seq
}

func encodeCircuitID(payload []byte, id uint64) {
	for i := 0; i < 8; i++ {
		payload[i] = byte(id >> (8 * i))
	}
}

func encodeSeq(payload []byte, seq uint64) {
	for i := 0; i < 8; i++ {
		payload[8+i] = byte(seq >> (8 * i))
	}
}
