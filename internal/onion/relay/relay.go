// Package relay implements the forwarding decision a circuit relay makes
// once it has peeled one onion layer from a cell: forward the remainder
// to the next hop, deliver it locally because this is the final hop, or
// drop it when no route can absorb the cell without blocking (spec §4.3,
// §9 "RelayAction" open question).
package relay

import (
	"errors"
	"sync"

	"github.com/terraingossip/terraingossip/internal/onion/cell"
)

// ErrQueueFull is DropAction's reason when a peer's outbound queue or
// the local delivery queue is saturated.
var ErrQueueFull = errors.New("relay: queue full")

// RelayAction is the outcome of routing one decrypted cell layer.
type RelayAction interface {
	isRelayAction()
}

// ForwardAction carries a cell's remaining ciphertext toward ToPeer.
type ForwardAction struct {
	CircuitID uint64
	Seq       uint64
	ToPeer    [32]byte
	Cell      []byte
}

func (ForwardAction) isRelayAction() {}

// DeliverAction is a final-hop cell's decrypted payload, ready for local
// delivery to the inference collaborator.
type DeliverAction struct {
	CircuitID uint64
	Payload   []byte
}

func (DeliverAction) isRelayAction() {}

// DropAction records a cell that could not be routed.
type DropAction struct {
	CircuitID uint64
	Reason    error
}

func (DropAction) isRelayAction() {}

// Dispatcher routes peeled cells onto bounded per-peer outbound queues
// and a bounded local delivery queue. A full queue drops the cell
// instead of blocking the caller, per spec §5's rule against holding a
// lock across a suspension point.
type Dispatcher struct {
	queueSize int

	mu      sync.Mutex
	forward map[[32]byte]chan ForwardAction

	deliveries chan DeliverAction
}

// NewDispatcher constructs a Dispatcher whose per-peer and delivery
// queues each hold queueSize pending actions.
func NewDispatcher(queueSize int) *Dispatcher {
	return &Dispatcher{
		queueSize:  queueSize,
		forward:    make(map[[32]byte]chan ForwardAction),
		deliveries: make(chan DeliverAction, queueSize),
	}
}

// Route decides and enqueues the action for one peeled cell layer.
func (d *Dispatcher) Route(circuitID, seq uint64, header cell.Header, remaining []byte) RelayAction {
	if header.IsFinal {
		action := DeliverAction{CircuitID: circuitID, Payload: remaining}
		select {
		case d.deliveries <- action:
			return action
		default:
			return DropAction{CircuitID: circuitID, Reason: ErrQueueFull}
		}
	}

	action := ForwardAction{CircuitID: circuitID, Seq: seq, ToPeer: header.NextHop, Cell: remaining}
	queue := d.outboundQueue(header.NextHop)
	select {
	case queue <- action:
		return action
	default:
		return DropAction{CircuitID: circuitID, Reason: ErrQueueFull}
	}
}

func (d *Dispatcher) outboundQueue(peer [32]byte) chan ForwardAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.forward[peer]
	if !ok {
		q = make(chan ForwardAction, d.queueSize)
		d.forward[peer] = q
	}
	return q
}

// Outbound returns the bounded queue of cells waiting to be forwarded to
// peer, registering one if this is the first cell ever routed there.
func (d *Dispatcher) Outbound(peer [32]byte) <-chan ForwardAction {
	return d.outboundQueue(peer)
}

// Deliveries returns the bounded queue of final-hop payloads awaiting
// local delivery.
func (d *Dispatcher) Deliveries() <-chan DeliverAction {
	return d.deliveries
}
