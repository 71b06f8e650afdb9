package relay

import (
	"bytes"
	"testing"

	"github.com/terraingossip/terraingossip/internal/onion/cell"
	"github.com/terraingossip/terraingossip/internal/onion/sessionkeys"
)

// derivePair mirrors the onion/cell package's own ECDH-pair derivation
// (unexported there, so reproduced here for this package's integration
// test) to build a client-side/relay-side session key pair for one hop.
func derivePair(t *testing.T) (*sessionkeys.SessionKeys, *sessionkeys.SessionKeys) {
	t.Helper()
	alice, err := sessionkeys.NewEphemeralKeyExchange()
	if err != nil {
		t.Fatalf("alice exchange: %v", err)
	}
	bob, err := sessionkeys.NewEphemeralKeyExchange()
	if err != nil {
		t.Fatalf("bob exchange: %v", err)
	}
	sharedA, err := alice.Exchange(bob.PublicKey())
	if err != nil {
		t.Fatalf("alice shared: %v", err)
	}
	sharedB, err := bob.Exchange(alice.PublicKey())
	if err != nil {
		t.Fatalf("bob shared: %v", err)
	}
	clientSide, err := sessionkeys.Derive(sharedA, alice.PublicKey(), bob.PublicKey(), []byte("circuit"))
	if err != nil {
		t.Fatalf("derive client: %v", err)
	}
	relaySide, err := sessionkeys.Derive(sharedB, bob.PublicKey(), alice.PublicKey(), []byte("circuit"))
	if err != nil {
		t.Fatalf("derive relay: %v", err)
	}
	return clientSide, relaySide
}

func TestRouteFinalDelivers(t *testing.T) {
	d := NewDispatcher(4)
	header := cell.Header{IsFinal: true}
	action := d.Route(1, 0, header, []byte("payload"))

	deliver, ok := action.(DeliverAction)
	if !ok {
		t.Fatalf("expected DeliverAction, got %T", action)
	}
	if !bytes.Equal(deliver.Payload, []byte("payload")) {
		t.Fatalf("unexpected payload: %q", deliver.Payload)
	}

	select {
	case got := <-d.Deliveries():
		if got.CircuitID != 1 {
			t.Fatalf("unexpected circuit id: %d", got.CircuitID)
		}
	default:
		t.Fatal("expected a queued delivery")
	}
}

func TestRouteNonFinalForwards(t *testing.T) {
	d := NewDispatcher(4)
	var nextHop [32]byte
	nextHop[0] = 9
	header := cell.Header{NextHop: nextHop, IsFinal: false}

	action := d.Route(2, 5, header, []byte("onion remainder"))
	fwd, ok := action.(ForwardAction)
	if !ok {
		t.Fatalf("expected ForwardAction, got %T", action)
	}
	if fwd.ToPeer != nextHop || fwd.CircuitID != 2 || fwd.Seq != 5 {
		t.Fatalf("unexpected forward action: %+v", fwd)
	}

	select {
	case got := <-d.Outbound(nextHop):
		if !bytes.Equal(got.Cell, []byte("onion remainder")) {
			t.Fatalf("unexpected cell: %q", got.Cell)
		}
	default:
		t.Fatal("expected a queued forward")
	}
}

func TestRouteDropsWhenOutboundQueueFull(t *testing.T) {
	d := NewDispatcher(1)
	var nextHop [32]byte
	nextHop[0] = 3
	header := cell.Header{NextHop: nextHop, IsFinal: false}

	if _, ok := d.Route(1, 0, header, []byte("a")).(ForwardAction); !ok {
		t.Fatal("expected first route to forward")
	}
	action := d.Route(1, 1, header, []byte("b"))
	drop, ok := action.(DropAction)
	if !ok {
		t.Fatalf("expected DropAction, got %T", action)
	}
	if drop.Reason != ErrQueueFull {
		t.Fatalf("unexpected drop reason: %v", drop.Reason)
	}
}

func TestRouteDropsWhenDeliveryQueueFull(t *testing.T) {
	d := NewDispatcher(1)
	header := cell.Header{IsFinal: true}

	if _, ok := d.Route(1, 0, header, []byte("a")).(DeliverAction); !ok {
		t.Fatal("expected first route to deliver")
	}
	action := d.Route(1, 1, header, []byte("b"))
	if _, ok := action.(DropAction); !ok {
		t.Fatalf("expected DropAction, got %T", action)
	}
}

// TestDispatcherRoutesTwoHopCircuit builds a real 2-hop onion, peels it
// hop by hop through a Dispatcher, and confirms the final payload
// recovered via DeliverAction matches the original plaintext.
func TestDispatcherRoutesTwoHopCircuit(t *testing.T) {
	clientKeys1, relayKeys1 := derivePair(t)
	clientKeys2, relayKeys2 := derivePair(t)

	var hop2ID [32]byte
	hop2ID[0] = 2

	hops := []cell.Hop{
		{Keys: clientKeys1, Header: cell.Header{NextHop: hop2ID, IsFinal: false}},
		{Keys: clientKeys2, Header: cell.Header{IsFinal: true}},
	}

	plaintext := []byte("inference request payload")
	const circuitID, seq = uint64(42), uint64(0)

	onion, err := cell.EncryptOnion(hops, plaintext, circuitID, seq)
	if err != nil {
		t.Fatalf("EncryptOnion: %v", err)
	}

	d := NewDispatcher(4)

	header1, remaining1, err := cell.DecryptLayer(relayKeys1, onion, circuitID, seq)
	if err != nil {
		t.Fatalf("DecryptLayer hop 1: %v", err)
	}
	action1 := d.Route(circuitID, seq, header1, remaining1)
	fwd, ok := action1.(ForwardAction)
	if !ok {
		t.Fatalf("expected ForwardAction at hop 1, got %T", action1)
	}
	if fwd.ToPeer != hop2ID {
		t.Fatalf("unexpected next hop: %x", fwd.ToPeer)
	}

	queued := <-d.Outbound(hop2ID)

	header2, remaining2, err := cell.DecryptLayer(relayKeys2, queued.Cell, circuitID, seq)
	if err != nil {
		t.Fatalf("DecryptLayer hop 2: %v", err)
	}
	action2 := d.Route(circuitID, seq, header2, remaining2)
	deliver, ok := action2.(DeliverAction)
	if !ok {
		t.Fatalf("expected DeliverAction at hop 2, got %T", action2)
	}
	if !bytes.Equal(deliver.Payload, plaintext) {
		t.Fatalf("recovered payload mismatch: got %q want %q", deliver.Payload, plaintext)
	}
}
