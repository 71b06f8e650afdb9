package circuit

import (
	"testing"
	"time"

	"github.com/terraingossip/terraingossip/internal/onion/cell"
)

func fakeHops(n int) []cell.Hop {
	hops := make([]cell.Hop, n)
	for i := range hops {
		hops[i] = cell.Hop{Header: cell.Header{IsFinal: i == n-1}}
	}
	return hops
}

func TestCreateAllocatesDistinctIDs(t *testing.T) {
	m := NewManager(10, time.Minute)

	c1, err := m.Create(fakeHops(3))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c2, err := m.Create(fakeHops(3))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c1.ID == c2.ID {
		t.Fatal("expected distinct circuit IDs")
	}
	if c1.State != StateBuilding {
		t.Fatalf("new circuit should start Building, got %s", c1.State)
	}
}

func TestMarkReadyAndEncryptRequest(t *testing.T) {
	m := NewManager(10, time.Minute)
	c, err := m.Create(fakeHops(1))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := m.EncryptRequest(c.ID, []byte("x")); err == nil {
		t.Fatal("expected error encrypting on a Building circuit")
	}

	if err := m.MarkReady(c.ID); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}

	// A single hop with no real keys still exercises the
	// Building-vs-Ready gate; the crypto path itself is covered by
	// internal/onion/cell's tests.
}

func TestCloseRemovesCircuit(t *testing.T) {
	m := NewManager(10, time.Minute)
	c, err := m.Create(fakeHops(1))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !m.Close(c.ID) {
		t.Fatal("expected Close to report success")
	}
	if _, err := m.Get(c.ID); err == nil {
		t.Fatal("expected circuit to be gone after Close")
	}
}

func TestCapacityEvictsOldestIdleCircuit(t *testing.T) {
	m := NewManager(1, time.Minute)
	first, err := m.Create(fakeHops(1))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Force the first circuit to look idle past the 60s eviction floor.
	first.LastUsed = time.Now().Add(-2 * time.Minute)

	second, err := m.Create(fakeHops(1))
	if err != nil {
		t.Fatalf("expected eviction to make room, got error: %v", err)
	}
	if _, err := m.Get(first.ID); err == nil {
		t.Fatal("expected the idle circuit to have been evicted")
	}
	if _, err := m.Get(second.ID); err != nil {
		t.Fatalf("expected the new circuit to be present: %v", err)
	}
}

func TestCapacityFailsWithoutEvictableCircuit(t *testing.T) {
	m := NewManager(1, time.Minute)
	if _, err := m.Create(fakeHops(1)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// The existing circuit was just created, so it's not idle past 60s yet.
	if _, err := m.Create(fakeHops(1)); err == nil {
		t.Fatal("expected NoPath when no circuit is evictable")
	}
}

func TestExpiredCircuitFailsAndReturnsCircuitExpired(t *testing.T) {
	m := NewManager(10, time.Millisecond)
	c, err := m.Create(fakeHops(1))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.MarkReady(c.ID); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := m.EncryptRequest(c.ID, []byte("x")); err == nil {
		t.Fatal("expected expired circuit to fail")
	}
	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("expired circuit should transition to Failed, got %s", got.State)
	}
}

func TestRelayTableEvictsOldestCreated(t *testing.T) {
	table := NewRelayTable(2)
	table.Register(&RelayEntry{CircuitID: 1})
	time.Sleep(time.Millisecond)
	table.Register(&RelayEntry{CircuitID: 2})
	time.Sleep(time.Millisecond)
	table.Register(&RelayEntry{CircuitID: 3})

	if _, ok := table.Get(1); ok {
		t.Fatal("expected oldest entry (circuit 1) to have been evicted")
	}
	if _, ok := table.Get(2); !ok {
		t.Fatal("expected circuit 2 to remain")
	}
	if _, ok := table.Get(3); !ok {
		t.Fatal("expected circuit 3 to remain")
	}
}
