package storage

import (
	"testing"

	"github.com/terraingossip/terraingossip/internal/canon"
	"github.com/terraingossip/terraingossip/internal/gossip"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func bytes32(b byte) canon.Bytes32 {
	var id canon.Bytes32
	id[0] = b
	return id
}

func TestPutAndGetEventRoundTrip(t *testing.T) {
	s := openTest(t)
	e := gossip.Event{
		EventID: bytes32(1),
		World:   bytes32(9),
		EpochID: 3,
		Body:    gossip.EventBody{Type: gossip.EventReceipt, Data: []byte("payload")},
	}
	if err := s.PutEvent(e, bytes32(2), 1); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}

	got, ok, err := s.GetEvent(bytes32(1))
	if err != nil || !ok {
		t.Fatalf("GetEvent: ok=%v err=%v", ok, err)
	}
	if got.EpochID != 3 || string(got.Body.Data) != "payload" {
		t.Fatalf("unexpected event: %+v", got)
	}

	has, err := s.HasEvent(bytes32(1))
	if err != nil || !has {
		t.Fatalf("HasEvent: has=%v err=%v", has, err)
	}

	count, err := s.EventCount()
	if err != nil || count != 1 {
		t.Fatalf("EventCount: count=%d err=%v", count, err)
	}
}

func TestVersionVectorUpsert(t *testing.T) {
	s := openTest(t)
	if err := s.PutVersion(bytes32(1), 5); err != nil {
		t.Fatalf("PutVersion: %v", err)
	}
	if err := s.PutVersion(bytes32(1), 9); err != nil {
		t.Fatalf("PutVersion update: %v", err)
	}

	vv, err := s.GetAllVersions()
	if err != nil {
		t.Fatalf("GetAllVersions: %v", err)
	}
	if vv[bytes32(1)] != 9 {
		t.Fatalf("expected counter 9, got %d", vv[bytes32(1)])
	}
}

func TestAllIndexEntriesRebuildsFromEvents(t *testing.T) {
	s := openTest(t)
	for i := byte(1); i <= 3; i++ {
		e := gossip.Event{EventID: bytes32(i), World: bytes32(9)}
		if err := s.PutEvent(e, bytes32(100), uint64(i)); err != nil {
			t.Fatalf("PutEvent %d: %v", i, err)
		}
	}

	entries, err := s.AllIndexEntries()
	if err != nil {
		t.Fatalf("AllIndexEntries: %v", err)
	}
	list := entries[bytes32(100)]
	if len(list) != 3 {
		t.Fatalf("expected 3 index entries, got %d", len(list))
	}
}

func TestNodeStateRoundTrip(t *testing.T) {
	s := openTest(t)
	ns := NodeState{
		TransportSeed:   []byte("seed"),
		WorldID:         bytes32(7),
		ControlPlaneKey: []byte("cpk"),
	}
	if err := s.SaveNodeState(ns); err != nil {
		t.Fatalf("SaveNodeState: %v", err)
	}

	got, ok, err := s.LoadNodeState()
	if err != nil || !ok {
		t.Fatalf("LoadNodeState: ok=%v err=%v", ok, err)
	}
	if got.WorldID != bytes32(7) || string(got.TransportSeed) != "seed" {
		t.Fatalf("unexpected node state: %+v", got)
	}

	// Saving again should update the singleton row, not insert a second.
	ns.ControlPlaneKey = []byte("cpk2")
	if err := s.SaveNodeState(ns); err != nil {
		t.Fatalf("SaveNodeState update: %v", err)
	}
	got, _, _ = s.LoadNodeState()
	if string(got.ControlPlaneKey) != "cpk2" {
		t.Fatalf("expected updated control plane key, got %q", got.ControlPlaneKey)
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	s := openTest(t)
	rec := DescriptorRecord{
		DescriptorID:    bytes32(4),
		Unsigned:        []byte("unsigned-bytes"),
		TransportPubkey: []byte("pubkey"),
		Signature:       []byte("sig"),
	}
	if err := s.PutDescriptor(rec); err != nil {
		t.Fatalf("PutDescriptor: %v", err)
	}

	got, ok, err := s.GetDescriptor(bytes32(4))
	if err != nil || !ok {
		t.Fatalf("GetDescriptor: ok=%v err=%v", ok, err)
	}
	if string(got.Unsigned) != "unsigned-bytes" {
		t.Fatalf("unexpected descriptor: %+v", got)
	}

	if err := s.DeleteDescriptor(bytes32(4)); err != nil {
		t.Fatalf("DeleteDescriptor: %v", err)
	}
	if _, ok, _ := s.GetDescriptor(bytes32(4)); ok {
		t.Fatal("expected descriptor to be gone after delete")
	}
}
