package membership

import (
	"testing"
	"time"

	"github.com/terraingossip/terraingossip/internal/canon"
)

func testRuleBundleHash() canon.Bytes32 {
	return canon.Bytes32{0xaa, 0xbb, 0xcc}
}

func pubkey(b byte) canon.Bytes32 {
	var k canon.Bytes32
	k[0] = b
	return k
}

func TestAdmitPeerIsIdempotent(t *testing.T) {
	m := New("test world", testRuleBundleHash(), 60)
	p := pubkey(1)

	first := m.AdmitPeer(p)
	second := m.AdmitPeer(p)
	if first != second {
		t.Fatalf("AdmitPeer returned distinct records for the same pubkey")
	}
	if first.Status != StatusPending {
		t.Fatalf("new member should start Pending, got %s", first.Status)
	}
}

func TestCheckAuthorizedRejectsUnadmitted(t *testing.T) {
	m := New("test world", testRuleBundleHash(), 60)
	p := pubkey(1)

	if err := m.CheckAuthorized(p); err == nil {
		t.Fatal("expected error for unknown peer")
	}

	m.AdmitPeer(p)
	if err := m.CheckAuthorized(p); err == nil {
		t.Fatal("expected error for Pending peer")
	}
}

// TestRateLimitBoundary implements the literal scenario: rate_limit_rpm=3
// yields Ok, Ok, Ok, RateLimited for four consecutive calls within the
// same window.
func TestRateLimitBoundary(t *testing.T) {
	m := New("test world", testRuleBundleHash(), 3)
	p := pubkey(1)
	m.AdmitPeer(p)
	if err := m.PromoteToAdmitted(p); err != nil {
		t.Fatalf("PromoteToAdmitted: %v", err)
	}

	wantOK := []bool{true, true, true, false}
	for i, want := range wantOK {
		err := m.CheckAuthorized(p)
		got := err == nil
		if got != want {
			t.Fatalf("call %d: got ok=%v err=%v, want ok=%v", i, got, err, want)
		}
	}
}

func TestSuspensionExpiresLazily(t *testing.T) {
	m := New("test world", testRuleBundleHash(), 60)
	p := pubkey(1)
	m.AdmitPeer(p)
	if err := m.PromoteToAdmitted(p); err != nil {
		t.Fatalf("PromoteToAdmitted: %v", err)
	}

	past := time.Now().Add(-time.Second)
	if err := m.SuspendPeer(p, past); err != nil {
		t.Fatalf("SuspendPeer: %v", err)
	}

	if !m.IsAdmitted(p) {
		t.Fatal("expired suspension should read back as Admitted")
	}

	members := m.ListMembers()
	if len(members) != 1 || members[0].Status != StatusSuspended {
		t.Fatal("suspension record should not be mutated by a read-time check")
	}
}

func TestBanIsTerminal(t *testing.T) {
	m := New("test world", testRuleBundleHash(), 60)
	p := pubkey(1)
	m.AdmitPeer(p)
	if err := m.PromoteToAdmitted(p); err != nil {
		t.Fatalf("PromoteToAdmitted: %v", err)
	}
	if err := m.BanPeer(p); err != nil {
		t.Fatalf("BanPeer: %v", err)
	}

	future := time.Now().Add(time.Hour)
	if err := m.SuspendPeer(p, future); err == nil {
		t.Fatal("expected suspending a banned peer to fail")
	}
	if m.IsAdmitted(p) {
		t.Fatal("banned peer must never read back as admitted")
	}
}

func TestUpdateReputationClamped(t *testing.T) {
	m := New("test world", testRuleBundleHash(), 60)
	p := pubkey(1)
	m.AdmitPeer(p)

	if err := m.UpdateReputation(p, 10); err != nil {
		t.Fatalf("UpdateReputation: %v", err)
	}
	members := m.ListMembers()
	if members[0].Reputation != 1 {
		t.Fatalf("reputation should clamp to 1, got %f", members[0].Reputation)
	}

	if err := m.UpdateReputation(p, -10); err != nil {
		t.Fatalf("UpdateReputation: %v", err)
	}
	members = m.ListMembers()
	if members[0].Reputation != 0 {
		t.Fatalf("reputation should clamp to 0, got %f", members[0].Reputation)
	}
}

func TestStatsCountsByEffectiveStatus(t *testing.T) {
	m := New("test world", testRuleBundleHash(), 60)
	admitted := pubkey(1)
	pending := pubkey(2)
	banned := pubkey(3)

	m.AdmitPeer(admitted)
	if err := m.PromoteToAdmitted(admitted); err != nil {
		t.Fatalf("PromoteToAdmitted: %v", err)
	}
	m.AdmitPeer(pending)
	m.AdmitPeer(banned)
	if err := m.BanPeer(banned); err != nil {
		t.Fatalf("BanPeer: %v", err)
	}

	stats := m.Stats()
	if stats.Total != 3 || stats.Admitted != 1 || stats.Pending != 1 || stats.Banned != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// TestWorldIDUsesFormalDerivation guards against regressing to a
// simplified single-tag hash: two managers with the same phrase but
// different rule bundle hashes must never collide.
func TestWorldIDUsesFormalDerivation(t *testing.T) {
	a := New("alpha world", testRuleBundleHash(), 60)
	var otherHash canon.Bytes32
	otherHash[0] = 0x01
	b := New("alpha world", otherHash, 60)

	if a.WorldID() == b.WorldID() {
		t.Fatal("distinct rule bundle hashes must yield distinct world IDs")
	}
}
