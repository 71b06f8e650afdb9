// Package membership implements per-world peer admission, suspension, and
// rate limiting (spec §4.2). A peer's membership state gates whether its
// gossip events are accepted and whether it may request inference routing.
package membership

import (
	"sync"
	"time"

	"github.com/terraingossip/terraingossip/internal/canon"
	"github.com/terraingossip/terraingossip/internal/identity"
	"github.com/terraingossip/terraingossip/internal/tgerr"
)

// Status is a member's admission state.
type Status int

const (
	StatusPending Status = iota
	StatusAdmitted
	StatusSuspended
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAdmitted:
		return "admitted"
	case StatusSuspended:
		return "suspended"
	case StatusBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// Member tracks one peer's admission record. SuspendedUntil is only
// meaningful when Status == StatusSuspended; a suspension that has expired
// is not mutated in place — EffectiveStatus compares it against the
// current time on every read, matching the lazy-expiry semantics spec §4.2
// calls for.
type Member struct {
	Pubkey         canon.Bytes32
	Status         Status
	SuspendedUntil time.Time
	JoinedAt       time.Time
	LastSeen       time.Time
	EventCount     uint64
	Reputation     float64
}

// EffectiveStatus returns Admitted in place of Suspended once
// SuspendedUntil has passed, without mutating the stored record.
func (m Member) EffectiveStatus(now time.Time) Status {
	if m.Status == StatusSuspended && now.After(m.SuspendedUntil) {
		return StatusAdmitted
	}
	return m.Status
}

// rateWindow tracks request timestamps within a single sliding 60s window
// for one peer, mirroring a token-bucket-by-timestamp rate limiter.
type rateWindow struct {
	timestamps []time.Time
}

// Manager is the admission authority for one world. One Manager instance
// per running daemon process, guarded by a single RWMutex — the same "one
// lock per subsystem" discipline as the rest of TerrainGossip.
type Manager struct {
	worldID        canon.Bytes32
	worldPhrase    string
	ruleBundleHash canon.Bytes32
	rateLimitRPM   int

	mu      sync.RWMutex
	members map[canon.Bytes32]*Member
	rates   map[canon.Bytes32]*rateWindow
}

// New constructs a Manager for the world identified by phrase and the
// given rule bundle hash. Unlike the simplified single-tag hash some
// reference implementations use for world identifiers, worldID here is
// computed via identity.WorldID, which folds the rule bundle hash into a
// domain-tagged BLAKE3 hash alongside the phrase — two worlds with the
// same phrase but different rules get different identifiers.
func New(phrase string, ruleBundleHash canon.Bytes32, rateLimitRPM int) *Manager {
	normalized := identity.NormalizePhrase(phrase)
	return &Manager{
		worldID:        identity.WorldID(normalized, ruleBundleHash),
		worldPhrase:    normalized,
		ruleBundleHash: ruleBundleHash,
		rateLimitRPM:   rateLimitRPM,
		members:        make(map[canon.Bytes32]*Member),
		rates:          make(map[canon.Bytes32]*rateWindow),
	}
}

// WorldID returns this manager's world identifier.
func (m *Manager) WorldID() canon.Bytes32 {
	return m.worldID
}

// AdmitPeer registers a new peer as Pending, or returns the existing
// record if the peer is already known. A peer starts Pending rather than
// Admitted; promotion to Admitted happens once whatever higher-level
// vetting (descriptor validation, probe success) the caller requires has
// passed — this package only tracks the state machine, not the criteria
// for the Pending→Admitted transition.
func (m *Manager) AdmitPeer(pubkey canon.Bytes32) *Member {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.members[pubkey]; ok {
		return existing
	}
	now := time.Now()
	mem := &Member{
		Pubkey:     pubkey,
		Status:     StatusPending,
		JoinedAt:   now,
		LastSeen:   now,
		Reputation: 0.5,
	}
	m.members[pubkey] = mem
	return mem
}

// PromoteToAdmitted transitions a Pending peer to Admitted.
func (m *Manager) PromoteToAdmitted(pubkey canon.Bytes32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[pubkey]
	if !ok {
		return tgerr.PeerNotFound()
	}
	if mem.Status == StatusBanned {
		return tgerr.Banned()
	}
	mem.Status = StatusAdmitted
	return nil
}

// IsAdmitted reports whether pubkey currently has Admitted effective
// status (a just-expired suspension counts as Admitted).
func (m *Manager) IsAdmitted(pubkey canon.Bytes32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, ok := m.members[pubkey]
	if !ok {
		return false
	}
	return mem.EffectiveStatus(time.Now()) == StatusAdmitted
}

// CheckAuthorized combines admission and rate-limit checks into the single
// gate gossip ingestion and routing calls through before accepting work
// from a peer. It also updates LastSeen on success.
func (m *Manager) CheckAuthorized(pubkey canon.Bytes32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[pubkey]
	if !ok {
		return tgerr.NotAdmitted()
	}
	switch mem.EffectiveStatus(time.Now()) {
	case StatusBanned:
		return tgerr.Banned()
	case StatusPending, StatusSuspended:
		return tgerr.NotAdmitted()
	}

	if err := m.checkRateLimitLocked(pubkey); err != nil {
		return err
	}

	mem.LastSeen = time.Now()
	mem.EventCount++
	return nil
}

// CheckRateLimit checks only the rate limit, without requiring admission —
// used by probers that need to throttle pre-admission challenge traffic.
func (m *Manager) CheckRateLimit(pubkey canon.Bytes32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkRateLimitLocked(pubkey)
}

// checkRateLimitLocked enforces rateLimitRPM requests per rolling 60s
// window. Must be called with mu held.
func (m *Manager) checkRateLimitLocked(pubkey canon.Bytes32) error {
	now := time.Now()
	window, ok := m.rates[pubkey]
	if !ok {
		window = &rateWindow{}
		m.rates[pubkey] = window
	}

	cutoff := now.Add(-time.Minute)
	kept := window.timestamps[:0]
	for _, ts := range window.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	window.timestamps = kept

	if len(window.timestamps) >= m.rateLimitRPM {
		return tgerr.RateLimited()
	}
	window.timestamps = append(window.timestamps, now)
	return nil
}

// SuspendPeer suspends an Admitted peer until the given time.
func (m *Manager) SuspendPeer(pubkey canon.Bytes32, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[pubkey]
	if !ok {
		return tgerr.PeerNotFound()
	}
	if mem.Status == StatusBanned {
		return tgerr.Banned()
	}
	mem.Status = StatusSuspended
	mem.SuspendedUntil = until
	return nil
}

// BanPeer permanently bans a peer. Banning is terminal: no transition out
// of StatusBanned exists.
func (m *Manager) BanPeer(pubkey canon.Bytes32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[pubkey]
	if !ok {
		return tgerr.PeerNotFound()
	}
	mem.Status = StatusBanned
	return nil
}

// UpdateReputation adds delta to a peer's reputation score, clamped to [0,1].
func (m *Manager) UpdateReputation(pubkey canon.Bytes32, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[pubkey]
	if !ok {
		return tgerr.PeerNotFound()
	}
	mem.Reputation += delta
	if mem.Reputation < 0 {
		mem.Reputation = 0
	}
	if mem.Reputation > 1 {
		mem.Reputation = 1
	}
	return nil
}

// MemberCount returns the total number of tracked members, regardless of
// status.
func (m *Manager) MemberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

// ListMembers returns a snapshot of all tracked members.
func (m *Manager) ListMembers() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, *mem)
	}
	return out
}

// Stats summarizes membership counts by effective status.
type Stats struct {
	Total     int
	Pending   int
	Admitted  int
	Suspended int
	Banned    int
}

// Stats computes a Stats snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	now := time.Now()
	s.Total = len(m.members)
	for _, mem := range m.members {
		switch mem.EffectiveStatus(now) {
		case StatusPending:
			s.Pending++
		case StatusAdmitted:
			s.Admitted++
		case StatusSuspended:
			s.Suspended++
		case StatusBanned:
			s.Banned++
		}
	}
	return s
}
