// Package circuit manages client-side and relay-side onion circuit
// tables: creation, eviction under capacity pressure, expiry, and
// lifecycle state transitions (spec §4.3).
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/terraingossip/terraingossip/internal/onion/cell"
	"github.com/terraingossip/terraingossip/internal/onion/sessionkeys"
	"github.com/terraingossip/terraingossip/internal/tgerr"
)

// State is a client circuit's lifecycle state.
type State int

const (
	StateBuilding State = iota
	StateReady
	StateFailed
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "BUILDING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	case StateClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// evictAfterIdle is the minimum idle duration before a circuit becomes
// eligible for capacity eviction (spec §4.3: "LRU by last_used among
// circuits older than 60s").
const evictAfterIdle = 60 * time.Second

// ClientCircuit is a client-originated circuit: a path of hops plus the
// session keys negotiated with each.
type ClientCircuit struct {
	ID        uint64
	Hops      []cell.Hop
	State     State
	CreatedAt time.Time
	LastUsed  time.Time
	SeqOut    uint64
	Requests  uint64
}

// IsExpired reports whether the circuit has exceeded maxAge since
// creation.
func (c *ClientCircuit) IsExpired(maxAge time.Duration) bool {
	return time.Since(c.CreatedAt) > maxAge
}

// IsIdle reports whether the circuit has exceeded idleTimeout since last
// use.
func (c *ClientCircuit) IsIdle(idleTimeout time.Duration) bool {
	return time.Since(c.LastUsed) > idleTimeout
}

// EncryptRequest onion-wraps payload for this circuit and advances the
// sequence counter and usage bookkeeping. Only Ready circuits accept
// requests.
func (c *ClientCircuit) EncryptRequest(payload []byte) ([]byte, error) {
	if c.State != StateReady {
		return nil, tgerr.CircuitNotFound()
	}
	seq := c.SeqOut
	onion, err := cell.EncryptOnion(c.Hops, payload, c.ID, seq)
	if err != nil {
		return nil, err
	}
	c.SeqOut++
	c.LastUsed = time.Now()
	c.Requests++
	return onion, nil
}

// Manager tracks client-side circuits, enforcing MaxCircuits capacity
// with LRU eviction among idle circuits.
type Manager struct {
	maxCircuits int
	timeout     time.Duration

	mu       sync.RWMutex
	circuits map[uint64]*ClientCircuit
	nextID   uint64
}

// NewManager constructs a circuit Manager.
func NewManager(maxCircuits int, timeout time.Duration) *Manager {
	return &Manager{
		maxCircuits: maxCircuits,
		timeout:     timeout,
		circuits:    make(map[uint64]*ClientCircuit),
		nextID:      1,
	}
}

// Create allocates a new circuit ID and registers a Building circuit with
// the given hops. If the table is at capacity, the oldest-by-last-used
// circuit among those idle more than 60s is evicted to make room; if none
// qualify, creation fails with NoPath.
func (m *Manager) Create(hops []cell.Hop) (*ClientCircuit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.circuits) >= m.maxCircuits {
		victim, ok := m.oldestEvictableLocked()
		if !ok {
			return nil, tgerr.NoPath()
		}
		delete(m.circuits, victim)
	}

	id := m.nextID
	m.nextID++
	now := time.Now()
	circ := &ClientCircuit{
		ID:        id,
		Hops:      hops,
		State:     StateBuilding,
		CreatedAt: now,
		LastUsed:  now,
	}
	m.circuits[id] = circ
	return circ, nil
}

func (m *Manager) oldestEvictableLocked() (uint64, bool) {
	var victim uint64
	var oldest time.Time
	found := false
	for id, c := range m.circuits {
		if !c.IsIdle(evictAfterIdle) {
			continue
		}
		if !found || c.LastUsed.Before(oldest) {
			victim = id
			oldest = c.LastUsed
			found = true
		}
	}
	return victim, found
}

// MarkReady transitions a circuit to Ready.
func (m *Manager) MarkReady(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circuits[id]
	if !ok {
		return tgerr.CircuitNotFound()
	}
	c.State = StateReady
	return nil
}

// Get returns the circuit for id.
func (m *Manager) Get(id uint64) (*ClientCircuit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.circuits[id]
	if !ok {
		return nil, tgerr.CircuitNotFound()
	}
	return c, nil
}

// EncryptRequest looks up id, checks expiry, and onion-wraps payload. An
// expired circuit transitions to Failed and returns CircuitExpired.
func (m *Manager) EncryptRequest(id uint64, payload []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[id]
	if !ok {
		return nil, tgerr.CircuitNotFound()
	}
	if c.IsExpired(m.timeout) {
		c.State = StateFailed
		return nil, tgerr.CircuitExpired()
	}
	return c.EncryptRequest(payload)
}

// Close removes a circuit, reporting whether it existed.
func (m *Manager) Close(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.circuits[id]; !ok {
		return false
	}
	delete(m.circuits, id)
	return true
}

// Prune removes circuits that are either past maxAge or idle past
// pruneIdleAfter, returning the count removed.
func (m *Manager) Prune(pruneIdleAfter time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.circuits)
	for id, c := range m.circuits {
		if c.IsExpired(m.timeout) || c.IsIdle(pruneIdleAfter) {
			delete(m.circuits, id)
		}
	}
	return before - len(m.circuits)
}

// Stats summarizes circuit counts by state.
type Stats struct {
	Total    int
	Ready    int
	Building int
	Failed   int
}

// Stats computes a Stats snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	s.Total = len(m.circuits)
	for _, c := range m.circuits {
		switch c.State {
		case StateReady:
			s.Ready++
		case StateBuilding:
			s.Building++
		case StateFailed:
			s.Failed++
		}
	}
	return s
}

// RelayEntry is one circuit entry in a relay's forwarding table: the
// session keys negotiated with the previous hop and that hop's address.
// The next hop is not stored here; it comes from each peeled cell header.
type RelayEntry struct {
	CircuitID uint64
	Keys      *sessionkeys.SessionKeys
	PrevHop   string
	CreatedAt time.Time
}

// RelayTable tracks circuits a relay is forwarding for. Unlike the client
// Manager, eviction here is unconditional on the oldest created_at entry
// — a relay has no notion of "idle" for traffic it only forwards.
type RelayTable struct {
	maxEntries int

	mu      sync.RWMutex
	entries map[uint64]*RelayEntry
}

// NewRelayTable constructs a RelayTable bounded to maxEntries.
func NewRelayTable(maxEntries int) *RelayTable {
	return &RelayTable{maxEntries: maxEntries, entries: make(map[uint64]*RelayEntry)}
}

// Register adds a forwarding entry, evicting the oldest entry by
// created_at if the table is full.
func (t *RelayTable) Register(entry *RelayEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.maxEntries {
		var oldestID uint64
		var oldest time.Time
		first := true
		for id, e := range t.entries {
			if first || e.CreatedAt.Before(oldest) {
				oldestID = id
				oldest = e.CreatedAt
				first = false
			}
		}
		if !first {
			delete(t.entries, oldestID)
		}
	}

	entry.CreatedAt = time.Now()
	t.entries[entry.CircuitID] = entry
}

// Get looks up a relay forwarding entry by circuit ID.
func (t *RelayTable) Get(circuitID uint64) (*RelayEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[circuitID]
	return e, ok
}

// Remove deletes a relay forwarding entry.
func (t *RelayTable) Remove(circuitID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, circuitID)
}
