// Package terrain implements the FAH (Foraging Ant Heuristic) terrain
// map: pheromone trails over (TerrainCoord, provider) edges and the
// provider index they route against (spec §4.4).
package terrain

import (
	"math"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/terraingossip/terraingossip/internal/canon"
)

const (
	// DecayRate is the per-second exponential pheromone decay constant.
	DecayRate = 0.01
	// MaxPheromone is the ceiling strength a trail can reach.
	MaxPheromone = 100.0
	// MinPheromone is the floor strength a trail can fall to; it never
	// reaches zero so a long-dormant trail remains discoverable.
	MinPheromone = 0.1
)

// Coord identifies a terrain bucket: a model family (hashed for a fixed
// compact key) crossed with a capability bitmask. Equal coordinates
// always map to the same bucket regardless of how the model family
// string was cased or spelled, since callers are expected to normalize
// the family name before calling NewCoord.
type Coord struct {
	ModelFamily  [8]byte
	Capabilities uint64
}

// NewCoord derives a Coord from a model family string and capability
// flags: the first 8 bytes of BLAKE3(model_family).
func NewCoord(modelFamily string, capabilities uint64) Coord {
	h := blake3.Sum256([]byte(modelFamily))
	var c Coord
	copy(c.ModelFamily[:], h[:8])
	c.Capabilities = capabilities
	return c
}

type edge struct {
	coord      Coord
	providerID canon.Bytes32
}

// Trail tracks one edge's pheromone strength and feedback history.
type Trail struct {
	Strength   float64
	LastUpdate time.Time
	Successes  uint64
	Failures   uint64
}

func newTrail() *Trail {
	return &Trail{Strength: MinPheromone, LastUpdate: time.Now()}
}

// decay applies exponential decay for elapsed time since LastUpdate,
// in place. Must be called with the owning Map's lock held.
func (t *Trail) decay() {
	elapsed := time.Since(t.LastUpdate).Seconds()
	t.Strength = math.Max(MinPheromone, t.Strength*math.Exp(-DecayRate*elapsed))
	t.LastUpdate = time.Now()
}

// deposit decays then adds amount, capped at MaxPheromone, and records a
// success.
func (t *Trail) deposit(amount float64) {
	t.decay()
	t.Strength = math.Min(MaxPheromone, t.Strength+amount)
	t.Successes++
}

// evaporate decays then subtracts amount, floored at MinPheromone, and
// records a failure.
func (t *Trail) evaporate(amount float64) {
	t.decay()
	t.Strength = math.Max(MinPheromone, t.Strength-amount)
	t.Failures++
}

// Map is the terrain map: pheromone trails per edge, plus the reverse
// index from coordinate to the providers registered there.
type Map struct {
	mu           sync.RWMutex
	trails       map[edge]*Trail
	providersAt  map[Coord][]canon.Bytes32
}

// NewMap constructs an empty terrain Map.
func NewMap() *Map {
	return &Map{
		trails:      make(map[edge]*Trail),
		providersAt: make(map[Coord][]canon.Bytes32),
	}
}

// RegisterProvider adds providerID to coord's provider list and seeds a
// trail at MinPheromone if one doesn't already exist.
func (m *Map) RegisterProvider(coord Coord, providerID canon.Bytes32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.providersAt[coord]
	for _, p := range list {
		if p == providerID {
			return
		}
	}
	m.providersAt[coord] = append(list, providerID)

	e := edge{coord: coord, providerID: providerID}
	if _, ok := m.trails[e]; !ok {
		m.trails[e] = newTrail()
	}
}

// RemoveProvider drops providerID from every coordinate's provider list
// and deletes all of its trails.
func (m *Map) RemoveProvider(providerID canon.Bytes32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for coord, list := range m.providersAt {
		kept := list[:0]
		for _, p := range list {
			if p != providerID {
				kept = append(kept, p)
			}
		}
		m.providersAt[coord] = kept
	}
	for e := range m.trails {
		if e.providerID == providerID {
			delete(m.trails, e)
		}
	}
}

// ProvidersAt returns the providers registered at coord.
func (m *Map) ProvidersAt(coord Coord) []canon.Bytes32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]canon.Bytes32, len(m.providersAt[coord]))
	copy(out, m.providersAt[coord])
	return out
}

// PheromoneStrength returns the current decayed strength of the edge
// (coord, providerID), without persisting the decay — an on-demand
// computation so read-only callers don't need a write lock.
func (m *Map) PheromoneStrength(coord Coord, providerID canon.Bytes32) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := edge{coord: coord, providerID: providerID}
	trail, ok := m.trails[e]
	if !ok {
		return MinPheromone
	}
	elapsed := time.Since(trail.LastUpdate).Seconds()
	return math.Max(MinPheromone, trail.Strength*math.Exp(-DecayRate*elapsed))
}

// Deposit reinforces the edge's trail by amount, creating it if absent.
func (m *Map) Deposit(coord Coord, providerID canon.Bytes32, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := edge{coord: coord, providerID: providerID}
	trail, ok := m.trails[e]
	if !ok {
		trail = newTrail()
		m.trails[e] = trail
	}
	trail.deposit(amount)
}

// Evaporate weakens the edge's trail by amount. A trail that doesn't
// exist yet has nothing to evaporate from, so this is a no-op in that
// case rather than creating one at MinPheromone and immediately recording
// a failure against it.
func (m *Map) Evaporate(coord Coord, providerID canon.Bytes32, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := edge{coord: coord, providerID: providerID}
	if trail, ok := m.trails[e]; ok {
		trail.evaporate(amount)
	}
}

// TrailStats returns (successes, failures) for an edge, or ok=false if no
// trail exists yet.
func (m *Map) TrailStats(coord Coord, providerID canon.Bytes32) (successes, failures uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := edge{coord: coord, providerID: providerID}
	trail, found := m.trails[e]
	if !found {
		return 0, 0, false
	}
	return trail.Successes, trail.Failures, true
}

// GlobalDecay applies decay to every trail, used by the periodic
// maintenance task (spec §4.4).
func (m *Map) GlobalDecay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, trail := range m.trails {
		trail.decay()
	}
}

// Stats summarizes terrain map occupancy.
type Stats struct {
	TrailCount    int
	CoordCount    int
	ProviderCount int
	AvgPheromone  float64
}

// Stats computes a Stats snapshot.
func (m *Map) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	s.TrailCount = len(m.trails)
	s.CoordCount = len(m.providersAt)
	for _, list := range m.providersAt {
		s.ProviderCount += len(list)
	}
	if s.TrailCount > 0 {
		var sum float64
		for _, trail := range m.trails {
			sum += trail.Strength
		}
		s.AvgPheromone = sum / float64(s.TrailCount)
	}
	return s
}
