package terrain

import (
	"math"
	"testing"
	"time"

	"github.com/terraingossip/terraingossip/internal/canon"
)

func approxEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func providerID(b byte) canon.Bytes32 {
	var id canon.Bytes32
	id[0] = b
	return id
}

// TestPheromoneFeedbackScenario implements the literal end-to-end scenario
// from the testable properties: starting at MinPheromone, a deposit(5.0)
// raises strength to ~5.1, then (after ten seconds of decay) an
// evaporate(1.0) leaves strength at ~3.62 with one success and one
// failure recorded.
func TestPheromoneFeedbackScenario(t *testing.T) {
	m := NewMap()
	coord := NewCoord("gpt-family", 0)
	provider := providerID(1)

	m.RegisterProvider(coord, provider)
	m.Deposit(coord, provider, 5.0)

	strength := m.PheromoneStrength(coord, provider)
	if !approxEqual(strength, 5.1, 0.01) {
		t.Fatalf("after deposit: strength = %v, want ~5.1", strength)
	}

	// Rather than sleeping 10s, fast-forward the trail's last_update.
	e := edge{coord: coord, providerID: provider}
	m.mu.Lock()
	m.trails[e].LastUpdate = time.Now().Add(-10 * time.Second)
	m.mu.Unlock()

	m.Evaporate(coord, provider, 1.0)

	want := math.Max(MinPheromone, 5.1*math.Exp(-DecayRate*10)-1.0)
	got := m.PheromoneStrength(coord, provider)
	if !approxEqual(got, want, 0.01) {
		t.Fatalf("after evaporate: strength = %v, want ~%v", got, want)
	}

	successes, failures, ok := m.TrailStats(coord, provider)
	if !ok {
		t.Fatal("expected trail to exist")
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("successes=%d failures=%d, want 1,1", successes, failures)
	}
}

func TestDepositCapsAtMaxPheromone(t *testing.T) {
	m := NewMap()
	coord := NewCoord("family", 0)
	provider := providerID(2)
	m.RegisterProvider(coord, provider)

	for i := 0; i < 50; i++ {
		m.Deposit(coord, provider, 10.0)
	}

	if got := m.PheromoneStrength(coord, provider); got > MaxPheromone {
		t.Fatalf("strength %v exceeds MaxPheromone %v", got, MaxPheromone)
	}
}

func TestEvaporateFloorsAtMinPheromone(t *testing.T) {
	m := NewMap()
	coord := NewCoord("family", 0)
	provider := providerID(3)
	m.RegisterProvider(coord, provider)

	for i := 0; i < 50; i++ {
		m.Evaporate(coord, provider, 10.0)
	}

	if got := m.PheromoneStrength(coord, provider); got < MinPheromone {
		t.Fatalf("strength %v fell below MinPheromone %v", got, MinPheromone)
	}
}

func TestEvaporateOnUnknownEdgeIsNoop(t *testing.T) {
	m := NewMap()
	coord := NewCoord("family", 0)
	provider := providerID(4)

	m.Evaporate(coord, provider, 1.0)

	if _, _, ok := m.TrailStats(coord, provider); ok {
		t.Fatal("expected no trail to be created by evaporating an unknown edge")
	}
}

func TestRemoveProviderClearsTrailsAndIndex(t *testing.T) {
	m := NewMap()
	coord := NewCoord("family", 0)
	provider := providerID(5)

	m.RegisterProvider(coord, provider)
	m.Deposit(coord, provider, 1.0)
	m.RemoveProvider(provider)

	if list := m.ProvidersAt(coord); len(list) != 0 {
		t.Fatalf("expected no providers at coord after removal, got %v", list)
	}
	if _, _, ok := m.TrailStats(coord, provider); ok {
		t.Fatal("expected trail to be gone after provider removal")
	}
}

func TestStatsReportsOccupancy(t *testing.T) {
	m := NewMap()
	coord := NewCoord("family", 0)
	m.RegisterProvider(coord, providerID(6))
	m.RegisterProvider(coord, providerID(7))

	s := m.Stats()
	if s.TrailCount != 2 || s.CoordCount != 1 || s.ProviderCount != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}
