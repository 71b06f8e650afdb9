package terrain

import (
	"testing"

	"github.com/terraingossip/terraingossip/internal/canon"
	"github.com/terraingossip/terraingossip/internal/tgerr"
)

func testProvider(id byte, reputation float64, modelFamily string) *ProviderState {
	p := NewProviderState(providerID(id), modelFamily, 0)
	p.Reputation = reputation
	return p
}

func TestScoreReflectsReputation(t *testing.T) {
	scorer := NewScorer(DefaultScoringWeights(), 0.8)
	m := NewMap()
	coord := NewCoord("llama-3", 1)

	p := testProvider(1, 0.9, "llama-3")
	scored := scorer.Score(p, coord, m)

	if scored.Score <= 0 {
		t.Fatalf("expected positive score, got %v", scored.Score)
	}
	if scored.Components.Reputation != 0.9 {
		t.Fatalf("reputation component = %v, want 0.9", scored.Components.Reputation)
	}
}

func TestRankOrdersByScoreDescending(t *testing.T) {
	scorer := NewScorer(DefaultScoringWeights(), 0.8)
	m := NewMap()
	coord := NewCoord("llama-3", 1)

	providers := []*ProviderState{
		testProvider(1, 0.3, "llama-3"),
		testProvider(2, 0.9, "llama-3"),
		testProvider(3, 0.6, "llama-3"),
	}

	ranked := scorer.Rank(providers, coord, m)
	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked providers, got %d", len(ranked))
	}
	if ranked[0].ID != providerID(2) {
		t.Fatalf("expected provider 2 to rank first, got %v", ranked[0].ID)
	}
	if ranked[0].Score < ranked[1].Score || ranked[1].Score < ranked[2].Score {
		t.Fatal("expected descending score order")
	}
}

// TestRankTieBreaksByProviderID verifies the deterministic tie-break
// added over the reference behavior: providers with identical scores
// always sort in a stable order by ascending provider ID.
func TestRankTieBreaksByProviderID(t *testing.T) {
	scorer := NewScorer(DefaultScoringWeights(), 0.8)
	m := NewMap()
	coord := NewCoord("llama-3", 1)

	providers := []*ProviderState{
		testProvider(9, 0.5, "llama-3"),
		testProvider(2, 0.5, "llama-3"),
		testProvider(5, 0.5, "llama-3"),
	}

	for i := 0; i < 5; i++ {
		ranked := scorer.Rank(providers, coord, m)
		if ranked[0].ID != providerID(2) || ranked[1].ID != providerID(5) || ranked[2].ID != providerID(9) {
			t.Fatalf("run %d: expected stable ascending-ID tie-break order, got %v, %v, %v",
				i, ranked[0].ID, ranked[1].ID, ranked[2].ID)
		}
	}
}

func TestSelectTopBoundsToAvailable(t *testing.T) {
	scorer := NewScorer(DefaultScoringWeights(), 0.8)
	m := NewMap()
	coord := NewCoord("llama-3", 1)
	providers := []*ProviderState{testProvider(1, 0.5, "llama-3")}

	top := scorer.SelectTop(providers, coord, m, 5)
	if len(top) != 1 {
		t.Fatalf("expected 1 result when fewer providers than n, got %d", len(top))
	}
}

func TestProbabilisticSelectReturnsAProvider(t *testing.T) {
	scorer := NewScorer(DefaultScoringWeights(), 0.8)
	m := NewMap()
	coord := NewCoord("llama-3", 1)
	providers := []*ProviderState{
		testProvider(1, 0.9, "llama-3"),
		testProvider(2, 0.1, "llama-3"),
	}

	sp, ok := scorer.ProbabilisticSelect(providers, coord, m)
	if !ok {
		t.Fatal("expected a selection")
	}
	if sp.ID != providerID(1) && sp.ID != providerID(2) {
		t.Fatalf("unexpected selection: %v", sp.ID)
	}
}

func TestProbabilisticSelectEmptyReturnsFalse(t *testing.T) {
	scorer := NewScorer(DefaultScoringWeights(), 0.8)
	m := NewMap()
	coord := NewCoord("llama-3", 1)

	if _, ok := scorer.ProbabilisticSelect(nil, coord, m); ok {
		t.Fatal("expected no selection from an empty provider list")
	}
}

func TestRouteRequestReturnsTopAndAlternatives(t *testing.T) {
	scorer := NewScorer(DefaultScoringWeights(), 0.8)
	m := NewMap()
	coord := NewCoord("llama-3", 1)
	registry := NewRegistry(0.0)

	for i := byte(1); i <= 6; i++ {
		p := NewProviderState(providerID(i), "llama-3", 0)
		p.Reputation = float64(i) / 10.0
		registry.Register(p)
	}

	result, err := RouteRequest(scorer, registry, m, coord, "llama-3", nil, 0)
	if err != nil {
		t.Fatalf("RouteRequest: %v", err)
	}
	if result.Primary.ID != providerID(6) {
		t.Fatalf("expected provider 6 (highest reputation) to be primary, got %v", result.Primary.ID)
	}
	if len(result.Alternatives) != 3 {
		t.Fatalf("expected 3 alternatives, got %d", len(result.Alternatives))
	}
}

func TestRouteRequestExcludesListedProviders(t *testing.T) {
	scorer := NewScorer(DefaultScoringWeights(), 0.8)
	m := NewMap()
	coord := NewCoord("llama-3", 1)
	registry := NewRegistry(0.0)

	p1 := NewProviderState(providerID(1), "llama-3", 0)
	p1.Reputation = 0.9
	p2 := NewProviderState(providerID(2), "llama-3", 0)
	p2.Reputation = 0.5
	registry.Register(p1)
	registry.Register(p2)

	exclude := map[canon.Bytes32]bool{providerID(1): true}
	result, err := RouteRequest(scorer, registry, m, coord, "llama-3", exclude, 0)
	if err != nil {
		t.Fatalf("RouteRequest: %v", err)
	}
	if result.Primary.ID != providerID(2) {
		t.Fatalf("expected excluded provider to be skipped, got primary %v", result.Primary.ID)
	}
}

func TestRouteRequestNoProvidersErrorsWithModelFamily(t *testing.T) {
	scorer := NewScorer(DefaultScoringWeights(), 0.8)
	m := NewMap()
	coord := NewCoord("llama-3", 1)
	registry := NewRegistry(0.0)

	_, err := RouteRequest(scorer, registry, m, coord, "llama-3", nil, 0)
	if err == nil {
		t.Fatal("expected NoProviders error")
	}
	if !tgerr.Is(err, tgerr.KindState, "NoProviders") {
		t.Fatalf("expected NoProviders error, got %v", err)
	}
}
