package terrain

import (
	"math/rand"
	"sort"

	"github.com/terraingossip/terraingossip/internal/canon"
	"github.com/terraingossip/terraingossip/internal/tgerr"
)

// ScoringWeights controls how much each component contributes to a
// provider's final score. The defaults match the FAH reference weighting.
type ScoringWeights struct {
	Pheromone   float64
	Reputation  float64
	SuccessRate float64
	Latency     float64
	Exploration float64
}

// DefaultScoringWeights returns the standard weighting.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		Pheromone:   0.3,
		Reputation:  0.25,
		SuccessRate: 0.2,
		Latency:     0.15,
		Exploration: 0.1,
	}
}

// ScoreComponents breaks a score down for observability.
type ScoreComponents struct {
	Pheromone   float64
	Reputation  float64
	SuccessRate float64
	Latency     float64
	Exploration float64
}

// ScoredProvider pairs a provider ID with its computed score.
type ScoredProvider struct {
	ID         canon.Bytes32
	Score      float64
	Components ScoreComponents
}

// Scorer ranks providers for a terrain coordinate using a weighted blend
// of pheromone strength, reputation, observed success rate, latency, and
// an exploration bonus for under-used providers.
type Scorer struct {
	weights ScoringWeights
	alpha   float64
}

// NewScorer constructs a Scorer. alpha trades exploitation (weight 1) for
// exploration (weight 0): the exploration component is scaled by
// (1 - alpha).
func NewScorer(weights ScoringWeights, alpha float64) *Scorer {
	return &Scorer{weights: weights, alpha: alpha}
}

// Score computes a single provider's weighted score at coord.
func (s *Scorer) Score(provider *ProviderState, coord Coord, terrain *Map) ScoredProvider {
	pheromoneRaw := terrain.PheromoneStrength(coord, provider.ID)
	pheromone := minF(pheromoneRaw/MaxPheromone, 1.0)

	reputation := provider.Reputation
	successRate := provider.SuccessRate()

	var latency float64
	if provider.AvgLatencyMs > 0 {
		latency = minF(1000.0/provider.AvgLatencyMs, 1.0)
	} else {
		latency = 0.5
	}

	totalUsage := provider.Successes + provider.Failures
	var exploration float64
	switch {
	case totalUsage < 10:
		exploration = 1.0
	case totalUsage < 100:
		exploration = 0.5
	default:
		exploration = 0.1
	}

	score := s.weights.Pheromone*pheromone +
		s.weights.Reputation*reputation +
		s.weights.SuccessRate*successRate +
		s.weights.Latency*latency +
		s.weights.Exploration*exploration*(1.0-s.alpha)

	return ScoredProvider{
		ID:    provider.ID,
		Score: score,
		Components: ScoreComponents{
			Pheromone:   pheromone,
			Reputation:  reputation,
			SuccessRate: successRate,
			Latency:     latency,
			Exploration: exploration,
		},
	}
}

// Rank scores every provider and sorts descending by score, breaking ties
// by ascending provider ID so that repeated calls against unchanged
// inputs always produce the same order.
func (s *Scorer) Rank(providers []*ProviderState, coord Coord, terrain *Map) []ScoredProvider {
	scored := make([]ScoredProvider, len(providers))
	for i, p := range providers {
		scored[i] = s.Score(p, coord, terrain)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return canon.CompareBytes32(scored[i].ID, scored[j].ID) < 0
	})

	return scored
}

// SelectTop returns the n highest-ranked providers.
func (s *Scorer) SelectTop(providers []*ProviderState, coord Coord, terrain *Map, n int) []ScoredProvider {
	ranked := s.Rank(providers, coord, terrain)
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

// ProbabilisticSelect picks one provider with probability proportional to
// its score (a cumulative-sum draw over the ranked list). If
// every score is non-positive it falls back to the top-ranked provider.
func (s *Scorer) ProbabilisticSelect(providers []*ProviderState, coord Coord, terrain *Map) (ScoredProvider, bool) {
	ranked := s.Rank(providers, coord, terrain)
	if len(ranked) == 0 {
		return ScoredProvider{}, false
	}

	var total float64
	for _, sp := range ranked {
		total += sp.Score
	}
	if total <= 0 {
		return ranked[0], true
	}

	threshold := rand.Float64() * total
	var cumulative float64
	for _, sp := range ranked {
		cumulative += sp.Score
		if cumulative >= threshold {
			return sp, true
		}
	}
	return ranked[len(ranked)-1], true
}

// RouteResult is the outcome of routing an inference request to
// providers: a primary pick plus a bounded set of alternatives to retry
// against on failure.
type RouteResult struct {
	Primary      ScoredProvider
	Alternatives []ScoredProvider
}

// maxAlternatives bounds how many fallback providers RouteRequest returns
// alongside the primary pick.
const maxAlternatives = 3

// RouteRequest filters the registry's providers for modelFamily by
// reputation, reachability, an exclusion set, and an optional maximum
// latency, ranks the survivors, and returns the top pick plus up to three
// alternatives. It fails with NoProviders if nothing qualifies.
func RouteRequest(
	scorer *Scorer,
	registry *Registry,
	terrain *Map,
	coord Coord,
	modelFamily string,
	exclude map[canon.Bytes32]bool,
	maxLatencyMs float64,
) (RouteResult, error) {
	candidates := registry.ByModel(modelFamily)

	var filtered []*ProviderState
	for _, p := range candidates {
		if exclude != nil && exclude[p.ID] {
			continue
		}
		if maxLatencyMs > 0 && p.AvgLatencyMs > maxLatencyMs {
			continue
		}
		filtered = append(filtered, p)
	}

	if len(filtered) == 0 {
		return RouteResult{}, tgerr.NoProviders(modelFamily)
	}

	ranked := scorer.Rank(filtered, coord, terrain)
	result := RouteResult{Primary: ranked[0]}
	end := 1 + maxAlternatives
	if end > len(ranked) {
		end = len(ranked)
	}
	result.Alternatives = ranked[1:end]
	return result, nil
}
