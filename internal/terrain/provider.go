package terrain

import (
	"sync"
	"time"

	"github.com/terraingossip/terraingossip/internal/canon"
)

// ProviderState is a router's view of one inference provider: identity,
// reputation, and the rolling performance counters the scorer reads.
type ProviderState struct {
	ID            canon.Bytes32
	ModelFamily   string
	Capabilities  uint64
	Reputation    float64
	LastSeen      time.Time
	Successes     uint64
	Failures      uint64
	AvgLatencyMs  float64
	Reachable     bool
}

// NewProviderState constructs a ProviderState starting at full reputation
// and reachable.
func NewProviderState(id canon.Bytes32, modelFamily string, capabilities uint64) *ProviderState {
	return &ProviderState{
		ID:           id,
		ModelFamily:  modelFamily,
		Capabilities: capabilities,
		Reputation:   1.0,
		LastSeen:     time.Now(),
		Reachable:    true,
	}
}

// RecordSuccess updates latency (exponential moving average, alpha=0.1),
// bumps reputation by 0.01 capped at 1.0, and marks the provider reachable.
func (p *ProviderState) RecordSuccess(latencyMs float64) {
	p.Successes++
	p.LastSeen = time.Now()
	p.Reachable = true

	if p.AvgLatencyMs == 0 {
		p.AvgLatencyMs = latencyMs
	} else {
		p.AvgLatencyMs = 0.9*p.AvgLatencyMs + 0.1*latencyMs
	}

	p.Reputation = minF(p.Reputation+0.01, 1.0)
}

// RecordFailure drops reputation by 0.05, floored at 0.0.
func (p *ProviderState) RecordFailure() {
	p.Failures++
	p.Reputation = maxF(p.Reputation-0.05, 0.0)
}

// MarkUnreachable flags the provider unreachable and drops reputation by
// 0.1, floored at 0.0.
func (p *ProviderState) MarkUnreachable() {
	p.Reachable = false
	p.Reputation = maxF(p.Reputation-0.1, 0.0)
}

// SuccessRate returns successes/(successes+failures), or 1.0 if the
// provider has never been observed — an unobserved provider gets the
// benefit of the doubt rather than being scored as unreliable.
func (p *ProviderState) SuccessRate() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 1.0
	}
	return float64(p.Successes) / float64(total)
}

// IsStale reports whether the provider hasn't been seen within maxAge.
func (p *ProviderState) IsStale(maxAge time.Duration) bool {
	return time.Since(p.LastSeen) > maxAge
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Registry indexes providers by ID and by model family, filtering
// lookups by a minimum reputation threshold.
type Registry struct {
	minReputation float64

	mu        sync.RWMutex
	providers map[canon.Bytes32]*ProviderState
	byModel   map[string][]canon.Bytes32
}

// NewRegistry constructs a provider Registry.
func NewRegistry(minReputation float64) *Registry {
	return &Registry{
		minReputation: minReputation,
		providers:     make(map[canon.Bytes32]*ProviderState),
		byModel:       make(map[string][]canon.Bytes32),
	}
}

// Register adds or refreshes a provider. An existing provider has its
// model family refreshed and last_seen bumped; a new one is indexed by
// model family.
func (r *Registry) Register(state *ProviderState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.providers[state.ID]; ok {
		existing.ModelFamily = state.ModelFamily
		existing.Capabilities = state.Capabilities
		existing.LastSeen = time.Now()
		existing.Reachable = true
		return
	}

	r.providers[state.ID] = state
	if state.ModelFamily != "" {
		r.byModel[state.ModelFamily] = append(r.byModel[state.ModelFamily], state.ID)
	}
}

// Remove deletes a provider from both indices.
func (r *Registry) Remove(id canon.Bytes32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.providers[id]
	if !ok {
		return
	}
	delete(r.providers, id)

	if state.ModelFamily != "" {
		list := r.byModel[state.ModelFamily]
		kept := list[:0]
		for _, pid := range list {
			if pid != id {
				kept = append(kept, pid)
			}
		}
		r.byModel[state.ModelFamily] = kept
	}
}

// Get returns the provider state for id.
func (r *Registry) Get(id canon.Bytes32) (*ProviderState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ByModel returns the providers registered for modelFamily that meet the
// minimum reputation threshold and are currently reachable.
func (r *Registry) ByModel(modelFamily string) []*ProviderState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ProviderState
	for _, id := range r.byModel[modelFamily] {
		p, ok := r.providers[id]
		if !ok {
			continue
		}
		if p.Reputation >= r.minReputation && p.Reachable {
			out = append(out, p)
		}
	}
	return out
}

// AllAvailable returns every provider above the reputation threshold and
// currently reachable, across all model families.
func (r *Registry) AllAvailable() []*ProviderState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ProviderState
	for _, p := range r.providers {
		if p.Reputation >= r.minReputation && p.Reachable {
			out = append(out, p)
		}
	}
	return out
}

// RecordSuccess and RecordFailure mutate provider state in place under
// the registry lock; MarkUnreachable does the same.

func (r *Registry) RecordSuccess(id canon.Bytes32, latencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[id]; ok {
		p.RecordSuccess(latencyMs)
	}
}

func (r *Registry) RecordFailure(id canon.Bytes32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[id]; ok {
		p.RecordFailure()
	}
}

func (r *Registry) MarkUnreachable(id canon.Bytes32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[id]; ok {
		p.MarkUnreachable()
	}
}

// PruneStale removes providers not seen within maxAge, returning the
// count removed.
func (r *Registry) PruneStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []canon.Bytes32
	for id, p := range r.providers {
		if p.IsStale(maxAge) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		state := r.providers[id]
		delete(r.providers, id)
		if state.ModelFamily != "" {
			list := r.byModel[state.ModelFamily]
			kept := list[:0]
			for _, pid := range list {
				if pid != id {
					kept = append(kept, pid)
				}
			}
			r.byModel[state.ModelFamily] = kept
		}
	}
	return len(stale)
}

// RegistryStats summarizes provider registry occupancy.
type RegistryStats struct {
	Total          int
	Reachable      int
	AboveThreshold int
}

// Stats computes a RegistryStats snapshot.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s RegistryStats
	s.Total = len(r.providers)
	for _, p := range r.providers {
		if p.Reachable {
			s.Reachable++
		}
		if p.Reputation >= r.minReputation {
			s.AboveThreshold++
		}
	}
	return s
}
