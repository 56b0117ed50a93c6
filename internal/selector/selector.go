// Package selector ranks providers for a request by blending static task
// affinity with live health. Scores order the failover walk; they never
// exclude a provider outright, because the executor's circuit breakers
// already guard genuinely broken upstreams.
package selector

import (
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// preferKeyPrefix marks caller-state keys that bias a specific provider,
// e.g. "prefer:openai": 0.3. Other keys are opaque and ignored.
const preferKeyPrefix = "prefer:"

// HealthSource supplies live provider health. The health oracle implements it.
type HealthSource interface {
	Health(provider string) float64
	RecentLatency(provider string) time.Duration
}

// Reranker optionally reorders a ranked list. The LUA plugin engine
// implements it; errors fall back to the built-in order.
type Reranker interface {
	Rerank(taskProfile string, ranked []string, health map[string]float64) ([]string, error)
}

// Candidate is one scored provider.
type Candidate struct {
	Provider string        `json:"provider"`
	Score    float64       `json:"score"`
	Affinity float64       `json:"affinity"`
	Health   float64       `json:"health"`
	Latency  time.Duration `json:"latency"`
}

// Config tunes the selector.
type Config struct {
	// HealthFloor is the minimum health weight, keeping every provider
	// rankable. Must be > 0.
	HealthFloor float64

	// Affinity maps task profile -> provider -> base weight. The "default"
	// row covers unknown profiles; absent providers weigh 1.0.
	Affinity map[string]map[string]float64
}

// Selector ranks the configured providers.
type Selector struct {
	health   HealthSource
	reranker Reranker

	mu        sync.RWMutex
	providers []string
	affinity  map[string]map[string]float64
	floor     float64
	bias      map[string]float64
}

// New creates a selector over the given providers in configured order.
func New(providers []string, cfg Config, health HealthSource) *Selector {
	floor := cfg.HealthFloor
	if floor <= 0 || floor >= 1 {
		floor = 0.15
	}
	return &Selector{
		health:    health,
		providers: append([]string(nil), providers...),
		affinity:  cfg.Affinity,
		floor:     floor,
		bias:      make(map[string]float64),
	}
}

// SetReranker installs an optional reranker; nil removes it.
func (s *Selector) SetReranker(r Reranker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reranker = r
}

// SetProviders replaces the provider list, typically on config reload.
func (s *Selector) SetProviders(providers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers = append([]string(nil), providers...)
}

// SetBias applies a multiplicative bias to one provider's score until
// changed again. factor 1.0 clears the bias. Automation hooks use this to
// nudge routing without touching config.
func (s *Selector) SetBias(provider string, factor float64) {
	if factor < 0 {
		factor = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if factor == 1.0 {
		delete(s.bias, provider)
		return
	}
	s.bias[provider] = factor
}

// Rank returns all providers ordered best-first for the task profile.
// The list is never empty while providers are configured; a fully unhealthy
// provider still ranks, just last.
func (s *Selector) Rank(taskProfile string, callerState map[string]float64) []string {
	detailed := s.RankDetailed(taskProfile, callerState)
	out := make([]string, len(detailed))
	for i, c := range detailed {
		out[i] = c.Provider
	}
	return out
}

// RankDetailed returns the full scored ranking. Ties on score break toward
// the lower recent latency, then provider name for determinism.
func (s *Selector) RankDetailed(taskProfile string, callerState map[string]float64) []Candidate {
	s.mu.RLock()
	providers := append([]string(nil), s.providers...)
	affinityRow := s.affinityRowLocked(taskProfile)
	floor := s.floor
	bias := make(map[string]float64, len(s.bias))
	for k, v := range s.bias {
		bias[k] = v
	}
	reranker := s.reranker
	s.mu.RUnlock()

	candidates := make([]Candidate, 0, len(providers))
	for _, name := range providers {
		affinity := 1.0
		if affinityRow != nil {
			if w, ok := affinityRow[name]; ok {
				affinity = w
			}
		}

		h := s.health.Health(name)
		// healthWeight is monotonic in health and floored above zero, so a
		// sick provider sinks in the ranking without vanishing from it.
		weight := floor + (1-floor)*h

		score := affinity * weight
		if f, ok := bias[name]; ok {
			score *= f
		}
		if v, ok := callerState[preferKeyPrefix+name]; ok && v > 0 {
			if v > 1 {
				v = 1
			}
			score *= 1 + v
		}

		candidates = append(candidates, Candidate{
			Provider: name,
			Score:    score,
			Affinity: affinity,
			Health:   h,
			Latency:  s.health.RecentLatency(name),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].Latency != candidates[j].Latency {
			return candidates[i].Latency < candidates[j].Latency
		}
		return candidates[i].Provider < candidates[j].Provider
	})

	if reranker != nil {
		candidates = s.applyReranker(reranker, taskProfile, candidates)
	}

	return candidates
}

// affinityRowLocked resolves the affinity row for a profile, falling back to
// the "default" row. Callers must hold s.mu.
func (s *Selector) affinityRowLocked(taskProfile string) map[string]float64 {
	if s.affinity == nil {
		return nil
	}
	if row, ok := s.affinity[strings.TrimSpace(taskProfile)]; ok {
		return row
	}
	return s.affinity["default"]
}

// applyReranker lets the plugin reorder candidates. The plugin can only
// permute: providers it drops are appended in built-in order, unknown names
// are ignored, and any error keeps the built-in order.
func (s *Selector) applyReranker(r Reranker, taskProfile string, candidates []Candidate) []Candidate {
	ranked := make([]string, len(candidates))
	healthByName := make(map[string]float64, len(candidates))
	byName := make(map[string]Candidate, len(candidates))
	for i, c := range candidates {
		ranked[i] = c.Provider
		healthByName[c.Provider] = c.Health
		byName[c.Provider] = c
	}

	reranked, err := r.Rerank(taskProfile, ranked, healthByName)
	if err != nil {
		log.Warnf("selector: reranker failed, keeping built-in order: %v", err)
		return candidates
	}

	out := make([]Candidate, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, name := range reranked {
		c, ok := byName[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, c)
	}
	for _, c := range candidates {
		if !seen[c.Provider] {
			out = append(out, c)
		}
	}
	return out
}
