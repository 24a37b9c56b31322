// Package selector scores eligible accounts and picks one per routing
// strategy.
package selector

import (
	"sync/atomic"
	"time"

	"github.com/pillarhq/ai-router/internal/config"
	"github.com/pillarhq/ai-router/internal/domain"
)

// Strategy names accepted by the selector.
const (
	StrategyWeighted   = "weighted"
	StrategyRoundRobin = "round-robin"
	// StrategyAdaptive is reserved for cost-aware extensions; it currently
	// behaves exactly like weighted.
	StrategyAdaptive = "adaptive"
)

// latencyCeilingMs is the latency at which latencyScore bottoms out at 0.
const latencyCeilingMs = 10000.0

// Eligibility gates an account for selection. The router wires these to the
// health monitor and rate limiter.
type Eligibility struct {
	IsEligible func(*domain.Account) bool
	CanAdmit   func(*domain.Account, int) bool
	// Guard serializes usage/health field access with concurrent writers.
	// Nil means direct access (single-threaded pools, tests).
	Guard func(*domain.Account, func())
}

// Selector picks one account from a pool.
type Selector struct {
	weights  config.ScoreWeights
	strategy string
	gates    Eligibility
	rrIndex  atomic.Uint64
}

// New constructs a Selector. Unknown strategies fall back to weighted.
func New(weights config.ScoreWeights, strategy string, gates Eligibility) *Selector {
	switch strategy {
	case StrategyWeighted, StrategyRoundRobin, StrategyAdaptive:
	default:
		strategy = StrategyWeighted
	}
	return &Selector{weights: weights, strategy: strategy, gates: gates}
}

// Select filters the pool to admissible accounts, optionally narrowed to
// preferredProvider, and returns the chosen account or nil when nothing has
// capacity.
func (s *Selector) Select(pool []*domain.Account, preferredProvider string, estimatedTokens int) *domain.Account {
	type candidate struct {
		acc       *domain.Account
		score     float64
		lastReset time.Time
	}
	scoring := s.strategy != StrategyRoundRobin
	eligible := make([]candidate, 0, len(pool))
	for _, acc := range pool {
		if preferredProvider != "" && acc.ProviderID != preferredProvider {
			continue
		}
		// Gating and scoring read live usage/health fields; both run under
		// the guard so a concurrent completion cannot interleave.
		var c candidate
		s.guarded(acc, func() {
			if !acc.Active {
				return
			}
			if s.gates.IsEligible != nil && !s.gates.IsEligible(acc) {
				return
			}
			if s.gates.CanAdmit != nil && !s.gates.CanAdmit(acc, estimatedTokens) {
				return
			}
			c.acc = acc
			if scoring {
				c.score = s.Score(acc)
				c.lastReset = acc.Usage.LastReset
			}
		})
		if c.acc != nil {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	if !scoring {
		idx := s.rrIndex.Add(1) - 1
		return eligible[idx%uint64(len(eligible))].acc
	}

	best := eligible[0]
	for _, c := range eligible[1:] {
		switch {
		case c.score > best.score:
			best = c
		case c.score == best.score:
			// Tie-break: oldest-served-first for fairness.
			if c.lastReset.Before(best.lastReset) {
				best = c
			}
		}
	}
	return best.acc
}

func (s *Selector) guarded(acc *domain.Account, fn func()) {
	if s.gates.Guard != nil {
		s.gates.Guard(acc, fn)
		return
	}
	fn()
}

// Score computes the composite account score in [0,1].
func (s *Selector) Score(acc *domain.Account) float64 {
	return s.weights.Capacity*capacityScore(acc) +
		s.weights.Health*healthScore(acc) +
		s.weights.Latency*latencyScore(acc) +
		s.weights.Error*errorScore(acc)
}

// capacityScore is 1 minus the worse of the request/token usage ratios.
func capacityScore(acc *domain.Account) float64 {
	reqRatio := ratio(acc.Usage.RequestsInWindow, acc.Ceiling.RequestsPerMinute)
	tokRatio := ratio(acc.Usage.TokensInWindow, acc.Ceiling.TokensPerMinute)
	worst := reqRatio
	if tokRatio > worst {
		worst = tokRatio
	}
	return 1 - worst
}

func healthScore(acc *domain.Account) float64 {
	if acc.Health.Healthy {
		return 1
	}
	return 0
}

func latencyScore(acc *domain.Account) float64 {
	s := 1 - acc.Health.AvgLatencyMs/latencyCeilingMs
	if s < 0 {
		return 0
	}
	return s
}

func errorScore(acc *domain.Account) float64 {
	s := 1 - acc.Health.ErrorRate
	if s < 0 {
		return 0
	}
	return s
}

func ratio(used, ceiling int) float64 {
	if ceiling <= 0 {
		return 0
	}
	r := float64(used) / float64(ceiling)
	if r > 1 {
		return 1
	}
	return r
}
