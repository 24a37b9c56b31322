// Package health tracks per-account health from call outcomes and probes,
// and gates eligibility with a cooldown-based circuit breaker.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pillarhq/ai-router/internal/adapter/observability"
	"github.com/pillarhq/ai-router/internal/domain"
)

const (
	// errorRateDecay smooths the rolling error rate:
	// errorRate' = decay*errorRate + (1-decay)*outcome.
	errorRateDecay = 0.8
	// degradedErrorRate is the smoothed error rate above which a healthy
	// account is reported as degraded.
	degradedErrorRate = 0.3
)

// Monitor owns all mutation of account health state.
type Monitor struct {
	mu        sync.Mutex
	cooldown  time.Duration
	threshold int
	now       func() time.Time
}

// New constructs a Monitor. cooldown is how long a tripped breaker keeps the
// account out of the pool; threshold is the consecutive-failure count that
// trips it without an explicit 429.
func New(cooldown time.Duration, threshold int) *Monitor {
	return NewWithClock(cooldown, threshold, time.Now)
}

// NewWithClock constructs a Monitor with an injected clock for tests.
func NewWithClock(cooldown time.Duration, threshold int, now func() time.Time) *Monitor {
	if threshold <= 0 {
		threshold = 3
	}
	return &Monitor{cooldown: cooldown, threshold: threshold, now: now}
}

// RecordOutcome folds one call outcome into the account's health. Latency is
// only meaningful for successful calls; pass 0 otherwise.
func (m *Monitor) RecordOutcome(acc *domain.Account, success bool, latencyMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := &acc.Health
	fail := 1.0
	if success {
		fail = 0.0
	}
	h.ErrorRate = errorRateDecay*h.ErrorRate + (1-errorRateDecay)*fail
	h.Healthy = success
	h.LastProbe = m.now()

	if success {
		h.ConsecFails = 0
		if latencyMs > 0 {
			if h.AvgLatencyMs == 0 {
				h.AvgLatencyMs = float64(latencyMs)
			} else {
				h.AvgLatencyMs = errorRateDecay*h.AvgLatencyMs + (1-errorRateDecay)*float64(latencyMs)
			}
		}
		h.Status = domain.HealthHealthy
		if h.ErrorRate > degradedErrorRate {
			h.Status = domain.HealthDegraded
		}
	} else {
		h.ConsecFails++
		h.Status = domain.HealthDegraded
		if h.ConsecFails >= m.threshold {
			m.tripLocked(acc, "consecutive failures")
		}
	}
	observability.ObserveAccountHealth(acc.ProviderID, acc.ID, h.Healthy, h.BreakerOpen)
}

// TripBreaker opens the account's circuit breaker immediately, used on an
// explicit vendor 429. The account leaves the pool until the cooldown
// deadline passes.
func (m *Monitor) TripBreaker(acc *domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tripLocked(acc, "vendor rate limit")
	observability.ObserveAccountHealth(acc.ProviderID, acc.ID, acc.Health.Healthy, true)
}

func (m *Monitor) tripLocked(acc *domain.Account, reason string) {
	h := &acc.Health
	h.BreakerOpen = true
	h.BreakerUntil = m.now().Add(m.cooldown)
	h.Status = domain.HealthFailed
	acc.Active = false
	slog.Warn("circuit breaker opened",
		slog.String("provider", acc.ProviderID),
		slog.String("account", acc.ID),
		slog.String("reason", reason),
		slog.Time("until", h.BreakerUntil))
}

// IsEligible reports whether the account may serve traffic. A breaker whose
// cooldown deadline has passed closes here, lazily, re-admitting the account
// half-open: the next real call updates health normally.
func (m *Monitor) IsEligible(acc *domain.Account) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := &acc.Health
	if h.BreakerOpen {
		if m.now().Before(h.BreakerUntil) {
			return false
		}
		h.BreakerOpen = false
		h.BreakerUntil = time.Time{}
		h.ConsecFails = 0
		h.Status = domain.HealthDegraded
		acc.Active = true
		slog.Info("circuit breaker cooldown elapsed, account re-admitted",
			slog.String("provider", acc.ProviderID),
			slog.String("account", acc.ID))
		observability.ObserveAccountHealth(acc.ProviderID, acc.ID, h.Healthy, false)
	}
	return acc.Active
}
