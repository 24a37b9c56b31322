// Package ratelimit implements per-account fixed-window budget accounting.
//
// Each account tracks a 60-second window with a reset time. Counters reset
// lazily on the first check after the window elapses; bursts are possible at
// window boundaries, a tradeoff accepted for simplicity over a true sliding
// window.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pillarhq/ai-router/internal/domain"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	dayWindow    = 24 * time.Hour
)

// Limiter performs admission checks and usage accounting against account
// ceilings. It is pure accounting: no I/O, no timers. All methods are safe
// for concurrent use; callers that share accounts across goroutines must
// still serialize account mutation (the dispatcher does).
type Limiter struct {
	mu  sync.Mutex
	now func() time.Time
}

// New constructs a Limiter using the wall clock.
func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock constructs a Limiter with an injected clock for tests.
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{now: now}
}

// ResetIfWindowElapsed lazily advances the account's windows. Each elapsed
// window zeroes its counters and moves the reset time forward.
func (l *Limiter) ResetIfWindowElapsed(acc *domain.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(acc)
}

func (l *Limiter) resetLocked(acc *domain.Account) {
	now := l.now()
	u := &acc.Usage
	if u.WindowReset.IsZero() {
		u.WindowReset = now.Add(minuteWindow)
		u.HourReset = now.Add(hourWindow)
		u.DayReset = now.Add(dayWindow)
		u.LastReset = now
		return
	}
	if !now.Before(u.WindowReset) {
		u.RequestsInWindow = 0
		u.TokensInWindow = 0
		u.LastReset = now
		for !now.Before(u.WindowReset) {
			u.WindowReset = u.WindowReset.Add(minuteWindow)
		}
	}
	if !now.Before(u.HourReset) {
		u.RequestsInHour = 0
		for !now.Before(u.HourReset) {
			u.HourReset = u.HourReset.Add(hourWindow)
		}
	}
	if !now.Before(u.DayReset) {
		u.RequestsInDay = 0
		for !now.Before(u.DayReset) {
			u.DayReset = u.DayReset.Add(dayWindow)
		}
	}
}

// CanAdmit reports whether the account has headroom for one more request
// carrying estimatedTokens. Check-only: the window reset is the only state
// it may touch.
func (l *Limiter) CanAdmit(acc *domain.Account, estimatedTokens int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(acc)

	c := acc.Ceiling
	u := acc.Usage
	if c.RequestsPerMinute > 0 && u.RequestsInWindow >= c.RequestsPerMinute {
		return false
	}
	if c.TokensPerMinute > 0 && u.TokensInWindow+estimatedTokens >= c.TokensPerMinute {
		return false
	}
	if c.RequestsPerHour > 0 && u.RequestsInHour >= c.RequestsPerHour {
		return false
	}
	if c.RequestsPerDay > 0 && u.RequestsInDay >= c.RequestsPerDay {
		return false
	}
	return true
}

// RecordUsage accounts one completed call, success or failure that still
// consumed provider-side tokens. It is the sole mutator of usage counters and
// must be called exactly once per completed call.
func (l *Limiter) RecordUsage(acc *domain.Account, actualTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(acc)

	u := &acc.Usage
	u.RequestsInWindow++
	u.TokensInWindow += actualTokens
	u.RequestsInHour++
	u.RequestsInDay++

	if acc.Ceiling.RequestsPerMinute > 0 && u.RequestsInWindow > acc.Ceiling.RequestsPerMinute {
		// Admission should make this unreachable; a violation is a bug.
		slog.Error("rate window overflow",
			slog.String("account", acc.ID),
			slog.Int("requests_in_window", u.RequestsInWindow),
			slog.Int("requests_per_minute", acc.Ceiling.RequestsPerMinute))
	}
}

// ReplaceEstimate swaps the pre-call token estimate for the actual usage
// reported by the provider once the call completes. If the window rolled over
// while the call was in flight the adjustment is dropped; the stale estimate
// was already zeroed with the window.
func (l *Limiter) ReplaceEstimate(acc *domain.Account, estimated, actual int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(acc)

	u := &acc.Usage
	if u.TokensInWindow < estimated {
		return
	}
	u.TokensInWindow += actual - estimated
	if u.TokensInWindow < 0 {
		u.TokensInWindow = 0
	}
}
