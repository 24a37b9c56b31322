package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/pillarhq/ai-router/internal/adapter/observability"
	"github.com/pillarhq/ai-router/internal/config"
	"github.com/pillarhq/ai-router/internal/domain"
	"github.com/pillarhq/ai-router/internal/service/health"
	"github.com/pillarhq/ai-router/internal/service/ratelimit"
	"github.com/pillarhq/ai-router/internal/service/selector"
)

// Dispatcher runs the single coordinating loop: it pops the highest-priority
// ready request, selects an account, reserves its budget and fires the
// provider call on its own goroutine. Selection and all account bookkeeping
// happen serially in the loop or under the per-account lock; only the network
// call itself is concurrent.
type Dispatcher struct {
	cfg      config.Config
	queue    *Queue
	sel      *selector.Selector
	limiter  *ratelimit.Limiter
	shared   *ratelimit.SharedLimiter
	monitor  *health.Monitor
	registry domain.AccountRegistry
	adapters map[string]domain.ProviderAdapter
	sem      *semaphore.Weighted
	wake     chan struct{}
	now      func() time.Time
	locks    *accountLocks
}

// NewDispatcher wires a Dispatcher; the queue is owned by it from here on.
// locks is the per-account serialization shared with everything else that
// reads account usage/health (selection gates, stats).
func NewDispatcher(
	cfg config.Config,
	queue *Queue,
	sel *selector.Selector,
	limiter *ratelimit.Limiter,
	shared *ratelimit.SharedLimiter,
	monitor *health.Monitor,
	registry domain.AccountRegistry,
	adapters map[string]domain.ProviderAdapter,
	locks *accountLocks,
) *Dispatcher {
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 32
	}
	if locks == nil {
		locks = newAccountLocks()
	}
	return &Dispatcher{
		cfg:      cfg,
		queue:    queue,
		sel:      sel,
		limiter:  limiter,
		shared:   shared,
		monitor:  monitor,
		registry: registry,
		adapters: adapters,
		sem:      semaphore.NewWeighted(maxConc),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
		locks:    locks,
	}
}

// Wake nudges the loop after a push so it does not sit out a full backoff.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run processes the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	sweep := time.NewTicker(d.cfg.QueueSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-sweep.C:
			d.sweepExpired(ctx)
		default:
		}

		item := d.queue.PopReady(d.now())
		if item == nil {
			wait := d.cfg.NoCapacityBackoff
			if in, ok := d.queue.NextReadyIn(d.now()); ok && in > 0 && in < wait {
				wait = in
			}
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
			case <-sweep.C:
				d.sweepExpired(ctx)
			case <-time.After(wait):
			}
			continue
		}

		if item.Expired(d.now(), d.cfg.QueueTTL) {
			d.reject(item, fmt.Errorf("op=dispatch: %w: queued for %s", domain.ErrTimeout, d.cfg.QueueTTL))
			continue
		}

		if done := d.tryDispatch(ctx, item); !done {
			// No capacity right now: put the item back and back off briefly.
			// This is the backpressure path when all accounts are saturated.
			d.queue.Push(item)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.NoCapacityBackoff):
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// tryDispatch selects an account and fires the call. It returns false when
// the request should be requeued for lack of capacity.
func (d *Dispatcher) tryDispatch(ctx context.Context, item *domain.QueuedRequest) bool {
	pool, err := d.registry.List(ctx, "")
	if err != nil {
		slog.Error("dispatch: list accounts failed", slog.Any("error", err))
		return false
	}

	acc := d.sel.Select(pool, item.PreferredProvider, item.EstimatedTokens)
	if acc == nil {
		if !poolCouldServe(pool, item.PreferredProvider) {
			// Nothing will ever serve this request; surface NoCapacity now
			// instead of burning the TTL.
			d.reject(item, fmt.Errorf("op=dispatch: %w: no eligible accounts", domain.ErrNoCapacity))
			return true
		}
		return false
	}

	if d.shared != nil {
		allowed, retryAfter, _ := d.shared.Allow(ctx, acc.ID, 1)
		if !allowed {
			slog.Debug("shared limiter denied account",
				slog.String("account", acc.ID),
				slog.Duration("retry_after", retryAfter))
			return false
		}
	}

	adapter, ok := d.adapters[acc.ProviderID]
	if !ok {
		slog.Error("dispatch: no adapter for provider", slog.String("provider", acc.ProviderID))
		return false
	}

	// Reserve the budget inside the coordinator so admission decisions stay
	// serialized; the estimate is reconciled with actual usage on completion.
	d.withAccount(acc, func() {
		d.limiter.RecordUsage(acc, item.EstimatedTokens)
	})
	d.persist(ctx, acc)

	item.State = domain.RequestDispatched
	go d.execute(item, adapter, acc)
	return true
}

// execute performs one provider call. It deliberately runs off a background
// context: a caller that stopped waiting must not abort the call, otherwise
// rate-limit accounting for tokens the vendor already consumed would be lost.
func (d *Dispatcher) execute(item *domain.QueuedRequest, adapter domain.ProviderAdapter, acc *domain.Account) {
	if err := d.sem.Acquire(context.Background(), 1); err != nil {
		d.fail(item, acc, err)
		return
	}
	defer d.sem.Release(1)

	callCtx, cancel := context.WithTimeout(context.Background(), d.cfg.DispatchTimeout)
	defer cancel()

	start := d.now()
	resp, err := adapter.Execute(callCtx, acc, item.Request, item.OnToken)
	latency := d.now().Sub(start)
	observability.RouterDispatchDuration.WithLabelValues(acc.ProviderID, acc.ID).Observe(latency.Seconds())

	bgCtx := context.Background()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("op=dispatch: %w: provider call exceeded %s", domain.ErrTimeout, d.cfg.DispatchTimeout)
		}
		d.withAccount(acc, func() {
			d.monitor.RecordOutcome(acc, false, 0)
			if errors.Is(err, domain.ErrRateLimited) {
				d.monitor.TripBreaker(acc)
			}
		})
		d.persist(bgCtx, acc)
		observability.RouterRequestsTotal.WithLabelValues(acc.ProviderID, acc.ID, "failure").Inc()
		d.fail(item, acc, err)
		return
	}

	d.withAccount(acc, func() {
		d.limiter.ReplaceEstimate(acc, item.EstimatedTokens, resp.Usage.TotalTokens)
		d.monitor.RecordOutcome(acc, true, latency.Milliseconds())
	})
	d.persist(bgCtx, acc)

	observability.RouterRequestsTotal.WithLabelValues(acc.ProviderID, acc.ID, "success").Inc()
	observability.TokensConsumedTotal.WithLabelValues(acc.ProviderID, acc.ID).Add(float64(resp.Usage.TotalTokens))

	resp.LatencyMs = latency.Milliseconds()
	d.resolve(item, resp)
}

// fail applies retry policy: retryable errors requeue with linear backoff
// until MaxRetries, everything else (and exhaustion) is terminal.
func (d *Dispatcher) fail(item *domain.QueuedRequest, acc *domain.Account, err error) {
	if domain.Retryable(err) && item.RetryCount < d.cfg.MaxRetries {
		item.RetryCount++
		item.NotBefore = d.now().Add(time.Duration(item.RetryCount) * d.cfg.RetryBackoffStep)
		item.State = domain.RequestPending
		observability.RouterRetriesTotal.WithLabelValues(acc.ProviderID).Inc()
		slog.Warn("request requeued after failure",
			slog.String("request_id", item.ID),
			slog.String("provider", acc.ProviderID),
			slog.String("account", acc.ID),
			slog.Int("retry", item.RetryCount),
			slog.Any("error", err))
		d.queue.Push(item)
		d.Wake()
		return
	}

	terminal := err
	if domain.Retryable(err) {
		terminal = fmt.Errorf("op=dispatch: %w after %d attempts: %v", domain.ErrExhaustedRetries, item.RetryCount+1, err)
	}
	d.reject(item, terminal)
}

func (d *Dispatcher) sweepExpired(ctx context.Context) {
	_ = ctx
	for _, item := range d.queue.Sweep(d.now(), d.cfg.QueueTTL) {
		if item.RetryCount == 0 && item.State == domain.RequestPending {
			// Never dispatched: the pool stayed saturated the whole time.
			d.reject(item, fmt.Errorf("op=dispatch: %w: no account admitted the request within %s", domain.ErrNoCapacity, d.cfg.QueueTTL))
			continue
		}
		d.reject(item, fmt.Errorf("op=dispatch: %w: queued for %s", domain.ErrTimeout, d.cfg.QueueTTL))
	}
}

func (d *Dispatcher) resolve(item *domain.QueuedRequest, resp domain.AIResponse) {
	item.State = domain.RequestResolved
	item.Done <- domain.Result{Response: resp}
}

func (d *Dispatcher) reject(item *domain.QueuedRequest, err error) {
	item.State = domain.RequestFailed
	item.Done <- domain.Result{Err: err}
}

// withAccount serializes compound usage/health access per account so two
// in-flight completions cannot interleave their read-modify-write sequences,
// and readers (selection, stats) never observe half-applied updates.
func (d *Dispatcher) withAccount(acc *domain.Account, fn func()) {
	d.locks.With(acc, fn)
}

// persist writes the account back through the registry with retry; losing a
// usage update silently would undercount the account's budget.
func (d *Dispatcher) persist(ctx context.Context, acc *domain.Account) {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = d.cfg.PersistMaxElapsed
	op := func() error {
		return d.registry.Persist(ctx, acc)
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		slog.Error("account persist failed",
			slog.String("account", acc.ID),
			slog.Any("error", err))
	}
}

// poolCouldServe reports whether any account in the pool could in principle
// serve a request with the given provider hint, ignoring rate budgets and
// breaker state. When false, waiting cannot help.
func poolCouldServe(pool []*domain.Account, preferredProvider string) bool {
	for _, acc := range pool {
		if preferredProvider != "" && acc.ProviderID != preferredProvider {
			continue
		}
		return true
	}
	return false
}
