package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/pillarhq/ai-router/internal/config"
	"github.com/pillarhq/ai-router/internal/domain"
	"github.com/pillarhq/ai-router/internal/service/health"
	"github.com/pillarhq/ai-router/internal/service/ratelimit"
	"github.com/pillarhq/ai-router/internal/service/selector"
)

// SendOptions tune one SendRequest call.
type SendOptions struct {
	// PreferredProvider narrows account selection to one vendor.
	PreferredProvider string
	// Priority orders the queue; higher serves first. Default 0.
	Priority int
	// Timeout bounds the caller's wait, not the in-flight provider call.
	// Zero means the configured default.
	Timeout time.Duration
	// OnToken receives streamed completion tokens when set.
	OnToken domain.TokenCallback
}

// AccountHealth is the per-account slice of Stats. It intentionally carries
// no credential material.
type AccountHealth struct {
	AccountID    string              `json:"account_id"`
	ProviderID   string              `json:"provider_id"`
	Name         string              `json:"name"`
	Active       bool                `json:"active"`
	Status       domain.HealthStatus `json:"status"`
	ErrorRate    float64             `json:"error_rate"`
	AvgLatencyMs float64             `json:"avg_latency_ms"`
	BreakerOpen  bool                `json:"breaker_open"`
	RequestsUsed int                 `json:"requests_in_window"`
	TokensUsed   int                 `json:"tokens_in_window"`
}

// Stats is the router telemetry snapshot.
type Stats struct {
	TotalAccounts  int             `json:"total_accounts"`
	ActiveAccounts int             `json:"active_accounts"`
	QueueDepth     int             `json:"queue_depth"`
	Accounts       []AccountHealth `json:"accounts"`
}

// Router composes the queue, dispatcher, limiter, health monitor and
// selector behind the single SendRequest entry point. Each Router instance
// owns its pool and queue; multiple isolated routers can coexist in tests.
type Router struct {
	cfg        config.Config
	registry   domain.AccountRegistry
	queue      *Queue
	dispatcher *Dispatcher
	limiter    *ratelimit.Limiter
	monitor    *health.Monitor
	estimator  *ratelimit.Estimator
	prober     *health.Prober

	// completionDefaults carries each adapter's default max-tokens so the
	// admission estimate reserves the same completion budget the provider
	// call will actually request.
	completionDefaults map[string]int
	maxCompletionDef   int

	startOnce sync.Once
	cancel    context.CancelFunc
}

// completionDefaulter is implemented by adapters that substitute a configured
// max-tokens when the request leaves it unset.
type completionDefaulter interface {
	DefaultMaxTokens() int
}

// NewRouter wires a Router from its collaborators.
func NewRouter(
	cfg config.Config,
	registry domain.AccountRegistry,
	adapters map[string]domain.ProviderAdapter,
	shared *ratelimit.SharedLimiter,
) *Router {
	limiter := ratelimit.New()
	monitor := health.New(cfg.BreakerCooldown, cfg.BreakerThreshold)
	estimator := ratelimit.NewEstimator()
	locks := newAccountLocks()

	sel := selector.New(cfg.Weights(), cfg.RoutingStrategy, selector.Eligibility{
		IsEligible: monitor.IsEligible,
		CanAdmit:   limiter.CanAdmit,
		Guard:      locks.With,
	})

	queue := NewQueue()
	dispatcher := NewDispatcher(cfg, queue, sel, limiter, shared, monitor, registry, adapters, locks)

	defaults := make(map[string]int, len(adapters))
	maxDef := 0
	for id, ad := range adapters {
		if cd, ok := ad.(completionDefaulter); ok {
			defaults[id] = cd.DefaultMaxTokens()
			if defaults[id] > maxDef {
				maxDef = defaults[id]
			}
		}
	}

	r := &Router{
		cfg:                cfg,
		registry:           registry,
		queue:              queue,
		dispatcher:         dispatcher,
		limiter:            limiter,
		monitor:            monitor,
		estimator:          estimator,
		completionDefaults: defaults,
		maxCompletionDef:   maxDef,
	}
	if cfg.ProbesEnabled {
		r.prober = health.NewProber(registry, monitor, adapters, cfg.ProbeInterval, cfg.ProbeTimeout,
			func(ctx context.Context, acc *domain.Account, success bool, latencyMs int64) {
				dispatcher.withAccount(acc, func() {
					monitor.RecordOutcome(acc, success, latencyMs)
				})
				dispatcher.persist(ctx, acc)
			})
	}
	return r
}

// Start launches the dispatch loop and background probes. Stop with Close.
func (r *Router) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		go r.dispatcher.Run(runCtx)
		if r.prober != nil {
			go r.prober.Run(runCtx)
		}
		slog.Info("router started",
			slog.String("strategy", r.cfg.RoutingStrategy),
			slog.Int("max_retries", r.cfg.MaxRetries))
	})
}

// Close stops the dispatch loop and probes. Queued requests are rejected by
// the TTL sweep on the next Start; in-process waiters get caller timeouts.
func (r *Router) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

// SendRequest enqueues the request and blocks until it resolves, the caller
// timeout passes, or ctx is cancelled. Every call returns either a response
// or exactly one taxonomy error; a timed-out caller stops waiting but the
// in-flight provider call still completes its bookkeeping.
func (r *Router) SendRequest(ctx context.Context, req domain.AIRequest, opts SendOptions) (domain.AIResponse, error) {
	if len(req.Messages) == 0 {
		return domain.AIResponse{}, fmt.Errorf("op=router.send: %w: messages required", domain.ErrInvalidArgument)
	}

	item := &domain.QueuedRequest{
		ID:                newRequestID(),
		Request:           req,
		Priority:          opts.Priority,
		PreferredProvider: opts.PreferredProvider,
		EnqueuedAt:        time.Now(),
		State:             domain.RequestPending,
		Done:              make(chan domain.Result, 1),
		OnToken:           opts.OnToken,
		EstimatedTokens:   r.estimator.Estimate(req, r.completionDefault(opts.PreferredProvider)),
	}

	r.queue.Push(item)
	r.dispatcher.Wake()
	slog.Debug("request enqueued",
		slog.String("request_id", item.ID),
		slog.Int("priority", item.Priority),
		slog.String("preferred_provider", opts.PreferredProvider),
		slog.Int("estimated_tokens", item.EstimatedTokens))

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultSendTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-item.Done:
		if res.Err != nil {
			return domain.AIResponse{}, res.Err
		}
		return res.Response, nil
	case <-timer.C:
		return domain.AIResponse{}, fmt.Errorf("op=router.send: %w: no result within %s", domain.ErrTimeout, timeout)
	case <-ctx.Done():
		return domain.AIResponse{}, fmt.Errorf("op=router.send: %w: %v", domain.ErrTimeout, ctx.Err())
	}
}

// Stats returns router telemetry. Credentials never appear here.
func (r *Router) Stats(ctx context.Context) (Stats, error) {
	accounts, err := r.registry.List(ctx, "")
	if err != nil {
		return Stats{}, fmt.Errorf("op=router.stats: %w", err)
	}
	st := Stats{
		TotalAccounts: len(accounts),
		QueueDepth:    r.queue.Len(),
	}
	for _, acc := range accounts {
		// Copy live fields under the per-account lock; completion goroutines
		// write them concurrently.
		var ah AccountHealth
		r.dispatcher.withAccount(acc, func() {
			ah = AccountHealth{
				AccountID:    acc.ID,
				ProviderID:   acc.ProviderID,
				Name:         acc.Name,
				Active:       acc.Active,
				Status:       acc.Health.Status,
				ErrorRate:    acc.Health.ErrorRate,
				AvgLatencyMs: acc.Health.AvgLatencyMs,
				BreakerOpen:  acc.Health.BreakerOpen,
				RequestsUsed: acc.Usage.RequestsInWindow,
				TokensUsed:   acc.Usage.TokensInWindow,
			}
		})
		if ah.Active {
			st.ActiveAccounts++
		}
		st.Accounts = append(st.Accounts, ah)
	}
	return st, nil
}

// completionDefault resolves the completion reserve for an unset MaxTokens:
// the preferred provider's default when known, otherwise the largest default
// across the pool (conservative, since the account is not chosen yet).
func (r *Router) completionDefault(preferredProvider string) int {
	if preferredProvider != "" {
		if d, ok := r.completionDefaults[preferredProvider]; ok {
			return d
		}
	}
	return r.maxCompletionDef
}

// newRequestID is called from every concurrent SendRequest, so the monotonic
// entropy source must be wrapped in a locked reader.
var ulidEntropy = &ulid.LockedMonotonicReader{
	MonotonicReader: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), //nolint:gosec // Weak random is sufficient for ULID entropy.
}

func newRequestID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}
