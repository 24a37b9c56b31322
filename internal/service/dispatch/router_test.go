package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pillarhq/ai-router/internal/adapter/registry/memory"
	"github.com/pillarhq/ai-router/internal/config"
	"github.com/pillarhq/ai-router/internal/domain"
	"github.com/pillarhq/ai-router/internal/service/dispatch"
	"github.com/pillarhq/ai-router/internal/service/selector"
)

// fakeAdapter scripts Execute outcomes by call number.
type fakeAdapter struct {
	id string
	fn func(call int, acc *domain.Account, req domain.AIRequest, onToken domain.TokenCallback) (domain.AIResponse, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeAdapter) ProviderID() string { return f.id }

func (f *fakeAdapter) Execute(ctx context.Context, acc *domain.Account, req domain.AIRequest, onToken domain.TokenCallback) (domain.AIResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n, acc, req, onToken)
}

func (f *fakeAdapter) Probe(ctx context.Context, acc *domain.Account) error { return nil }

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResponse(acc *domain.Account) (domain.AIResponse, error) {
	return domain.AIResponse{
		Content:    "hello",
		Model:      "test-model",
		ProviderID: acc.ProviderID,
		AccountID:  acc.ID,
		Usage:      domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func testConfig() config.Config {
	return config.Config{
		RoutingStrategy:    selector.StrategyWeighted,
		WeightCapacity:     0.4,
		WeightHealth:       0.3,
		WeightLatency:      0.2,
		WeightError:        0.1,
		MaxRetries:         3,
		RetryBackoffStep:   time.Millisecond,
		DispatchTimeout:    time.Second,
		DefaultSendTimeout: 3 * time.Second,
		MaxConcurrency:     4,
		NoCapacityBackoff:  5 * time.Millisecond,
		QueueTTL:           time.Minute,
		QueueSweepInterval: 50 * time.Millisecond,
		BreakerCooldown:    time.Minute,
		BreakerThreshold:   3,
		PersistMaxElapsed:  100 * time.Millisecond,
	}
}

func poolAccount(id, provider string) *domain.Account {
	return &domain.Account{
		ID:         id,
		ProviderID: provider,
		Active:     true,
		Ceiling:    domain.RateCeiling{RequestsPerMinute: 100, TokensPerMinute: 1000000},
		Health:     domain.Health{Status: domain.HealthHealthy, Healthy: true},
	}
}

func startRouter(t *testing.T, cfg config.Config, accounts []*domain.Account, adapters ...domain.ProviderAdapter) (*dispatch.Router, *memory.Registry) {
	t.Helper()
	reg := memory.New(accounts)
	m := make(map[string]domain.ProviderAdapter, len(adapters))
	for _, a := range adapters {
		m[a.ProviderID()] = a
	}
	r := dispatch.NewRouter(cfg, reg, m, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.Start(ctx)
	t.Cleanup(r.Close)
	return r, reg
}

func userRequest() domain.AIRequest {
	return domain.AIRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}}
}

func TestSendRequest_Success(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(_ int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
		return okResponse(acc)
	}}
	acc := poolAccount("acc-1", "openai")
	r, _ := startRouter(t, testConfig(), []*domain.Account{acc}, adapter)

	resp, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "acc-1", resp.AccountID)
	assert.GreaterOrEqual(t, resp.LatencyMs, int64(0))

	assert.Equal(t, 1, acc.Usage.RequestsInWindow)
	assert.Equal(t, 15, acc.Usage.TokensInWindow, "actual usage replaced the estimate")
	assert.True(t, acc.Health.Healthy)
}

func TestSendRequest_EmptyMessages(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(_ int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
		return okResponse(acc)
	}}
	r, _ := startRouter(t, testConfig(), []*domain.Account{poolAccount("acc-1", "openai")}, adapter)

	_, err := r.SendRequest(context.Background(), domain.AIRequest{}, dispatch.SendOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSendRequest_RetriesTransientFailure(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(call int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
		if call <= 2 {
			return domain.AIResponse{}, &domain.ProviderFailure{ProviderID: "openai", AccountID: acc.ID, Status: 500, Message: "boom"}
		}
		return okResponse(acc)
	}}
	acc := poolAccount("acc-1", "openai")
	r, _ := startRouter(t, testConfig(), []*domain.Account{acc}, adapter)

	resp, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 3, adapter.callCount())
}

func TestSendRequest_ExhaustedRetries(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(_ int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
		return domain.AIResponse{}, &domain.ProviderFailure{ProviderID: "openai", AccountID: acc.ID, Status: 503, Message: "unavailable"}
	}}
	cfg := testConfig()
	cfg.MaxRetries = 2
	r, _ := startRouter(t, cfg, []*domain.Account{poolAccount("acc-1", "openai")}, adapter)

	_, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExhaustedRetries)
	assert.Equal(t, 3, adapter.callCount(), "initial attempt plus MaxRetries")
}

func TestSendRequest_PermanentFailureNotRetried(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(_ int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
		return domain.AIResponse{}, &domain.ProviderFailure{ProviderID: "openai", AccountID: acc.ID, Status: 401, Message: "bad key"}
	}}
	r, _ := startRouter(t, testConfig(), []*domain.Account{poolAccount("acc-1", "openai")}, adapter)

	_, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.NotErrorIs(t, err, domain.ErrExhaustedRetries)
	assert.Equal(t, 1, adapter.callCount())
}

func TestSendRequest_RateLimitTripsBreakerAndReroutes(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(_ int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
		if acc.ID == "limited" {
			return domain.AIResponse{}, &domain.ProviderFailure{ProviderID: "openai", AccountID: acc.ID, Status: 429, Message: "slow down"}
		}
		return okResponse(acc)
	}}
	limited := poolAccount("limited", "openai")
	backup := poolAccount("backup", "openai")
	// Nudge selection toward the account that will 429 first.
	backup.Health.AvgLatencyMs = 5000

	r, _ := startRouter(t, testConfig(), []*domain.Account{limited, backup}, adapter)

	resp, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.AccountID)

	assert.True(t, limited.Health.BreakerOpen, "429 opens the breaker immediately")
	assert.False(t, limited.Active)
}

func TestSendRequest_NoAccountForPreferredProvider(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(_ int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
		return okResponse(acc)
	}}
	r, _ := startRouter(t, testConfig(), []*domain.Account{poolAccount("acc-1", "openai")}, adapter)

	start := time.Now()
	_, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{PreferredProvider: "anthropic"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoCapacity)
	assert.Less(t, time.Since(start), time.Second, "rejected immediately, not after the TTL")
}

func TestSendRequest_CallerTimeoutWhileSaturated(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(_ int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
		return okResponse(acc)
	}}
	acc := poolAccount("acc-1", "openai")
	acc.Ceiling.RequestsPerMinute = 1
	r, _ := startRouter(t, testConfig(), []*domain.Account{acc}, adapter)

	_, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{})
	require.NoError(t, err)

	// The window is spent; the second request waits in the queue until the
	// caller gives up.
	_, err = r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 1, acc.Usage.RequestsInWindow, "the admission invariant held")
}

func TestSendRequest_StreamTokensForwarded(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(_ int, acc *domain.Account, _ domain.AIRequest, onToken domain.TokenCallback) (domain.AIResponse, error) {
		require.NotNil(t, onToken)
		onToken("hel")
		onToken("lo")
		return okResponse(acc)
	}}
	r, _ := startRouter(t, testConfig(), []*domain.Account{poolAccount("acc-1", "openai")}, adapter)

	var mu sync.Mutex
	var got []string
	_, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{
		OnToken: func(text string) {
			mu.Lock()
			got = append(got, text)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hel", "lo"}, got)
}

func TestSendRequest_DispatchTimeoutIsRetryable(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(call int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
		if call == 1 {
			return domain.AIResponse{}, context.DeadlineExceeded
		}
		return okResponse(acc)
	}}
	r, _ := startRouter(t, testConfig(), []*domain.Account{poolAccount("acc-1", "openai")}, adapter)

	resp, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 2, adapter.callCount(), "the timed-out attempt was retried")
}

func TestStats_NoCredentialExposure(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(_ int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
		return okResponse(acc)
	}}
	acc := poolAccount("acc-1", "openai")
	acc.Credential = "sk-super-secret"
	r, _ := startRouter(t, testConfig(), []*domain.Account{acc}, adapter)

	_, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{})
	require.NoError(t, err)

	st, err := r.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Accounts, 1)
	assert.Equal(t, 1, st.TotalAccounts)
	assert.Equal(t, 1, st.ActiveAccounts)
	assert.Equal(t, "acc-1", st.Accounts[0].AccountID)
	assert.Equal(t, 1, st.Accounts[0].RequestsUsed)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"invalid argument", domain.ErrInvalidArgument, false},
		{"rate limited", &domain.ProviderFailure{Status: 429}, true},
		{"server error", &domain.ProviderFailure{Status: 502}, true},
		{"transport error", &domain.ProviderFailure{Status: 0}, true},
		{"bad credential", &domain.ProviderFailure{Status: 401}, false},
		{"timeout", domain.ErrTimeout, true},
		{"wrapped timeout", errors.Join(domain.ErrTimeout), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.Retryable(tt.err))
		})
	}
}

// defaultingAdapter reports a configured completion default the way the real
// provider adapters do.
type defaultingAdapter struct {
	*fakeAdapter
	defMax int
}

func (d *defaultingAdapter) DefaultMaxTokens() int { return d.defMax }

func TestSendRequest_AdapterDefaultCountsTowardAdmission(t *testing.T) {
	adapter := &defaultingAdapter{
		fakeAdapter: &fakeAdapter{id: "openai", fn: func(_ int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
			return okResponse(acc)
		}},
		defMax: 500,
	}
	acc := poolAccount("acc-1", "openai")
	acc.Ceiling.TokensPerMinute = 150
	r, _ := startRouter(t, testConfig(), []*domain.Account{acc}, adapter)

	// The request leaves MaxTokens unset, so admission must reserve the
	// adapter's 500-token default, which exceeds the 150-token window.
	_, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{Timeout: 150 * time.Millisecond})
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 0, adapter.callCount(), "the call must never be admitted")
	assert.Equal(t, 0, acc.Usage.TokensInWindow)
}

func TestStats_ConcurrentWithTraffic(t *testing.T) {
	adapter := &fakeAdapter{id: "openai", fn: func(_ int, acc *domain.Account, _ domain.AIRequest, _ domain.TokenCallback) (domain.AIResponse, error) {
		time.Sleep(2 * time.Millisecond)
		return okResponse(acc)
	}}
	acc := poolAccount("acc-1", "openai")
	r, _ := startRouter(t, testConfig(), []*domain.Account{acc}, adapter)

	const sends = 20
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.SendRequest(context.Background(), userRequest(), dispatch.SendOptions{})
			assert.NoError(t, err)
		}()
	}

	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		for i := 0; i < 50; i++ {
			_, err := r.Stats(context.Background())
			assert.NoError(t, err)
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	<-statsDone

	st, err := r.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Accounts, 1)
	assert.Equal(t, sends, st.Accounts[0].RequestsUsed)
	assert.Equal(t, sends*15, st.Accounts[0].TokensUsed)
}
