package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pillarhq/ai-router/internal/adapter/httpserver"
	"github.com/pillarhq/ai-router/internal/config"
	"github.com/pillarhq/ai-router/internal/domain"
	"github.com/pillarhq/ai-router/internal/service/dispatch"
)

type fakeRouter struct {
	send  func(ctx context.Context, req domain.AIRequest, opts dispatch.SendOptions) (domain.AIResponse, error)
	stats func(ctx context.Context) (dispatch.Stats, error)
}

func (f *fakeRouter) SendRequest(ctx context.Context, req domain.AIRequest, opts dispatch.SendOptions) (domain.AIResponse, error) {
	return f.send(ctx, req, opts)
}

func (f *fakeRouter) Stats(ctx context.Context) (dispatch.Stats, error) {
	if f.stats == nil {
		return dispatch.Stats{}, nil
	}
	return f.stats(ctx)
}

func newServer(router *fakeRouter) *httpserver.Server {
	return httpserver.NewServer(config.Config{}, router, nil, nil)
}

func postCompletion(t *testing.T, srv *httpserver.Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.CompletionsHandler()(rec, req)
	return rec
}

func TestCompletions_Success(t *testing.T) {
	router := &fakeRouter{send: func(_ context.Context, req domain.AIRequest, opts dispatch.SendOptions) (domain.AIResponse, error) {
		assert.Equal(t, "anthropic", opts.PreferredProvider)
		assert.Equal(t, 2, opts.Priority)
		require.Len(t, req.Messages, 1)
		return domain.AIResponse{Content: "hi there", AccountID: "acc-1", ProviderID: "anthropic"}, nil
	}}

	rec := postCompletion(t, newServer(router), `{
		"messages": [{"role": "user", "content": "hello"}],
		"provider": "anthropic",
		"priority": 2
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.AIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "acc-1", resp.AccountID)
}

func TestCompletions_InvalidJSON(t *testing.T) {
	router := &fakeRouter{send: func(context.Context, domain.AIRequest, dispatch.SendOptions) (domain.AIResponse, error) {
		t.Fatal("router should not be called")
		return domain.AIResponse{}, nil
	}}

	rec := postCompletion(t, newServer(router), `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
}

func TestCompletions_MessagesRequired(t *testing.T) {
	router := &fakeRouter{send: func(context.Context, domain.AIRequest, dispatch.SendOptions) (domain.AIResponse, error) {
		t.Fatal("router should not be called")
		return domain.AIResponse{}, nil
	}}

	rec := postCompletion(t, newServer(router), `{"messages": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompletions_EmptyRoleRejected(t *testing.T) {
	router := &fakeRouter{send: func(context.Context, domain.AIRequest, dispatch.SendOptions) (domain.AIResponse, error) {
		t.Fatal("router should not be called")
		return domain.AIResponse{}, nil
	}}

	rec := postCompletion(t, newServer(router), `{"messages": [{"role": "", "content": "x"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompletions_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"no capacity", domain.ErrNoCapacity, http.StatusServiceUnavailable, "NO_CAPACITY"},
		{"rate limited", domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"timeout", domain.ErrTimeout, http.StatusGatewayTimeout, "TIMEOUT"},
		{"exhausted", domain.ErrExhaustedRetries, http.StatusBadGateway, "EXHAUSTED_RETRIES"},
		{"provider", domain.ErrProvider, http.StatusBadGateway, "PROVIDER_ERROR"},
		{"unknown", errors.New("weird"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := &fakeRouter{send: func(context.Context, domain.AIRequest, dispatch.SendOptions) (domain.AIResponse, error) {
				return domain.AIResponse{}, tt.err
			}}

			rec := postCompletion(t, newServer(router), `{"messages": [{"role": "user", "content": "x"}]}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantCode)
		})
	}
}

func TestCompletions_Streaming(t *testing.T) {
	router := &fakeRouter{send: func(_ context.Context, _ domain.AIRequest, opts dispatch.SendOptions) (domain.AIResponse, error) {
		require.NotNil(t, opts.OnToken)
		opts.OnToken("he")
		opts.OnToken("llo")
		return domain.AIResponse{Content: "hello", AccountID: "acc-1"}, nil
	}}

	rec := postCompletion(t, newServer(router), `{"messages": [{"role": "user", "content": "x"}], "stream": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `event: token`)
	assert.Contains(t, body, `{"text":"he"}`)
	assert.Contains(t, body, `{"text":"llo"}`)
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"content":"hello"`)
}

func TestCompletions_StreamingError(t *testing.T) {
	router := &fakeRouter{send: func(context.Context, domain.AIRequest, dispatch.SendOptions) (domain.AIResponse, error) {
		return domain.AIResponse{}, domain.ErrNoCapacity
	}}

	rec := postCompletion(t, newServer(router), `{"messages": [{"role": "user", "content": "x"}], "stream": true}`)
	require.Equal(t, http.StatusOK, rec.Code, "SSE errors arrive in-band after headers are sent")
	assert.Contains(t, rec.Body.String(), "event: error")
}

func TestStats(t *testing.T) {
	router := &fakeRouter{
		send: func(context.Context, domain.AIRequest, dispatch.SendOptions) (domain.AIResponse, error) {
			return domain.AIResponse{}, nil
		},
		stats: func(context.Context) (dispatch.Stats, error) {
			return dispatch.Stats{
				TotalAccounts:  2,
				ActiveAccounts: 1,
				Accounts: []dispatch.AccountHealth{
					{AccountID: "a1", ProviderID: "openai", Active: true, Status: domain.HealthHealthy},
				},
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	newServer(router).StatsHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var st dispatch.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.TotalAccounts)
	require.Len(t, st.Accounts, 1)
	assert.NotContains(t, rec.Body.String(), "credential")
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return errors.New("down") }

	srv := httpserver.NewServer(config.Config{}, &fakeRouter{send: nil}, ok, ok)
	rec := httptest.NewRecorder()
	srv.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	srv = httpserver.NewServer(config.Config{}, &fakeRouter{send: nil}, ok, bad)
	rec = httptest.NewRecorder()
	srv.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}
