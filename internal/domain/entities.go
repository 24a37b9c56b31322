// Package domain defines the router's entities, ports and error taxonomy.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrNoCapacity       = errors.New("no capacity")
	ErrProvider         = errors.New("provider error")
	ErrRateLimited      = errors.New("rate limited")
	ErrTimeout          = errors.New("timeout")
	ErrExhaustedRetries = errors.New("exhausted retries")
)

// HealthStatus enumerates the coarse health of an account.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
)

// RateCeiling is the static budget configuration of an account.
type RateCeiling struct {
	RequestsPerMinute int
	TokensPerMinute   int
	RequestsPerHour   int
	RequestsPerDay    int
}

// Usage holds the rolling fixed-window counters of an account.
// Mutated only by the rate limiter.
type Usage struct {
	RequestsInWindow int
	TokensInWindow   int
	RequestsInHour   int
	RequestsInDay    int
	WindowReset      time.Time
	HourReset        time.Time
	DayReset         time.Time
	LastReset        time.Time
}

// Health holds the failure-driven health state of an account.
// Mutated only by the health monitor.
type Health struct {
	Status       HealthStatus
	Healthy      bool
	ErrorRate    float64
	AvgLatencyMs float64
	LastProbe    time.Time
	ConsecFails  int
	BreakerOpen  bool
	BreakerUntil time.Time
}

// Account is one credentialed identity at one provider. The credential is
// owned exclusively by the account and must never be logged or exposed
// through stats.
type Account struct {
	ID         string
	ProviderID string
	Name       string
	Credential string
	Active     bool
	Ceiling    RateCeiling
	Usage      Usage
	Health     Health
}

// ProviderConfig is the static configuration of a vendor.
type ProviderConfig struct {
	BaseURL      string
	DefaultModel string
	Temperature  float64
	MaxTokens    int
	// Cost per 1K tokens, used for response cost accounting.
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// Provider is an external AI completion vendor. Providers own zero or more
// accounts and are never deleted while accounts reference them.
type Provider struct {
	ID     string
	Name   string
	Config ProviderConfig
}

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AIRequest is the unified outbound request shape.
type AIRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// TokenUsage is the token accounting parsed from a vendor response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AIResponse is the unified response shape returned to callers.
type AIResponse struct {
	Content    string     `json:"content"`
	Model      string     `json:"model"`
	ProviderID string     `json:"provider_id"`
	AccountID  string     `json:"account_id"`
	Usage      TokenUsage `json:"usage"`
	Cost       float64    `json:"cost"`
	LatencyMs  int64      `json:"latency_ms"`
}

// AccountRegistry is the durable account store collaborator (port).
// Persist is called after every usage/health mutation.
type AccountRegistry interface {
	List(ctx context.Context, providerID string) ([]*Account, error)
	Get(ctx context.Context, id string) (*Account, error)
	Persist(ctx context.Context, acc *Account) error
}

// TokenCallback receives streamed completion tokens in arrival order.
type TokenCallback func(text string)

// ProviderAdapter executes requests against one vendor (port).
// Implementations must not retry internally and must not mutate shared
// account state; retry policy lives in the dispatcher.
type ProviderAdapter interface {
	ProviderID() string
	Execute(ctx context.Context, acc *Account, req AIRequest, onToken TokenCallback) (AIResponse, error)
	// Probe issues a minimal synthetic request to check account liveness.
	Probe(ctx context.Context, acc *Account) error
}
