// Package provider hosts the per-vendor adapter implementations and shared
// HTTP plumbing.
//
// Adapters translate the unified request shape to a vendor's wire format,
// attach the account credential, parse token usage out of the response, and
// map vendor HTTP errors onto the domain taxonomy. They never retry and
// never touch shared account state; both concerns belong to the dispatcher.
package provider

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pillarhq/ai-router/internal/domain"
)

// Map indexes adapters by provider id for the dispatcher.
func Map(adapters ...domain.ProviderAdapter) map[string]domain.ProviderAdapter {
	m := make(map[string]domain.ProviderAdapter, len(adapters))
	for _, a := range adapters {
		m[a.ProviderID()] = a
	}
	return m
}

// NewHTTPClient builds the shared traced HTTP client used by adapters.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("AI %s %s", r.Method, r.URL.Host)
		}),
	)
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Cost computes the dollar cost of a call from per-1K-token pricing.
func Cost(cfg domain.ProviderConfig, usage domain.TokenUsage) float64 {
	return float64(usage.PromptTokens)/1000.0*cfg.InputCostPer1K +
		float64(usage.CompletionTokens)/1000.0*cfg.OutputCostPer1K
}
