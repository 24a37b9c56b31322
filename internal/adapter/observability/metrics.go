package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	RouterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_requests_total",
			Help: "Total routed requests by provider, account and outcome",
		},
		[]string{"provider", "account", "outcome"},
	)
	RouterDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_dispatch_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "account"},
	)
	RouterRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_retries_total",
			Help: "Total request retries by provider",
		},
		[]string{"provider"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_queue_depth",
			Help: "Number of requests waiting in the dispatch queue",
		},
	)
	QueueExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "router_queue_expired_total",
			Help: "Total queued requests purged by the TTL sweep",
		},
	)
	AccountHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "router_account_healthy",
			Help: "1 when the account is healthy, 0 otherwise",
		},
		[]string{"provider", "account"},
	)
	BreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "router_breaker_open",
			Help: "1 when the account circuit breaker is open",
		},
		[]string{"provider", "account"},
	)
	TokensConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_tokens_consumed_total",
			Help: "Total tokens consumed per account",
		},
		[]string{"provider", "account"},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RouterRequestsTotal)
	prometheus.MustRegister(RouterDispatchDuration)
	prometheus.MustRegister(RouterRetriesTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueExpiredTotal)
	prometheus.MustRegister(AccountHealthy)
	prometheus.MustRegister(BreakerOpen)
	prometheus.MustRegister(TokensConsumedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveAccountHealth records the per-account health gauges.
func ObserveAccountHealth(provider, account string, healthy, breakerOpen bool) {
	h := 0.0
	if healthy {
		h = 1.0
	}
	b := 0.0
	if breakerOpen {
		b = 1.0
	}
	AccountHealthy.WithLabelValues(provider, account).Set(h)
	BreakerOpen.WithLabelValues(provider, account).Set(b)
}
