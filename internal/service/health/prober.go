package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/pillarhq/ai-router/internal/domain"
)

// Prober periodically issues minimal synthetic requests against every active
// account so that idle accounts can be marked unhealthy before real traffic
// hits them. Probe outcomes feed the monitor identically to live traffic.
type Prober struct {
	registry domain.AccountRegistry
	monitor  *Monitor
	adapters map[string]domain.ProviderAdapter
	interval time.Duration
	timeout  time.Duration
	record   func(ctx context.Context, acc *domain.Account, success bool, latencyMs int64)
}

// NewProber constructs a Prober. record is invoked for every probe outcome;
// the router wires it to its serialized health/persist path.
func NewProber(
	registry domain.AccountRegistry,
	monitor *Monitor,
	adapters map[string]domain.ProviderAdapter,
	interval, timeout time.Duration,
	record func(ctx context.Context, acc *domain.Account, success bool, latencyMs int64),
) *Prober {
	return &Prober{
		registry: registry,
		monitor:  monitor,
		adapters: adapters,
		interval: interval,
		timeout:  timeout,
		record:   record,
	}
}

// Run probes all active accounts on the configured interval until ctx ends.
func (p *Prober) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	accounts, err := p.registry.List(ctx, "")
	if err != nil {
		slog.Error("prober: list accounts failed", slog.Any("error", err))
		return
	}
	for _, acc := range accounts {
		if !p.monitor.IsEligible(acc) {
			continue
		}
		adapter, ok := p.adapters[acc.ProviderID]
		if !ok {
			continue
		}
		p.probeOne(ctx, adapter, acc)
	}
}

func (p *Prober) probeOne(ctx context.Context, adapter domain.ProviderAdapter, acc *domain.Account) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := adapter.Probe(probeCtx, acc)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		slog.Warn("account probe failed",
			slog.String("provider", acc.ProviderID),
			slog.String("account", acc.ID),
			slog.Any("error", err))
		p.record(ctx, acc, false, 0)
		return
	}
	slog.Debug("account probe ok",
		slog.String("provider", acc.ProviderID),
		slog.String("account", acc.ID),
		slog.Int64("latency_ms", latency))
	p.record(ctx, acc, true, latency)
}
