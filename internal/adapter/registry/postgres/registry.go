// Package postgres persists accounts in PostgreSQL so usage windows and
// health state survive restarts.
//
// The registry keeps one canonical in-memory *Account per row and treats the
// database as write-behind storage: List and Get hand out the same pointers
// on every call, so usage/health mutations made by one caller are visible to
// every other holder and a later Persist cannot overwrite them with a stale
// snapshot.
package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/pillarhq/ai-router/internal/domain"
)

// PgxPool is the subset of pgxpool.Pool used by the registry.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Registry stores accounts in PostgreSQL using a minimal pgx pool.
type Registry struct {
	Pool PgxPool

	mu     sync.Mutex
	loaded bool
	cache  map[string]*domain.Account
	order  []string
}

// NewRegistry constructs a Registry with the given pool.
func NewRegistry(p PgxPool) *Registry {
	return &Registry{Pool: p, cache: make(map[string]*domain.Account)}
}

const accountColumns = `id, provider_id, name, credential, active,
	rpm, tpm, rph, rpd,
	requests_in_window, tokens_in_window, requests_in_hour, requests_in_day,
	window_reset, hour_reset, day_reset, last_reset,
	status, healthy, error_rate, avg_latency_ms, last_probe, consec_fails, breaker_open, breaker_until`

// Seed inserts accounts that are not yet present. Existing rows keep their
// persisted usage and health so restarts do not grant fresh budgets. The
// canonical cache is invalidated so the next List reloads the merged state.
func (r *Registry) Seed(ctx context.Context, accounts []*domain.Account) error {
	tracer := otel.Tracer("registry.postgres")
	ctx, span := tracer.Start(ctx, "accounts.Seed")
	defer span.End()
	q := `INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
		ON CONFLICT (id) DO UPDATE SET
			provider_id=EXCLUDED.provider_id, name=EXCLUDED.name,
			credential=EXCLUDED.credential, active=EXCLUDED.active,
			rpm=EXCLUDED.rpm, tpm=EXCLUDED.tpm, rph=EXCLUDED.rph, rpd=EXCLUDED.rpd`
	for _, acc := range accounts {
		if acc.ID == "" {
			acc.ID = uuid.New().String()
		}
		if _, err := r.Pool.Exec(ctx, q, scanArgs(acc)...); err != nil {
			return fmt.Errorf("op=accounts.seed: %w", err)
		}
	}
	r.mu.Lock()
	r.loaded = false
	r.cache = make(map[string]*domain.Account)
	r.order = nil
	r.mu.Unlock()
	return nil
}

// List returns the canonical accounts, filtered by provider when providerID
// is non-empty. Rows load from the database once; after that the same
// pointers are returned on every call.
func (r *Registry) List(ctx context.Context, providerID string) ([]*domain.Account, error) {
	tracer := otel.Tracer("registry.postgres")
	ctx, span := tracer.Start(ctx, "accounts.List")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(ctx); err != nil {
		return nil, fmt.Errorf("op=accounts.list: %w", err)
	}
	out := make([]*domain.Account, 0, len(r.order))
	for _, id := range r.order {
		acc := r.cache[id]
		if providerID != "" && acc.ProviderID != providerID {
			continue
		}
		out = append(out, acc)
	}
	return out, nil
}

// Get returns the canonical account by id.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Account, error) {
	tracer := otel.Tracer("registry.postgres")
	ctx, span := tracer.Start(ctx, "accounts.Get")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(ctx); err != nil {
		return nil, fmt.Errorf("op=accounts.get: %w", err)
	}
	if acc, ok := r.cache[id]; ok {
		return acc, nil
	}
	return nil, fmt.Errorf("op=accounts.get: %w", domain.ErrNotFound)
}

// loadLocked fills the canonical cache from the database on first use.
// Callers must hold r.mu.
func (r *Registry) loadLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return err
		}
		if _, ok := r.cache[acc.ID]; ok {
			continue
		}
		r.cache[acc.ID] = acc
		r.order = append(r.order, acc.ID)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	r.loaded = true
	return nil
}

// Persist writes the account's current usage and health back to the store.
func (r *Registry) Persist(ctx context.Context, acc *domain.Account) error {
	tracer := otel.Tracer("registry.postgres")
	ctx, span := tracer.Start(ctx, "accounts.Persist")
	defer span.End()
	if acc.ID == "" {
		return fmt.Errorf("op=accounts.persist: %w: account id required", domain.ErrInvalidArgument)
	}
	q := `UPDATE accounts SET
		active=$2,
		requests_in_window=$3, tokens_in_window=$4, requests_in_hour=$5, requests_in_day=$6,
		window_reset=$7, hour_reset=$8, day_reset=$9, last_reset=$10,
		status=$11, healthy=$12, error_rate=$13, avg_latency_ms=$14,
		last_probe=$15, consec_fails=$16, breaker_open=$17, breaker_until=$18,
		updated_at=$19
		WHERE id=$1`
	u, h := acc.Usage, acc.Health
	tag, err := r.Pool.Exec(ctx, q, acc.ID, acc.Active,
		u.RequestsInWindow, u.TokensInWindow, u.RequestsInHour, u.RequestsInDay,
		u.WindowReset, u.HourReset, u.DayReset, u.LastReset,
		string(h.Status), h.Healthy, h.ErrorRate, h.AvgLatencyMs,
		h.LastProbe, h.ConsecFails, h.BreakerOpen, h.BreakerUntil,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=accounts.persist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=accounts.persist: %w", domain.ErrNotFound)
	}
	r.mu.Lock()
	if r.loaded {
		if _, ok := r.cache[acc.ID]; !ok {
			r.cache[acc.ID] = acc
			r.order = append(r.order, acc.ID)
		}
	}
	r.mu.Unlock()
	return nil
}

func scanArgs(acc *domain.Account) []any {
	u, h := acc.Usage, acc.Health
	return []any{
		acc.ID, acc.ProviderID, acc.Name, acc.Credential, acc.Active,
		acc.Ceiling.RequestsPerMinute, acc.Ceiling.TokensPerMinute, acc.Ceiling.RequestsPerHour, acc.Ceiling.RequestsPerDay,
		u.RequestsInWindow, u.TokensInWindow, u.RequestsInHour, u.RequestsInDay,
		u.WindowReset, u.HourReset, u.DayReset, u.LastReset,
		string(h.Status), h.Healthy, h.ErrorRate, h.AvgLatencyMs,
		h.LastProbe, h.ConsecFails, h.BreakerOpen, h.BreakerUntil,
	}
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	var status string
	err := row.Scan(&acc.ID, &acc.ProviderID, &acc.Name, &acc.Credential, &acc.Active,
		&acc.Ceiling.RequestsPerMinute, &acc.Ceiling.TokensPerMinute, &acc.Ceiling.RequestsPerHour, &acc.Ceiling.RequestsPerDay,
		&acc.Usage.RequestsInWindow, &acc.Usage.TokensInWindow, &acc.Usage.RequestsInHour, &acc.Usage.RequestsInDay,
		&acc.Usage.WindowReset, &acc.Usage.HourReset, &acc.Usage.DayReset, &acc.Usage.LastReset,
		&status, &acc.Health.Healthy, &acc.Health.ErrorRate, &acc.Health.AvgLatencyMs,
		&acc.Health.LastProbe, &acc.Health.ConsecFails, &acc.Health.BreakerOpen, &acc.Health.BreakerUntil)
	if err != nil {
		return nil, err
	}
	acc.Health.Status = domain.HealthStatus(status)
	return &acc, nil
}

var _ domain.AccountRegistry = (*Registry)(nil)
