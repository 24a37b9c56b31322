// Package memory provides an in-process account registry. It backs
// development and test setups where no database is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pillarhq/ai-router/internal/domain"
)

// Registry stores accounts in memory, keyed by id. Since the dispatcher and
// callers share the same *Account pointers, Persist is a no-op beyond
// re-indexing; the mutex protects the index itself.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account
	order    []string
}

// New builds a Registry seeded with the given accounts.
func New(accounts []*domain.Account) *Registry {
	r := &Registry{accounts: make(map[string]*domain.Account, len(accounts))}
	for _, acc := range accounts {
		if _, dup := r.accounts[acc.ID]; dup {
			continue
		}
		r.accounts[acc.ID] = acc
		r.order = append(r.order, acc.ID)
	}
	return r
}

// List returns accounts in seed order, filtered by provider when providerID
// is non-empty.
func (r *Registry) List(ctx context.Context, providerID string) ([]*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Account, 0, len(r.order))
	for _, id := range r.order {
		acc := r.accounts[id]
		if providerID != "" && acc.ProviderID != providerID {
			continue
		}
		out = append(out, acc)
	}
	return out, nil
}

// Get returns the account with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("op=memory.Get: account %s: %w", id, domain.ErrNotFound)
	}
	return acc, nil
}

// Persist upserts the account. Existing pointers are kept in place so that
// in-flight references observe the mutation.
func (r *Registry) Persist(ctx context.Context, acc *domain.Account) error {
	if acc == nil || acc.ID == "" {
		return fmt.Errorf("op=memory.Persist: %w: account id required", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[acc.ID]; !ok {
		r.accounts[acc.ID] = acc
		r.order = append(r.order, acc.ID)
	}
	return nil
}

var _ domain.AccountRegistry = (*Registry)(nil)
