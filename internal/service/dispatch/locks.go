package dispatch

import (
	"sync"

	"github.com/pillarhq/ai-router/internal/domain"
)

// accountLocks keys one mutex per account ID. Every read or write of shared
// account usage/health fields goes through With, so completion goroutines,
// the dispatch loop and stats readers observe consistent state.
type accountLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{m: map[string]*sync.Mutex{}}
}

func (l *accountLocks) With(acc *domain.Account, fn func()) {
	l.mu.Lock()
	lock, ok := l.m[acc.ID]
	if !ok {
		lock = &sync.Mutex{}
		l.m[acc.ID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	fn()
}
