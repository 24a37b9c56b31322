// Package dispatch owns the pending-request queue, the coordinating dispatch
// loop, and the Router facade callers interact with.
package dispatch

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pillarhq/ai-router/internal/adapter/observability"
	"github.com/pillarhq/ai-router/internal/domain"
)

// Queue is a priority queue of pending requests, owned solely by the
// dispatcher. Ordering is priority descending, then push order ascending, so
// requests within a tier are served FIFO and a retried request re-enters at
// the back of its tier.
type Queue struct {
	mu    sync.Mutex
	items requestHeap
	seq   uint64
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push inserts the request, stamping its tier sequence.
func (q *Queue) Push(item *domain.QueuedRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	item.Seq = q.seq
	heap.Push(&q.items, item)
	observability.QueueDepth.Set(float64(len(q.items)))
}

// PopReady removes and returns the highest-priority request whose backoff
// deadline has passed, or nil when none is ready.
func (q *Queue) PopReady(now time.Time) *domain.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, item := range q.items {
		if !item.Ready(now) {
			continue
		}
		if best == -1 || less(item, q.items[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	item := heap.Remove(&q.items, best).(*domain.QueuedRequest)
	observability.QueueDepth.Set(float64(len(q.items)))
	return item
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// NextReadyIn reports how long until the earliest not-ready item becomes
// ready; ok is false when the queue holds no delayed items.
func (q *Queue) NextReadyIn(now time.Time) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var soonest time.Time
	for _, item := range q.items {
		if item.Ready(now) {
			return 0, true
		}
		if soonest.IsZero() || item.NotBefore.Before(soonest) {
			soonest = item.NotBefore
		}
	}
	if soonest.IsZero() {
		return 0, false
	}
	return soonest.Sub(now), true
}

// Sweep removes every request older than ttl regardless of readiness and
// returns them so the caller can reject their waiters. Protects the queue
// from unbounded growth when requests never find capacity.
func (q *Queue) Sweep(now time.Time, ttl time.Duration) []*domain.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*domain.QueuedRequest
	kept := q.items[:0]
	for _, item := range q.items {
		if item.Expired(now, ttl) {
			expired = append(expired, item)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	heap.Init(&q.items)
	if len(expired) > 0 {
		observability.QueueDepth.Set(float64(len(q.items)))
		observability.QueueExpiredTotal.Add(float64(len(expired)))
	}
	return expired
}

// less orders a before b: higher priority first, then earlier push.
func less(a, b *domain.QueuedRequest) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

type requestHeap []*domain.QueuedRequest

func (h requestHeap) Len() int            { return len(h) }
func (h requestHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h requestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x interface{}) { *h = append(*h, x.(*domain.QueuedRequest)) }
func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
