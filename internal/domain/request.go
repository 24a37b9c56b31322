package domain

import (
	"errors"
	"fmt"
	"time"
)

// RequestState tracks a queued request through its lifecycle.
type RequestState string

const (
	// RequestPending indicates the request is waiting in the queue.
	RequestPending RequestState = "pending"
	// RequestDispatched indicates an adapter call is in flight.
	RequestDispatched RequestState = "dispatched"
	// RequestResolved indicates the caller received a response.
	RequestResolved RequestState = "resolved"
	// RequestFailed indicates the caller received a terminal error.
	RequestFailed RequestState = "failed"
)

// Result delivers the outcome of a queued request to its caller.
// Exactly one of Response/Err is meaningful.
type Result struct {
	Response AIResponse
	Err      error
}

// QueuedRequest is one pending unit of work. It is created at SendRequest
// time and destroyed when resolved or rejected; the Done channel carries the
// single terminal Result.
type QueuedRequest struct {
	ID                string
	Request           AIRequest
	Priority          int
	PreferredProvider string
	RetryCount        int
	EnqueuedAt        time.Time
	// NotBefore delays dispatch after a retry backoff; zero means ready.
	NotBefore time.Time
	State     RequestState
	Done      chan Result
	// OnToken, when set, receives streamed completion tokens.
	OnToken TokenCallback

	// Seq preserves FIFO order within a priority tier.
	Seq uint64
	// EstimatedTokens is the pre-call admission estimate.
	EstimatedTokens int
}

// Ready reports whether the request may be dispatched at time now.
func (q *QueuedRequest) Ready(now time.Time) bool {
	return q.NotBefore.IsZero() || !now.Before(q.NotBefore)
}

// Expired reports whether the request has outlived ttl since enqueue.
func (q *QueuedRequest) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(q.EnqueuedAt) >= ttl
}

// Retryable reports whether err may be resolved by trying again, possibly on
// another account. Invalid arguments and permanent vendor rejections
// (bad credential, unsupported model) are terminal.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTimeout):
		return true
	case errors.Is(err, ErrProvider):
		var pe *ProviderFailure
		if errors.As(err, &pe) {
			return pe.Retryable()
		}
		return true
	default:
		return true
	}
}

// ProviderFailure carries the vendor HTTP status behind an ErrProvider or
// ErrRateLimited sentinel so the dispatcher can distinguish transient from
// permanent failures.
type ProviderFailure struct {
	ProviderID string
	AccountID  string
	Status     int
	Message    string
}

func (e *ProviderFailure) Error() string {
	return fmt.Sprintf("provider %s status %d: %s", e.ProviderID, e.Status, e.Message)
}

// Unwrap maps the failure onto the sentinel taxonomy.
func (e *ProviderFailure) Unwrap() error {
	if e.Status == 429 {
		return ErrRateLimited
	}
	return ErrProvider
}

// Retryable reports whether the vendor status is worth another attempt.
// 429 and 5xx are transient; other 4xx (bad credential, unknown model) are not.
func (e *ProviderFailure) Retryable() bool {
	if e.Status == 429 || e.Status >= 500 || e.Status == 0 {
		return true
	}
	return false
}
