package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Common bulkhead errors.
var (
	ErrBulkheadFull = errors.New("bulkhead wait exhausted")
)

// Bulkhead caps concurrent in-flight calls to one dependency. Waiters block
// on a permit channel for at most maxWait; exceeding the wait rejects the
// call without touching the retry budget or the breaker. Waits are
// channel-based so many packages can suspend here concurrently without
// pinning OS threads.
type Bulkhead struct {
	permits chan struct{}
	maxWait time.Duration

	active        int32
	totalAcquired int64
	totalRejected int64
}

// NewBulkhead creates a bulkhead with the given concurrency cap and
// maximum wait for a permit.
func NewBulkhead(maxConcurrent int, maxWait time.Duration) *Bulkhead {
	b := &Bulkhead{
		permits: make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
	}
	for i := 0; i < maxConcurrent; i++ {
		b.permits <- struct{}{}
	}
	return b
}

// Acquire obtains a permit, waiting up to the configured bound. It returns
// ErrBulkheadFull when the wait expires and the context error when the
// caller is cancelled first.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case <-b.permits:
		atomic.AddInt32(&b.active, 1)
		atomic.AddInt64(&b.totalAcquired, 1)
		return nil
	default:
	}

	timer := time.NewTimer(b.maxWait)
	defer timer.Stop()

	select {
	case <-b.permits:
		atomic.AddInt32(&b.active, 1)
		atomic.AddInt64(&b.totalAcquired, 1)
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&b.totalRejected, 1)
		return ctx.Err()
	case <-timer.C:
		atomic.AddInt64(&b.totalRejected, 1)
		return ErrBulkheadFull
	}
}

// Release returns a permit. Must be called exactly once per successful
// Acquire.
func (b *Bulkhead) Release() {
	atomic.AddInt32(&b.active, -1)
	select {
	case b.permits <- struct{}{}:
	default:
		// Acquire/Release imbalance; dropping keeps the cap intact.
	}
}

// Active returns the number of in-flight calls.
func (b *Bulkhead) Active() int { return int(atomic.LoadInt32(&b.active)) }

// BulkheadStats is a snapshot of bulkhead counters.
type BulkheadStats struct {
	MaxConcurrent int   `json:"max_concurrent"`
	Active        int   `json:"active"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalRejected int64 `json:"total_rejected"`
}

// Stats returns current counters.
func (b *Bulkhead) Stats() BulkheadStats {
	return BulkheadStats{
		MaxConcurrent: cap(b.permits),
		Active:        int(atomic.LoadInt32(&b.active)),
		TotalAcquired: atomic.LoadInt64(&b.totalAcquired),
		TotalRejected: atomic.LoadInt64(&b.totalRejected),
	}
}
