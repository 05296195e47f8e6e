package pacer

import (
	"context"
	"sync/atomic"
)

const defaultHostgroupCapacity = 64

// HostgroupLimiter is a fixed-capacity semaphore over the targets
// simultaneously being scanned. A target holds a permit for the duration
// of its entire port scan; exceeding capacity blocks the scheduler's
// target-iteration loop.
type HostgroupLimiter struct {
	sem      chan struct{}
	capacity int
	occupied int64
}

// NewHostgroupLimiter creates a limiter with the given capacity. A
// capacity of 0 defaults to 64, matching the spec's default.
func NewHostgroupLimiter(capacity int) *HostgroupLimiter {
	if capacity <= 0 {
		capacity = defaultHostgroupCapacity
	}
	return &HostgroupLimiter{sem: make(chan struct{}, capacity), capacity: capacity}
}

// Acquire blocks until a hostgroup permit is available or ctx is canceled.
func (h *HostgroupLimiter) Acquire(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		atomic.AddInt64(&h.occupied, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the permit held by a completed target.
func (h *HostgroupLimiter) Release() {
	select {
	case <-h.sem:
		atomic.AddInt64(&h.occupied, -1)
	default:
	}
}

// Occupied reports how many targets currently hold a permit, used by
// fairness-statistics tests asserting the in-flight invariant.
func (h *HostgroupLimiter) Occupied() int {
	return int(atomic.LoadInt64(&h.occupied))
}

// Capacity reports the configured hostgroup size.
func (h *HostgroupLimiter) Capacity() int {
	return h.capacity
}
