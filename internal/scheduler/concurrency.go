package scheduler

import "sync/atomic"

// baseCap returns the starting adaptive concurrency cap for a plan of the
// given port count, per the fixed size bands.
func baseCap(portCount int) int64 {
	switch {
	case portCount <= 1000:
		return 20
	case portCount <= 5000:
		return 100
	case portCount <= 10000:
		return 500
	case portCount <= 20000:
		return 1000
	default:
		return 1500
	}
}

// concurrencyLimiter is the adaptive per-target concurrency cap: it halves
// on sustained ICMP rate-limit observations (multiplicative decrease) and
// restores linearly once observations clear, with a floor of 1.
type concurrencyLimiter struct {
	cap      int64 // current cap, atomic
	base     int64 // the original, unthrottled cap
	floor    int64
	inFlight int64 // atomic
}

func newConcurrencyLimiter(portCount int) *concurrencyLimiter {
	base := baseCap(portCount)
	return &concurrencyLimiter{cap: base, base: base, floor: 1}
}

// Cap returns the current adaptive cap.
func (c *concurrencyLimiter) Cap() int64 {
	return atomic.LoadInt64(&c.cap)
}

// Throttle halves the cap (multiplicative decrease), never below floor.
func (c *concurrencyLimiter) Throttle() {
	for {
		old := atomic.LoadInt64(&c.cap)
		next := old / 2
		if next < c.floor {
			next = c.floor
		}
		if next == old {
			return
		}
		if atomic.CompareAndSwapInt64(&c.cap, old, next) {
			return
		}
	}
}

// Restore grows the cap by one step (linear restore), never above base.
func (c *concurrencyLimiter) Restore() {
	for {
		old := atomic.LoadInt64(&c.cap)
		if old >= c.base {
			return
		}
		next := old + 1
		if next > c.base {
			next = c.base
		}
		if atomic.CompareAndSwapInt64(&c.cap, old, next) {
			return
		}
	}
}

// TryAcquire reports whether a new port probe may start, given the
// current cap and in-flight count.
func (c *concurrencyLimiter) TryAcquire() bool {
	for {
		cap := atomic.LoadInt64(&c.cap)
		inFlight := atomic.LoadInt64(&c.inFlight)
		if inFlight >= cap {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.inFlight, inFlight, inFlight+1) {
			return true
		}
	}
}

// Release gives back a slot acquired by TryAcquire.
func (c *concurrencyLimiter) Release() {
	atomic.AddInt64(&c.inFlight, -1)
}
