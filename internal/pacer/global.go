// Package pacer implements the three cooperating rate limiters that admit
// probes into the wire: a global adaptive token bucket, a per-hostgroup
// semaphore bounding in-flight targets, and an ICMP-driven per-target
// backoff observer. Acquisition order is fixed: global, then hostgroup,
// then a backoff check — each layer has a no-op fast path.
package pacer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// batchGrowthRate is the packets/second threshold above which the
	// global limiter starts amortizing acquisition cost across batches.
	batchGrowthRate = 100_000
	// batchRecalcInterval bounds how often the batch size is recomputed,
	// so recalculation cost stays a small fraction of total acquisitions.
	batchRecalcInterval = 1000
	maxBatchSize        = 256
)

// GlobalLimiter is a token-bucket limiter shared by every probe in the
// run. Rate 0 disables it entirely (Acquire returns immediately).
type GlobalLimiter struct {
	rate       float64 // tokens/sec; 0 disables
	burst      int64
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	acquireCount int64
	batchSize    int64
}

// NewGlobalLimiter constructs a limiter admitting at most rate tokens per
// second, with a bucket capacity of burst tokens. rate == 0 disables
// limiting; the returned limiter's Acquire becomes a no-op.
func NewGlobalLimiter(rate float64, burst int64) *GlobalLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &GlobalLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: time.Now(),
		batchSize:  1,
	}
}

// Acquire blocks, if necessary, until a token is available, or returns
// immediately when the limiter is disabled (rate == 0).
func (g *GlobalLimiter) Acquire(ctx context.Context) error {
	if g.rate <= 0 {
		return nil
	}

	batch := g.currentBatch()
	for {
		g.mu.Lock()
		g.refillLocked()
		if g.tokens >= float64(batch) {
			g.tokens -= float64(batch)
			g.mu.Unlock()
			return nil
		}
		deficit := float64(batch) - g.tokens
		wait := time.Duration(deficit / g.rate * float64(time.Second))
		g.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *GlobalLimiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(g.lastRefill).Seconds()
	g.lastRefill = now
	g.tokens += elapsed * g.rate
	if g.tokens > float64(g.burst) {
		g.tokens = float64(g.burst)
	}
}

// currentBatch recomputes the effective batch size at most once per
// batchRecalcInterval acquisitions: at low rates the batch is 1; at rates
// at or above batchGrowthRate it grows so acquisition amortizes its own
// lock/timer overhead.
func (g *GlobalLimiter) currentBatch() int64 {
	n := atomic.AddInt64(&g.acquireCount, 1)
	if n%batchRecalcInterval != 1 {
		return atomic.LoadInt64(&g.batchSize)
	}

	var batch int64 = 1
	if g.rate >= batchGrowthRate {
		batch = int64(g.rate / batchGrowthRate)
		if batch > maxBatchSize {
			batch = maxBatchSize
		}
	}
	atomic.StoreInt64(&g.batchSize, batch)
	return batch
}
