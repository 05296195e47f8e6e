package aggregator

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/anstrom/scanorama/internal/db"
	"github.com/anstrom/scanorama/internal/engine"
)

// maxPreallocation bounds the estimated-capacity preallocation so a
// pathological |targets| x |ports| product can't pre-size a multi-gigabyte
// slice before a single result arrives.
const maxPreallocation = 1_000_000

// InMemoryAggregator holds every ScanResult for a run in a single
// pre-sized, mutex-guarded slice. Many goroutines may Submit concurrently;
// Results is meant for the one consumer reading the final report.
type InMemoryAggregator struct {
	runID uuid.UUID
	seq   int64

	mu      sync.Mutex
	results []db.ScanResult
}

// NewInMemoryAggregator estimates capacity as targets*ports, clamped.
func NewInMemoryAggregator(runID uuid.UUID, targets, ports int) *InMemoryAggregator {
	capacity := targets * ports
	if capacity <= 0 || capacity > maxPreallocation {
		capacity = maxPreallocation
	}
	return &InMemoryAggregator{
		runID:   runID,
		results: make([]db.ScanResult, 0, capacity),
	}
}

// Submit assigns the next sequence number and records the result.
func (a *InMemoryAggregator) Submit(r engine.Result) db.ScanResult {
	result := newScanResult(a.runID, nextSeq(&a.seq), r)
	a.mu.Lock()
	a.results = append(a.results, result)
	a.mu.Unlock()
	return result
}

// Flush is a no-op for the in-memory variant: every Submit is immediately
// visible to Results under the mutex.
func (a *InMemoryAggregator) Flush(_ context.Context) error { return nil }

// Complete is a no-op for the in-memory variant; there is no background
// writer to drain.
func (a *InMemoryAggregator) Complete(_ context.Context, _ db.RunStatus) error { return nil }

// Results returns all submitted results ordered by sequence number.
func (a *InMemoryAggregator) Results() []db.ScanResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]db.ScanResult, len(a.results))
	copy(out, a.results)
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}
