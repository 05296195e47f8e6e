package aggregator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanorama/internal/db"
	"github.com/anstrom/scanorama/internal/engine"
)

func sampleResult(port uint16) engine.Result {
	return engine.Result{
		Address:   "192.0.2.1",
		Port:      port,
		Transport: engine.TCP,
		State:     engine.Open,
		Latency:   5 * time.Millisecond,
	}
}

func TestInMemoryAggregatorAssignsMonotonicSequence(t *testing.T) {
	agg := NewInMemoryAggregator(uuid.New(), 4, 4)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agg.Submit(sampleResult(uint16(1000 + i)))
		}(i)
	}
	wg.Wait()

	results := agg.Results()
	require.Len(t, results, 16)
	for i := 1; i < len(results); i++ {
		assert.Less(t, results[i-1].SequenceNumber, results[i].SequenceNumber)
	}
}

func TestInMemoryAggregatorFlushAndCompleteAreNoOps(t *testing.T) {
	agg := NewInMemoryAggregator(uuid.New(), 1, 1)
	require.NoError(t, agg.Flush(context.Background()))
	require.NoError(t, agg.Complete(context.Background(), db.RunStatusComplete))
}

type fakeResultWriter struct {
	mu      sync.Mutex
	batches [][]db.ScanResult
	failN   int // fail the first failN calls
	calls   int
}

func (f *fakeResultWriter) InsertBatch(_ context.Context, results []db.ScanResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("simulated write failure")
	}
	cp := make([]db.ScanResult, len(results))
	copy(cp, results)
	f.batches = append(f.batches, cp)
	return nil
}

type fakeRunCompleter struct {
	mu        sync.Mutex
	completed bool
	status    db.RunStatus
}

func (f *fakeRunCompleter) Complete(_ context.Context, _ uuid.UUID, status db.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	f.status = status
	return nil
}

func TestAsyncAggregatorFlushWaitsForDurability(t *testing.T) {
	writer := &fakeResultWriter{}
	runs := &fakeRunCompleter{}
	agg := NewAsyncAggregator(context.Background(), uuid.New(), runs, writer)

	for i := 0; i < 10; i++ {
		agg.Submit(sampleResult(uint16(2000 + i)))
	}

	require.NoError(t, agg.Flush(context.Background()))

	writer.mu.Lock()
	total := 0
	for _, b := range writer.batches {
		total += len(b)
	}
	writer.mu.Unlock()
	assert.Equal(t, 10, total)

	require.NoError(t, agg.Complete(context.Background(), db.RunStatusComplete))
	assert.True(t, runs.completed)
	assert.Equal(t, db.RunStatusComplete, runs.status)
}

func TestAsyncAggregatorSurfacesFatalErrorAfterRetriesExhausted(t *testing.T) {
	writer := &fakeResultWriter{failN: writeRetries + 1}
	runs := &fakeRunCompleter{}
	agg := NewAsyncAggregator(context.Background(), uuid.New(), runs, writer)

	agg.Submit(sampleResult(3000))

	err := agg.Flush(context.Background())
	require.Error(t, err)

	err = agg.Complete(context.Background(), db.RunStatusComplete)
	require.Error(t, err)
	assert.False(t, runs.completed, "run must not be marked complete after a fatal storage error")
}
