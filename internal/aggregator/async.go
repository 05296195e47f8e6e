package aggregator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/scanorama/internal/db"
	"github.com/anstrom/scanorama/internal/engine"
	"github.com/anstrom/scanorama/internal/errors"
	"github.com/anstrom/scanorama/internal/metrics"
)

const (
	// resultBatchSize is the commit unit: each batch of this many results
	// is written in one transaction.
	resultBatchSize = 500
	// resultFlushInterval bounds how long a partial batch waits before
	// being committed anyway.
	resultFlushInterval = 100 * time.Millisecond

	writeRetries    = 3
	writeRetryDelay = 200 * time.Millisecond
	submitChanDepth = 2 * resultBatchSize
)

// runCompleter and batchWriter narrow *db.ScanRunRepository and
// *db.ScanResultRepository to exactly what the writer loop needs, so unit
// tests can substitute fakes instead of standing up a database.
type runCompleter interface {
	Complete(ctx context.Context, id uuid.UUID, status db.RunStatus) error
}

type batchWriter interface {
	InsertBatch(ctx context.Context, results []db.ScanResult) error
}

// AsyncAggregator streams results over a bounded channel to a single
// background writer that commits batches of resultBatchSize (or whatever
// is buffered after resultFlushInterval) in one transaction each. Flush
// and Complete block on a single-shot completion handle set by the writer,
// never on a sleep — "has the writer caught up" is answered by a channel
// close, not a poll loop.
type AsyncAggregator struct {
	runID uuid.UUID
	seq   int64

	runRepo    runCompleter
	resultRepo batchWriter

	submit   chan db.ScanResult
	flushReq chan chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	fatalErr atomic.Value // stores error
}

// NewAsyncAggregator starts the background writer goroutine immediately.
func NewAsyncAggregator(
	ctx context.Context,
	runID uuid.UUID,
	runRepo runCompleter,
	resultRepo batchWriter,
) *AsyncAggregator {
	a := &AsyncAggregator{
		runID:      runID,
		runRepo:    runRepo,
		resultRepo: resultRepo,
		submit:     make(chan db.ScanResult, submitChanDepth),
		flushReq:   make(chan chan struct{}),
		done:       make(chan struct{}),
	}
	a.wg.Add(1)
	go a.writerLoop(ctx)
	return a
}

// Submit assigns the next sequence number and enqueues the result. It
// blocks while the channel is full — the documented backpressure coupling
// between the writer's throughput and probe admission.
func (a *AsyncAggregator) Submit(r engine.Result) db.ScanResult {
	result := newScanResult(a.runID, nextSeq(&a.seq), r)
	select {
	case a.submit <- result:
	case <-a.done:
		// Writer already gave up; the result still carries a valid
		// sequence number for in-flight bookkeeping even though it will
		// never reach storage.
	}
	return result
}

// Flush blocks until every result submitted before this call is durable.
func (a *AsyncAggregator) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case a.flushReq <- reply:
	case <-a.done:
		return a.fatal()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reply:
		return a.fatal()
	case <-a.done:
		return a.fatal()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete closes the submit channel, waits for the writer to drain and
// commit its final batch, and marks the run's terminal status.
func (a *AsyncAggregator) Complete(ctx context.Context, status db.RunStatus) error {
	close(a.submit)

	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := a.fatal(); err != nil {
		return err
	}
	return a.runRepo.Complete(ctx, a.runID, status)
}

func (a *AsyncAggregator) fatal() error {
	if v := a.fatalErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (a *AsyncAggregator) writerLoop(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.done)

	batch := make([]db.ScanResult, 0, resultBatchSize)
	ticker := time.NewTicker(resultFlushInterval)
	defer ticker.Stop()

	commit := func() bool {
		if len(batch) == 0 {
			return true
		}
		if err := a.commitWithRetry(ctx, batch); err != nil {
			a.fatalErr.Store(errors.ErrStorageFatal(err))
			return false
		}
		batch = batch[:0]
		return true
	}

	for {
		select {
		case r, ok := <-a.submit:
			if !ok {
				commit()
				return
			}
			batch = append(batch, r)
			if len(batch) >= resultBatchSize {
				if !commit() {
					a.drainSubmitAndReplies()
					return
				}
			}
		case reply := <-a.flushReq:
			// Pull in everything already queued so the commit covers every
			// result submitted before the flush request.
		pending:
			for {
				select {
				case r, ok := <-a.submit:
					if !ok {
						break pending
					}
					batch = append(batch, r)
				default:
					break pending
				}
			}
			commit()
			close(reply)
		case <-ticker.C:
			commit()
		case <-ctx.Done():
			commit()
			return
		}
	}
}

// drainSubmitAndReplies unblocks any goroutine waiting on a.submit or
// a.flushReq after a fatal write error, so Submit/Flush callers observe
// a.done closing instead of hanging forever.
func (a *AsyncAggregator) drainSubmitAndReplies() {
	for {
		select {
		case _, ok := <-a.submit:
			if !ok {
				return
			}
		case reply := <-a.flushReq:
			close(reply)
		default:
			return
		}
	}
}

func (a *AsyncAggregator) commitWithRetry(ctx context.Context, batch []db.ScanResult) error {
	start := time.Now()
	m := metrics.GetGlobalMetrics()

	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(writeRetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				m.IncrementBatchesCommitted("failure")
				return ctx.Err()
			}
		}
		if err := a.resultRepo.InsertBatch(ctx, batch); err != nil {
			lastErr = err
			continue
		}
		m.IncrementBatchesCommitted("success")
		m.RecordBatchCommitLatency(time.Since(start))
		return nil
	}
	m.IncrementBatchesCommitted("failure")
	m.RecordBatchCommitLatency(time.Since(start))
	return lastErr
}
