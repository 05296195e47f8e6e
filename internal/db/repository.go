package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	// resultBatchSize is the async-persisted aggregator's commit unit: each
	// batch of this many results is written in one transaction.
	resultBatchSize = 500
	// resultFlushInterval bounds how long a partial batch waits before being
	// committed anyway, so low-throughput runs still make visible progress.
	resultFlushInterval = 100 * time.Millisecond
)

// ScanRunRepository persists ScanRun rows: one per scheduler invocation.
type ScanRunRepository struct {
	db *DB
}

// NewScanRunRepository constructs a ScanRunRepository.
func NewScanRunRepository(db *DB) *ScanRunRepository {
	return &ScanRunRepository{db: db}
}

// Create inserts a new ScanRun in the "running" state.
func (r *ScanRunRepository) Create(ctx context.Context, run *ScanRun) error {
	const query = `
		INSERT INTO scan_runs (id, started_at, status, parameters)
		VALUES (:id, :started_at, :status, :parameters)`

	_, err := r.db.NamedExecContext(ctx, query, run)
	if err != nil {
		return sanitizeDBError("create scan run", err)
	}
	return nil
}

// Complete marks a ScanRun as finished with the given terminal status.
func (r *ScanRunRepository) Complete(ctx context.Context, id uuid.UUID, status RunStatus) error {
	const query = `
		UPDATE scan_runs
		SET status = $2, completed_at = NOW()
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, id, status)
	if err != nil {
		return sanitizeDBError("complete scan run", err)
	}
	return nil
}

// Get fetches a ScanRun by id.
func (r *ScanRunRepository) Get(ctx context.Context, id uuid.UUID) (*ScanRun, error) {
	var run ScanRun
	const query = `SELECT id, started_at, completed_at, status, parameters FROM scan_runs WHERE id = $1`
	if err := r.db.GetContext(ctx, &run, query, id); err != nil {
		return nil, sanitizeDBError("get scan run", err)
	}
	return &run, nil
}

// ScanResultRepository persists ScanResult rows in the batches the
// async-persisted aggregator hands it: one COPY per batch, one
// transaction per batch, so a crash mid-run loses at most one in-flight
// batch rather than corrupting earlier results.
type ScanResultRepository struct {
	db *DB
}

// NewScanResultRepository constructs a ScanResultRepository.
func NewScanResultRepository(db *DB) *ScanResultRepository {
	return &ScanResultRepository{db: db}
}

// resultColumns lists the scan_results columns in the order InsertBatch
// streams them through COPY.
var resultColumns = []string{
	"run_id", "sequence_number", "address", "port", "transport", "state",
	"latency_micros", "banner", "service", "tls_info", "observed_at",
}

// InsertBatch commits an entire batch of results in one transaction using
// the PostgreSQL COPY protocol (via lib/pq's CopyIn), which amortizes the
// per-row round trip that a batch of 500 individual INSERTs would pay.
func (r *ScanResultRepository) InsertBatch(ctx context.Context, results []ScanResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return sanitizeDBError("begin result batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("scan_results", resultColumns...))
	if err != nil {
		return sanitizeDBError("prepare result batch copy", err)
	}

	for _, res := range results {
		if _, err := stmt.ExecContext(ctx,
			res.RunID, res.SequenceNumber, res.Address.String(), res.Port, res.Transport,
			res.State, res.LatencyMicros, res.Banner, []byte(res.Service), []byte(res.TLSInfo),
			res.ObservedAt,
		); err != nil {
			_ = stmt.Close()
			return sanitizeDBError("copy result row", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return sanitizeDBError("flush result batch copy", err)
	}
	if err := stmt.Close(); err != nil {
		return sanitizeDBError("close result batch copy", err)
	}
	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit result batch", err)
	}
	return nil
}

// CountForRun returns how many results have been persisted for a run, used
// by tests and status reporting to confirm the aggregator fully drained.
func (r *ScanResultRepository) CountForRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	var count int64
	const query = `SELECT COUNT(*) FROM scan_results WHERE run_id = $1`
	if err := r.db.GetContext(ctx, &count, query, runID); err != nil {
		return 0, sanitizeDBError("count scan results", err)
	}
	return count, nil
}
