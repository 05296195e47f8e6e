// Package aggregator collects probe results into ScanResult records with
// aggregator-assigned monotonic sequence numbers, either held entirely in
// memory or streamed to a background database writer.
package aggregator

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/scanorama/internal/db"
	"github.com/anstrom/scanorama/internal/engine"
)

// Aggregator is the common surface the scheduler drives: submit a probe
// result, flush to make previously-submitted results visible/durable, and
// complete the run.
type Aggregator interface {
	Submit(result engine.Result) db.ScanResult
	Flush(ctx context.Context) error
	Complete(ctx context.Context, status db.RunStatus) error
}

// newScanResult converts an engine probe result into a ScanResult carrying
// the next sequence number for runID. Sequence numbers are assigned here,
// not by the engine, so that ordering reflects arrival at the aggregator
// rather than probe dispatch order.
func newScanResult(runID uuid.UUID, seq int64, r engine.Result) db.ScanResult {
	var bannerCopy []byte
	if len(r.Banner) > 0 {
		bannerCopy = append(bannerCopy, r.Banner...)
	}

	return db.ScanResult{
		RunID:          runID,
		SequenceNumber: seq,
		Address:        db.IPAddr{IP: parseAddr(r.Address)},
		Port:           int(r.Port),
		Transport:      r.Transport.String(),
		State:          r.State.String(),
		LatencyMicros:  r.Latency.Microseconds(),
		Banner:         bannerCopy,
		Service:        serviceJSONB(r.Service),
		TLSInfo:        tlsJSONB(r.TLS),
		ObservedAt:     timeNow(),
	}
}

// serviceJSONB encodes a detected service identity to JSONB, or returns
// nil when detection didn't run or found nothing.
func serviceJSONB(s *engine.Service) db.JSONB {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return db.JSONB(data)
}

// tlsJSONB encodes leaf-certificate material to JSONB, or returns nil
// when the matching probe didn't require a TLS handshake.
func tlsJSONB(cert *engine.TLSCertificate) db.JSONB {
	if cert == nil {
		return nil
	}
	data, err := json.Marshal(cert)
	if err != nil {
		return nil
	}
	return db.JSONB(data)
}

func nextSeq(counter *int64) int64 {
	return atomic.AddInt64(counter, 1)
}

func parseAddr(address string) net.IP {
	if ip := net.ParseIP(address); ip != nil {
		return ip
	}
	if host, _, err := net.SplitHostPort(address); err == nil {
		return net.ParseIP(host)
	}
	return nil
}

var timeNow = time.Now
