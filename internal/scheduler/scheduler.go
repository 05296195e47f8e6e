// Package scheduler implements the top-level scan driver: it expands a
// ScanPlan into per-target, per-port probes, and enforces concurrency
// caps, pacing, retries, circuit breaking, and ordering while doing so.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/scanorama/internal/aggregator"
	"github.com/anstrom/scanorama/internal/db"
	"github.com/anstrom/scanorama/internal/detect"
	"github.com/anstrom/scanorama/internal/engine"
	"github.com/anstrom/scanorama/internal/errors"
	"github.com/anstrom/scanorama/internal/metrics"
	"github.com/anstrom/scanorama/internal/pacer"
	"github.com/anstrom/scanorama/internal/transport"
)

const fdLimitWarningFraction = 0.5

// Scheduler drives one ScanPlan to completion. A Scheduler is single-use:
// construct one per run.
type Scheduler struct {
	pacer     *pacer.Pacer
	agg       aggregator.Aggregator
	detector  *detect.Database // nil disables service detection regardless of plan.DetectServices

	mu    sync.RWMutex
	state State

	cancel context.CancelFunc
}

// New constructs a Scheduler. detector may be nil if service detection is
// not needed for this run.
func New(p *pacer.Pacer, agg aggregator.Aggregator, detector *detect.Database) *Scheduler {
	return &Scheduler{pacer: p, agg: agg, detector: detector, state: Planning}
}

// State returns the scheduler's current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives plan to completion. Cancelling ctx (SIGINT, external request,
// or an overall deadline) transitions Running -> Draining -> Complete with
// a Cancelled status and whatever partial results were already submitted.
func (s *Scheduler) Run(ctx context.Context, plan ScanPlan) (RunMetadata, error) {
	meta := RunMetadata{ID: uuid.New(), StartedAt: time.Now(), Plan: plan}

	s.setState(Running)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	climiter := newConcurrencyLimiter(len(plan.Ports))
	if plan.MaxConcurrency > 0 && plan.MaxConcurrency < int(climiter.base) {
		climiter.cap = int64(plan.MaxConcurrency)
		climiter.base = int64(plan.MaxConcurrency)
	}
	applyFDLimit(climiter)
	metrics.GetGlobalMetrics().SetConcurrencyCap(climiter.base)
	watchICMP(runCtx, s.pacer, climiter)

	var wg sync.WaitGroup
	var cancelled atomic.Bool
	for _, target := range plan.Targets {
		target := target
		if runCtx.Err() != nil {
			break
		}
		if err := s.pacer.AcquireTarget(runCtx); err != nil {
			cancelled.Store(true)
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.pacer.ReleaseTarget()
			s.runTarget(runCtx, target, plan, climiter, &cancelled)
		}()

		if plan.HostDelay > 0 {
			select {
			case <-time.After(plan.HostDelay):
			case <-runCtx.Done():
			}
		}
	}
	wg.Wait()

	s.setState(Draining)
	flushCtx := ctx
	if ctx.Err() != nil {
		// The caller's context is already done; give draining its own
		// bounded window so a cancelled run still flushes what it has.
		var drainCancel context.CancelFunc
		flushCtx, drainCancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
	}

	status := StatusSuccess
	if cancelled.Load() || ctx.Err() != nil {
		status = StatusCancelled
	}

	flushErr := s.agg.Flush(flushCtx)
	completeErr := s.agg.Complete(flushCtx, toDBStatus(status))

	s.setState(Complete)
	meta.CompletedAt = time.Now()
	meta.Status = status
	metrics.GetGlobalMetrics().IncrementRunsTotal(status.String())

	if completeErr != nil {
		return meta, completeErr
	}
	return meta, flushErr
}

// Cancel requests the scheduler transition to Draining at the next
// opportunity, without waiting for the caller's context to be cancelled.
func (s *Scheduler) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) runTarget(ctx context.Context, target string, plan ScanPlan, climiter *concurrencyLimiter, cancelled *atomic.Bool) {
	breaker := newCircuitBreaker()

	var wg sync.WaitGroup
	for _, port := range plan.Ports {
		port := port
		if ctx.Err() != nil {
			cancelled.Store(true)
			return
		}

		for !climiter.TryAcquire() {
			select {
			case <-ctx.Done():
				cancelled.Store(true)
				return
			case <-time.After(5 * time.Millisecond):
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer climiter.Release()
			s.probePort(ctx, target, port, plan, breaker, climiter)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) probePort(ctx context.Context, target string, port uint16, plan ScanPlan, breaker *circuitBreaker, climiter *concurrencyLimiter) {
	if !breaker.Allow() {
		m := metrics.GetGlobalMetrics()
		m.IncrementProbesTotal(plan.Engine.Transport().String(), "breaker_open")
		m.IncrementResultsSubmitted()
		s.agg.Submit(engine.Result{
			Address:   target,
			Port:      port,
			Transport: plan.Engine.Transport(),
			State:     engine.Filtered,
			Err:       errors.NewScanError(errors.CodeTransientNetwork, "probe", "circuit breaker open for target").WithTarget(target, port),
		})
		return
	}

	deferred, deferUntil, err := s.pacer.AcquireProbe(ctx, target)
	if err != nil {
		return
	}
	if deferred {
		select {
		case <-time.After(time.Until(deferUntil)):
		case <-ctx.Done():
			return
		}
	}

	params := plan.Timing.Params()
	backoff := time.Second
	var result engine.Result
	var probeErr error

	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, params.PerAttemptTimeout)
		result, probeErr = plan.Engine.Probe(attemptCtx, target, port)
		cancel()

		if probeErr == nil {
			break
		}
		var scanErr *errors.ScanError
		if se, ok := probeErr.(*errors.ScanError); ok {
			scanErr = se
		}
		if scanErr == nil || !scanErr.Code.Retryable() || attempt >= 2 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > params.MaxBackoff {
			backoff = params.MaxBackoff
		}
	}

	if probeErr != nil {
		if breaker.RecordFailure() {
			metrics.GetGlobalMetrics().IncrementCircuitBreakerTrips(target)
		}
		result.Err = probeErr
		if result.State == engine.Unknown {
			result.State = engine.Filtered
		}
	} else {
		breaker.RecordSuccess()
		climiter.Restore()
	}

	result.Address = target
	result.Port = port

	if probeErr == nil && result.State == engine.Open && plan.DetectServices && s.detector != nil {
		s.detectService(ctx, target, port, plan, &result)
	}

	transportLabel := plan.Engine.Transport().String()
	m := metrics.GetGlobalMetrics()
	m.IncrementProbesTotal(transportLabel, result.State.String())
	if result.Latency > 0 {
		m.RecordProbeDuration(transportLabel, result.Latency)
	}
	m.IncrementResultsSubmitted()

	s.agg.Submit(result)
}

// detectService runs service/version detection against an already-open port
// (§4.1) and attaches the identity, and TLS leaf certificate when present, to
// result. Each probe attempt is gated through the same global pacer the
// engines use, so detection traffic counts against the configured rate.
func (s *Scheduler) detectService(ctx context.Context, target string, port uint16, plan ScanPlan, result *engine.Result) {
	admit := func(ctx context.Context) error {
		deferred, deferUntil, err := s.pacer.AcquireProbe(ctx, target)
		if err != nil {
			return err
		}
		if deferred {
			select {
			case <-time.After(time.Until(deferUntil)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	det, err := s.detector.Detect(ctx, target, port, plan.Engine.Transport(), plan.DetectionIntensity, admit)
	if err != nil || det == nil {
		return
	}

	result.Service = &engine.Service{
		Name:    det.Match.Service,
		Version: det.Match.Version,
		Soft:    det.Match.Soft,
	}
	if det.TLS != nil {
		result.TLS = &engine.TLSCertificate{
			Subject:   det.TLS.Subject,
			Issuer:    det.TLS.Issuer,
			DNSNames:  det.TLS.DNSNames,
			NotBefore: det.TLS.NotBefore,
			NotAfter:  det.TLS.NotAfter,
		}
	}
}

// applyFDLimit lowers the concurrency cap with a warning when it would
// exceed fdLimitWarningFraction of the process's soft file-descriptor
// limit — each in-flight probe holds at least one fd (a socket).
func applyFDLimit(climiter *concurrencyLimiter) {
	soft, _, err := transport.FDLimit()
	if err != nil || soft == 0 {
		return
	}
	threshold := int64(float64(soft) * fdLimitWarningFraction)
	if climiter.base > threshold {
		log.Printf("scheduler: lowering concurrency cap from %d to %d (soft fd limit %d)", climiter.base, threshold, soft)
		climiter.base = threshold
		if climiter.cap > threshold {
			climiter.cap = threshold
		}
	}
}

func toDBStatus(s RunStatus) db.RunStatus {
	switch s {
	case StatusCancelled:
		return db.RunStatusCancelled
	case StatusRuntimeError:
		return db.RunStatusFailed
	default:
		return db.RunStatusComplete
	}
}
