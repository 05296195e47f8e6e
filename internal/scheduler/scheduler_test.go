package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanorama/internal/aggregator"
	"github.com/anstrom/scanorama/internal/engine"
	"github.com/anstrom/scanorama/internal/errors"
	"github.com/anstrom/scanorama/internal/pacer"
)

func TestTimingProfileParamsFallsBackToNormal(t *testing.T) {
	assert.Equal(t, timingTable[T3], TimingProfile(99).Params())
	assert.Equal(t, timingTable[T0], T0.Params())
}

func TestTimingProfileString(t *testing.T) {
	assert.Equal(t, "T3 (normal)", T3.String())
	assert.Equal(t, "unknown", TimingProfile(-1).String())
}

func TestBaseCapBands(t *testing.T) {
	assert.Equal(t, int64(20), baseCap(100))
	assert.Equal(t, int64(20), baseCap(1000))
	assert.Equal(t, int64(100), baseCap(1001))
	assert.Equal(t, int64(500), baseCap(10000))
	assert.Equal(t, int64(1000), baseCap(20000))
	assert.Equal(t, int64(1500), baseCap(20001))
}

func TestConcurrencyLimiterThrottleAndRestore(t *testing.T) {
	c := newConcurrencyLimiter(100) // base 20
	require.Equal(t, int64(20), c.Cap())

	c.Throttle()
	assert.Equal(t, int64(10), c.Cap())
	c.Throttle()
	assert.Equal(t, int64(5), c.Cap())

	c.Restore()
	assert.Equal(t, int64(6), c.Cap())

	for i := 0; i < 20; i++ {
		c.Restore()
	}
	assert.Equal(t, int64(20), c.Cap(), "restore must never exceed base")
}

func TestConcurrencyLimiterThrottleFloor(t *testing.T) {
	c := newConcurrencyLimiter(10) // base 20
	for i := 0; i < 10; i++ {
		c.Throttle()
	}
	assert.Equal(t, int64(1), c.Cap())
}

func TestConcurrencyLimiterAcquireRelease(t *testing.T) {
	c := newConcurrencyLimiter(10)
	c.cap = 2
	require.True(t, c.TryAcquire())
	require.True(t, c.TryAcquire())
	assert.False(t, c.TryAcquire(), "third acquire must fail once cap is exhausted")

	c.Release()
	assert.True(t, c.TryAcquire())
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := newCircuitBreaker()
	b.cooldown = 10 * time.Millisecond

	for i := 0; i < defaultFailureThreshold-1; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.True(t, b.Allow(), "breaker must stay closed below the threshold")
	b.RecordFailure()
	assert.False(t, b.Allow(), "breaker must open once the threshold is reached")
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	b := newCircuitBreaker()
	b.cooldown = 5 * time.Millisecond
	for i := 0; i < defaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	require.False(t, b.Allow())

	time.Sleep(10 * time.Millisecond)
	assert.True(t, b.Allow(), "breaker must allow one half-open trial after cooldown")
	b.RecordSuccess()
	assert.True(t, b.Allow())
}

func TestCircuitBreakerHalfOpenFailureReopensImmediately(t *testing.T) {
	b := newCircuitBreaker()
	b.cooldown = 5 * time.Millisecond
	for i := 0; i < defaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	time.Sleep(10 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.False(t, b.Allow(), "a failed half-open trial must reopen the breaker")
}

// stubEngine is a deterministic, in-process Engine used to exercise the
// scheduler without touching a real socket: it reports Open for ports in
// openPorts and Closed otherwise, after counting the call.
type stubEngine struct {
	openPorts map[uint16]bool
	calls     int64
	failFirst int64 // number of leading calls that return a retryable error
}

func (e *stubEngine) Transport() engine.Transport { return engine.TCP }
func (e *stubEngine) RequiresRawSocket() bool      { return false }

func (e *stubEngine) Probe(_ context.Context, address string, port uint16) (engine.Result, error) {
	n := atomic.AddInt64(&e.calls, 1)
	if n <= e.failFirst {
		return engine.Result{Address: address, Port: port, Transport: engine.TCP},
			errors.NewScanError(errors.CodeTransientNetwork, "probe", "simulated transient failure")
	}
	state := engine.Closed
	if e.openPorts[port] {
		state = engine.Open
	}
	return engine.Result{Address: address, Port: port, Transport: engine.TCP, State: state}, nil
}

func testPacer() *pacer.Pacer {
	return pacer.New(
		pacer.NewGlobalLimiter(0, 1),
		pacer.NewHostgroupLimiter(8),
		pacer.NewBackoffObserver(0, 0),
	)
}

func TestSchedulerRunRecordsResultsForEveryTargetAndPort(t *testing.T) {
	e := &stubEngine{openPorts: map[uint16]bool{80: true}}
	agg := aggregator.NewInMemoryAggregator(uuid.New(), 2, 2)
	s := New(testPacer(), agg, nil)

	plan := ScanPlan{
		Targets: []string{"10.0.0.1", "10.0.0.2"},
		Ports:   []uint16{80, 81},
		Engine:  e,
		Timing:  T5,
	}

	meta, err := s.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, meta.Status)
	assert.Equal(t, Complete, s.State())

	results := agg.Results()
	require.Len(t, results, 4)

	seen := map[string]engine.PortState{}
	for _, r := range results {
		seen[r.Address.String()+":"+itoaPort(r.Port)] = stateOf(r.State)
	}
	assert.Equal(t, engine.Open, seen["10.0.0.1:80"])
	assert.Equal(t, engine.Closed, seen["10.0.0.1:81"])
	assert.Equal(t, engine.Open, seen["10.0.0.2:80"])
}

func TestSchedulerRunRetriesTransientFailures(t *testing.T) {
	e := &stubEngine{openPorts: map[uint16]bool{80: true}, failFirst: 1}
	agg := aggregator.NewInMemoryAggregator(uuid.New(), 1, 1)
	s := New(testPacer(), agg, nil)

	plan := ScanPlan{
		Targets: []string{"10.0.0.1"},
		Ports:   []uint16{80},
		Engine:  e,
		Timing:  T5,
	}

	_, err := s.Run(context.Background(), plan)
	require.NoError(t, err)

	results := agg.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "open", results[0].State)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&e.calls), int64(2))
}

func TestSchedulerRunCancellationDrainsPartialResults(t *testing.T) {
	e := &stubEngine{openPorts: map[uint16]bool{}}
	agg := aggregator.NewInMemoryAggregator(uuid.New(), 1, 1)
	s := New(testPacer(), agg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := ScanPlan{
		Targets: []string{"10.0.0.1"},
		Ports:   []uint16{80},
		Engine:  e,
		Timing:  T5,
	}

	meta, err := s.Run(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, meta.Status)
	assert.Equal(t, Complete, s.State())
}

func TestSchedulerCancelTransitionsToDraining(t *testing.T) {
	e := &blockingEngine{release: make(chan struct{})}
	agg := aggregator.NewInMemoryAggregator(uuid.New(), 1, 1)
	s := New(testPacer(), agg, nil)

	plan := ScanPlan{
		Targets: []string{"10.0.0.1"},
		Ports:   []uint16{80},
		Engine:  e,
		Timing:  T0,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Run(context.Background(), plan)
	}()

	<-e.entered
	s.Cancel()
	close(e.release)
	wg.Wait()

	assert.Equal(t, Complete, s.State())
}

// blockingEngine blocks inside Probe until release is closed, signalling
// entry via entered so the test can deterministically cancel mid-probe.
type blockingEngine struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (e *blockingEngine) Transport() engine.Transport { return engine.TCP }
func (e *blockingEngine) RequiresRawSocket() bool      { return false }

func (e *blockingEngine) Probe(ctx context.Context, address string, port uint16) (engine.Result, error) {
	e.once.Do(func() { close(e.entered) })
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	return engine.Result{Address: address, Port: port, Transport: engine.TCP, State: engine.Filtered}, nil
}

func stateOf(s string) engine.PortState {
	switch s {
	case "open":
		return engine.Open
	case "closed":
		return engine.Closed
	case "filtered":
		return engine.Filtered
	case "open|filtered":
		return engine.OpenFiltered
	case "unfiltered":
		return engine.Unfiltered
	default:
		return engine.Unknown
	}
}

func itoaPort(p int) string {
	if p == 0 {
		return "0"
	}
	neg := p < 0
	if neg {
		p = -p
	}
	var buf [6]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
