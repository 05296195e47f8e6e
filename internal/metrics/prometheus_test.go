package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_InitializationAndUpdate(t *testing.T) {
	pm := NewPrometheusMetrics()
	if pm == nil {
		t.Fatalf("NewPrometheusMetrics returned nil")
	}

	reg := pm.GetRegistry()
	if reg == nil {
		t.Fatalf("GetRegistry returned nil")
	}

	pm.UpdateSystemMetrics()
	before := pm.GetUptime()
	time.Sleep(10 * time.Millisecond)
	after := pm.GetUptime()
	if before >= after {
		t.Fatalf("expected uptime to increase, before=%v after=%v", before, after)
	}
}

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	handler := promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{})
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	if body == "" {
		t.Fatalf("expected non-empty metrics body")
	}
	if !contains(body, "scanorama_system_uptime_seconds") {
		end := minInt(200, len(body))
		t.Fatalf("expected uptime metric in output, got: %s", body[:end])
	}
}

func TestPrometheusMetrics_PacerMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementProbesAdmitted("global")
	pm.IncrementProbesAdmitted("global")
	pm.IncrementProbesAdmitted("backoff")

	count := testutil.CollectAndCount(pm.probesAdmitted)
	if count != 2 {
		t.Errorf("expected 2 layer combinations, got %d", count)
	}

	pm.IncrementProbesDeferred("icmp_backoff")
	count = testutil.CollectAndCount(pm.probesDeferred)
	if count != 1 {
		t.Errorf("expected 1 reason, got %d", count)
	}

	pm.SetHostgroupOccupancy(5)
	pm.SetHostgroupOccupancy(3)
	count = testutil.CollectAndCount(pm.hostgroupOccupancy)
	if count != 1 {
		t.Errorf("expected 1 gauge metric, got %d", count)
	}
}

func TestPrometheusMetrics_EngineMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementProbesTotal("tcp", "open")
	pm.IncrementProbesTotal("tcp", "open")
	pm.IncrementProbesTotal("udp", "filtered")

	count := testutil.CollectAndCount(pm.probesTotal)
	if count != 2 {
		t.Errorf("expected 2 transport/state combinations, got %d", count)
	}

	pm.RecordProbeDuration("tcp", 5*time.Millisecond)
	pm.RecordProbeDuration("udp", 2*time.Millisecond)

	count = testutil.CollectAndCount(pm.probeDuration)
	if count != 2 {
		t.Errorf("expected 2 transports, got %d", count)
	}
}

func TestPrometheusMetrics_SchedulerMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementRunsTotal("success")
	pm.IncrementRunsTotal("cancelled")

	count := testutil.CollectAndCount(pm.runsTotal)
	if count != 2 {
		t.Errorf("expected 2 statuses, got %d", count)
	}

	pm.SetConcurrencyCap(200)
	pm.SetConcurrencyCap(100)
	count = testutil.CollectAndCount(pm.concurrencyCap)
	if count != 1 {
		t.Errorf("expected 1 gauge metric, got %d", count)
	}

	pm.IncrementCircuitBreakerTrips("10.0.0.1")
	pm.IncrementCircuitBreakerTrips("10.0.0.2")
	count = testutil.CollectAndCount(pm.circuitBreakerTrips)
	if count != 2 {
		t.Errorf("expected 2 targets, got %d", count)
	}
}

func TestPrometheusMetrics_AggregatorMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementResultsSubmitted()
	pm.IncrementResultsSubmitted()

	count := testutil.CollectAndCount(pm.resultsSubmitted)
	if count != 1 {
		t.Errorf("expected 1 counter metric, got %d", count)
	}

	pm.IncrementBatchesCommitted("success")
	pm.IncrementBatchesCommitted("failure")
	count = testutil.CollectAndCount(pm.batchesCommitted)
	if count != 2 {
		t.Errorf("expected 2 outcomes, got %d", count)
	}

	pm.RecordBatchCommitLatency(15 * time.Millisecond)
	count = testutil.CollectAndCount(pm.batchCommitLatency)
	if count != 1 {
		t.Errorf("expected 1 histogram metric, got %d", count)
	}
}

func TestPrometheusMetrics_DatabaseMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementDatabaseQueries("select", "success")
	pm.IncrementDatabaseQueries("insert", "error")

	count := testutil.CollectAndCount(pm.dbQueries)
	if count != 2 {
		t.Errorf("expected 2 query types, got %d", count)
	}

	pm.RecordDatabaseQueryDuration("select", 10*time.Millisecond)
	pm.RecordDatabaseQueryDuration("insert", 5*time.Millisecond)

	count = testutil.CollectAndCount(pm.dbQueryDuration)
	if count != 2 {
		t.Errorf("expected 2 operation types, got %d", count)
	}

	pm.SetActiveConnections(10)
	pm.SetActiveConnections(8)

	count = testutil.CollectAndCount(pm.dbConnections)
	if count != 1 {
		t.Errorf("expected 1 gauge metric, got %d", count)
	}

	pm.IncrementDatabaseErrors("select", "timeout")
	pm.IncrementDatabaseErrors("insert", "constraint_violation")

	count = testutil.CollectAndCount(pm.dbErrors)
	if count != 2 {
		t.Errorf("expected 2 error types, got %d", count)
	}
}

func TestPrometheusMetrics_SystemMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.UpdateSystemMetrics()

	count := testutil.CollectAndCount(pm.memoryUsage)
	if count != 1 {
		t.Errorf("expected 1 memory metric, got %d", count)
	}

	count = testutil.CollectAndCount(pm.goroutines)
	if count != 1 {
		t.Errorf("expected 1 goroutines metric, got %d", count)
	}

	count = testutil.CollectAndCount(pm.uptime)
	if count != 1 {
		t.Errorf("expected 1 uptime metric, got %d", count)
	}

	before := pm.GetLastUpdate()
	time.Sleep(10 * time.Millisecond)
	pm.UpdateSystemMetrics()
	after := pm.GetLastUpdate()

	if !after.After(before) {
		t.Errorf("expected last update to change after UpdateSystemMetrics")
	}
}

func TestPrometheusMetrics_StartPeriodicUpdates(t *testing.T) {
	pm := NewPrometheusMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pm.StartPeriodicUpdates(ctx, 20*time.Millisecond)
		close(done)
	}()

	<-ctx.Done()
	<-done

	count := testutil.CollectAndCount(pm.uptime)
	if count != 1 {
		t.Errorf("expected metrics to be updated, got %d uptime metrics", count)
	}
}

func TestPrometheusMetrics_GlobalInstance(t *testing.T) {
	gm1 := GetGlobalMetrics()
	if gm1 == nil {
		t.Fatal("GetGlobalMetrics returned nil")
	}

	gm2 := GetGlobalMetrics()
	if gm1 != gm2 {
		t.Error("GetGlobalMetrics should return same instance")
	}
}

func TestPrometheusMetrics_GlobalConvenienceFunctions(t *testing.T) {
	gm := GetGlobalMetrics()

	RecordProbeDurationPrometheus("tcp", 5*time.Millisecond)
	count := testutil.CollectAndCount(gm.probeDuration)
	if count == 0 {
		t.Error("RecordProbeDurationPrometheus did not record metric")
	}

	IncrementProbesTotalPrometheus("tcp", "open")
	count = testutil.CollectAndCount(gm.probesTotal)
	if count == 0 {
		t.Error("IncrementProbesTotalPrometheus did not record metric")
	}

	IncrementRunsTotalPrometheus("success")
	count = testutil.CollectAndCount(gm.runsTotal)
	if count == 0 {
		t.Error("IncrementRunsTotalPrometheus did not record metric")
	}

	RecordDatabaseQueryPrometheus("select", 10*time.Millisecond, true)
	count = testutil.CollectAndCount(gm.dbQueries)
	if count == 0 {
		t.Error("RecordDatabaseQueryPrometheus (success) did not record metric")
	}

	RecordDatabaseQueryPrometheus("insert", 5*time.Millisecond, false)
	count = testutil.CollectAndCount(gm.dbQueryDuration)
	if count == 0 {
		t.Error("RecordDatabaseQueryPrometheus (error) did not record metric")
	}

	SetActiveConnectionsPrometheus(10)
	count = testutil.CollectAndCount(gm.dbConnections)
	if count == 0 {
		t.Error("SetActiveConnectionsPrometheus did not record metric")
	}
}

// contains is a tiny helper to avoid importing strings just for tests
func contains(s, substr string) bool {
	return substr == "" || (len(s) >= len(substr) && indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	n := len(s)
	m := len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
