package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestDisabledMetricsAreInert(t *testing.T) {
	m := New(Config{Enabled: false})
	m.Inc(MetricLoginSuccess)
	m.Observe(MetricVerifyLatency, time.Millisecond)

	if m.Value(MetricLoginSuccess) != 0 {
		t.Fatal("disabled metrics must not count")
	}
	if len(m.Snapshot().Counters) != 0 {
		t.Fatal("disabled snapshot must be empty")
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(MetricLoginSuccess)
	if nilMetrics.Enabled() {
		t.Fatal("nil metrics must report disabled")
	}
}

func TestConcurrentIncrements(t *testing.T) {
	m := New(Config{Enabled: true})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Inc(MetricRefreshSuccess)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricRefreshSuccess); got != 16000 {
		t.Fatalf("expected 16000, got %d", got)
	}
}

func TestAddAndSnapshot(t *testing.T) {
	m := New(Config{Enabled: true, EnableLatencyHistograms: true})
	m.Add(MetricSweepDeleted, 42)
	m.Observe(MetricVerifyLatency, 3*time.Millisecond)
	m.Observe(MetricVerifyLatency, 70*time.Millisecond)
	m.Observe(MetricVerifyLatency, 2*time.Second)
	m.Observe(MetricLoginSuccess, time.Millisecond)

	snap := m.Snapshot()
	if snap.Counters[MetricSweepDeleted] != 42 {
		t.Fatalf("unexpected sweep counter %d", snap.Counters[MetricSweepDeleted])
	}
	if _, ok := snap.Counters[MetricVerifyLatency]; ok {
		t.Fatal("latency id must not appear as a counter")
	}

	buckets := snap.Histograms[MetricVerifyLatency]
	if len(buckets) != HistBucketCount {
		t.Fatalf("expected %d buckets, got %d", HistBucketCount, len(buckets))
	}
	if buckets[0] != 1 || buckets[4] != 1 || buckets[HistBucketCount-1] != 1 {
		t.Fatalf("unexpected bucket distribution %v", buckets)
	}
}
