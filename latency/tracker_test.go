package latency

import (
	"testing"
	"time"

	"github.com/edwardtay/kraken-ws-sdk/config"
)

func testLatencyConfig() config.LatencyConfig {
	return config.LatencyConfig{
		MaxSamples:       1000,
		BucketWidth:      time.Millisecond,
		BucketCount:      100,
		NetworkThreshold: 50 * time.Millisecond,
		TotalThreshold:   60 * time.Millisecond,
	}
}

func TestRecordAndPercentiles(t *testing.T) {
	tr := NewTracker(testLatencyConfig(), nil)
	base := time.Now()

	// 100 samples with network latency 1ms..100ms.
	for i := 1; i <= 100; i++ {
		exchange := base
		recv := base.Add(time.Duration(i) * time.Millisecond)
		process := recv.Add(time.Millisecond)
		tr.Record(exchange, recv, process, "ticker", "BTC/USD")
	}

	s := tr.Stats()
	if s.SampleCount != 100 {
		t.Fatalf("sample count = %d", s.SampleCount)
	}
	if s.Network.P50 != 50*time.Millisecond {
		t.Errorf("p50 = %v, want 50ms", s.Network.P50)
	}
	if s.Network.P95 != 95*time.Millisecond {
		t.Errorf("p95 = %v, want 95ms", s.Network.P95)
	}
	if s.Network.P99 != 99*time.Millisecond {
		t.Errorf("p99 = %v, want 99ms", s.Network.P99)
	}
	if s.Network.Min != time.Millisecond || s.Network.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", s.Network.Min, s.Network.Max)
	}
	if s.Processing.P50 != time.Millisecond {
		t.Errorf("processing p50 = %v", s.Processing.P50)
	}
}

func TestClockSkewDiscarded(t *testing.T) {
	tr := NewTracker(testLatencyConfig(), nil)
	base := time.Now()

	// Receive precedes exchange by more than a second: discard from stats.
	sample, kept := tr.Record(base, base.Add(-2*time.Second), base.Add(-2*time.Second), "ticker", "BTC/USD")
	if kept {
		t.Fatal("skewed sample should not be kept")
	}
	// The measurement itself is still returned so the event can be
	// delivered.
	if sample.Network >= 0 {
		t.Errorf("network latency should be negative, got %v", sample.Network)
	}

	s := tr.Stats()
	if s.SampleCount != 0 || s.SkewedDiscarded != 1 {
		t.Errorf("stats: %+v", s)
	}

	// Mild negative skew is kept.
	_, kept = tr.Record(base, base.Add(-500*time.Millisecond), base, "ticker", "BTC/USD")
	if !kept {
		t.Error("mild skew should be kept")
	}
}

func TestHistogram(t *testing.T) {
	tr := NewTracker(testLatencyConfig(), nil)
	base := time.Now()

	// Two samples in bucket 0 (total < 1ms), one in bucket 5.
	tr.Record(base, base.Add(100*time.Microsecond), base.Add(200*time.Microsecond), "ticker", "BTC/USD")
	tr.Record(base, base.Add(300*time.Microsecond), base.Add(400*time.Microsecond), "ticker", "BTC/USD")
	tr.Record(base, base.Add(5*time.Millisecond), base.Add(5500*time.Microsecond), "ticker", "BTC/USD")

	h := tr.Stats().Histogram
	if len(h.Buckets) != 100 {
		t.Fatalf("bucket count = %d", len(h.Buckets))
	}
	if h.Buckets[0].Count != 2 {
		t.Errorf("bucket 0 count = %d, want 2", h.Buckets[0].Count)
	}
	if h.Buckets[5].Count != 1 {
		t.Errorf("bucket 5 count = %d, want 1", h.Buckets[5].Count)
	}
}

func TestThresholdAlerts(t *testing.T) {
	var alerts []Alert
	tr := NewTracker(testLatencyConfig(), func(a Alert) { alerts = append(alerts, a) })
	base := time.Now()

	// Below thresholds: no alert.
	tr.Record(base, base.Add(10*time.Millisecond), base.Add(11*time.Millisecond), "ticker", "BTC/USD")
	if len(alerts) != 0 {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}

	// Network over 50ms fires both network and total alerts.
	tr.Record(base, base.Add(70*time.Millisecond), base.Add(71*time.Millisecond), "ticker", "BTC/USD")
	if len(alerts) != 2 {
		t.Fatalf("alert count = %d, want 2", len(alerts))
	}
	if alerts[0].Type != AlertNetwork || alerts[1].Type != AlertTotal {
		t.Errorf("alert types: %+v", alerts)
	}
	if alerts[0].Threshold != 50*time.Millisecond {
		t.Errorf("threshold = %v", alerts[0].Threshold)
	}
}

func TestRollingRingOverwrite(t *testing.T) {
	cfg := testLatencyConfig()
	cfg.MaxSamples = 10
	tr := NewTracker(cfg, nil)
	base := time.Now()

	// 10 slow samples, then 10 fast: only the fast ones remain.
	for i := 0; i < 10; i++ {
		tr.Record(base, base.Add(40*time.Millisecond), base.Add(41*time.Millisecond), "ticker", "BTC/USD")
	}
	for i := 0; i < 10; i++ {
		tr.Record(base, base.Add(2*time.Millisecond), base.Add(3*time.Millisecond), "ticker", "BTC/USD")
	}

	s := tr.Stats()
	if s.Network.Max != 2*time.Millisecond {
		t.Errorf("ring did not roll: max = %v", s.Network.Max)
	}
	if s.SampleCount != 20 {
		t.Errorf("sample count = %d, want 20", s.SampleCount)
	}
}
