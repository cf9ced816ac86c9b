package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetricsCreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordTranscript(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscript(ctx, "suggestion", 1500*time.Millisecond)
	m.RecordTranscript(ctx, "suggestion", 0) // no duration, counter only

	rm := collect(t, reader)
	counter := findMetric(rm, "parlance.transcripts")
	if counter == nil {
		t.Fatal("parlance.transcripts not found")
	}
	sum, ok := counter.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", counter.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("transcript count = %d, want 2", total)
	}

	hist := findMetric(rm, "parlance.stt.duration")
	if hist == nil {
		t.Fatal("parlance.stt.duration not found")
	}
	hd, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", hist.Data)
	}
	var count uint64
	for _, dp := range hd.DataPoints {
		count += dp.Count
	}
	if count != 1 {
		t.Errorf("stt duration observations = %d, want 1", count)
	}
}

func TestSessionGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionStarted(ctx)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx)

	rm := collect(t, reader)
	gauge := findMetric(rm, "parlance.active_sessions")
	if gauge == nil {
		t.Fatal("parlance.active_sessions not found")
	}
	sum, ok := gauge.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", gauge.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 1 {
		t.Errorf("active sessions = %d, want 1", total)
	}
}

func TestNilMetricsNoOps(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// Must not panic.
	m.RecordTranscript(ctx, "persona", time.Second)
	m.RecordGeneration(ctx, "persona", "ok", time.Second)
	m.RecordSuggestions(ctx, 3)
	m.RecordBattleCard(ctx, "card")
	m.RecordProviderError(ctx, "stt", "reconnect")
	m.RecordSynthesis(ctx, time.Second)
	m.SessionStarted(ctx)
	m.SessionEnded(ctx)
	m.ConnectionOpened(ctx)
	m.ConnectionClosed(ctx)
}
