package authkit

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetricsRecordEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(registry)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	metrics.Increment(metricLoginSuccess)
	metrics.Increment(metricLoginSuccess)
	metrics.Increment(metricRefreshReuse)
	metrics.AddReaperDeleted(reaperReasonExpired, 4)
	metrics.AddReaperDeleted(reaperReasonSizeLimit, 0)
	metrics.SetRefreshTokenCount(17)

	if value := testutil.ToFloat64(metrics.authEvents.WithLabelValues(metricLoginSuccess)); value != 2 {
		t.Fatalf("expected 2 login successes, got %v", value)
	}
	if value := testutil.ToFloat64(metrics.authEvents.WithLabelValues(metricRefreshReuse)); value != 1 {
		t.Fatalf("expected 1 reuse, got %v", value)
	}
	if value := testutil.ToFloat64(metrics.reaperDeleted.WithLabelValues(reaperReasonExpired)); value != 4 {
		t.Fatalf("expected 4 expired deletions, got %v", value)
	}
	if value := testutil.ToFloat64(metrics.refreshTokens); value != 17 {
		t.Fatalf("expected gauge at 17, got %v", value)
	}
	if count := testutil.CollectAndCount(metrics.reaperDeleted); count != 1 {
		t.Fatalf("zero deletions must not create a series, got %d", count)
	}

	if _, err := NewPrometheusMetrics(registry); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestCounterMetricsSnapshotIsACopy(t *testing.T) {
	metrics := NewCounterMetrics()
	metrics.Increment(metricRevoke)
	snapshot := metrics.Snapshot()
	snapshot[metricRevoke] = 99
	if metrics.Count(metricRevoke) != 1 {
		t.Fatalf("snapshot mutation leaked into recorder")
	}
}
