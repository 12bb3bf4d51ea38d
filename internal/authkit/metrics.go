package authkit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric event names recorded by the service.
const (
	metricLoginSuccess    = "auth.login.success"
	metricLoginFailure    = "auth.login.failure"
	metricRegister        = "auth.register"
	metricRefreshSuccess  = "auth.refresh.success"
	metricRefreshFailure  = "auth.refresh.failure"
	metricRefreshReuse    = "auth.refresh.reuse"
	metricRotateRetry     = "auth.refresh.rotate_retry"
	metricRevoke          = "auth.revoke"
	metricAccessRejected  = "auth.access.rejected"
	metricRoleForbidden   = "auth.role.forbidden"
	reaperReasonExpired   = "expired"
	reaperReasonSizeLimit = "size_limit"
)

// MetricsRecorder increments counters for auth events and records store housekeeping.
type MetricsRecorder interface {
	Increment(event string)
	AddReaperDeleted(reason string, count int64)
	SetRefreshTokenCount(count int64)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex         sync.Mutex
	counts        map[string]int64
	reaperDeleted map[string]int64
	storeSize     int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{
		counts:        make(map[string]int64),
		reaperDeleted: make(map[string]int64),
	}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// AddReaperDeleted accumulates reaper deletions per reason.
func (recorder *CounterMetrics) AddReaperDeleted(reason string, count int64) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.reaperDeleted[reason] += count
}

// SetRefreshTokenCount stores the last observed store size.
func (recorder *CounterMetrics) SetRefreshTokenCount(count int64) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.storeSize = count
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// ReaperDeleted returns the accumulated deletions for a reason.
func (recorder *CounterMetrics) ReaperDeleted(reason string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.reaperDeleted[reason]
}

// RefreshTokenCount returns the last observed store size.
func (recorder *CounterMetrics) RefreshTokenCount() int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.storeSize
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics implements MetricsRecorder on Prometheus collectors.
type PrometheusMetrics struct {
	authEvents    *prometheus.CounterVec
	reaperDeleted *prometheus.CounterVec
	refreshTokens prometheus.Gauge
}

// NewPrometheusMetrics registers the collectors on registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	metrics := &PrometheusMetrics{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "platformauth_auth_events_total", Help: "Authentication events by type",
		}, []string{"event"}),
		reaperDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "platformauth_reaper_deleted_total", Help: "Refresh token records removed by the reaper",
		}, []string{"reason"}),
		refreshTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "platformauth_refresh_tokens", Help: "Refresh token records currently stored",
		}),
	}
	for _, collector := range []prometheus.Collector{metrics.authEvents, metrics.reaperDeleted, metrics.refreshTokens} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (metrics *PrometheusMetrics) Increment(event string) {
	metrics.authEvents.WithLabelValues(event).Inc()
}

func (metrics *PrometheusMetrics) AddReaperDeleted(reason string, count int64) {
	if count <= 0 {
		return
	}
	metrics.reaperDeleted.WithLabelValues(reason).Add(float64(count))
}

func (metrics *PrometheusMetrics) SetRefreshTokenCount(count int64) {
	metrics.refreshTokens.Set(float64(count))
}
