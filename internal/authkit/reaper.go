package authkit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/tyemirov/platformauth/internal/audit"
	"go.uber.org/zap"
)

// SweepResult reports one reaper pass.
type SweepResult struct {
	Expired   int64 `json:"expired"`
	Evicted   int64 `json:"evicted"`
	Remaining int64 `json:"remaining"`
}

// Reaper periodically deletes stale refresh token records and enforces the size cap.
type Reaper struct {
	store      RefreshTokenStore
	interval   time.Duration
	grace      time.Duration
	maxRecords int
	clock      Clock
	logger     *zap.Logger
	metrics    MetricsRecorder
	audit      audit.Emitter
}

// NewReaper builds a reaper from the housekeeping settings in configuration.
// A non-positive ReaperMaxRecords disables the size cap.
func NewReaper(configuration ServerConfig, store RefreshTokenStore, clock Clock, logger *zap.Logger, metrics MetricsRecorder, emitter audit.Emitter) *Reaper {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if emitter == nil {
		emitter = audit.NoOpSink{}
	}
	return &Reaper{
		store:      store,
		interval:   configuration.ReaperInterval,
		grace:      configuration.ReaperGrace,
		maxRecords: configuration.ReaperMaxRecords,
		clock:      clock,
		logger:     logger.Named("reaper"),
		metrics:    metrics,
		audit:      emitter,
	}
}

// Sweep deletes records past expiry plus grace, then evicts the oldest surplus above the cap.
func (reaper *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := reaper.clock.Now()
	expired, expireErr := reaper.store.DeleteExpired(ctx, now.Add(-reaper.grace))
	if expireErr != nil {
		return result, expireErr
	}
	result.Expired = expired
	reaper.metrics.AddReaperDeleted(reaperReasonExpired, expired)

	if reaper.maxRecords > 0 {
		evicted, trimErr := reaper.store.TrimToLimit(ctx, reaper.maxRecords)
		if trimErr != nil {
			return result, trimErr
		}
		result.Evicted = evicted
		reaper.metrics.AddReaperDeleted(reaperReasonSizeLimit, evicted)
	}

	remaining, countErr := reaper.store.Count(ctx)
	if countErr != nil {
		return result, countErr
	}
	result.Remaining = remaining
	reaper.metrics.SetRefreshTokenCount(remaining)

	if result.Expired > 0 || result.Evicted > 0 {
		reaper.audit.Emit(ctx, audit.Event{
			Timestamp: now,
			Type:      audit.EventReaperSweep,
			Success:   true,
			Metadata: map[string]string{
				"expired":   strconv.FormatInt(result.Expired, 10),
				"evicted":   strconv.FormatInt(result.Evicted, 10),
				"remaining": strconv.FormatInt(result.Remaining, 10),
			},
		})
	}
	return result, nil
}

func (reaper *Reaper) tick(ctx context.Context) {
	start := time.Now()
	result, err := reaper.Sweep(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			reaper.logger.Warn("sweep failed", zap.Error(err))
		}
		return
	}
	reaper.logger.Debug("sweep complete",
		zap.Int64("expired", result.Expired),
		zap.Int64("evicted", result.Evicted),
		zap.Int64("remaining", result.Remaining),
		zap.Duration("elapsed", time.Since(start)))
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
func (reaper *Reaper) Run(ctx context.Context) error {
	if reaper.interval <= 0 {
		return errors.New("reaper.run: interval must be positive")
	}
	ticker := time.NewTicker(reaper.interval)
	defer ticker.Stop()

	reaper.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reaper.tick(ctx)
		}
	}
}
