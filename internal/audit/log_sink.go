package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes audit events as structured zap entries.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a sink on the given logger; nil falls back to a no-op logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

func (sink *LogSink) Emit(_ context.Context, event Event) {
	fields := []zap.Field{
		zap.String("event_type", event.Type),
		zap.Time("timestamp", event.Timestamp),
		zap.Bool("success", event.Success),
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.TokenID != "" {
		fields = append(fields, zap.String("token_id", event.TokenID))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.Code != "" {
		fields = append(fields, zap.String("code", event.Code))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}
	if event.Success {
		sink.logger.Info("audit event", fields...)
		return
	}
	sink.logger.Warn("audit event", fields...)
}
