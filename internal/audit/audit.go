// Package audit records authentication lifecycle events and delivers them to pluggable sinks.
package audit

import (
	"context"
	"time"
)

// Event types emitted by the authentication service.
const (
	EventLogin          = "auth.login"
	EventLoginFailed    = "auth.login_failed"
	EventRegister       = "auth.register"
	EventRefresh        = "refresh.rotated"
	EventRefreshFailed  = "refresh.failed"
	EventRevoke         = "refresh.revoked"
	EventReuseDetected  = "refresh.reuse_detected"
	EventReaperSweep    = "reaper.sweep"
	EventAccessRejected = "access.rejected"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	TokenID   string            `json:"token_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Success   bool              `json:"success"`
	Code      string            `json:"code,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Emitter accepts audit events. Implementations must not block request handling for long.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Sink receives dispatched audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// MultiSink fans events out to every sink in order.
type MultiSink []Sink

func (sinks MultiSink) Emit(ctx context.Context, event Event) {
	for _, sink := range sinks {
		if sink != nil {
			sink.Emit(ctx, event)
		}
	}
}
