// Package alert delivers watchdog alerts to external sinks. Delivery is
// best-effort and fire-and-forget: a sink failure is logged, never retried
// by the caller and never allowed to disturb the control loop.
package alert

import (
	"context"
	"time"

	"github.com/google/uuid"

	"torwatch/pkg/models"
)

// Sink receives alert events.
type Sink interface {
	Send(ctx context.Context, event models.AlertEvent) error
}

// NewEvent stamps an alert event with identity and time.
func NewEvent(severity models.AlertSeverity, reason models.Reason, message string) models.AlertEvent {
	return models.AlertEvent{
		ID:        uuid.NewString(),
		Severity:  severity,
		Message:   message,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// MultiSink fans an event out to every sink, collecting nothing: each sink
// is responsible for logging its own failure.
type MultiSink []Sink

// Send delivers the event to all sinks. The returned error is always nil;
// MultiSink exists so callers can treat many sinks as one.
func (m MultiSink) Send(ctx context.Context, event models.AlertEvent) error {
	for _, sink := range m {
		_ = sink.Send(ctx, event)
	}
	return nil
}
