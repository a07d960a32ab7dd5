package models

import "time"

// AlertSeverity grades alert events emitted by the watchdog.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertEvent is an immutable message sent to the configured alert sinks.
// Delivery is best-effort; a failed send is logged and never retried by the
// core.
type AlertEvent struct {
	ID        string        `json:"id"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	Reason    Reason        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
