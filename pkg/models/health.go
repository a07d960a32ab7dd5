package models

import "time"

// HealthState classifies the proxy stack after one watchdog poll.
type HealthState string

const (
	StateHealthy  HealthState = "healthy"
	StateDegraded HealthState = "degraded"
	StateFailed   HealthState = "failed"
)

// String returns the string representation of HealthState.
func (s HealthState) String() string {
	return string(s)
}

// Reason identifies which layered check produced a non-healthy state.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonProcessDown         Reason = "process-down"
	ReasonPortUnreachable     Reason = "port-unreachable"
	ReasonBootstrapIncomplete Reason = "bootstrap-incomplete"
	ReasonLowCircuitCount     Reason = "low-circuit-count"
	ReasonCriticalLogError    Reason = "critical-log-error"
)

// HealthStatus is the result of a single poll. It is produced fresh on every
// poll and never mutated afterwards.
type HealthStatus struct {
	State     HealthState `json:"state"`
	Reason    Reason      `json:"reason,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	Circuits  int         `json:"circuits"`
	CheckedAt time.Time   `json:"checked_at"`
}

// Healthy reports whether the poll found nothing wrong.
func (h HealthStatus) Healthy() bool {
	return h.State == StateHealthy
}
