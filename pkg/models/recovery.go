package models

import "time"

// ControllerState is the watchdog state machine position.
type ControllerState string

const (
	ControllerMonitoring ControllerState = "monitoring"
	ControllerRecovering ControllerState = "recovering"
	ControllerEmergency  ControllerState = "emergency"
)

// String returns the string representation of ControllerState.
func (s ControllerState) String() string {
	return string(s)
}

// RecoveryOutcome is the terminal result of one recovery attempt.
type RecoveryOutcome string

const (
	RecoverySucceeded RecoveryOutcome = "success"
	RecoveryFailed    RecoveryOutcome = "failure"
)

// RecoveryAttempt records one bounded restart sequence for the audit trail.
// Attempts are append-only; the core never deletes them.
type RecoveryAttempt struct {
	ID        string          `json:"id"`
	Trigger   Reason          `json:"trigger"`
	Outcome   RecoveryOutcome `json:"outcome"`
	Duration  time.Duration   `json:"duration"`
	StartedAt time.Time       `json:"started_at"`
}

// Snapshot is the watchdog's published view of itself, read by the local
// status API. The control loop replaces it wholesale after every tick.
type Snapshot struct {
	State          ControllerState `json:"state"`
	FailureCount   int             `json:"failure_count"`
	LastHealth     HealthStatus    `json:"last_health"`
	LastRuleStatus RuleSetStatus   `json:"last_rule_status"`
	Recoveries     int             `json:"recoveries"`
	StartedAt      time.Time       `json:"started_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
