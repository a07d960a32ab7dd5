// Package audit persists the watchdog's recovery attempts, alerts and rule
// drift corrections to an append-only SQLite table so the status API and
// operators can reconstruct what the daemon did and when.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"torwatch/pkg/models"
)

// ErrDatabaseError wraps any underlying database failure.
var ErrDatabaseError = errors.New("audit database error")

// Event kinds stored in the events table.
const (
	KindRecovery  = "recovery"
	KindAlert     = "alert"
	KindRuleDrift = "rule-drift"
)

// Store is the append-only audit event store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (and if needed creates) the audit database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseError, err)
	}

	ctx := context.Background()

	// WAL keeps the status API's reads from blocking the loop's writes.
	if _, err := database.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %w", ErrDatabaseError, err)
	}

	if _, err := database.ExecContext(ctx, Schema); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to create schema: %w", ErrDatabaseError, err)
	}

	return &Store{db: database}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendRecovery records one completed recovery attempt.
func (s *Store) AppendRecovery(ctx context.Context, attempt models.RecoveryAttempt) error {
	return s.insert(ctx, attempt.ID, attempt.StartedAt, KindRecovery,
		string(attempt.Trigger), string(attempt.Outcome), "", "",
		attempt.Duration.Milliseconds())
}

// AppendAlert records an emitted alert event.
func (s *Store) AppendAlert(ctx context.Context, event models.AlertEvent) error {
	return s.insert(ctx, event.ID, event.Timestamp, KindAlert,
		string(event.Reason), "", string(event.Severity), event.Message, 0)
}

// AppendRuleDrift records a rule-set drift detection and whether the
// re-apply corrected it.
func (s *Store) AppendRuleDrift(ctx context.Context, id string, at time.Time, found, expected int, corrected bool) error {
	outcome := string(models.RecoveryFailed)
	if corrected {
		outcome = string(models.RecoverySucceeded)
	}
	message := fmt.Sprintf("rule drift: %d of %d expected rules present", found, expected)
	return s.insert(ctx, id, at, KindRuleDrift, "", outcome, "", message, 0)
}

// RecentRecoveries returns the most recent recovery attempts, newest first.
func (s *Store) RecentRecoveries(ctx context.Context, limit int) ([]models.RecoveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, trigger, outcome, duration_ms
		FROM events WHERE kind = ?
		ORDER BY created_at DESC LIMIT ?`, KindRecovery, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer rows.Close()

	var attempts []models.RecoveryAttempt
	for rows.Next() {
		var a models.RecoveryAttempt
		var trigger, outcome string
		var durationMs int64
		if err := rows.Scan(&a.ID, &a.StartedAt, &trigger, &outcome, &durationMs); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
		}
		a.Trigger = models.Reason(trigger)
		a.Outcome = models.RecoveryOutcome(outcome)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// RecentAlerts returns the most recent alert events, newest first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, trigger, severity, message
		FROM events WHERE kind = ?
		ORDER BY created_at DESC LIMIT ?`, KindAlert, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
	}
	defer rows.Close()

	var events []models.AlertEvent
	for rows.Next() {
		var e models.AlertEvent
		var reason, severity string
		if err := rows.Scan(&e.ID, &e.Timestamp, &reason, &severity, &e.Message); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabaseError, err)
		}
		e.Reason = models.Reason(reason)
		e.Severity = models.AlertSeverity(severity)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) insert(ctx context.Context, id string, at time.Time, kind, trigger, outcome, severity, message string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, created_at, kind, trigger, outcome, severity, message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, at.UTC(), kind, trigger, outcome, severity, message, durationMs)
	if err != nil {
		return fmt.Errorf("%w: failed to append %s event: %w", ErrDatabaseError, kind, err)
	}
	return nil
}
