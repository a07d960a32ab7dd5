// Package watchdog drives the recovery state machine. A single control loop
// polls the health checker, counts consecutive failures, runs bounded
// restart sequences and re-asserts the redirection rules, always retrying,
// never terminating, since the host runs unattended.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"torwatch/pkg/alert"
	"torwatch/pkg/firewall"
	"torwatch/pkg/log"
	"torwatch/pkg/models"
	"torwatch/pkg/proc"
)

// defaultOpTimeout bounds any single collaborator call so a hung runtime or
// firewall binary cannot stall the loop.
const defaultOpTimeout = 30 * time.Second

// HealthPoller produces one health classification per call.
type HealthPoller interface {
	Poll(ctx context.Context) models.HealthStatus
}

// RuleEngine is the slice of the firewall engine the controller drives.
type RuleEngine interface {
	Apply(ctx context.Context, t firewall.Target) error
	Verify(ctx context.Context) (models.RuleSetStatus, error)
}

// Recorder is the audit trail the controller appends to. Failures to record
// are logged and never block recovery.
type Recorder interface {
	AppendRecovery(ctx context.Context, attempt models.RecoveryAttempt) error
	AppendAlert(ctx context.Context, event models.AlertEvent) error
	AppendRuleDrift(ctx context.Context, id string, at time.Time, found, expected int, corrected bool) error
}

// Options holds the control-loop cadence and bounds.
type Options struct {
	ContainerName        string
	Target               firewall.Target
	PollInterval         time.Duration
	RestartThreshold     int
	RestartGrace         time.Duration
	RecoveryPollLimit    int
	RecoveryPollInterval time.Duration
	EmergencyCooldown    time.Duration
	// RuleVerifyEvery runs the drift check every N poll ticks.
	RuleVerifyEvery int
	// OpTimeout bounds each collaborator call; zero means the default.
	OpTimeout time.Duration
}

// Controller owns the failure counter, the state machine position and all
// rule mutations. Nothing else writes that state: the status API reads a
// published snapshot.
type Controller struct {
	opts    Options
	checker HealthPoller
	rules   RuleEngine
	proc    proc.Manager
	sink    alert.Sink
	audit   Recorder
	logger  zerolog.Logger

	state          models.ControllerState
	failures       int
	recoveries     int
	ticks          int
	driftReapplies int
	lastHealth     models.HealthStatus
	lastRules      models.RuleSetStatus
	startedAt      time.Time

	snapMu   sync.RWMutex
	snapshot models.Snapshot

	// sleep is context-aware and replaceable so tests do not wait out
	// grace periods and cooldowns.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a controller over its collaborators.
func New(opts Options, checker HealthPoller, rules RuleEngine, pm proc.Manager, sink alert.Sink, recorder Recorder) *Controller {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	return &Controller{
		opts:      opts,
		checker:   checker,
		rules:     rules,
		proc:      pm,
		sink:      sink,
		audit:     recorder,
		logger:    log.WithComponent("watchdog"),
		state:     models.ControllerMonitoring,
		startedAt: time.Now().UTC(),
		sleep:     sleepContext,
	}
}

// Run executes the control loop until ctx is cancelled. An in-flight tick or
// recovery step finishes (or times out) before Run returns, so the rule set
// is never left mid-mutation.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info().
		Dur("poll_interval", c.opts.PollInterval).
		Int("restart_threshold", c.opts.RestartThreshold).
		Msg("Watchdog loop starting")

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	// First tick immediately; a freshly started daemon should not wait a
	// full interval to notice a dead proxy.
	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Watchdog loop stopping")
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Snapshot returns the most recently published view of the controller.
func (c *Controller) Snapshot() models.Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot
}

// FailureCount returns the current consecutive-failure count.
func (c *Controller) FailureCount() int {
	return c.failures
}

// State returns the current state machine position.
func (c *Controller) State() models.ControllerState {
	return c.state
}

// tick runs one monitoring cycle: poll, count, maybe recover, maybe verify
// rules.
func (c *Controller) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.ticks++

	pollCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	status := c.checker.Poll(pollCtx)
	cancel()
	c.lastHealth = status

	if status.Healthy() {
		if c.failures > 0 {
			c.logger.Info().Int("previous_failures", c.failures).Msg("Proxy healthy again, resetting failure counter")
		}
		c.failures = 0
	} else {
		c.failures++
		c.logger.Warn().
			Int("failures", c.failures).
			Int("threshold", c.opts.RestartThreshold).
			Str("state", status.State.String()).
			Str("reason", string(status.Reason)).
			Msg("Non-healthy poll")

		if c.failures >= c.opts.RestartThreshold {
			c.recover(ctx, status.Reason)
		}
	}

	// Rule drift check on its own coarser cadence. It shares the loop with
	// recovery, so it can never race a restart.
	if c.state == models.ControllerMonitoring && c.ticks%c.opts.RuleVerifyEvery == 0 {
		c.verifyRules(ctx)
	}

	c.publish()
}

// recover runs one bounded restart sequence. On success the rules are
// re-asserted and the counter resets; on exhaustion the controller enters
// Emergency, cools down and returns to Monitoring.
func (c *Controller) recover(ctx context.Context, trigger models.Reason) {
	c.state = models.ControllerRecovering
	c.publish()

	attempt := models.RecoveryAttempt{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	c.logger.Warn().
		Str("attempt_id", attempt.ID).
		Str("trigger", string(trigger)).
		Msg("Restart threshold crossed, recovering proxy")

	recovered := c.restartAndConfirm(ctx)

	attempt.Duration = time.Since(attempt.StartedAt)
	if recovered {
		attempt.Outcome = models.RecoverySucceeded
	} else {
		attempt.Outcome = models.RecoveryFailed
	}
	c.record(ctx, attempt)

	if ctx.Err() != nil {
		// Shutdown arrived mid-recovery; leave the state machine where the
		// next start can pick it up.
		return
	}

	if recovered {
		c.failures = 0
		c.recoveries++
		c.state = models.ControllerMonitoring
		c.emit(ctx, models.SeverityInfo, trigger,
			fmt.Sprintf("proxy recovered after restart (attempt %s, %s)", attempt.ID, attempt.Duration.Round(time.Second)))
		c.publish()
		return
	}

	// Recovery exhausted: escalate, cool down, then go around again. There
	// is no terminal give-up state.
	c.state = models.ControllerEmergency
	c.publish()
	c.emit(ctx, models.SeverityCritical, trigger,
		fmt.Sprintf("recovery exhausted after %d post-restart polls; entering emergency cooldown", c.opts.RecoveryPollLimit))

	c.logger.Error().
		Dur("cooldown", c.opts.EmergencyCooldown).
		Msg("Recovery exhausted, sleeping before retrying")
	if err := c.sleep(ctx, c.opts.EmergencyCooldown); err != nil {
		return
	}

	c.failures = 0
	c.state = models.ControllerMonitoring
	c.publish()
}

// restartAndConfirm stops the proxy, starts it again and waits (bounded) for
// a healthy poll. On health it re-applies the redirection rules, since a
// container restart can reset interface state.
func (c *Controller) restartAndConfirm(ctx context.Context) bool {
	if err := c.withTimeout(ctx, func(opCtx context.Context) error {
		return c.proc.Stop(opCtx, c.opts.ContainerName)
	}); err != nil {
		// A stop failure is not fatal; the process may already be gone.
		c.logger.Warn().Err(err).Msg("Proxy stop failed, continuing with start")
	}

	if err := c.sleep(ctx, c.opts.RestartGrace); err != nil {
		return false
	}

	if err := c.withTimeout(ctx, func(opCtx context.Context) error {
		return c.proc.Start(opCtx, c.opts.ContainerName)
	}); err != nil {
		c.logger.Error().Err(err).Msg("Proxy start failed")
		return false
	}

	for i := 0; i < c.opts.RecoveryPollLimit; i++ {
		if err := c.sleep(ctx, c.opts.RecoveryPollInterval); err != nil {
			return false
		}

		pollCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		status := c.checker.Poll(pollCtx)
		cancel()
		c.lastHealth = status

		if status.Healthy() {
			c.logger.Info().Int("polls", i+1).Msg("Proxy confirmed healthy after restart")
			c.reassertRules(ctx)
			return true
		}
	}
	return false
}

// reassertRules re-applies the redirection rule set after a successful
// restart. An apply failure here is logged and alerted but does not fail the
// recovery: the drift verifier retries on its own cadence.
func (c *Controller) reassertRules(ctx context.Context) {
	if err := c.withTimeout(ctx, func(opCtx context.Context) error {
		return c.rules.Apply(opCtx, c.opts.Target)
	}); err != nil {
		c.logger.Error().Err(err).Msg("Rule re-apply after restart failed")
		c.emit(ctx, models.SeverityWarning, models.ReasonNone,
			fmt.Sprintf("rule re-apply after restart failed: %v", err))
		return
	}
	if status, err := c.verifyWithTimeout(ctx); err == nil {
		c.lastRules = status
	}
}

// verifyRules guards against external tampering or partial rule loss,
// independent of proxy health. Drift is silently corrected; only repeated
// failed corrections escalate.
func (c *Controller) verifyRules(ctx context.Context) {
	status, err := c.verifyWithTimeout(ctx)
	c.lastRules = status
	if err == nil {
		c.driftReapplies = 0
		return
	}
	if !errors.Is(err, firewall.ErrIncompleteRuleSet) {
		c.logger.Warn().Err(err).Msg("Rule verification errored")
		return
	}

	c.logger.Warn().
		Int("found", status.TotalRules).
		Int("expected", status.MinExpected).
		Msg("Rule set drifted, re-applying")

	applyErr := c.withTimeout(ctx, func(opCtx context.Context) error {
		return c.rules.Apply(opCtx, c.opts.Target)
	})
	corrected := applyErr == nil
	if corrected {
		c.driftReapplies = 0
		if fresh, verifyErr := c.verifyWithTimeout(ctx); verifyErr == nil {
			c.lastRules = fresh
		}
	} else {
		c.driftReapplies++
		c.logger.Error().Err(applyErr).Int("consecutive_failures", c.driftReapplies).
			Msg("Rule re-apply failed")
		if c.driftReapplies >= c.opts.RestartThreshold {
			c.emit(ctx, models.SeverityWarning, models.ReasonNone,
				fmt.Sprintf("rule re-application failing repeatedly (%d times): %v", c.driftReapplies, applyErr))
		}
	}

	if c.audit != nil {
		if err := c.audit.AppendRuleDrift(ctx, uuid.NewString(), time.Now().UTC(),
			status.TotalRules, status.MinExpected, corrected); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record rule drift")
		}
	}
}

// emit sends an alert and mirrors it into the audit trail.
func (c *Controller) emit(ctx context.Context, severity models.AlertSeverity, reason models.Reason, message string) {
	event := alert.NewEvent(severity, reason, message)
	if c.sink != nil {
		_ = c.sink.Send(ctx, event)
	}
	if c.audit != nil {
		if err := c.audit.AppendAlert(ctx, event); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record alert")
		}
	}
}

func (c *Controller) record(ctx context.Context, attempt models.RecoveryAttempt) {
	if c.audit == nil {
		return
	}
	if err := c.audit.AppendRecovery(ctx, attempt); err != nil {
		c.logger.Warn().Err(err).Str("attempt_id", attempt.ID).Msg("Failed to record recovery attempt")
	}
}

func (c *Controller) publish() {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.snapshot = models.Snapshot{
		State:          c.state,
		FailureCount:   c.failures,
		LastHealth:     c.lastHealth,
		LastRuleStatus: c.lastRules,
		Recoveries:     c.recoveries,
		StartedAt:      c.startedAt,
		UpdatedAt:      time.Now().UTC(),
	}
}

func (c *Controller) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	return fn(opCtx)
}

// verifyWithTimeout bounds the rule verification like every other external
// call: a stuck packet-filter read must not stall the loop.
func (c *Controller) verifyWithTimeout(ctx context.Context) (models.RuleSetStatus, error) {
	var status models.RuleSetStatus
	err := c.withTimeout(ctx, func(opCtx context.Context) error {
		var verr error
		status, verr = c.rules.Verify(opCtx)
		return verr
	})
	return status, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
