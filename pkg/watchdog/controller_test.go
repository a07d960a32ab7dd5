package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"torwatch/pkg/firewall"
	"torwatch/pkg/models"
)

// scriptedPoller returns queued statuses in order, repeating the last one
// once the queue runs dry.
type scriptedPoller struct {
	queue []models.HealthStatus
	polls int
}

func (p *scriptedPoller) Poll(context.Context) models.HealthStatus {
	p.polls++
	if len(p.queue) == 0 {
		return healthy()
	}
	status := p.queue[0]
	if len(p.queue) > 1 {
		p.queue = p.queue[1:]
	}
	return status
}

func healthy() models.HealthStatus {
	return models.HealthStatus{State: models.StateHealthy, CheckedAt: time.Now()}
}

func failed(reason models.Reason) models.HealthStatus {
	return models.HealthStatus{State: models.StateFailed, Reason: reason, CheckedAt: time.Now()}
}

func degraded(reason models.Reason) models.HealthStatus {
	return models.HealthStatus{State: models.StateDegraded, Reason: reason, CheckedAt: time.Now()}
}

// fakeEngine records applies and serves scripted verify results.
type fakeEngine struct {
	applies         int
	applyErr        error
	verifies        int
	verifyDeadlines []bool
	verifyQueue     []verifyResult
	verifyHealed    bool // after an apply, verify reports complete
}

type verifyResult struct {
	status models.RuleSetStatus
	err    error
}

func (e *fakeEngine) Apply(context.Context, firewall.Target) error {
	e.applies++
	if e.applyErr != nil {
		return e.applyErr
	}
	e.verifyHealed = true
	return nil
}

func (e *fakeEngine) Verify(ctx context.Context) (models.RuleSetStatus, error) {
	e.verifies++
	_, hasDeadline := ctx.Deadline()
	e.verifyDeadlines = append(e.verifyDeadlines, hasDeadline)
	if e.verifyHealed || len(e.verifyQueue) == 0 {
		return models.RuleSetStatus{TotalRules: 12, MinExpected: 5}, nil
	}
	result := e.verifyQueue[0]
	e.verifyQueue = e.verifyQueue[1:]
	return result.status, result.err
}

// fakeProc counts lifecycle calls.
type fakeProc struct {
	starts, stops int
	startErr      error
	stopErr       error
}

func (p *fakeProc) Start(context.Context, string) error { p.starts++; return p.startErr }
func (p *fakeProc) Stop(context.Context, string) error  { p.stops++; return p.stopErr }
func (p *fakeProc) IsRunning(context.Context, string) (bool, error) {
	return true, nil
}
func (p *fakeProc) RecentLogs(context.Context, string, int) (string, error) {
	return "", nil
}

// captureSink collects emitted alerts.
type captureSink struct {
	events []models.AlertEvent
}

func (s *captureSink) Send(_ context.Context, event models.AlertEvent) error {
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) bySeverity(sev models.AlertSeverity) []models.AlertEvent {
	var out []models.AlertEvent
	for _, e := range s.events {
		if e.Severity == sev {
			out = append(out, e)
		}
	}
	return out
}

// captureRecorder collects audit appends.
type captureRecorder struct {
	recoveries []models.RecoveryAttempt
	alerts     []models.AlertEvent
	drifts     int
}

func (r *captureRecorder) AppendRecovery(_ context.Context, a models.RecoveryAttempt) error {
	r.recoveries = append(r.recoveries, a)
	return nil
}

func (r *captureRecorder) AppendAlert(_ context.Context, e models.AlertEvent) error {
	r.alerts = append(r.alerts, e)
	return nil
}

func (r *captureRecorder) AppendRuleDrift(context.Context, string, time.Time, int, int, bool) error {
	r.drifts++
	return nil
}

type ControllerTestSuite struct {
	suite.Suite
	poller   *scriptedPoller
	engine   *fakeEngine
	proc     *fakeProc
	sink     *captureSink
	recorder *captureRecorder
}

func (s *ControllerTestSuite) SetupTest() {
	s.poller = &scriptedPoller{}
	s.engine = &fakeEngine{}
	s.proc = &fakeProc{}
	s.sink = &captureSink{}
	s.recorder = &captureRecorder{}
}

func (s *ControllerTestSuite) newController(opts Options) *Controller {
	if opts.ContainerName == "" {
		opts.ContainerName = "tor-proxy"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Minute
	}
	if opts.RestartThreshold == 0 {
		opts.RestartThreshold = 3
	}
	if opts.RestartGrace == 0 {
		opts.RestartGrace = time.Second
	}
	if opts.RecoveryPollLimit == 0 {
		opts.RecoveryPollLimit = 5
	}
	if opts.RecoveryPollInterval == 0 {
		opts.RecoveryPollInterval = time.Second
	}
	if opts.EmergencyCooldown == 0 {
		opts.EmergencyCooldown = time.Minute
	}
	if opts.RuleVerifyEvery == 0 {
		opts.RuleVerifyEvery = 1000
	}
	c := New(opts, s.poller, s.engine, s.proc, s.sink, s.recorder)
	// Tests must not wait out grace periods and cooldowns.
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func (s *ControllerTestSuite) TestFailureCounterMonotonicity() {
	s.poller.queue = []models.HealthStatus{failed(models.ReasonProcessDown)}
	c := s.newController(Options{RestartThreshold: 3})

	for i := 1; i <= 2; i++ {
		c.tick(context.Background())
		s.Equal(i, c.FailureCount())
		s.Equal(models.ControllerMonitoring, c.State())
	}
	s.Zero(s.proc.starts, "no restart below the threshold")
}

func (s *ControllerTestSuite) TestHealthyPollResetsCounter() {
	s.poller.queue = []models.HealthStatus{
		failed(models.ReasonPortUnreachable),
		failed(models.ReasonPortUnreachable),
		healthy(),
	}
	c := s.newController(Options{RestartThreshold: 5})

	c.tick(context.Background())
	c.tick(context.Background())
	s.Equal(2, c.FailureCount())

	c.tick(context.Background())
	s.Zero(c.FailureCount())
	s.Equal(models.ControllerMonitoring, c.State())
}

func (s *ControllerTestSuite) TestRecoverySuccessAfterThreshold() {
	// Three failed monitoring polls, then the restarted proxy comes back.
	s.poller.queue = []models.HealthStatus{
		failed(models.ReasonProcessDown),
		failed(models.ReasonProcessDown),
		failed(models.ReasonProcessDown),
		healthy(),
	}
	c := s.newController(Options{RestartThreshold: 3})

	c.tick(context.Background())
	c.tick(context.Background())
	s.Zero(s.proc.starts)

	c.tick(context.Background())

	s.Equal(1, s.proc.stops)
	s.Equal(1, s.proc.starts)
	s.Equal(1, s.engine.applies, "rules re-applied after successful restart")
	s.Zero(c.FailureCount())
	s.Equal(models.ControllerMonitoring, c.State())

	s.Require().Len(s.recorder.recoveries, 1)
	attempt := s.recorder.recoveries[0]
	s.Equal(models.RecoverySucceeded, attempt.Outcome)
	s.Equal(models.ReasonProcessDown, attempt.Trigger)

	infos := s.sink.bySeverity(models.SeverityInfo)
	s.Require().Len(infos, 1)
	s.Contains(infos[0].Message, "recovered")
}

func (s *ControllerTestSuite) TestDegradedCountsTowardThreshold() {
	s.poller.queue = []models.HealthStatus{
		degraded(models.ReasonLowCircuitCount),
		degraded(models.ReasonLowCircuitCount),
		degraded(models.ReasonLowCircuitCount),
		healthy(),
	}
	c := s.newController(Options{RestartThreshold: 3})

	c.tick(context.Background())
	c.tick(context.Background())
	c.tick(context.Background())

	s.Equal(1, s.proc.starts, "degraded polls cross the threshold like failed ones")
	s.Require().Len(s.recorder.recoveries, 1)
	s.Equal(models.ReasonLowCircuitCount, s.recorder.recoveries[0].Trigger)
}

func (s *ControllerTestSuite) TestRecoveryBoundedThenEmergency() {
	s.poller.queue = []models.HealthStatus{failed(models.ReasonCriticalLogError)}
	c := s.newController(Options{RestartThreshold: 3, RecoveryPollLimit: 4})

	c.tick(context.Background())
	c.tick(context.Background())
	c.tick(context.Background())

	// 3 monitoring polls + exactly 4 bounded recovery polls.
	s.Equal(7, s.poller.polls)

	s.Require().Len(s.recorder.recoveries, 1)
	s.Equal(models.RecoveryFailed, s.recorder.recoveries[0].Outcome)

	criticals := s.sink.bySeverity(models.SeverityCritical)
	s.Require().Len(criticals, 1)
	s.Contains(criticals[0].Message, "exhausted")

	// Cooldown elapsed (instant in tests): back to Monitoring, never halted.
	s.Equal(models.ControllerMonitoring, c.State())
	s.Zero(c.FailureCount())
}

func (s *ControllerTestSuite) TestEmergencyCyclesForever() {
	s.poller.queue = []models.HealthStatus{failed(models.ReasonProcessDown)}
	c := s.newController(Options{RestartThreshold: 1, RecoveryPollLimit: 1})

	// Three full failed cycles; the controller keeps coming back.
	for i := 0; i < 3; i++ {
		c.tick(context.Background())
		s.Equal(models.ControllerMonitoring, c.State())
	}
	s.Equal(3, len(s.recorder.recoveries))
	s.Equal(3, len(s.sink.bySeverity(models.SeverityCritical)))
	s.Equal(3, s.proc.starts)
}

func (s *ControllerTestSuite) TestStartFailureFailsRecovery() {
	s.poller.queue = []models.HealthStatus{failed(models.ReasonProcessDown)}
	s.proc.startErr = errors.New("image missing")
	c := s.newController(Options{RestartThreshold: 1, RecoveryPollLimit: 3})

	c.tick(context.Background())

	s.Equal(1, s.poller.polls, "no post-restart polls when start itself fails")
	s.Require().Len(s.recorder.recoveries, 1)
	s.Equal(models.RecoveryFailed, s.recorder.recoveries[0].Outcome)
	s.Equal(models.ControllerMonitoring, c.State())
}

func (s *ControllerTestSuite) TestRuleDriftIsReapplied() {
	s.engine.verifyQueue = []verifyResult{{
		status: models.RuleSetStatus{TotalRules: 0, MinExpected: 5},
		err:    firewall.ErrIncompleteRuleSet,
	}}
	c := s.newController(Options{RuleVerifyEvery: 1})

	c.tick(context.Background())

	s.Equal(1, s.engine.applies, "drift triggers immediate re-apply")
	s.Equal(1, s.recorder.drifts)
	s.True(c.Snapshot().LastRuleStatus.Complete(), "post-correction verify published")
}

func (s *ControllerTestSuite) TestRuleVerifyCadence() {
	c := s.newController(Options{RuleVerifyEvery: 3})

	c.tick(context.Background())
	c.tick(context.Background())
	s.Zero(s.engine.verifies)

	c.tick(context.Background())
	s.Equal(1, s.engine.verifies)
}

func (s *ControllerTestSuite) TestRuleVerifyIsBounded() {
	// Every verify must carry its own deadline even when the loop context
	// has none, so a stuck iptables read cannot stall the loop.
	s.engine.verifyQueue = []verifyResult{{
		status: models.RuleSetStatus{TotalRules: 0, MinExpected: 5},
		err:    firewall.ErrIncompleteRuleSet,
	}}
	c := s.newController(Options{RuleVerifyEvery: 1})

	c.tick(context.Background())

	s.Require().NotEmpty(s.engine.verifyDeadlines)
	for i, hasDeadline := range s.engine.verifyDeadlines {
		s.True(hasDeadline, "verify call %d ran without a deadline", i)
	}
}

func (s *ControllerTestSuite) TestRepeatedReapplyFailureEscalates() {
	s.engine.applyErr = errors.New("iptables locked")
	s.engine.verifyQueue = []verifyResult{
		{status: models.RuleSetStatus{TotalRules: 0, MinExpected: 5}, err: firewall.ErrIncompleteRuleSet},
		{status: models.RuleSetStatus{TotalRules: 0, MinExpected: 5}, err: firewall.ErrIncompleteRuleSet},
	}
	c := s.newController(Options{RuleVerifyEvery: 1, RestartThreshold: 2})

	c.tick(context.Background())
	s.Empty(s.sink.bySeverity(models.SeverityWarning), "first failed correction stays a log warning")

	c.tick(context.Background())
	s.Len(s.sink.bySeverity(models.SeverityWarning), 1, "repeated failed corrections alert")
}

func (s *ControllerTestSuite) TestSnapshotPublishedEachTick() {
	c := s.newController(Options{})

	c.tick(context.Background())

	snap := c.Snapshot()
	s.Equal(models.ControllerMonitoring, snap.State)
	s.Zero(snap.FailureCount)
	s.True(snap.LastHealth.Healthy())
	s.False(snap.UpdatedAt.IsZero())
}

func (s *ControllerTestSuite) TestCancelledContextStopsRecovery() {
	s.poller.queue = []models.HealthStatus{failed(models.ReasonProcessDown)}
	c := s.newController(Options{RestartThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.tick(ctx)

	s.Zero(s.proc.starts, "cancelled context never reaches the restart")
}

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}
