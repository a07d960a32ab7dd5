package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"torwatch/pkg/models"
)

// MockManager is a mock implementation of proc.Manager.
type MockManager struct {
	mock.Mock
}

func (m *MockManager) Start(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockManager) Stop(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockManager) IsRunning(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockManager) RecentLogs(ctx context.Context, name string, lines int) (string, error) {
	args := m.Called(ctx, name, lines)
	return args.String(0), args.Error(1)
}

// MockProber is a mock implementation of Prober.
type MockProber struct {
	mock.Mock
}

func (m *MockProber) TCPConnect(ctx context.Context, addr string, timeout time.Duration) error {
	args := m.Called(ctx, addr, timeout)
	return args.Error(0)
}

// MockCircuits is a mock implementation of CircuitQuerier.
type MockCircuits struct {
	mock.Mock
}

func (m *MockCircuits) CircuitCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

const healthyLogs = "Jan 01 00:00:00.000 [notice] Bootstrapped 100% (done): Done\n"

type CheckerTestSuite struct {
	suite.Suite
	manager  *MockManager
	prober   *MockProber
	circuits *MockCircuits
	checker  *Checker
}

func (s *CheckerTestSuite) SetupTest() {
	s.manager = new(MockManager)
	s.prober = new(MockProber)
	s.circuits = new(MockCircuits)
	s.checker = NewChecker(Options{
		ContainerName:  "tor-proxy",
		SocksAddr:      "127.0.0.1:9050",
		DNSAddr:        "127.0.0.1:5353",
		ProbeTimeout:   time.Second,
		MinCircuits:    3,
		LogWindowLines: 100,
	}, s.manager, s.prober, s.circuits)
}

func (s *CheckerTestSuite) TearDownTest() {
	s.manager.AssertExpectations(s.T())
	s.prober.AssertExpectations(s.T())
	s.circuits.AssertExpectations(s.T())
}

// expectHealthyUpTo wires the layers below the one under test.
func (s *CheckerTestSuite) expectRunning() {
	s.manager.On("IsRunning", mock.Anything, "tor-proxy").Return(true, nil)
}

func (s *CheckerTestSuite) expectPortsOpen() {
	s.prober.On("TCPConnect", mock.Anything, "127.0.0.1:9050", time.Second).Return(nil)
	s.prober.On("TCPConnect", mock.Anything, "127.0.0.1:5353", time.Second).Return(nil)
}

func (s *CheckerTestSuite) TestHealthy() {
	s.expectRunning()
	s.expectPortsOpen()
	s.manager.On("RecentLogs", mock.Anything, "tor-proxy", 100).Return(healthyLogs, nil)
	s.circuits.On("CircuitCount", mock.Anything).Return(5, nil)

	status := s.checker.Poll(context.Background())
	s.Equal(models.StateHealthy, status.State)
	s.Equal(models.ReasonNone, status.Reason)
	s.Equal(5, status.Circuits)
	s.Empty(status.Warnings)
	s.True(status.Healthy())
}

func (s *CheckerTestSuite) TestProcessDown() {
	s.manager.On("IsRunning", mock.Anything, "tor-proxy").Return(false, nil)

	status := s.checker.Poll(context.Background())
	s.Equal(models.StateFailed, status.State)
	s.Equal(models.ReasonProcessDown, status.Reason)
}

func (s *CheckerTestSuite) TestLivenessErrorCountsAsProcessDown() {
	s.manager.On("IsRunning", mock.Anything, "tor-proxy").Return(false, errors.New("runtime unavailable"))

	status := s.checker.Poll(context.Background())
	s.Equal(models.StateFailed, status.State)
	s.Equal(models.ReasonProcessDown, status.Reason)
	s.Contains(status.Detail, "runtime unavailable")
}

func (s *CheckerTestSuite) TestSocksPortUnreachable() {
	s.expectRunning()
	s.prober.On("TCPConnect", mock.Anything, "127.0.0.1:9050", time.Second).Return(errors.New("connection refused"))

	status := s.checker.Poll(context.Background())
	s.Equal(models.StateFailed, status.State)
	s.Equal(models.ReasonPortUnreachable, status.Reason)
	s.Contains(status.Detail, "socks")
}

func (s *CheckerTestSuite) TestDNSPortUnreachable() {
	s.expectRunning()
	s.prober.On("TCPConnect", mock.Anything, "127.0.0.1:9050", time.Second).Return(nil)
	s.prober.On("TCPConnect", mock.Anything, "127.0.0.1:5353", time.Second).Return(errors.New("timeout"))

	status := s.checker.Poll(context.Background())
	s.Equal(models.StateFailed, status.State)
	s.Equal(models.ReasonPortUnreachable, status.Reason)
	s.Contains(status.Detail, "dns")
}

func (s *CheckerTestSuite) TestCriticalLogPattern() {
	s.expectRunning()
	s.expectPortsOpen()
	logs := healthyLogs + "[warn] Problem bootstrapping. Stuck at 85%: clock skew detected\n"
	s.manager.On("RecentLogs", mock.Anything, "tor-proxy", 100).Return(logs, nil)

	status := s.checker.Poll(context.Background())
	s.Equal(models.StateFailed, status.State)
	s.Equal(models.ReasonCriticalLogError, status.Reason)
	s.Contains(status.Detail, "clock skew")
}

func (s *CheckerTestSuite) TestLogWindowUnavailable() {
	s.expectRunning()
	s.expectPortsOpen()
	s.manager.On("RecentLogs", mock.Anything, "tor-proxy", 100).Return("", errors.New("log read failed"))

	status := s.checker.Poll(context.Background())
	s.Equal(models.StateFailed, status.State)
	s.Equal(models.ReasonCriticalLogError, status.Reason)
}

func (s *CheckerTestSuite) TestBootstrapIncompleteIsDegraded() {
	s.expectRunning()
	s.expectPortsOpen()
	s.manager.On("RecentLogs", mock.Anything, "tor-proxy", 100).Return("[notice] Bootstrapped 45% (loading_descriptors)\n", nil)
	s.circuits.On("CircuitCount", mock.Anything).Return(5, nil)

	status := s.checker.Poll(context.Background())
	s.Equal(models.StateDegraded, status.State)
	s.Equal(models.ReasonBootstrapIncomplete, status.Reason)
	s.Len(status.Warnings, 1)
}

func (s *CheckerTestSuite) TestLowCircuitCountIsDegradedNotFailed() {
	s.expectRunning()
	s.expectPortsOpen()
	s.manager.On("RecentLogs", mock.Anything, "tor-proxy", 100).Return(healthyLogs, nil)
	s.circuits.On("CircuitCount", mock.Anything).Return(1, nil)

	status := s.checker.Poll(context.Background())
	s.Equal(models.StateDegraded, status.State)
	s.Equal(models.ReasonLowCircuitCount, status.Reason)
	s.Equal(1, status.Circuits)
}

func (s *CheckerTestSuite) TestCircuitQueryFailureIsDegraded() {
	s.expectRunning()
	s.expectPortsOpen()
	s.manager.On("RecentLogs", mock.Anything, "tor-proxy", 100).Return(healthyLogs, nil)
	s.circuits.On("CircuitCount", mock.Anything).Return(0, errors.New("control port closed"))

	status := s.checker.Poll(context.Background())
	s.Equal(models.StateDegraded, status.State)
	s.Equal(models.ReasonLowCircuitCount, status.Reason)
	s.Equal(-1, status.Circuits)
}

func (s *CheckerTestSuite) TestSoftWarningsAccumulate() {
	s.expectRunning()
	s.expectPortsOpen()
	s.manager.On("RecentLogs", mock.Anything, "tor-proxy", 100).Return("[notice] starting\n", nil)
	s.circuits.On("CircuitCount", mock.Anything).Return(0, nil)

	status := s.checker.Poll(context.Background())
	s.Equal(models.StateDegraded, status.State)
	// First soft finding wins the reason; both land in warnings.
	s.Equal(models.ReasonBootstrapIncomplete, status.Reason)
	s.Len(status.Warnings, 2)
}

func TestCheckerTestSuite(t *testing.T) {
	suite.Run(t, new(CheckerTestSuite))
}
