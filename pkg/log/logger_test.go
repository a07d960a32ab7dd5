package log

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
)

// LoggerTestSuite tests the log package
type LoggerTestSuite struct {
	suite.Suite
	originalLogger zerolog.Logger
	testOutput     *bytes.Buffer
}

// SetupTest runs before each test
func (s *LoggerTestSuite) SetupTest() {
	// Save the original logger
	s.originalLogger = Logger

	// Create a test output buffer
	s.testOutput = &bytes.Buffer{}

	// Configure a test logger that writes to our buffer
	Logger = zerolog.New(s.testOutput).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Logger()
}

// TearDownTest runs after each test
func (s *LoggerTestSuite) TearDownTest() {
	// Restore the original logger
	Logger = s.originalLogger
}

// TestInfoLog tests the Info logging function
func (s *LoggerTestSuite) TestInfoLog() {
	Info().Msg("test info message")

	output := s.testOutput.String()
	s.Contains(output, "test info message")
	s.Contains(output, "info")
}

// TestErrorLog tests the Error logging function
func (s *LoggerTestSuite) TestErrorLog() {
	Error().Msg("test error message")

	output := s.testOutput.String()
	s.Contains(output, "test error message")
	s.Contains(output, "error")
}

// TestWarnLog tests the Warn logging function
func (s *LoggerTestSuite) TestWarnLog() {
	Warn().Msg("test warning message")

	output := s.testOutput.String()
	s.Contains(output, "test warning message")
	s.Contains(output, "warn")
}

// TestDebugLog tests the Debug logging function
func (s *LoggerTestSuite) TestDebugLog() {
	Debug().Msg("test debug message")

	output := s.testOutput.String()
	s.Contains(output, "test debug message")
	s.Contains(output, "debug")
}

// TestLogWithFields tests logging with additional fields
func (s *LoggerTestSuite) TestLogWithFields() {
	Info().Str("container", "tor-proxy").Msg("test message with fields")

	output := s.testOutput.String()
	s.Contains(output, "test message with fields")
	s.Contains(output, "container")
	s.Contains(output, "tor-proxy")
}

// TestWithComponent tests that component loggers tag their output
func (s *LoggerTestSuite) TestWithComponent() {
	logger := WithComponent("watchdog")
	logger.Info().Msg("tick")

	output := s.testOutput.String()
	s.Contains(output, "component")
	s.Contains(output, "watchdog")
	s.Contains(output, "tick")
}

// TestLoggerInitialization tests that the logger is properly initialized
func (s *LoggerTestSuite) TestLoggerInitialization() {
	level := s.originalLogger.GetLevel()
	s.True(level >= zerolog.DebugLevel && level <= zerolog.FatalLevel)
}

// TestConcurrentLogging tests that logging is thread-safe
func (s *LoggerTestSuite) TestConcurrentLogging() {
	numGoroutines := 10
	done := make(chan bool, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer func() { done <- true }()

			Info().Int("worker", id).Msg("concurrent log message")
			Warn().Int("worker", id).Msg("concurrent warn message")
		}(i)
	}

	for i := 0; i < numGoroutines; i++ {
		<-done
	}

	output := s.testOutput.String()
	s.Contains(output, "concurrent log message")
	s.Contains(output, "concurrent warn message")
}

// TestSuite runs the logger test suite
func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTestSuite))
}
