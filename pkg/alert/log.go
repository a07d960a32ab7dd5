package alert

import (
	"context"

	"github.com/rs/zerolog"

	"torwatch/pkg/log"
	"torwatch/pkg/models"
)

// LogSink writes alerts to the structured log. It is always configured, so
// an operator with no webhook still sees every escalation.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink writing to the alert component log.
func NewLogSink() *LogSink {
	return &LogSink{logger: log.WithComponent("alert")}
}

// Send logs the event at a level matching its severity.
func (s *LogSink) Send(_ context.Context, event models.AlertEvent) error {
	var evt *zerolog.Event
	switch event.Severity {
	case models.SeverityCritical:
		evt = s.logger.Error()
	case models.SeverityWarning:
		evt = s.logger.Warn()
	default:
		evt = s.logger.Info()
	}
	evt.Str("alert_id", event.ID).
		Str("severity", string(event.Severity)).
		Str("reason", string(event.Reason)).
		Msg(event.Message)
	return nil
}
