package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"torwatch/pkg/log"
	"torwatch/pkg/models"
)

const (
	webhookRetryMax = 2
	webhookTimeout  = 10 * time.Second
)

// WebhookSink POSTs alert events as JSON to an operator-provided endpoint.
// Transport-level retries are handled by the client; beyond that the event
// is dropped with a log line, per the best-effort delivery contract.
type WebhookSink struct {
	url    string
	client *retryablehttp.Client
	logger zerolog.Logger
}

// NewWebhookSink returns a sink posting to the given URL.
func NewWebhookSink(url string) *WebhookSink {
	client := retryablehttp.NewClient()
	client.RetryMax = webhookRetryMax
	client.HTTPClient.Timeout = webhookTimeout
	client.Logger = nil

	return &WebhookSink{
		url:    url,
		client: client,
		logger: log.WithComponent("alert"),
	}
}

// Send posts the event. Failures are logged and swallowed.
func (s *WebhookSink) Send(ctx context.Context, event models.AlertEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Str("alert_id", event.ID).Msg("Failed to encode alert")
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error().Err(err).Str("alert_id", event.ID).Msg("Failed to build alert request")
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("alert_id", event.ID).Msg("Alert webhook delivery failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		s.logger.Warn().Err(err).Str("alert_id", event.ID).Msg("Alert webhook rejected event")
		return err
	}

	s.logger.Debug().Str("alert_id", event.ID).Msg("Alert delivered")
	return nil
}
