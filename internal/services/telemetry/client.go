package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

// Client posts telemetry events to a monitoring endpoint. Emission is
// best-effort: every failure path logs at warn and returns normally so
// telemetry can never fail or stall a pipeline run.
type Client struct {
	endpoint   string
	enabled    bool
	httpClient *http.Client
	logger     arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.TelemetrySink = (*Client)(nil)

// NewClient creates a telemetry client. A disabled client drops all
// events, which is what tests and local development want.
func NewClient(endpoint string, timeout time.Duration, enabled bool, logger arbor.ILogger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		enabled:  enabled,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Emit posts one event. Timestamps are filled in when missing.
func (c *Client) Emit(ctx context.Context, event *models.TelemetryEvent) {
	if !c.enabled || event == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("event_type", event.EventType).
			Msg("Failed to marshal telemetry event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("event_type", event.EventType).
			Msg("Failed to build telemetry request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", event.CorrelationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("event_type", event.EventType).
			Str("correlation_id", event.CorrelationID).
			Msg("Telemetry emission failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("event_type", event.EventType).
			Str("correlation_id", event.CorrelationID).
			Msg("Telemetry endpoint rejected event")
		return
	}

	c.logger.Debug().
		Str("event_type", event.EventType).
		Str("correlation_id", event.CorrelationID).
		Msg("Telemetry event emitted")
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
