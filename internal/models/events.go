package models

import "time"

// Telemetry event types emitted over the pipeline lifecycle.
const (
	EventJobStarted     = "job_started"
	EventStageCompleted = "stage_completed"
	EventJobCompleted   = "job_completed"
	EventJobFailed      = "job_failed"
	EventRetryAttempt   = "retry_attempt"
)

// TelemetryEvent is the wire format posted to the telemetry endpoint.
// Only the fields relevant to the event type are populated.
type TelemetryEvent struct {
	EventType     string                 `json:"event_type"`
	JobID         string                 `json:"job_id"`
	CorrelationID string                 `json:"correlation_id"`
	TenantID      string                 `json:"tenant_id,omitempty"`
	Source        string                 `json:"source,omitempty"`
	Stage         string                 `json:"stage,omitempty"`
	StageNumber   int                    `json:"stage_number,omitempty"`
	DurationMs    float64                `json:"duration_ms,omitempty"`
	ItemsIn       int                    `json:"items_in,omitempty"`
	ItemsOut      int                    `json:"items_out,omitempty"`
	Attempt       int                    `json:"attempt,omitempty"`
	ErrorCode     string                 `json:"error_code,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}
