package interfaces

import (
	"context"

	"github.com/ternarybob/rake/internal/models"
)

// TelemetrySink emits lifecycle events. Emission is best-effort: sinks
// never return errors to callers and must not block the pipeline.
type TelemetrySink interface {
	Emit(ctx context.Context, event *models.TelemetryEvent)
	Close() error
}
