package interfaces

import (
	"context"

	"github.com/ternarybob/rake/internal/models"
)

// SourceParams carries the per-job parameters a source adapter needs.
type SourceParams map[string]interface{}

// String returns the string value for a key, or the fallback.
func (p SourceParams) String(key, fallback string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Int returns the integer value for a key, or the fallback. JSON
// numbers arrive as float64.
func (p SourceParams) Int(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// Bool returns the boolean value for a key, or the fallback.
func (p SourceParams) Bool(key string, fallback bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return fallback
}

// StringSlice returns the string list for a key.
func (p SourceParams) StringSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SourceAdapter fetches raw documents from one kind of upstream.
type SourceAdapter interface {
	// Type returns the source type this adapter handles.
	Type() models.SourceType

	// Validate checks the job parameters without performing I/O beyond
	// cheap local checks. Returns a validation PipelineError on bad input.
	Validate(params SourceParams) error

	// Fetch retrieves documents. Implementations honor ctx cancellation
	// and classify failures with PipelineError codes.
	Fetch(ctx context.Context, params SourceParams) ([]*models.RawDocument, error)

	// HealthCheck verifies the upstream is reachable.
	HealthCheck(ctx context.Context) error

	// SupportedFormats lists the content formats this adapter emits.
	SupportedFormats() []string
}
