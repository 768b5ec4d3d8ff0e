package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewJobID generates a unique job ID.
// Format: job-<12 hex chars>
func NewJobID() string {
	return "job-" + shortHex()
}

// NewDocumentID generates a unique document ID.
// Format: doc-<12 hex chars>
func NewDocumentID() string {
	return "doc-" + shortHex()
}

// NewCorrelationID generates a full UUID for distributed tracing.
func NewCorrelationID() string {
	return uuid.New().String()
}

func shortHex() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
