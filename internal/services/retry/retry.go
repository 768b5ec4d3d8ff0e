package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

// Policy defines retry behavior with exponential backoff.
type Policy struct {
	MaxAttempts          int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffMultiplier    float64
	RetryableStatusCodes []int

	// Sink, when set, receives a retry_attempt event before each backoff.
	Sink interfaces.TelemetrySink
}

// NewPolicy creates the default policy: 3 attempts, 1s initial backoff
// doubling to a 30s cap, up to 25% additive jitter.
func NewPolicy() *Policy {
	return &Policy{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableStatusCodes: []int{
			408, // Request Timeout
			429, // Too Many Requests
			500, // Internal Server Error
			502, // Bad Gateway
			503, // Service Unavailable
			504, // Gateway Timeout
		},
	}
}

// ShouldRetry decides whether another attempt is worthwhile given the
// attempt count, an optional HTTP status code, and the error.
func (p *Policy) ShouldRetry(attempt int, statusCode int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}

	if statusCode > 0 {
		if p.isRetryableStatusCode(statusCode) {
			return true
		}
		if statusCode >= 400 && statusCode < 500 {
			return false // client errors (except 408/429) are terminal
		}
		if statusCode >= 500 {
			return true
		}
	}

	if err != nil {
		return isRetryableError(err)
	}

	return false
}

// CalculateBackoff returns the wait before the given attempt (0-based)
// with exponential growth and additive jitter. Jitter only lengthens the
// wait, so the result is never below the exponential base.
func (p *Policy) CalculateBackoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff) * pow(p.BackoffMultiplier, float64(attempt))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	backoff += backoff * 0.25 * rand.Float64()

	return time.Duration(backoff)
}

// StatusFunc is an operation reporting an HTTP status alongside its error.
type StatusFunc func() (int, error)

// Do runs fn with the retry loop. The job/operation names are only used
// for logging and telemetry. The final error is returned unchanged so
// callers keep their PipelineError classification.
func (p *Policy) Do(ctx context.Context, logger arbor.ILogger, operation string, fn StatusFunc) (int, error) {
	var lastErr error
	var statusCode int

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		statusCode, lastErr = fn()

		if lastErr == nil && !p.isRetryableStatusCode(statusCode) {
			return statusCode, nil
		}

		if !p.ShouldRetry(attempt, statusCode, lastErr) {
			if lastErr != nil {
				logger.Debug().
					Str("operation", operation).
					Int("attempt", attempt+1).
					Int("status_code", statusCode).
					Err(lastErr).
					Msg("Non-retryable error, failing immediately")
			}
			return statusCode, lastErr
		}

		if attempt < p.MaxAttempts-1 {
			backoff := p.CalculateBackoff(attempt)
			logger.Debug().
				Str("operation", operation).
				Int("attempt", attempt+1).
				Int("status_code", statusCode).
				Err(lastErr).
				Dur("backoff", backoff).
				Msg("Retrying after backoff")

			p.emitRetryAttempt(ctx, operation, attempt+1, lastErr)

			select {
			case <-ctx.Done():
				return statusCode, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	logger.Warn().
		Str("operation", operation).
		Int("max_attempts", p.MaxAttempts).
		Int("status_code", statusCode).
		Err(lastErr).
		Msg("All retry attempts exhausted")

	return statusCode, lastErr
}

// DoSimple runs an operation that has no HTTP status to report.
func (p *Policy) DoSimple(ctx context.Context, logger arbor.ILogger, operation string, fn func() error) error {
	_, err := p.Do(ctx, logger, operation, func() (int, error) {
		return 0, fn()
	})
	return err
}

func (p *Policy) emitRetryAttempt(ctx context.Context, operation string, attempt int, err error) {
	if p.Sink == nil {
		return
	}
	event := &models.TelemetryEvent{
		EventType: models.EventRetryAttempt,
		Stage:     operation,
		Attempt:   attempt,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		event.ErrorCode = string(models.CodeOf(err))
		event.ErrorMessage = err.Error()
	}
	p.Sink.Emit(ctx, event)
}

func (p *Policy) isRetryableStatusCode(statusCode int) bool {
	for _, code := range p.RetryableStatusCodes {
		if statusCode == code {
			return true
		}
	}
	return false
}

// isRetryableError classifies errors: typed pipeline errors use their
// code; otherwise timeouts and connection failures are retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pe *models.PipelineError
	if errors.As(err, &pe) {
		return pe.Code.Retryable()
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return false
}

// pow calculates base^exp for float64
func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
