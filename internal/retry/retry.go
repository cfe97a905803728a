// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy controls how often and how fast an operation is retried.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration // Optional: Cap the delay between retries
}

// IsRetryableFunc reports whether err is transient.
type IsRetryableFunc func(err error) bool

// OperationFunc is the function executed on each attempt.
type OperationFunc func(ctx context.Context) error

// ErrInvalidPolicy is returned when a policy allows no attempts.
var ErrInvalidPolicy = errors.New("retry policy must allow at least one attempt")

// Delay returns the wait before attempt+1, doubling from InitialDelay and capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do executes operation until it succeeds, fails with an error isRetryable rejects, or
// the policy runs out of attempts. Cancelling ctx stops the retries; the last
// operation error is returned when there is one.
func Do(ctx context.Context, p Policy, name string, operation OperationFunc, isRetryable IsRetryableFunc) error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidPolicy
	}
	if operation == nil {
		return fmt.Errorf("%s: nil operation", name)
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			log.Warn().Str("component", "retry").Str("operation", name).Int("attempt", attempt).Msg("Context cancelled before attempt")
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = operation(ctx)
		if lastErr == nil {
			if attempt > 1 {
				log.Debug().Str("component", "retry").Str("operation", name).Int("attempt", attempt).Msg("Operation succeeded after retry")
			}
			return nil
		}

		retryable := isRetryable != nil && isRetryable(lastErr)
		if !retryable || attempt == p.MaxAttempts {
			log.Error().Err(lastErr).Str("component", "retry").Str("operation", name).Int("attempt", attempt).Bool("retryable", retryable).Msg("Giving up")
			return lastErr
		}

		delay := p.Delay(attempt)
		log.Warn().Err(lastErr).Str("component", "retry").Str("operation", name).Int("attempt", attempt).Int("max_attempts", p.MaxAttempts).Dur("retry_after", delay).Msg("Transient error, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			log.Warn().Err(ctx.Err()).Str("component", "retry").Str("operation", name).Msg("Context cancelled during retry delay")
			return lastErr
		}
	}
	return lastErr
}
