package errors

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (initial try included).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each retry.
	Multiplier float64

	// JitterFraction randomizes each delay by +/- the given fraction
	// (0.2 means 80%..120% of the computed delay). Zero disables jitter.
	JitterFraction float64
}

// DefaultRetryConfig returns the retry shape used for upstream calls:
// 3 attempts, exponential backoff from 200ms capped at 2s, +/-20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Retry executes a function with exponential backoff retry logic.
// The attempt number (0-based) is passed to fn so callers can vary
// behavior per attempt, e.g. picking a different upstream instance.
// Fatal errors and context cancellation stop the loop immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsFatal(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		wait := delay
		if cfg.JitterFraction > 0 {
			// delay * (1-f .. 1+f)
			factor := 1 - cfg.JitterFraction + rand.Float64()*2*cfg.JitterFraction
			wait = time.Duration(float64(delay) * factor)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// RetryWithResult executes a function that returns a value with retry logic.
// Similar to Retry but for functions that return both a result and an error.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(attempt int) (T, error)) (T, error) {
	var result T
	err := Retry(ctx, cfg, func(attempt int) error {
		var ferr error
		result, ferr = fn(attempt)
		return ferr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
