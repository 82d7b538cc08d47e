// Package retry wraps storage operations with bounded retries for known
// transient failures. Anything not on the transient allow-list propagates
// immediately; retrying an unknown error against a datastore risks
// duplicating side effects.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/lumapix/genbroker/telemetry"
)

// Config holds retry tuning.
type Config struct {
	// MaxRetries is the number of additional attempts after the first.
	// Default is 3, so an operation runs at most 4 times.
	MaxRetries int

	// BaseDelay is the first backoff delay. Default is 100ms.
	BaseDelay time.Duration

	// MaxDelay caps any single backoff delay. Default is 2s.
	MaxDelay time.Duration

	// Logger for retry attempts.
	Logger *slog.Logger
}

// DefaultConfig returns the default retry tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Do runs fn, retrying transient failures with exponential backoff and
// jitter. The op string names the operation for logs. Non-transient errors
// return immediately; after MaxRetries additional attempts the last error is
// returned. Backoff waits respect ctx cancellation.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(cfg, attempt-1)
			cfg.Logger.Debug("retrying transient error",
				"op", op,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(delay):
			}
			telemetry.RecordRetryAttempt(ctx, op)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, cfg Config, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, op, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// backoff computes min(base*2^attempt + jitter, maxDelay) where jitter is
// uniform in [0, 50%] of the exponential term.
func backoff(cfg Config, attempt int) time.Duration {
	exp := cfg.BaseDelay << uint(attempt)
	if exp <= 0 || exp > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	jitter := time.Duration(rand.Float64() * 0.5 * float64(exp))
	if exp+jitter > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return exp + jitter
}
