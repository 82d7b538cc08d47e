package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	var calls int
	err := Do(t.Context(), fastConfig(), "write job", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoNonTransientPropagatesImmediately(t *testing.T) {
	permanent := errors.New("duplicate key violation")

	var calls int
	err := Do(t.Context(), fastConfig(), "write job", func(ctx context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	err := Do(t.Context(), fastConfig(), "write job", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ErrWriteConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	var calls int
	err := Do(t.Context(), fastConfig(), "write job", func(ctx context.Context) error {
		calls++
		return ErrWriteConflict
	})
	// MaxRetries additional attempts after the first.
	require.Equal(t, 4, calls)
	require.ErrorIs(t, err, ErrWriteConflict)
	require.Contains(t, err.Error(), "retries exhausted")
}

func TestDoRespectsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())

	var calls int
	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, Config{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, "write job",
			func(ctx context.Context) error {
				calls++
				return ErrWriteConflict
			})
	}()

	// Give the first attempt time to fail and enter backoff.
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestDoValue(t *testing.T) {
	var calls int
	got, err := DoValue(t.Context(), fastConfig(), "read job", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", ErrCursorNotFound
		}
		return "job-7", nil
	})
	require.NoError(t, err)
	require.Equal(t, "job-7", got)
	require.Equal(t, 2, calls)
}

func TestBackoffBounds(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}.withDefaults()

	for attempt := range 10 {
		for range 50 {
			d := backoff(cfg, attempt)
			exp := cfg.BaseDelay << uint(attempt)
			require.LessOrEqual(t, d, cfg.MaxDelay)
			if exp < cfg.MaxDelay {
				require.GreaterOrEqual(t, d, exp)
			}
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "write conflict sentinel", err: ErrWriteConflict, want: true},
		{name: "wrapped sentinel", err: fmt.Errorf("saving record: %w", ErrTransientTransaction), want: true},
		{name: "driver message", err: errors.New("WriteConflict error: this operation conflicted"), want: true},
		{name: "transient label", err: errors.New("(TransientTransactionError) transaction aborted"), want: true},
		{name: "connection reset", err: errors.New("read tcp 10.0.0.1:27017: connection reset by peer"), want: true},
		{name: "cursor not found", err: errors.New("Cursor not found, cursor id: 8910"), want: true},
		{name: "interrupted", err: errors.New("operation was interrupted because of replica state change"), want: true},
		{name: "validation error", err: errors.New("document failed validation"), want: false},
		{name: "not found", err: errors.New("no documents in result"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
