package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream boom")

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time {
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func failing(ctx context.Context) error {
	return errUpstream
}

func succeeding(ctx context.Context) error {
	return nil
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	cb := New("payments", Config{FailureThreshold: 3, Cooldown: time.Minute})
	ctx := t.Context()

	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	require.Equal(t, StateClosed, cb.State())

	// A success resets the consecutive count.
	require.NoError(t, cb.Execute(ctx, succeeding))
	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerOpensAtThresholdAndFailsFast(t *testing.T) {
	clock := newFakeClock()
	cb := New("payments", Config{FailureThreshold: 3, Cooldown: time.Minute}, WithNow(clock.now))
	ctx := t.Context()

	for range 3 {
		require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	}
	require.Equal(t, StateOpen, cb.State())

	// Open rejections never invoke the wrapped call.
	invoked := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.False(t, invoked)

	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	require.Equal(t, "payments", oe.Dependency)
	require.Greater(t, oe.RetryAfter, time.Duration(0))
	require.True(t, IsOpen(err))
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	cb := New("mail", Config{FailureThreshold: 2, Cooldown: 30 * time.Second}, WithNow(clock.now))
	ctx := t.Context()

	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	require.Equal(t, StateOpen, cb.State())

	clock.advance(31 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	// Trial call succeeds: closed again with counters reset.
	require.NoError(t, cb.Execute(ctx, succeeding))
	require.Equal(t, StateClosed, cb.State())

	stats := cb.Snapshot()
	require.Equal(t, 0, stats.ConsecutiveFailures)
	require.Equal(t, uint64(0), stats.TotalFailures)
	require.Equal(t, uint64(0), stats.TotalSuccesses)
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := New("mail", Config{FailureThreshold: 2, Cooldown: 30 * time.Second}, WithNow(clock.now))
	ctx := t.Context()

	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)

	clock.advance(31 * time.Second)
	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	require.Equal(t, StateOpen, cb.State())

	// The cooldown restarted at the trial failure.
	clock.advance(29 * time.Second)
	require.Equal(t, StateOpen, cb.State())
	clock.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	cb := New("mail", Config{FailureThreshold: 1, Cooldown: time.Second}, WithNow(clock.now))
	ctx := t.Context()

	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	clock.advance(2 * time.Second)

	// First acquire takes the trial slot; a concurrent call is rejected.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	require.True(t, IsOpen(cb.Execute(ctx, succeeding)))

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenTrialPanicReleasesSlot(t *testing.T) {
	clock := newFakeClock()
	cb := New("mail", Config{FailureThreshold: 1, Cooldown: time.Second}, WithNow(clock.now))
	ctx := t.Context()

	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	clock.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	// The trial call panics; the caller's recovery (as in net/http) must
	// not leave the trial slot held forever.
	require.PanicsWithValue(t, "boom", func() {
		_ = cb.Execute(ctx, func(ctx context.Context) error {
			panic("boom")
		})
	})

	// The panic counted as a trial failure: back to OPEN with a fresh
	// cooldown, not stuck rejecting as half_open.
	require.Equal(t, StateOpen, cb.State())
	require.Equal(t, uint64(2), cb.Snapshot().TotalFailures)

	clock.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, succeeding))
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenRejectionHintsShortRetry(t *testing.T) {
	clock := newFakeClock()
	cb := New("mail", Config{FailureThreshold: 1, Cooldown: time.Minute}, WithNow(clock.now))
	ctx := t.Context()

	require.ErrorIs(t, cb.Execute(ctx, failing), errUpstream)
	clock.advance(2 * time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	err := cb.Execute(ctx, succeeding)
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	// The trial resolves well before a full cooldown; the hint says so.
	require.LessOrEqual(t, oe.RetryAfter, time.Second)
	require.Greater(t, oe.RetryAfter, time.Duration(0))

	close(release)
	require.NoError(t, <-done)
}

func TestRegistryLazyCreationAndIsolation(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := t.Context()

	require.ErrorIs(t, reg.Execute(ctx, "payments", failing), errUpstream)
	require.NoError(t, reg.Execute(ctx, "mail", succeeding))

	// One tripped breaker does not affect the other.
	require.True(t, IsOpen(reg.Execute(ctx, "payments", succeeding)))
	require.NoError(t, reg.Execute(ctx, "mail", succeeding))

	// Get returns the same instance.
	require.Same(t, reg.Get("payments"), reg.Get("payments"))
}

func TestRegistrySnapshotSorted(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	ctx := t.Context()

	require.NoError(t, reg.Execute(ctx, "zeta", succeeding))
	require.NoError(t, reg.Execute(ctx, "alpha", succeeding))
	require.ErrorIs(t, reg.Execute(ctx, "mid", failing), errUpstream)

	stats := reg.Snapshot()
	require.Len(t, stats, 3)
	require.Equal(t, "alpha", stats[0].Name)
	require.Equal(t, "mid", stats[1].Name)
	require.Equal(t, "zeta", stats[2].Name)

	require.Equal(t, "closed", stats[0].State)
	require.Equal(t, uint64(1), stats[1].TotalFailures)
}
