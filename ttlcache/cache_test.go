package ttlcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

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

func TestCacheSetGet(t *testing.T) {
	cache := New[string](time.Minute, 10)

	cache.Set("a", "alpha")

	got, ok := cache.Get("a")
	require.True(t, ok)
	require.Equal(t, "alpha", got)

	_, ok = cache.Get("missing")
	require.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	clock := newFakeClock()
	cache := New(time.Minute, 10, WithNow[string](clock.now))

	cache.Set("a", "alpha")

	// Just before expiry the entry is visible.
	clock.advance(time.Minute - time.Millisecond)
	require.True(t, cache.Has("a"))

	// At expiry it is gone.
	clock.advance(time.Millisecond)
	require.False(t, cache.Has("a"))

	_, ok := cache.Get("a")
	require.False(t, ok)
}

func TestCacheCapacityEvictsOldestInserted(t *testing.T) {
	clock := newFakeClock()
	cache := New(time.Hour, 3, WithNow[int](clock.now))

	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Set("c", 3)

	// Reads do not protect entries from eviction.
	_, ok := cache.Get("a")
	require.True(t, ok)

	cache.Set("d", 4)

	require.False(t, cache.Has("a"))
	require.True(t, cache.Has("b"))
	require.True(t, cache.Has("c"))
	require.True(t, cache.Has("d"))
	require.Equal(t, 3, cache.Len())
}

func TestCacheExpiryAndCapacityInterplay(t *testing.T) {
	clock := newFakeClock()
	cache := New(time.Second, 2, WithNow[string](clock.now))

	cache.Set("a", "alpha")
	clock.advance(500 * time.Millisecond)
	cache.Set("b", "beta")

	// At capacity: inserting c evicts a, the oldest-inserted entry.
	cache.Set("c", "gamma")
	require.False(t, cache.Has("a"))
	require.True(t, cache.Has("b"))
	require.True(t, cache.Has("c"))

	// b expires at +1s, c at +1.5s.
	clock.advance(600 * time.Millisecond)
	require.False(t, cache.Has("b"))
	require.True(t, cache.Has("c"))
}

func TestCacheOverwriteRefreshesEntry(t *testing.T) {
	clock := newFakeClock()
	cache := New(time.Minute, 2, WithNow[int](clock.now))

	cache.Set("a", 1)
	cache.Set("b", 2)

	// Overwriting a makes it the newest-inserted entry.
	cache.Set("a", 10)
	cache.Set("c", 3)

	require.True(t, cache.Has("a"))
	require.False(t, cache.Has("b"))
	require.True(t, cache.Has("c"))

	got, ok := cache.Get("a")
	require.True(t, ok)
	require.Equal(t, 10, got)
}

func TestCacheSetTTLOverridesDefault(t *testing.T) {
	clock := newFakeClock()
	cache := New(time.Hour, 10, WithNow[string](clock.now))

	cache.SetTTL("short", "s", time.Second)
	cache.Set("long", "l")

	clock.advance(2 * time.Second)
	require.False(t, cache.Has("short"))
	require.True(t, cache.Has("long"))
}

func TestCacheCleanup(t *testing.T) {
	clock := newFakeClock()
	cache := New(time.Second, 10, WithNow[string](clock.now))

	cache.Set("a", "alpha")
	cache.Set("b", "beta")
	cache.SetTTL("c", "gamma", time.Hour)

	clock.advance(2 * time.Second)

	// Len counts expired entries until they are swept.
	require.Equal(t, 3, cache.Len())

	removed := cache.Cleanup()
	require.Equal(t, 2, removed)
	require.Equal(t, 1, cache.Len())
	require.True(t, cache.Has("c"))

	// Second sweep has nothing to do.
	require.Equal(t, 0, cache.Cleanup())
}

func TestCacheDelete(t *testing.T) {
	cache := New[string](time.Minute, 10)

	cache.Set("a", "alpha")
	cache.Delete("a")
	require.False(t, cache.Has("a"))

	// Deleting a missing key is a no-op.
	cache.Delete("missing")
}

func TestCacheUnbounded(t *testing.T) {
	cache := New[int](time.Hour, 0)

	for i := range 100 {
		cache.Set(fmt.Sprintf("k%d", i), i)
	}
	require.Equal(t, 100, cache.Len())
}

func TestCacheEvictionHook(t *testing.T) {
	clock := newFakeClock()

	var evicted []string
	var reasons []string
	cache := New(time.Second, 2,
		WithNow[string](clock.now),
		WithEvictionHook[string](func(key, reason string) {
			evicted = append(evicted, key)
			reasons = append(reasons, reason)
		}))

	cache.Set("a", "alpha")
	cache.Set("b", "beta")
	cache.Set("c", "gamma")

	clock.advance(2 * time.Second)
	cache.Cleanup()

	require.Equal(t, []string{"a", "b", "c"}, evicted)
	require.Equal(t, []string{"capacity", "expired", "expired"}, reasons)
}

func TestSweeperRunOnce(t *testing.T) {
	clock := newFakeClock()
	a := New(time.Second, 10, WithNow[string](clock.now))
	b := New(time.Second, 10, WithNow[int](clock.now))

	a.Set("x", "ex")
	b.Set("y", 1)
	b.Set("z", 2)

	sweeper := NewSweeper(SweeperConfig{Interval: time.Minute}, map[string]Target{
		"a": a,
		"b": b,
	})

	require.Equal(t, 0, sweeper.RunOnce())

	clock.advance(2 * time.Second)
	require.Equal(t, 3, sweeper.RunOnce())
	require.Equal(t, 0, a.Len())
	require.Equal(t, 0, b.Len())
}

func TestSweeperStartStop(t *testing.T) {
	cache := New[string](time.Minute, 10)
	sweeper := NewSweeper(SweeperConfig{Interval: 10 * time.Millisecond}, map[string]Target{
		"cache": cache,
	})

	require.NoError(t, sweeper.Start(t.Context()))
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()

	// Stop is idempotent.
	sweeper.Stop()
}
