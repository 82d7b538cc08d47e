package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
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

func testPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassGeneral:  {Window: time.Minute, Max: 5},
		ClassFreeTier: {Window: time.Hour, Max: 2},
	}
}

func TestLimiterFixedWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testPolicies(), WithNow(clock.now))

	for i := range 5 {
		d := limiter.Allow(ClassGeneral, "alice")
		require.True(t, d.Allowed, "request %d", i+1)
		require.Equal(t, 4-i, d.Remaining)
	}

	// Sixth request in the same window is rejected.
	d := limiter.Allow(ClassGeneral, "alice")
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, time.Minute, d.RetryAfter)

	// The next window admits again.
	clock.advance(time.Minute)
	d = limiter.Allow(ClassGeneral, "alice")
	require.True(t, d.Allowed)
	require.Equal(t, 4, d.Remaining)
}

func TestLimiterRejectionsDoNotConsumeBudget(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testPolicies(), WithNow(clock.now))

	for range 5 {
		limiter.Allow(ClassGeneral, "alice")
	}
	// Hammering past the limit must not push the reset out.
	for range 100 {
		require.False(t, limiter.Allow(ClassGeneral, "alice").Allowed)
	}

	clock.advance(time.Minute)
	require.True(t, limiter.Allow(ClassGeneral, "alice").Allowed)
}

func TestLimiterIdentityIsolation(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testPolicies(), WithNow(clock.now))

	for range 5 {
		require.True(t, limiter.Allow(ClassGeneral, "alice").Allowed)
	}
	require.False(t, limiter.Allow(ClassGeneral, "alice").Allowed)

	// Bob has his own budget.
	require.True(t, limiter.Allow(ClassGeneral, "bob").Allowed)
}

func TestLimiterClassIsolation(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testPolicies(), WithNow(clock.now))

	require.True(t, limiter.Allow(ClassFreeTier, "alice").Allowed)
	require.True(t, limiter.Allow(ClassFreeTier, "alice").Allowed)
	require.False(t, limiter.Allow(ClassFreeTier, "alice").Allowed)

	// The same identity still has general budget.
	require.True(t, limiter.Allow(ClassGeneral, "alice").Allowed)
}

func TestLimiterUnknownClassFallsBackToGeneral(t *testing.T) {
	limiter := NewLimiter(testPolicies())

	p := limiter.Policy(Class("nonexistent"))
	require.Equal(t, 5, p.Max)
	require.Equal(t, time.Minute, p.Window)
}

func TestLimiterCleanup(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testPolicies(), WithNow(clock.now))

	limiter.Allow(ClassGeneral, "alice")
	limiter.Allow(ClassFreeTier, "alice")
	require.Equal(t, 2, limiter.Len())

	// General window (1m) elapses, free-tier window (1h) does not.
	clock.advance(2 * time.Minute)
	require.Equal(t, 1, limiter.Cleanup())
	require.Equal(t, 1, limiter.Len())

	clock.advance(time.Hour)
	require.Equal(t, 1, limiter.Cleanup())
	require.Equal(t, 0, limiter.Len())
}

func TestClientIdentity(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		fwd     string
		remote  string
		want    string
	}{
		{name: "subject wins", subject: "user-42", fwd: "203.0.113.9", remote: "192.0.2.1:1234", want: "user-42"},
		{name: "forwarded first hop", fwd: "203.0.113.9, 10.0.0.1", remote: "192.0.2.1:1234", want: "203.0.113.9"},
		{name: "remote addr host", remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "unparseable remote", remote: "garbage", want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.subject != "" {
				r.Header.Set(SubjectHeader, tt.subject)
			}
			if tt.fwd != "" {
				r.Header.Set("X-Forwarded-For", tt.fwd)
			}
			require.Equal(t, tt.want, ClientIdentity(r))
		})
	}
}

func TestMiddleware(t *testing.T) {
	clock := newFakeClock()
	limiter := NewLimiter(testPolicies(), WithNow(clock.now))

	handler := Middleware(limiter, ClassFreeTier, nil, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))

	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
		r.RemoteAddr = "192.0.2.1:5000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	require.Equal(t, http.StatusAccepted, do().Code)
	require.Equal(t, http.StatusAccepted, do().Code)

	w := do()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "3600", w.Header().Get("Retry-After"))
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	require.JSONEq(t, `{"error":{"code":"rate_limited","retry_after_seconds":3600}}`, w.Body.String())

	// A different client IP is admitted.
	r := httptest.NewRequest(http.MethodPost, "/v1/generate", nil)
	r.RemoteAddr = "192.0.2.2:5000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
}

func BenchmarkLimiterAllow(b *testing.B) {
	limiter := NewLimiter(DefaultPolicies())
	for i := 0; b.Loop(); i++ {
		limiter.Allow(ClassGeneral, fmt.Sprintf("client-%d", i%100))
	}
}
