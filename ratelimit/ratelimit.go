// Package ratelimit implements tiered fixed-window rate limiting.
//
// Every route is assigned a class with its own window and ceiling; counts are
// kept per (class, identity) so one client exhausting its budget on one route
// class does not starve another class or another client.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Class names a route tier with its own policy.
type Class string

const (
	// ClassGeneral covers routes without a more specific tier.
	ClassGeneral Class = "general"
	// ClassAuth covers login and token exchange routes.
	ClassAuth Class = "auth"
	// ClassPayment covers payment webhook and checkout routes.
	ClassPayment Class = "payment"
	// ClassFreeTier covers unauthenticated generation requests.
	ClassFreeTier Class = "free_tier"
	// ClassJobSubmit covers job submission.
	ClassJobSubmit Class = "job_submit"
	// ClassJobStatus covers job status polling.
	ClassJobStatus Class = "job_status"
	// ClassJobResult covers job result retrieval.
	ClassJobResult Class = "job_result"
	// ClassRPC covers the upstream RPC proxy.
	ClassRPC Class = "rpc"
)

// Policy is the fixed-window budget for one class.
type Policy struct {
	// Window is the fixed window length.
	Window time.Duration
	// Max is the number of requests admitted per identity per window.
	Max int
}

// DefaultPolicies returns the per-class budgets.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassGeneral:   {Window: time.Minute, Max: 300},
		ClassAuth:      {Window: 15 * time.Minute, Max: 25},
		ClassPayment:   {Window: time.Minute, Max: 30},
		ClassFreeTier:  {Window: time.Hour, Max: 10},
		ClassJobSubmit: {Window: time.Minute, Max: 20},
		ClassJobStatus: {Window: time.Minute, Max: 120},
		ClassJobResult: {Window: time.Minute, Max: 60},
		ClassRPC:       {Window: time.Minute, Max: 60},
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the request is admitted.
	Allowed bool
	// Limit is the class ceiling.
	Limit int
	// Remaining is the budget left in the current window after this request.
	Remaining int
	// RetryAfter is the time until the window resets. Zero when allowed.
	RetryAfter time.Duration
}

type bucketKey struct {
	class    Class
	identity string
}

type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter holds fixed-window counters per (class, identity).
type Limiter struct {
	policies map[Class]Policy
	now      func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a limiter with the given per-class policies. Classes
// without a policy fall back to the general policy.
func NewLimiter(policies map[Class]Policy, opts ...Option) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	l := &Limiter{
		policies: policies,
		now:      time.Now,
		buckets:  make(map[bucketKey]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the effective policy for class.
func (l *Limiter) Policy(class Class) Policy {
	if p, ok := l.policies[class]; ok {
		return p
	}
	return l.policies[ClassGeneral]
}

// Allow checks and consumes one unit of the (class, identity) budget. The
// first request of a window starts it; when the window has elapsed the count
// resets. Rejected requests do not consume budget, so a client hammering an
// exhausted class still recovers at the window boundary.
func (l *Limiter) Allow(class Class, identity string) Decision {
	policy := l.Policy(class)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey{class: class, identity: identity}
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= policy.Window {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}

	if b.count >= policy.Max {
		return Decision{
			Allowed:    false,
			Limit:      policy.Max,
			Remaining:  0,
			RetryAfter: b.windowStart.Add(policy.Window).Sub(now),
		}
	}

	b.count++
	return Decision{
		Allowed:   true,
		Limit:     policy.Max,
		Remaining: policy.Max - b.count,
	}
}

// Cleanup removes buckets whose window has fully elapsed and returns the
// count removed. Driven externally on a fixed period.
func (l *Limiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) >= l.Policy(key.class).Window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// LimitError reports a rate-limit rejection to non-HTTP callers.
type LimitError struct {
	Class      Class
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for class %s, retry after %s", e.Class, e.RetryAfter)
}
