package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds one breaker per named dependency. Breakers are created
// lazily on first use and live for the process lifetime; there is no API to
// remove or reset one outside the state machine.
type Registry struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger passed to created breakers.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryNow sets the time function for testing.
func WithRegistryNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry; cfg applies to every breaker it creates.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		config:   cfg,
		logger:   slog.Default(),
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for the named dependency, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = New(name, r.config, WithLogger(r.logger), WithNow(r.now))
	r.breakers[name] = cb
	return cb
}

// Execute runs fn through the named dependency's breaker.
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Snapshot returns stats for every breaker, sorted by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	stats := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Snapshot())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
