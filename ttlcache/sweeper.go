package ttlcache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Target is anything the sweeper can clean. Cleanup removes expired state
// and returns the number of items removed.
type Target interface {
	Cleanup() int
}

// SweeperConfig holds sweep scheduling configuration.
type SweeperConfig struct {
	// Interval is how often to run a sweep. Default is 1 minute.
	Interval time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// Sweeper drives Cleanup on a set of targets on a fixed period. Caches and
// rate-limit buckets never schedule their own expiry; the sweeper owns the
// clock so tests and the process lifecycle stay in control.
type Sweeper struct {
	config  SweeperConfig
	targets map[string]Target
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper for the given named targets.
func NewSweeper(cfg SweeperConfig, targets map[string]Target) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 1 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sweeper{
		config:  cfg,
		targets: targets,
		logger:  cfg.Logger.With("component", "sweeper"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeps.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single sweep over all targets and returns the total
// number of items removed.
func (s *Sweeper) RunOnce() int {
	var total int
	for name, target := range s.targets {
		removed := target.Cleanup()
		total += removed
		if removed > 0 {
			s.logger.Debug("sweep complete", "target", name, "removed", removed)
		}
	}
	return total
}
