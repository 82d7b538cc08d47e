package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lumapix/genbroker/retry"
	"github.com/lumapix/genbroker/telemetry"
	"github.com/lumapix/genbroker/ttlcache"
)

// Handler executes one kind of job and returns its result document.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// DispatcherConfig holds dispatcher tuning.
type DispatcherConfig struct {
	// WorkerCount is the number of concurrent workers. Default is 4.
	WorkerCount int

	// MaxAttempts is the delivery budget per job. Default is 3.
	MaxAttempts int

	// Visibility is how long a claim holds before the job is eligible for
	// reclaim. Default is 5 minutes.
	Visibility time.Duration

	// ReclaimInterval is how often stale claims are scanned. Default is
	// 1 minute.
	ReclaimInterval time.Duration

	// DedupWindow is how long submission dedup keys are remembered.
	// Default is 10 minutes.
	DedupWindow time.Duration

	// DedupMaxEntries bounds the dedup cache. Default is 100000.
	DedupMaxEntries int

	// WorkerRate paces job starts across all workers, protecting the
	// upstream generation APIs from burst drain. Zero means unpaced.
	WorkerRate rate.Limit

	// WorkerBurst is the pacing burst size. Default is 1 when paced.
	WorkerBurst int

	// Logger for dispatch events.
	Logger *slog.Logger
}

// Dispatcher owns job submission and the worker pool draining a broker.
type Dispatcher struct {
	config   DispatcherConfig
	broker   Broker
	dedup    *ttlcache.Cache[string]
	pacer    *rate.Limiter
	retryCfg retry.Config
	logger   *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher on the given broker.
func NewDispatcher(broker Broker, cfg DispatcherConfig) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 5 * time.Minute
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 1 * time.Minute
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 100000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var pacer *rate.Limiter
	if cfg.WorkerRate > 0 {
		burst := cfg.WorkerBurst
		if burst <= 0 {
			burst = 1
		}
		pacer = rate.NewLimiter(cfg.WorkerRate, burst)
	}

	return &Dispatcher{
		config:   cfg,
		broker:   broker,
		dedup:    ttlcache.New[string](cfg.DedupWindow, cfg.DedupMaxEntries),
		pacer:    pacer,
		retryCfg: retry.DefaultConfig(),
		logger:   cfg.Logger.With("component", "dispatcher"),
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for a job kind. Jobs of unregistered kinds
// fail without retry.
func (d *Dispatcher) Register(kind string, h Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[kind] = h
}

// DedupCache exposes the submission dedup cache so a sweeper can own its
// expiry schedule.
func (d *Dispatcher) DedupCache() *ttlcache.Cache[string] {
	return d.dedup
}

// Enqueue persists a job and returns its ID immediately; execution happens
// on the worker pool. A submission whose (kind, payload) dedup key is still
// within the dedup window returns the original job's ID instead of creating
// a duplicate. Transient broker write failures are retried.
func (d *Dispatcher) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	dedupKey := DedupKey(kind, payload)
	if existing, ok := d.dedup.Get(dedupKey); ok {
		d.logger.Debug("deduplicated submission", "kind", kind, "job_id", existing)
		telemetry.RecordJobDeduplicated(ctx, kind)
		return existing, nil
	}

	job := &Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     payload,
		DedupKey:    dedupKey,
		MaxAttempts: d.config.MaxAttempts,
	}

	err := retry.Do(ctx, d.retryCfg, "enqueue job", func(ctx context.Context) error {
		return d.broker.Enqueue(ctx, job)
	})
	if err != nil {
		return "", fmt.Errorf("enqueueing %s job: %w", kind, err)
	}

	d.dedup.Set(dedupKey, job.ID)
	d.logger.Info("job enqueued", "job_id", job.ID, "kind", kind, "payload_bytes", len(payload))
	telemetry.RecordJobEnqueued(ctx, kind)
	return job.ID, nil
}

// Get returns the job record by ID.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Job, error) {
	return d.broker.Get(ctx, id)
}

// Depth returns the number of pending jobs.
func (d *Dispatcher) Depth(ctx context.Context) (int, error) {
	return d.broker.Depth(ctx)
}

// Start launches the worker pool and the reclaim loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped || d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	for i := range d.config.WorkerCount {
		d.wg.Add(1)
		go d.worker(runCtx, i)
	}

	d.wg.Add(1)
	go d.reclaimLoop(runCtx)

	d.logger.Info("dispatcher started", "workers", d.config.WorkerCount)
	return nil
}

// Close stops the workers and waits for in-flight jobs to finish their
// current attempt. The broker is left open; its owner closes it.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.running || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	logger := d.logger.With("worker", id)
	for {
		if d.pacer != nil {
			if err := d.pacer.Wait(ctx); err != nil {
				return
			}
		}

		job, err := d.broker.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
				return
			}
			logger.Error("dequeue failed", "error", err)
			continue
		}

		d.handle(ctx, logger, job)
	}
}

func (d *Dispatcher) handle(ctx context.Context, logger *slog.Logger, job *Job) {
	start := time.Now()

	// Re-arm the dedup window before side effects so a redelivered job
	// still maps retried submissions to this ID.
	if job.DedupKey != "" {
		d.dedup.Set(job.DedupKey, job.ID)
	}

	d.handlersMu.RLock()
	handler, ok := d.handlers[job.Kind]
	d.handlersMu.RUnlock()

	if !ok {
		logger.Error("no handler for job kind", "job_id", job.ID, "kind", job.Kind)
		d.fail(ctx, logger, job, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return
	}

	result, err := runHandler(ctx, handler, job)
	if err != nil {
		logger.Warn("job attempt failed",
			"job_id", job.ID,
			"kind", job.Kind,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"error", err,
		)
		d.fail(ctx, logger, job, err)
		telemetry.RecordJobCompleted(ctx, job.Kind, "failed_attempt", time.Since(start))
		return
	}

	completeErr := retry.Do(ctx, d.retryCfg, "complete job", func(ctx context.Context) error {
		return d.broker.Complete(ctx, job.ID, result)
	})
	if completeErr != nil {
		// Likely reclaimed from under us; the redelivery will redo the work.
		logger.Warn("failed to record completion", "job_id", job.ID, "error", completeErr)
		return
	}

	logger.Info("job completed", "job_id", job.ID, "kind", job.Kind, "duration", time.Since(start))
	telemetry.RecordJobCompleted(ctx, job.Kind, "completed", time.Since(start))
}

// runHandler invokes the handler, converting a panic into a failed attempt.
// Without this a single poison-pill payload would kill the worker goroutine,
// get redelivered after the visibility timeout, and crash-loop the process.
func runHandler(ctx context.Context, h Handler, job *Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, job *Job, jobErr error) {
	err := retry.Do(ctx, d.retryCfg, "fail job", func(ctx context.Context) error {
		return d.broker.Fail(ctx, job.ID, jobErr)
	})
	if err != nil {
		logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.broker.Reclaim(ctx, d.config.Visibility)
			if err != nil {
				if errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return
				}
				d.logger.Error("reclaim failed", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Info("reclaimed stale jobs", "count", n)
			}
		}
	}
}
