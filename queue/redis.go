package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker is a shared broker backed by Redis, for deployments where
// several nodes submit and work the same queue. Job records live in string
// keys; the ready and processing queues are lists so claims ride on an
// atomic BLMOVE; a sorted set of claim times drives visibility reclaim.
type RedisBroker struct {
	client    redis.UniversalClient
	codec     *Codec
	logger    *slog.Logger
	now       func() time.Time
	prefix    string
	retention time.Duration
	blockTime time.Duration
}

// RedisBrokerOption configures a RedisBroker.
type RedisBrokerOption func(*RedisBroker)

// WithRedisLogger sets the logger.
func WithRedisLogger(logger *slog.Logger) RedisBrokerOption {
	return func(b *RedisBroker) {
		b.logger = logger
	}
}

// WithRedisNow sets the time function for testing.
func WithRedisNow(now func() time.Time) RedisBrokerOption {
	return func(b *RedisBroker) {
		b.now = now
	}
}

// WithKeyPrefix sets the key namespace. Default is "genbroker".
func WithKeyPrefix(prefix string) RedisBrokerOption {
	return func(b *RedisBroker) {
		b.prefix = prefix
	}
}

// WithRetention sets how long terminal job records stay readable.
// Default is 24 hours. Applied as a key TTL, so Redis reaps them itself.
func WithRetention(d time.Duration) RedisBrokerOption {
	return func(b *RedisBroker) {
		b.retention = d
	}
}

// NewRedisBroker creates a broker on an existing Redis client.
func NewRedisBroker(client redis.UniversalClient, opts ...RedisBrokerOption) (*RedisBroker, error) {
	b := &RedisBroker{
		client:    client,
		logger:    slog.Default(),
		now:       time.Now,
		prefix:    "genbroker",
		retention: 24 * time.Hour,
		blockTime: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "redis_broker")

	codec, err := NewCodec()
	if err != nil {
		return nil, fmt.Errorf("creating job codec: %w", err)
	}
	b.codec = codec
	return b, nil
}

func (b *RedisBroker) jobKey(id string) string {
	return b.prefix + ":job:" + id
}

func (b *RedisBroker) readyKey() string {
	return b.prefix + ":ready"
}

func (b *RedisBroker) processingKey() string {
	return b.prefix + ":processing"
}

func (b *RedisBroker) activeKey() string {
	return b.prefix + ":active"
}

// Close releases codec resources. The Redis client is owned by the caller.
func (b *RedisBroker) Close() error {
	if b.codec != nil {
		b.codec.Close()
	}
	return nil
}

// Enqueue persists the job and pushes it onto the ready queue.
func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	now := b.now()
	job.Status = StatusPending
	job.EnqueuedAt = now
	job.UpdatedAt = now

	data, err := b.codec.EncodeJob(job)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(job.ID), data, 0)
	pipe.LPush(ctx, b.readyKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// Dequeue blocks until a job ID arrives on the ready queue, then claims it.
// BLMOVE makes the handoff from ready to processing atomic across nodes.
func (b *RedisBroker) Dequeue(ctx context.Context) (*Job, error) {
	for {
		id, err := b.client.BLMove(ctx, b.readyKey(), b.processingKey(), "RIGHT", "LEFT", b.blockTime).Result()
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("claiming job: %w", err)
		}

		job, err := b.markActive(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Record purged between push and claim; drop the stale ID.
				b.client.LRem(ctx, b.processingKey(), 1, id)
				continue
			}
			return nil, err
		}
		return job, nil
	}
}

func (b *RedisBroker) markActive(ctx context.Context, id string) (*Job, error) {
	job, err := b.fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	now := b.now()
	job.Status = StatusActive
	job.Attempts++
	job.UpdatedAt = now

	data, err := b.codec.EncodeJob(job)
	if err != nil {
		return nil, err
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(id), data, 0)
	pipe.ZAdd(ctx, b.activeKey(), redis.Z{
		Score:  float64(now.UnixNano()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("marking job active: %w", err)
	}
	return job, nil
}

// Complete transitions an active job to COMPLETED with its result. The
// record's retention TTL starts now.
func (b *RedisBroker) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return b.finish(ctx, id, func(job *Job) {
		job.Status = StatusCompleted
		job.Result = result
		job.Error = ""
	})
}

// Fail records a failed attempt, requeueing while attempts remain.
func (b *RedisBroker) Fail(ctx context.Context, id string, jobErr error) error {
	job, err := b.fetch(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusActive {
		return fmt.Errorf("job %s in state %s: %w", id, job.Status, ErrNotActive)
	}

	now := b.now()
	job.UpdatedAt = now
	if jobErr != nil {
		job.Error = jobErr.Error()
	}

	requeue := job.Attempts < job.MaxAttempts
	if requeue {
		job.Status = StatusPending
	} else {
		job.Status = StatusFailed
	}

	data, err := b.codec.EncodeJob(job)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	if requeue {
		pipe.Set(ctx, b.jobKey(id), data, 0)
		pipe.LPush(ctx, b.readyKey(), id)
	} else {
		pipe.Set(ctx, b.jobKey(id), data, b.retention)
	}
	pipe.LRem(ctx, b.processingKey(), 1, id)
	pipe.ZRem(ctx, b.activeKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	return nil
}

func (b *RedisBroker) finish(ctx context.Context, id string, apply func(*Job)) error {
	job, err := b.fetch(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusActive {
		return fmt.Errorf("job %s in state %s: %w", id, job.Status, ErrNotActive)
	}

	apply(job)
	job.UpdatedAt = b.now()

	data, err := b.codec.EncodeJob(job)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.jobKey(id), data, b.retention)
	pipe.LRem(ctx, b.processingKey(), 1, id)
	pipe.ZRem(ctx, b.activeKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("finishing job: %w", err)
	}
	return nil
}

// Get returns the job record by ID.
func (b *RedisBroker) Get(ctx context.Context, id string) (*Job, error) {
	return b.fetch(ctx, id)
}

func (b *RedisBroker) fetch(ctx context.Context, id string) (*Job, error) {
	data, err := b.client.Get(ctx, b.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching job %s: %w", id, err)
	}
	return b.codec.DecodeJob(data)
}

// Depth returns the number of jobs on the ready queue.
func (b *RedisBroker) Depth(ctx context.Context) (int, error) {
	n, err := b.client.LLen(ctx, b.readyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return int(n), nil
}

// Reclaim requeues jobs claimed before now-visibility.
func (b *RedisBroker) Reclaim(ctx context.Context, visibility time.Duration) (int, error) {
	cutoff := b.now().Add(-visibility).UnixNano()

	ids, err := b.client.ZRangeByScore(ctx, b.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing stale claims: %w", err)
	}

	var reclaimed int
	for _, id := range ids {
		job, err := b.fetch(ctx, id)
		if errors.Is(err, ErrNotFound) {
			b.client.ZRem(ctx, b.activeKey(), id)
			b.client.LRem(ctx, b.processingKey(), 1, id)
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		if job.Status != StatusActive {
			b.client.ZRem(ctx, b.activeKey(), id)
			b.client.LRem(ctx, b.processingKey(), 1, id)
			continue
		}

		job.Status = StatusPending
		job.UpdatedAt = b.now()

		data, err := b.codec.EncodeJob(job)
		if err != nil {
			return reclaimed, err
		}

		pipe := b.client.TxPipeline()
		pipe.Set(ctx, b.jobKey(id), data, 0)
		pipe.ZRem(ctx, b.activeKey(), id)
		pipe.LRem(ctx, b.processingKey(), 1, id)
		pipe.LPush(ctx, b.readyKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("reclaiming job %s: %w", id, err)
		}

		reclaimed++
		b.logger.Warn("reclaimed stale job", "job_id", id, "attempts", job.Attempts)
	}
	return reclaimed, nil
}
