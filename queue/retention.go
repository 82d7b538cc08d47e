package queue

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lumapix/genbroker/telemetry"
)

// RetentionReaper purges terminal (COMPLETED/FAILED) jobs once they have
// been retained past the configured window. Results stay queryable during
// the window; afterwards Get returns ErrNotFound.
type RetentionReaper struct {
	broker    *BoltBroker
	retention time.Duration
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	lastReapCount int
	totalReaped   int64
}

// RetentionReaperOption configures a RetentionReaper.
type RetentionReaperOption func(*RetentionReaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) RetentionReaperOption {
	return func(r *RetentionReaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum jobs to purge per batch.
func WithReaperBatchSize(n int) RetentionReaperOption {
	return func(r *RetentionReaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger.
func WithReaperLogger(logger *slog.Logger) RetentionReaperOption {
	return func(r *RetentionReaper) {
		r.logger = logger
	}
}

// WithReaperNow sets the time function (for testing).
func WithReaperNow(now func() time.Time) RetentionReaperOption {
	return func(r *RetentionReaper) {
		r.now = now
	}
}

// NewRetentionReaper creates a reaper purging terminal jobs older than
// retention. Defaults: interval=5m, batchSize=100.
func NewRetentionReaper(broker *BoltBroker, retention time.Duration, opts ...RetentionReaperOption) *RetentionReaper {
	r := &RetentionReaper{
		broker:    broker,
		retention: retention,
		interval:  5 * time.Minute,
		batchSize: 100,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "retention_reaper")
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *RetentionReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("retention reaper started",
		"retention", r.retention,
		"interval", r.interval,
		"batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("retention reaper stopped", "totalReaped", r.totalReaped)
			return
		case <-ticker.C:
			r.ReapNow(ctx)
		}
	}
}

// ReapNow purges all eligible terminal jobs immediately and returns the
// count deleted. Useful for testing or manual cleanup.
func (r *RetentionReaper) ReapNow(ctx context.Context) int {
	start := r.now()
	total := 0

	for {
		count, hasMore := r.reapBatch()
		total += count
		if !hasMore {
			break
		}

		select {
		case <-ctx.Done():
			return total
		default:
		}
	}

	if total > 0 {
		r.lastReapCount = total
		r.totalReaped += int64(total)

		r.logger.Info("retention reap complete",
			"deleted", total,
			"duration", r.now().Sub(start),
			"totalReaped", r.totalReaped)
	}

	telemetry.RecordReaperCycle(ctx, "job_retention", total, r.now().Sub(start))
	return total
}

// reapBatch deletes a single batch of expired terminal jobs. Returns the
// count deleted and whether there may be more.
func (r *RetentionReaper) reapBatch() (int, bool) {
	cutoff := encodeTimestamp(r.now().Add(-r.retention))

	var deleted int
	err := r.broker.db.Update(func(tx *bbolt.Tx) error {
		terminal := tx.Bucket(bucketTerminal)
		cursor := terminal.Cursor()

		type victim struct {
			key []byte
			id  string
		}
		var victims []victim
		for key, idBytes := cursor.First(); key != nil && bytes.Compare(key[:8], cutoff) < 0; key, idBytes = cursor.Next() {
			victims = append(victims, victim{key: append([]byte(nil), key...), id: string(idBytes)})
			if len(victims) >= r.batchSize {
				break
			}
		}

		for _, v := range victims {
			if err := terminal.Delete(v.key); err != nil {
				return err
			}
			if err := tx.Bucket(bucketTerminalByID).Delete([]byte(v.id)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketJobs).Delete([]byte(v.id)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to reap terminal jobs", "error", err)
		return 0, false
	}

	return deleted, deleted >= r.batchSize
}
