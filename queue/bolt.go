package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names for bbolt storage.
var (
	bucketJobs         = []byte("jobs")           // id -> encoded job envelope
	bucketPending      = []byte("pending")        // timestamp+id -> id (FIFO claim index)
	bucketActive       = []byte("active")         // timestamp+id -> id (claim-time index)
	bucketActiveByID   = []byte("active_by_id")   // id -> 8-byte claim timestamp (reverse index for O(1) delete)
	bucketTerminal     = []byte("terminal")       // timestamp+id -> id (retention index)
	bucketTerminalByID = []byte("terminal_by_id") // id -> 8-byte terminal timestamp (reverse index)
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so lexicographic ordering matches time ordering. Uses an offset to
// handle negative nanosecond values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// makeIndexKey creates a [8-byte timestamp][id] index key.
func makeIndexKey(t time.Time, id string) []byte {
	ts := encodeTimestamp(t)
	key := make([]byte, 8+len(id))
	copy(key[:8], ts)
	copy(key[8:], id)
	return key
}

// BoltBroker is a single-node durable broker backed by bbolt.
type BoltBroker struct {
	db           *bbolt.DB
	codec        *Codec
	logger       *slog.Logger
	now          func() time.Time
	noSync       bool
	pollInterval time.Duration

	notify chan struct{}

	mu     sync.Mutex
	closed bool
}

// BoltBrokerOption configures a BoltBroker.
type BoltBrokerOption func(*BoltBroker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BoltBrokerOption {
	return func(b *BoltBroker) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltBrokerOption {
	return func(b *BoltBroker) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: this improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltBrokerOption {
	return func(b *BoltBroker) {
		b.noSync = noSync
	}
}

// WithPollInterval sets how often Dequeue re-checks the pending index when
// no in-process enqueue has signalled it. Default is 500ms.
func WithPollInterval(d time.Duration) BoltBrokerOption {
	return func(b *BoltBroker) {
		b.pollInterval = d
	}
}

// NewBoltBroker opens (or creates) a broker database at path.
func NewBoltBroker(path string, opts ...BoltBrokerOption) (*BoltBroker, error) {
	b := &BoltBroker{
		logger:       slog.Default(),
		now:          time.Now,
		pollInterval: 500 * time.Millisecond,
		notify:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bolt_broker")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening broker database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating job codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened broker database", "path", path, "noSync", b.noSync)
	return b, nil
}

func (b *BoltBroker) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketPending,
			bucketActive,
			bucketActiveByID,
			bucketTerminal,
			bucketTerminalByID,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.codec != nil {
		b.codec.Close()
	}
	b.logger.Debug("closing broker database")
	return b.db.Close()
}

func (b *BoltBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Enqueue persists the job in PENDING state and signals any in-process
// waiter.
func (b *BoltBroker) Enqueue(_ context.Context, job *Job) error {
	if b.isClosed() {
		return ErrClosed
	}

	now := b.now()
	job.Status = StatusPending
	job.EnqueuedAt = now
	job.UpdatedAt = now

	data, err := b.codec.EncodeJob(job)
	if err != nil {
		return err
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
			return fmt.Errorf("putting job: %w", err)
		}
		if err := tx.Bucket(bucketPending).Put(makeIndexKey(now, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("indexing pending job: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.signal()
	return nil
}

func (b *BoltBroker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a pending job can be claimed or ctx is done. The
// claim is transactional: the pending index entry is removed and the job
// moves to ACTIVE with its attempt count incremented, so no two workers can
// hold the same job.
func (b *BoltBroker) Dequeue(ctx context.Context) (*Job, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if b.isClosed() {
			return nil, ErrClosed
		}

		job, err := b.claim()
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		case <-ticker.C:
		}
	}
}

// claim atomically moves the oldest pending job to ACTIVE. Returns nil, nil
// when the pending index is empty.
func (b *BoltBroker) claim() (*Job, error) {
	var job *Job
	err := b.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		cursor := pending.Cursor()

		key, idBytes := cursor.First()
		// Skip dangling index entries in place; returning early would
		// leave live entries behind them waiting out a poll interval.
		for key != nil && tx.Bucket(bucketJobs).Get(idBytes) == nil {
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("dropping dangling pending index: %w", err)
			}
			key, idBytes = cursor.Next()
		}
		if key == nil {
			return nil
		}

		id := string(idBytes)
		data := tx.Bucket(bucketJobs).Get(idBytes)

		decoded, err := b.codec.DecodeJob(data)
		if err != nil {
			return fmt.Errorf("decoding job %s: %w", id, err)
		}

		now := b.now()
		decoded.Status = StatusActive
		decoded.Attempts++
		decoded.UpdatedAt = now

		encoded, err := b.codec.EncodeJob(decoded)
		if err != nil {
			return err
		}

		if err := pending.Delete(key); err != nil {
			return fmt.Errorf("removing pending index: %w", err)
		}
		if err := tx.Bucket(bucketJobs).Put(idBytes, encoded); err != nil {
			return fmt.Errorf("updating job: %w", err)
		}
		claimTS := encodeTimestamp(now)
		if err := tx.Bucket(bucketActive).Put(makeIndexKey(now, id), idBytes); err != nil {
			return fmt.Errorf("indexing active job: %w", err)
		}
		if err := tx.Bucket(bucketActiveByID).Put(idBytes, claimTS); err != nil {
			return fmt.Errorf("indexing active job by id: %w", err)
		}

		job = decoded
		return nil
	})
	return job, err
}

// Complete transitions an active job to COMPLETED and records its result.
func (b *BoltBroker) Complete(_ context.Context, id string, result json.RawMessage) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.finish(id, func(job *Job) {
		job.Status = StatusCompleted
		job.Result = result
		job.Error = ""
	})
}

// Fail records a failed attempt. While attempts remain the job returns to
// PENDING for redelivery; otherwise it transitions to FAILED with the error
// message retained.
func (b *BoltBroker) Fail(_ context.Context, id string, jobErr error) error {
	if b.isClosed() {
		return ErrClosed
	}

	var requeued bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		job, err := b.getActiveLocked(tx, id)
		if err != nil {
			return err
		}

		now := b.now()
		job.UpdatedAt = now
		if jobErr != nil {
			job.Error = jobErr.Error()
		}

		if err := b.removeActiveIndexLocked(tx, id); err != nil {
			return err
		}

		if job.Attempts < job.MaxAttempts {
			job.Status = StatusPending
			requeued = true
			if err := tx.Bucket(bucketPending).Put(makeIndexKey(now, id), []byte(id)); err != nil {
				return fmt.Errorf("re-indexing pending job: %w", err)
			}
		} else {
			job.Status = StatusFailed
			if err := b.putTerminalIndexLocked(tx, id, now); err != nil {
				return err
			}
		}

		encoded, err := b.codec.EncodeJob(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(id), encoded)
	})
	if err != nil {
		return err
	}

	if requeued {
		b.signal()
	}
	return nil
}

func (b *BoltBroker) finish(id string, apply func(*Job)) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		job, err := b.getActiveLocked(tx, id)
		if err != nil {
			return err
		}

		now := b.now()
		apply(job)
		job.UpdatedAt = now

		if err := b.removeActiveIndexLocked(tx, id); err != nil {
			return err
		}
		if err := b.putTerminalIndexLocked(tx, id, now); err != nil {
			return err
		}

		encoded, err := b.codec.EncodeJob(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(id), encoded)
	})
}

func (b *BoltBroker) getActiveLocked(tx *bbolt.Tx, id string) (*Job, error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	job, err := b.codec.DecodeJob(data)
	if err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	if job.Status != StatusActive {
		return nil, fmt.Errorf("job %s in state %s: %w", id, job.Status, ErrNotActive)
	}
	return job, nil
}

func (b *BoltBroker) removeActiveIndexLocked(tx *bbolt.Tx, id string) error {
	idBytes := []byte(id)
	reverse := tx.Bucket(bucketActiveByID)
	ts := reverse.Get(idBytes)
	if ts == nil {
		return nil
	}
	key := make([]byte, 8+len(idBytes))
	copy(key[:8], ts)
	copy(key[8:], idBytes)
	if err := tx.Bucket(bucketActive).Delete(key); err != nil {
		return fmt.Errorf("removing active index: %w", err)
	}
	return reverse.Delete(idBytes)
}

func (b *BoltBroker) putTerminalIndexLocked(tx *bbolt.Tx, id string, now time.Time) error {
	if err := tx.Bucket(bucketTerminal).Put(makeIndexKey(now, id), []byte(id)); err != nil {
		return fmt.Errorf("indexing terminal job: %w", err)
	}
	return tx.Bucket(bucketTerminalByID).Put([]byte(id), encodeTimestamp(now))
}

// Get returns the job record by ID.
func (b *BoltBroker) Get(_ context.Context, id string) (*Job, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	var job *Job
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		decoded, err := b.codec.DecodeJob(data)
		if err != nil {
			return fmt.Errorf("decoding job %s: %w", id, err)
		}
		job = decoded
		return nil
	})
	return job, err
}

// Depth returns the number of pending jobs.
func (b *BoltBroker) Depth(_ context.Context) (int, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}

	var depth int
	err := b.db.View(func(tx *bbolt.Tx) error {
		depth = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return depth, err
}

// Reclaim requeues active jobs claimed before now-visibility. A worker that
// died mid-job loses its claim and the job is redelivered; a slow worker's
// later Complete or Fail gets ErrNotActive.
func (b *BoltBroker) Reclaim(_ context.Context, visibility time.Duration) (int, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}

	cutoff := encodeTimestamp(b.now().Add(-visibility))

	var reclaimed int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		active := tx.Bucket(bucketActive)
		cursor := active.Cursor()

		type stale struct {
			key []byte
			id  string
		}
		var expired []stale
		for key, idBytes := cursor.First(); key != nil && bytes.Compare(key[:8], cutoff) < 0; key, idBytes = cursor.Next() {
			expired = append(expired, stale{key: append([]byte(nil), key...), id: string(idBytes)})
		}

		now := b.now()
		for _, s := range expired {
			data := tx.Bucket(bucketJobs).Get([]byte(s.id))
			if data == nil {
				if err := active.Delete(s.key); err != nil {
					return err
				}
				continue
			}
			job, err := b.codec.DecodeJob(data)
			if err != nil {
				return fmt.Errorf("decoding job %s: %w", s.id, err)
			}
			if job.Status != StatusActive {
				if err := active.Delete(s.key); err != nil {
					return err
				}
				continue
			}

			job.Status = StatusPending
			job.UpdatedAt = now

			encoded, err := b.codec.EncodeJob(job)
			if err != nil {
				return err
			}

			if err := active.Delete(s.key); err != nil {
				return err
			}
			if err := tx.Bucket(bucketActiveByID).Delete([]byte(s.id)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketJobs).Put([]byte(s.id), encoded); err != nil {
				return err
			}
			if err := tx.Bucket(bucketPending).Put(makeIndexKey(now, s.id), []byte(s.id)); err != nil {
				return err
			}

			reclaimed++
			b.logger.Warn("reclaimed stale job", "job_id", s.id, "attempts", job.Attempts)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if reclaimed > 0 {
		b.signal()
	}
	return reclaimed, nil
}
