// Package queue implements durable asynchronous job dispatch.
//
// Submission persists a job to a broker and returns immediately; workers
// claim jobs with broker-enforced exclusivity and at-least-once redelivery
// after a visibility timeout. Two brokers are provided: a bbolt-backed local
// broker for single-node deployments and a Redis-backed broker for shared
// ones.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/lumapix/genbroker"
)

// Status is the job lifecycle position.
type Status string

const (
	// StatusPending means the job is queued and unclaimed.
	StatusPending Status = "PENDING"
	// StatusActive means a worker holds the job.
	StatusActive Status = "ACTIVE"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means the job exhausted its attempts.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a unit of asynchronous work.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

var (
	// ErrNotFound is returned when a job ID is unknown or already purged.
	ErrNotFound = errors.New("job not found")
	// ErrNotActive is returned when completing or failing a job no worker
	// holds, typically after a visibility reclaim handed it elsewhere.
	ErrNotActive = errors.New("job is not active")
	// ErrClosed is returned after the broker has been closed.
	ErrClosed = errors.New("broker is closed")
)

// Broker persists jobs and enforces claim exclusivity.
type Broker interface {
	// Enqueue persists job in PENDING state.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue blocks until a pending job is available or ctx is done,
	// claims it (PENDING -> ACTIVE, attempts incremented) and returns it.
	Dequeue(ctx context.Context) (*Job, error)

	// Complete transitions an active job to COMPLETED with its result.
	Complete(ctx context.Context, id string, result json.RawMessage) error

	// Fail records a failed attempt. The job returns to PENDING while
	// attempts remain, otherwise it transitions to FAILED.
	Fail(ctx context.Context, id string, jobErr error) error

	// Get returns the job record by ID.
	Get(ctx context.Context, id string) (*Job, error)

	// Depth returns the number of pending jobs.
	Depth(ctx context.Context) (int, error)

	// Reclaim requeues active jobs whose claim is older than the
	// visibility timeout and returns the count requeued.
	Reclaim(ctx context.Context, visibility time.Duration) (int, error)

	// Close releases broker resources.
	Close() error
}

// DedupKey derives the idempotency key for a submission from its kind and
// payload, so identical submissions map to the same key regardless of
// which node receives them.
func DedupKey(kind string, payload []byte) string {
	h := genbroker.NewHasher()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(kind)))
	h.Write(lenBuf[:])
	h.Write([]byte(kind))
	h.Write(payload)
	return "blake3:" + h.Sum().String()
}
