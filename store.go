package workqueue

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a job ID does not exist in the store.
var ErrNotFound = errors.New("job not found")

// ensureContext substitutes Background for a nil context and surfaces an
// already-expired one before any store work begins, so a mutation never runs
// under a context that is dead on arrival.
func ensureContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		return context.Background(), nil
	}
	return ctx, ctx.Err()
}

// ErrLeaseLost is returned when a completion or failure report names a lease
// owner that no longer holds the job. The job has already moved on (lease
// expired and was reaped, or another worker claimed it), so the report must
// not be applied.
var ErrLeaseLost = errors.New("lease no longer held")

// Store is the interface for job queue storage backends. Implementations must
// be safe for concurrent use: every mutation is a single atomic operation
// against the underlying store, and ownership (lease owner) is re-checked at
// write time.
type Store interface {
	// Enqueue inserts a new queued job. If the job's idempotency key collides
	// with an existing job, the existing job's ID is returned and nothing is
	// inserted.
	Enqueue(ctx context.Context, job *Job) (string, error)

	// Claim atomically transitions the single best-eligible queued job to
	// in_progress under a lease for workerID and returns the updated record.
	// Eligible jobs are queued, past their eligible_at, and of one of the
	// requested types (empty types means any type). Ordering is ascending
	// priority, then ascending eligible_at. Returns (nil, nil) when no job is
	// eligible.
	Claim(ctx context.Context, workerID string, types []string, leaseFor time.Duration) (*Job, error)

	// Complete transitions a job from in_progress to completed, storing the
	// result. Returns ErrLeaseLost if leaseOwner no longer holds the job.
	Complete(ctx context.Context, jobID, leaseOwner string, result []byte) error

	// Fail records a handler failure. If the job's attempts have reached its
	// retry budget it moves to dead_letter; otherwise it is rescheduled to
	// queued with eligible_at pushed out by delayFor(attempts). Returns the
	// post-update record, or ErrLeaseLost if leaseOwner no longer holds the
	// job.
	Fail(ctx context.Context, jobID, leaseOwner, errMsg string, delayFor func(attempts int) time.Duration) (*Job, error)

	// ReapExpired returns every in_progress job whose lease has expired back
	// to queued, clearing the lease and leaving attempts unchanged. Returns
	// the number of jobs reclaimed.
	ReapExpired(ctx context.Context) (int, error)

	// Get retrieves a job by ID.
	Get(ctx context.Context, jobID string) (*Job, error)

	// DeadLetters lists all dead-lettered jobs, most recently failed first.
	DeadLetters(ctx context.Context) ([]*Job, error)

	// ReplayDeadLetter resets a dead-lettered job back to queued with
	// attempts zero, for manual intervention after a root cause is fixed.
	ReplayDeadLetter(ctx context.Context, jobID string) error

	// PurgeCompleted deletes completed jobs whose completion is older than
	// the given age, releasing their idempotency keys. Returns the number of
	// jobs deleted.
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats aggregates a read-only snapshot; rate and latency figures cover
	// jobs finished within the trailing window.
	Stats(ctx context.Context, window time.Duration) (*QueueStats, error)

	// Close closes the store.
	Close() error
}
