package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Queue is the high-level interface for job management. It wraps a Store with
// validation, defaulting, ID generation, and the retry/backoff policy, and is
// safe for concurrent use.
type Queue struct {
	store   Store
	config  *Config
	backoff BackoffPolicy
	logger  *slog.Logger
}

// NewQueue creates a new job queue over the given store. A nil config selects
// DefaultConfig; a nil logger discards log output.
func NewQueue(store Store, config *Config, logger *slog.Logger) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{
		store:  store,
		config: config,
		backoff: BackoffPolicy{
			BaseDelay:    config.BaseDelay,
			MaxDelay:     config.MaxDelay,
			JitterWindow: config.JitterWindow,
		},
		logger: logger,
	}
}

// Close closes the queue and its underlying store.
func (q *Queue) Close() error {
	return q.store.Close()
}

// Enqueue submits a job of the given type and returns its ID. The payload is
// opaque to the queue but must be valid JSON when non-empty. Options left at
// their zero value fall back to the configured defaults; see EnqueueOptions.
//
// When opts.IdempotencyKey matches an already-stored job the existing job's ID
// is returned and no new job is created.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	var err error
	if ctx, err = ensureContext(ctx); err != nil {
		return "", err
	}

	if jobType == "" {
		return "", fmt.Errorf("job type is required")
	}
	if len(q.config.JobTypes) > 0 && !q.typeAllowed(jobType) {
		return "", fmt.Errorf("unknown job type: %s", jobType)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", fmt.Errorf("payload is not valid JSON")
	}
	if opts.Priority != nil && *opts.Priority < 0 {
		return "", fmt.Errorf("priority must be non-negative, got %d", *opts.Priority)
	}
	if opts.Delay < 0 {
		return "", fmt.Errorf("delay must be non-negative, got %s", opts.Delay)
	}
	if opts.MaxAttempts < 0 {
		return "", fmt.Errorf("max attempts must be non-negative, got %d", opts.MaxAttempts)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate job ID: %w", err)
	}

	priority := q.config.DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.config.MaxAttempts
	}

	now := time.Now()
	job := &Job{
		ID:             id.String(),
		Type:           jobType,
		Status:         StatusQueued,
		Priority:       priority,
		EligibleAt:     now.Add(opts.Delay),
		Payload:        payload,
		IdempotencyKey: opts.IdempotencyKey,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	storedID, err := q.store.Enqueue(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	if storedID != job.ID {
		q.logger.Debug("enqueue deduplicated",
			"jobID", storedID, "jobType", jobType, "idempotencyKey", opts.IdempotencyKey)
	} else {
		q.logger.Debug("job enqueued",
			"jobID", storedID, "jobType", jobType, "priority", priority)
	}
	return storedID, nil
}

func (q *Queue) typeAllowed(jobType string) bool {
	for _, t := range q.config.JobTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

// Claim leases the next eligible job to workerID for the configured lease
// duration. Empty types means any type. Returns (nil, nil) when the queue has
// nothing eligible.
func (q *Queue) Claim(ctx context.Context, workerID string, types []string) (*Job, error) {
	return q.store.Claim(ctx, workerID, types, q.config.LeaseDuration)
}

// Complete reports successful execution of a claimed job. A stale report (the
// lease expired and the job moved on) is logged and dropped: the store record
// is authoritative and must not be overwritten.
func (q *Queue) Complete(ctx context.Context, jobID, leaseOwner string, result json.RawMessage) error {
	err := q.store.Complete(ctx, jobID, leaseOwner, result)
	if errors.Is(err, ErrLeaseLost) {
		q.logger.Warn("dropping stale completion report", "jobID", jobID, "workerID", leaseOwner)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	q.logger.Debug("job completed", "jobID", jobID, "workerID", leaseOwner)
	return nil
}

// Fail reports failed execution of a claimed job. The job is rescheduled with
// exponential backoff, or dead-lettered once its retry budget is exhausted.
// Stale reports are logged and dropped, like in Complete.
func (q *Queue) Fail(ctx context.Context, jobID, leaseOwner string, jobErr error) error {
	msg := "unknown error"
	if jobErr != nil {
		msg = jobErr.Error()
	}

	job, err := q.store.Fail(ctx, jobID, leaseOwner, msg, q.backoff.Delay)
	if errors.Is(err, ErrLeaseLost) {
		q.logger.Warn("dropping stale failure report", "jobID", jobID, "workerID", leaseOwner)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}

	if job.Status == StatusDeadLetter {
		q.logger.Error("job dead-lettered",
			"jobID", jobID, "jobType", job.Type, "attempts", job.Attempts, "error", msg)
	} else {
		q.logger.Info("job rescheduled after failure",
			"jobID", jobID, "jobType", job.Type, "attempts", job.Attempts,
			"eligibleAt", job.EligibleAt, "error", msg)
	}
	return nil
}

// ReapExpired returns expired-lease jobs to the queue and reports how many
// were reclaimed. Normally driven by a Reaper, but callable directly.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	count, err := q.store.ReapExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	if count > 0 {
		q.logger.Info("reclaimed expired leases", "count", count)
	}
	return count, nil
}

// Get retrieves a job by ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	return q.store.Get(ctx, jobID)
}

// DeadLetters lists all jobs awaiting manual replay, most recent first.
func (q *Queue) DeadLetters(ctx context.Context) ([]*Job, error) {
	return q.store.DeadLetters(ctx)
}

// ReplayDeadLetter returns a dead-lettered job to the queue with a fresh
// retry budget.
func (q *Queue) ReplayDeadLetter(ctx context.Context, jobID string) error {
	if err := q.store.ReplayDeadLetter(ctx, jobID); err != nil {
		return err
	}
	q.logger.Info("dead-letter replayed", "jobID", jobID)
	return nil
}

// PurgeCompleted deletes completed jobs older than the configured retention
// period.
func (q *Queue) PurgeCompleted(ctx context.Context) (int, error) {
	count, err := q.store.PurgeCompleted(ctx, q.config.PurgeTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed jobs: %w", err)
	}
	if count > 0 {
		q.logger.Info("purged completed jobs", "count", count)
	}
	return count, nil
}

// Stats returns a queue health snapshot over the configured stats window.
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	return q.store.Stats(ctx, q.config.StatsWindow)
}
