package workqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements the Store interface using in-memory storage. It uses
// a single mutex for thread-safety and is suitable for testing.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	idem   map[string]string // idempotency key -> job ID
	closed bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		idem: make(map[string]string),
	}
}

// Close closes the store and prevents further operations.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) ensureOpenLocked() error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func cloneJob(job *Job) *Job {
	c := *job
	if job.LeaseUntil != nil {
		t := *job.LeaseUntil
		c.LeaseUntil = &t
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	if job.Payload != nil {
		c.Payload = append(c.Payload[:0:0], job.Payload...)
	}
	if job.Result != nil {
		c.Result = append(c.Result[:0:0], job.Result...)
	}
	return &c
}

// Enqueue inserts a new queued job, deduplicating by idempotency key.
func (s *MemoryStore) Enqueue(ctx context.Context, job *Job) (string, error) {
	if _, err := ensureContext(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return "", err
	}

	if job.IdempotencyKey != "" {
		if existingID, ok := s.idem[job.IdempotencyKey]; ok {
			return existingID, nil
		}
	}
	if _, exists := s.jobs[job.ID]; exists {
		return "", fmt.Errorf("job already exists: %s", job.ID)
	}

	s.jobs[job.ID] = cloneJob(job)
	if job.IdempotencyKey != "" {
		s.idem[job.IdempotencyKey] = job.ID
	}
	return job.ID, nil
}

// Claim leases the best-eligible queued job to workerID.
func (s *MemoryStore) Claim(ctx context.Context, workerID string, types []string, leaseFor time.Duration) (*Job, error) {
	if _, err := ensureContext(ctx); err != nil {
		return nil, err
	}
	if workerID == "" {
		return nil, fmt.Errorf("workerID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	now := time.Now()
	var best *Job
	for _, job := range s.jobs {
		if job.Status != StatusQueued || job.EligibleAt.After(now) {
			continue
		}
		if len(typeSet) > 0 && !typeSet[job.Type] {
			continue
		}
		if best == nil ||
			job.Priority < best.Priority ||
			(job.Priority == best.Priority && job.EligibleAt.Before(best.EligibleAt)) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = StatusInProgress
	best.LeaseOwner = workerID
	leaseUntil := now.Add(leaseFor)
	best.LeaseUntil = &leaseUntil
	best.Attempts++
	if best.StartedAt == nil {
		started := now
		best.StartedAt = &started
	}
	best.UpdatedAt = now

	return cloneJob(best), nil
}

// Complete transitions a job to completed, guarded on the lease owner.
func (s *MemoryStore) Complete(ctx context.Context, jobID, leaseOwner string, result []byte) error {
	if _, err := ensureContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusInProgress || job.LeaseOwner != leaseOwner {
		return ErrLeaseLost
	}

	now := time.Now()
	job.Status = StatusCompleted
	job.Result = append([]byte(nil), result...)
	job.CompletedAt = &now
	job.UpdatedAt = now
	job.LeaseOwner = ""
	job.LeaseUntil = nil
	return nil
}

// Fail dead-letters or requeues a job, guarded on the lease owner.
func (s *MemoryStore) Fail(ctx context.Context, jobID, leaseOwner, errMsg string, delayFor func(attempts int) time.Duration) (*Job, error) {
	if _, err := ensureContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != StatusInProgress || job.LeaseOwner != leaseOwner {
		return nil, ErrLeaseLost
	}

	now := time.Now()
	job.LastError = errMsg
	job.LeaseOwner = ""
	job.LeaseUntil = nil
	job.UpdatedAt = now
	if job.Attempts >= job.MaxAttempts {
		job.Status = StatusDeadLetter
		job.CompletedAt = &now
	} else {
		job.Status = StatusQueued
		job.EligibleAt = now.Add(delayFor(job.Attempts))
	}

	return cloneJob(job), nil
}

// ReapExpired requeues all jobs whose lease has expired.
func (s *MemoryStore) ReapExpired(ctx context.Context) (int, error) {
	if _, err := ensureContext(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}

	now := time.Now()
	count := 0
	for _, job := range s.jobs {
		if job.Status != StatusInProgress || job.LeaseUntil == nil || !job.LeaseUntil.Before(now) {
			continue
		}
		job.Status = StatusQueued
		job.LeaseOwner = ""
		job.LeaseUntil = nil
		job.UpdatedAt = now
		count++
	}
	return count, nil
}

// Get retrieves a job by ID.
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if _, err := ensureContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// DeadLetters lists dead-lettered jobs, most recently failed first.
func (s *MemoryStore) DeadLetters(ctx context.Context) ([]*Job, error) {
	if _, err := ensureContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status == StatusDeadLetter {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sortDeadLetters(jobs)
	return jobs, nil
}

// ReplayDeadLetter resets a dead-lettered job to queued with attempts zero.
func (s *MemoryStore) ReplayDeadLetter(ctx context.Context, jobID string) error {
	if _, err := ensureContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusDeadLetter {
		return fmt.Errorf("job %s is not dead-lettered (current: %s)", jobID, job.Status)
	}

	now := time.Now()
	job.Status = StatusQueued
	job.Attempts = 0
	job.EligibleAt = now
	job.CompletedAt = nil
	job.UpdatedAt = now
	job.LeaseOwner = ""
	job.LeaseUntil = nil
	return nil
}

// PurgeCompleted deletes completed jobs older than the retention period.
func (s *MemoryStore) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	if _, err := ensureContext(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for id, job := range s.jobs {
		if job.Status != StatusCompleted || job.CompletedAt == nil || !job.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.jobs, id)
		if job.IdempotencyKey != "" {
			delete(s.idem, job.IdempotencyKey)
		}
		count++
	}
	return count, nil
}

// Stats aggregates a read-only queue health snapshot.
func (s *MemoryStore) Stats(ctx context.Context, window time.Duration) (*QueueStats, error) {
	if _, err := ensureContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	now := time.Now()
	cutoff := now.Add(-window)
	stats := &QueueStats{}
	durations := make([]time.Duration, 0)
	var oldestCreated *time.Time

	for _, job := range s.jobs {
		switch job.Status {
		case StatusQueued:
			stats.Queued++
			if oldestCreated == nil || job.CreatedAt.Before(*oldestCreated) {
				t := job.CreatedAt
				oldestCreated = &t
			}
		case StatusInProgress:
			stats.InProgress++
		case StatusDeadLetter:
			stats.DeadLetters++
			if job.CompletedAt != nil && !job.CompletedAt.Before(cutoff) {
				stats.DeadLetteredInWindow++
			}
		case StatusCompleted:
			if job.CompletedAt != nil && !job.CompletedAt.Before(cutoff) && job.StartedAt != nil {
				durations = append(durations, job.CompletedAt.Sub(*job.StartedAt))
			}
		}
	}

	if oldestCreated != nil {
		stats.OldestQueuedAge = now.Sub(*oldestCreated)
	}
	stats.CompletedInWindow = len(durations)
	stats.SuccessRate = successRate(stats.CompletedInWindow, stats.DeadLetteredInWindow)
	stats.Latency = summarizeLatency(durations)

	return stats, nil
}
