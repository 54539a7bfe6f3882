package workqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements the Store interface using BadgerDB. It provides
// high-performance embedded key-value storage and is suitable for
// high-throughput scenarios where CGO is unavailable.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore creates a new BadgerDB store. The database directory will be
// created if it doesn't exist. dbPath is the path to the BadgerDB database
// directory.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerStore(dbPath string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// Serializable-snapshot conflicts are how Badger surfaces two workers racing
// for the same key range; retrying preserves claim atomicity.
func (s *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// key prefixes
const (
	keyPrefixJob    = "job:"
	keyPrefixQueued = "idx:queued:"
	keyPrefixLease  = "idx:lease:"
	keyPrefixIdem   = "idem:"
)

// jobKey returns the key for a job record
func jobKey(jobID string) []byte {
	return []byte(keyPrefixJob + jobID)
}

// idemKey returns the key mapping an idempotency key to its job ID
func idemKey(key string) []byte {
	return []byte(keyPrefixIdem + key)
}

// queuedIndexKey orders queued jobs by (priority, eligible_at, id), which is
// exactly the claim ordering, so the first eligible entry in iteration order
// is the job to serve.
func queuedIndexKey(priority int, eligibleAt time.Time, jobID string) []byte {
	key := make([]byte, 0, len(keyPrefixQueued)+4+8+len(jobID))
	key = append(key, []byte(keyPrefixQueued)...)
	var pri [4]byte
	binary.BigEndian.PutUint32(pri[:], uint32(priority))
	key = append(key, pri[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(eligibleAt.UnixMilli()))
	key = append(key, ts[:]...)
	key = append(key, []byte(jobID)...)
	return key
}

// leaseIndexKey orders in-progress jobs by lease expiry for the reaper.
func leaseIndexKey(leaseUntil time.Time, jobID string) []byte {
	key := make([]byte, 0, len(keyPrefixLease)+8+len(jobID))
	key = append(key, []byte(keyPrefixLease)...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(leaseUntil.UnixMilli()))
	key = append(key, ts[:]...)
	key = append(key, []byte(jobID)...)
	return key
}

func (s *BadgerStore) getJob(txn *badger.Txn, jobID string) (*Job, error) {
	item, err := txn.Get(jobKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}

	var job Job
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

func (s *BadgerStore) setJob(txn *badger.Txn, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := txn.Set(jobKey(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// Enqueue inserts a new queued job, deduplicating by idempotency key.
func (s *BadgerStore) Enqueue(ctx context.Context, job *Job) (string, error) {
	var err error
	if ctx, err = ensureContext(ctx); err != nil {
		return "", err
	}

	resultID := job.ID
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		resultID = job.ID

		if job.IdempotencyKey != "" {
			item, err := txn.Get(idemKey(job.IdempotencyKey))
			if err == nil {
				return item.Value(func(val []byte) error {
					resultID = string(val)
					return nil
				})
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
		}

		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return fmt.Errorf("job already exists: %s", job.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check existing job: %w", err)
		}

		if err := s.setJob(txn, job); err != nil {
			return err
		}
		if err := txn.Set(queuedIndexKey(job.Priority, job.EligibleAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to index queued job: %w", err)
		}
		if job.IdempotencyKey != "" {
			if err := txn.Set(idemKey(job.IdempotencyKey), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to index idempotency key: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("enqueued job", "jobID", resultID, "jobType", job.Type, "deduplicated", resultID != job.ID)
	return resultID, nil
}

// Claim leases the best-eligible queued job to workerID. The queued index
// iterates in claim order; entries whose eligible time is still in the
// future are skipped rather than ending the scan, since a lower-priority but
// already-eligible job may follow.
func (s *BadgerStore) Claim(ctx context.Context, workerID string, types []string, leaseFor time.Duration) (*Job, error) {
	var err error
	if ctx, err = ensureContext(ctx); err != nil {
		return nil, err
	}
	if workerID == "" {
		return nil, fmt.Errorf("workerID is required")
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	var claimed *Job
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		claimed = nil
		now := time.Now()
		nowMs := uint64(now.UnixMilli())
		prefix := []byte(keyPrefixQueued)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			if len(key) < len(prefix)+12 {
				continue
			}
			eligibleMs := binary.BigEndian.Uint64(key[len(prefix)+4 : len(prefix)+12])
			if eligibleMs > nowMs {
				continue
			}

			jobID := string(key[len(prefix)+12:])
			job, err := s.getJob(txn, jobID)
			if err != nil {
				return err
			}
			indexKey := append([]byte(nil), key...)
			if job.Status != StatusQueued {
				// Stale index entry; drop it and keep scanning.
				if err := txn.Delete(indexKey); err != nil {
					return fmt.Errorf("failed to drop stale index entry: %w", err)
				}
				continue
			}
			if len(typeSet) > 0 && !typeSet[job.Type] {
				continue
			}

			job.Status = StatusInProgress
			job.LeaseOwner = workerID
			leaseUntil := now.Add(leaseFor)
			job.LeaseUntil = &leaseUntil
			job.Attempts++
			if job.StartedAt == nil {
				started := now
				job.StartedAt = &started
			}
			job.UpdatedAt = now

			if err := s.setJob(txn, job); err != nil {
				return err
			}
			if err := txn.Delete(indexKey); err != nil {
				return fmt.Errorf("failed to remove queued index entry: %w", err)
			}
			if err := txn.Set(leaseIndexKey(leaseUntil, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to index lease: %w", err)
			}

			claimed = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		s.logger.Debug("claimed job", "jobID", claimed.ID, "workerID", workerID, "attempts", claimed.Attempts)
	}
	return claimed, nil
}

// Complete transitions a job to completed, guarded on the lease owner.
func (s *BadgerStore) Complete(ctx context.Context, jobID, leaseOwner string, result []byte) error {
	var err error
	if ctx, err = ensureContext(ctx); err != nil {
		return err
	}

	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := s.getJob(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != StatusInProgress || job.LeaseOwner != leaseOwner {
			return ErrLeaseLost
		}

		oldLease := *job.LeaseUntil
		now := time.Now()
		job.Status = StatusCompleted
		job.Result = append([]byte(nil), result...)
		job.CompletedAt = &now
		job.UpdatedAt = now
		job.LeaseOwner = ""
		job.LeaseUntil = nil

		if err := s.setJob(txn, job); err != nil {
			return err
		}
		if err := txn.Delete(leaseIndexKey(oldLease, jobID)); err != nil {
			return fmt.Errorf("failed to remove lease index entry: %w", err)
		}
		return nil
	})
}

// Fail dead-letters or requeues a job, guarded on the lease owner.
func (s *BadgerStore) Fail(ctx context.Context, jobID, leaseOwner, errMsg string, delayFor func(attempts int) time.Duration) (*Job, error) {
	var err error
	if ctx, err = ensureContext(ctx); err != nil {
		return nil, err
	}

	var updated *Job
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := s.getJob(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != StatusInProgress || job.LeaseOwner != leaseOwner {
			return ErrLeaseLost
		}

		oldLease := *job.LeaseUntil
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

		if err := s.setJob(txn, job); err != nil {
			return err
		}
		if err := txn.Delete(leaseIndexKey(oldLease, jobID)); err != nil {
			return fmt.Errorf("failed to remove lease index entry: %w", err)
		}
		if job.Status == StatusQueued {
			if err := txn.Set(queuedIndexKey(job.Priority, job.EligibleAt, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to index queued job: %w", err)
			}
		}

		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ReapExpired requeues all jobs whose lease has expired. The lease index is
// sorted by expiry, so the scan stops at the first live lease.
func (s *BadgerStore) ReapExpired(ctx context.Context) (int, error) {
	var err error
	if ctx, err = ensureContext(ctx); err != nil {
		return 0, err
	}

	count := 0
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		count = 0
		now := time.Now()
		nowMs := uint64(now.UnixMilli())
		prefix := []byte(keyPrefixLease)

		type reclaim struct {
			jobID    string
			indexKey []byte
		}
		expired := make([]reclaim, 0)

		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			if len(key) < len(prefix)+8 {
				continue
			}
			leaseMs := binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8])
			if leaseMs >= nowMs {
				break
			}
			expired = append(expired, reclaim{
				jobID:    string(key[len(prefix)+8:]),
				indexKey: append([]byte(nil), key...),
			})
		}
		it.Close()

		for _, r := range expired {
			job, err := s.getJob(txn, r.jobID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					if err := txn.Delete(r.indexKey); err != nil {
						return fmt.Errorf("failed to drop stale lease entry: %w", err)
					}
					continue
				}
				return err
			}
			if job.Status != StatusInProgress {
				if err := txn.Delete(r.indexKey); err != nil {
					return fmt.Errorf("failed to drop stale lease entry: %w", err)
				}
				continue
			}

			job.Status = StatusQueued
			job.LeaseOwner = ""
			job.LeaseUntil = nil
			job.UpdatedAt = now

			if err := s.setJob(txn, job); err != nil {
				return err
			}
			if err := txn.Delete(r.indexKey); err != nil {
				return fmt.Errorf("failed to remove lease index entry: %w", err)
			}
			if err := txn.Set(queuedIndexKey(job.Priority, job.EligibleAt, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to index queued job: %w", err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if count > 0 {
		s.logger.Debug("reaped expired leases", "count", count)
	}
	return count, nil
}

// Get retrieves a job by ID.
func (s *BadgerStore) Get(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = ensureContext(ctx); err != nil {
		return nil, err
	}

	var job *Job
	err = s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = s.getJob(txn, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// forEachJob iterates all job records in a read-only transaction.
func (s *BadgerStore) forEachJob(fn func(job *Job) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(keyPrefixJob)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job Job
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			})
			if err != nil {
				return fmt.Errorf("failed to decode job: %w", err)
			}
			if err := fn(&job); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeadLetters lists dead-lettered jobs, most recently failed first.
func (s *BadgerStore) DeadLetters(ctx context.Context) ([]*Job, error) {
	var err error
	if _, err = ensureContext(ctx); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0)
	err = s.forEachJob(func(job *Job) error {
		if job.Status == StatusDeadLetter {
			j := *job
			jobs = append(jobs, &j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortDeadLetters(jobs)
	return jobs, nil
}

// ReplayDeadLetter resets a dead-lettered job to queued with attempts zero.
func (s *BadgerStore) ReplayDeadLetter(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = ensureContext(ctx); err != nil {
		return err
	}

	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := s.getJob(txn, jobID)
		if err != nil {
			return err
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

		if err := s.setJob(txn, job); err != nil {
			return err
		}
		if err := txn.Set(queuedIndexKey(job.Priority, job.EligibleAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to index queued job: %w", err)
		}
		return nil
	})
}

// PurgeCompleted deletes completed jobs older than the retention period.
func (s *BadgerStore) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	var err error
	if ctx, err = ensureContext(ctx); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)

	type purge struct {
		jobID   string
		idemKey string
	}
	victims := make([]purge, 0)
	err = s.forEachJob(func(job *Job) error {
		if job.Status == StatusCompleted && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			victims = append(victims, purge{jobID: job.ID, idemKey: job.IdempotencyKey})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}

	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		for _, v := range victims {
			if err := txn.Delete(jobKey(v.jobID)); err != nil {
				return fmt.Errorf("failed to delete job: %w", err)
			}
			if v.idemKey != "" {
				if err := txn.Delete(idemKey(v.idemKey)); err != nil {
					return fmt.Errorf("failed to delete idempotency key: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(victims), nil
}

// Stats aggregates a read-only queue health snapshot.
func (s *BadgerStore) Stats(ctx context.Context, window time.Duration) (*QueueStats, error) {
	var err error
	if _, err = ensureContext(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	cutoff := now.Add(-window)
	stats := &QueueStats{}
	durations := make([]time.Duration, 0)
	var oldestCreated *time.Time

	err = s.forEachJob(func(job *Job) error {
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
		return nil
	})
	if err != nil {
		return nil, err
	}

	if oldestCreated != nil {
		stats.OldestQueuedAge = now.Sub(*oldestCreated)
	}
	stats.CompletedInWindow = len(durations)
	stats.SuccessRate = successRate(stats.CompletedInWindow, stats.DeadLetteredInWindow)
	stats.Latency = summarizeLatency(durations)

	return stats, nil
}
