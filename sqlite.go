package workqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements the Store interface using SQLite. It provides ACID
// transactions and is the primary store for single-host deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store. The database file will be
// created if it doesn't exist. dbPath is the path to the SQLite database
// file.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// database/sql serializes all access through one connection; SQLite
	// write transactions would otherwise contend for the file lock.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema initializes the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		priority INTEGER NOT NULL DEFAULT 5,
		eligible_at INTEGER NOT NULL,
		lease_owner TEXT,
		lease_until INTEGER,
		payload BLOB,
		idempotency_key TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		last_error TEXT,
		result BLOB,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency_key
		ON jobs(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_jobs_claim
		ON jobs(status, priority, eligible_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_lease_until
		ON jobs(lease_until) WHERE status = 'in_progress';
	`

	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, type, status, priority, eligible_at, lease_owner, lease_until,
	payload, idempotency_key, attempts, max_attempts, last_error, result,
	created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var eligibleAt, createdAt, updatedAt int64
	var leaseUntil, startedAt, completedAt sql.NullInt64
	var leaseOwner, idempotencyKey, lastError sql.NullString

	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &job.Priority, &eligibleAt,
		&leaseOwner, &leaseUntil, &job.Payload, &idempotencyKey,
		&job.Attempts, &job.MaxAttempts, &lastError, &job.Result,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.EligibleAt = time.UnixMilli(eligibleAt)
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	if leaseUntil.Valid {
		t := time.UnixMilli(leaseUntil.Int64)
		job.LeaseUntil = &t
	}
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		job.CompletedAt = &t
	}
	if leaseOwner.Valid {
		job.LeaseOwner = leaseOwner.String
	}
	if idempotencyKey.Valid {
		job.IdempotencyKey = idempotencyKey.String
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}

	return job, nil
}

// Enqueue inserts a new queued job. Deduplication rides on the unique index
// over idempotency_key: a constraint violation means a concurrent or earlier
// enqueue already won, and the existing job's ID is returned.
func (s *SQLiteStore) Enqueue(ctx context.Context, job *Job) (string, error) {
	// Empty string must not collide with itself under the unique index.
	var idempotencyKey any
	if job.IdempotencyKey != "" {
		idempotencyKey = job.IdempotencyKey
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, priority, eligible_at, payload,
			idempotency_key, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Type, job.Status, job.Priority, job.EligibleAt.UnixMilli(),
		[]byte(job.Payload), idempotencyKey, job.Attempts, job.MaxAttempts,
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		if job.IdempotencyKey != "" && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			var existingID string
			selErr := s.db.QueryRowContext(ctx,
				`SELECT id FROM jobs WHERE idempotency_key = ?`,
				job.IdempotencyKey).Scan(&existingID)
			if selErr != nil {
				return "", fmt.Errorf("failed to resolve duplicate idempotency key: %w", selErr)
			}
			return existingID, nil
		}
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	return job.ID, nil
}

// Claim atomically selects and leases the best-eligible queued job. The
// select-and-update runs as a single statement so two workers racing for the
// same job can never both succeed.
func (s *SQLiteStore) Claim(ctx context.Context, workerID string, types []string, leaseFor time.Duration) (*Job, error) {
	now := time.Now()
	nowMs := now.UnixMilli()
	leaseUntil := now.Add(leaseFor).UnixMilli()

	typeFilter := ""
	args := []any{StatusInProgress, workerID, leaseUntil, nowMs, nowMs, StatusQueued, nowMs}
	if len(types) > 0 {
		typeFilter = ` AND type IN (` + placeholdersStr(len(types)) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}

	query := `
		UPDATE jobs
		SET status = ?,
		    lease_owner = ?,
		    lease_until = ?,
		    attempts = attempts + 1,
		    started_at = COALESCE(started_at, ?),
		    updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND eligible_at <= ?` + typeFilter + `
			ORDER BY priority ASC, eligible_at ASC
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

// Complete transitions a job to completed with the given result. The update
// is guarded on the expected lease owner so a stale worker cannot overwrite
// a fresher claim.
func (s *SQLiteStore) Complete(ctx context.Context, jobID, leaseOwner string, result []byte) error {
	nowMs := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    result = ?,
		    completed_at = ?,
		    updated_at = ?,
		    lease_owner = NULL,
		    lease_until = NULL
		WHERE id = ? AND status = ? AND lease_owner = ?
	`, StatusCompleted, result, nowMs, nowMs, jobID, StatusInProgress, leaseOwner)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return s.guardError(ctx, jobID)
	}
	return nil
}

// Fail records a handler failure: dead-letter once the retry budget is spent,
// otherwise requeue with a backoff delay. The transitory failed state is
// written first, mirroring the lifecycle, then the reschedule; both updates
// share one transaction and are guarded on the expected lease owner.
func (s *SQLiteStore) Fail(ctx context.Context, jobID, leaseOwner, errMsg string, delayFor func(attempts int) time.Duration) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status Status
	var owner sql.NullString
	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		`SELECT status, lease_owner, attempts, max_attempts FROM jobs WHERE id = ?`,
		jobID).Scan(&status, &owner, &attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	if status != StatusInProgress || !owner.Valid || owner.String != leaseOwner {
		return nil, ErrLeaseLost
	}

	now := time.Now()
	nowMs := now.UnixMilli()

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?,
			    last_error = ?,
			    completed_at = ?,
			    updated_at = ?,
			    lease_owner = NULL,
			    lease_until = NULL
			WHERE id = ? AND status = ? AND lease_owner = ?
		`, StatusDeadLetter, errMsg, nowMs, nowMs, jobID, StatusInProgress, leaseOwner)
		if err != nil {
			return nil, fmt.Errorf("failed to dead-letter job: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?,
			    last_error = ?,
			    updated_at = ?
			WHERE id = ? AND status = ? AND lease_owner = ?
		`, StatusFailed, errMsg, nowMs, jobID, StatusInProgress, leaseOwner)
		if err != nil {
			return nil, fmt.Errorf("failed to mark job failed: %w", err)
		}

		eligibleAt := now.Add(delayFor(attempts)).UnixMilli()
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?,
			    eligible_at = ?,
			    updated_at = ?,
			    lease_owner = NULL,
			    lease_until = NULL
			WHERE id = ? AND status = ?
		`, StatusQueued, eligibleAt, nowMs, jobID, StatusFailed)
		if err != nil {
			return nil, fmt.Errorf("failed to requeue job: %w", err)
		}
	}

	job, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to read updated job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return job, nil
}

// ReapExpired returns all jobs with expired leases back to queued. A lease
// expiry is not a handler failure, so attempts is left unchanged.
func (s *SQLiteStore) ReapExpired(ctx context.Context) (int, error) {
	nowMs := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    lease_owner = NULL,
		    lease_until = NULL,
		    updated_at = ?
		WHERE status = ? AND lease_until < ?
	`, StatusQueued, nowMs, StatusInProgress, nowMs)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(affected), nil
}

// Get retrieves a job by ID
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// DeadLetters lists dead-lettered jobs, most recently failed first.
func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY completed_at DESC`,
		StatusDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReplayDeadLetter resets a dead-lettered job to queued with attempts zero.
func (s *SQLiteStore) ReplayDeadLetter(ctx context.Context, jobID string) error {
	nowMs := time.Now().UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    attempts = 0,
		    eligible_at = ?,
		    completed_at = NULL,
		    updated_at = ?,
		    lease_owner = NULL,
		    lease_until = NULL
		WHERE id = ? AND status = ?
	`, StatusQueued, nowMs, nowMs, jobID, StatusDeadLetter)
	if err != nil {
		return fmt.Errorf("failed to replay job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		job, getErr := s.Get(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("job %s is not dead-lettered (current: %s)", jobID, job.Status)
	}
	return nil
}

// PurgeCompleted deletes completed jobs older than the retention period.
func (s *SQLiteStore) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?
	`, StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(affected), nil
}

// Stats aggregates a read-only queue health snapshot.
func (s *SQLiteStore) Stats(ctx context.Context, window time.Duration) (*QueueStats, error) {
	stats := &QueueStats{}
	now := time.Now()

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		switch status {
		case StatusQueued:
			stats.Queued = count
		case StatusInProgress:
			stats.InProgress = count
		case StatusDeadLetter:
			stats.DeadLetters = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}

	var oldestCreated sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM jobs WHERE status = ?`, StatusQueued).
		Scan(&oldestCreated)
	if err != nil {
		return nil, fmt.Errorf("failed to read oldest queued job: %w", err)
	}
	if oldestCreated.Valid {
		stats.OldestQueuedAge = now.Sub(time.UnixMilli(oldestCreated.Int64))
	}

	cutoff := now.Add(-window).UnixMilli()

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ? AND completed_at >= ?`,
		StatusDeadLetter, cutoff).Scan(&stats.DeadLetteredInWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters in window: %w", err)
	}

	latRows, err := s.db.QueryContext(ctx, `
		SELECT started_at, completed_at FROM jobs
		WHERE status = ? AND completed_at >= ? AND started_at IS NOT NULL
	`, StatusCompleted, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query completion latencies: %w", err)
	}
	defer latRows.Close()

	durations := make([]time.Duration, 0)
	for latRows.Next() {
		var startedAt, completedAt int64
		if err := latRows.Scan(&startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan latency row: %w", err)
		}
		durations = append(durations, time.Duration(completedAt-startedAt)*time.Millisecond)
	}
	if err := latRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate latency rows: %w", err)
	}

	stats.CompletedInWindow = len(durations)
	stats.SuccessRate = successRate(stats.CompletedInWindow, stats.DeadLetteredInWindow)
	stats.Latency = summarizeLatency(durations)

	return stats, nil
}

// guardError distinguishes a missing job from a lost lease after a guarded
// update matched zero rows.
func (s *SQLiteStore) guardError(ctx context.Context, jobID string) error {
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	return ErrLeaseLost
}

// placeholdersStr generates SQL placeholders string
func placeholdersStr(n int) string {
	if n == 0 {
		return ""
	}
	result := "?"
	for i := 1; i < n; i++ {
		result += ", ?"
	}
	return result
}
