// Package workqueue provides a persistent, crash-safe job queue for handing
// slow background work (content re-validation, knowledge extraction, network
// publication) off to worker processes, with support for multiple embedded
// storage backends (SQLite, BadgerDB).
//
// The library supports:
//   - At-least-once delivery with lease-based claiming
//   - Idempotent enqueue via caller-supplied idempotency keys
//   - Priority plus earliest-eligible-time ordering
//   - Bounded retry with exponential backoff and jitter
//   - Dead-letter escalation and manual replay
//   - Crash recovery through a periodic lease reaper
//
// Example usage:
//
//	store, _ := workqueue.NewSQLiteStore("./jobs.db")
//	queue := workqueue.NewQueue(store, workqueue.DefaultConfig(), logger)
//	defer queue.Close()
//
//	jobID, _ := queue.Enqueue(ctx, "async-validation",
//	    json.RawMessage(`{"record_id": "rec-42"}`),
//	    workqueue.EnqueueOptions{IdempotencyKey: "validate-rec-42"})
package workqueue

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusQueued indicates the job is waiting to be claimed.
	StatusQueued Status = "queued"
	// StatusInProgress indicates a worker holds an active lease on the job.
	StatusInProgress Status = "in_progress"
	// StatusCompleted indicates the job finished successfully (terminal).
	StatusCompleted Status = "completed"
	// StatusFailed indicates a handler failure was just recorded; the job is
	// immediately rescheduled to queued, so this state is transitory.
	StatusFailed Status = "failed"
	// StatusDeadLetter indicates the job exhausted its retry budget and
	// requires manual replay (terminal).
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether s is a final state that no claim or requeue may
// ever change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Job represents a unit of work in the queue. The stored record is the sole
// source of truth; any copy held by a worker is a transient cache of it.
type Job struct {
	ID             string          // Time-sortable unique identifier, immutable
	Type           string          // Selects the handler
	Status         Status          // Current lifecycle state
	Priority       int             // Lower value is served first
	EligibleAt     time.Time       // Not claimable before this instant
	LeaseOwner     string          // Worker holding the lease (empty unless in progress)
	LeaseUntil     *time.Time      // Lease expiry (nil unless in progress)
	Payload        json.RawMessage // Opaque, interpreted only by the handler
	IdempotencyKey string          // Optional deduplication token
	Attempts       int             // Incremented on every claim
	MaxAttempts    int             // Dead-letter threshold
	LastError      string          // Last failure message, never payload content
	Result         json.RawMessage // Opaque outcome, set on success
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time // Stamped on first claim
	CompletedAt    *time.Time // Stamped on completion or dead-letter
}

// EnqueueOptions carries the optional parameters of Enqueue. The zero value
// selects the configured defaults.
type EnqueueOptions struct {
	// Priority orders eligible jobs, lower first; zero is the most urgent.
	// Nil means the configured default priority.
	Priority *int
	// Delay postpones eligibility by the given duration.
	Delay time.Duration
	// IdempotencyKey deduplicates submissions: a second enqueue with the same
	// key returns the existing job's ID without inserting.
	IdempotencyKey string
	// MaxAttempts overrides the configured retry budget. Zero means the
	// configured default.
	MaxAttempts int
}

// QueueStats is a read-only snapshot of queue health derived from the store.
type QueueStats struct {
	Queued               int           // Jobs waiting to be claimed
	InProgress           int           // Jobs under an active lease
	DeadLetters          int           // Jobs awaiting manual replay
	OldestQueuedAge      time.Duration // Age of the oldest queued job, 0 if none
	CompletedInWindow    int           // Jobs completed within the stats window
	DeadLetteredInWindow int           // Jobs dead-lettered within the stats window
	SuccessRate          float64       // completed / (completed + dead-lettered) in window
	Latency              LatencySummary
}

// LatencySummary holds execution-latency percentiles (completed_at minus
// started_at) over completed jobs in the stats window.
type LatencySummary struct {
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	Samples int
}
