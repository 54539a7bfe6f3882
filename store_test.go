package workqueue_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hollowaylabs/workqueue"
)

// testJob builds a freshly-queued job record the way Queue.Enqueue would.
func testJob(id, jobType string) *workqueue.Job {
	now := time.Now()
	return &workqueue.Job{
		ID:          id,
		Type:        jobType,
		Status:      workqueue.StatusQueued,
		Priority:    5,
		EligibleAt:  now,
		Payload:     []byte(`{"n":1}`),
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func noDelay(attempts int) time.Duration { return 0 }

// StoreTestSuite runs the shared conformance suite against a Store
// implementation. Every backend must pass it unchanged.
func StoreTestSuite(storeFactory func() (workqueue.Store, func())) {
	var store workqueue.Store
	var cleanup func()
	var ctx context.Context

	BeforeEach(func() {
		store, cleanup = storeFactory()
		ctx = context.Background()
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	Describe("Enqueue", func() {
		It("stores a job retrievable by ID", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Get(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Type).To(Equal("test"))
			Expect(got.Status).To(Equal(workqueue.StatusQueued))
			Expect(got.Attempts).To(Equal(0))
			Expect(string(got.Payload)).To(Equal(`{"n":1}`))
		})

		It("returns the existing ID for a duplicate idempotency key", func() {
			first := testJob("job-1", "test")
			first.IdempotencyKey = "dedup-key"
			id, err := store.Enqueue(ctx, first)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("job-1"))

			second := testJob("job-2", "test")
			second.IdempotencyKey = "dedup-key"
			id, err = store.Enqueue(ctx, second)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("job-1"))

			_, err = store.Get(ctx, "job-2")
			Expect(err).To(MatchError(workqueue.ErrNotFound))
		})

		It("allows distinct idempotency keys to coexist", func() {
			a := testJob("job-1", "test")
			a.IdempotencyKey = "key-a"
			b := testJob("job-2", "test")
			b.IdempotencyKey = "key-b"

			_, err := store.Enqueue(ctx, a)
			Expect(err).NotTo(HaveOccurred())
			id, err := store.Enqueue(ctx, b)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("job-2"))
		})
	})

	Describe("Claim", func() {
		It("returns nil when the queue is empty", func() {
			job, err := store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("leases the job and stamps lease fields", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())

			job, err := store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).NotTo(BeNil())
			Expect(job.ID).To(Equal("job-1"))
			Expect(job.Status).To(Equal(workqueue.StatusInProgress))
			Expect(job.LeaseOwner).To(Equal("worker-1"))
			Expect(job.LeaseUntil).NotTo(BeNil())
			Expect(job.LeaseUntil.After(time.Now())).To(BeTrue())
			Expect(job.Attempts).To(Equal(1))
			Expect(job.StartedAt).NotTo(BeNil())
		})

		It("serves lower priority values first", func() {
			low := testJob("job-low", "test")
			low.Priority = 9
			high := testJob("job-high", "test")
			high.Priority = 1

			_, err := store.Enqueue(ctx, low)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Enqueue(ctx, high)
			Expect(err).NotTo(HaveOccurred())

			job, err := store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(Equal("job-high"))
		})

		It("breaks priority ties by earliest eligibility", func() {
			older := testJob("job-older", "test")
			older.EligibleAt = time.Now().Add(-2 * time.Second)
			newer := testJob("job-newer", "test")
			newer.EligibleAt = time.Now().Add(-1 * time.Second)

			_, err := store.Enqueue(ctx, newer)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Enqueue(ctx, older)
			Expect(err).NotTo(HaveOccurred())

			job, err := store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(Equal("job-older"))
		})

		It("skips jobs that are not yet eligible", func() {
			delayed := testJob("job-delayed", "test")
			delayed.EligibleAt = time.Now().Add(time.Hour)
			_, err := store.Enqueue(ctx, delayed)
			Expect(err).NotTo(HaveOccurred())

			job, err := store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("serves an eligible job past a higher-priority delayed one", func() {
			delayed := testJob("job-delayed", "test")
			delayed.Priority = 1
			delayed.EligibleAt = time.Now().Add(time.Hour)
			eligible := testJob("job-eligible", "test")
			eligible.Priority = 9

			_, err := store.Enqueue(ctx, delayed)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Enqueue(ctx, eligible)
			Expect(err).NotTo(HaveOccurred())

			job, err := store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).NotTo(BeNil())
			Expect(job.ID).To(Equal("job-eligible"))
		})

		It("filters by job type when types are given", func() {
			_, err := store.Enqueue(ctx, testJob("job-email", "email"))
			Expect(err).NotTo(HaveOccurred())

			job, err := store.Claim(ctx, "worker-1", []string{"report"}, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())

			job, err = store.Claim(ctx, "worker-1", []string{"report", "email"}, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).NotTo(BeNil())
			Expect(job.ID).To(Equal("job-email"))
		})

		It("never hands the same job to two claimers", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())

			const claimers = 8
			var wg sync.WaitGroup
			var mu sync.Mutex
			claimedBy := make([]string, 0, claimers)

			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					workerID := fmt.Sprintf("worker-%d", n)
					job, err := store.Claim(ctx, workerID, nil, time.Minute)
					if err == nil && job != nil {
						mu.Lock()
						claimedBy = append(claimedBy, workerID)
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			Expect(claimedBy).To(HaveLen(1))
		})
	})

	Describe("Complete", func() {
		It("marks the job completed and clears the lease", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			err = store.Complete(ctx, "job-1", "worker-1", []byte(`{"ok":true}`))
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Get(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(workqueue.StatusCompleted))
			Expect(got.LeaseOwner).To(BeEmpty())
			Expect(got.LeaseUntil).To(BeNil())
			Expect(got.CompletedAt).NotTo(BeNil())
			Expect(string(got.Result)).To(Equal(`{"ok":true}`))
		})

		It("rejects a report from a stale lease owner", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			err = store.Complete(ctx, "job-1", "worker-2", nil)
			Expect(err).To(MatchError(workqueue.ErrLeaseLost))

			got, err := store.Get(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(workqueue.StatusInProgress))
			Expect(got.LeaseOwner).To(Equal("worker-1"))
		})

		It("rejects a report for a job that already moved on", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Complete(ctx, "job-1", "worker-1", nil)).To(Succeed())

			err = store.Complete(ctx, "job-1", "worker-1", nil)
			Expect(err).To(MatchError(workqueue.ErrLeaseLost))
		})

		It("returns ErrNotFound for an unknown job", func() {
			err := store.Complete(ctx, "missing", "worker-1", nil)
			Expect(err).To(MatchError(workqueue.ErrNotFound))
		})
	})

	Describe("Fail", func() {
		It("requeues with a backoff delay while attempts remain", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			before := time.Now()
			job, err := store.Fail(ctx, "job-1", "worker-1", "boom", func(attempts int) time.Duration {
				return time.Duration(attempts) * time.Hour
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(workqueue.StatusQueued))
			Expect(job.Attempts).To(Equal(1))
			Expect(job.LastError).To(Equal("boom"))
			Expect(job.LeaseOwner).To(BeEmpty())
			Expect(job.LeaseUntil).To(BeNil())
			// delayFor was called with attempts=1
			Expect(job.EligibleAt).To(BeTemporally("~", before.Add(time.Hour), time.Minute))
		})

		It("dead-letters once the retry budget is exhausted", func() {
			j := testJob("job-1", "test")
			j.MaxAttempts = 2
			_, err := store.Enqueue(ctx, j)
			Expect(err).NotTo(HaveOccurred())

			for attempt := 1; attempt <= 2; attempt++ {
				claimed, err := store.Claim(ctx, "worker-1", nil, time.Minute)
				Expect(err).NotTo(HaveOccurred())
				Expect(claimed).NotTo(BeNil())
				_, err = store.Fail(ctx, "job-1", "worker-1", fmt.Sprintf("fail %d", attempt), noDelay)
				Expect(err).NotTo(HaveOccurred())
			}

			got, err := store.Get(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(workqueue.StatusDeadLetter))
			Expect(got.Attempts).To(Equal(2))
			Expect(got.LastError).To(Equal("fail 2"))
			Expect(got.CompletedAt).NotTo(BeNil())

			// Terminal: no further claims see it.
			job, err := store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("rejects a report from a stale lease owner", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Fail(ctx, "job-1", "worker-2", "boom", noDelay)
			Expect(err).To(MatchError(workqueue.ErrLeaseLost))
		})
	})

	Describe("ReapExpired", func() {
		It("requeues expired leases without touching attempts", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())
			claimed, err := store.Claim(ctx, "worker-1", nil, 20*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.Attempts).To(Equal(1))

			time.Sleep(50 * time.Millisecond)

			count, err := store.ReapExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(1))

			got, err := store.Get(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(workqueue.StatusQueued))
			Expect(got.LeaseOwner).To(BeEmpty())
			Expect(got.LeaseUntil).To(BeNil())
			Expect(got.Attempts).To(Equal(1))
		})

		It("leaves live leases alone", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			count, err := store.ReapExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(0))

			got, err := store.Get(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(workqueue.StatusInProgress))
		})

		It("drops stale reports after reclaiming the job", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, 20*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())

			time.Sleep(50 * time.Millisecond)
			_, err = store.ReapExpired(ctx)
			Expect(err).NotTo(HaveOccurred())

			// The original claimer comes back from a long GC pause.
			err = store.Complete(ctx, "job-1", "worker-1", nil)
			Expect(err).To(MatchError(workqueue.ErrLeaseLost))

			got, err := store.Get(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(workqueue.StatusQueued))
		})
	})

	Describe("DeadLetters", func() {
		It("lists dead-lettered jobs newest first", func() {
			for _, id := range []string{"job-a", "job-b"} {
				j := testJob(id, "test")
				j.MaxAttempts = 1
				_, err := store.Enqueue(ctx, j)
				Expect(err).NotTo(HaveOccurred())
				_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
				Expect(err).NotTo(HaveOccurred())
				_, err = store.Fail(ctx, id, "worker-1", "boom", noDelay)
				Expect(err).NotTo(HaveOccurred())
				time.Sleep(5 * time.Millisecond)
			}

			dead, err := store.DeadLetters(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(dead).To(HaveLen(2))
			Expect(dead[0].ID).To(Equal("job-b"))
			Expect(dead[1].ID).To(Equal("job-a"))
		})
	})

	Describe("ReplayDeadLetter", func() {
		It("requeues the job with a fresh retry budget", func() {
			j := testJob("job-1", "test")
			j.MaxAttempts = 1
			_, err := store.Enqueue(ctx, j)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Fail(ctx, "job-1", "worker-1", "boom", noDelay)
			Expect(err).NotTo(HaveOccurred())

			Expect(store.ReplayDeadLetter(ctx, "job-1")).To(Succeed())

			got, err := store.Get(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(workqueue.StatusQueued))
			Expect(got.Attempts).To(Equal(0))
			Expect(got.CompletedAt).To(BeNil())

			job, err := store.Claim(ctx, "worker-2", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).NotTo(BeNil())
			Expect(job.ID).To(Equal("job-1"))
		})

		It("refuses jobs that are not dead-lettered", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())

			err = store.ReplayDeadLetter(ctx, "job-1")
			Expect(err).To(HaveOccurred())
			Expect(err).NotTo(MatchError(workqueue.ErrNotFound))
		})

		It("returns ErrNotFound for an unknown job", func() {
			err := store.ReplayDeadLetter(ctx, "missing")
			Expect(err).To(MatchError(workqueue.ErrNotFound))
		})
	})

	Describe("PurgeCompleted", func() {
		It("deletes old completed jobs and releases their idempotency keys", func() {
			j := testJob("job-1", "test")
			j.IdempotencyKey = "purge-key"
			_, err := store.Enqueue(ctx, j)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Complete(ctx, "job-1", "worker-1", nil)).To(Succeed())

			time.Sleep(20 * time.Millisecond)
			count, err := store.PurgeCompleted(ctx, 10*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(1))

			_, err = store.Get(ctx, "job-1")
			Expect(err).To(MatchError(workqueue.ErrNotFound))

			// The key is free for reuse.
			again := testJob("job-2", "test")
			again.IdempotencyKey = "purge-key"
			id, err := store.Enqueue(ctx, again)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal("job-2"))
		})

		It("keeps recent completions and dead letters", func() {
			done := testJob("job-done", "test")
			_, err := store.Enqueue(ctx, done)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Complete(ctx, "job-done", "worker-1", nil)).To(Succeed())

			dead := testJob("job-dead", "test")
			dead.MaxAttempts = 1
			_, err = store.Enqueue(ctx, dead)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Fail(ctx, "job-dead", "worker-1", "boom", noDelay)
			Expect(err).NotTo(HaveOccurred())

			count, err := store.PurgeCompleted(ctx, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(0))

			_, err = store.Get(ctx, "job-done")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Get(ctx, "job-dead")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Stats", func() {
		It("reports per-status counts and window aggregates", func() {
			_, err := store.Enqueue(ctx, testJob("job-queued", "test"))
			Expect(err).NotTo(HaveOccurred())

			running := testJob("job-running", "test")
			running.Priority = 1
			_, err = store.Enqueue(ctx, running)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			done := testJob("job-done", "test")
			done.Priority = 1
			_, err = store.Enqueue(ctx, done)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-2", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Complete(ctx, "job-done", "worker-2", nil)).To(Succeed())

			dead := testJob("job-dead", "test")
			dead.Priority = 1
			dead.MaxAttempts = 1
			_, err = store.Enqueue(ctx, dead)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-3", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Fail(ctx, "job-dead", "worker-3", "boom", noDelay)
			Expect(err).NotTo(HaveOccurred())

			stats, err := store.Stats(ctx, time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Queued).To(Equal(1))
			Expect(stats.InProgress).To(Equal(1))
			Expect(stats.DeadLetters).To(Equal(1))
			Expect(stats.OldestQueuedAge).To(BeNumerically(">", 0))
			Expect(stats.CompletedInWindow).To(Equal(1))
			Expect(stats.DeadLetteredInWindow).To(Equal(1))
			Expect(stats.SuccessRate).To(BeNumerically("~", 0.5, 0.001))
			Expect(stats.Latency.Samples).To(Equal(1))
			Expect(stats.Latency.P50).To(BeNumerically(">=", 0))
		})

		It("excludes old completions from the window", func() {
			_, err := store.Enqueue(ctx, testJob("job-1", "test"))
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Claim(ctx, "worker-1", nil, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Complete(ctx, "job-1", "worker-1", nil)).To(Succeed())

			time.Sleep(30 * time.Millisecond)

			stats, err := store.Stats(ctx, 10*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.CompletedInWindow).To(Equal(0))
			Expect(stats.Latency.Samples).To(Equal(0))
		})
	})
}
