package workqueue

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Reaper periodically returns jobs with expired leases to the queue. It is
// the crash-recovery mechanism: a worker that dies mid-execution simply stops
// renewing its claim, and the reaper requeues the job once the lease lapses.
// Attempts are not incremented here; the count already went up at claim time.
type Reaper struct {
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a reaper sweeping at the given interval.
func NewReaper(queue *Queue, interval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reaper{queue: queue, interval: interval, logger: logger}
}

// Run sweeps expired leases until ctx is cancelled. The first sweep happens
// immediately so restarts recover orphaned jobs without waiting a full
// interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	count, err := r.queue.ReapExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("lease sweep failed", "error", err)
		}
		return
	}
	if count > 0 {
		r.logger.Info("lease sweep reclaimed jobs", "count", count)
	}
}
